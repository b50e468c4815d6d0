package serp

import "strconv"

// Locale selects the search market for a query.
type Locale struct {
	LocationCode int    `json:"location_code"`
	LanguageCode string `json:"language_code"`
}

// DefaultLocale is the United States, English.
var DefaultLocale = Locale{LocationCode: 2840, LanguageCode: "en"}

// IsZero reports whether no market was chosen.
func (l Locale) IsZero() bool {
	return l.LocationCode == 0 && l.LanguageCode == ""
}

// String renders the locale as a cache key component, e.g. "2840-en".
func (l Locale) String() string {
	return strconv.Itoa(l.LocationCode) + "-" + l.LanguageCode
}

// Result is one organic search result.
type Result struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Domain   string `json:"domain"`
	Snippet  string `json:"snippet"`
	Position int    `json:"position"`
}

// Keyword is one keyword idea related to a seed query.
type Keyword struct {
	Text         string  `json:"text"`
	SearchVolume int     `json:"search_volume"`
	Competition  float64 `json:"competition"`
	CPC          float64 `json:"cpc"`
}

// DataForSEO wire format. Every endpoint wraps results in tasks.

type taskRequest struct {
	Keyword      string `json:"keyword"`
	LocationCode int    `json:"location_code"`
	LanguageCode string `json:"language_code"`
	Depth        int    `json:"depth,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type envelope[T any] struct {
	StatusCode    int       `json:"status_code"`
	StatusMessage string    `json:"status_message"`
	Tasks         []task[T] `json:"tasks"`
}

type task[T any] struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Result        []T    `json:"result"`
}

type organicResult struct {
	Items []organicItem `json:"items"`
}

type organicItem struct {
	Type         string `json:"type"`
	RankGroup    int    `json:"rank_group"`
	RankAbsolute int    `json:"rank_absolute"`
	Domain       string `json:"domain"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Description  string `json:"description"`
}

type relatedResult struct {
	Items []relatedItem `json:"items"`
}

type relatedItem struct {
	KeywordData struct {
		Keyword     string `json:"keyword"`
		KeywordInfo struct {
			SearchVolume int     `json:"search_volume"`
			Competition  float64 `json:"competition"`
			CPC          float64 `json:"cpc"`
		} `json:"keyword_info"`
	} `json:"keyword_data"`
}
