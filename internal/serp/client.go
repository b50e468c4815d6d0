// Package serp is a client for the DataForSEO search results and keyword APIs.
package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/briefai/internal/resilience"
)

const (
	defaultBaseURL = "https://api.dataforseo.com/v3"
	defaultTimeout = 30 * time.Second
	defaultDepth   = 10

	organicPath = "/serp/google/organic/live/advanced"
	relatedPath = "/dataforseo_labs/google/related_keywords/live"

	statusOK = 20000
)

// StatusError is returned when DataForSEO answers with a non-success status,
// either at the HTTP level or inside the task envelope.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dataforseo status %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500 && e.Status < 600:
		return true
	// Task-level codes: 40202 rate limit, 50000-range internal errors.
	case e.Status == 40202, e.Status >= 50000:
		return true
	}
	return false
}

// classify wraps a status error as transient or permanent for the retry policy.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return resilience.Transient(err)
		}
		return resilience.Permanent(err)
	}
	return err
}

// Client communicates with the DataForSEO API.
type Client struct {
	login      string
	password   string
	baseURL    string
	httpClient *http.Client
	locale     Locale
	depth      int
}

// NewClient creates a DataForSEO client authenticated with login and password.
func NewClient(login, password string) *Client {
	return &Client{
		login:    login,
		password: password,
		baseURL:  defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		locale: DefaultLocale,
		depth:  defaultDepth,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(login, password, baseURL string) *Client {
	c := NewClient(login, password)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// WithLocale sets the market used when a call passes a zero Locale.
func (c *Client) WithLocale(l Locale) *Client {
	if !l.IsZero() {
		c.locale = l
	}
	return c
}

// Search returns the organic results for keyword, ordered by position.
func (c *Client) Search(ctx context.Context, keyword string, locale Locale) ([]Result, error) {
	locale = c.resolve(locale)
	var env envelope[organicResult]
	err := c.post(ctx, organicPath, taskRequest{
		Keyword:      keyword,
		LocationCode: locale.LocationCode,
		LanguageCode: locale.LanguageCode,
		Depth:        c.depth,
	}, &env)
	if err != nil {
		return nil, err
	}

	res, err := firstResult(env)
	if err != nil {
		return nil, err
	}

	results := []Result{}
	for _, r := range res {
		for _, item := range r.Items {
			if item.Type != "organic" || item.URL == "" {
				continue
			}
			pos := item.RankGroup
			if pos == 0 {
				pos = len(results) + 1
			}
			results = append(results, Result{
				URL:      item.URL,
				Title:    CleanText(item.Title),
				Domain:   item.Domain,
				Snippet:  CleanText(item.Description),
				Position: pos,
			})
		}
	}
	return results, nil
}

// RelatedKeywords returns up to limit keyword ideas for the seed keyword.
func (c *Client) RelatedKeywords(ctx context.Context, keyword string, locale Locale, limit int) ([]Keyword, error) {
	locale = c.resolve(locale)
	var env envelope[relatedResult]
	err := c.post(ctx, relatedPath, taskRequest{
		Keyword:      keyword,
		LocationCode: locale.LocationCode,
		LanguageCode: locale.LanguageCode,
		Limit:        limit,
	}, &env)
	if err != nil {
		return nil, err
	}

	res, err := firstResult(env)
	if err != nil {
		return nil, err
	}

	keywords := []Keyword{}
	for _, r := range res {
		for _, item := range r.Items {
			kd := item.KeywordData
			if kd.Keyword == "" {
				continue
			}
			keywords = append(keywords, Keyword{
				Text:         kd.Keyword,
				SearchVolume: kd.KeywordInfo.SearchVolume,
				Competition:  kd.KeywordInfo.Competition,
				CPC:          kd.KeywordInfo.CPC,
			})
			if limit > 0 && len(keywords) == limit {
				return keywords, nil
			}
		}
	}
	return keywords, nil
}

func (c *Client) resolve(l Locale) Locale {
	if l.IsZero() {
		return c.locale
	}
	if l.LocationCode == 0 {
		l.LocationCode = c.locale.LocationCode
	}
	if l.LanguageCode == "" {
		l.LanguageCode = c.locale.LanguageCode
	}
	return l
}

func firstResult[T any](env envelope[T]) ([]T, error) {
	if env.StatusCode != 0 && env.StatusCode != statusOK {
		return nil, classify(&StatusError{Status: env.StatusCode, Message: env.StatusMessage})
	}
	if len(env.Tasks) == 0 {
		return nil, resilience.Permanent(errors.New("dataforseo: response contained no tasks"))
	}
	t := env.Tasks[0]
	if t.StatusCode != statusOK {
		return nil, classify(&StatusError{Status: t.StatusCode, Message: t.StatusMessage})
	}
	return t.Result, nil
}

func (c *Client) post(ctx context.Context, path string, body taskRequest, out any) error {
	payload, err := json.Marshal([]taskRequest{body})
	if err != nil {
		return resilience.Permanent(fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.login, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return resilience.Transient(fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(&StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
