package fanout

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// Default limits.
const (
	DefaultMaxQueries      = 10
	DefaultMaxHintQueries  = 3
	DefaultSemanticQueries = 3
	DefaultLongTailQueries = 3
)

// LongTailSuffixes are appended to the topic to form long-tail variants,
// in priority order.
var LongTailSuffixes = []string{"guide", "tips", "examples", "tools", "for beginners", "best practices"}

// Limits caps how many queries of each source Expand produces. Zero fields
// take the defaults; a negative SemanticQueries disables suggestions.
type Limits struct {
	MaxQueries      int `json:"max_queries"`
	MaxHintQueries  int `json:"max_hint_queries"`
	SemanticQueries int `json:"semantic_queries"`
	LongTailQueries int `json:"longtail_queries"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{}.withDefaults()
}

func (l Limits) withDefaults() Limits {
	if l.MaxQueries <= 0 {
		l.MaxQueries = DefaultMaxQueries
	}
	if l.MaxHintQueries <= 0 {
		l.MaxHintQueries = DefaultMaxHintQueries
	}
	if l.SemanticQueries < 0 {
		l.SemanticQueries = 0
	} else if l.SemanticQueries == 0 {
		l.SemanticQueries = DefaultSemanticQueries
	}
	if l.LongTailQueries <= 0 {
		l.LongTailQueries = DefaultLongTailQueries
	}
	l.LongTailQueries = min(l.LongTailQueries, len(LongTailSuffixes))
	return l
}

// Suggester proposes semantically related queries. The LLM generator
// satisfies it.
type Suggester interface {
	SuggestQueries(ctx context.Context, topic string, n int) ([]string, error)
}

// Expander turns a topic into a ranked list of queries.
type Expander struct {
	suggester Suggester
}

// NewExpander creates an Expander. suggester may be nil, in which case no
// semantic variants are produced.
func NewExpander(suggester Suggester) *Expander {
	return &Expander{suggester: suggester}
}

// Expand returns the primary query followed by semantic, long-tail and
// competitor variants, deduplicated case-insensitively, sorted by priority
// and truncated to limits.MaxQueries. An empty topic yields no queries.
func (e *Expander) Expand(ctx context.Context, topic string, hints []string, limits Limits) []QueryItem {
	topic = NormalizeTopic(topic)
	if topic == "" {
		return nil
	}
	limits = limits.withDefaults()

	items := []QueryItem{{Text: topic, Kind: KindPrimary, Priority: 0}}

	if e.suggester != nil && limits.SemanticQueries > 0 {
		suggestions, err := e.suggester.SuggestQueries(ctx, topic, limits.SemanticQueries)
		if err != nil {
			slog.Warn("query suggestion failed, continuing without semantic variants", "topic", topic, "error", err)
		}
		for i, s := range suggestions {
			if i == limits.SemanticQueries {
				break
			}
			items = append(items, QueryItem{Text: NormalizeTopic(s), Kind: KindSemantic, Priority: 1 + float64(i)/10})
		}
	}

	for i, suffix := range LongTailSuffixes[:limits.LongTailQueries] {
		items = append(items, QueryItem{Text: topic + " " + suffix, Kind: KindLongTail, Priority: 2 + float64(i)/10})
	}

	n := 0
	for _, h := range hints {
		if n == limits.MaxHintQueries {
			break
		}
		q := competitorQuery(topic, h)
		if q == "" {
			continue
		}
		items = append(items, QueryItem{Text: q, Kind: KindCompetitor, Priority: 3 + float64(n)/10})
		n++
	}

	items = dedupe(items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority < items[j].Priority })
	if len(items) > limits.MaxQueries {
		items = items[:limits.MaxQueries]
	}
	return items
}

// NormalizeTopic trims and collapses internal whitespace.
func NormalizeTopic(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func dedupe(items []QueryItem) []QueryItem {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		k := strings.ToLower(it.Text)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

// competitorQuery derives a query from a hint. Domains and URLs become
// "<brand> <topic>"; anything else is appended to the topic.
func competitorQuery(topic, hint string) string {
	hint = NormalizeTopic(hint)
	if hint == "" {
		return ""
	}
	if brand := brandFromHost(hint); brand != "" {
		return brand + " " + topic
	}
	return topic + " " + hint
}

func brandFromHost(hint string) string {
	if strings.ContainsRune(hint, ' ') {
		return ""
	}
	host := hint
	if strings.Contains(hint, "://") {
		u, err := url.Parse(hint)
		if err != nil {
			return ""
		}
		host = u.Hostname()
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	return labels[0]
}
