// Package fanout expands a topic into related search queries, runs them in
// rate-limited batches against the SERP provider, and merges the results.
package fanout

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/briefai/internal/serp"
)

// Kind is where a query came from.
type Kind string

const (
	KindPrimary    Kind = "primary"
	KindSemantic   Kind = "semantic"
	KindLongTail   Kind = "longtail"
	KindCompetitor Kind = "competitor"
)

// Kinds lists every kind in priority order.
var Kinds = []Kind{KindPrimary, KindSemantic, KindLongTail, KindCompetitor}

// QueryItem is one query to execute. Lower Priority runs first.
type QueryItem struct {
	Text     string  `json:"text"`
	Kind     Kind    `json:"kind"`
	Priority float64 `json:"priority"`
}

// Payload is the data a successful query returned. It is either
// SERPPayload or KeywordPayload.
type Payload interface {
	// Keys returns the identity key of every record, used for dedup.
	Keys() []string
	payloadType() string
}

// SERPPayload holds organic results.
type SERPPayload struct {
	Results []serp.Result `json:"results"`
}

func (p SERPPayload) Keys() []string {
	keys := make([]string, len(p.Results))
	for i, r := range p.Results {
		keys[i] = resultKey(r)
	}
	return keys
}

func (SERPPayload) payloadType() string { return "serp" }

// KeywordPayload holds keyword ideas.
type KeywordPayload struct {
	Keywords []serp.Keyword `json:"keywords"`
}

func (p KeywordPayload) Keys() []string {
	keys := make([]string, len(p.Keywords))
	for i, k := range p.Keywords {
		keys[i] = keywordKey(k)
	}
	return keys
}

func (KeywordPayload) payloadType() string { return "keywords" }

func resultKey(r serp.Result) string {
	return strings.TrimSuffix(strings.ToLower(r.URL), "/")
}

func keywordKey(k serp.Keyword) string {
	return strings.ToLower(strings.TrimSpace(k.Text))
}

type payloadEnvelope struct {
	Type     string         `json:"type"`
	Results  []serp.Result  `json:"results,omitempty"`
	Keywords []serp.Keyword `json:"keywords,omitempty"`
}

// EncodePayload serializes p with its variant tag, for caching.
func EncodePayload(p Payload) ([]byte, error) {
	env := payloadEnvelope{Type: p.payloadType()}
	switch v := p.(type) {
	case SERPPayload:
		env.Results = v.Results
	case KeywordPayload:
		env.Keywords = v.Keywords
	}
	return json.Marshal(env)
}

// DecodePayload restores a payload written by EncodePayload.
func DecodePayload(data []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	switch env.Type {
	case "serp":
		return SERPPayload{Results: env.Results}, nil
	case "keywords":
		return KeywordPayload{Keywords: env.Keywords}, nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}
}

// Outcome is the settled result of one query.
type Outcome struct {
	Item          QueryItem
	Succeeded     bool
	Payload       Payload
	FailureReason string
	Degraded      bool
	CompletedAt   time.Time
}

type outcomeJSON struct {
	Item          QueryItem       `json:"item"`
	Succeeded     bool            `json:"succeeded"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Degraded      bool            `json:"degraded,omitempty"`
	CompletedAtMS int64           `json:"completed_at_ms"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{
		Item:          o.Item,
		Succeeded:     o.Succeeded,
		FailureReason: o.FailureReason,
		Degraded:      o.Degraded,
		CompletedAtMS: o.CompletedAt.UnixMilli(),
	}
	if o.Payload != nil {
		raw, err := EncodePayload(o.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var in outcomeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*o = Outcome{
		Item:          in.Item,
		Succeeded:     in.Succeeded,
		FailureReason: in.FailureReason,
		Degraded:      in.Degraded,
		CompletedAt:   time.UnixMilli(in.CompletedAtMS).UTC(),
	}
	if len(in.Payload) > 0 {
		p, err := DecodePayload(in.Payload)
		if err != nil {
			return err
		}
		o.Payload = p
	}
	return nil
}
