package fanout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/briefai/internal/cache"
	"github.com/kalambet/briefai/internal/resilience"
	"github.com/kalambet/briefai/internal/serp"
)

const (
	DefaultBatchSize       = 3
	defaultKeywordIdeas    = 20
	defaultOutcomeCacheTTL = time.Hour
)

// ErrEmptyTopic is returned when the topic has no usable text.
var ErrEmptyTopic = errors.New("topic is empty")

// Executor runs a single query against an upstream source.
type Executor interface {
	Execute(ctx context.Context, item QueryItem, locale serp.Locale) (Payload, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item QueryItem, locale serp.Locale) (Payload, error)

func (f ExecutorFunc) Execute(ctx context.Context, item QueryItem, locale serp.Locale) (Payload, error) {
	return f(ctx, item, locale)
}

// Options configures a Processor. Zero fields take defaults.
type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	CacheTTL   time.Duration
	// Sleep replaces the inter-batch timer (for testing).
	Sleep func(ctx context.Context, d time.Duration) error
	// Now replaces time.Now for outcome timestamps (for testing).
	Now func() time.Time
}

// Processor runs the full fan-out: expand, batch, execute under the
// resilience guard with caching, then aggregate.
type Processor struct {
	expander *Expander
	executor Executor
	cache    cache.Cache
	guard    *resilience.Guard
	opts     Options
}

// NewProcessor creates a Processor. c may be nil to disable caching.
func NewProcessor(expander *Expander, executor Executor, c cache.Cache, guard *resilience.Guard, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultOutcomeCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		expander: expander,
		executor: executor,
		cache:    c,
		guard:    guard,
		opts:     opts,
	}
}

// Request describes one fan-out run.
type Request struct {
	Topic  string      `json:"topic"`
	Hints  []string    `json:"hints,omitempty"`
	Locale serp.Locale `json:"locale"`
	Limits Limits      `json:"limits"`
	// OnBatch is called as each batch starts.
	OnBatch func(index, total, size int) `json:"-"`
}

// Run is the result of a fan-out run.
type Run struct {
	Queries  []QueryItem `json:"queries"`
	Outcomes []Outcome   `json:"outcomes"`
	Report   Report      `json:"report"`
	Batches  []int       `json:"batches"`
}

// Run expands req.Topic and executes every query. Individual query
// failures are reported in the outcomes, never as an error.
func (p *Processor) Run(ctx context.Context, req Request) (Run, error) {
	queries := p.expander.Expand(ctx, req.Topic, req.Hints, req.Limits)
	if len(queries) == 0 {
		return Run{}, resilience.Permanent(ErrEmptyTopic)
	}

	var batches []int
	cfg := BatchConfig{
		Size:  p.opts.BatchSize,
		Delay: p.opts.BatchDelay,
		Sleep: p.opts.Sleep,
		OnBatch: func(index, total, size int) {
			batches = append(batches, size)
			slog.Debug("fan-out batch started", "topic", queries[0].Text, "batch", index+1, "total", total, "size", size)
			if req.OnBatch != nil {
				req.OnBatch(index, total, size)
			}
		},
	}

	settled := RunBatches(ctx, queries, cfg, func(ctx context.Context, item QueryItem) (Outcome, error) {
		return p.process(ctx, item, req.Locale), nil
	})

	outcomes := make([]Outcome, len(settled))
	for i, s := range settled {
		if s.Err != nil {
			outcomes[i] = Outcome{Item: queries[i], FailureReason: s.Err.Error(), CompletedAt: p.opts.Now()}
			continue
		}
		outcomes[i] = s.Value
	}

	report := Aggregate(outcomes)
	slog.Info("fan-out complete",
		"topic", queries[0].Text,
		"queries", report.Total,
		"succeeded", report.Succeeded,
		"unique", report.UniqueCount,
	)
	return Run{Queries: queries, Outcomes: outcomes, Report: report, Batches: batches}, nil
}

// BreakerKey is the breaker used for queries of kind k.
func BreakerKey(k Kind) string {
	return "fanout." + string(k)
}

// OutcomeCacheKey is the cache key for a query's payload.
func OutcomeCacheKey(item QueryItem, locale serp.Locale) string {
	return cache.Key("fanout", locale.String(), string(item.Kind), item.Text)
}

// process settles one query. Degraded is set when the breaker was open and
// the query was never attempted.
func (p *Processor) process(ctx context.Context, item QueryItem, locale serp.Locale) Outcome {
	key := OutcomeCacheKey(item, locale)
	if p.cache != nil {
		if data, ok := p.cache.Get(ctx, key); ok {
			payload, err := DecodePayload(data)
			if err == nil {
				return Outcome{Item: item, Succeeded: true, Payload: payload, CompletedAt: p.opts.Now()}
			}
			slog.Warn("discarding unreadable cached payload", "key", key, "error", err)
		}
	}

	res := resilience.Do(ctx, p.guard, BreakerKey(item.Kind),
		func(ctx context.Context) (Payload, error) {
			return p.executor.Execute(ctx, item, locale)
		},
		func(context.Context, error) Payload { return nil },
	)
	if res.Degraded {
		slog.Warn("fan-out query failed", "query", item.Text, "kind", item.Kind, "failure", res.Kind(), "error", res.Cause)
		return Outcome{
			Item:          item,
			FailureReason: res.Cause.Error(),
			Degraded:      res.Kind() == resilience.FailureCircuitOpen,
			CompletedAt:   p.opts.Now(),
		}
	}

	if p.cache != nil && res.Value != nil {
		if data, err := EncodePayload(res.Value); err == nil {
			p.cache.Set(ctx, key, data, p.opts.CacheTTL)
		}
	}
	return Outcome{Item: item, Succeeded: true, Payload: res.Value, CompletedAt: p.opts.Now()}
}

// SERPSource is the subset of the SERP client the executor needs.
type SERPSource interface {
	Search(ctx context.Context, keyword string, locale serp.Locale) ([]serp.Result, error)
	RelatedKeywords(ctx context.Context, keyword string, locale serp.Locale, limit int) ([]serp.Keyword, error)
}

// SERPExecutor runs semantic queries as keyword-idea lookups and every
// other kind as an organic search.
type SERPExecutor struct {
	Source       SERPSource
	KeywordLimit int
}

// NewSERPExecutor creates a SERPExecutor over src.
func NewSERPExecutor(src SERPSource) *SERPExecutor {
	return &SERPExecutor{Source: src, KeywordLimit: defaultKeywordIdeas}
}

func (e *SERPExecutor) Execute(ctx context.Context, item QueryItem, locale serp.Locale) (Payload, error) {
	if item.Kind == KindSemantic {
		kws, err := e.Source.RelatedKeywords(ctx, item.Text, locale, e.KeywordLimit)
		if err != nil {
			return nil, err
		}
		return KeywordPayload{Keywords: kws}, nil
	}
	results, err := e.Source.Search(ctx, item.Text, locale)
	if err != nil {
		return nil, err
	}
	return SERPPayload{Results: results}, nil
}
