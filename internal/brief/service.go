// Package brief orchestrates SEO brief generation: competitor lookup,
// query fan-out, strategy generation, persistence and credit charging.
package brief

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/briefai/internal/cache"
	"github.com/kalambet/briefai/internal/credits"
	"github.com/kalambet/briefai/internal/fanout"
	"github.com/kalambet/briefai/internal/llm"
	"github.com/kalambet/briefai/internal/progress"
	"github.com/kalambet/briefai/internal/resilience"
	"github.com/kalambet/briefai/internal/serp"
	"github.com/kalambet/briefai/internal/storage"
)

const (
	// BreakerSERP guards competitor lookups.
	BreakerSERP = "serp"
	// BreakerLLM guards strategy generation.
	BreakerLLM = "llm"

	maxTopicRunes  = 200
	maxCompetitors = 10
	maxHints       = 3
	shareIDLength  = 12
)

var (
	// ErrInvalidTopic is returned for an empty or overlong topic.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrNotFound is returned when a brief does not exist or belongs to
	// another user.
	ErrNotFound = errors.New("brief not found")
)

// Brief is a generated content brief.
type Brief struct {
	ID          string         `json:"id" yaml:"id"`
	ShareID     string         `json:"share_id" yaml:"share_id"`
	UserID      string         `json:"user_id" yaml:"user_id"`
	RequestID   string         `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Topic       string         `json:"topic" yaml:"topic"`
	Locale      string         `json:"locale" yaml:"locale"`
	Strategy    llm.Strategy   `json:"strategy" yaml:"strategy"`
	Competitors []serp.Result  `json:"competitors" yaml:"competitors"`
	FanOut      *fanout.Report `json:"fanout,omitempty" yaml:"fanout,omitempty"`
	Degraded    bool           `json:"degraded" yaml:"degraded"`
	// Failures lists the stages that fell back, e.g. "serp: circuit_open".
	Failures  []string  `json:"failures,omitempty" yaml:"failures,omitempty"`
	Cached    bool      `json:"cached" yaml:"cached"`
	Charged   int       `json:"charged" yaml:"charged"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Request asks for one brief.
type Request struct {
	UserID string      `json:"user_id"`
	Topic  string      `json:"topic"`
	Locale serp.Locale `json:"locale"`
	FanOut bool        `json:"fanout"`
	// Hints are extra competitor domains for the fan-out.
	Hints []string `json:"hints,omitempty"`
	// RequestID correlates progress events and is the idempotency key: a
	// second request with the same id returns the brief already saved for
	// it without charging again. Generated when empty.
	RequestID string `json:"request_id,omitempty"`
}

// Searcher fetches the organic results for a keyword.
type Searcher interface {
	Search(ctx context.Context, keyword string, locale serp.Locale) ([]serp.Result, error)
}

// Strategist turns competitor data into a content strategy.
type Strategist interface {
	GenerateBrief(ctx context.Context, in llm.BriefInput) (llm.Strategy, error)
}

// FanOutRunner runs a query fan-out for a topic.
type FanOutRunner interface {
	Run(ctx context.Context, req fanout.Request) (fanout.Run, error)
}

// Store persists briefs. Implemented by storage.Store.
type Store interface {
	SaveBrief(b storage.BriefRecord) error
	GetBrief(id string) (storage.BriefRecord, error)
	GetBriefByShareID(shareID string) (storage.BriefRecord, error)
	GetBriefByRequest(userID, requestID string) (storage.BriefRecord, error)
	ListBriefs(userID string, limit int) ([]storage.BriefRecord, error)
	DeleteBrief(id string) error
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the collaborators of a Service. FanOut, Cache and Progress may
// be nil.
type Deps struct {
	SERP       Searcher
	Strategist Strategist
	FanOut     FanOutRunner
	Guard      *resilience.Guard
	Cache      cache.Cache
	CacheTTL   time.Duration
	Ledger     *credits.Ledger
	Store      Store
	Progress   progress.Publisher
	Locale     serp.Locale
	// FanOutLimits caps the queries of each fan-out run.
	FanOutLimits fanout.Limits
}

// Service generates and stores briefs.
type Service struct {
	deps  Deps
	clock Clock
}

// NewService creates a Service.
func NewService(deps Deps) *Service {
	return NewServiceWithClock(deps, realClock{})
}

// NewServiceWithClock creates a Service with a custom clock (for testing).
func NewServiceWithClock(deps Deps, clock Clock) *Service {
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Locale.IsZero() {
		deps.Locale = serp.DefaultLocale
	}
	if deps.Guard == nil {
		deps.Guard = resilience.NewGuard(resilience.NewRegistry(resilience.BreakerConfig{}), resilience.DefaultRetryPolicy())
	}
	return &Service{deps: deps, clock: clock}
}

// CacheKey is the cache key for the brief of topic in locale.
func CacheKey(locale serp.Locale, topic string) string {
	return cache.Key("brief", locale.String(), topic)
}

// ValidateTopic normalizes topic and rejects empty or overlong input.
func ValidateTopic(topic string) (string, error) {
	topic = fanout.NormalizeTopic(topic)
	if topic == "" {
		return "", fmt.Errorf("%w: topic is required", ErrInvalidTopic)
	}
	if utf8.RuneCountInString(topic) > maxTopicRunes {
		return "", fmt.Errorf("%w: topic exceeds %d characters", ErrInvalidTopic, maxTopicRunes)
	}
	return topic, nil
}

// Generate produces a brief for req. Upstream failures degrade the brief
// instead of failing it; degraded briefs are not charged.
func (s *Service) Generate(ctx context.Context, req Request) (Brief, error) {
	topic, err := ValidateTopic(req.Topic)
	if err != nil {
		return Brief{}, resilience.Permanent(err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	} else if prev, err := s.previous(req.UserID, req.RequestID); err != nil {
		return Brief{}, err
	} else if prev != nil {
		s.publish(req.RequestID, progress.StageDone, prev.ID)
		return *prev, nil
	}
	locale := req.Locale
	if locale.IsZero() {
		locale = s.deps.Locale
	}

	if err := s.deps.Ledger.CanAfford(req.UserID, s.deps.Ledger.BriefCost()); err != nil {
		s.publish(req.RequestID, progress.StageFailed, err.Error())
		return Brief{}, err
	}
	s.publish(req.RequestID, progress.StageStarted, topic)

	b, ok := s.fromCache(ctx, locale, topic)
	if ok {
		s.publish(req.RequestID, progress.StageCache, "reusing cached brief")
	} else {
		b = s.build(ctx, req, topic, locale)
	}

	b.ID = uuid.NewString()
	b.ShareID = newShareID()
	b.UserID = req.UserID
	b.RequestID = req.RequestID
	b.CreatedAt = s.clock.Now().UTC()

	if !b.Degraded {
		entry, err := s.deps.Ledger.ChargeBrief(req.UserID, b.ID)
		if err != nil {
			s.publish(req.RequestID, progress.StageFailed, err.Error())
			return Brief{}, err
		}
		b.Charged = -entry.Delta
	}

	if err := s.save(b); err != nil {
		if b.Charged > 0 {
			if _, rerr := s.deps.Ledger.Grant(req.UserID, b.Charged, credits.ReasonRefund); rerr != nil {
				slog.Error("brief: refund failed", "user", req.UserID, "brief", b.ID, "error", rerr)
			}
		}
		s.publish(req.RequestID, progress.StageFailed, err.Error())
		return Brief{}, err
	}
	s.publish(req.RequestID, progress.StageSaved, b.ID)

	if !b.Degraded && !b.Cached && s.deps.Cache != nil {
		if data, err := json.Marshal(b); err == nil {
			s.deps.Cache.Set(ctx, CacheKey(locale, topic), data, s.deps.CacheTTL)
		}
	}

	slog.Info("brief generated",
		"id", b.ID,
		"user", b.UserID,
		"topic", topic,
		"degraded", b.Degraded,
		"cached", b.Cached,
		"competitors", len(b.Competitors),
	)
	s.publish(req.RequestID, progress.StageDone, b.ID)
	return b, nil
}

// build runs the upstream stages for a cache miss.
func (s *Service) build(ctx context.Context, req Request, topic string, locale serp.Locale) Brief {
	b := Brief{Topic: topic, Locale: locale.String()}

	s.publish(req.RequestID, progress.StageSERP, "fetching competitors")
	serpRes := resilience.Do(ctx, s.deps.Guard, BreakerSERP,
		func(ctx context.Context) ([]serp.Result, error) {
			return s.deps.SERP.Search(ctx, topic, locale)
		},
		func(context.Context, error) []serp.Result { return []serp.Result{} },
	)
	if serpRes.Degraded {
		b.degrade(BreakerSERP, serpRes.Kind(), serpRes.Cause)
	}
	b.Competitors = serpRes.Value
	if len(b.Competitors) > maxCompetitors {
		b.Competitors = b.Competitors[:maxCompetitors]
	}

	var insights llm.Insights
	if req.FanOut && s.deps.FanOut != nil {
		s.publish(req.RequestID, progress.StageFanOut, "expanding queries")
		run, err := s.deps.FanOut.Run(ctx, fanout.Request{
			Topic:  topic,
			Hints:  competitorHints(b.Competitors, req.Hints),
			Locale: locale,
			Limits: s.deps.FanOutLimits,
			OnBatch: func(index, total, size int) {
				s.deps.Progress.Publish(progress.Event{
					RequestID: req.RequestID,
					Stage:     progress.StageBatch,
					Message:   fmt.Sprintf("%d queries", size),
					Batch:     index + 1,
					Batches:   total,
				})
			},
		})
		if err != nil {
			slog.Warn("brief: fan-out failed", "topic", topic, "error", err)
		} else {
			b.FanOut = &run.Report
			insights = llm.Insights{Results: run.Report.Results, Keywords: run.Report.Keywords}
		}
	}

	s.publish(req.RequestID, progress.StageLLM, "generating strategy")
	competitors := b.Competitors
	llmRes := resilience.Do(ctx, s.deps.Guard, BreakerLLM,
		func(ctx context.Context) (llm.Strategy, error) {
			return s.deps.Strategist.GenerateBrief(ctx, llm.BriefInput{
				Topic:       topic,
				Competitors: competitors,
				Insights:    insights,
			})
		},
		func(context.Context, error) llm.Strategy { return llm.FallbackStrategy(topic, competitors) },
	)
	if llmRes.Degraded {
		b.degrade(BreakerLLM, llmRes.Kind(), llmRes.Cause)
	}
	b.Strategy = llmRes.Value
	return b
}

func (b *Brief) degrade(stage string, kind resilience.FailureKind, cause error) {
	b.Degraded = true
	b.Failures = append(b.Failures, stage+": "+string(kind))
	slog.Warn("brief: stage degraded", "topic", b.Topic, "stage", stage, "failure", kind, "error", cause)
}

func (s *Service) fromCache(ctx context.Context, locale serp.Locale, topic string) (Brief, bool) {
	if s.deps.Cache == nil {
		return Brief{}, false
	}
	data, ok := s.deps.Cache.Get(ctx, CacheKey(locale, topic))
	if !ok {
		return Brief{}, false
	}
	var b Brief
	if err := json.Unmarshal(data, &b); err != nil {
		slog.Warn("brief: discarding unreadable cache entry", "topic", topic, "error", err)
		return Brief{}, false
	}
	b.Cached = true
	b.Charged = 0
	return b, true
}

func (s *Service) save(b Brief) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding brief: %w", err)
	}
	if err := s.deps.Store.SaveBrief(storage.BriefRecord{
		ID:        b.ID,
		ShareID:   b.ShareID,
		UserID:    b.UserID,
		Topic:     b.Topic,
		Locale:    b.Locale,
		Degraded:  b.Degraded,
		Document:  string(doc),
		CreatedAt: b.CreatedAt,
		RequestID: b.RequestID,
	}); err != nil {
		return fmt.Errorf("saving brief: %w", err)
	}
	return nil
}

// previous returns the brief userID already saved under requestID, or nil.
func (s *Service) previous(userID, requestID string) (*Brief, error) {
	rec, err := s.deps.Store.GetBriefByRequest(userID, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up request %s: %w", requestID, err)
	}
	b, err := decode(rec)
	if err != nil {
		return nil, err
	}
	slog.Info("brief: request already fulfilled", "request_id", requestID, "brief", b.ID)
	return &b, nil
}

// Get returns a stored brief. A non-empty userID restricts the lookup to
// that user's briefs.
func (s *Service) Get(userID, id string) (Brief, error) {
	rec, err := s.deps.Store.GetBrief(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Brief{}, ErrNotFound
	}
	if err != nil {
		return Brief{}, fmt.Errorf("loading brief: %w", err)
	}
	if userID != "" && rec.UserID != userID {
		return Brief{}, ErrNotFound
	}
	return decode(rec)
}

// GetShared returns the brief published under shareID.
func (s *Service) GetShared(shareID string) (Brief, error) {
	rec, err := s.deps.Store.GetBriefByShareID(shareID)
	if errors.Is(err, storage.ErrNotFound) {
		return Brief{}, ErrNotFound
	}
	if err != nil {
		return Brief{}, fmt.Errorf("loading shared brief: %w", err)
	}
	return decode(rec)
}

// List returns the newest briefs, optionally restricted to one user.
func (s *Service) List(userID string, limit int) ([]Brief, error) {
	recs, err := s.deps.Store.ListBriefs(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing briefs: %w", err)
	}
	out := make([]Brief, 0, len(recs))
	for _, rec := range recs {
		b, err := decode(rec)
		if err != nil {
			slog.Warn("brief: skipping unreadable record", "id", rec.ID, "error", err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Delete removes a brief. A non-empty userID must own it.
func (s *Service) Delete(userID, id string) error {
	if _, err := s.Get(userID, id); err != nil {
		return err
	}
	if err := s.deps.Store.DeleteBrief(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting brief: %w", err)
	}
	return nil
}

func (s *Service) publish(requestID string, stage progress.Stage, msg string) {
	s.deps.Progress.Publish(progress.Event{RequestID: requestID, Stage: stage, Message: msg})
}

func decode(rec storage.BriefRecord) (Brief, error) {
	var b Brief
	if err := json.Unmarshal([]byte(rec.Document), &b); err != nil {
		return Brief{}, fmt.Errorf("decoding brief %s: %w", rec.ID, err)
	}
	return b, nil
}

// competitorHints returns the explicit hints followed by the distinct
// domains of the top competitors, capped at maxHints.
func competitorHints(competitors []serp.Result, extra []string) []string {
	seen := make(map[string]bool)
	var hints []string
	add := func(h string) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] || len(hints) >= maxHints {
			return
		}
		seen[h] = true
		hints = append(hints, h)
	}
	for _, h := range extra {
		add(h)
	}
	for _, c := range competitors {
		add(c.Domain)
	}
	return hints
}

func newShareID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:shareIDLength]
}
