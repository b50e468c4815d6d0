package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/briefai/internal/brief"
	"github.com/kalambet/briefai/internal/cache"
	"github.com/kalambet/briefai/internal/credits"
	"github.com/kalambet/briefai/internal/fanout"
	"github.com/kalambet/briefai/internal/llm"
	"github.com/kalambet/briefai/internal/progress"
	"github.com/kalambet/briefai/internal/resilience"
	"github.com/kalambet/briefai/internal/serp"
	"github.com/kalambet/briefai/internal/storage"
)

const testToken = "test-token-12345"

type stubSearcher struct{}

func (stubSearcher) Search(_ context.Context, keyword string, _ serp.Locale) ([]serp.Result, error) {
	return []serp.Result{
		{URL: "https://moz.com/" + keyword, Title: "Moz on " + keyword, Domain: "moz.com", Position: 1},
	}, nil
}

type stubStrategist struct{}

func (stubStrategist) GenerateBrief(_ context.Context, in llm.BriefInput) (llm.Strategy, error) {
	return llm.Strategy{Title: "All about " + in.Topic, Keywords: []string{in.Topic}, WordCount: 1200}, nil
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	ledger  *credits.Ledger
	cache   *cache.Memory
	briefs  *brief.Service
	deps    AppDeps
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	noSleep := func(context.Context, time.Duration) error { return nil }
	guard := resilience.NewGuard(
		resilience.NewRegistry(resilience.BreakerConfig{}),
		resilience.RetryPolicy{MaxAttempts: 1, Sleep: noSleep},
	)
	c := cache.NewMemory(100, time.Hour)
	ledger := credits.NewLedger(store, credits.DefaultConfig())
	expander := fanout.NewExpander(nil)
	exec := fanout.ExecutorFunc(func(_ context.Context, item fanout.QueryItem, _ serp.Locale) (fanout.Payload, error) {
		return fanout.SERPPayload{Results: []serp.Result{{URL: "https://example.com/" + item.Text, Domain: "example.com"}}}, nil
	})
	proc := fanout.NewProcessor(expander, exec, c, guard, fanout.Options{Sleep: noSleep})

	svc := brief.NewService(brief.Deps{
		SERP:       stubSearcher{},
		Strategist: stubStrategist{},
		FanOut:     proc,
		Guard:      guard,
		Cache:      c,
		Ledger:     ledger,
		Store:      store,
	})

	deps := AppDeps{
		Briefs:   svc,
		Ledger:   ledger,
		Store:    store,
		FanOut:   proc,
		Expander: expander,
		Guard:    guard,
		Cache:    c,
		Token:    testToken,
		Progress: progress.NewHub(),
	}
	h := NewHandler(PublicDeps{Briefs: svc}, deps)

	return &testEnv{handler: h, store: store, ledger: ledger, cache: c, briefs: svc, deps: deps}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeJSON(t, rr, &resp)
	return resp.Error.Type
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}
}

func TestBearerAuth(t *testing.T) {
	env := setupTestEnv(t)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/briefs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if got := errorType(t, rr); got != "authentication_error" {
			t.Errorf("error type = %q", got)
		}
	}
}

func TestBearerAuth_Middleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name       string
		configured string
		header     string
		want       int
	}{
		{"match", "secret", "Bearer secret", http.StatusNoContent},
		{"scheme case-insensitive", "secret", "bearer secret", http.StatusNoContent},
		{"basic scheme", "secret", "Basic secret", http.StatusUnauthorized},
		{"empty configured token", "", "Bearer ", http.StatusUnauthorized},
		{"no header", "secret", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			BearerAuth(tt.configured)(ok).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestProgressStream_RequiresToken(t *testing.T) {
	env := setupTestEnv(t)

	for _, target := range []string{"/ws", "/ws?request_id=r1"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Sec-WebSocket-Version", "13")
		req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", target, rr.Code)
		}
	}
}

func TestProgressStream_Authenticated(t *testing.T) {
	env := setupTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{"Authorization": {"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial with token: %v", err)
	}
	conn.Close()

	header.Set("Origin", "https://attacker.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("cross-origin dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-origin response = %v, want 403", resp)
	}
}

func TestCreateBrief_Sync(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/briefs", `{"user_id":"alice","topic":"  coffee   grinders "}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var b brief.Brief
	decodeJSON(t, rr, &b)
	if b.ID == "" || b.ShareID == "" || b.Topic != "coffee grinders" {
		t.Errorf("brief = %+v", b)
	}
	if b.Strategy.Title != "All about coffee grinders" || b.Charged != 1 || b.Degraded {
		t.Errorf("brief = %+v", b)
	}
	if b.FanOut != nil {
		t.Error("fan-out ran although it defaults to off")
	}

	balance, _ := env.ledger.Balance("alice")
	if balance != 2 {
		t.Errorf("balance = %d, want 2", balance)
	}
}

func TestCreateBrief_FanOutFlag(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/briefs", `{"user_id":"alice","topic":"coffee","fanout":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var b brief.Brief
	decodeJSON(t, rr, &b)
	if b.FanOut == nil || b.FanOut.Total == 0 {
		t.Errorf("fanout = %+v, want a report", b.FanOut)
	}
}

func TestCreateBrief_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		setup    func(env *testEnv)
		wantCode int
		wantType string
	}{
		{"empty topic", `{"user_id":"alice","topic":"   "}`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"long topic", fmt.Sprintf(`{"user_id":"alice","topic":%q}`, strings.Repeat("x", 201)), nil, http.StatusBadRequest, "invalid_request_error"},
		{"missing user", `{"topic":"coffee"}`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"bad json", `{"topic":`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"no credits", `{"user_id":"bob","topic":"coffee"}`, func(env *testEnv) {
			if _, err := env.ledger.Consume("bob", 3, "test", ""); err != nil {
				panic(err)
			}
		}, http.StatusPaymentRequired, "insufficient_credits"},
		{"no credits async", `{"user_id":"bob","topic":"coffee","async":true}`, func(env *testEnv) {
			if _, err := env.ledger.Consume("bob", 3, "test", ""); err != nil {
				panic(err)
			}
		}, http.StatusPaymentRequired, "insufficient_credits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			rr := env.do(t, http.MethodPost, "/briefs", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			if got := errorType(t, rr); got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestCreateBrief_Async(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/briefs", `{"user_id":"alice","topic":"coffee","async":true}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "queued" || resp["job_id"] == "" || resp["request_id"] != resp["job_id"] {
		t.Errorf("response = %v", resp)
	}

	rr = env.do(t, http.MethodGet, "/jobs/"+resp["job_id"], "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET job status = %d", rr.Code)
	}
	var job map[string]any
	decodeJSON(t, rr, &job)
	if job["status"] != "pending" || job["type"] != "generate_brief" {
		t.Errorf("job = %v", job)
	}

	balance, _ := env.ledger.Balance("alice")
	if balance != 3 {
		t.Errorf("balance = %d, queueing must not charge", balance)
	}
}

func TestGetJob_Completed(t *testing.T) {
	env := setupTestEnv(t)
	if err := env.store.EnqueueJob(storage.Job{ID: "j1", Type: "generate_brief", PayloadJSON: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CompleteJob("j1", `{"brief_id":"b1"}`); err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, http.MethodGet, "/jobs/j1", "")
	var job struct {
		Status string `json:"status"`
		Result struct {
			BriefID string `json:"brief_id"`
		} `json:"result"`
	}
	decodeJSON(t, rr, &job)
	if job.Status != "completed" || job.Result.BriefID != "b1" {
		t.Errorf("job = %+v", job)
	}

	if rr := env.do(t, http.MethodGet, "/jobs/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", rr.Code)
	}
}

func createBrief(t *testing.T, env *testEnv, user, topic string) brief.Brief {
	t.Helper()
	b, err := env.briefs.Generate(context.Background(), brief.Request{UserID: user, Topic: topic})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return b
}

func TestBriefs_ListGetDelete(t *testing.T) {
	env := setupTestEnv(t)
	b := createBrief(t, env, "alice", "coffee")
	createBrief(t, env, "bob", "tea")

	rr := env.do(t, http.MethodGet, "/briefs?user_id=alice", "")
	var list []brief.Brief
	decodeJSON(t, rr, &list)
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("list = %+v", list)
	}

	rr = env.do(t, http.MethodGet, "/briefs", "")
	decodeJSON(t, rr, &list)
	if len(list) != 2 {
		t.Errorf("unfiltered list has %d briefs, want 2", len(list))
	}

	if rr := env.do(t, http.MethodGet, "/briefs/"+b.ID+"?user_id=bob", ""); rr.Code != http.StatusNotFound {
		t.Errorf("foreign GET status = %d, want 404", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/briefs/"+b.ID+"?user_id=bob", ""); rr.Code != http.StatusNotFound {
		t.Errorf("foreign DELETE status = %d, want 404", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/briefs/"+b.ID+"?user_id=alice", ""); rr.Code != http.StatusOK {
		t.Errorf("owner GET status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/briefs/"+b.ID+"?user_id=alice", ""); rr.Code != http.StatusOK {
		t.Errorf("owner DELETE status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/briefs/"+b.ID, ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d", rr.Code)
	}
}

func TestShared(t *testing.T) {
	env := setupTestEnv(t)
	b := createBrief(t, env, "alice", "coffee")

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/share/"+b.ShareID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var shared brief.Brief
	decodeJSON(t, rr, &shared)
	if shared.ID != b.ID || shared.UserID != "" {
		t.Errorf("shared = %+v", shared)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/share/"+b.ShareID+"?format=yaml", nil))
	if ct := rr.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type = %q", ct)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if doc["topic"] != "coffee" {
		t.Errorf("yaml topic = %v", doc["topic"])
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/share/"+b.ShareID+"?format=xml", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("xml status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/share/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown share status = %d", rr.Code)
	}
}

func TestCredits_GrantAndHistory(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/accounts/alice/credits", `{"amount":10}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var entry storage.LedgerEntry
	decodeJSON(t, rr, &entry)
	if entry.Delta != 10 || entry.BalanceAfter != 13 || entry.Reason != credits.ReasonGrant {
		t.Errorf("entry = %+v", entry)
	}

	if rr := env.do(t, http.MethodPost, "/accounts/alice/credits", `{"amount":0}`); rr.Code != http.StatusBadRequest {
		t.Errorf("zero grant status = %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/accounts/alice/credits", "")
	var resp struct {
		Balance   int                   `json:"balance"`
		BriefCost int                   `json:"brief_cost"`
		History   []storage.LedgerEntry `json:"history"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Balance != 13 || resp.BriefCost != 1 || len(resp.History) != 2 {
		t.Errorf("credits = %+v", resp)
	}
}

func TestReferral_Flow(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodGet, "/accounts/alice/referral", "")
	var ref struct {
		Code      string             `json:"code"`
		Referrals []storage.Referral `json:"referrals"`
	}
	decodeJSON(t, rr, &ref)
	if len(ref.Code) != 8 || ref.Referrals == nil {
		t.Fatalf("referral = %+v", ref)
	}

	body := fmt.Sprintf(`{"code":%q}`, strings.ToLower(ref.Code))
	rr = env.do(t, http.MethodPost, "/accounts/bob/referral/redeem", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("redeem status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var redeemed map[string]int
	decodeJSON(t, rr, &redeemed)
	if redeemed["bonus"] != 5 || redeemed["balance"] != 8 {
		t.Errorf("redeem = %v", redeemed)
	}

	if rr := env.do(t, http.MethodPost, "/accounts/bob/referral/redeem", body); rr.Code != http.StatusConflict {
		t.Errorf("second redeem status = %d, want 409", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/accounts/alice/referral/redeem", body); rr.Code != http.StatusBadRequest {
		t.Errorf("self redeem status = %d, want 400", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/accounts/carol/referral/redeem", `{"code":"NOPE0000"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown code status = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/accounts/alice/referral", "")
	decodeJSON(t, rr, &ref)
	if len(ref.Referrals) != 1 || ref.Referrals[0].RefereeID != "bob" {
		t.Errorf("referrals = %+v", ref.Referrals)
	}
}

func TestExpandQueries(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/queries/expand", `{"topic":"coffee","hints":["https://www.bluebottle.com"],"limits":{"max_queries":5}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Queries []fanout.QueryItem `json:"queries"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Queries) == 0 || len(resp.Queries) > 5 || resp.Queries[0].Kind != fanout.KindPrimary {
		t.Errorf("queries = %+v", resp.Queries)
	}

	if rr := env.do(t, http.MethodPost, "/queries/expand", `{"topic":" "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty topic status = %d", rr.Code)
	}
}

func TestFanOut(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/fanout", `{"topic":"coffee"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var run fanout.Run
	decodeJSON(t, rr, &run)
	if run.Report.Total != len(run.Queries) || run.Report.Succeeded != run.Report.Total {
		t.Errorf("report = %+v", run.Report)
	}

	env.deps.FanOut = nil
	h := NewAppHandler(env.deps)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/fanout", `{"topic":"coffee"}`, testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled fan-out status = %d", rr.Code)
	}
}

func TestBreakers(t *testing.T) {
	env := setupTestEnv(t)
	createBrief(t, env, "alice", "coffee")

	rr := env.do(t, http.MethodGet, "/breakers", "")
	var states []struct {
		Name  string `json:"name"`
		Phase string `json:"phase"`
	}
	decodeJSON(t, rr, &states)
	if len(states) != 2 || states[0].Name != brief.BreakerLLM || states[1].Name != brief.BreakerSERP {
		t.Fatalf("states = %+v", states)
	}
	for _, s := range states {
		if s.Phase != "closed" {
			t.Errorf("%s phase = %q", s.Name, s.Phase)
		}
	}
}

func TestCache_StatsAndInvalidate(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.cache.Set(ctx, "brief:2840-en:coffee", []byte("{}"), 0)
	env.cache.Set(ctx, "brief:2840-en:tea", []byte("{}"), 0)

	rr := env.do(t, http.MethodGet, "/cache", "")
	var stats cache.Stats
	decodeJSON(t, rr, &stats)
	if stats.Entries != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if rr := env.do(t, http.MethodDelete, "/cache", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("no pattern status = %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/cache?pattern=coffee$", "")
	var removed map[string]int
	decodeJSON(t, rr, &removed)
	if removed["removed"] != 1 || env.cache.Len() != 1 {
		t.Errorf("removed = %v, len = %d", removed, env.cache.Len())
	}

	if rr := env.do(t, http.MethodDelete, "/cache?all=true", ""); rr.Code != http.StatusOK || env.cache.Len() != 0 {
		t.Errorf("clear status = %d, len = %d", rr.Code, env.cache.Len())
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	env := setupTestEnv(t)
	body := `{"topic":"` + strings.Repeat("a", maxRequestBodySize) + `"}`

	rr := env.do(t, http.MethodPost, "/briefs", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}
