package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the lookup indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_briefs_user_created", "idx_briefs_created", "idx_credit_ledger_user", "idx_referrals_referrer", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO credit_ledger (user_id, delta, balance_after, reason, reference, created_at)
		VALUES ('ghost', 1, 1, 'test', '', '2026-01-01T00:00:00Z')`)
	if err == nil {
		t.Fatal("ledger row for a missing account was accepted")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	if v, err := parseMigrationVersion("012_add_index.sql"); err != nil || v != 12 {
		t.Errorf("parseMigrationVersion = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("initial.sql"); err == nil {
		t.Error("expected error for a file without a version prefix")
	}
}

func testBrief(id, user string, at time.Time) BriefRecord {
	return BriefRecord{
		ID:        id,
		ShareID:   "share-" + id,
		UserID:    user,
		Topic:     "topic " + id,
		Locale:    "2840-en",
		Document:  fmt.Sprintf(`{"id":%q}`, id),
		CreatedAt: at,
	}
}

func TestSaveAndGetBrief(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	in := testBrief("b1", "u1", now)
	in.Degraded = true
	if err := s.SaveBrief(in); err != nil {
		t.Fatalf("SaveBrief: %v", err)
	}

	got, err := s.GetBrief("b1")
	if err != nil {
		t.Fatalf("GetBrief: %v", err)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
	got.CreatedAt = in.CreatedAt
	if got != in {
		t.Errorf("GetBrief = %+v, want %+v", got, in)
	}

	byShare, err := s.GetBriefByShareID("share-b1")
	if err != nil {
		t.Fatalf("GetBriefByShareID: %v", err)
	}
	if byShare.ID != "b1" {
		t.Errorf("ID = %q, want b1", byShare.ID)
	}
}

func TestGetBrief_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetBrief("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBriefByShareID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetBriefByRequest(t *testing.T) {
	s := openTestStore(t)

	b := testBrief("b1", "u1", time.Now())
	b.RequestID = "job-1"
	if err := s.SaveBrief(b); err != nil {
		t.Fatalf("SaveBrief: %v", err)
	}
	for i, id := range []string{"b2", "b3"} {
		noKey := testBrief(id, "u1", time.Now().Add(time.Duration(i)*time.Second))
		if err := s.SaveBrief(noKey); err != nil {
			t.Fatalf("briefs without a request id must not collide: %v", err)
		}
	}

	got, err := s.GetBriefByRequest("u1", "job-1")
	if err != nil || got.ID != "b1" {
		t.Fatalf("GetBriefByRequest = %+v, %v", got, err)
	}
	if _, err := s.GetBriefByRequest("u2", "job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBriefByRequest("u1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty request id: err = %v, want ErrNotFound", err)
	}

	dup := testBrief("b4", "u1", time.Now())
	dup.RequestID = "job-1"
	if err := s.SaveBrief(dup); err == nil {
		t.Error("second brief with the same request id was accepted")
	}
}

func TestSaveBrief_DuplicateShareID(t *testing.T) {
	s := openTestStore(t)
	b := testBrief("b1", "u1", time.Now())
	if err := s.SaveBrief(b); err != nil {
		t.Fatal(err)
	}
	b.ID = "b2"
	if err := s.SaveBrief(b); err == nil {
		t.Error("expected unique constraint error for duplicate share id")
	}
}

func TestListBriefs(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, user := range []string{"u1", "u2", "u1", "u1"} {
		if err := s.SaveBrief(testBrief(fmt.Sprintf("b%d", i), user, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveBrief: %v", err)
		}
	}

	got, err := s.ListBriefs("u1", 2)
	if err != nil {
		t.Fatalf("ListBriefs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b3" || got[1].ID != "b2" {
		t.Errorf("ListBriefs(u1, 2) = %v", briefIDs(got))
	}

	all, err := s.ListBriefs("", 10)
	if err != nil {
		t.Fatalf("ListBriefs all: %v", err)
	}
	if len(all) != 4 || all[0].ID != "b3" {
		t.Errorf("ListBriefs('', 10) = %v", briefIDs(all))
	}
}

func briefIDs(bs []BriefRecord) []string {
	ids := make([]string, len(bs))
	for i, b := range bs {
		ids[i] = b.ID
	}
	return ids
}

func TestDeleteBrief(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveBrief(testBrief("b1", "u1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteBrief("b1"); err != nil {
		t.Fatalf("DeleteBrief: %v", err)
	}
	if err := s.DeleteBrief("b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteBrief err = %v, want ErrNotFound", err)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "generate_brief",
		PayloadJSON: `{"topic":"seo"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"generate_brief"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "generate_brief" {
		t.Errorf("Type = %q, want %q", got.Type, "generate_brief")
	}
	if got.PayloadJSON != `{"topic":"seo"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"topic":"seo"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"generate_brief"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "generate_brief",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"generate_brief"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete", `{"brief_id":"b1"}`); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob("j-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("status = %q, want %q", got.Status, "completed")
	}
	if got.ResultJSON != `{"brief_id":"b1"}` {
		t.Errorf("ResultJSON = %q", got.ResultJSON)
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}

func TestCompleteJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.CompleteJob("missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAbandonJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-abandon", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.AbandonJob("j-abandon", "invalid topic"); err != nil {
		t.Fatalf("AbandonJob: %v", err)
	}

	got, err := s.GetJob("j-abandon")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "failed" || got.Attempts != 1 || got.LastError != "invalid topic" {
		t.Errorf("job = %+v", got)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPurgeJobs(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"old-done", "old-pending", "new-done"} {
		if err := s.EnqueueJob(Job{ID: id, Type: "x", PayloadJSON: `{}`}); err != nil {
			t.Fatalf("EnqueueJob %s: %v", id, err)
		}
	}
	old := formatTime(time.Now().Add(-30 * 24 * time.Hour))
	if _, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = 'old-done'`, old); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = 'old-pending'`, old); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob("new-done", "{}"); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeJobs(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := s.GetJob("old-pending"); err != nil {
		t.Errorf("pending job purged: %v", err)
	}
	if _, err := s.GetJob("new-done"); err != nil {
		t.Errorf("recent job purged: %v", err)
	}
}
