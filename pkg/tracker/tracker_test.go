package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/livebs/governor/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRecordAndQuery(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	ev := models.UsageEvent{
		UserID:      "u1",
		Tokens:      150,
		RequestType: "chat",
		CreatedAt:   base,
	}
	if err := tr.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}

	events, err := tr.QueryByUser(ctx, "u1", base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Tokens != 150 {
		t.Errorf("expected 150 tokens, got %d", events[0].Tokens)
	}
	if events[0].RequestType != "chat" {
		t.Errorf("expected request type chat, got %q", events[0].RequestType)
	}
	if !events[0].CreatedAt.Equal(base) {
		t.Errorf("expected created_at %v, got %v", base, events[0].CreatedAt)
	}
	if events[0].ID == 0 {
		t.Error("expected an assigned id")
	}
}

func TestRecordDefaultsCreatedAt(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	before := time.Now().Add(-time.Second)

	if err := tr.Record(ctx, models.UsageEvent{UserID: "u1", Tokens: 10}); err != nil {
		t.Fatal(err)
	}
	total, err := tr.TotalByUser(ctx, "u1", before)
	if err != nil {
		t.Fatal(err)
	}
	if total != 10 {
		t.Errorf("expected 10, got %d", total)
	}
}

func TestTotalByUser(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for i := range 3 {
		_ = tr.Record(ctx, models.UsageEvent{
			UserID: "u1", Tokens: 150, RequestType: "chat",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	_ = tr.Record(ctx, models.UsageEvent{UserID: "u2", Tokens: 999, CreatedAt: base})
	_ = tr.Record(ctx, models.UsageEvent{UserID: "u1", Tokens: 1000, CreatedAt: base.Add(-time.Hour)})

	total, err := tr.TotalByUser(ctx, "u1", base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if total != 450 {
		t.Errorf("expected 450, got %d", total)
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_ = tr.Record(ctx, models.UsageEvent{UserID: "u1", Tokens: 100, CreatedAt: base})
	_ = tr.Record(ctx, models.UsageEvent{UserID: "u1", Tokens: 200, CreatedAt: base.Add(time.Minute)})
	_ = tr.Record(ctx, models.UsageEvent{UserID: "u2", Tokens: 300, CreatedAt: base.Add(2 * time.Minute)})
	// Previous day, excluded.
	_ = tr.Record(ctx, models.UsageEvent{UserID: "u3", Tokens: 5000, CreatedAt: base.Add(-24 * time.Hour)})

	from, to, err := DayBounds("2025-03-10", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	s, err := tr.Summary(ctx, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if s.ActiveUsers != 2 {
		t.Errorf("expected 2 active users, got %d", s.ActiveUsers)
	}
	if s.TotalTokens != 600 {
		t.Errorf("expected 600 tokens, got %d", s.TotalTokens)
	}
	if s.TotalRequests != 3 {
		t.Errorf("expected 3 requests, got %d", s.TotalRequests)
	}
	if s.AverageTokensPerUser != 300 {
		t.Errorf("expected average 300, got %f", s.AverageTokensPerUser)
	}
}

func TestSummaryEmptyDay(t *testing.T) {
	tr := newTestTracker(t)
	from, to, _ := DayBounds("2025-01-01", time.UTC)

	s, err := tr.Summary(context.Background(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if s.ActiveUsers != 0 || s.TotalTokens != 0 || s.AverageTokensPerUser != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
}

func TestTopUsers(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_ = tr.Record(ctx, models.UsageEvent{UserID: "light", Tokens: 10, CreatedAt: base})
	_ = tr.Record(ctx, models.UsageEvent{UserID: "heavy", Tokens: 500, CreatedAt: base})
	_ = tr.Record(ctx, models.UsageEvent{UserID: "heavy", Tokens: 500, CreatedAt: base})
	_ = tr.Record(ctx, models.UsageEvent{UserID: "medium", Tokens: 300, CreatedAt: base})

	users, err := tr.TopUsers(ctx, base.Add(-time.Hour), base.Add(time.Hour), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].UserID != "heavy" || users[0].TotalTokens != 1000 || users[0].RequestCount != 2 {
		t.Errorf("unexpected first row: %+v", users[0])
	}
	if users[1].UserID != "medium" {
		t.Errorf("expected medium second, got %s", users[1].UserID)
	}
}

func TestDayBounds(t *testing.T) {
	brt := time.FixedZone("BRT", -3*60*60)
	from, to, err := DayBounds("2025-03-10", brt)
	if err != nil {
		t.Fatal(err)
	}
	if !from.Equal(time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", from)
	}
	if to.Sub(from) != 24*time.Hour {
		t.Errorf("expected a 24h day, got %v", to.Sub(from))
	}

	if _, _, err := DayBounds("10/03/2025", time.UTC); err == nil {
		t.Error("expected error for malformed day")
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Create tracker twice; the second should not fail.
	tr1, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = tr1.Close()

	tr2, err := New(dbPath)
	if err != nil {
		t.Fatal("second New() failed:", err)
	}
	_ = tr2.Close()
}
