package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cachegate-ai/cachegate/pkg/models"
)

func mustNew(t *testing.T, retentionDays int) *Logger {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "audit_test.db"), retentionDays)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		RequestID:        "req-001",
		Fingerprint:      "f1e2d3c4b5a697887960514233241506f1e2d3c4b5a697887960514233241506",
		KeyPrefix:        "a1b2c3d4",
		Model:            "gpt-4o-mini",
		Route:            models.RouteCompletions,
		Stream:           false,
		CacheHit:         true,
		StatusCode:       200,
		LatencyMs:        12,
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}
	other := sampleEntry()
	other.RequestID = "req-002"
	other.Model = "deepseek-chat"
	other.KeyPrefix = "99999999"
	if err := l.Log(ctx, other); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].RequestID != "req-001" {
		t.Errorf("expected req-001, got %s", entries[0].RequestID)
	}
	if !entries[0].CacheHit || entries[0].Route != models.RouteCompletions {
		t.Errorf("routing fields lost: %+v", entries[0])
	}

	entries, err = l.Query(ctx, models.AuditQueryOpts{RequestID: "req-002"})
	if err != nil {
		t.Fatalf("Query by request id: %v", err)
	}
	if len(entries) != 1 || entries[0].Model != "deepseek-chat" {
		t.Fatalf("query by request id returned %+v", entries)
	}

	entries, err = l.Query(ctx, models.AuditQueryOpts{KeyPrefix: "99999999"})
	if err != nil {
		t.Fatalf("Query by prefix: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req-002" {
		t.Fatalf("query by prefix returned %+v", entries)
	}
}

func TestQueryLimitAndOrder(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"req-a", "req-b", "req-c"} {
		e := sampleEntry()
		e.RequestID = id
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RequestID != "req-c" || entries[1].RequestID != "req-b" {
		t.Errorf("expected newest first, got %s then %s", entries[0].RequestID, entries[1].RequestID)
	}
}

func TestQuerySince(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()

	old := sampleEntry()
	old.RequestID = "req-old"
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	_ = l.Log(ctx, old)
	_ = l.Log(ctx, sampleEntry())

	entries, err := l.Query(ctx, models.AuditQueryOpts{Since: time.Now().UTC().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req-001" {
		t.Fatalf("since filter returned %+v", entries)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.RequestID = "req-002"
	_ = l.Log(ctx, e2)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) == 0 {
		t.Fatal("expected stats")
	}
	if stats[0].Count != 2 {
		t.Errorf("expected count 2, got %d", stats[0].Count)
	}
}

func TestSummary(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()

	hit := sampleEntry()
	_ = l.Log(ctx, hit)

	miss := sampleEntry()
	miss.RequestID = "req-002"
	miss.CacheHit = false
	miss.Route = models.RoutePassthrough
	_ = l.Log(ctx, miss)

	other := sampleEntry()
	other.RequestID = "req-003"
	other.Model = "deepseek-chat"
	other.CacheHit = false
	other.PromptTokens = 40
	other.CompletionTokens = 20
	other.TotalTokens = 60
	_ = l.Log(ctx, other)

	summaries, err := l.Summary(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 models, got %d", len(summaries))
	}

	ds, gpt := summaries[0], summaries[1]
	if ds.Model != "deepseek-chat" || gpt.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected model order: %s, %s", ds.Model, gpt.Model)
	}
	if gpt.RequestCount != 2 || gpt.CacheHits != 1 {
		t.Errorf("gpt-4o-mini counts = %d/%d hits, want 2/1", gpt.RequestCount, gpt.CacheHits)
	}
	if gpt.TotalTokens != 60 || gpt.CachedTokens != 30 {
		t.Errorf("gpt-4o-mini tokens = %d total %d cached, want 60/30", gpt.TotalTokens, gpt.CachedTokens)
	}
	if ds.CacheHits != 0 || ds.CachedTokens != 0 {
		t.Errorf("deepseek-chat should have no cached usage: %+v", ds)
	}

	recent, err := l.Summary(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary since: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("future since should match nothing, got %d models", len(recent))
	}
}

func TestCostReport(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()

	miss := sampleEntry()
	miss.CacheHit = false
	miss.PromptTokens = 1000
	miss.CompletionTokens = 1000
	miss.TotalTokens = 2000
	_ = l.Log(ctx, miss)

	hit := sampleEntry()
	hit.RequestID = "req-002"
	hit.PromptTokens = 1000
	hit.CompletionTokens = 1000
	hit.TotalTokens = 2000
	_ = l.Log(ctx, hit)

	unpriced := sampleEntry()
	unpriced.RequestID = "req-003"
	unpriced.Model = "qwen-turbo"
	unpriced.CacheHit = false
	_ = l.Log(ctx, unpriced)

	pricing := []models.ModelPricing{
		{Model: "gpt-4o-mini", PromptPer1K: 0.15, CompletionPer1K: 0.60},
	}
	report, err := l.CostReport(ctx, pricing, time.Time{})
	if err != nil {
		t.Fatalf("CostReport: %v", err)
	}
	if len(report.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(report.Lines))
	}

	want := decimal.RequireFromString("0.75")
	for _, line := range report.Lines {
		switch line.Model {
		case "gpt-4o-mini":
			if !line.Priced {
				t.Errorf("gpt-4o-mini should be priced")
			}
			if !line.Cost.Equal(want) {
				t.Errorf("cost = %s, want %s", line.Cost, want)
			}
			if !line.SavedCost.Equal(want) {
				t.Errorf("saved = %s, want %s", line.SavedCost, want)
			}
		case "qwen-turbo":
			if line.Priced || !line.Cost.IsZero() {
				t.Errorf("qwen-turbo should be unpriced: %+v", line)
			}
		default:
			t.Errorf("unexpected model %s", line.Model)
		}
	}
	if !report.TotalCost.Equal(want) || !report.TotalSaved.Equal(want) {
		t.Errorf("totals = %s/%s, want %s/%s", report.TotalCost, report.TotalSaved, want, want)
	}
}

func TestCleanup(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()

	old := sampleEntry()
	old.RequestID = "req-old"
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -31)
	_ = l.Log(ctx, old)
	_ = l.Log(ctx, sampleEntry())

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req-001" {
		t.Errorf("remaining entries = %+v", entries)
	}
}

func TestCleanupDisabled(t *testing.T) {
	l := mustNew(t, 0)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -365)
	_ = l.Log(ctx, old)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("zero retention must keep everything, deleted %d", deleted)
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil logger Close: %v", err)
	}
}

func TestRetentionSchedule(t *testing.T) {
	l := mustNew(t, 30)

	r := NewRetention(l, "0 3 * * *")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()

	bad := NewRetention(l, "not a schedule")
	if err := bad.Start(); err == nil {
		t.Error("expected error for invalid schedule")
	}

	off := NewRetention(l, "")
	if err := off.Start(); err != nil {
		t.Errorf("empty schedule should disable retention, got %v", err)
	}
	off.Stop()
}
