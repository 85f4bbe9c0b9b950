package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cachegate-ai/cachegate/pkg/models"
)

// exerciseStore runs the backend-independent contract checks against a
// fresh, empty store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	// Absence is a miss, not a store failure.
	if _, err := s.GetResponse(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent key, got %v", err)
	}

	entry := &models.CacheEntry{
		Key:        "k1",
		RawRequest: `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
		Value:      []byte(`{"id":"chatcmpl-1","object":"chat.completion"}`),
		IsStream:   false,
	}
	if err := s.PutResponse(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetResponse(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.WrittenAt.IsZero() {
		t.Error("expected WrittenAt to be set on read")
	}
	got.WrittenAt = time.Time{}
	if diff := cmp.Diff(entry, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}

	// Lookup is stable until the next put.
	for i := 0; i < 3; i++ {
		again, err := s.GetResponse(ctx, "k1")
		if err != nil {
			t.Fatal(err)
		}
		if string(again.Value) != string(entry.Value) {
			t.Fatalf("lookup %d returned a different value", i)
		}
	}

	// Writing the same entry twice leaves the same observable state.
	if err := s.PutResponse(ctx, entry); err != nil {
		t.Fatal(err)
	}
	again, err := s.GetResponse(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	again.WrittenAt = time.Time{}
	if diff := cmp.Diff(entry, again); diff != "" {
		t.Errorf("idempotent put changed state (-want +got):\n%s", diff)
	}

	// A put with the same key fully replaces, including the stream flag.
	runs := []models.StreamRun{{
		Envelope: &models.ChunkEnvelope{ID: "chatcmpl-2", Created: 1700000000, Model: "gpt-4o"},
		Deltas:   []models.RunDelta{{Index: 0, Delta: json.RawMessage(`{"content":"hello"}`)}},
		Terminal: json.RawMessage(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
	}}
	value, err := models.EncodeRuns(runs)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutResponse(ctx, &models.CacheEntry{
		Key:        "k1",
		RawRequest: entry.RawRequest,
		Value:      value,
		IsStream:   true,
	}); err != nil {
		t.Fatal(err)
	}
	replaced, err := s.GetResponse(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if !replaced.IsStream {
		t.Error("replacement did not switch the stream flag")
	}
	decoded, err := models.DecodeRuns(replaced.Value)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(runs, decoded); diff != "" {
		t.Errorf("stored runs mismatch (-want +got):\n%s", diff)
	}

	// Endpoint rows: absent and present-with-nil are distinct outcomes.
	if _, err := s.GetEndpoint(ctx, "cred1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent digest, got %v", err)
	}
	if err := s.PutEndpoint(ctx, "cred1", nil); err != nil {
		t.Fatal(err)
	}
	ce, err := s.GetEndpoint(ctx, "cred1")
	if err != nil {
		t.Fatal(err)
	}
	if ce.BaseURL != nil {
		t.Errorf("expected nil base URL, got %q", *ce.BaseURL)
	}

	url := "https://openrouter.ai/api/v1"
	if err := s.PutEndpoint(ctx, "cred1", &url); err != nil {
		t.Fatal(err)
	}
	ce, err = s.GetEndpoint(ctx, "cred1")
	if err != nil {
		t.Fatal(err)
	}
	if ce.BaseURL == nil || *ce.BaseURL != url {
		t.Errorf("expected %q after replace, got %v", url, ce.BaseURL)
	}

	other := "https://api.deepseek.com/v1"
	if err := s.PutEndpoint(ctx, "cred2", &other); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListEndpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 endpoint rows, got %d", len(list))
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 1 || st.StreamEntries != 1 || st.Endpoints != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if st.LastWrite.IsZero() {
		t.Error("expected last write time in stats")
	}

	// Clear wipes responses but leaves endpoint rows.
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 0 || st.StreamEntries != 0 {
		t.Errorf("expected empty cache after clear, got %+v", st)
	}
	if st.Endpoints != 2 {
		t.Errorf("clear must not touch endpoints, got %+v", st)
	}

	if err := s.ClearEndpoints(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEndpoint(ctx, "cred1"); !errors.Is(err, ErrNotFound) {
		t.Error("expected endpoints gone after ClearEndpoints")
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
