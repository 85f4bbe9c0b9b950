package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store_test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newSQLiteStore(t))
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store_test.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	entry := &models.CacheEntry{
		Key:        "durable",
		RawRequest: `{"model":"m"}`,
		Value:      []byte(`{"id":"chatcmpl-d"}`),
	}
	if err := s.PutResponse(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.GetResponse(ctx, "durable")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Value) != string(entry.Value) {
		t.Errorf("value did not survive reopen: %s", got.Value)
	}
}

func TestOpenDispatch(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "dispatch.db")

	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*SQLite); !ok {
		t.Errorf("expected sqlite backend, got %T", s)
	}
	_ = s.Close()

	cfg.Cache.Backend = "carrier-pigeon"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestSQLiteMissDoesNotMaskFailure(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	// Close underneath to force a real store failure.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := s.GetResponse(ctx, "k")
	if err == nil {
		t.Fatal("expected an error from a closed store")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("store failure must not be reported as a miss")
	}
}
