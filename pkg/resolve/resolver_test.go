package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/fingerprint"
	"github.com/cachegate-ai/cachegate/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "resolve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func trialServer(t *testing.T, status int, delay time.Duration) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, `{"id":"chatcmpl-trial"}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func resolverConfig(urls ...string) *config.Config {
	cfg := config.Default()
	cfg.Resolver.TrialTimeout = 2 * time.Second
	cfg.Resolver.DisableBuiltins = true
	for _, u := range urls {
		cfg.Upstream.ExtraURLs = append(cfg.Upstream.ExtraURLs,
			config.EndpointConfig{URL: u, TestModel: "test-model"})
	}
	return cfg
}

// The earliest candidate in priority order wins, not the first to answer.
func TestResolvePriorityOverSpeed(t *testing.T) {
	rejecting, _ := trialServer(t, http.StatusUnauthorized, 0)
	slow, _ := trialServer(t, http.StatusOK, 150*time.Millisecond)
	fast, _ := trialServer(t, http.StatusOK, 0)

	r := New(newTestStore(t), resolverConfig(rejecting.URL, slow.URL, fast.URL))

	got, err := r.Resolve(context.Background(), "sk-race", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != slow.URL {
		t.Errorf("Resolve = %s, want slow-but-prior candidate %s", got, slow.URL)
	}
}

func TestResolveAllFailed(t *testing.T) {
	first, _ := trialServer(t, http.StatusUnauthorized, 0)
	second, _ := trialServer(t, http.StatusForbidden, 0)

	r := New(newTestStore(t), resolverConfig(first.URL, second.URL))

	_, err := r.Resolve(context.Background(), "sk-nowhere", "")
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error type %T, want *ResolutionError", err)
	}
	if len(resErr.Failures) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", len(resErr.Failures))
	}
	if resErr.Failures[0].URL != first.URL || resErr.Failures[1].URL != second.URL {
		t.Errorf("failures out of priority order: %+v", resErr.Failures)
	}
	for _, f := range resErr.Failures {
		if f.Err == nil {
			t.Errorf("failure for %s carries no cause", f.URL)
		}
	}
}

func TestResolveMemoized(t *testing.T) {
	srv, hits := trialServer(t, http.StatusOK, 0)

	st := newTestStore(t)
	r := New(st, resolverConfig(srv.URL))

	first, err := r.Resolve(context.Background(), "sk-memo", "")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if first != srv.URL {
		t.Fatalf("Resolve = %s, want %s", first, srv.URL)
	}
	trialsAfterFirst := hits.Load()

	second, err := r.Resolve(context.Background(), "sk-memo", "")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second != first {
		t.Errorf("memoized Resolve = %s, want %s", second, first)
	}
	if hits.Load() != trialsAfterFirst {
		t.Errorf("second Resolve ran %d extra trials", hits.Load()-trialsAfterFirst)
	}

	ep, err := st.GetEndpoint(context.Background(), fingerprint.Credential("sk-memo"))
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if ep.BaseURL == nil || *ep.BaseURL != srv.URL {
		t.Errorf("memo row = %v, want %s", ep.BaseURL, srv.URL)
	}
}

func TestResolvePinned(t *testing.T) {
	srv, hits := trialServer(t, http.StatusOK, 0)

	st := newTestStore(t)
	cfg := resolverConfig(srv.URL)
	r := New(st, cfg)

	custom := "https://pinned.example/v1"
	if err := st.PutEndpoint(context.Background(), fingerprint.Credential("sk-pinned"), &custom); err != nil {
		t.Fatalf("PutEndpoint: %v", err)
	}
	if err := st.PutEndpoint(context.Background(), fingerprint.Credential("sk-default"), nil); err != nil {
		t.Fatalf("PutEndpoint: %v", err)
	}

	got, err := r.Resolve(context.Background(), "sk-pinned", "")
	if err != nil {
		t.Fatalf("Resolve pinned: %v", err)
	}
	if got != custom {
		t.Errorf("pinned Resolve = %s, want %s", got, custom)
	}

	got, err = r.Resolve(context.Background(), "sk-default", "")
	if err != nil {
		t.Fatalf("Resolve default-pinned: %v", err)
	}
	if got != cfg.Upstream.DefaultURL {
		t.Errorf("default-pinned Resolve = %s, want %s", got, cfg.Upstream.DefaultURL)
	}

	if hits.Load() != 0 {
		t.Errorf("pinned credentials ran %d trials, want 0", hits.Load())
	}
}

func TestResolveDisabled(t *testing.T) {
	srv, hits := trialServer(t, http.StatusOK, 0)

	cfg := resolverConfig(srv.URL)
	cfg.Resolver.Enabled = false
	r := New(newTestStore(t), cfg)

	got, err := r.Resolve(context.Background(), "sk-off", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != cfg.Upstream.DefaultURL {
		t.Errorf("Resolve = %s, want default %s", got, cfg.Upstream.DefaultURL)
	}
	if hits.Load() != 0 {
		t.Errorf("disabled resolver ran %d trials", hits.Load())
	}
}

func TestTrialRequestShape(t *testing.T) {
	type seen struct {
		auth string
		body trialRequest
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body trialRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode trial body: %v", err)
		}
		got <- seen{auth: req.Header.Get("Authorization"), body: body}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"chatcmpl-trial"}`)
	}))
	t.Cleanup(srv.Close)

	r := New(newTestStore(t), resolverConfig(srv.URL))
	results := r.Trials(context.Background(), "sk-shape", "")
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("Trials = %+v", results)
	}

	s := <-got
	if s.auth != "Bearer sk-shape" {
		t.Errorf("Authorization = %q, want Bearer sk-shape", s.auth)
	}
	if s.body.Model != "test-model" {
		t.Errorf("trial model = %q, want test-model", s.body.Model)
	}
	if s.body.MaxTokens != 1 {
		t.Errorf("trial max_tokens = %d, want 1", s.body.MaxTokens)
	}
	if len(s.body.Messages) != 1 || s.body.Messages[0].Role != "user" || s.body.Messages[0].Content != "ping" {
		t.Errorf("trial messages = %+v", s.body.Messages)
	}
}

func TestTrialModelFallback(t *testing.T) {
	models := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body trialRequest
		json.NewDecoder(req.Body).Decode(&body)
		models <- body.Model
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"chatcmpl-trial"}`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Resolver.TrialTimeout = 2 * time.Second
	cfg.Resolver.DisableBuiltins = true
	cfg.Upstream.ExtraURLs = []config.EndpointConfig{{URL: srv.URL}}

	r := New(newTestStore(t), cfg)
	if results := r.Trials(context.Background(), "sk-model", "deepseek-chat"); results[0].Err != nil {
		t.Fatalf("Trials: %v", results[0].Err)
	}
	if m := <-models; m != "deepseek-chat" {
		t.Errorf("trial model = %q, want request model fallback", m)
	}
}

func TestTrialsReportAll(t *testing.T) {
	ok, _ := trialServer(t, http.StatusOK, 0)
	bad, _ := trialServer(t, http.StatusUnauthorized, 0)

	r := New(newTestStore(t), resolverConfig(ok.URL, bad.URL))
	results := r.Trials(context.Background(), "sk-all", "")

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].URL != ok.URL || results[0].Err != nil {
		t.Errorf("first result = %+v, want success for %s", results[0], ok.URL)
	}
	if results[1].URL != bad.URL || results[1].Err == nil {
		t.Errorf("second result = %+v, want failure for %s", results[1], bad.URL)
	}
}
