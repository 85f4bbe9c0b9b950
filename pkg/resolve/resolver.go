// Package resolve maps API credentials to the upstream endpoint that
// accepts them. A credential is tried against every candidate endpoint
// concurrently with a minimal 1-token completion; the first candidate in
// priority order that accepts it wins, regardless of which trial finishes
// first. Winners are memoized by credential digest so resolution runs at
// most once per credential.
package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/fingerprint"
	"github.com/cachegate-ai/cachegate/pkg/logging"
	"github.com/cachegate-ai/cachegate/pkg/store"
)

// TrialFailure records one rejected candidate.
type TrialFailure struct {
	URL string
	Err error
}

// ResolutionError reports that no candidate endpoint accepted the
// credential. Failures lists every candidate tried, in priority order.
type ResolutionError struct {
	Failures []TrialFailure
}

func (e *ResolutionError) Error() string {
	if len(e.Failures) == 0 {
		return "no candidate endpoints configured"
	}
	urls := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		urls[i] = f.URL
	}
	return "no candidate endpoint accepted the credential: tried " + strings.Join(urls, ", ")
}

// TrialResult is the outcome of one candidate trial, as reported by Trials.
type TrialResult struct {
	URL     string
	Err     error
	Latency time.Duration
}

// Resolver decides which upstream endpoint serves each credential. Safe
// for concurrent use; the memo table lives in the store, so resolutions
// survive restarts.
type Resolver struct {
	store  store.Store
	client *http.Client
	log    zerolog.Logger

	mu         sync.RWMutex
	enabled    bool
	defaultURL string
	candidates []config.EndpointConfig
	timeout    time.Duration
	maxTokens  int
}

// New builds a Resolver from the loaded configuration.
func New(st store.Store, cfg *config.Config) *Resolver {
	r := &Resolver{
		store:  st,
		client: &http.Client{},
		log:    logging.NewLogger("resolver"),
	}
	r.UpdateConfig(cfg)
	return r
}

// UpdateConfig swaps the candidate list and trial settings. Called on
// configuration reload; in-flight resolutions keep their snapshot.
func (r *Resolver) UpdateConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = cfg.Resolver.Enabled
	r.defaultURL = cfg.Upstream.DefaultURL
	r.candidates = cfg.Candidates()
	r.timeout = cfg.Resolver.TrialTimeout
	r.maxTokens = cfg.Resolver.TrialMaxTokens
}

// Resolve returns the base URL serving the given credential. A memoized
// endpoint is returned without network I/O; a row with no URL pins the
// credential to the default upstream. On a memo miss all candidates are
// tried concurrently and the winner is memoized before returning.
// requestModel is the trial model for extras that configure none.
func (r *Resolver) Resolve(ctx context.Context, credential, requestModel string) (string, error) {
	r.mu.RLock()
	enabled := r.enabled
	defaultURL := r.defaultURL
	cands := r.candidates
	r.mu.RUnlock()

	digest := fingerprint.Credential(credential)

	ep, err := r.store.GetEndpoint(ctx, digest)
	if err == nil {
		resolutionsTotal.WithLabelValues("memoized").Inc()
		if ep.BaseURL == nil {
			return defaultURL, nil
		}
		return *ep.BaseURL, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		// Fail open: an unreadable memo table costs a re-resolution,
		// not the request.
		r.log.Warn().Err(err).Msg("Endpoint lookup failed, re-resolving")
	}

	if !enabled {
		return defaultURL, nil
	}

	winner, resErr := r.race(ctx, cands, credential, requestModel)
	if resErr != nil {
		resolutionsTotal.WithLabelValues("failed").Inc()
		return "", resErr
	}
	resolutionsTotal.WithLabelValues("resolved").Inc()

	if err := r.store.PutEndpoint(ctx, digest, &winner); err != nil {
		r.log.Warn().Err(err).Msg("Failed to memoize resolved endpoint")
	}
	r.log.Info().
		Str("key", fingerprint.Prefix(digest)).
		Str("endpoint", winner).
		Int("candidates", len(cands)).
		Msg("Resolved endpoint for credential")
	return winner, nil
}

type trialOutcome int

const (
	trialPending trialOutcome = iota
	trialOK
	trialFailed
)

// race runs one trial per candidate and returns the first candidate in
// priority order that accepted the credential. It returns as soon as the
// winner is decidable; stragglers finish into a buffered channel and are
// discarded.
func (r *Resolver) race(ctx context.Context, cands []config.EndpointConfig, credential, requestModel string) (string, error) {
	if len(cands) == 0 {
		return "", &ResolutionError{}
	}

	type indexed struct {
		index int
		err   error
	}
	results := make(chan indexed, len(cands))
	for i, c := range cands {
		go func(i int, c config.EndpointConfig) {
			results <- indexed{i, r.trial(ctx, c, credential, requestModel)}
		}(i, c)
	}

	outcomes := make([]trialOutcome, len(cands))
	failures := make([]error, len(cands))
	for completed := 0; completed < len(cands); completed++ {
		res := <-results
		if res.err != nil {
			outcomes[res.index] = trialFailed
			failures[res.index] = res.err
			r.log.Debug().
				Str("endpoint", cands[res.index].URL).
				Err(res.err).
				Msg("Endpoint trial failed")
		} else {
			outcomes[res.index] = trialOK
		}
		if idx, ok := decided(outcomes); ok {
			return cands[idx].URL, nil
		}
	}

	failed := make([]TrialFailure, len(cands))
	for i, c := range cands {
		failed[i] = TrialFailure{URL: c.URL, Err: failures[i]}
	}
	return "", &ResolutionError{Failures: failed}
}

// decided reports the winning index once no candidate ahead of a success
// is still pending. Priority order beats completion order.
func decided(outcomes []trialOutcome) (int, bool) {
	for i, o := range outcomes {
		switch o {
		case trialPending:
			return 0, false
		case trialOK:
			return i, true
		}
	}
	return 0, false
}

type trialMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type trialRequest struct {
	Model     string         `json:"model"`
	Messages  []trialMessage `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
}

// trial issues the minimal completion that decides whether an endpoint
// accepts the credential.
func (r *Resolver) trial(ctx context.Context, cand config.EndpointConfig, credential, requestModel string) error {
	r.mu.RLock()
	timeout := r.timeout
	maxTokens := r.maxTokens
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(trialRequest{
		Model:     trialModel(cand, requestModel),
		Messages:  []trialMessage{{Role: "user", Content: "ping"}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return fmt.Errorf("encode trial request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(cand.URL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trial request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func trialModel(cand config.EndpointConfig, requestModel string) string {
	if cand.TestModel != "" {
		return cand.TestModel
	}
	if requestModel != "" {
		return requestModel
	}
	return "gpt-4o-mini"
}

// Trials runs one trial per candidate and reports every outcome in
// priority order. Unlike Resolve it waits for all candidates and never
// touches the memo table; it backs the endpoint diagnostics command.
func (r *Resolver) Trials(ctx context.Context, credential, requestModel string) []TrialResult {
	r.mu.RLock()
	cands := r.candidates
	r.mu.RUnlock()

	out := make([]TrialResult, len(cands))
	var wg sync.WaitGroup
	for i, c := range cands {
		wg.Add(1)
		go func(i int, c config.EndpointConfig) {
			defer wg.Done()
			start := time.Now()
			err := r.trial(ctx, c, credential, requestModel)
			out[i] = TrialResult{URL: c.URL, Err: err, Latency: time.Since(start)}
		}(i, c)
	}
	wg.Wait()
	return out
}
