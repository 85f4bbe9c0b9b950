package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/fingerprint"
	"github.com/cachegate-ai/cachegate/pkg/models"
	"github.com/cachegate-ai/cachegate/pkg/resolve"
	"github.com/cachegate-ai/cachegate/pkg/store"
)

// reqInfo carries the per-request state shared by the cache and upstream
// paths.
type reqInfo struct {
	cfg        *config.Config
	credential string
	body       []byte
	req        *models.ChatCompletionRequest
	key        string
	start      time.Time
}

// handleCachedCompletions serves the /cache route family: the store is
// consulted before any upstream traffic, and upstream responses are
// persisted for the next identical request.
func (s *Server) handleCachedCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleChatCompletions(w, r, true)
}

// handleDirectCompletions serves the bare route family: endpoint
// resolution and relay exactly like the cached routes, but the store is
// never read or written.
func (s *Server) handleDirectCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleChatCompletions(w, r, false)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, cached bool) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg := s.config()

	credential := extractCredential(r)
	if credential == "" {
		credential = cfg.Upstream.APIKey
	}
	if credential == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := fingerprint.Request(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ri := &reqInfo{
		cfg:        cfg,
		credential: credential,
		body:       body,
		req:        &req,
		key:        key,
		start:      time.Now(),
	}
	s.logRequestDetail(ri)

	if !cached || !cfg.Cache.Enabled {
		s.forwardUpstream(w, r, ri, cacheBypass, false)
		return
	}

	entry, err := s.store.GetResponse(r.Context(), key)
	switch {
	case err == nil:
		s.serveHit(w, r, ri, entry)
	case errors.Is(err, store.ErrNotFound):
		s.forwardUpstream(w, r, ri, cacheMiss, true)
	case cfg.Cache.Strict:
		s.log.Error().Err(err).Str("key", key).Msg("Cache read failed")
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
	default:
		s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, bypassing cache")
		s.forwardUpstream(w, r, ri, cacheBypass, false)
	}
}

// logRequestDetail emits the debug views of an incoming request that the
// log configuration opts into. Chat content stays out of the logs unless
// log_messages is set; log_request_body logs the body with content
// redacted.
func (s *Server) logRequestDetail(ri *reqInfo) {
	if ri.cfg.Log.LogMessages {
		for i, m := range ri.req.Messages {
			s.log.Debug().
				Int("index", i).
				Str("role", m.Role).
				Str("content", m.Text()).
				Msg("Request message")
		}
	}
	if ri.cfg.Log.LogRequestBody {
		s.log.Debug().RawJSON("body", redactMessages(ri.body)).Msg("Request body")
	}
}

// redactMessages replaces every message content in a request body so the
// rest of the body can be logged.
func redactMessages(body []byte) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return []byte(`{}`)
	}
	var msgs []map[string]json.RawMessage
	if err := json.Unmarshal(m["messages"], &msgs); err == nil {
		for _, msg := range msgs {
			if _, ok := msg["content"]; ok {
				msg["content"] = json.RawMessage(`"[CONTENT REMOVED]"`)
			}
		}
		if enc, err := json.Marshal(msgs); err == nil {
			m["messages"] = enc
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return []byte(`{}`)
	}
	return out
}

// serveHit answers a request from a stored entry without touching the
// upstream.
func (s *Server) serveHit(w http.ResponseWriter, r *http.Request, ri *reqInfo, entry *models.CacheEntry) {
	if entry.IsStream {
		runs, err := models.DecodeRuns(entry.Value)
		if err != nil {
			// A corrupt entry is unusable; treat it as a miss and let the
			// fresh response replace it.
			s.log.Warn().Err(err).Str("key", ri.key).Msg("Stored stream is corrupt, refetching")
			s.forwardUpstream(w, r, ri, cacheMiss, true)
			return
		}

		w.Header().Set(CacheHeader, cacheHit)
		if err := replayStream(w, runs, ri.cfg.Cache.ReplayInterval); err != nil {
			s.log.Warn().Err(err).Str("key", ri.key).Msg("Stream replay failed")
		}

		model, usage := runsUsage(runs)
		if model == "" {
			model = ri.req.Model
		}
		s.recordCompletion(r, ri, model, cacheHit, true, http.StatusOK, usage)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(CacheHeader, cacheHit)
	w.Write(entry.Value)

	model := ri.req.Model
	var usage *models.Usage
	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(entry.Value, &resp); err == nil {
		if resp.Model != "" {
			model = resp.Model
		}
		usage = resp.Usage
	}
	s.recordCompletion(r, ri, model, cacheHit, false, http.StatusOK, usage)
}

// forwardUpstream resolves the endpoint for the credential and forwards
// the request. persist marks the response for storage under ri.key.
func (s *Server) forwardUpstream(w http.ResponseWriter, r *http.Request, ri *reqInfo, cacheState string, persist bool) {
	base, err := s.resolver.Resolve(r.Context(), ri.credential, ri.req.Model)
	if err != nil {
		var resErr *resolve.ResolutionError
		if errors.As(err, &resErr) {
			writeJSONError(w, http.StatusUnauthorized, resErr.Error())
			return
		}
		writeJSONError(w, http.StatusBadGateway, "endpoint resolution failed")
		return
	}

	if ri.req.Stream {
		s.forwardStream(w, r, ri, base, cacheState, persist)
		return
	}
	s.forwardBuffered(w, r, ri, base, cacheState, persist)
}

// forwardBuffered proxies a non-streaming request and stores the response
// body verbatim on success.
func (s *Server) forwardBuffered(w http.ResponseWriter, r *http.Request, ri *reqInfo, base, cacheState string, persist bool) {
	resp, err := s.upstreamPost(r.Context(), base, ri.credential, ri.body)
	if err != nil {
		upstreamErrors.Inc()
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamErrors.Inc()
		writeJSONError(w, http.StatusBadGateway, "read upstream response")
		return
	}

	if persist && resp.StatusCode == http.StatusOK {
		put := &models.CacheEntry{
			Key:        ri.key,
			RawRequest: string(ri.body),
			Value:      respBody,
			IsStream:   false,
		}
		if err := s.store.PutResponse(r.Context(), put); err != nil {
			s.log.Warn().Err(err).Str("key", ri.key).Msg("Cache write failed")
		}
	}

	copyHeaders(w, resp.Header)
	w.Header().Set(CacheHeader, cacheState)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	model := ri.req.Model
	var usage *models.Usage
	if resp.StatusCode == http.StatusOK {
		var cr models.ChatCompletionResponse
		if err := json.Unmarshal(respBody, &cr); err == nil {
			if cr.Model != "" {
				model = cr.Model
			}
			usage = cr.Usage
		}
	}
	s.recordCompletion(r, ri, model, cacheState, false, resp.StatusCode, usage)
}

// forwardStream proxies a streaming request, folding the live event stream
// into runs while relaying it untouched. The capture is stored only after
// the upstream terminator has been forwarded in full.
func (s *Server) forwardStream(w http.ResponseWriter, r *http.Request, ri *reqInfo, base, cacheState string, persist bool) {
	resp, err := s.upstreamPost(r.Context(), base, ri.credential, ri.body)
	if err != nil {
		upstreamErrors.Inc()
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The upstream rejected the request before streaming anything;
		// relay its error body uncached.
		respBody, _ := io.ReadAll(resp.Body)
		copyHeaders(w, resp.Header)
		w.Header().Set(CacheHeader, cacheState)
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		s.recordCompletion(r, ri, ri.req.Model, cacheState, true, resp.StatusCode, nil)
		return
	}

	w.Header().Set(CacheHeader, cacheState)
	res, err := relayStream(w, resp)
	if res == nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err != nil {
		upstreamErrors.Inc()
		s.log.Warn().Err(err).Str("key", ri.key).Msg("Stream relay aborted")
	}

	switch {
	case err == nil && res.done:
		if persist {
			s.storeStream(ri, res.runs)
		}
	case r.Context().Err() == nil:
		// The upstream ended without its terminator while the client is
		// still connected. Send one so the client's event loop can finish;
		// the partial capture is dropped.
		writeDoneFrame(w)
	}

	model := res.model
	if model == "" {
		model = ri.req.Model
	}
	s.recordCompletion(r, ri, model, cacheState, true, resp.StatusCode, res.usage)
}

// storeStream persists a completed stream capture. The response has
// already been forwarded, so the write must survive the client hanging up
// right after the final frame.
func (s *Server) storeStream(ri *reqInfo, runs []models.StreamRun) {
	encoded, err := models.EncodeRuns(runs)
	if err != nil {
		s.log.Warn().Err(err).Str("key", ri.key).Msg("Encode stream runs failed")
		return
	}
	put := &models.CacheEntry{
		Key:        ri.key,
		RawRequest: string(ri.body),
		Value:      encoded,
		IsStream:   true,
	}
	if err := s.store.PutResponse(context.Background(), put); err != nil {
		s.log.Warn().Err(err).Str("key", ri.key).Msg("Cache write failed")
	}
}

// upstreamPost sends the chat completion to an upstream endpoint. The
// caller owns resp.Body and must close it.
func (s *Server) upstreamPost(ctx context.Context, base, credential string, body []byte) (*http.Response, error) {
	u := strings.TrimRight(base, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	return s.client.Do(req)
}

// runsUsage extracts the model name and usage accounting from a stored
// stream's terminal events.
func runsUsage(runs []models.StreamRun) (string, *models.Usage) {
	var model string
	var usage *models.Usage
	for _, run := range runs {
		if len(run.Terminal) == 0 {
			continue
		}
		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal(run.Terminal, &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.HasUsage() {
			var u models.Usage
			if err := json.Unmarshal(chunk.Usage, &u); err == nil {
				usage = &u
			}
		}
	}
	return model, usage
}

// recordCompletion updates metrics and writes the audit entry for one
// completion request, off the request path.
func (s *Server) recordCompletion(r *http.Request, ri *reqInfo, model, cacheState string, streaming bool, status int, usage *models.Usage) {
	requestsTotal.WithLabelValues(models.RouteCompletions, cacheState).Inc()
	requestDuration.WithLabelValues(models.RouteCompletions).Observe(time.Since(ri.start).Seconds())

	if s.auditor == nil {
		return
	}
	entry := models.AuditEntry{
		RequestID:   requestIDFrom(r.Context()),
		Fingerprint: ri.key,
		KeyPrefix:   fingerprint.Prefix(fingerprint.Credential(ri.credential)),
		Model:       model,
		Route:       models.RouteCompletions,
		Stream:      streaming,
		CacheHit:    cacheState == cacheHit,
		StatusCode:  status,
		LatencyMs:   time.Since(ri.start).Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if usage != nil {
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
		entry.TotalTokens = usage.TotalTokens
	}
	go func() {
		if err := s.auditor.Log(context.Background(), entry); err != nil {
			s.log.Warn().Err(err).Msg("Audit log failed")
		}
	}()
}
