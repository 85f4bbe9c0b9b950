// Package proxy is the cachegate HTTP server: an OpenAI-compatible
// reverse proxy that answers chat completions from a durable response
// cache and pins each client credential to the upstream that accepts it.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/audit"
	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/fingerprint"
	"github.com/cachegate-ai/cachegate/pkg/logging"
	"github.com/cachegate-ai/cachegate/pkg/models"
	"github.com/cachegate-ai/cachegate/pkg/resolve"
	"github.com/cachegate-ai/cachegate/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// CacheHeader reports how the cache participated in a response.
const CacheHeader = "X-Cachegate-Cache"

// CacheHeader values.
const (
	cacheHit    = "hit"    // served from the store, upstream untouched
	cacheMiss   = "miss"   // store consulted, entry absent, response recorded
	cacheBypass = "bypass" // cache not in play for this request
)

// Server is the cachegate reverse proxy.
type Server struct {
	store    store.Store
	resolver *resolve.Resolver
	auditor  *audit.Logger
	client   *http.Client
	mux      *http.ServeMux
	handler  http.Handler
	log      zerolog.Logger

	mu  sync.RWMutex
	cfg *config.Config
}

// New creates a proxy Server wired with all dependencies. The auditor may
// be nil when the request log is disabled.
func New(cfg *config.Config, st store.Store, res *resolve.Resolver, aud *audit.Logger) *Server {
	s := &Server{
		store:    st,
		resolver: res,
		auditor:  aud,
		client:   &http.Client{},
		mux:      http.NewServeMux(),
		log:      logging.NewLogger("proxy"),
		cfg:      cfg,
	}
	s.mux.HandleFunc("/cache/v1/chat/completions", s.handleCachedCompletions)
	s.mux.HandleFunc("/cache/chat/completions", s.handleCachedCompletions)
	s.mux.HandleFunc("/v1/chat/completions", s.handleDirectCompletions)
	s.mux.HandleFunc("/chat/completions", s.handleDirectCompletions)
	s.mux.HandleFunc("/v1/models", s.handleModels)
	s.mux.HandleFunc("/models", s.handleModels)
	s.mux.HandleFunc("/cache/models", s.handleModels)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/", s.handlePassthrough)
	s.handler = withRequestID(withCORS(s.withAccessLog(s.mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// config returns the current configuration snapshot. Handlers take one
// snapshot per request so a reload cannot change behavior mid-flight.
func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the configuration after a reload.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config().Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("Proxy listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// handleHealth reports liveness and whether the store answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"backend": s.config().Cache.Backend,
	})
}

// handleModels forwards GET /v1/models to the credential's endpoint. Only
// an already-pinned endpoint is consulted; listing models never triggers a
// resolution fan-out.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
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

	digest := fingerprint.Credential(credential)
	base := cfg.Upstream.DefaultURL
	if pin, err := s.store.GetEndpoint(r.Context(), digest); err == nil && pin.BaseURL != nil {
		base = *pin.BaseURL
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, strings.TrimRight(base, "/")+"/models", nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "create upstream request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := s.client.Do(req)
	if err != nil {
		upstreamErrors.Inc()
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamErrors.Inc()
		writeJSONError(w, http.StatusBadGateway, "read upstream response")
		return
	}

	copyHeaders(w, resp.Header)
	w.Header().Set(CacheHeader, cacheBypass)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	requestsTotal.WithLabelValues(models.RouteModels, cacheBypass).Inc()
	if s.auditor != nil {
		entry := models.AuditEntry{
			RequestID:  requestIDFrom(r.Context()),
			KeyPrefix:  fingerprint.Prefix(digest),
			Route:      models.RouteModels,
			StatusCode: resp.StatusCode,
			CreatedAt:  time.Now().UTC(),
		}
		go func() {
			if err := s.auditor.Log(context.Background(), entry); err != nil {
				s.log.Warn().Err(err).Msg("Audit log failed")
			}
		}()
	}
}

// handlePassthrough relays any unrecognized path to the default upstream
// unchanged. Requests that arrive without a credential get the configured
// fallback key attached.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	target, err := url.Parse(cfg.Upstream.DefaultURL)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid upstream URL")
		return
	}

	hasAuth := r.Header.Get("Authorization") != "" || r.Header.Get("x-api-key") != ""
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			if !hasAuth && cfg.Upstream.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.Upstream.APIKey)
			}
		},
	}

	w.Header().Set(CacheHeader, cacheBypass)
	requestsTotal.WithLabelValues(models.RoutePassthrough, cacheBypass).Inc()
	proxy.ServeHTTP(w, r)
}

// copyHeaders adds every upstream response header to the client response.
func copyHeaders(w http.ResponseWriter, h http.Header) {
	for k, vals := range h {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
}

// extractCredential pulls the client credential from the Authorization
// bearer token or the x-api-key header.
func extractCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"cachegate_error","code":%d}}`, message, code)
}
