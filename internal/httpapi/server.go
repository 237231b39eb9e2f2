package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/eventrelay/internal/feed"
	"github.com/agentworkforce/eventrelay/internal/metrics"
	"github.com/agentworkforce/eventrelay/internal/relay"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	SessionSecret   string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// ChannelProvisioner creates chat channels for a server inside a tenant.
type ChannelProvisioner interface {
	ProvisionChannels(ctx context.Context, tenantID, label string) (relay.LinkConfig, error)
}

type Dependencies struct {
	Store       relay.Store
	Gateway     relay.Gateway
	Members     relay.MembershipResolver
	Provisioner ChannelProvisioner
	Feed        *feed.Hub
}

type Server struct {
	store       relay.Store
	creds       *relay.Credentials
	router      *relay.Router
	policy      *relay.Policy
	dispatcher  *relay.Dispatcher
	provisioner ChannelProvisioner
	feed        *feed.Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	mux         *mux.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}

	observers := []relay.Observer{metrics.Observer{}}
	if deps.Feed != nil {
		observers = append(observers, deps.Feed)
	}
	router := relay.NewRouter(deps.Store)
	s := &Server{
		store:       deps.Store,
		creds:       relay.NewCredentials(deps.Store),
		router:      router,
		policy:      relay.NewPolicy(deps.Store, deps.Members),
		dispatcher:  relay.NewDispatcher(router, deps.Gateway, observers...),
		provisioner: deps.Provisioner,
		feed:        deps.Feed,
		cfg:         cfg,
		rateLimiter: limiter,
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(correlationMiddleware)
	r.NotFoundHandler = correlationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}))
	r.MethodNotAllowedHandler = correlationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	}))

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/me/tenants", s.handleMyTenants).Methods(http.MethodGet)

	t := v1.PathPrefix("/tenants/{tenantID}").Subrouter()
	t.HandleFunc("/servers", s.handleRegisterServer).Methods(http.MethodPost)
	t.HandleFunc("/servers/{label}", s.handleUnlinkServer).Methods(http.MethodDelete)
	t.HandleFunc("/servers/{label}/default-channel", s.handleSetDefaultChannel).Methods(http.MethodPut)
	t.HandleFunc("/servers/{label}/category", s.handleSetCategory).Methods(http.MethodPut)
	t.HandleFunc("/servers/{label}/events/{eventType}", s.handleSetEventChannel).Methods(http.MethodPut)
	t.HandleFunc("/servers/{label}/rotate", s.handleRotate).Methods(http.MethodPost)
	t.HandleFunc("/servers/{label}/setup-channels", s.handleSetupChannels).Methods(http.MethodPost)
	t.HandleFunc("/roles", s.handleListRoles).Methods(http.MethodGet)
	t.HandleFunc("/roles/{roleID}", s.handleGrantRole).Methods(http.MethodPut)
	t.HandleFunc("/roles/{roleID}", s.handleRevokeRole).Methods(http.MethodDelete)
	t.HandleFunc("/feed", s.handleFeed).Methods(http.MethodGet)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type correlationKey struct{}

// correlationMiddleware echoes the caller's X-Correlation-Id or assigns one.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func getCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return r.Header.Get(correlationHeader)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	status := http.StatusOK
	defer func() { metrics.ObserveBatch(strconv.Itoa(status), started) }()
	correlationID := getCorrelationID(r)
	fail := func(code int, errCode, message string) {
		status = code
		writeError(w, code, errCode, message, correlationID)
	}

	body, err := s.readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			fail(http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return
		}
		fail(http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	batch, err := relay.ParseBatch(body, r.Header.Get("Authorization"))
	switch {
	case errors.Is(err, relay.ErrMalformedBatch):
		fail(http.StatusBadRequest, "malformed_batch", "body must be a JSON object with an events array")
		return
	case errors.Is(err, relay.ErrUnauthenticated):
		fail(http.StatusUnauthorized, "unauthorized", "missing server token")
		return
	case err != nil:
		log.Error().Err(err).Str("correlationId", correlationID).Msg("parse batch")
		fail(http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	// Deliveries run to completion even if the game server hangs up.
	ctx := context.WithoutCancel(r.Context())
	id, err := s.creds.Resolve(ctx, batch.Token)
	if errors.Is(err, relay.ErrNotFound) {
		fail(http.StatusUnauthorized, "unauthorized", "token does not match a registered server")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("correlationId", correlationID).Msg("resolve server token")
		fail(http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(id.Server.Label, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		fail(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	summary := s.dispatcher.ProcessBatch(ctx, id, batch.Events)
	log.Info().
		Str("correlationId", correlationID).
		Str("server", id.Server.Label).
		Int("received", summary.Received).
		Int("recognized", summary.Recognized).
		Int("handled", summary.Handled).
		Int("errors", len(summary.Errors)).
		Msg("batch processed")
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	return io.ReadAll(r.Body)
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	correlationID := getCorrelationID(r)
	body, err := s.readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeStoreError maps domain errors to responses. Anything unexpected is
// logged in full and reported as a generic 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, relay.ErrTokenRequired):
		writeError(w, http.StatusConflict, "token_required", "this server label is registered; supply its token to link it", correlationID)
	case errors.Is(err, relay.ErrTokenInvalid):
		writeError(w, http.StatusForbidden, "token_invalid", "the supplied token does not match this server", correlationID)
	case errors.Is(err, relay.ErrInvalidInput), errors.Is(err, relay.ErrUnrecognizedEventType):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found", correlationID)
	case errors.Is(err, relay.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "label or token already in use", correlationID)
	case errors.Is(err, relay.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to manage this tenant", correlationID)
	case errors.Is(err, relay.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", "not available on this relay", correlationID)
	default:
		log.Error().Err(err).
			Str("correlationId", correlationID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
