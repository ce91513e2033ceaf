// Package leaseapi is the HTTP+JSON surface of the lease manager and a typed
// client for it.
package leaseapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juno-intents/lease-manager/internal/leases"
)

var (
	ErrInvalidConfig = errors.New("leaseapi: invalid config")

	errTrailingData = errors.New("leaseapi: trailing data after request body")
)

const (
	headerRequestID     = "X-Request-ID"
	maxRequestIDLen     = 128
	defaultMaxBodyBytes = 64 << 10
)

// Service is what the handler needs from the lease manager.
type Service interface {
	Acquire(ctx context.Context, name, holder string) (leases.AcquireResult, error)
	Release(ctx context.Context, name, holder string) (leases.ReleaseOutcome, error)
	Status(ctx context.Context, name string) (leases.Lease, bool, error)
	ListActive(ctx context.Context) ([]leases.Lease, error)
	ListByHolder(ctx context.Context, holder string) ([]leases.Lease, error)
	Ping(ctx context.Context) error
}

type Config struct {
	// AuthToken, when set, is required as "Authorization: Bearer <token>" on
	// every /locks route.
	AuthToken string

	// RateLimitPerSecond <= 0 disables rate limiting.
	RateLimitPerSecond  float64
	RateLimitBurst      int
	RateLimitMaxClients int
	TrustProxyHeaders   bool
	MaxBodyBytes        int64
	HealthCheckTimeout  time.Duration
	MetricsHandler      http.Handler
	Logger              *slog.Logger
	Now                 func() time.Time
}

func NewHandler(cfg Config, svc Service) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.RateLimitPerSecond > 0 {
		if cfg.RateLimitBurst <= 0 {
			cfg.RateLimitBurst = int(2 * cfg.RateLimitPerSecond)
			if cfg.RateLimitBurst < 1 {
				cfg.RateLimitBurst = 1
			}
		}
		if cfg.RateLimitMaxClients <= 0 {
			cfg.RateLimitMaxClients = 10_000
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{cfg: cfg, svc: svc, log: cfg.Logger}
	if cfg.RateLimitPerSecond > 0 {
		h.limiter = newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.RateLimitMaxClients)
	}

	locks := http.NewServeMux()
	locks.HandleFunc("POST /locks/request", h.handleAcquire)
	locks.HandleFunc("POST /locks/release", h.handleRelease)
	locks.HandleFunc("GET /locks/status/{resource_name}", h.handleStatus)
	locks.HandleFunc("GET /locks/all-locked", h.handleListActive)
	locks.HandleFunc("GET /locks/process/{process_id}", h.handleListByHolder)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	mux.Handle("/locks/", h.guard(locks))

	return h.withRequestID(h.withAccessLog(mux)), nil
}

type handler struct {
	cfg     Config
	svc     Service
	log     *slog.Logger
	limiter *rateLimiter
}

type ctxKey struct{}

// RequestID returns the id assigned to the request by the handler.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

func (h *handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= 0x20 || id[i] >= 0x7f {
			return false
		}
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		h.log.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestID(r.Context()),
		)
	})
}

// guard applies auth and rate limiting to the lock routes.
func (h *handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !bearerMatches(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lease-manager"`)
			writeError(w, http.StatusUnauthorized, CodeUnauthorized)
			return
		}
		if h.limiter != nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
			if !h.limiter.Allow(clientKey(r, h.cfg.TrustProxyHeaders), h.cfg.Now()) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, CodeRateLimited)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func bearerMatches(header, token string) bool {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	got := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.HealthCheckTimeout)
	defer cancel()
	if err := h.svc.Ping(ctx); err != nil {
		h.log.Warn("health check", "err", err, "request_id", RequestID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLockRequest(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Acquire(r.Context(), req.ResourceName, req.ProcessID)
	if err != nil {
		h.internalError(w, r, "acquire", err)
		return
	}

	resp := AcquireResponse{
		Status:       StatusDenied,
		ResourceName: req.ResourceName,
		ProcessID:    req.ProcessID,
		HolderID:     res.Lease.HolderID,
	}
	if res.Acquired() {
		resp.Status = StatusAcquired
	}
	if !res.Lease.ExpiresAt.IsZero() {
		exp := res.Lease.ExpiresAt.UTC()
		resp.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLockRequest(w, r)
	if !ok {
		return
	}

	out, err := h.svc.Release(r.Context(), req.ResourceName, req.ProcessID)
	if err != nil {
		h.internalError(w, r, "release", err)
		return
	}

	status := StatusNotLockedByProcess
	if out == leases.Released {
		status = StatusReleased
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{Status: status, ResourceName: req.ResourceName})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("resource_name")
	if leases.ValidateResourceName(name) != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidResourceName)
		return
	}

	l, locked, err := h.svc.Status(r.Context(), name)
	if err != nil {
		h.internalError(w, r, "status", err)
		return
	}

	resp := StatusResponse{ResourceName: name, IsLocked: locked}
	if locked {
		acq, exp := l.AcquiredAt.UTC(), l.ExpiresAt.UTC()
		resp.ProcessID = l.HolderID
		resp.AcquiredAt = &acq
		resp.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	ls, err := h.svc.ListActive(r.Context())
	if err != nil {
		h.internalError(w, r, "list active", err)
		return
	}
	writeJSON(w, http.StatusOK, toLockInfos(ls))
}

func (h *handler) handleListByHolder(w http.ResponseWriter, r *http.Request) {
	holder := r.PathValue("process_id")
	if leases.ValidateID("process_id", holder) != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidProcessID)
		return
	}

	ls, err := h.svc.ListByHolder(r.Context(), holder)
	if err != nil {
		h.internalError(w, r, "list by holder", err)
		return
	}
	writeJSON(w, http.StatusOK, toLockInfos(ls))
}

func (h *handler) decodeLockRequest(w http.ResponseWriter, r *http.Request) (LockRequest, bool) {
	var req LockRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(&req)
	if err == nil {
		// Exactly one JSON value per body.
		if err = dec.Decode(&struct{}{}); errors.Is(err, io.EOF) {
			err = nil
		} else if err == nil {
			err = errTrailingData
		}
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge)
			return req, false
		}
		writeError(w, http.StatusBadRequest, CodeInvalidJSON)
		return req, false
	}
	if leases.ValidateResourceName(req.ResourceName) != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidResourceName)
		return req, false
	}
	if leases.ValidateID("process_id", req.ProcessID) != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidProcessID)
		return req, false
	}
	return req, true
}

// internalError logs the cause and answers with a generic body so driver
// details never reach clients.
func (h *handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.log.Error("lease operation failed",
		"op", op,
		"err", err,
		"request_id", RequestID(r.Context()),
	)
	writeError(w, http.StatusInternalServerError, CodeInternal)
}

func toLockInfos(ls []leases.Lease) []LockInfo {
	out := make([]LockInfo, 0, len(ls))
	for _, l := range ls {
		out = append(out, LockInfo{
			ResourceName: l.ResourceName,
			ProcessID:    l.HolderID,
			AcquiredAt:   l.AcquiredAt.UTC(),
			ExpiresAt:    l.ExpiresAt.UTC(),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, errorResponse{Error: errCode})
}
