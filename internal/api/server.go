// Package api exposes the booking pipeline over REST/JSON and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kontomat/backend/internal/approval"
	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/auth"
	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/events"
	"github.com/kontomat/backend/internal/inference"
	"github.com/kontomat/backend/internal/metrics"
	"github.com/kontomat/backend/internal/pipeline"
	"github.com/kontomat/backend/internal/rag"
	"github.com/kontomat/backend/internal/safety"
)

// Config bounds the HTTP surface.
type Config struct {
	// MaxUploadBytes caps a single document upload.
	MaxUploadBytes int64
	// UserRate is the per-user request rate (requests per second, burst 2x).
	UserRate float64
}

func (c *Config) withDefaults() {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 20 << 20
	}
	if c.UserRate <= 0 {
		c.UserRate = 10
	}
}

// Deps are the wired services the handlers call into.
type Deps struct {
	Auth     *auth.Service
	Approval *approval.Service
	Pipe     *pipeline.Pipeline
	Laws     *rag.Index
	Corpus   *rag.Quarantine
	Chain    *audit.Log
	AI       *inference.Orchestrator
	Overseer *safety.Overseer
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Server routes HTTP requests to the pipeline and approval services.
type Server struct {
	d   Deps
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(d Deps, cfg Config) *Server {
	cfg.withDefaults()
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Server{d: d, cfg: cfg, log: d.Log, limiters: map[string]*rate.Limiter{}}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	p := r.NewRoute().Subrouter()
	p.Use(s.authenticate, s.throttle)
	p.HandleFunc("/documents", s.handleUpload).Methods(http.MethodPost)
	p.HandleFunc("/bookings", s.handleBookings).Methods(http.MethodGet)
	p.HandleFunc("/bookings/{id}", s.handleBooking).Methods(http.MethodGet)
	p.HandleFunc("/bookings/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	p.HandleFunc("/bookings/{id}/reject", s.handleReject).Methods(http.MethodPost)
	p.HandleFunc("/bookings/{id}/correct", s.handleCorrect).Methods(http.MethodPost)
	p.HandleFunc("/export/{client_id}", s.handleExport).Methods(http.MethodPost)
	p.HandleFunc("/laws/search", s.handleLawSearch).Methods(http.MethodGet)
	p.HandleFunc("/laws/quarantine", s.handleQuarantinePending).Methods(http.MethodGet)
	p.HandleFunc("/laws/quarantine/{id}/confirm", s.handleQuarantineConfirm).Methods(http.MethodPost)
	p.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	p.HandleFunc("/chat", s.handleChat)
	p.HandleFunc("/events", s.handleEvents)
	return r
}

type ctxKey int

const userKey ctxKey = 0

func withUser(ctx context.Context, u *auth.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func userFrom(r *http.Request) *auth.User {
	u, _ := r.Context().Value(userKey).(*auth.User)
	return u
}

// authenticate resolves the bearer token into a user. WebSocket clients
// cannot set headers from the browser, so ?token= is accepted as well.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.writeError(w, domain.E(domain.CodeAuth, "nedostaje pristupni token"))
			return
		}
		claims, err := s.d.Auth.Verify(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		u := &auth.User{ID: claims.Subject, Role: claims.Role, Active: true}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := userFrom(r)
		s.mu.Lock()
		lim, ok := s.limiters[u.ID]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(s.cfg.UserRate), int(s.cfg.UserRate*2))
			s.limiters[u.ID] = lim
		}
		s.mu.Unlock()
		if !lim.Allow() {
			s.writeError(w, &domain.Error{Code: domain.CodeOverloaded,
				Message: "previše zahtjeva", RetryAfterSec: 1})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = &domain.Error{Code: "INTERNAL", Message: "unutarnja pogreška"}
		s.log.Error("unhandled error", "error", err)
	}
	if de.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", de.RetryAfterSec))
	}
	s.writeJSON(w, httpStatus(de.Code), de)
}

func httpStatus(code string) int {
	switch code {
	case domain.CodeAuth:
		return http.StatusUnauthorized
	case domain.CodeLocked:
		return http.StatusLocked
	case domain.CodeForbidden, domain.CodeSafety:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeInput, domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeUnsupported:
		return http.StatusUnsupportedMediaType
	case domain.CodeOverloaded, domain.CodeQuota:
		return http.StatusTooManyRequests
	case domain.CodeUnextractable, domain.CodeBlocker:
		return http.StatusUnprocessableEntity
	case domain.CodeExportPending:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeStrict rejects bodies carrying fields the contract does not name.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.E(domain.CodeInput, "neispravno tijelo zahtjeva: "+err.Error())
	}
	return nil
}
