package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
	"impersonation-detector/internal/queue"
	"impersonation-detector/internal/ratelimit"
	"impersonation-detector/internal/store"
	"impersonation-detector/internal/telemetry"
	"impersonation-detector/internal/worker"
)

// QueueService is the orchestrator surface the API needs.
type QueueService interface {
	Enqueue(ctx context.Context, name models.QueueName, jobType models.JobType, payload any, opts worker.EnqueueOptions) (string, error)
	GetStats(ctx context.Context, name models.QueueName) (models.QueueStats, error)
	DeadLetters(ctx context.Context, name models.QueueName, limit int64) ([]models.Job, error)
	RetryDead(ctx context.Context, name models.QueueName, jobID string) error
	Pause(ctx context.Context, name models.QueueName) error
	Resume(ctx context.Context, name models.QueueName) error
}

// DetectionStore reads and reviews detection events.
type DetectionStore interface {
	FindByTarget(ctx context.Context, targetID string, f models.DetectionFilter) ([]models.DetectionEvent, error)
	MarkReviewed(ctx context.Context, id string, action models.Action, notes string) error
}

// PreferenceStore reads and patches notification preferences.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, recipient string) (models.Preferences, error)
	UpdatePreferences(ctx context.Context, recipient string, patch models.PreferencesPatch) (models.Preferences, error)
}

// CredentialStore persists encrypted third-party tokens.
type CredentialStore interface {
	SaveCredential(ctx context.Context, owner, service string, secret models.EncryptedSecret) error
}

// Sealer encrypts a token before it is stored.
type Sealer interface {
	Seal(plaintext string) (models.EncryptedSecret, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators behind the HTTP handlers.
type Deps struct {
	Queue       QueueService
	Detections  DetectionStore
	Preferences PreferenceStore
	Credentials CredentialStore
	Vault       Sealer
	Limiter     *ratelimit.FixedWindow
	Checks      map[string]HealthCheck
}

// Server wires HTTP handlers for ingestion and operations.
type Server struct {
	cfg      config.Config
	deps     Deps
	validate *validator.Validate
	log      zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.cfg.RateLimit.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(ratelimit.Middleware(s.deps.Limiter, s.cfg.RateLimit.APILimit, s.cfg.RateLimit.APIWindow, s.log))
		}
		r.Post("/webhooks/account-activity", s.handleAccountActivity)
		r.Post("/stream/matches", s.handleStreamMatch)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Route("/queues/{name}", func(r chi.Router) {
				r.Get("/stats", s.handleQueueStats)
				r.Get("/dead", s.handleDeadLetters)
				r.Post("/dead/{id}/retry", s.handleRetryDead)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
			})
			r.Get("/detections", s.handleFindDetections)
			r.Post("/detections/{id}/review", s.handleReview)
			r.Get("/preferences/{recipient}", s.handleGetPreferences)
			r.Patch("/preferences/{recipient}", s.handlePatchPreferences)
			r.Put("/credentials/{owner}/{service}", s.handlePutCredential)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}

// requireAdmin guards operator routes with a static bearer token. An empty token disables the check.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Debug().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// writeFailure maps domain errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var (
		validation *models.ValidationError
		fieldErrs  validator.ValidationErrors
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &fieldErrs):
		fe := fieldErrs[0]
		writeError(w, http.StatusBadRequest, (&models.ValidationError{Field: fe.Field(), Reason: "failed " + fe.Tag()}).Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
