package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"impersonation-detector/internal/models"
	"impersonation-detector/internal/notify"
	"impersonation-detector/internal/worker"
)

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

// handleAccountActivity accepts a platform webhook event. Redeliveries of the same event id
// map onto the same job.
func (s *Server) handleAccountActivity(w http.ResponseWriter, r *http.Request) {
	var ev models.AccountActivityEvent
	if !s.decode(w, r, &ev) {
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		s.writeFailure(w, err)
		return
	}
	id, err := s.deps.Queue.Enqueue(r.Context(), models.QueueWebhook, models.JobAccountActivity, ev, worker.EnqueueOptions{
		JobID: "webhook:" + ev.EventID,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id})
}

func (s *Server) handleStreamMatch(w http.ResponseWriter, r *http.Request) {
	var m models.StreamMatch
	if !s.decode(w, r, &m) {
		return
	}
	if err := s.validate.Struct(m); err != nil {
		s.writeFailure(w, err)
		return
	}
	id, err := s.deps.Queue.Enqueue(r.Context(), models.QueueStream, models.JobStreamMatch, m, worker.EnqueueOptions{
		JobID: "stream:" + m.MatchID,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id})
}

// queueName reads and checks the {name} parameter, writing 404 for unknown queues.
func queueName(w http.ResponseWriter, r *http.Request) (models.QueueName, bool) {
	name := models.QueueName(chi.URLParam(r, "name"))
	if !name.Valid() {
		writeError(w, http.StatusNotFound, "unknown queue "+string(name))
		return "", false
	}
	return name, true
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Queue.GetStats(r.Context(), name)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	jobs, err := s.deps.Queue.DeadLetters(r.Context(), name, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}
	if err := s.deps.Queue.RetryDead(r.Context(), name, chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}
	if err := s.deps.Queue.Pause(r.Context(), name); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name, ok := queueName(w, r)
	if !ok {
		return
	}
	if err := s.deps.Queue.Resume(r.Context(), name); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleFindDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := strings.TrimSpace(q.Get("target"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	filter, err := parseDetectionFilter(q.Get("action"), q.Get("reviewed"), q.Get("since"), q.Get("min_score"), q.Get("limit"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	events, err := s.deps.Detections.FindByTarget(r.Context(), target, filter)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func parseDetectionFilter(action, reviewed, since, minScore, limit string) (models.DetectionFilter, error) {
	var f models.DetectionFilter
	if action != "" {
		f.Action = models.Action(action)
		if !f.Action.Valid() {
			return f, &models.ValidationError{Field: "action", Reason: "unknown action " + action}
		}
	}
	if reviewed != "" {
		b, err := strconv.ParseBool(reviewed)
		if err != nil {
			return f, &models.ValidationError{Field: "reviewed", Reason: "must be a boolean"}
		}
		f.Reviewed = &b
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, &models.ValidationError{Field: "since", Reason: "must be RFC3339"}
		}
		f.Since = t
	}
	if minScore != "" {
		v, err := strconv.ParseFloat(minScore, 64)
		if err != nil || v < 0 || v > 1 {
			return f, &models.ValidationError{Field: "min_score", Reason: "must be in [0,1]"}
		}
		f.MinScore = v
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return f, &models.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		f.Limit = n
	}
	return f, nil
}

type reviewRequest struct {
	Action models.Action `json:"action" validate:"required"`
	Notes  string        `json:"notes" validate:"max=2000"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.deps.Detections.MarkReviewed(r.Context(), chi.URLParam(r, "id"), req.Action, req.Notes); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reviewed"})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.deps.Preferences.GetPreferences(r.Context(), chi.URLParam(r, "recipient"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePatchPreferences(w http.ResponseWriter, r *http.Request) {
	var patch models.PreferencesPatch
	if !s.decode(w, r, &patch) {
		return
	}
	if err := validatePatch(patch); err != nil {
		s.writeFailure(w, err)
		return
	}
	prefs, err := s.deps.Preferences.UpdatePreferences(r.Context(), chi.URLParam(r, "recipient"), patch)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func validatePatch(p models.PreferencesPatch) error {
	for c := range p.Enabled {
		if !c.Valid() {
			return &models.ValidationError{Field: "enabled", Reason: "unknown channel " + string(c)}
		}
	}
	for c := range p.Addresses {
		if !c.Valid() {
			return &models.ValidationError{Field: "addresses", Reason: "unknown channel " + string(c)}
		}
	}
	for _, c := range p.Order {
		if !c.Valid() {
			return &models.ValidationError{Field: "order", Reason: "unknown channel " + string(c)}
		}
	}
	if p.QuietHours != nil {
		if err := notify.ValidateQuietHours(p.QuietHours); err != nil {
			return &models.ValidationError{Field: "quiet_hours", Reason: err.Error()}
		}
	}
	if p.MaxPerWindow != nil && *p.MaxPerWindow < 0 {
		return &models.ValidationError{Field: "max_per_window", Reason: "must not be negative"}
	}
	return nil
}

type credentialRequest struct {
	Token string `json:"token" validate:"required"`
}

// handlePutCredential seals a third-party token with the vault. The plaintext is never stored or logged.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeFailure(w, err)
		return
	}
	owner, service := chi.URLParam(r, "owner"), chi.URLParam(r, "service")
	secret, err := s.deps.Vault.Seal(req.Token)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.deps.Credentials.SaveCredential(r.Context(), owner, service, secret); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.log.Info().Str("owner", owner).Str("service", service).Msg("credential stored")
	w.WriteHeader(http.StatusNoContent)
}
