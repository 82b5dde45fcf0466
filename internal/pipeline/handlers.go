package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"impersonation-detector/internal/models"
	"impersonation-detector/internal/notify"
	"impersonation-detector/internal/telemetry"
	"impersonation-detector/internal/worker"
)

// Enqueuer adds follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name models.QueueName, jobType models.JobType, payload any, opts worker.EnqueueOptions) (string, error)
}

// FeatureSource fetches comparable account attributes.
type FeatureSource interface {
	FetchFeatures(ctx context.Context, accountID string) (models.AccountFeatures, error)
}

// Scorer compares a suspect with a protected target.
type Scorer interface {
	Score(ctx context.Context, suspect, target models.AccountFeatures) (models.DetectionEvent, error)
}

// DetectionSaver persists detection events. Saving an existing id must be a no-op.
type DetectionSaver interface {
	SaveDetection(ctx context.Context, e models.DetectionEvent) error
}

// Dispatcher delivers one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.NotificationJob) models.DispatchResult
}

// Deps are the collaborators the handlers need. Workers that only run some queues may leave
// the unused ones nil.
type Deps struct {
	Queue            Enqueuer
	Features         FeatureSource
	Scorer           Scorer
	Detections       DetectionSaver
	Notifier         Dispatcher
	DashboardBaseURL string
}

// Handlers implements every pipeline job type.
type Handlers struct {
	deps     Deps
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(deps Deps, log zerolog.Logger) *Handlers {
	return &Handlers{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Register wires every handler into r.
func (h *Handlers) Register(r *Router) {
	r.Handle(models.JobAccountActivity, h.AccountActivity)
	r.Handle(models.JobStreamMatch, h.StreamMatch)
	r.Handle(models.JobScoreCandidate, h.ScoreCandidate)
	r.Handle(models.JobDeliverAlert, h.DeliverAlert)
}

// Validate checks a decoded payload against its struct tags.
func (h *Handlers) Validate(v any) error {
	if err := h.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &models.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q", fe.Tag())}
		}
		return &models.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

// ScoringJobID is the deterministic scoring job id for a source event, so redelivered
// webhooks and stream hits enqueue at most one scoring job.
func ScoringJobID(source, eventID string) string {
	return fmt.Sprintf("score:%s:%s", source, eventID)
}

// AccountActivity turns a webhook event into a scoring candidate.
func (h *Handlers) AccountActivity(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var ev models.AccountActivityEvent
	if err := job.Decode(&ev); err != nil {
		return nil, err
	}
	if err := h.Validate(ev); err != nil {
		return nil, err
	}
	return h.enqueueCandidate(ctx, "webhook", ev.EventID, models.ScoreCandidate{
		SuspectAccountID: ev.ActorAccountID,
		TargetAccountID:  ev.TargetAccountID,
		OwnerUserID:      ev.OwnerUserID,
		Source:           "webhook:" + ev.EventType,
	})
}

// StreamMatch turns a filtered-stream hit into a scoring candidate.
func (h *Handlers) StreamMatch(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var m models.StreamMatch
	if err := job.Decode(&m); err != nil {
		return nil, err
	}
	if err := h.Validate(m); err != nil {
		return nil, err
	}
	source := "stream"
	if m.RuleTag != "" {
		source += ":" + m.RuleTag
	}
	return h.enqueueCandidate(ctx, "stream", m.MatchID, models.ScoreCandidate{
		SuspectAccountID: m.AuthorAccountID,
		TargetAccountID:  m.TargetAccountID,
		OwnerUserID:      m.OwnerUserID,
		Source:           source,
	})
}

func (h *Handlers) enqueueCandidate(ctx context.Context, source, eventID string, c models.ScoreCandidate) (json.RawMessage, error) {
	if c.SuspectAccountID == c.TargetAccountID {
		h.log.Debug().Str("account_id", c.TargetAccountID).Msg("activity by the protected account itself; skipping")
		return json.Marshal(map[string]string{"skipped": "self"})
	}
	id, err := h.deps.Queue.Enqueue(ctx, models.QueueScoring, models.JobScoreCandidate, c, worker.EnqueueOptions{
		JobID: ScoringJobID(source, eventID),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue scoring job: %w", err)
	}
	return json.Marshal(map[string]string{"scoring_job_id": id})
}

type scoreResult struct {
	DetectionID       string        `json:"detection_id"`
	Score             float64       `json:"score"`
	Confidence        float64       `json:"confidence"`
	Action            models.Action `json:"action"`
	NotificationJobID string        `json:"notification_job_id,omitempty"`
}

// ScoreCandidate fetches both profiles, scores them, stores the detection and queues an alert
// when the chosen action notifies the owner.
func (h *Handlers) ScoreCandidate(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var c models.ScoreCandidate
	if err := job.Decode(&c); err != nil {
		return nil, err
	}
	if c.SuspectAccountID == "" || c.TargetAccountID == "" || c.OwnerUserID == "" {
		return nil, &models.ValidationError{Field: "payload", Reason: "suspect, target and owner are required"}
	}

	suspect, err := h.deps.Features.FetchFeatures(ctx, c.SuspectAccountID)
	if err != nil {
		return nil, fmt.Errorf("fetch suspect %s: %w", c.SuspectAccountID, err)
	}
	target, err := h.deps.Features.FetchFeatures(ctx, c.TargetAccountID)
	if err != nil {
		return nil, fmt.Errorf("fetch target %s: %w", c.TargetAccountID, err)
	}
	if suspect.AccountID == "" {
		suspect.AccountID = c.SuspectAccountID
	}
	if target.AccountID == "" {
		target.AccountID = c.TargetAccountID
	}

	event, err := h.deps.Scorer.Score(ctx, suspect, target)
	if err != nil {
		return nil, err
	}
	// A retried job must land on the same detection row.
	event.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID)).String()

	if err := h.deps.Detections.SaveDetection(ctx, event); err != nil {
		return nil, fmt.Errorf("save detection: %w", err)
	}
	if job.Attempts == 0 {
		telemetry.DetectionsTotal.WithLabelValues(string(event.Action)).Inc()
	}
	h.log.Info().
		Str("detection_id", event.ID).
		Str("suspect", c.SuspectAccountID).
		Str("target", c.TargetAccountID).
		Float64("score", event.Score).
		Float64("confidence", event.Confidence).
		Str("action", string(event.Action)).
		Msg("candidate scored")

	res := scoreResult{DetectionID: event.ID, Score: event.Score, Confidence: event.Confidence, Action: event.Action}
	if event.Action.Alerts() {
		n := h.notificationFor(event, suspect, target, c.OwnerUserID)
		id, err := h.deps.Queue.Enqueue(ctx, models.QueueNotification, models.JobDeliverAlert, n, worker.EnqueueOptions{
			JobID:    "notify:" + n.DeliveryID,
			Priority: lanePriority(n.Priority),
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue notification: %w", err)
		}
		res.NotificationJobID = id
	}
	return json.Marshal(res)
}

func (h *Handlers) notificationFor(e models.DetectionEvent, suspect, target models.AccountFeatures, owner string) models.NotificationJob {
	template := notify.TemplateImpersonationAlert
	if e.Action == models.ActionAutoRespond {
		template = notify.TemplateAutoResponse
	}
	reviewURL := ""
	if base := strings.TrimRight(h.deps.DashboardBaseURL, "/"); base != "" {
		reviewURL = base + "/detections/" + e.ID
	}
	return models.NotificationJob{
		DeliveryID:       e.ID + ":" + owner,
		DetectionEventID: e.ID,
		Recipient:        owner,
		Priority:         notify.ClassifyPriority(e.Score, e.Confidence),
		TemplateID:       template,
		Data: map[string]any{
			"detection_id":     e.ID,
			"suspect_username": suspect.Username,
			"target_username":  target.Username,
			"score":            e.Score,
			"confidence":       e.Confidence,
			"action":           string(e.Action),
			"reasoning":        e.Reasoning,
			"review_url":       reviewURL,
		},
	}
}

// lanePriority puts critical and high alerts in the high lane and low ones in the low lane.
func lanePriority(p models.Priority) int {
	switch p {
	case models.PriorityCritical, models.PriorityHigh:
		return 1
	case models.PriorityLow:
		return -1
	default:
		return 0
	}
}

// DeliverAlert dispatches a notification. Deferred deliveries are re-enqueued for the end of the
// recipient's quiet hours and throttled ones complete without sending.
func (h *Handlers) DeliverAlert(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var n models.NotificationJob
	if err := job.Decode(&n); err != nil {
		return nil, err
	}
	n.RetryCount = job.Attempts

	res := h.deps.Notifier.Dispatch(ctx, n)
	switch {
	case res.Success, res.Throttled:
		return json.Marshal(res)
	case res.Deferred:
		id, err := h.deps.Queue.Enqueue(ctx, models.QueueNotification, models.JobDeliverAlert, n, worker.EnqueueOptions{
			JobID:    "notify:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID+":deferred")).String(),
			Delay:    res.RetryAfter,
			Priority: job.Priority,
		})
		if err != nil {
			return nil, fmt.Errorf("re-enqueue deferred notification: %w", err)
		}
		h.log.Info().Str("delivery_id", n.DeliveryID).Str("job_id", id).Dur("delay", res.RetryAfter).Msg("notification deferred")
		return json.Marshal(map[string]any{"deferred_job_id": id, "retry_after_ms": res.RetryAfter.Milliseconds()})
	case res.Retryable:
		return nil, &models.TransientUpstreamError{Service: "notify:" + string(res.Channel), Err: errors.New(res.Error)}
	default:
		return nil, &models.PermanentRejectionError{Reason: res.Error}
	}
}
