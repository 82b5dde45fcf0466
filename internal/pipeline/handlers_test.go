package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
	"impersonation-detector/internal/queue"
	"impersonation-detector/internal/scoring"
	"impersonation-detector/internal/worker"
)

type enqueued struct {
	queue   models.QueueName
	jobType models.JobType
	payload any
	opts    worker.EnqueueOptions
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []enqueued
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, name models.QueueName, jobType models.JobType, payload any, opts worker.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, enqueued{name, jobType, payload, opts})
	return opts.JobID, nil
}

type fakeFeatures struct {
	profiles map[string]models.AccountFeatures
	err      error
}

func (f *fakeFeatures) FetchFeatures(_ context.Context, id string) (models.AccountFeatures, error) {
	if f.err != nil {
		return models.AccountFeatures{}, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return models.AccountFeatures{}, &models.PermanentRejectionError{Reason: "unknown account " + id}
	}
	return p, nil
}

type fakeScorer struct {
	event models.DetectionEvent
}

func (f *fakeScorer) Score(_ context.Context, suspect, target models.AccountFeatures) (models.DetectionEvent, error) {
	e := f.event
	e.ID = "random"
	e.SuspectAccountID = suspect.AccountID
	e.TargetAccountID = target.AccountID
	return e, nil
}

type fakeDetections struct {
	mu    sync.Mutex
	saved []models.DetectionEvent
}

func (f *fakeDetections) SaveDetection(_ context.Context, e models.DetectionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, e)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	jobs   []models.NotificationJob
	result models.DispatchResult
}

func (f *fakeNotifier) Dispatch(_ context.Context, n models.NotificationJob) models.DispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, n)
	return f.result
}

func (f *fakeNotifier) received() []models.NotificationJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.NotificationJob(nil), f.jobs...)
}

func profiles() *fakeFeatures {
	return &fakeFeatures{profiles: map[string]models.AccountFeatures{
		"suspect-1": {AccountID: "suspect-1", Username: "elonmusk_", DisplayName: "Elon Musk"},
		"target-1":  {AccountID: "target-1", Username: "elonmusk", DisplayName: "Elon Musk"},
	}}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestRouterValidate(t *testing.T) {
	r := NewRouter()
	var cfgErr *models.ConfigurationError
	if err := r.Validate(); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	NewHandlers(Deps{}, zerolog.Nop()).Register(r)
	if err := r.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	_, err := r.Handler()(context.Background(), models.Job{Type: "bogus"})
	if err == nil || models.IsRetryable(err) {
		t.Fatalf("unknown job type should be permanent, got %v", err)
	}
}

func TestAccountActivityEnqueuesScoring(t *testing.T) {
	q := &fakeQueue{}
	h := NewHandlers(Deps{Queue: q}, zerolog.Nop())

	ev := models.AccountActivityEvent{
		EventID: "ev-1", EventType: "follow", ActorAccountID: "suspect-1",
		TargetAccountID: "target-1", OwnerUserID: "owner-1",
	}
	if _, err := h.AccountActivity(context.Background(), models.Job{ID: "j1", Payload: payload(t, ev)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(q.calls) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(q.calls))
	}
	call := q.calls[0]
	if call.queue != models.QueueScoring || call.jobType != models.JobScoreCandidate || call.opts.JobID != "score:webhook:ev-1" {
		t.Fatalf("unexpected enqueue %+v", call)
	}
	c := call.payload.(models.ScoreCandidate)
	if c.SuspectAccountID != "suspect-1" || c.TargetAccountID != "target-1" || c.OwnerUserID != "owner-1" || c.Source != "webhook:follow" {
		t.Fatalf("unexpected candidate %+v", c)
	}
}

func TestAccountActivityRejectsInvalid(t *testing.T) {
	q := &fakeQueue{}
	h := NewHandlers(Deps{Queue: q}, zerolog.Nop())

	bad := models.AccountActivityEvent{EventID: "ev-2", EventType: "poke", ActorAccountID: "a", TargetAccountID: "b", OwnerUserID: "o"}
	_, err := h.AccountActivity(context.Background(), models.Job{Payload: payload(t, bad)})
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = h.AccountActivity(context.Background(), models.Job{Payload: json.RawMessage(`{not json`)})
	if err == nil || models.IsRetryable(err) {
		t.Fatalf("malformed payload should be permanent, got %v", err)
	}
	if len(q.calls) != 0 {
		t.Fatalf("nothing should be enqueued")
	}
}

func TestStreamMatchSkipsSelf(t *testing.T) {
	q := &fakeQueue{}
	h := NewHandlers(Deps{Queue: q}, zerolog.Nop())

	m := models.StreamMatch{MatchID: "m-1", AuthorAccountID: "target-1", TargetAccountID: "target-1", OwnerUserID: "owner-1"}
	out, err := h.StreamMatch(context.Background(), models.Job{Payload: payload(t, m)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(q.calls) != 0 || string(out) != `{"skipped":"self"}` {
		t.Fatalf("expected skip, got %s with %d enqueues", out, len(q.calls))
	}
}

func TestScoreCandidateAlerts(t *testing.T) {
	q := &fakeQueue{}
	store := &fakeDetections{}
	scorer := &fakeScorer{event: models.DetectionEvent{Score: 0.95, Confidence: 0.92, Action: models.ActionAutoRespond, Reasoning: []string{"username nearly identical"}}}
	h := NewHandlers(Deps{Queue: q, Features: profiles(), Scorer: scorer, Detections: store, DashboardBaseURL: "https://dash.example/"}, zerolog.Nop())

	c := models.ScoreCandidate{SuspectAccountID: "suspect-1", TargetAccountID: "target-1", OwnerUserID: "owner-1"}
	job := models.Job{ID: "score:webhook:ev-1", Payload: payload(t, c)}
	if _, err := h.ScoreCandidate(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := h.ScoreCandidate(context.Background(), job); err != nil {
		t.Fatalf("handle again: %v", err)
	}

	if len(store.saved) != 2 || store.saved[0].ID == "random" || store.saved[0].ID != store.saved[1].ID {
		t.Fatalf("detection id should be derived from the job id, got %+v", store.saved)
	}
	if len(q.calls) != 2 || q.calls[0].opts.JobID != q.calls[1].opts.JobID {
		t.Fatalf("notification enqueue should be idempotent, got %+v", q.calls)
	}
	n := q.calls[0].payload.(models.NotificationJob)
	if n.Priority != models.PriorityCritical || n.Recipient != "owner-1" || n.TemplateID != "auto_response_taken" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.DeliveryID != store.saved[0].ID+":owner-1" || q.calls[0].opts.Priority != 1 {
		t.Fatalf("unexpected delivery id or lane: %+v %+v", n, q.calls[0].opts)
	}
	if n.Data["review_url"] != "https://dash.example/detections/"+store.saved[0].ID {
		t.Fatalf("unexpected review url %v", n.Data["review_url"])
	}
}

func TestScoreCandidateWithoutAlert(t *testing.T) {
	q := &fakeQueue{}
	store := &fakeDetections{}
	scorer := &fakeScorer{event: models.DetectionEvent{Score: 0.4, Confidence: 0.6, Action: models.ActionQueueReview}}
	h := NewHandlers(Deps{Queue: q, Features: profiles(), Scorer: scorer, Detections: store}, zerolog.Nop())

	c := models.ScoreCandidate{SuspectAccountID: "suspect-1", TargetAccountID: "target-1", OwnerUserID: "owner-1"}
	if _, err := h.ScoreCandidate(context.Background(), models.Job{ID: "j", Payload: payload(t, c)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.saved) != 1 || len(q.calls) != 0 {
		t.Fatalf("expected saved detection and no notification, got %d saved %d enqueued", len(store.saved), len(q.calls))
	}
}

func TestScoreCandidateUpstreamErrorRetries(t *testing.T) {
	features := &fakeFeatures{err: &models.TransientUpstreamError{Service: "features", Err: errors.New("503")}}
	h := NewHandlers(Deps{Queue: &fakeQueue{}, Features: features, Scorer: &fakeScorer{}, Detections: &fakeDetections{}}, zerolog.Nop())

	c := models.ScoreCandidate{SuspectAccountID: "suspect-1", TargetAccountID: "target-1", OwnerUserID: "owner-1"}
	_, err := h.ScoreCandidate(context.Background(), models.Job{ID: "j", Payload: payload(t, c)})
	var transient *models.TransientUpstreamError
	if !errors.As(err, &transient) || !models.IsRetryable(err) {
		t.Fatalf("expected retryable upstream error, got %v", err)
	}
}

func TestDeliverAlertOutcomes(t *testing.T) {
	n := models.NotificationJob{DeliveryID: "det-1:owner-1", Recipient: "owner-1", Priority: models.PriorityHigh}

	cases := []struct {
		name      string
		result    models.DispatchResult
		wantErr   bool
		retryable bool
		enqueues  int
	}{
		{"success", models.DispatchResult{Success: true, MessageID: "m1"}, false, false, 0},
		{"throttled", models.DispatchResult{Throttled: true, Error: "throttled"}, false, false, 0},
		{"deferred", models.DispatchResult{Deferred: true, RetryAfter: time.Hour}, false, false, 1},
		{"transient", models.DispatchResult{Error: "502", Retryable: true}, true, true, 0},
		{"permanent", models.DispatchResult{Error: "invalid recipient"}, true, false, 0},
	}
	for _, tc := range cases {
		q := &fakeQueue{}
		notifier := &fakeNotifier{result: tc.result}
		h := NewHandlers(Deps{Queue: q, Notifier: notifier}, zerolog.Nop())

		_, err := h.DeliverAlert(context.Background(), models.Job{ID: "notify:det-1:owner-1", Attempts: 2, Payload: payload(t, n)})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if err != nil && models.IsRetryable(err) != tc.retryable {
			t.Fatalf("%s: retryable=%v, want %v", tc.name, models.IsRetryable(err), tc.retryable)
		}
		if len(q.calls) != tc.enqueues {
			t.Fatalf("%s: expected %d enqueues, got %d", tc.name, tc.enqueues, len(q.calls))
		}
		if got := notifier.received(); len(got) != 1 || got[0].RetryCount != 2 {
			t.Fatalf("%s: dispatcher should see retry count 2, got %+v", tc.name, got)
		}
		if tc.enqueues == 1 {
			call := q.calls[0]
			if call.opts.Delay != time.Hour || call.opts.JobID == "notify:det-1:owner-1" {
				t.Fatalf("%s: unexpected deferral %+v", tc.name, call.opts)
			}
		}
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, queue.Options{VisibilityTimeout: 5 * time.Second, CompletedRetention: 100})
	o := worker.New(q, config.QueueConfig{
		MaxAttempts:    3,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		LeaseTimeout:   5 * time.Second,
		PollInterval:   5 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = o.Close(2 * time.Second) })

	engine, err := scoring.NewEngine(config.Defaults().Scoring, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store := &fakeDetections{}
	notifier := &fakeNotifier{result: models.DispatchResult{Success: true, MessageID: "m-1"}}
	router := NewRouter()
	NewHandlers(Deps{Queue: o, Features: profiles(), Scorer: engine, Detections: store, Notifier: notifier}, zerolog.Nop()).Register(router)
	if err := router.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, name := range models.Queues {
		if err := o.RegisterWorker(name, 2, router.Handler()); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	ev := models.AccountActivityEvent{
		EventID: "ev-1", EventType: "mention", ActorAccountID: "suspect-1",
		TargetAccountID: "target-1", OwnerUserID: "owner-1",
	}
	if _, err := o.Enqueue(context.Background(), models.QueueWebhook, models.JobAccountActivity, ev, worker.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(notifier.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := notifier.received()
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	if got[0].Recipient != "owner-1" || got[0].Data["suspect_username"] != "elonmusk_" {
		t.Fatalf("unexpected notification %+v", got[0])
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 1 || !store.saved[0].Action.Alerts() {
		t.Fatalf("expected one alerting detection, got %+v", store.saved)
	}
}
