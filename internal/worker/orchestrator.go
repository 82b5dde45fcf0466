package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
	"impersonation-detector/internal/queue"
	"impersonation-detector/internal/telemetry"
)

// ErrForcedExit is returned by Close when in-flight handlers outlive the drain timeout.
var ErrForcedExit = errors.New("worker pools forced to exit with handlers still running")

// ErrClosed is returned for operations on a closed orchestrator.
var ErrClosed = errors.New("orchestrator closed")

// Handler executes one job. The returned result is stored on the completed job.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	Delay       time.Duration
	Priority    int
	MaxAttempts int
	// JobID makes the enqueue idempotent: an existing job with this id is left untouched.
	JobID string
}

// Orchestrator owns the worker pools for every queue in the process.
type Orchestrator struct {
	queue *queue.RedisQueue
	cfg   config.QueueConfig
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.Mutex
	pools  map[models.QueueName]*pool
	closed bool

	// loopCtx stops claiming; execCtx is only cancelled on a forced exit.
	loopCtx    context.Context
	stopLoops  context.CancelFunc
	execCtx    context.Context
	cancelExec context.CancelFunc
	loops      sync.WaitGroup
	inflight   sync.WaitGroup
}

// New builds an orchestrator. It starts no goroutines until RegisterWorker.
func New(q *queue.RedisQueue, cfg config.QueueConfig, log zerolog.Logger) *Orchestrator {
	loopCtx, stopLoops := context.WithCancel(context.Background())
	execCtx, cancelExec := context.WithCancel(context.Background())
	return &Orchestrator{
		queue:      q,
		cfg:        cfg,
		log:        log.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
		pools:      make(map[models.QueueName]*pool),
		loopCtx:    loopCtx,
		stopLoops:  stopLoops,
		execCtx:    execCtx,
		cancelExec: cancelExec,
	}
}

// Enqueue stores a job and makes it visible after opts.Delay.
func (o *Orchestrator) Enqueue(ctx context.Context, name models.QueueName, jobType models.JobType, payload any, opts EnqueueOptions) (string, error) {
	if !name.Valid() {
		return "", &models.ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", name)}
	}
	if !name.Accepts(jobType) {
		return "", &models.ValidationError{Field: "job_type", Reason: fmt.Sprintf("%q is not declared for queue %s", jobType, name)}
	}
	if opts.Delay < 0 {
		return "", &models.ValidationError{Field: "delay", Reason: "must not be negative"}
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", &models.ValidationError{Field: "payload", Reason: err.Error()}
		}
		raw = b
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.cfg.MaxAttempts
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := o.now()
	job := models.Job{
		ID:          id,
		Queue:       name,
		Type:        jobType,
		Priority:    opts.Priority,
		Payload:     raw,
		Status:      models.StatusWaiting,
		MaxAttempts: maxAttempts,
		NextRunAt:   now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	added, err := o.queue.Add(ctx, job)
	if err != nil {
		return "", err
	}
	if !added {
		o.log.Debug().Str("queue", string(name)).Str("job_id", id).Msg("job already enqueued")
		return id, nil
	}
	telemetry.EnqueueCounter.WithLabelValues(string(name)).Inc()
	return id, nil
}

// RegisterWorker starts a pool of at most concurrency handler invocations for name.
func (o *Orchestrator) RegisterWorker(name models.QueueName, concurrency int, handler Handler) error {
	if !name.Valid() {
		return &models.ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", name)}
	}
	if concurrency < 1 {
		return &models.ConfigurationError{Field: "concurrency", Reason: fmt.Sprintf("queue %s needs at least 1, got %d", name, concurrency)}
	}
	if handler == nil {
		return &models.ConfigurationError{Field: "handler", Reason: fmt.Sprintf("queue %s has no handler", name)}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if _, exists := o.pools[name]; exists {
		return fmt.Errorf("worker already registered for queue %s", name)
	}
	p := &pool{
		name:        name,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		handler:     handler,
		log:         o.log.With().Str("queue", string(name)).Logger(),
	}
	o.pools[name] = p

	o.loops.Add(2)
	go o.claimLoop(p)
	go o.maintain(p)
	p.log.Info().Int("concurrency", concurrency).Msg("worker pool started")
	return nil
}

// GetStats returns a snapshot of the queue's depths.
func (o *Orchestrator) GetStats(ctx context.Context, name models.QueueName) (models.QueueStats, error) {
	if !name.Valid() {
		return models.QueueStats{}, &models.ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", name)}
	}
	return o.queue.Stats(ctx, name)
}

// DeadLetters lists jobs that exhausted their retries or were rejected.
func (o *Orchestrator) DeadLetters(ctx context.Context, name models.QueueName, limit int64) ([]models.Job, error) {
	if !name.Valid() {
		return nil, &models.ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", name)}
	}
	return o.queue.DeadLetters(ctx, name, limit)
}

// RetryDead puts a dead job back to waiting with its attempts reset.
func (o *Orchestrator) RetryDead(ctx context.Context, name models.QueueName, jobID string) error {
	if !name.Valid() {
		return &models.ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", name)}
	}
	if err := o.queue.Revive(ctx, name, jobID); err != nil {
		return err
	}
	o.log.Info().Str("queue", string(name)).Str("job_id", jobID).Msg("dead job requeued")
	return nil
}

// Pause stops new claims on name. In-flight handlers keep running.
func (o *Orchestrator) Pause(ctx context.Context, name models.QueueName) error {
	if !name.Valid() {
		return &models.ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", name)}
	}
	if err := o.queue.Pause(ctx, name); err != nil {
		return fmt.Errorf("pause %s: %w", name, err)
	}
	o.log.Info().Str("queue", string(name)).Msg("queue paused")
	return nil
}

// Resume restarts claiming on name.
func (o *Orchestrator) Resume(ctx context.Context, name models.QueueName) error {
	if !name.Valid() {
		return &models.ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", name)}
	}
	if err := o.queue.Resume(ctx, name); err != nil {
		return fmt.Errorf("resume %s: %w", name, err)
	}
	o.log.Info().Str("queue", string(name)).Msg("queue resumed")
	return nil
}

// Close stops claiming and waits up to timeout for in-flight handlers.
// Handlers still running after the timeout have their context cancelled and ErrForcedExit is returned.
func (o *Orchestrator) Close(timeout time.Duration) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.stopLoops()
	o.loops.Wait()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancelExec()
		o.log.Info().Msg("worker pools drained")
		return nil
	case <-time.After(timeout):
		o.cancelExec()
		o.log.Error().Dur("timeout", timeout).Msg("forced exit with handlers still running")
		return ErrForcedExit
	}
}

// StartMetrics polls queue stats into the depth gauges every interval until ctx is done.
func (o *Orchestrator) StartMetrics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			o.recordDepths(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (o *Orchestrator) recordDepths(ctx context.Context) {
	for _, name := range models.Queues {
		stats, err := o.queue.Stats(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Warn().Err(err).Str("queue", string(name)).Msg("stats poll failed")
			}
			continue
		}
		q := string(name)
		telemetry.QueueDepth.WithLabelValues(q, "waiting").Set(float64(stats.Waiting))
		telemetry.QueueDepth.WithLabelValues(q, "active").Set(float64(stats.Active))
		telemetry.QueueDepth.WithLabelValues(q, "delayed").Set(float64(stats.Delayed))
		telemetry.QueueDepth.WithLabelValues(q, "completed").Set(float64(stats.Completed))
		telemetry.QueueDepth.WithLabelValues(q, "failed").Set(float64(stats.Failed))
	}
}
