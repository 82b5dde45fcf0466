package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"impersonation-detector/internal/models"
	"impersonation-detector/internal/queue"
	"impersonation-detector/internal/telemetry"
)

const maintenanceBatch = 100

type pool struct {
	name        models.QueueName
	concurrency int
	sem         *semaphore.Weighted
	handler     Handler
	log         zerolog.Logger
}

// claimLoop holds one semaphore slot per in-flight handler, so at most
// concurrency jobs of this queue run at any instant.
func (o *Orchestrator) claimLoop(p *pool) {
	defer o.loops.Done()
	ctx := o.loopCtx
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		lease, job, err := o.claim(ctx, p)
		if err != nil || lease == nil {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("claim failed")
			}
			if !sleep(ctx, o.cfg.PollInterval) {
				return
			}
			continue
		}

		o.inflight.Add(1)
		go func() {
			defer o.inflight.Done()
			defer p.sem.Release(1)
			o.execute(p, lease, *job)
		}()
	}
}

func (o *Orchestrator) claim(ctx context.Context, p *pool) (*queue.Lease, *models.Job, error) {
	paused, err := o.queue.Paused(ctx, p.name)
	if err != nil {
		return nil, nil, err
	}
	if paused {
		return nil, nil, nil
	}
	return o.queue.Claim(ctx, p.name)
}

// maintain promotes due scheduled jobs and returns stalled jobs to waiting.
func (o *Orchestrator) maintain(p *pool) {
	defer o.loops.Done()
	ctx := o.loopCtx
	for {
		if _, err := o.queue.PromoteScheduled(ctx, p.name, maintenanceBatch); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("promote scheduled failed")
		}
		ids, err := o.queue.RequeueExpired(ctx, p.name, maintenanceBatch)
		if err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("requeue expired failed")
		}
		if len(ids) > 0 {
			telemetry.JobStalled.WithLabelValues(string(p.name)).Add(float64(len(ids)))
			p.log.Warn().Strs("job_ids", ids).Msg("stalled jobs returned to waiting")
		}
		if !sleep(ctx, o.cfg.PollInterval) {
			return
		}
	}
}

func (o *Orchestrator) execute(p *pool, lease *queue.Lease, job models.Job) {
	log := p.log.With().Str("job_id", job.ID).Str("job_type", string(job.Type)).Logger()
	ctx := o.execCtx
	queueLabel := string(p.name)

	telemetry.InFlight.WithLabelValues(queueLabel).Inc()
	defer telemetry.InFlight.WithLabelValues(queueLabel).Dec()

	start := o.now()
	job.Status = models.StatusActive
	if err := o.queue.Save(ctx, lease, job); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn().Msg("lease lost before start")
			return
		}
		o.fail(ctx, log, lease, job, fmt.Errorf("mark active: %w", err))
		return
	}

	keeperCtx, stopKeeper := context.WithCancel(ctx)
	go o.keepLease(keeperCtx, log, lease)
	result, err := o.invoke(ctx, p.handler, job)
	stopKeeper()

	elapsed := o.now().Sub(start)
	telemetry.JobDuration.WithLabelValues(queueLabel).Observe(elapsed.Seconds())
	job.DurationMS = elapsed.Milliseconds()

	if err != nil {
		o.fail(ctx, log, lease, job, err)
		return
	}

	job.Status = models.StatusCompleted
	job.Result = result
	job.LastError = ""
	if err := o.queue.Complete(ctx, lease, job); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn().Msg("lease lost, completion discarded")
			return
		}
		o.fail(ctx, log, lease, job, fmt.Errorf("record completion: %w", err))
		return
	}
	telemetry.JobCompleted.WithLabelValues(queueLabel).Inc()
	log.Debug().Int64("duration_ms", job.DurationMS).Msg("job completed")
}

func (o *Orchestrator) invoke(ctx context.Context, h Handler, job models.Job) (result json.RawMessage, err error) {
	if o.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// fail counts the attempt and either schedules a retry or moves the job to the dead-letter list.
func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, lease *queue.Lease, job models.Job, cause error) {
	queueLabel := string(job.Queue)
	job.Attempts++
	job.LastError = cause.Error()

	if !models.IsRetryable(cause) || job.Attempts >= job.MaxAttempts {
		job.Status = models.StatusDead
		if err := o.queue.Bury(ctx, lease, job); err != nil {
			log.Error().Err(err).AnErr("cause", cause).Msg("failed to dead-letter job")
			return
		}
		telemetry.JobDeadLetter.WithLabelValues(queueLabel).Inc()
		log.Error().Err(cause).Int("attempts", job.Attempts).Bool("retryable", models.IsRetryable(cause)).Msg("job moved to dead letters")
		return
	}

	delay := backoff(o.cfg.BackoffInitial, o.cfg.BackoffMax, job.Attempts)
	job.Status = models.StatusWaiting
	job.NextRunAt = o.now().Add(delay)
	if err := o.queue.Retry(ctx, lease, job); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to schedule retry")
		return
	}
	telemetry.JobRetried.WithLabelValues(queueLabel).Inc()
	log.Warn().Err(cause).Int("attempts", job.Attempts).Dur("backoff", delay).Msg("job failed, retry scheduled")
}

func (o *Orchestrator) keepLease(ctx context.Context, log zerolog.Logger, lease *queue.Lease) {
	interval := o.queue.VisibilityTimeout() / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.queue.Extend(ctx, lease); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Warn().Msg("lease lost while running")
					return
				}
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("lease extension failed")
				}
			}
		}
	}
}

// backoff returns base*2^(attempt-1) capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	wait := float64(base) * math.Pow(2, float64(attempt-1))
	if wait > float64(max) {
		return max
	}
	return time.Duration(wait)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
