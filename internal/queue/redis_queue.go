package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"impersonation-detector/internal/models"
)

// Priority lanes drained in order by the claim script.
const (
	LaneHigh    = "high"
	LaneDefault = "default"
	LaneLow     = "low"
)

var lanes = []string{LaneHigh, LaneDefault, LaneLow}

// ErrLeaseLost is returned when a worker no longer holds the claim on a job.
var ErrLeaseLost = errors.New("job lease lost")

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// RedisQueue coordinates ready, in-flight, scheduled, completed and dead jobs for every named queue.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	visibilityTTL time.Duration
	retention     int
	now           func() time.Time
}

// Options configures a RedisQueue.
type Options struct {
	Prefix             string
	VisibilityTimeout  time.Duration
	CompletedRetention int
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "q"
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.CompletedRetention < 0 {
		opts.CompletedRetention = 0
	}
	return &RedisQueue{
		client:        client,
		prefix:        opts.Prefix,
		visibilityTTL: opts.VisibilityTimeout,
		retention:     opts.CompletedRetention,
		now:           time.Now,
	}
}

// NewClient builds a Redis client with the pool settings used by both services.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// VisibilityTimeout is the lease duration granted by Claim.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

func (q *RedisQueue) key(name models.QueueName, parts ...string) string {
	k := q.prefix + ":" + string(name)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobKey(name models.QueueName, id string) string   { return q.key(name, "job", id) }
func (q *RedisQueue) leaseKey(name models.QueueName, id string) string { return q.key(name, "lease", id) }
func (q *RedisQueue) readyKey(name models.QueueName, lane string) string {
	return q.key(name, "ready", lane)
}

// LaneFor maps an integer priority onto a lane.
func LaneFor(priority int) string {
	switch {
	case priority > 0:
		return LaneHigh
	case priority < 0:
		return LaneLow
	default:
		return LaneDefault
	}
}

// Lease is a worker's exclusive claim on a job.
type Lease struct {
	Queue models.QueueName
	JobID string
	Token string
}

// Add stores the job record and makes it visible at job.NextRunAt.
// It returns false without changing anything if a job with the same id already exists.
func (q *RedisQueue) Add(ctx context.Context, job models.Job) (bool, error) {
	seq, err := q.client.Incr(ctx, q.key(job.Queue, "seq")).Result()
	if err != nil {
		return false, fmt.Errorf("next sequence: %w", err)
	}
	job.Seq = seq
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	keys := []string{
		q.jobKey(job.Queue, job.ID),
		q.readyKey(job.Queue, LaneFor(job.Priority)),
		q.key(job.Queue, "scheduled"),
		q.key(job.Queue, "lanes"),
	}
	added, err := enqueueScript.Run(ctx, q.client, keys,
		data, job.ID, LaneFor(job.Priority), job.NextRunAt.UnixMilli(), q.now().UnixMilli(),
		q.key(job.Queue, "ready")+":", promoteBatch).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return added == 1, nil
}

// PromoteScheduled moves due scheduled jobs into their ready lanes, oldest first.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, name models.QueueName, limit int64) (int, error) {
	keys := []string{q.key(name, "scheduled"), q.key(name, "lanes")}
	n, err := promoteScript.Run(ctx, q.client, keys, q.now().UnixMilli(), limit, q.key(name, "ready")+":").Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// Claim atomically pops the next ready job and leases it to the caller.
// It returns a nil lease when nothing is ready.
func (q *RedisQueue) Claim(ctx context.Context, name models.QueueName) (*Lease, *models.Job, error) {
	keys := make([]string, 0, len(lanes)+3)
	for _, l := range lanes {
		keys = append(keys, q.readyKey(name, l))
	}
	keys = append(keys, q.key(name, "scheduled"), q.key(name, "lanes"), q.key(name, "inflight"))

	token := uuid.NewString()
	now := q.now()
	deadline := now.Add(q.visibilityTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, keys, deadline, token, q.key(name, "lease")+":",
		q.leaseTTL().Milliseconds(), q.key(name, "ready")+":", now.UnixMilli(), promoteBatch).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("claim: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	lease := &Lease{Queue: name, JobID: id, Token: token}

	job, err := q.Get(ctx, name, id)
	if errors.Is(err, ErrJobNotFound) {
		// Record was trimmed or removed; drop the orphan id.
		_ = q.release(ctx, lease)
		return nil, nil, nil
	}
	if err != nil {
		return lease, nil, err
	}
	return lease, &job, nil
}

func (q *RedisQueue) leaseTTL() time.Duration {
	return 10 * q.visibilityTTL
}

// Extend pushes the lease deadline forward if the caller still holds it.
func (q *RedisQueue) Extend(ctx context.Context, lease *Lease) error {
	keys := []string{q.key(lease.Queue, "inflight"), q.leaseKey(lease.Queue, lease.JobID)}
	ok, err := extendScript.Run(ctx, q.client, keys,
		lease.Token, q.now().Add(q.visibilityTTL).UnixMilli(), lease.JobID, q.leaseTTL().Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", lease.JobID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Save rewrites the job record while the lease is held.
func (q *RedisQueue) Save(ctx context.Context, lease *Lease, job models.Job) error {
	return q.finish(ctx, saveScript, lease, job)
}

// Complete records success and applies completed retention.
func (q *RedisQueue) Complete(ctx context.Context, lease *Lease, job models.Job) error {
	return q.finish(ctx, completeScript, lease, job, q.key(lease.Queue, "completed"), q.key(lease.Queue, "completed_total"), q.retention, q.key(lease.Queue, "job")+":", q.key(lease.Queue, "lanes"))
}

// Retry schedules the job at job.NextRunAt.
func (q *RedisQueue) Retry(ctx context.Context, lease *Lease, job models.Job) error {
	return q.finish(ctx, retryScript, lease, job, q.key(lease.Queue, "scheduled"), job.NextRunAt.UnixMilli())
}

// Bury moves the job to the dead-letter list. Dead letters are never trimmed.
func (q *RedisQueue) Bury(ctx context.Context, lease *Lease, job models.Job) error {
	return q.finish(ctx, buryScript, lease, job, q.key(lease.Queue, "dead"))
}

func (q *RedisQueue) finish(ctx context.Context, script *redis.Script, lease *Lease, job models.Job, extra ...any) error {
	job.UpdatedAt = q.now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	keys := []string{
		q.key(lease.Queue, "inflight"),
		q.leaseKey(lease.Queue, lease.JobID),
		q.jobKey(lease.Queue, lease.JobID),
	}
	args := append([]any{lease.Token, lease.JobID, data}, extra...)
	ok, err := script.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("update job %s: %w", lease.JobID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) release(ctx context.Context, lease *Lease) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.key(lease.Queue, "inflight"), lease.JobID)
	pipe.Del(ctx, q.leaseKey(lease.Queue, lease.JobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns jobs whose lease deadline passed to the head of their lane.
func (q *RedisQueue) RequeueExpired(ctx context.Context, name models.QueueName, limit int64) ([]string, error) {
	keys := []string{q.key(name, "inflight"), q.key(name, "lanes")}
	ids, err := reapScript.Run(ctx, q.client, keys,
		q.now().UnixMilli(), limit, q.key(name, "ready")+":", q.key(name, "lease")+":").StringSlice()
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// Get fetches a job record.
func (q *RedisQueue) Get(ctx context.Context, name models.QueueName, id string) (models.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(name, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return job, nil
}

// Stats reads queue depths in one pipeline.
func (q *RedisQueue) Stats(ctx context.Context, name models.QueueName) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, 0, len(lanes))
	for _, l := range lanes {
		ready = append(ready, pipe.LLen(ctx, q.readyKey(name, l)))
	}
	active := pipe.ZCard(ctx, q.key(name, "inflight"))
	delayed := pipe.ZCard(ctx, q.key(name, "scheduled"))
	dead := pipe.LLen(ctx, q.key(name, "dead"))
	completed := pipe.Get(ctx, q.key(name, "completed_total"))
	paused := pipe.Exists(ctx, q.key(name, "paused"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.QueueStats{}, fmt.Errorf("queue stats %s: %w", name, err)
	}

	stats := models.QueueStats{
		Queue:   name,
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  dead.Val(),
		Paused:  paused.Val() == 1,
	}
	for _, c := range ready {
		stats.Waiting += c.Val()
	}
	if v, err := completed.Result(); err == nil {
		stats.Completed, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}

// DeadLetters lists dead jobs, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, name models.QueueName, limit int64) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, q.key(name, "dead"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, name, id)
		if errors.Is(err, ErrJobNotFound) {
			jobs = append(jobs, models.Job{ID: id, Queue: name, Status: models.StatusDead})
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Revive moves a dead job back to waiting with a fresh attempt budget.
func (q *RedisQueue) Revive(ctx context.Context, name models.QueueName, id string) error {
	job, err := q.Get(ctx, name, id)
	if err != nil {
		return err
	}
	if job.Status != models.StatusDead {
		return &models.ValidationError{Field: "job", Reason: fmt.Sprintf("job %s is %s, not dead", id, job.Status)}
	}
	job.Status = models.StatusWaiting
	job.Attempts = 0
	job.LastError = ""
	job.NextRunAt = q.now()
	job.UpdatedAt = q.now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	keys := []string{q.key(name, "dead"), q.jobKey(name, id), q.readyKey(name, LaneFor(job.Priority))}
	removed, err := reviveScript.Run(ctx, q.client, keys, id, data).Int()
	if err != nil {
		return fmt.Errorf("revive %s: %w", id, err)
	}
	if removed == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Pause stops claims on a queue for every process sharing this Redis.
func (q *RedisQueue) Pause(ctx context.Context, name models.QueueName) error {
	return q.client.Set(ctx, q.key(name, "paused"), "1", 0).Err()
}

// Resume re-enables claims.
func (q *RedisQueue) Resume(ctx context.Context, name models.QueueName) error {
	return q.client.Del(ctx, q.key(name, "paused")).Err()
}

// Paused reports whether claims are stopped.
func (q *RedisQueue) Paused(ctx context.Context, name models.QueueName) (bool, error) {
	n, err := q.client.Exists(ctx, q.key(name, "paused")).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ping checks connectivity for readiness probes.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// promoteDue moves up to limit scheduled jobs due by now onto the tail of their lanes, in
// nextRunAt order. Enqueue and claim run it before touching a lane, so a job that came due
// earlier stays ahead of one made ready later.
const promoteDue = `
local function promote_due(scheduled, lanes, prefix, now, limit)
  local ids = redis.call('ZRANGEBYSCORE', scheduled, '-inf', now, 'LIMIT', 0, limit)
  for _, id in ipairs(ids) do
    local lane = redis.call('HGET', lanes, id) or 'default'
    redis.call('ZREM', scheduled, id)
    redis.call('RPUSH', prefix .. lane, id)
  end
  return #ids
end
`

// promoteBatch bounds the promotion done inline by enqueue and claim.
const promoteBatch = 100

// KEYS: job, ready lane, scheduled, lanes. ARGV: data, id, lane, runAt, now, ready prefix, batch.
var enqueueScript = redis.NewScript(promoteDue + `
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  return 0
end
redis.call('HSET', KEYS[4], ARGV[2], ARGV[3])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
else
  promote_due(KEYS[3], KEYS[4], ARGV[6], ARGV[5], ARGV[7])
  redis.call('RPUSH', KEYS[2], ARGV[2])
end
return 1
`)

// KEYS: scheduled, lanes. ARGV: now, limit, ready prefix.
var promoteScript = redis.NewScript(promoteDue + `
return promote_due(KEYS[1], KEYS[2], ARGV[3], ARGV[1], ARGV[2])
`)

// KEYS: ready lanes in priority order, scheduled, lanes, inflight.
// ARGV: lease deadline, token, lease prefix, lease ttl, ready prefix, now, batch.
var claimScript = redis.NewScript(promoteDue + `
local inflight = KEYS[#KEYS]
local nlanes = #KEYS - 3
promote_due(KEYS[nlanes + 1], KEYS[nlanes + 2], ARGV[5], ARGV[6], ARGV[7])
for i=1,nlanes do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    redis.call('SET', ARGV[3] .. id, ARGV[2], 'PX', ARGV[4])
    return id
  end
end
return nil
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  local lane = redis.call('HGET', KEYS[2], id) or 'default'
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[4] .. id)
  redis.call('LPUSH', ARGV[3] .. lane, id)
end
return ids
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) ~= ARGV[1] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// Every finishing script shares KEYS: inflight, lease, job and ARGV: token, id, data.
const leaseGuard = `
if redis.call('GET', KEYS[2]) ~= ARGV[1] then
  return 0
end
`

var saveScript = redis.NewScript(leaseGuard + `
redis.call('SET', KEYS[3], ARGV[3])
return 1
`)

// ARGV[4] completed list, ARGV[5] completed counter, ARGV[6] retention, ARGV[7] job prefix, ARGV[8] lanes hash.
var completeScript = redis.NewScript(leaseGuard + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('INCR', ARGV[5])
redis.call('LPUSH', ARGV[4], ARGV[2])
local keep = tonumber(ARGV[6])
while redis.call('LLEN', ARGV[4]) > keep do
  local old = redis.call('RPOP', ARGV[4])
  redis.call('DEL', ARGV[7] .. old)
  redis.call('HDEL', ARGV[8], old)
end
return 1
`)

// ARGV[4] scheduled set, ARGV[5] next run (ms).
var retryScript = redis.NewScript(leaseGuard + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', ARGV[4], ARGV[5], ARGV[2])
return 1
`)

// ARGV[4] dead list.
var buryScript = redis.NewScript(leaseGuard + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('RPUSH', ARGV[4], ARGV[2])
return 1
`)

// KEYS: dead list, job, ready lane. ARGV: id, data.
var reviveScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
