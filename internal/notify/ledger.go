package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"impersonation-detector/internal/models"
)

// ErrDeliveryInProgress is returned when another worker holds the delivery lock.
var ErrDeliveryInProgress = errors.New("delivery in progress")

// Delivery is the recorded outcome of a successful send.
type Delivery struct {
	MessageID   string         `json:"message_id"`
	Channel     models.Channel `json:"channel"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

// Ledger remembers delivered notifications so a retried job never sends twice.
type Ledger struct {
	client  *redis.Client
	locker  *redislock.Client
	prefix  string
	lockTTL time.Duration
	ttl     time.Duration
}

// NewLedger keeps delivered markers for ttl and holds send locks for lockTTL.
func NewLedger(client *redis.Client, lockTTL, ttl time.Duration) *Ledger {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Ledger{
		client:  client,
		locker:  redislock.New(client),
		prefix:  "notify",
		lockTTL: lockTTL,
		ttl:     ttl,
	}
}

func (l *Ledger) markerKey(id string) string { return fmt.Sprintf("%s:delivered:%s", l.prefix, id) }
func (l *Ledger) lockKey(id string) string   { return fmt.Sprintf("%s:lock:%s", l.prefix, id) }
func (l *Ledger) countedKey(id string) string {
	return fmt.Sprintf("%s:counted:%s", l.prefix, id)
}

// Lookup returns the recorded delivery for id, or nil when none exists.
func (l *Ledger) Lookup(ctx context.Context, id string) (*Delivery, error) {
	raw, err := l.client.Get(ctx, l.markerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup delivery %s: %w", id, err)
	}
	var d Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode delivery %s: %w", id, err)
	}
	return &d, nil
}

// Acquire takes the per-delivery send lock without waiting.
func (l *Ledger) Acquire(ctx context.Context, id string) (*redislock.Lock, error) {
	lock, err := l.locker.Obtain(ctx, l.lockKey(id), l.lockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrDeliveryInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain delivery lock %s: %w", id, err)
	}
	return lock, nil
}

// Record stores the delivered marker for id.
func (l *Ledger) Record(ctx context.Context, id string, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, l.markerKey(id), raw, l.ttl).Err(); err != nil {
		return fmt.Errorf("record delivery %s: %w", id, err)
	}
	return nil
}

// MarkCounted records that id was charged against its throttle window. It reports false when an
// earlier attempt already charged it, so retries of one delivery count once.
func (l *Ledger) MarkCounted(ctx context.Context, id string, window time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.countedKey(id), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("mark delivery %s counted: %w", id, err)
	}
	return ok, nil
}
