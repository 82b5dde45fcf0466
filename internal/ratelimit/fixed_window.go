package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of one CheckLimit call.
type Result struct {
	Allowed   bool
	Count     int64
	Remaining int
	ResetTime time.Time
}

// FixedWindow counts hits per identifier in non-overlapping windows stored in Redis.
// A burst of up to 2x limit is possible across a window boundary.
type FixedWindow struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// NewFixedWindow constructs a limiter. Keys are namespaced under prefix.
func NewFixedWindow(client redis.Scripter, prefix string) *FixedWindow {
	if prefix == "" {
		prefix = "rl"
	}
	return &FixedWindow{client: client, prefix: prefix, now: time.Now}
}

// WithClock overrides the time source.
func (f *FixedWindow) WithClock(now func() time.Time) *FixedWindow {
	f.now = now
	return f
}

// CheckLimit records a hit for identifier and reports whether it is within limit.
func (f *FixedWindow) CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	if window <= 0 {
		return Result{}, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	windowMS := window.Milliseconds()
	if windowMS == 0 {
		windowMS = 1
	}
	nowMS := f.now().UnixMilli()
	index := nowMS / windowMS
	key := fmt.Sprintf("%s:%s:%d", f.prefix, identifier, index)

	count, err := windowScript.Run(ctx, f.client, []string{key}, windowMS).Int64()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %q: %w", identifier, err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Count:     count,
		Remaining: remaining,
		ResetTime: time.UnixMilli((index + 1) * windowMS),
	}, nil
}

// INCR and PEXPIRE run in one round trip so concurrent first hits cannot leave a counter without a TTL.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)
