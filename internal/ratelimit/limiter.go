package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/sendq/internal/domain"
)

const (
	window     = time.Hour
	counterTTL = 3700 * time.Second
)

// CounterStore is the durable side of the hourly counters.
type CounterStore interface {
	UpsertCounter(ctx context.Context, scope string, windowStart time.Time, count int64) error
	CountersSince(ctx context.Context, since time.Time) ([]domain.RateLimitCounter, error)
}

type Outcome int

const (
	Allowed Outcome = iota
	Blocked
	// StoreError means the counter store failed and the check was let through.
	StoreError
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case StoreError:
		return "store_error"
	}
	return "unknown"
}

// Decision is the result of one check-and-increment.
type Decision struct {
	Outcome Outcome
	Count   int64
	ResetAt time.Time
	Err     error
}

// Permits reports whether the caller may proceed.
func (d Decision) Permits() bool { return d.Outcome != Blocked }

// Tier names a rate-limit scope family.
type Tier string

const (
	TierGlobal Tier = "global"
	TierSender Tier = "sender"
	TierTenant Tier = "tenant"
)

// Tiers are hourly ceilings. A ceiling of zero disables the tier.
type Tiers struct {
	Global int64
	Sender int64
	Tenant int64
}

type TierDecision struct {
	Allowed bool
	// RetryAt is the latest reset among the evaluated tiers.
	RetryAt   time.Time
	Blocked   []Tier
	Decisions map[Tier]Decision
}

// HourlyLimiter counts sends per scope in fixed UTC-hour windows.
type HourlyLimiter struct {
	rdb   redis.Cmdable
	store CounterStore
	tiers Tiers
	log   *zap.Logger

	now          func() time.Time
	writeTimeout time.Duration
	wg           sync.WaitGroup
}

func NewHourlyLimiter(rdb redis.Cmdable, store CounterStore, tiers Tiers, log *zap.Logger) *HourlyLimiter {
	return &HourlyLimiter{
		rdb:          rdb,
		store:        store,
		tiers:        tiers,
		log:          log.Named("ratelimit"),
		now:          time.Now,
		writeTimeout: 5 * time.Second,
	}
}

func counterKey(scope string, windowStart time.Time) string {
	return "ratelimit:" + scope + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

func (l *HourlyLimiter) currentWindow() (time.Time, time.Time) {
	now := l.now().UTC()
	return now, now.Truncate(window)
}

// CheckAndIncrement counts one send against scope and reports whether it
// fits under limit. Every call increments, so call it only when about to send.
func (l *HourlyLimiter) CheckAndIncrement(ctx context.Context, scope string, limit int64) Decision {
	now, start := l.currentWindow()
	key := counterKey(scope, start)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		l.log.Warn("counter store unavailable, allowing send", zap.String("scope", scope), zap.Error(err))
		return Decision{Outcome: StoreError, ResetAt: now.Add(window), Err: err}
	}

	count := incr.Val()
	l.persist(scope, start, count)

	d := Decision{Outcome: Allowed, Count: count, ResetAt: start.Add(window)}
	if count > limit {
		d.Outcome = Blocked
	}
	return d
}

func (l *HourlyLimiter) persist(scope string, start time.Time, count int64) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		defer cancel()
		if err := l.store.UpsertCounter(ctx, scope, start, count); err != nil {
			l.log.Warn("persist rate limit counter", zap.String("scope", scope), zap.Int64("count", count), zap.Error(err))
		}
	}()
}

// CurrentCount reads the current window's count without incrementing.
func (l *HourlyLimiter) CurrentCount(ctx context.Context, scope string) (int64, error) {
	_, start := l.currentWindow()
	n, err := l.rdb.Get(ctx, counterKey(scope, start)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read counter %s", scope)
	}
	return n, nil
}

// KEYS: counter. ARGV: count, ttl seconds.
var seedScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
  return 1
end
return 0
`)

// Restore seeds the fast store from durable counters of the current window.
// A counter already higher in Redis is left alone.
func (l *HourlyLimiter) Restore(ctx context.Context) (int, error) {
	_, start := l.currentWindow()
	counters, err := l.store.CountersSince(ctx, start)
	if err != nil {
		return 0, errors.Wrap(err, "load rate limit counters")
	}
	restored := 0
	for _, c := range counters {
		key := counterKey(c.ScopeKey, c.WindowStart.UTC())
		n, err := seedScript.Run(ctx, l.rdb, []string{key}, c.Count, int64(counterTTL/time.Second)).Int()
		if err != nil {
			return restored, errors.Wrapf(err, "seed counter %s", c.ScopeKey)
		}
		restored += n
	}
	l.log.Info("rate limit counters restored", zap.Int("loaded", len(counters)), zap.Int("seeded", restored))
	return restored, nil
}

// CheckTiers evaluates the global, sender and (when set) tenant tiers.
func (l *HourlyLimiter) CheckTiers(ctx context.Context, sender, tenant string) TierDecision {
	out := TierDecision{Allowed: true, Decisions: make(map[Tier]Decision, 3)}
	eval := func(t Tier, scope string, limit int64) {
		if limit <= 0 {
			return
		}
		d := l.CheckAndIncrement(ctx, scope, limit)
		out.Decisions[t] = d
		if d.ResetAt.After(out.RetryAt) {
			out.RetryAt = d.ResetAt
		}
		if !d.Permits() {
			out.Allowed = false
			out.Blocked = append(out.Blocked, t)
		}
	}
	eval(TierGlobal, string(TierGlobal), l.tiers.Global)
	eval(TierSender, "sender:"+sender, l.tiers.Sender)
	if tenant != "" {
		eval(TierTenant, "tenant:"+tenant, l.tiers.Tenant)
	}
	return out
}

// Wait blocks until pending durable writes finish.
func (l *HourlyLimiter) Wait() { l.wg.Wait() }
