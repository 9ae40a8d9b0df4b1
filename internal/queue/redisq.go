package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ErrEmpty is returned by Dequeue when no job became ready before the block timeout.
var ErrEmpty = errors.New("queue empty")

// ErrLeaseLost is returned when a consumer finishes a job whose lease expired
// and was handed to another consumer.
var ErrLeaseLost = errors.New("job lease lost")

// Payload is what a consumer needs to send without reading the durable store.
type Payload struct {
	MessageID string `msgpack:"id"`
	Sender    string `msgpack:"from"`
	Recipient string `msgpack:"to"`
	Subject   string `msgpack:"subject"`
	Body      string `msgpack:"body"`
	TenantID  string `msgpack:"tenant,omitempty"`
}

// Job is one delivery of a pending job to a consumer.
type Job struct {
	Key       string // message id, the idempotency key
	ID        string // changes on every Enqueue of the same key
	Payload   Payload
	NotBefore time.Time
	Attempts  int // failed attempts so far
	// Lease fences Ack, Fail and Redelay to the consumer that claimed the job.
	Lease string
}

// Delivery records that a message left through the transport.
type Delivery struct {
	TransportID string
	SentAt      time.Time
}

type Options struct {
	Prefix       string
	PollInterval time.Duration
	PromoteBatch int64
	MaxAttempts  int
	Backoff      time.Duration
	MaxBackoff   time.Duration
	// LeaseTTL is how long a claimed job stays invisible to other consumers.
	LeaseTTL time.Duration
	// ClaimInterval is how often Dequeue polls an empty ready list.
	ClaimInterval time.Duration
	// FailedRetention bounds how long abandoned ids are kept for stats.
	FailedRetention time.Duration
	// DeliveredRetention bounds how long delivery markers are kept.
	DeliveredRetention time.Duration
}

func DefaultOptions() Options {
	return Options{
		Prefix:             "sendq:",
		PollInterval:       500 * time.Millisecond,
		PromoteBatch:       200,
		MaxAttempts:        3,
		Backoff:            time.Minute,
		MaxBackoff:         time.Hour,
		LeaseTTL:           5 * time.Minute,
		ClaimInterval:      100 * time.Millisecond,
		FailedRetention:    7 * 24 * time.Hour,
		DeliveredRetention: 7 * 24 * time.Hour,
	}
}

// RedisQueue keeps pending jobs in Redis:
//
//	{prefix}job:<key>        hash   job_id, payload, attempts, not_before, lease
//	{prefix}delayed          zset   key -> not_before (unix ms)
//	{prefix}ready            list   keys due for consumption
//	{prefix}active           zset   claimed keys -> lease expiry (unix ms)
//	{prefix}failed           zset   abandoned keys -> abandon time
//	{prefix}completed        string counter
//	{prefix}delivered:<key>  hash   transport_id, sent_at
type RedisQueue struct {
	rdb  r.Cmdable
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

func New(rdb r.Cmdable, opts Options, log *zap.Logger) *RedisQueue {
	def := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.PromoteBatch <= 0 {
		opts.PromoteBatch = def.PromoteBatch
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = def.ClaimInterval
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = def.FailedRetention
	}
	if opts.DeliveredRetention <= 0 {
		opts.DeliveredRetention = def.DeliveredRetention
	}
	return &RedisQueue{rdb: rdb, opts: opts, log: log.Named("queue"), now: time.Now}
}

// MaxAttempts is the configured attempt ceiling.
func (q *RedisQueue) MaxAttempts() int { return q.opts.MaxAttempts }

func (q *RedisQueue) jobPrefix() string              { return q.opts.Prefix + "job:" }
func (q *RedisQueue) jobKey(key string) string       { return q.jobPrefix() + key }
func (q *RedisQueue) delayedKey() string             { return q.opts.Prefix + "delayed" }
func (q *RedisQueue) readyKey() string               { return q.opts.Prefix + "ready" }
func (q *RedisQueue) activeKey() string              { return q.opts.Prefix + "active" }
func (q *RedisQueue) failedKey() string              { return q.opts.Prefix + "failed" }
func (q *RedisQueue) completedKey() string           { return q.opts.Prefix + "completed" }
func (q *RedisQueue) deliveredKey(key string) string { return q.opts.Prefix + "delivered:" + key }

// KEYS: job hash, delayed, ready, active.
// ARGV: key, job id, payload, not_before ms, now ms.
var enqueueScript = r.NewScript(`
local lease = redis.call('ZSCORE', KEYS[4], ARGV[1])
if lease and tonumber(lease) > tonumber(ARGV[5]) then
  local cur = redis.call('HGET', KEYS[1], 'job_id')
  if cur then
    return cur
  end
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'job_id', ARGV[2], 'payload', ARGV[3], 'attempts', '0', 'not_before', ARGV[4])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
else
  redis.call('LPUSH', KEYS[3], ARGV[1])
end
return ARGV[2]
`)

// Enqueue upserts the pending job for key and returns its job id. A second
// call with the same key replaces the pending job; it never produces a second
// pending copy. A job held under a live lease is left alone and its id returned.
func (q *RedisQueue) Enqueue(ctx context.Context, key string, p Payload, notBefore time.Time) (string, error) {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return "", errors.Wrap(err, "encode payload")
	}
	jobID := uuid.NewString()
	got, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(key), q.delayedKey(), q.readyKey(), q.activeKey()},
		key, jobID, data, notBefore.UnixMilli(), q.now().UnixMilli(),
	).Text()
	if err != nil {
		return "", errors.Wrapf(err, "enqueue %s", key)
	}
	if got != jobID {
		q.log.Info("job in flight, kept", zap.String("key", key), zap.String("job_id", got))
		return got, nil
	}
	q.log.Debug("job enqueued", zap.String("key", key), zap.String("job_id", jobID), zap.Time("not_before", notBefore))
	return jobID, nil
}

// KEYS: job hash, delayed, ready. ARGV: key.
var removeScript = r.NewScript(`
local n = redis.call('ZREM', KEYS[2], ARGV[1]) + redis.call('LREM', KEYS[3], 0, ARGV[1])
if n > 0 then
  redis.call('DEL', KEYS[1])
end
return n
`)

// Remove drops a pending job. It reports whether one existed; a job
// already claimed by a consumer is not touched.
func (q *RedisQueue) Remove(ctx context.Context, key string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb, []string{q.jobKey(key), q.delayedKey(), q.readyKey()}, key).Int()
	if err != nil {
		return false, errors.Wrapf(err, "remove %s", key)
	}
	return n > 0, nil
}

// KEYS: delayed, ready. ARGV: now ms, batch.
var promoteScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

// Promote moves up to batch due jobs from the delayed set to the ready list.
func (q *RedisQueue) Promote(ctx context.Context, now time.Time, batch int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(), q.readyKey()}, now.UnixMilli(), batch).Int()
	if err != nil {
		return 0, errors.Wrap(err, "move due")
	}
	return n, nil
}

// Run promotes due jobs and requeues expired leases every PollInterval until
// ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context) error {
	tick := time.NewTicker(q.opts.PollInterval)
	defer tick.Stop()
	q.log.Info("promoter started", zap.Duration("poll_interval", q.opts.PollInterval),
		zap.Duration("lease_ttl", q.opts.LeaseTTL))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			for {
				n, err := q.Promote(ctx, q.now(), q.opts.PromoteBatch)
				if err != nil {
					if ctx.Err() == nil {
						q.log.Warn("promote failed", zap.Error(err))
					}
					break
				}
				if int64(n) < q.opts.PromoteBatch {
					break
				}
			}
			if _, err := q.RequeueActive(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("requeue expired leases failed", zap.Error(err))
			}
		}
	}
}

// KEYS: ready, active. ARGV: lease expiry ms, lease token, job key prefix.
var claimScript = r.NewScript(`
while true do
  local key = redis.call('RPOP', KEYS[1])
  if not key then
    return false
  end
  local job = ARGV[3] .. key
  if redis.call('EXISTS', job) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[1], key)
    redis.call('HSET', job, 'lease', ARGV[2])
    return key
  end
end
`)

func (q *RedisQueue) claim(ctx context.Context) (*Job, error) {
	lease := uuid.NewString()
	expires := q.now().Add(q.opts.LeaseTTL).UnixMilli()
	key, err := claimScript.Run(ctx, q.rdb, []string{q.readyKey(), q.activeKey()}, expires, lease, q.jobPrefix()).Text()
	if errors.Is(err, r.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue")
	}
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(key)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", key)
	}
	if len(fields) == 0 || fields["lease"] != lease {
		// removed or replaced between the claim and the load
		q.rdb.ZRem(ctx, q.activeKey(), key)
		return nil, ErrEmpty
	}
	job := &Job{Key: key, ID: fields["job_id"], Lease: lease}
	if err := msgpack.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		q.rdb.ZRem(ctx, q.activeKey(), key)
		q.rdb.Del(ctx, q.jobKey(key))
		return nil, errors.Wrapf(err, "decode job %s", key)
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, err := strconv.ParseInt(fields["not_before"], 10, 64); err == nil {
		job.NotBefore = time.UnixMilli(ms)
	}
	return job, nil
}

// Dequeue waits up to block for a ready job and leases it for LeaseTTL.
func (q *RedisQueue) Dequeue(ctx context.Context, block time.Duration) (*Job, error) {
	timeout := time.NewTimer(block)
	defer timeout.Stop()
	tick := time.NewTicker(q.opts.ClaimInterval)
	defer tick.Stop()
	for {
		job, err := q.claim(ctx)
		if !errors.Is(err, ErrEmpty) {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, ErrEmpty
		case <-tick.C:
		}
	}
}

// KEYS: job hash, active, completed. ARGV: key, lease.
var ackScript = r.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('INCR', KEYS[3])
return 1
`)

// Ack finishes a job successfully. It returns ErrLeaseLost, and changes
// nothing, when the job is no longer held under job.Lease.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	n, err := ackScript.Run(ctx, q.rdb, []string{q.jobKey(job.Key), q.activeKey(), q.completedKey()},
		job.Key, job.Lease).Int()
	if err != nil {
		return errors.Wrapf(err, "ack %s", job.Key)
	}
	if n == 0 {
		return errors.Wrapf(ErrLeaseLost, "ack %s", job.Key)
	}
	return nil
}

// Backoff is the delay before retry number attempt (1-based): base doubled
// per attempt, capped at MaxBackoff.
func (q *RedisQueue) Backoff(attempt int) time.Duration {
	d := q.opts.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return d
}

// KEYS: job hash, active, delayed. ARGV: key, lease, not_before ms, attempts or ''.
var rescheduleScript = r.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease')
redis.call('HSET', KEYS[1], 'not_before', ARGV[3])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'attempts', ARGV[4])
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job hash, active, failed. ARGV: key, lease, now ms, retention cutoff ms.
var abandonScript = r.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[4])
return 1
`)

func (q *RedisQueue) reschedule(ctx context.Context, job *Job, notBefore time.Time, attempts string) error {
	n, err := rescheduleScript.Run(ctx, q.rdb, []string{q.jobKey(job.Key), q.activeKey(), q.delayedKey()},
		job.Key, job.Lease, notBefore.UnixMilli(), attempts).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt. Below the attempt ceiling the job is
// rescheduled with backoff and retrying is true; otherwise it is abandoned.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (retrying bool, err error) {
	attempts := job.Attempts + 1
	now := q.now()
	if attempts < q.opts.MaxAttempts {
		next := now.Add(q.Backoff(attempts))
		if err := q.reschedule(ctx, job, next, strconv.Itoa(attempts)); err != nil {
			return false, errors.Wrapf(err, "retry %s", job.Key)
		}
		q.log.Info("job retry scheduled", zap.String("key", job.Key), zap.Int("attempt", attempts),
			zap.Time("next", next), zap.NamedError("cause", cause))
		return true, nil
	}
	n, err := abandonScript.Run(ctx, q.rdb, []string{q.jobKey(job.Key), q.activeKey(), q.failedKey()},
		job.Key, job.Lease, now.UnixMilli(), now.Add(-q.opts.FailedRetention).UnixMilli()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "abandon %s", job.Key)
	}
	if n == 0 {
		return false, errors.Wrapf(ErrLeaseLost, "abandon %s", job.Key)
	}
	q.log.Warn("job abandoned", zap.String("key", job.Key), zap.Int("attempts", attempts), zap.NamedError("cause", cause))
	return false, nil
}

// Redelay pushes the same attempt to notBefore without counting a failure.
func (q *RedisQueue) Redelay(ctx context.Context, job *Job, notBefore time.Time) error {
	return errors.Wrapf(q.reschedule(ctx, job, notBefore, ""), "redelay %s", job.Key)
}

// KEYS: active, ready. ARGV: now ms, job key prefix.
var requeueExpiredScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', ARGV[2] .. id, 'lease')
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// RequeueActive returns jobs whose lease expired, because their consumer
// stopped or stalled, to the front of the ready list. Live leases are kept.
func (q *RedisQueue) RequeueActive(ctx context.Context) (int, error) {
	n, err := requeueExpiredScript.Run(ctx, q.rdb, []string{q.activeKey(), q.readyKey()},
		q.now().UnixMilli(), q.jobPrefix()).Int()
	if err != nil {
		return 0, errors.Wrap(err, "requeue active")
	}
	if n > 0 {
		q.log.Info("requeued expired leases", zap.Int("count", n))
	}
	return n, nil
}

// MarkDelivered records that key left through the transport so a later
// delivery of the same key is not sent again.
func (q *RedisQueue) MarkDelivered(ctx context.Context, key string, d Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(p r.Pipeliner) error {
		p.HSet(ctx, q.deliveredKey(key), "transport_id", d.TransportID, "sent_at", d.SentAt.UnixMilli())
		p.Expire(ctx, q.deliveredKey(key), q.opts.DeliveredRetention)
		return nil
	})
	return errors.Wrapf(err, "mark delivered %s", key)
}

// Delivered returns the delivery recorded for key, or nil if there is none.
func (q *RedisQueue) Delivered(ctx context.Context, key string) (*Delivery, error) {
	fields, err := q.rdb.HGetAll(ctx, q.deliveredKey(key)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read delivery %s", key)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	ms, _ := strconv.ParseInt(fields["sent_at"], 10, 64)
	return &Delivery{TransportID: fields["transport_id"], SentAt: time.UnixMilli(ms).UTC()}, nil
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
	Total     int64 `json:"total"`
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var (
		waiting, active *r.IntCmd
		delayed, failed *r.IntCmd
		completed       *r.StringCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(p r.Pipeliner) error {
		waiting = p.LLen(ctx, q.readyKey())
		active = p.ZCard(ctx, q.activeKey())
		delayed = p.ZCard(ctx, q.delayedKey())
		failed = p.ZCard(ctx, q.failedKey())
		completed = p.Get(ctx, q.completedKey())
		return nil
	})
	if err != nil && !errors.Is(err, r.Nil) {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	st := Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}
	st.Completed, _ = completed.Int64()
	st.Total = st.Waiting + st.Active + st.Delayed
	return st, nil
}
