package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupQueue(t *testing.T, opts Options) (*RedisQueue, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, opts, zap.NewNop())
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, mr, &now
}

func payload(id string) Payload {
	return Payload{MessageID: id, Sender: "a@x.io", Recipient: "b@y.io", Subject: "hi", Body: "hello"}
}

func TestEnqueue_DueGoesToReady(t *testing.T) {
	q, mr, now := setupQueue(t, Options{})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "m1", payload("m1"), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	ready, _ := mr.List("sendq:ready")
	assert.Equal(t, []string{"m1"}, ready)
	assert.False(t, mr.Exists("sendq:delayed"))

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", job.Key)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, payload("m1"), job.Payload)
	assert.Equal(t, 0, job.Attempts)

	assert.NotEmpty(t, job.Lease)
	lease, err := mr.ZScore("sendq:active", "m1")
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(5*time.Minute).UnixMilli()), lease)
}

func TestEnqueue_FutureWaitsForPromote(t *testing.T) {
	q, mr, now := setupQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "m1", payload("m1"), now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, mr.Exists("sendq:ready"))

	n, err := q.Promote(ctx, now.Add(5*time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.Promote(ctx, now.Add(10*time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, _ := mr.List("sendq:ready")
	assert.Equal(t, []string{"m1"}, ready)
}

func TestEnqueue_SameKeyReplacesPendingJob(t *testing.T) {
	q, mr, now := setupQueue(t, Options{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "m1", payload("m1"), now.Add(time.Minute))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "m1", payload("m1"), now.Add(-time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	members, _ := mr.ZMembers("sendq:delayed")
	assert.Empty(t, members)
	ready, _ := mr.List("sendq:ready")
	assert.Equal(t, []string{"m1"}, ready)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, job.ID)
	require.NoError(t, q.Ack(ctx, job))

	_, err = q.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRemove(t *testing.T) {
	q, mr, now := setupQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "m1", payload("m1"), now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := q.Remove(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("sendq:job:m1"))

	removed, err = q.Remove(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestFail_RetriesWithBackoffThenAbandons(t *testing.T) {
	q, mr, now := setupQueue(t, Options{MaxAttempts: 3, Backoff: time.Minute, MaxBackoff: time.Hour})
	ctx := context.Background()
	cause := errors.New("smtp 421")

	_, err := q.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	retrying, err := q.Fail(ctx, job, cause)
	require.NoError(t, err)
	assert.True(t, retrying)

	score, err := mr.ZScore("sendq:delayed", "m1")
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixMilli()), score)

	_, err = q.Promote(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)

	retrying, err = q.Fail(ctx, job, cause)
	require.NoError(t, err)
	assert.True(t, retrying)
	score, _ = mr.ZScore("sendq:delayed", "m1")
	assert.Equal(t, float64(now.Add(2*time.Minute).UnixMilli()), score)

	_, err = q.Promote(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	retrying, err = q.Fail(ctx, job, cause)
	require.NoError(t, err)
	assert.False(t, retrying)

	assert.False(t, mr.Exists("sendq:job:m1"))
	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(0), st.Total)
}

func TestBackoffCapped(t *testing.T) {
	q, _, _ := setupQueue(t, Options{Backoff: time.Minute, MaxBackoff: 5 * time.Minute})
	assert.Equal(t, time.Minute, q.Backoff(1))
	assert.Equal(t, 2*time.Minute, q.Backoff(2))
	assert.Equal(t, 4*time.Minute, q.Backoff(3))
	assert.Equal(t, 5*time.Minute, q.Backoff(4))
	assert.Equal(t, 5*time.Minute, q.Backoff(20))
}

func TestRedelayKeepsAttempts(t *testing.T) {
	q, mr, now := setupQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	at := now.Add(30 * time.Minute)
	require.NoError(t, q.Redelay(ctx, job, at))

	score, err := mr.ZScore("sendq:delayed", "m1")
	require.NoError(t, err)
	assert.Equal(t, float64(at.UnixMilli()), score)
	assert.Equal(t, "0", mr.HGet("sendq:job:m1", "attempts"))
	assert.False(t, mr.Exists("sendq:active"))
}

func TestRequeueActive_OnlyExpiredLeases(t *testing.T) {
	q, mr, now := setupQueue(t, Options{LeaseTTL: time.Minute})
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		_, err := q.Enqueue(ctx, id, payload(id), *now)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		*now = now.Add(30 * time.Second)
	}

	// m1 was leased at 12:00:00, m2 at 12:00:30; it is now 12:01:00
	n, err := q.RequeueActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, _ := mr.List("sendq:ready")
	assert.Equal(t, []string{"m1"}, ready)
	active, _ := mr.ZMembers("sendq:active")
	assert.Equal(t, []string{"m2"}, active)
	assert.Equal(t, "", mr.HGet("sendq:job:m1", "lease"))
}

func secondQueue(t *testing.T, mr *miniredis.Miniredis, first *RedisQueue) *RedisQueue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, first.opts, zap.NewNop())
	q.now = first.now
	return q
}

func TestLiveLeaseSurvivesAnotherDispatcherStarting(t *testing.T) {
	a, mr, now := setupQueue(t, Options{LeaseTTL: time.Minute})
	b := secondQueue(t, mr, a)
	ctx := context.Background()

	first, err := a.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)
	held, err := a.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// b runs its startup recovery while a is still sending m1
	n, err := b.RequeueActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	jobID, err := b.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)
	assert.Equal(t, first, jobID)

	_, err = b.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, a.Ack(ctx, held))
	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1}, st)
}

func TestExpiredLeaseIsRedeliveredAndFencesLateAck(t *testing.T) {
	a, mr, now := setupQueue(t, Options{LeaseTTL: time.Minute})
	b := secondQueue(t, mr, a)
	ctx := context.Background()

	_, err := a.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)
	stalled, err := a.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	n, err := b.RequeueActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	taken, err := b.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, stalled.ID, taken.ID)
	assert.NotEqual(t, stalled.Lease, taken.Lease)

	assert.ErrorIs(t, a.Ack(ctx, stalled), ErrLeaseLost)
	assert.ErrorIs(t, a.Redelay(ctx, stalled, *now), ErrLeaseLost)
	assert.True(t, mr.Exists("sendq:job:m1"))

	require.NoError(t, b.Ack(ctx, taken))
	assert.False(t, mr.Exists("sendq:job:m1"))
}

func TestEnqueueReplacesExpiredLease(t *testing.T) {
	q, mr, now := setupQueue(t, Options{LeaseTTL: time.Minute})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)
	stalled, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	second, err := q.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.False(t, mr.Exists("sendq:active"))

	assert.ErrorIs(t, q.Ack(ctx, stalled), ErrLeaseLost)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, job.ID)
}

func TestDeliveryMarker(t *testing.T) {
	q, mr, now := setupQueue(t, Options{})
	ctx := context.Background()

	d, err := q.Delivered(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, q.MarkDelivered(ctx, "m1", Delivery{TransportID: "<t1@smtp>", SentAt: *now}))
	d, err = q.Delivered(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "<t1@smtp>", d.TransportID)
	assert.True(t, now.Equal(d.SentAt))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("sendq:delivered:m1"))
}

func TestStats(t *testing.T) {
	q, _, now := setupQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "m1", payload("m1"), *now)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "m2", payload("m2"), now.Add(time.Hour))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "m3", payload("m3"), *now)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1, Active: 0, Delayed: 1, Completed: 1, Total: 2}, st)
}

func TestRunPromotesUntilCancelled(t *testing.T) {
	q, _, now := setupQueue(t, Options{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Enqueue(ctx, "m1", payload("m1"), now.Add(-time.Second))
	require.NoError(t, err)
	_, err = q.rdb.ZAdd(ctx, "sendq:delayed", redis.Z{Score: float64(now.UnixMilli()), Member: "m2"}).Result()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	assert.Eventually(t, func() bool {
		n, _ := q.rdb.LLen(context.Background(), "sendq:ready").Result()
		return n == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
