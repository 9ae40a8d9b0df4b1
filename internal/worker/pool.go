package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SirClappington/sendq/internal/domain"
	"github.com/SirClappington/sendq/internal/queue"
	"github.com/SirClappington/sendq/internal/ratelimit"
	"github.com/SirClappington/sendq/internal/transport"
)

var (
	// ErrTransientDispatch marks a failed send that will be retried.
	ErrTransientDispatch = errors.New("transient dispatch failure")
	// ErrPermanentDispatch marks a failed send on the last allowed attempt.
	ErrPermanentDispatch = errors.New("permanent dispatch failure")
)

type MessageStore interface {
	MarkQueued(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, sentAt time.Time, transportID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	RecordAttemptError(ctx context.Context, id, reason string) error
}

type JobQueue interface {
	Dequeue(ctx context.Context, block time.Duration) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) (bool, error)
	Redelay(ctx context.Context, job *queue.Job, notBefore time.Time) error
	MarkDelivered(ctx context.Context, key string, d queue.Delivery) error
	Delivered(ctx context.Context, key string) (*queue.Delivery, error)
	MaxAttempts() int
}

type Limiter interface {
	CheckTiers(ctx context.Context, sender, tenant string) ratelimit.TierDecision
}

type Result int

const (
	Sent Result = iota
	Redelayed
	Skipped
	Retrying
	Abandoned
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Redelayed:
		return "redelayed"
	case Skipped:
		return "skipped"
	case Retrying:
		return "retrying"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

type Options struct {
	Concurrency     int
	MinSendInterval time.Duration
	BlockTimeout    time.Duration
	// StoreRetryDelay re-delays a job whose record could not be read or claimed.
	StoreRetryDelay time.Duration
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Pool runs Concurrency consumers that share one send throttle.
type Pool struct {
	queue    JobQueue
	store    MessageStore
	limiter  Limiter
	sender   transport.Sender
	opts     Options
	log      *zap.Logger
	throttle *rate.Limiter
	tracer   trace.Tracer
	attempts int
	now      func() time.Time
}

func NewPool(q JobQueue, store MessageStore, limiter Limiter, sender transport.Sender, opts Options, log *zap.Logger) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.StoreRetryDelay <= 0 {
		opts.StoreRetryDelay = 30 * time.Second
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	attempts := q.MaxAttempts()
	if attempts < 1 {
		attempts = 1
	}
	limit := rate.Inf
	if opts.MinSendInterval > 0 {
		limit = rate.Every(opts.MinSendInterval)
	}
	return &Pool{
		queue:    q,
		store:    store,
		limiter:  limiter,
		sender:   sender,
		opts:     opts,
		log:      log.Named("worker"),
		throttle: rate.NewLimiter(limit, 1),
		tracer:   opts.TracerProvider.Tracer("sendq/worker"),
		attempts: attempts,
		now:      time.Now,
	}
}

// Run consumes jobs until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		log := p.log.With(zap.Int("consumer", i))
		g.Go(func() error {
			p.consume(ctx, log)
			return nil
		})
	}
	p.log.Info("worker pool started", zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("min_send_interval", p.opts.MinSendInterval), zap.Int("max_attempts", p.attempts))
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, log *zap.Logger) {
	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx, p.opts.BlockTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// Process handles one job through claim, rate check, send and the final
// status write. The job is acked, re-delayed or failed before it returns.
func (p *Pool) Process(ctx context.Context, job *queue.Job) Result {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "sendq.dispatch",
		trace.WithAttributes(
			attribute.String("message.id", job.Key),
			attribute.String("job.id", job.ID),
			attribute.Int("job.attempts", job.Attempts)),
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	res, err := p.process(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("dispatch.result", res.String()))
	dispatchJobsCounter.WithLabelValues(res.String()).Inc()
	dispatchDurationHist.Observe(time.Since(start).Seconds())
	return res
}

func (p *Pool) process(ctx context.Context, job *queue.Job) (Result, error) {
	log := p.log.With(zap.String("id", job.Key), zap.String("job_id", job.ID))
	msg := job.Payload

	if err := p.store.MarkQueued(ctx, job.Key); err != nil {
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
			log.Info("record no longer pending, dropping job", zap.Error(err))
			return Skipped, p.ack(ctx, job, log)
		}
		log.Warn("claim record failed, re-delaying", zap.Error(err))
		return Redelayed, p.redelay(ctx, job, p.now().Add(p.opts.StoreRetryDelay), log)
	}

	delivered, err := p.queue.Delivered(ctx, job.Key)
	if err != nil {
		log.Warn("read delivery marker failed, re-delaying", zap.Error(err))
		return Redelayed, p.redelay(ctx, job, p.now().Add(p.opts.StoreRetryDelay), log)
	}
	if delivered != nil {
		if err := p.store.MarkSent(ctx, job.Key, delivered.SentAt, delivered.TransportID); err != nil {
			log.Warn("record earlier delivery failed, re-delaying", zap.Error(err))
			return Redelayed, p.redelay(ctx, job, p.now().Add(p.opts.StoreRetryDelay), log)
		}
		log.Info("message already delivered, recorded without sending", zap.String("transport_id", delivered.TransportID))
		return Skipped, p.ack(ctx, job, log)
	}

	decision := p.limiter.CheckTiers(ctx, msg.Sender, msg.TenantID)
	if !decision.Allowed {
		for _, t := range decision.Blocked {
			rateLimitBlockedCounter.WithLabelValues(string(t)).Inc()
		}
		log.Info("rate limit reached, re-delaying", zap.Any("blocked", decision.Blocked), zap.Time("retry_at", decision.RetryAt))
		return Redelayed, p.redelay(ctx, job, decision.RetryAt, log)
	}

	if err := p.throttle.Wait(ctx); err != nil {
		// shutting down; keep the job pending for the next run
		return Redelayed, p.redelay(context.WithoutCancel(ctx), job, p.now(), log)
	}

	transportID, sendErr := p.sender.Send(ctx, transport.Envelope{
		From:    msg.Sender,
		To:      msg.Recipient,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if sendErr == nil {
		// the send happened; finish the bookkeeping even when shutting down
		ctx := context.WithoutCancel(ctx)
		sentAt := p.now().UTC()
		if err := p.queue.MarkDelivered(ctx, job.Key, queue.Delivery{TransportID: transportID, SentAt: sentAt}); err != nil {
			log.Error("record delivery marker", zap.String("transport_id", transportID), zap.Error(err))
		}
		if err := p.store.MarkSent(ctx, job.Key, sentAt, transportID); err != nil {
			log.Error("message sent but status not recorded", zap.String("transport_id", transportID), zap.Error(err))
		}
		log.Info("message sent", zap.String("transport_id", transportID))
		return Sent, p.ack(ctx, job, log)
	}

	attempt := job.Attempts + 1
	reason := sendErr.Error()
	var dispatchErr error
	if attempt >= p.attempts {
		dispatchErr = errors.Wrap(ErrPermanentDispatch, reason)
		if err := p.store.MarkFailed(ctx, job.Key, reason); err != nil {
			log.Error("record failure", zap.Error(err))
		}
	} else {
		dispatchErr = errors.Wrap(ErrTransientDispatch, reason)
		if err := p.store.RecordAttemptError(ctx, job.Key, reason); err != nil {
			log.Warn("record attempt error", zap.Error(err))
		}
	}
	log.Warn("send failed", zap.Int("attempt", attempt), zap.Int("max_attempts", p.attempts), zap.Error(dispatchErr))

	retrying, err := p.queue.Fail(ctx, job, sendErr)
	if err != nil {
		log.Error("fail job", zap.Error(err))
		return Retrying, multierr.Combine(dispatchErr, err)
	}
	if retrying {
		return Retrying, dispatchErr
	}
	return Abandoned, dispatchErr
}

func (p *Pool) ack(ctx context.Context, job *queue.Job, log *zap.Logger) error {
	if err := p.queue.Ack(ctx, job); err != nil {
		log.Error("ack job", zap.Error(err))
		return err
	}
	return nil
}

func (p *Pool) redelay(ctx context.Context, job *queue.Job, at time.Time, log *zap.Logger) error {
	if err := p.queue.Redelay(ctx, job, at); err != nil {
		log.Error("redelay job", zap.Error(err))
		return err
	}
	return nil
}
