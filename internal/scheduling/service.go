package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/sendq/internal/domain"
	"github.com/SirClappington/sendq/internal/queue"
)

type MessageStore interface {
	InsertMessage(ctx context.Context, m *domain.Message) error
	InsertMessages(ctx context.Context, msgs []*domain.Message) error
	SetJobID(ctx context.Context, id, jobID string) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	Cancel(ctx context.Context, id string) error
	InsertBatch(ctx context.Context, b *domain.BatchJob) error
	CompleteBatch(ctx context.Context, id string, processed int) error
	ListPending(ctx context.Context) ([]*domain.Message, error)
	ListScheduled(ctx context.Context, p domain.Page) ([]*domain.Message, error)
	ListSent(ctx context.Context, p domain.Page) ([]*domain.Message, error)
	ListBySender(ctx context.Context, sender string, p domain.Page) ([]*domain.Message, error)
	ListByTenant(ctx context.Context, tenant string, p domain.Page) ([]*domain.Message, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, key string, p queue.Payload, notBefore time.Time) (string, error)
	Remove(ctx context.Context, key string) (bool, error)
}

type Options struct {
	// DefaultStagger spaces bulk recipients when the request sets no delay.
	DefaultStagger time.Duration
}

type ScheduleRequest struct {
	Sender      string    `validate:"required,email"`
	Recipient   string    `validate:"required,email"`
	Subject     string    `validate:"required"`
	Body        string    `validate:"required"`
	ScheduledAt time.Time `validate:"required"`
	TenantID    string    `validate:"omitempty,max=128"`
}

type BulkRequest struct {
	Sender       string        `validate:"required,email"`
	Recipients   []string      `validate:"required,min=1,dive,required,email"`
	Subject      string        `validate:"required"`
	Body         string        `validate:"required"`
	ScheduledAt  time.Time     `validate:"required"`
	DelayBetween time.Duration `validate:"gte=0"`
	TenantID     string        `validate:"omitempty,max=128"`
}

type BulkResult struct {
	BatchID        string `json:"batchId"`
	TotalScheduled int    `json:"totalScheduled"`
}

type Service struct {
	store    MessageStore
	queue    JobQueue
	log      *zap.Logger
	validate *validator.Validate
	opts     Options
	newID    func() string
}

func New(store MessageStore, q JobQueue, log *zap.Logger, opts Options) *Service {
	if opts.DefaultStagger <= 0 {
		opts.DefaultStagger = 2 * time.Second
	}
	return &Service{
		store:    store,
		queue:    q,
		log:      log.Named("scheduling"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		newID:    uuid.NewString,
	}
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(domain.ErrValidation, err.Error())
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.Wrap(domain.ErrValidation, strings.Join(parts, "; "))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func payloadOf(m *domain.Message) queue.Payload {
	return queue.Payload{
		MessageID: m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Subject:   m.Subject,
		Body:      m.Body,
		TenantID:  m.Tenant(),
	}
}

// enqueue hands the record to the queue keyed by its id and records the job id.
// An elapsed ScheduledAt is due immediately.
func (s *Service) enqueue(ctx context.Context, m *domain.Message) error {
	jobID, err := s.queue.Enqueue(ctx, m.ID, payloadOf(m), m.ScheduledAt)
	if err != nil {
		return errors.Wrapf(domain.ErrStoreUnavailable, "enqueue %s: %v", m.ID, err)
	}
	if err := s.store.SetJobID(ctx, m.ID, jobID); err != nil {
		return errors.Wrapf(err, "record job id for %s", m.ID)
	}
	m.JobID = &jobID
	return nil
}

// ScheduleOne persists one message and enqueues its delivery. If the enqueue
// fails the record stays scheduled without a job id and is picked up by
// RestoreOnStartup.
func (s *Service) ScheduleOne(ctx context.Context, req ScheduleRequest) (*domain.Message, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	m := &domain.Message{
		ID:          s.newID(),
		Sender:      req.Sender,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt.UTC(),
		Status:      domain.Scheduled,
		TenantID:    optional(req.TenantID),
	}
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, m); err != nil {
		s.log.Error("message persisted but not enqueued", zap.String("id", m.ID), zap.Error(err))
		return nil, err
	}
	s.log.Info("message scheduled", zap.String("id", m.ID), zap.String("sender", m.Sender),
		zap.Time("scheduled_at", m.ScheduledAt))
	return s.store.GetMessage(ctx, m.ID)
}

// ScheduleBulk schedules one message per recipient, the i-th at
// ScheduledAt + i*DelayBetween.
func (s *Service) ScheduleBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	if err := s.check(req); err != nil {
		return BulkResult{}, err
	}
	delay := req.DelayBetween
	if delay == 0 {
		delay = s.opts.DefaultStagger
	}

	batch := &domain.BatchJob{
		ID:         s.newID(),
		Owner:      req.Sender,
		TotalCount: len(req.Recipients),
		Status:     domain.BatchProcessing,
	}
	if err := s.store.InsertBatch(ctx, batch); err != nil {
		return BulkResult{}, err
	}

	start := req.ScheduledAt.UTC()
	tenant := optional(req.TenantID)
	msgs := make([]*domain.Message, len(req.Recipients))
	for i, to := range req.Recipients {
		msgs[i] = &domain.Message{
			ID:          s.newID(),
			Sender:      req.Sender,
			Recipient:   to,
			Subject:     req.Subject,
			Body:        req.Body,
			ScheduledAt: start.Add(time.Duration(i) * delay),
			Status:      domain.Scheduled,
			TenantID:    tenant,
		}
	}
	if err := s.store.InsertMessages(ctx, msgs); err != nil {
		return BulkResult{}, err
	}
	for i, m := range msgs {
		if err := s.enqueue(ctx, m); err != nil {
			s.log.Error("bulk enqueue interrupted", zap.String("batch_id", batch.ID), zap.String("id", m.ID),
				zap.Int("enqueued", i), zap.Int("total", len(msgs)), zap.Error(err))
			// close the batch with what made it; the rest are picked up by RestoreOnStartup
			if cerr := s.store.CompleteBatch(context.WithoutCancel(ctx), batch.ID, i); cerr != nil {
				err = multierr.Append(err, cerr)
			}
			return BulkResult{}, err
		}
	}
	if err := s.store.CompleteBatch(ctx, batch.ID, len(msgs)); err != nil {
		return BulkResult{}, err
	}
	s.log.Info("bulk scheduled", zap.String("batch_id", batch.ID), zap.Int("count", len(msgs)),
		zap.Duration("delay_between", delay))
	return BulkResult{BatchID: batch.ID, TotalScheduled: len(msgs)}, nil
}

// RestoreOnStartup re-enqueues every scheduled or queued record with a new
// job id. Per-record failures are collected, not fatal.
func (s *Service) RestoreOnStartup(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	var (
		restored int
		errs     error
	)
	for _, m := range pending {
		if err := s.enqueue(ctx, m); err != nil {
			s.log.Warn("restore message", zap.String("id", m.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		restored++
	}
	s.log.Info("pending messages restored", zap.Int("restored", restored), zap.Int("pending", len(pending)))
	return restored, errs
}

// Cancel stops a message that has not been picked up yet.
func (s *Service) Cancel(ctx context.Context, id string) error {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != domain.Scheduled {
		return errors.Wrapf(domain.ErrInvalidState, "message %s is %s", id, m.Status)
	}
	if m.JobID != nil {
		if _, err := s.queue.Remove(ctx, m.ID); err != nil {
			return errors.Wrapf(domain.ErrStoreUnavailable, "remove job %s: %v", id, err)
		}
	}
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	s.log.Info("message cancelled", zap.String("id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Message, error) {
	return s.store.GetMessage(ctx, id)
}

func (s *Service) ListScheduled(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
	return s.store.ListScheduled(ctx, p.Normalize())
}

func (s *Service) ListSent(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
	return s.store.ListSent(ctx, p.Normalize())
}

func (s *Service) ListBySender(ctx context.Context, sender string, p domain.Page) ([]*domain.Message, error) {
	return s.store.ListBySender(ctx, sender, p.Normalize())
}

func (s *Service) ListByTenant(ctx context.Context, tenant string, p domain.Page) ([]*domain.Message, error) {
	return s.store.ListByTenant(ctx, tenant, p.Normalize())
}

func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.store.Stats(ctx)
}
