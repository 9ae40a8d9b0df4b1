package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/SirClappington/sendq/internal/domain"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Store is the durable record store (source of truth).
type Store struct {
	db  DB
	now func() time.Time
}

func New(db DB) *Store { return &Store{db: db, now: func() time.Time { return time.Now().UTC() }} }

const messageColumns = `id, sender, recipient, subject, body, scheduled_at, status,
sent_at, error_message, job_id, tenant_id, transport_message_id, created_at, updated_at`

func unavailable(err error, op string) error {
	return errors.Wrapf(domain.ErrStoreUnavailable, "%s: %v", op, err)
}

// InsertMessage persists a new record with its current status and no job id.
func (s *Store) InsertMessage(ctx context.Context, m *domain.Message) error {
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := s.db.Exec(ctx, `insert into messages(
id, sender, recipient, subject, body, scheduled_at, status, tenant_id, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.Sender, m.Recipient, m.Subject, m.Body, m.ScheduledAt, m.Status, m.TenantID, now, now,
	)
	if err != nil {
		return unavailable(err, "insert message")
	}
	return nil
}

// InsertMessages writes all records in one COPY round trip.
func (s *Store) InsertMessages(ctx context.Context, msgs []*domain.Message) error {
	now := s.now()
	rows := make([][]any, 0, len(msgs))
	for _, m := range msgs {
		m.CreatedAt, m.UpdatedAt = now, now
		rows = append(rows, []any{m.ID, m.Sender, m.Recipient, m.Subject, m.Body, m.ScheduledAt, string(m.Status), m.TenantID, now, now})
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"messages"},
		[]string{"id", "sender", "recipient", "subject", "body", "scheduled_at", "status", "tenant_id", "created_at", "updated_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return unavailable(err, "copy messages")
	}
	if int(n) != len(msgs) {
		return errors.Errorf("copy messages: wrote %d of %d rows", n, len(msgs))
	}
	return nil
}

// SetJobID records the queue's job id for a message.
func (s *Store) SetJobID(ctx context.Context, id, jobID string) error {
	tag, err := s.db.Exec(ctx, `update messages set job_id = $2, updated_at = $3 where id = $1`, id, jobID, s.now())
	if err != nil {
		return unavailable(err, "set job id")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRow(ctx, `select `+messageColumns+` from messages where id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err, "get message")
	}
	return m, nil
}

// transition applies a status change only when the current status is one
// of from. A miss is reported as ErrNotFound or ErrInvalidState.
func (s *Store) transition(ctx context.Context, id string, from []domain.Status, sql string, args ...any) error {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}
	all := append([]any{id, fromStr}, args...)
	tag, err := s.db.Exec(ctx, sql, all...)
	if err != nil {
		return unavailable(err, "update status")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `select exists(select 1 from messages where id = $1)`, id).Scan(&exists); err != nil {
		return unavailable(err, "check message")
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidState
}

// MarkQueued moves scheduled (or an already queued replay) to queued.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	return s.transition(ctx, id, []domain.Status{domain.Scheduled, domain.Queued},
		`update messages set status = 'queued', updated_at = $3 where id = $1 and status = any($2)`, s.now())
}

func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time, transportID string) error {
	return s.transition(ctx, id, []domain.Status{domain.Queued},
		`update messages set status = 'sent', sent_at = $3, transport_message_id = $4, error_message = null, updated_at = $5
where id = $1 and status = any($2)`, sentAt, transportID, s.now())
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, []domain.Status{domain.Queued},
		`update messages set status = 'failed', error_message = $3, updated_at = $4 where id = $1 and status = any($2)`, reason, s.now())
}

// RecordAttemptError stores a transient error while the record stays queued.
func (s *Store) RecordAttemptError(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, []domain.Status{domain.Queued},
		`update messages set error_message = $3, updated_at = $4 where id = $1 and status = any($2)`, reason, s.now())
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, []domain.Status{domain.Scheduled},
		`update messages set status = 'failed', error_message = $3, updated_at = $4 where id = $1 and status = any($2)`,
		domain.CancelledMessage, s.now())
}

// ListPending returns scheduled and queued records oldest target first.
func (s *Store) ListPending(ctx context.Context) ([]*domain.Message, error) {
	return s.list(ctx, `select `+messageColumns+` from messages
where status in ('scheduled','queued') order by scheduled_at asc`)
}

func (s *Store) ListScheduled(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
	p = p.Normalize()
	return s.list(ctx, `select `+messageColumns+` from messages
where status in ('scheduled','queued') order by scheduled_at asc limit $1 offset $2`, p.Limit, p.Offset)
}

func (s *Store) ListSent(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
	p = p.Normalize()
	return s.list(ctx, `select `+messageColumns+` from messages
where status in ('sent','failed') order by sent_at desc nulls last limit $1 offset $2`, p.Limit, p.Offset)
}

func (s *Store) ListBySender(ctx context.Context, sender string, p domain.Page) ([]*domain.Message, error) {
	p = p.Normalize()
	return s.list(ctx, `select `+messageColumns+` from messages
where sender = $1 order by created_at desc limit $2 offset $3`, sender, p.Limit, p.Offset)
}

func (s *Store) ListByTenant(ctx context.Context, tenant string, p domain.Page) ([]*domain.Message, error) {
	p = p.Normalize()
	return s.list(ctx, `select `+messageColumns+` from messages
where tenant_id = $1 order by created_at desc limit $2 offset $3`, tenant, p.Limit, p.Offset)
}

func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	rows, err := s.db.Query(ctx, `select status, count(*) from messages group by status`)
	if err != nil {
		return st, unavailable(err, "message stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, unavailable(err, "scan stats")
		}
		switch status {
		case domain.Scheduled:
			st.Scheduled = n
		case domain.Queued:
			st.Queued = n
		case domain.Sent:
			st.Sent = n
		case domain.Failed:
			st.Failed = n
		}
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, unavailable(err, "iterate stats")
	}
	return st, nil
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]*domain.Message, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(err, "list messages")
	}
	defer rows.Close()
	out := []*domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable(err, "scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate messages")
	}
	return out, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	m := &domain.Message{}
	err := row.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Subject, &m.Body, &m.ScheduledAt, &m.Status,
		&m.SentAt, &m.ErrorMessage, &m.JobID, &m.TenantID, &m.TransportMessageID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}
