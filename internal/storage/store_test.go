package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/sendq/internal/domain"
)

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := New(mock)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func messageRow(mock pgxmock.PgxPoolIface, id string, status domain.Status) *pgxmock.Rows {
	jobID := "job-1"
	return mock.NewRows([]string{"id", "sender", "recipient", "subject", "body", "scheduled_at", "status",
		"sent_at", "error_message", "job_id", "tenant_id", "transport_message_id", "created_at", "updated_at"}).
		AddRow(id, "a@x.io", "b@y.io", "hi", "body", fixedNow.Add(time.Hour), status,
			(*time.Time)(nil), (*string)(nil), &jobID, (*string)(nil), (*string)(nil), fixedNow, fixedNow)
}

func TestStore_InsertMessage(t *testing.T) {
	s, mock := newTestStore(t)
	m := &domain.Message{ID: "m1", Sender: "a@x.io", Recipient: "b@y.io", Subject: "s", Body: "b",
		ScheduledAt: fixedNow.Add(time.Minute), Status: domain.Scheduled}

	mock.ExpectExec(`insert into messages`).
		WithArgs("m1", "a@x.io", "b@y.io", "s", "b", m.ScheduledAt, domain.Scheduled, (*string)(nil), fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertMessage(context.Background(), m))
	assert.Equal(t, fixedNow, m.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertMessage_StoreDown(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`insert into messages`).WillReturnError(errors.New("connection refused"))

	err := s.InsertMessage(context.Background(), &domain.Message{ID: "m1", Status: domain.Scheduled})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestStore_InsertMessages(t *testing.T) {
	s, mock := newTestStore(t)
	msgs := []*domain.Message{
		{ID: "m1", Sender: "a", Recipient: "r1", Status: domain.Scheduled},
		{ID: "m2", Sender: "a", Recipient: "r2", Status: domain.Scheduled},
	}
	mock.ExpectCopyFrom(pgx.Identifier{"messages"},
		[]string{"id", "sender", "recipient", "subject", "body", "scheduled_at", "status", "tenant_id", "created_at", "updated_at"}).
		WillReturnResult(2)

	require.NoError(t, s.InsertMessages(context.Background(), msgs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetMessage(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery(`from messages where id = \$1`).WithArgs("m1").
			WillReturnRows(messageRow(mock, "m1", domain.Scheduled))

		m, err := s.GetMessage(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, domain.Scheduled, m.Status)
		require.NotNil(t, m.JobID)
		assert.Equal(t, "job-1", *m.JobID)
		assert.Nil(t, m.SentAt)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery(`from messages where id = \$1`).WithArgs("nope").WillReturnError(pgx.ErrNoRows)

		_, err := s.GetMessage(context.Background(), "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_Cancel(t *testing.T) {
	cancelSQL := regexp.QuoteMeta(`update messages set status = 'failed', error_message = $3`)

	t.Run("scheduled record", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec(cancelSQL).
			WithArgs("m1", []string{"scheduled"}, domain.CancelledMessage, fixedNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.Cancel(context.Background(), "m1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("queued record is invalid state", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec(cancelSQL).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`select exists`).WithArgs("m1").
			WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, s.Cancel(context.Background(), "m1"), domain.ErrInvalidState)
	})

	t.Run("unknown record", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec(cancelSQL).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`select exists`).WithArgs("m1").
			WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))

		assert.ErrorIs(t, s.Cancel(context.Background(), "m1"), domain.ErrNotFound)
	})
}

func TestStore_MarkQueuedAcceptsReplay(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`update messages set status = 'queued'`)).
		WithArgs("m1", []string{"scheduled", "queued"}, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkQueued(context.Background(), "m1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkSent(t *testing.T) {
	s, mock := newTestStore(t)
	sentAt := fixedNow.Add(time.Second)
	mock.ExpectExec(regexp.QuoteMeta(`update messages set status = 'sent'`)).
		WithArgs("m1", []string{"queued"}, sentAt, "smtp-42", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkSent(context.Background(), "m1", sentAt, "smtp-42"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListPending(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`where status in ('scheduled','queued') order by scheduled_at asc`)).
		WillReturnRows(messageRow(mock, "m1", domain.Queued))

	out, err := s.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.Queued, out[0].Status)
}

func TestStore_ListScheduledNormalizesPage(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`limit \$1 offset \$2`).WithArgs(domain.DefaultPageLimit, 0).
		WillReturnRows(mock.NewRows([]string{"id"}))

	out, err := s.ListScheduled(context.Background(), domain.Page{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStore_Stats(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`group by status`).WillReturnRows(mock.NewRows([]string{"status", "count"}).
		AddRow(domain.Scheduled, int64(3)).
		AddRow(domain.Sent, int64(5)).
		AddRow(domain.Failed, int64(1)))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Total: 9, Scheduled: 3, Sent: 5, Failed: 1}, st)
}

func TestStore_Batch(t *testing.T) {
	s, mock := newTestStore(t)
	b := &domain.BatchJob{ID: "b1", Owner: "a@x.io", TotalCount: 2, Status: domain.BatchProcessing}
	mock.ExpectExec(`insert into batch_jobs`).
		WithArgs("b1", "a@x.io", 2, 0, domain.BatchProcessing, fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`update batch_jobs set processed_count`).
		WithArgs("b1", 2, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.InsertBatch(context.Background(), b))
	require.NoError(t, s.CompleteBatch(context.Background(), "b1", 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RateLimitCounters(t *testing.T) {
	s, mock := newTestStore(t)
	window := fixedNow.Truncate(time.Hour)

	mock.ExpectExec(`on conflict \(scope_key, window_start\) do update`).
		WithArgs("global", window, int64(12), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`from rate_limits where window_start >= \$1`).WithArgs(window).
		WillReturnRows(mock.NewRows([]string{"scope_key", "window_start", "count"}).
			AddRow("global", window, int64(12)).
			AddRow("sender:a@x.io", window, int64(4)))

	require.NoError(t, s.UpsertCounter(context.Background(), "global", window, 12))
	counters, err := s.CountersSince(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, []domain.RateLimitCounter{
		{ScopeKey: "global", WindowStart: window, Count: 12},
		{ScopeKey: "sender:a@x.io", WindowStart: window, Count: 4},
	}, counters)
	assert.NoError(t, mock.ExpectationsWereMet())
}
