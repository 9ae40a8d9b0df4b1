package scheduling

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/SirClappington/sendq/internal/domain"
	"github.com/SirClappington/sendq/internal/queue"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockStore) InsertMessages(ctx context.Context, msgs []*domain.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *mockStore) SetJobID(ctx context.Context, id, jobID string) error {
	return m.Called(ctx, id, jobID).Error(0)
}

func (m *mockStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*domain.Message)
	return msg, args.Error(1)
}

func (m *mockStore) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) InsertBatch(ctx context.Context, b *domain.BatchJob) error {
	return m.Called(ctx, b).Error(0)
}

func (m *mockStore) CompleteBatch(ctx context.Context, id string, processed int) error {
	return m.Called(ctx, id, processed).Error(0)
}

func (m *mockStore) ListPending(ctx context.Context) ([]*domain.Message, error) {
	args := m.Called(ctx)
	msgs, _ := args.Get(0).([]*domain.Message)
	return msgs, args.Error(1)
}

func (m *mockStore) list(args mock.Arguments) ([]*domain.Message, error) {
	msgs, _ := args.Get(0).([]*domain.Message)
	return msgs, args.Error(1)
}

func (m *mockStore) ListScheduled(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
	return m.list(m.Called(ctx, p))
}

func (m *mockStore) ListSent(ctx context.Context, p domain.Page) ([]*domain.Message, error) {
	return m.list(m.Called(ctx, p))
}

func (m *mockStore) ListBySender(ctx context.Context, sender string, p domain.Page) ([]*domain.Message, error) {
	return m.list(m.Called(ctx, sender, p))
}

func (m *mockStore) ListByTenant(ctx context.Context, tenant string, p domain.Page) ([]*domain.Message, error) {
	return m.list(m.Called(ctx, tenant, p))
}

func (m *mockStore) Stats(ctx context.Context) (domain.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Stats), args.Error(1)
}

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Enqueue(ctx context.Context, key string, p queue.Payload, notBefore time.Time) (string, error) {
	args := m.Called(ctx, key, p, notBefore)
	return args.String(0), args.Error(1)
}

func (m *mockQueue) Remove(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}
