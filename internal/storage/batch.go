package storage

import (
	"context"

	"github.com/SirClappington/sendq/internal/domain"
)

func (s *Store) InsertBatch(ctx context.Context, b *domain.BatchJob) error {
	now := s.now()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := s.db.Exec(ctx, `insert into batch_jobs(id, owner, total_count, processed_count, status, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7)`, b.ID, b.Owner, b.TotalCount, b.ProcessedCount, b.Status, now, now)
	if err != nil {
		return unavailable(err, "insert batch")
	}
	return nil
}

// CompleteBatch marks the batch completed with processed rows.
func (s *Store) CompleteBatch(ctx context.Context, id string, processed int) error {
	tag, err := s.db.Exec(ctx, `update batch_jobs set processed_count = $2, status = 'completed', updated_at = $3 where id = $1`,
		id, processed, s.now())
	if err != nil {
		return unavailable(err, "complete batch")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
