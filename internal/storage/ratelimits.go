package storage

import (
	"context"
	"time"

	"github.com/SirClappington/sendq/internal/domain"
)

// UpsertCounter stores the window count. Writes arrive asynchronously and
// possibly out of order, so the stored count never decreases.
func (s *Store) UpsertCounter(ctx context.Context, scopeKey string, windowStart time.Time, count int64) error {
	_, err := s.db.Exec(ctx, `insert into rate_limits(scope_key, window_start, count, updated_at)
values ($1,$2,$3,$4)
on conflict (scope_key, window_start) do update
set count = greatest(rate_limits.count, excluded.count), updated_at = excluded.updated_at`,
		scopeKey, windowStart.UTC(), count, s.now())
	if err != nil {
		return unavailable(err, "upsert rate limit")
	}
	return nil
}

// CountersSince lists counters whose window starts at or after since.
func (s *Store) CountersSince(ctx context.Context, since time.Time) ([]domain.RateLimitCounter, error) {
	rows, err := s.db.Query(ctx, `select scope_key, window_start, count from rate_limits where window_start >= $1`, since.UTC())
	if err != nil {
		return nil, unavailable(err, "list rate limits")
	}
	defer rows.Close()
	var out []domain.RateLimitCounter
	for rows.Next() {
		var c domain.RateLimitCounter
		if err := rows.Scan(&c.ScopeKey, &c.WindowStart, &c.Count); err != nil {
			return nil, unavailable(err, "scan rate limit")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate rate limits")
	}
	return out, nil
}
