package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const maxRecent = 500

var ErrMissingID = errors.New("generation id is empty")

func (s *Store) LogGeneration(ctx context.Context, g Generation) error {
	if g.ID == "" {
		return ErrMissingID
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	q := s.sql.Insert("generations").
		Columns("id", "operation", "requested_model", "served_model", "fallback", "outcome", "attempts", "latency_ms", "created_at").
		Values(g.ID, g.Operation, g.RequestedModel, g.ServedModel, g.Fallback, g.Outcome, g.Attempts, g.LatencyMS, g.CreatedAt.UTC())

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build log generation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("log generation: %w", err)
	}
	return nil
}

// RecentGenerations returns the newest entries first.
func (s *Store) RecentGenerations(ctx context.Context, limit int) ([]Generation, error) {
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}
	q := s.sql.Select("id", "operation", "requested_model", "served_model", "fallback", "outcome", "attempts", "latency_ms", "created_at").
		From("generations").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent generations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent generations: %w", err)
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.Operation, &g.RequestedModel, &g.ServedModel, &g.Fallback, &g.Outcome, &g.Attempts, &g.LatencyMS, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return out, nil
}

func (s *Store) OutcomeCounts(ctx context.Context) ([]OutcomeCount, error) {
	q := s.sql.Select("operation", "outcome", "COUNT(*)").
		From("generations").
		GroupBy("operation", "outcome").
		OrderBy("operation", "outcome")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outcome counts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outcome counts: %w", err)
	}
	defer rows.Close()

	var out []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.Operation, &c.Outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
