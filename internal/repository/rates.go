package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/exchanger/internal/model"
)

const snapshotColumns = `id, pair, rate, spread_percent, effective_rate, source, fetched_at`

func scanSnapshot(row pgx.Row) (*model.RateSnapshot, error) {
	var s model.RateSnapshot
	err := row.Scan(&s.ID, &s.Pair, &s.Rate, &s.SpreadPercent, &s.EffectiveRate, &s.Source, &s.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// SaveRateSnapshot сохраняет снимок курса. Предыдущие снимки пары остаются в истории.
func (r *PostgresRepository) SaveRateSnapshot(ctx context.Context, snap *model.RateSnapshot) error {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO rate_snapshots (`+snapshotColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, snap.ID, snap.Pair, snap.Rate, snap.SpreadPercent, snap.EffectiveRate, snap.Source, snap.FetchedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert rate snapshot: %w", err)
	}
	return nil
}

// LatestRateSnapshot возвращает последний снимок курса пары.
func (r *PostgresRepository) LatestRateSnapshot(ctx context.Context, pair string) (*model.RateSnapshot, error) {
	s, err := scanSnapshot(r.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM rate_snapshots
		WHERE pair = $1
		ORDER BY fetched_at DESC
		LIMIT 1
	`, pair))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select rate snapshot: %w", err)
	}
	return s, err
}

// LatestRateSnapshots возвращает последний снимок по каждой известной паре.
func (r *PostgresRepository) LatestRateSnapshots(ctx context.Context) ([]model.RateSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (pair) `+snapshotColumns+`
		FROM rate_snapshots
		ORDER BY pair, fetched_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("select rate snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.RateSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate snapshot: %w", err)
		}
		snaps = append(snaps, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate snapshots: %w", err)
	}
	return snaps, nil
}
