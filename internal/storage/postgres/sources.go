package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

const sourceColumns = `id, name, url, type, category, region, engine, frequency, status,
	selectors, rate_limit, auth_param,
	success_rate, avg_parse_ms, fail_count, last_error, last_scraped_at, total_runs,
	created_at, updated_at`

// ListSources returns all sources ordered by ID.
func (s *Store) ListSources(ctx context.Context) ([]grant.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []grant.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (grant.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return grant.Source{}, &grant.NotFoundError{Kind: "source", ID: id}
	}
	return src, err
}

// UpsertSource writes configuration fields. Health columns and created_at of
// an existing row are left alone.
func (s *Store) UpsertSource(ctx context.Context, src grant.Source) error {
	selectors, err := json.Marshal(src.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}
	var rateLimit []byte
	if src.RateLimit != nil {
		if rateLimit, err = json.Marshal(src.RateLimit); err != nil {
			return fmt.Errorf("marshal rate limit: %w", err)
		}
	}
	query := `
INSERT INTO sources (
	id, name, url, type, category, region, engine, frequency, status,
	selectors, rate_limit, auth_param, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	url = EXCLUDED.url,
	type = EXCLUDED.type,
	category = EXCLUDED.category,
	region = EXCLUDED.region,
	engine = EXCLUDED.engine,
	frequency = EXCLUDED.frequency,
	status = EXCLUDED.status,
	selectors = EXCLUDED.selectors,
	rate_limit = EXCLUDED.rate_limit,
	auth_param = EXCLUDED.auth_param,
	updated_at = EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query,
		src.ID,
		src.Name,
		src.URL,
		string(src.Type),
		src.Category,
		src.Region,
		string(src.Engine),
		string(src.Frequency),
		string(src.Status),
		selectors,
		rateLimit,
		src.AuthParam,
		src.CreatedAt,
		src.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

// UpdateSourceHealth replaces the health columns of a source.
func (s *Store) UpdateSourceHealth(ctx context.Context, id string, h grant.Health, at time.Time) error {
	query := `
UPDATE sources SET
	success_rate = $2,
	avg_parse_ms = $3,
	fail_count = $4,
	last_error = $5,
	last_scraped_at = $6,
	total_runs = $7,
	updated_at = $8
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		id,
		h.SuccessRate,
		durationMillis(h.AvgParseTime),
		h.FailCount,
		h.LastError,
		h.LastScrapedAt,
		h.TotalRuns,
		at,
	)
	if err != nil {
		return fmt.Errorf("update source health %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &grant.NotFoundError{Kind: "source", ID: id}
	}
	return nil
}

// SetSourceStatus changes the operator status of a source.
func (s *Store) SetSourceStatus(ctx context.Context, id string, status grant.SourceStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("set source status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &grant.NotFoundError{Kind: "source", ID: id}
	}
	return nil
}

func scanSource(row pgx.Row) (grant.Source, error) {
	var (
		src                           grant.Source
		srcType, engine, freq, status string
		selectors, rateLimit          []byte
		avgParseMS                    int64
	)
	err := row.Scan(
		&src.ID,
		&src.Name,
		&src.URL,
		&srcType,
		&src.Category,
		&src.Region,
		&engine,
		&freq,
		&status,
		&selectors,
		&rateLimit,
		&src.AuthParam,
		&src.Health.SuccessRate,
		&avgParseMS,
		&src.Health.FailCount,
		&src.Health.LastError,
		&src.Health.LastScrapedAt,
		&src.Health.TotalRuns,
		&src.CreatedAt,
		&src.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return grant.Source{}, err
		}
		return grant.Source{}, fmt.Errorf("scan source: %w", err)
	}
	src.Type = grant.SourceType(srcType)
	src.Engine = grant.EngineKind(engine)
	src.Frequency = grant.Frequency(freq)
	src.Status = grant.SourceStatus(status)
	src.Health.AvgParseTime = millisDuration(avgParseMS)
	if len(selectors) > 0 {
		if err := json.Unmarshal(selectors, &src.Selectors); err != nil {
			return grant.Source{}, fmt.Errorf("decode selectors for %s: %w", src.ID, err)
		}
	}
	if len(rateLimit) > 0 {
		var limits grant.Limits
		if err := json.Unmarshal(rateLimit, &limits); err != nil {
			return grant.Source{}, fmt.Errorf("decode rate limit for %s: %w", src.ID, err)
		}
		src.RateLimit = &limits
	}
	return src, nil
}
