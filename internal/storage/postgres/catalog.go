package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

const upsertFunderSQL = `
INSERT INTO funders (id, name, created_at)
VALUES ($1, $2, $3)
ON CONFLICT ((lower(name))) DO UPDATE SET name = funders.name
RETURNING id`

// first_* columns are written only on insert; xmax = 0 identifies an insert.
const upsertGrantSQL = `
INSERT INTO grants (
	id, fingerprint, title, description, url, funder_id, category,
	amount_min, amount_max, currency, deadline,
	first_source_id, first_job_id, last_source_id, last_job_id,
	created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$12,$13,$14,$14
)
ON CONFLICT (fingerprint) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	url = EXCLUDED.url,
	funder_id = EXCLUDED.funder_id,
	category = EXCLUDED.category,
	amount_min = EXCLUDED.amount_min,
	amount_max = EXCLUDED.amount_max,
	currency = EXCLUDED.currency,
	deadline = EXCLUDED.deadline,
	last_source_id = EXCLUDED.last_source_id,
	last_job_id = EXCLUDED.last_job_id,
	updated_at = EXCLUDED.updated_at
RETURNING id, (xmax = 0) AS inserted`

const bumpJobCountersSQL = `
UPDATE scrape_jobs SET
	total_inserted = total_inserted + $2,
	total_updated = total_updated + $3
WHERE id = $1`

// UpsertGrant resolves the funder, upserts the grant by fingerprint and bumps
// the owning job's counters in one transaction.
func (s *Store) UpsertGrant(ctx context.Context, in grant.GrantUpsert) (grant.UpsertOutcome, error) {
	if in.Fingerprint == "" {
		return grant.UpsertOutcome{}, fmt.Errorf("fingerprint is required")
	}
	var out grant.UpsertOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var funderID string
		if err := tx.QueryRow(ctx, upsertFunderSQL, in.FunderID, in.FunderName, in.At).Scan(&funderID); err != nil {
			return fmt.Errorf("upsert funder %q: %w", in.FunderName, err)
		}
		err := tx.QueryRow(ctx, upsertGrantSQL,
			in.ID,
			in.Fingerprint,
			in.Title,
			in.Description,
			in.URL,
			funderID,
			in.Category,
			in.AmountMin,
			in.AmountMax,
			in.Currency,
			in.Deadline,
			in.SourceID,
			in.JobID,
			in.At,
		).Scan(&out.GrantID, &out.Created)
		if err != nil {
			return fmt.Errorf("upsert grant: %w", err)
		}
		inserted, updated := 0, 1
		if out.Created {
			inserted, updated = 1, 0
		}
		if _, err := tx.Exec(ctx, bumpJobCountersSQL, in.JobID, inserted, updated); err != nil {
			return fmt.Errorf("bump job counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return grant.UpsertOutcome{}, err
	}
	return out, nil
}

// GetGrantByFingerprint fetches a grant by its dedup key.
func (s *Store) GetGrantByFingerprint(ctx context.Context, fingerprint string) (grant.Grant, error) {
	query := `
SELECT id, fingerprint, title, description, url, funder_id, category,
	amount_min::float8, amount_max::float8, currency, deadline,
	COALESCE(first_source_id, ''), COALESCE(first_job_id, ''),
	COALESCE(last_source_id, ''), COALESCE(last_job_id, ''),
	created_at, updated_at
FROM grants WHERE fingerprint = $1`
	var g grant.Grant
	err := s.pool.QueryRow(ctx, query, fingerprint).Scan(
		&g.ID,
		&g.Fingerprint,
		&g.Title,
		&g.Description,
		&g.URL,
		&g.FunderID,
		&g.Category,
		&g.AmountMin,
		&g.AmountMax,
		&g.Currency,
		&g.Deadline,
		&g.FirstSourceID,
		&g.FirstJobID,
		&g.LastSourceID,
		&g.LastJobID,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return grant.Grant{}, &grant.NotFoundError{Kind: "grant", ID: fingerprint}
	}
	if err != nil {
		return grant.Grant{}, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}
