// Package ingest normalizes extracted records and writes them to the catalog,
// deduplicating by fingerprint.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/hash/sha256"
	"github.com/JakeFAU/grant-scout/internal/metrics"
)

// Processor turns raw records into catalog upserts.
type Processor struct {
	store  grant.CatalogStore
	ids    grant.IDGenerator
	hasher *sha256.Hasher
	clock  grant.Clock
	logger *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(store grant.CatalogStore, ids grant.IDGenerator, clock grant.Clock, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:  store,
		ids:    ids,
		hasher: sha256.New(),
		clock:  clock,
		logger: logger,
	}
}

// Fingerprint identifies a grant within a source across scrapes.
func (p *Processor) Fingerprint(title, funder, sourceID string) string {
	return p.hasher.HashFields(
		strings.ToLower(collapse(title)),
		strings.ToLower(collapse(funder)),
		sourceID,
	)
}

// Ingest writes records for one job. Each record commits on its own, so a
// failure part way leaves earlier records and their job counters in place.
func (p *Processor) Ingest(ctx context.Context, src grant.Source, jobID string, records []grant.RawRecord) (grant.IngestResult, error) {
	res := grant.IngestResult{Found: len(records)}
	defer func() {
		metrics.ObserveRecords(res.Inserted, res.Updated, res.Skipped)
	}()

	for _, raw := range records {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingest interrupted: %w", err)
		}
		in, ok := p.normalize(src, jobID, raw)
		if !ok {
			res.Skipped++
			continue
		}
		if err := p.assignIDs(&in); err != nil {
			return res, &grant.ProcessorError{SourceID: src.ID, Err: err}
		}
		out, err := p.store.UpsertGrant(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("ingest interrupted: %w", ctx.Err())
			}
			return res, &grant.ProcessorError{SourceID: src.ID, Err: fmt.Errorf("upsert %q: %w", in.Title, err)}
		}
		if out.Created {
			res.Inserted++
		} else {
			res.Updated++
		}
	}

	p.logger.Debug("records ingested",
		zap.String("source_id", src.ID),
		zap.String("job_id", jobID),
		zap.Int("found", res.Found),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (p *Processor) normalize(src grant.Source, jobID string, raw grant.RawRecord) (grant.GrantUpsert, bool) {
	title := collapse(raw.Title)
	if title == "" {
		return grant.GrantUpsert{}, false
	}
	funder := collapse(raw.Funder)
	if funder == "" {
		funder = src.Name
	}
	category := collapse(raw.Category)
	if category == "" {
		category = src.Category
	}
	amount := ParseAmount(raw.Amount)
	return grant.GrantUpsert{
		FunderName:  funder,
		Fingerprint: p.Fingerprint(title, funder, src.ID),
		Title:       title,
		Description: collapse(raw.Description),
		URL:         strings.TrimSpace(raw.URL),
		Category:    category,
		AmountMin:   amount.Min,
		AmountMax:   amount.Max,
		Currency:    amount.Currency,
		Deadline:    ParseDeadline(raw.Deadline),
		SourceID:    src.ID,
		JobID:       jobID,
		At:          p.clock.Now(),
	}, true
}

// assignIDs pre-generates IDs used only when the store creates new rows.
func (p *Processor) assignIDs(in *grant.GrantUpsert) error {
	grantID, err := p.ids.NewID()
	if err != nil {
		return err
	}
	funderID, err := p.ids.NewID()
	if err != nil {
		return err
	}
	in.ID, in.FunderID = grantID, funderID
	return nil
}
