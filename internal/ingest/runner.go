// Package ingest runs listing ingestion: adapter search, normalization,
// quality filtering and deduplicated upserts on a bounded worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/poolfeed/internal/dedup"
	"github.com/FranksOps/poolfeed/internal/events"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/metrics"
	"github.com/FranksOps/poolfeed/internal/normalize"
	"github.com/FranksOps/poolfeed/internal/quality"
	"github.com/FranksOps/poolfeed/internal/source"
	"github.com/FranksOps/poolfeed/internal/storage"
)

const defaultWorkers = 4

// Config tunes a Runner.
type Config struct {
	// Workers bounds concurrently processed identity groups (default 4).
	Workers int
	// Detail fetches every listing's detail page unless a Request overrides it.
	Detail bool
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Registry   *source.Registry
	Normalizer *normalize.Normalizer
	Filter     *quality.Filter
	Store      storage.ListingStore
	// Hub and Watchlist are optional; without them no events are published.
	Hub       *events.Hub
	Watchlist *events.Watchlist
}

// Request is one ingestion run.
type Request struct {
	Marketplace listing.Marketplace
	Query       string
	Limit       int
	Options     source.SearchOptions
	// Detail overrides Config.Detail when set.
	Detail *bool
}

// Runner executes ingestion runs. Safe for concurrent use; overlapping runs
// rely on the deduplicator to serialize writes per identity.
type Runner struct {
	cfg    Config
	deps   Deps
	dedup  *dedup.Deduplicator
	logger *slog.Logger
}

// New validates deps and builds a Runner.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Runner, error) {
	if deps.Registry == nil || deps.Store == nil {
		return nil, errors.New("ingest: registry and store are required")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New()
	}
	if deps.Filter == nil {
		f, err := quality.New(quality.DefaultPatterns...)
		if err != nil {
			return nil, fmt.Errorf("ingest: default quality filter: %w", err)
		}
		deps.Filter = f
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		dedup:  dedup.New(deps.Store, logger),
		logger: logger,
	}, nil
}

// candidate is a normalized search record awaiting processing.
type candidate struct {
	raw     source.RawListing
	listing *listing.Listing
}

// Run performs one ingestion. Per-record failures are counted in the summary
// and never abort the run. A failed search is returned as an error alongside
// the summary so "could not ask" stays distinct from "nothing found".
func (r *Runner) Run(ctx context.Context, req Request) (*Summary, error) {
	sum := newSummary(req)
	defer func() {
		sum.Finished = time.Now().UTC()
		metrics.IngestRunDuration.WithLabelValues(string(req.Marketplace)).Observe(sum.Finished.Sub(sum.Started).Seconds())
	}()

	logger := r.logger.With("run", sum.RunID, "marketplace", req.Marketplace, "query", req.Query)

	adapter, err := r.deps.Registry.Get(req.Marketplace)
	if err != nil {
		sum.SearchError = err.Error()
		return sum, fmt.Errorf("ingest: %w", err)
	}

	raws, err := adapter.Search(ctx, req.Query, req.Limit, req.Options)
	if err != nil {
		sum.SearchError = err.Error()
		logger.Warn("search failed", "err", err)
		return sum, fmt.Errorf("ingest: search %s %q: %w", req.Marketplace, req.Query, err)
	}
	sum.Fetched = len(raws)
	logger.Info("search complete", "records", len(raws))

	groups, order := r.partition(raws, req.Marketplace, sum, logger)

	detail := r.cfg.Detail
	if req.Detail != nil {
		detail = *req.Detail
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, key := range order {
		if ctx.Err() != nil {
			break
		}
		group := groups[key]
		g.Go(func() error {
			for _, c := range group {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.process(gctx, adapter, c, detail, sum, logger)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() != nil {
		logger.Warn("run cancelled", "err", ctx.Err())
		return sum, ctx.Err()
	}
	if ctx.Err() != nil {
		return sum, ctx.Err()
	}

	logger.Info("run complete",
		"created", sum.Created, "updated", sum.Updated,
		"rejected", sum.Rejected, "excluded", sum.Excluded, "failed", sum.Failed)
	return sum, nil
}

// partition normalizes raws and groups them by dedup lock key, preserving
// yield order within each group and first-seen order across groups.
func (r *Runner) partition(raws []source.RawListing, m listing.Marketplace, sum *Summary, logger *slog.Logger) (map[string][]candidate, []string) {
	groups := make(map[string][]candidate)
	var order []string
	for _, raw := range raws {
		l, err := r.deps.Normalizer.Normalize(raw, m)
		if err != nil {
			sum.record(m, outcomeRejected)
			logger.Info("record rejected", "url", raw.URL, "reason", err)
			continue
		}
		key := dedup.LockKey(l)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], candidate{raw: raw, listing: l})
	}
	return groups, order
}

func (r *Runner) process(ctx context.Context, adapter source.Adapter, c candidate, detail bool, sum *Summary, logger *slog.Logger) {
	m := adapter.Marketplace()
	l := c.listing

	if detail {
		if enriched, err := r.enrich(ctx, adapter, c); err != nil {
			sum.detailFailed()
			logger.Warn("detail fetch failed, keeping search record", "url", l.SourceURL, "err", err)
		} else {
			l = enriched
		}
	}

	if a := r.deps.Filter.Assess(l.Title, l.Description); a.Excluded {
		sum.record(m, outcomeExcluded)
		logger.Info("record excluded", "url", l.SourceURL, "reason", a.Reason, "term", a.Term)
		return
	}

	out, err := r.dedup.Upsert(ctx, l)
	if err != nil {
		sum.record(m, outcomeFailed)
		logger.Error("upsert failed", "url", l.SourceURL, "err", err)
		return
	}

	switch out {
	case dedup.Created:
		sum.record(m, outcomeCreated)
		r.notify(events.TypeListingCreated, l)
	default:
		sum.record(m, outcomeUpdated)
		r.notify(events.TypeListingUpdated, l)
	}
}

func (r *Runner) enrich(ctx context.Context, adapter source.Adapter, c candidate) (*listing.Listing, error) {
	d, err := adapter.FetchDetail(ctx, c.listing.SourceURL)
	if err != nil {
		return nil, err
	}
	l, err := r.deps.Normalizer.NormalizeDetail(c.raw, d, adapter.Marketplace())
	if err != nil {
		return nil, err
	}
	// The search record fixed the identity; a detail page that canonicalizes
	// elsewhere must not fork the listing.
	l.ID = c.listing.ID
	l.SourceURL = c.listing.SourceURL
	if l.ProductRef == "" {
		l.ProductRef = c.listing.ProductRef
	}
	return l, nil
}

func (r *Runner) notify(typ string, l *listing.Listing) {
	if r.deps.Hub == nil || r.deps.Watchlist == nil {
		return
	}
	r.deps.Watchlist.Notify(r.deps.Hub, events.NewEvent(typ, l.ID, map[string]string{
		"title":       l.DisplayTitle(),
		"marketplace": string(l.Marketplace),
	}))
}

// Renormalize rebuilds stored listings matching f from their raw detail
// blobs without any network access. Listings without a blob are skipped.
func (r *Runner) Renormalize(ctx context.Context, f storage.Filter) (*Summary, error) {
	sum := newSummary(Request{Query: "renormalize"})
	defer func() { sum.Finished = time.Now().UTC() }()

	stored, err := r.deps.Store.Query(ctx, f)
	if err != nil {
		return sum, fmt.Errorf("ingest: renormalize query: %w", err)
	}
	sum.Fetched = len(stored)

	for _, old := range stored {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if len(old.RawDetail) == 0 {
			sum.skip()
			continue
		}
		d, err := source.DecodeDetail(old.RawDetail)
		if err != nil {
			sum.record(old.Marketplace, outcomeFailed)
			r.logger.Warn("stored detail unreadable", "id", old.ID, "err", err)
			continue
		}
		l, err := r.deps.Normalizer.NormalizeDetail(d.Listing, d, old.Marketplace)
		if err != nil {
			sum.record(old.Marketplace, outcomeRejected)
			r.logger.Info("stored detail rejected", "id", old.ID, "reason", err)
			continue
		}
		l.ID = old.ID
		l.SourceURL = old.SourceURL
		if a := r.deps.Filter.Assess(l.Title, l.Description); a.Excluded {
			sum.record(old.Marketplace, outcomeExcluded)
			r.logger.Info("stored listing now excluded", "id", old.ID, "reason", a.Reason)
			continue
		}
		out, err := r.dedup.Upsert(ctx, l)
		if err != nil {
			sum.record(old.Marketplace, outcomeFailed)
			r.logger.Error("renormalize upsert failed", "id", old.ID, "err", err)
			continue
		}
		if out == dedup.Created {
			sum.record(old.Marketplace, outcomeCreated)
		} else {
			sum.record(old.Marketplace, outcomeUpdated)
		}
	}
	return sum, nil
}

type outcome string

const (
	outcomeCreated  outcome = metrics.OutcomeCreated
	outcomeUpdated  outcome = metrics.OutcomeUpdated
	outcomeRejected outcome = metrics.OutcomeRejected
	outcomeExcluded outcome = metrics.OutcomeExcluded
	outcomeFailed   outcome = metrics.OutcomeFailed
)

// Summary tallies one run.
type Summary struct {
	RunID       string              `json:"run_id"`
	Marketplace listing.Marketplace `json:"marketplace,omitempty"`
	Query       string              `json:"query"`
	Started     time.Time           `json:"started"`
	Finished    time.Time           `json:"finished"`
	// Fetched is the number of raw records the adapter returned.
	Fetched        int    `json:"fetched"`
	Created        int    `json:"created"`
	Updated        int    `json:"updated"`
	Rejected       int    `json:"rejected"`
	Excluded       int    `json:"excluded"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped,omitempty"`
	DetailFailures int    `json:"detail_failures,omitempty"`
	SearchError    string `json:"search_error,omitempty"`

	mu sync.Mutex
}

func newSummary(req Request) *Summary {
	return &Summary{
		RunID:       uuid.NewString(),
		Marketplace: req.Marketplace,
		Query:       req.Query,
		Started:     time.Now().UTC(),
	}
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	if s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}

// Persisted is the number of records written.
func (s *Summary) Persisted() int { return s.Created + s.Updated }

func (s *Summary) record(m listing.Marketplace, o outcome) {
	metrics.RecordIngest(string(m), string(o))
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case outcomeCreated:
		s.Created++
	case outcomeUpdated:
		s.Updated++
	case outcomeRejected:
		s.Rejected++
	case outcomeExcluded:
		s.Excluded++
	case outcomeFailed:
		s.Failed++
	}
}

func (s *Summary) detailFailed() {
	s.mu.Lock()
	s.DetailFailures++
	s.mu.Unlock()
}

func (s *Summary) skip() {
	s.mu.Lock()
	s.Skipped++
	s.mu.Unlock()
}
