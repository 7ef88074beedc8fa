// Package pipeline orchestrates one tracking run: scrape every registered
// target, extract prices, persist the results, reconcile against the
// external catalog, and optionally push price changes back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pricetrack/pricetrack/canonical"
	"github.com/pricetrack/pricetrack/catalog"
	"github.com/pricetrack/pricetrack/clock"
	"github.com/pricetrack/pricetrack/extract"
	"github.com/pricetrack/pricetrack/models"
	"github.com/pricetrack/pricetrack/notify"
	"github.com/pricetrack/pricetrack/reconcile"
	"github.com/pricetrack/pricetrack/scrape"
	"github.com/pricetrack/pricetrack/store"
)

// Pipeline ties the stages together. The catalog client may be nil, which
// disables reconciliation and price sync but leaves tracking intact.
type Pipeline struct {
	store     *store.Store
	scraper   *scrape.Client
	extractor *extract.Extractor
	catalog   *catalog.Client
	engine    *reconcile.Engine
	notifier  *notify.Notifier
	clk       clock.Clock

	concurrency int
}

// Options configures a Pipeline.
type Options struct {
	Store       *store.Store
	Scraper     *scrape.Client
	Extractor   *extract.Extractor
	Catalog     *catalog.Client
	Engine      *reconcile.Engine
	Notifier    *notify.Notifier
	Clock       clock.Clock
	Concurrency int
}

// New builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Scraper == nil || opts.Extractor == nil {
		return nil, fmt.Errorf("pipeline: store, scraper, and extractor are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNotifier("")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.Catalog != nil && opts.Engine == nil {
		opts.Engine = reconcile.NewEngine(opts.Store, opts.Clock)
	}
	return &Pipeline{
		store:       opts.Store,
		scraper:     opts.Scraper,
		extractor:   opts.Extractor,
		catalog:     opts.Catalog,
		engine:      opts.Engine,
		notifier:    opts.Notifier,
		clk:         opts.Clock,
		concurrency: opts.Concurrency,
	}, nil
}

// RunOptions tunes a single run.
type RunOptions struct {
	// Limit caps how many targets are processed; <= 0 means all.
	Limit int

	// SyncPrices pushes observed price changes back to the catalog.
	SyncPrices bool
}

// RunReport is the structured outcome of one run.
type RunReport struct {
	Summary            models.BatchSummary
	Extracted          int
	ExtractionFailures []string
	Reconcile          *reconcile.Report
	PriceSync          *models.UpdateOutcome
}

// Run executes one full tracking pass.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	targets, err := p.store.ListTargets(ctx, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets registered; run discovery or add targets first")
	}

	var snapshot []models.CatalogItem
	if p.catalog != nil {
		snapshot, err = p.catalog.Snapshot(ctx)
		if err != nil {
			// Scraping is still worth doing; reconciliation and sync
			// are skipped for this run.
			slog.Error("catalog snapshot unavailable", slog.Any("error", err))
			snapshot = nil
		}
	}

	p.seedReferencePrices(ctx, snapshot)

	urls := make([]string, len(targets))
	for i, target := range targets {
		urls[i] = target.URL
	}

	start := p.clk.Now()
	results := p.scraper.ScrapeAll(ctx, urls, p.concurrency)
	end := p.clk.Now()

	report := &RunReport{Summary: scrape.Summarize(results, start, end)}

	for _, res := range results {
		for _, attempt := range res.Attempts {
			if err := p.store.RecordAttempt(ctx, attempt); err != nil {
				return nil, fmt.Errorf("recording attempt: %w", err)
			}
		}
		if !res.Success() {
			continue
		}

		obs, err := p.extractor.Extract(ctx, res.URL, res.HTML)
		if err != nil {
			report.ExtractionFailures = append(report.ExtractionFailures, res.URL)
			slog.Warn("extraction failed",
				slog.String("url", res.URL),
				slog.Any("error", err),
			)
			continue
		}
		if err := p.store.InsertObservation(ctx, *obs); err != nil {
			return nil, fmt.Errorf("inserting observation: %w", err)
		}
		report.Extracted++
	}

	if p.engine != nil && snapshot != nil {
		external := make([]string, len(snapshot))
		for i, item := range snapshot {
			external[i] = item.CanonicalURL
		}
		recReport, err := p.engine.Reconcile(ctx, external)
		if err != nil {
			return nil, fmt.Errorf("reconciling: %w", err)
		}
		report.Reconcile = recReport
	}

	if opts.SyncPrices && p.catalog != nil && snapshot != nil {
		outcome, err := p.syncPrices(ctx, snapshot)
		if err != nil {
			slog.Error("price sync failed", slog.Any("error", err))
		} else {
			report.PriceSync = outcome
		}
	}

	return report, nil
}

// seedReferencePrices primes the extractor's anomaly check with the best
// known price per target: the latest local observation, or failing that the
// catalog's current price.
func (p *Pipeline) seedReferencePrices(ctx context.Context, snapshot []models.CatalogItem) {
	latest, err := p.store.LatestObservations(ctx)
	if err != nil {
		slog.Warn("loading prior observations failed", slog.Any("error", err))
		latest = nil
	}
	for u, obs := range latest {
		p.extractor.SetReferencePrice(u, obs.SalePrice)
	}
	for _, item := range snapshot {
		if _, ok := latest[item.CanonicalURL]; !ok {
			p.extractor.SetReferencePrice(item.CanonicalURL, item.CurrentPrice)
		}
	}
}

// syncPrices pushes observations that differ from the catalog's current
// price.
func (p *Pipeline) syncPrices(ctx context.Context, snapshot []models.CatalogItem) (*models.UpdateOutcome, error) {
	latest, err := p.store.LatestObservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading observations: %w", err)
	}

	var updates []models.PriceUpdate
	for _, item := range snapshot {
		obs, ok := latest[item.CanonicalURL]
		if !ok || obs.SalePrice == item.CurrentPrice {
			continue
		}
		updates = append(updates, models.PriceUpdate{
			ID:             item.ID,
			Price:          obs.SalePrice,
			CompareAtPrice: obs.OriginalPrice,
		})
	}
	if len(updates) == 0 {
		return &models.UpdateOutcome{}, nil
	}

	outcome, err := p.catalog.ApplyPriceUpdates(ctx, updates)
	if err != nil {
		return nil, err
	}
	slog.Info("price sync complete",
		slog.Int("updates", len(updates)),
		slog.Int("succeeded", outcome.Succeeded),
		slog.Int("failed", outcome.Failed),
	)
	return &outcome, nil
}

// RunScheduled is the scheduler's job: a failed run raises an alert and
// returns the error, which stops the daemon. Partial failures alert but keep
// the cadence going.
func (p *Pipeline) RunScheduled(ctx context.Context) error {
	report, err := p.Run(ctx, RunOptions{SyncPrices: p.catalog != nil})
	if err != nil {
		p.alert(ctx, "scheduled run failed", err.Error())
		return err
	}
	if report.Summary.Total > 0 && report.Summary.Successful == 0 {
		msg := fmt.Sprintf("all %d targets failed; circuit or collaborator outage likely", report.Summary.Total)
		p.alert(ctx, "scheduled run failed", msg)
		return errors.New(msg)
	}
	if report.Summary.Failed > 0 {
		p.alert(ctx, "scheduled run degraded", fmt.Sprintf(
			"%d of %d targets failed: %s",
			report.Summary.Failed, report.Summary.Total,
			strings.Join(report.Summary.FailedURLs, ", "),
		))
	}
	return nil
}

func (p *Pipeline) alert(ctx context.Context, subject, body string) {
	if err := p.notifier.SendAlert(context.WithoutCancel(ctx), subject, body); err != nil {
		slog.Error("alert not delivered", slog.Any("error", err))
	}
}

// Recheck re-scrapes a single URL immediately and reports whether its price
// moved. The URL does not need to be a registered target.
func (p *Pipeline) Recheck(ctx context.Context, rawURL string) (*models.RecheckResult, error) {
	canonicalURL, err := canonical.Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}

	var oldPrice *float64
	if prior, err := p.store.LatestObservation(ctx, canonicalURL); err == nil {
		oldPrice = &prior.SalePrice
		p.extractor.SetReferencePrice(canonicalURL, prior.SalePrice)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading prior observation: %w", err)
	}

	res := p.scraper.ScrapeOne(ctx, rawURL)
	for _, attempt := range res.Attempts {
		if err := p.store.RecordAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("recording attempt: %w", err)
		}
	}
	if !res.Success() {
		return &models.RecheckResult{
			Success:  false,
			OldPrice: oldPrice,
			Reason:   res.Err.Error(),
		}, nil
	}

	obs, err := p.extractor.Extract(ctx, rawURL, res.HTML)
	if err != nil {
		return &models.RecheckResult{
			Success:  false,
			OldPrice: oldPrice,
			Reason:   err.Error(),
		}, nil
	}
	if err := p.store.InsertObservation(ctx, *obs); err != nil {
		return nil, fmt.Errorf("inserting observation: %w", err)
	}

	return &models.RecheckResult{
		Success:      true,
		OldPrice:     oldPrice,
		NewPrice:     &obs.SalePrice,
		PriceChanged: oldPrice != nil && *oldPrice != obs.SalePrice,
	}, nil
}
