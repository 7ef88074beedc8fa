// Package reconcile compares the set of locally observed product URLs
// against an external catalog snapshot and maintains the audit trail of
// discrepancies between them.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pricetrack/pricetrack/clock"
	"github.com/pricetrack/pricetrack/models"
	"github.com/pricetrack/pricetrack/store"
)

// Diff is the outcome of a set comparison. All slices are sorted, so equal
// inputs always produce byte-equal output.
type Diff struct {
	// SourceOnly holds canonical URLs observed locally but absent from the
	// external catalog.
	SourceOnly []string

	// ExternalOnly holds canonical URLs present in the external catalog but
	// never observed locally.
	ExternalOnly []string

	// Matched holds canonical URLs present on both sides.
	Matched []string
}

// Compare partitions two canonical URL sets. Inputs may contain duplicates;
// comparison is set-based.
func Compare(source, external []string) Diff {
	inSource := make(map[string]struct{}, len(source))
	for _, u := range source {
		inSource[u] = struct{}{}
	}
	inExternal := make(map[string]struct{}, len(external))
	for _, u := range external {
		inExternal[u] = struct{}{}
	}

	var diff Diff
	for u := range inSource {
		if _, ok := inExternal[u]; ok {
			diff.Matched = append(diff.Matched, u)
		} else {
			diff.SourceOnly = append(diff.SourceOnly, u)
		}
	}
	for u := range inExternal {
		if _, ok := inSource[u]; !ok {
			diff.ExternalOnly = append(diff.ExternalOnly, u)
		}
	}

	sort.Strings(diff.SourceOnly)
	sort.Strings(diff.ExternalOnly)
	sort.Strings(diff.Matched)
	return diff
}

// Report summarizes one reconciliation pass.
type Report struct {
	Diff       Diff
	NewRecords int
	Resolved   int
}

// Engine persists reconciliation outcomes. Discrepancy records accumulate as
// an audit trail: re-detecting an open discrepancy is a no-op, and matched
// URLs resolve their open records rather than deleting them.
type Engine struct {
	store *store.Store
	clk   clock.Clock
}

// NewEngine builds an Engine. A nil clk falls back to the wall clock.
func NewEngine(st *store.Store, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{store: st, clk: clk}
}

// Reconcile compares the locally observed URL set against external and
// persists the outcome. The local set contains only URLs with at least one
// successful price observation, so a failed scrape can never open a
// discrepancy.
func (e *Engine) Reconcile(ctx context.Context, external []string) (*Report, error) {
	source, err := e.store.ObservedURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading observed urls: %w", err)
	}

	diff := Compare(source, external)
	now := e.clk.Now()

	report := &Report{Diff: diff}

	for _, u := range diff.SourceOnly {
		created, err := e.store.OpenDiscrepancy(ctx, u, models.KindSourceOnly, now)
		if err != nil {
			return nil, err
		}
		if created {
			report.NewRecords++
		}
	}
	for _, u := range diff.ExternalOnly {
		created, err := e.store.OpenDiscrepancy(ctx, u, models.KindExternalOnly, now)
		if err != nil {
			return nil, err
		}
		if created {
			report.NewRecords++
		}
	}

	resolved, err := e.store.ResolveOpenRecords(ctx, diff.Matched, now)
	if err != nil {
		return nil, err
	}
	report.Resolved = resolved

	slog.Info("reconciliation complete",
		slog.Int("source_only", len(diff.SourceOnly)),
		slog.Int("external_only", len(diff.ExternalOnly)),
		slog.Int("matched", len(diff.Matched)),
		slog.Int("new_records", report.NewRecords),
		slog.Int("resolved", report.Resolved),
	)
	return report, nil
}
