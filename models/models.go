// Package models defines the data structures shared across the tracker.
package models

import "time"

// Target is a product page registered for tracking. CanonicalURL is always
// derived from URL, never edited independently.
type Target struct {
	URL          string    `json:"url"`
	CanonicalURL string    `json:"canonical_url"`
	Domain       string    `json:"domain"`
	CreatedAt    time.Time `json:"created_at"`
}

// AttemptOutcome classifies a single scrape attempt.
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptTimeout   AttemptOutcome = "timeout"
	AttemptHTTPError AttemptOutcome = "http_error"
)

// ScrapeAttempt records one try at fetching a URL. Immutable once written.
type ScrapeAttempt struct {
	URL           string         `json:"url"`
	AttemptNumber int            `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	Outcome       AttemptOutcome `json:"outcome"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// PriceObservation is the extractor's output for one target. Later
// observations supersede earlier ones; they are never merged.
type PriceObservation struct {
	TargetCanonicalURL string    `json:"target_canonical_url"`
	SalePrice          float64   `json:"sale_price"`
	OriginalPrice      *float64  `json:"original_price,omitempty"`
	Confidence         float64   `json:"confidence"`
	Strategy           string    `json:"strategy"`
	ExtractedAt        time.Time `json:"extracted_at"`
}

// RecordKind says which side of the comparison a canonical URL was found on.
type RecordKind string

const (
	KindSourceOnly   RecordKind = "source-only"
	KindExternalOnly RecordKind = "external-only"
)

// RecordStatus is the investigation state of a reconciliation record.
type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusActive   RecordStatus = "active"
	StatusRedirect RecordStatus = "redirect"
	StatusNotFound RecordStatus = "not-found"
)

// ReconciliationRecord is the audit trail of catalog drift. Records are
// resolved, never deleted.
type ReconciliationRecord struct {
	ID           int64        `json:"id"`
	CanonicalURL string       `json:"canonical_url"`
	Kind         RecordKind   `json:"kind"`
	Status       RecordStatus `json:"status"`
	DetectedAt   time.Time    `json:"detected_at"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
}

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// SchedulerState is the singleton row the scheduler persists after every run
// so missed runs can be detected across restarts.
type SchedulerState struct {
	LastRunAt        time.Time `json:"last_run_at"`
	LastRunStatus    RunStatus `json:"last_run_status"`
	NextScheduledRun time.Time `json:"next_scheduled_run"`
}

// BatchSummary aggregates per-URL outcomes for one run.
type BatchSummary struct {
	Total        int            `json:"total"`
	Successful   int            `json:"successful"`
	Failed       int            `json:"failed"`
	RetryCount   int            `json:"retry_count"`
	FailedURLs   []string       `json:"failed_urls,omitempty"`
	ErrorsByType map[string]int `json:"errors_by_type,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
}

// RecheckResult is returned to callers of a single-target re-run.
type RecheckResult struct {
	Success      bool     `json:"success"`
	OldPrice     *float64 `json:"old_price,omitempty"`
	NewPrice     *float64 `json:"new_price,omitempty"`
	PriceChanged bool     `json:"price_changed"`
	Reason       string   `json:"reason,omitempty"`
}

// CatalogItem is one entry of the external catalog snapshot.
type CatalogItem struct {
	ID                    string   `json:"id"`
	CanonicalURL          string   `json:"canonical_url"`
	CurrentPrice          float64  `json:"current_price"`
	CurrentCompareAtPrice *float64 `json:"current_compare_at_price,omitempty"`
}

// PriceUpdate is one entry of a batch price-sync to the external catalog.
type PriceUpdate struct {
	ID             string   `json:"id"`
	Price          float64  `json:"price"`
	CompareAtPrice *float64 `json:"compare_at_price,omitempty"`
}

// UpdateOutcome is the external catalog's batch update summary.
type UpdateOutcome struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
