package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricetrack/pricetrack/models"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func ptr(f float64) *float64 { return &f }

func TestTargetUpsertAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := models.Target{
		URL:          "https://WWW.Example.com/Product/?utm_source=x",
		CanonicalURL: "https://example.com/product",
		Domain:       "example.com",
		CreatedAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.UpsertTarget(ctx, target))

	// Same canonical URL with a different raw form updates in place.
	target.URL = "https://example.com/product?utm_medium=email"
	require.NoError(t, store.UpsertTarget(ctx, target))

	targets, err := store.ListTargets(ctx, 0)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "https://example.com/product", targets[0].CanonicalURL)
	assert.Equal(t, "https://example.com/product?utm_medium=email", targets[0].URL)
	assert.True(t, targets[0].CreatedAt.Equal(target.CreatedAt))

	got, err := store.GetTarget(ctx, "https://example.com/product")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got.Domain)

	_, err = store.GetTarget(ctx, "https://example.com/unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTargetsLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"} {
		require.NoError(t, store.UpsertTarget(ctx, models.Target{
			URL: u, CanonicalURL: u, Domain: "a.test",
		}))
	}

	targets, err := store.ListTargets(ctx, 2)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "https://a.test/1", targets[0].CanonicalURL)
}

func TestAttemptLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordAttempt(ctx, models.ScrapeAttempt{
		URL: "https://a.test/p", AttemptNumber: 1, StartedAt: started,
		Outcome: models.AttemptTimeout, ErrorMessage: "context deadline exceeded",
	}))
	require.NoError(t, store.RecordAttempt(ctx, models.ScrapeAttempt{
		URL: "https://a.test/p", AttemptNumber: 2, StartedAt: started.Add(2 * time.Second),
		Outcome: models.AttemptSuccess,
	}))

	attempts, err := store.ListAttempts(ctx, "https://a.test/p")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, models.AttemptTimeout, attempts[0].Outcome)
	assert.Equal(t, "context deadline exceeded", attempts[0].ErrorMessage)
	assert.Equal(t, models.AttemptSuccess, attempts[1].Outcome)
	assert.Empty(t, attempts[1].ErrorMessage)
	assert.True(t, attempts[0].StartedAt.Equal(started))
}

func TestObservations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertObservation(ctx, models.PriceObservation{
		TargetCanonicalURL: "https://a.test/p",
		SalePrice:          432,
		OriginalPrice:      ptr(499),
		Confidence:         0.8,
		Strategy:           "domain-selectors",
		ExtractedAt:        base,
	}))
	require.NoError(t, store.InsertObservation(ctx, models.PriceObservation{
		TargetCanonicalURL: "https://a.test/p",
		SalePrice:          410,
		Confidence:         0.7,
		Strategy:           "structured-data",
		ExtractedAt:        base.Add(24 * time.Hour),
	}))
	require.NoError(t, store.InsertObservation(ctx, models.PriceObservation{
		TargetCanonicalURL: "https://a.test/q",
		SalePrice:          19.95,
		Confidence:         0.8,
		Strategy:           "domain-selectors",
		ExtractedAt:        base,
	}))

	latest, err := store.LatestObservations(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 410.0, latest["https://a.test/p"].SalePrice)
	assert.Nil(t, latest["https://a.test/p"].OriginalPrice)
	assert.Equal(t, 19.95, latest["https://a.test/q"].SalePrice)

	one, err := store.LatestObservation(ctx, "https://a.test/p")
	require.NoError(t, err)
	assert.Equal(t, 410.0, one.SalePrice)
	assert.Equal(t, "structured-data", one.Strategy)

	_, err = store.LatestObservation(ctx, "https://a.test/none")
	assert.ErrorIs(t, err, ErrNotFound)

	urls, err := store.ObservedURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/p", "https://a.test/q"}, urls)
}

func TestOpenDiscrepancyIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	detected := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

	created, err := store.OpenDiscrepancy(ctx, "https://a.test/p", models.KindSourceOnly, detected)
	require.NoError(t, err)
	assert.True(t, created)

	// A second detection of the same discrepancy does not duplicate.
	created, err = store.OpenDiscrepancy(ctx, "https://a.test/p", models.KindSourceOnly, detected.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, created)

	// A different kind for the same URL is a distinct record.
	created, err = store.OpenDiscrepancy(ctx, "https://a.test/p", models.KindExternalOnly, detected)
	require.NoError(t, err)
	assert.True(t, created)

	open, err := store.OpenRecords(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, models.StatusPending, open[0].Status)
	assert.True(t, open[0].DetectedAt.Equal(detected))
}

func TestResolveOpenRecordsKeepsHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	detected := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	_, err := store.OpenDiscrepancy(ctx, "https://a.test/p", models.KindSourceOnly, detected)
	require.NoError(t, err)
	_, err = store.OpenDiscrepancy(ctx, "https://a.test/q", models.KindExternalOnly, detected)
	require.NoError(t, err)

	resolved := detected.Add(24 * time.Hour)
	n, err := store.ResolveOpenRecords(ctx, []string{"https://a.test/p"}, resolved)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err := store.OpenRecords(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "https://a.test/q", open[0].CanonicalURL)

	// Resolved records stay in the audit trail.
	all, err := store.ListRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Resolving again is a no-op.
	n, err = store.ResolveOpenRecords(ctx, []string{"https://a.test/p"}, resolved)
	require.NoError(t, err)
	assert.Zero(t, n)

	// After resolution, the same discrepancy may reopen as a new record.
	created, err := store.OpenDiscrepancy(ctx, "https://a.test/p", models.KindSourceOnly, resolved.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSetRecordStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.OpenDiscrepancy(ctx, "https://a.test/p", models.KindSourceOnly, time.Now())
	require.NoError(t, err)

	open, err := store.OpenRecords(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, store.SetRecordStatus(ctx, open[0].ID, models.StatusRedirect))

	open, err = store.OpenRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRedirect, open[0].Status)

	assert.ErrorIs(t, store.SetRecordStatus(ctx, 9999, models.StatusActive), ErrNotFound)
}

func TestSchedulerStateRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	state, err := store.SchedulerState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state)

	lastRun := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSchedulerState(ctx, models.SchedulerState{
		LastRunAt:        lastRun,
		LastRunStatus:    models.RunSuccess,
		NextScheduledRun: lastRun.Add(24 * time.Hour),
	}))

	state, err = store.SchedulerState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.LastRunAt.Equal(lastRun))
	assert.Equal(t, models.RunSuccess, state.LastRunStatus)

	// Singleton row: a second save overwrites.
	require.NoError(t, store.SaveSchedulerState(ctx, models.SchedulerState{
		LastRunAt:        lastRun.Add(24 * time.Hour),
		LastRunStatus:    models.RunFailed,
		NextScheduledRun: lastRun.Add(48 * time.Hour),
	}))

	state, err = store.SchedulerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, state.LastRunStatus)
	assert.True(t, state.LastRunAt.Equal(lastRun.Add(24*time.Hour)))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.UpsertTarget(context.Background(), models.Target{
		URL: "https://a.test/p", CanonicalURL: "https://a.test/p", Domain: "a.test",
	}))
	require.NoError(t, store.Close())

	// Reopening the same directory must not rerun or corrupt anything.
	store, err = NewStore(dir)
	require.NoError(t, err)
	defer store.Close()

	targets, err := store.ListTargets(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}
