// Package scrape fetches page HTML for batches of URLs through the browser
// automation service, bounding concurrency and isolating per-URL failures.
package scrape

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pricetrack/pricetrack/breaker"
	"github.com/pricetrack/pricetrack/clock"
	"github.com/pricetrack/pricetrack/models"
)

// Fetcher retrieves a single page. *BrowserClient is the production
// implementation.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Result is the outcome for one URL of a batch.
type Result struct {
	URL      string
	HTML     string
	Err      error
	Attempts []models.ScrapeAttempt
}

// Success reports whether the URL yielded HTML.
func (r Result) Success() bool {
	return r.Err == nil
}

// Options tunes a Client. Zero values get defaults.
type Options struct {
	Timeout     time.Duration // per-attempt deadline
	MaxAttempts int
	Backoff     time.Duration // base of the exponential backoff
	BackoffMax  time.Duration
	Clock       clock.Clock
	Sleeper     clock.Sleeper
	Metrics     *Metrics
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Sleeper == nil {
		o.Sleeper = clock.Real{}
	}
	return o
}

// Client retries and circuit-guards fetches for batches of URLs.
type Client struct {
	fetcher Fetcher
	brk     *breaker.Breaker
	opts    Options
}

// NewClient wraps fetcher with brk ("scrape" circuit) and the given options.
func NewClient(fetcher Fetcher, brk *breaker.Breaker, opts Options) *Client {
	return &Client{
		fetcher: fetcher,
		brk:     brk,
		opts:    opts.withDefaults(),
	}
}

// BackoffDelay is the pure retry-delay function: base * 2^attemptIndex,
// capped at max when max is positive.
func BackoffDelay(base, max time.Duration, attemptIndex int) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	delay := base << uint(attemptIndex)
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// ScrapeAll fetches every URL through a bounded worker pool. One URL's
// failure never aborts the others; results come back in input order.
func (c *Client) ScrapeAll(ctx context.Context, urls []string, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(urls) {
		concurrency = len(urls)
	}

	results := make([]Result, len(urls))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = c.ScrapeOne(ctx, urls[idx])
			}
		}()
	}

	for idx := range urls {
		// Stop handing out work once shutdown begins; in-flight attempts
		// run to completion or their own timeout.
		select {
		case <-ctx.Done():
			results[idx] = Result{URL: urls[idx], Err: ctx.Err()}
			continue
		case jobs <- idx:
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

// ScrapeOne fetches a single URL with retries. Attempts stop early when the
// circuit opens or the context is cancelled.
func (c *Client) ScrapeOne(ctx context.Context, url string) Result {
	res := Result{URL: url}
	m := c.opts.Metrics

	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		started := c.opts.Clock.Now()
		var html string
		err := c.brk.Execute(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()

			fetched, ferr := c.fetcher.Fetch(attemptCtx, url)
			if ferr != nil {
				return ferr
			}
			html = fetched
			return nil
		})

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			// Rejected without a network call: not a scrape attempt,
			// and further retries are pointless inside the cool-down.
			m.IncCircuitRejection(openErr.Name)
			slog.Debug("scrape rejected by open circuit",
				slog.String("url", url),
				slog.Duration("cooldown_remaining", openErr.Remaining),
			)
			res.Err = err
			return res
		}

		res.Attempts = append(res.Attempts, models.ScrapeAttempt{
			URL:           url,
			AttemptNumber: attempt + 1,
			StartedAt:     started,
			Outcome:       attemptOutcome(err),
			ErrorMessage:  errorMessage(err),
		})
		m.ObserveDuration(c.opts.Clock.Now().Sub(started))

		if err == nil {
			m.IncRequest("success")
			res.HTML = html
			res.Err = nil
			return res
		}

		m.IncRequest("failure")
		m.IncError(errorTypeLabel(err))
		res.Err = err
		slog.Debug("scrape attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.String("category", errorTypeLabel(err)),
			slog.Any("error", err),
		)

		if attempt < c.opts.MaxAttempts-1 {
			m.IncRetries()
			delay := BackoffDelay(c.opts.Backoff, c.opts.BackoffMax, attempt)
			if serr := c.opts.Sleeper.Sleep(ctx, delay); serr != nil {
				res.Err = serr
				return res
			}
		}
	}

	return res
}

// Summarize aggregates batch results for reporting.
func Summarize(results []Result, start, end time.Time) models.BatchSummary {
	summary := models.BatchSummary{
		Total:        len(results),
		ErrorsByType: make(map[string]int),
		StartTime:    start,
		EndTime:      end,
	}
	for _, r := range results {
		if len(r.Attempts) > 1 {
			summary.RetryCount += len(r.Attempts) - 1
		}
		if r.Success() {
			summary.Successful++
			continue
		}
		summary.Failed++
		summary.FailedURLs = append(summary.FailedURLs, r.URL)
		summary.ErrorsByType[errorTypeLabel(r.Err)]++
	}
	return summary
}

func attemptOutcome(err error) models.AttemptOutcome {
	if err == nil {
		return models.AttemptSuccess
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
		return models.AttemptTimeout
	}
	return models.AttemptHTTPError
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
