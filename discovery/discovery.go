// Package discovery crawls merchant listing pages to find product URLs and
// registers them as tracking targets.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/pricetrack/pricetrack/breaker"
	"github.com/pricetrack/pricetrack/canonical"
	"github.com/pricetrack/pricetrack/models"
	"github.com/pricetrack/pricetrack/store"
)

// Options configures a Crawler.
type Options struct {
	StartURL  string
	MaxPages  int
	UserAgent string
	Timeout   time.Duration

	// ProductSelector matches anchors pointing at product pages.
	ProductSelector string

	// NextSelector matches the pagination link to the next listing page.
	NextSelector string
}

func (o Options) withDefaults() Options {
	if o.MaxPages <= 0 {
		o.MaxPages = 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ProductSelector == "" {
		o.ProductSelector = ".product a[href], a.product-link, a[href*='/product']"
	}
	if o.NextSelector == "" {
		o.NextSelector = "a[rel='next'], li.next a, .pagination .next a"
	}
	return o
}

// Result summarizes one crawl.
type Result struct {
	PagesVisited int
	Discovered   int
	Registered   int
}

// Crawler walks listing pages of a single merchant domain. Listing pages are
// fetched directly rather than through the browser service; the circuit
// breaker still guards against a struggling site.
type Crawler struct {
	opts      Options
	collector *colly.Collector
	brk       *breaker.Breaker
	store     *store.Store

	queue []string
	found map[string]string // canonical URL -> raw URL
}

// NewCrawler builds a crawler rooted at opts.StartURL.
func NewCrawler(opts Options, brk *breaker.Breaker, st *store.Store) (*Crawler, error) {
	opts = opts.withDefaults()

	parsed, err := url.Parse(opts.StartURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("start url must include a host")
	}

	collectorOpts := []colly.CollectorOption{
		colly.AllowedDomains(parsed.Host),
	}
	if opts.UserAgent != "" {
		collectorOpts = append(collectorOpts, colly.UserAgent(opts.UserAgent))
	}
	collector := colly.NewCollector(collectorOpts...)
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(opts.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	c := &Crawler{
		opts:      opts,
		collector: collector,
		brk:       brk,
		store:     st,
		found:     make(map[string]string),
	}
	c.configureHandlers()
	return c, nil
}

// SetTransport swaps the collector's transport. Tests use this to install a
// mock.
func (c *Crawler) SetTransport(rt http.RoundTripper) {
	c.collector.WithTransport(rt)
}

func (c *Crawler) configureHandlers() {
	c.collector.OnHTML(c.opts.ProductSelector, func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if href == "" {
			return
		}
		raw := e.Request.AbsoluteURL(href)
		canonicalURL, err := canonical.Canonicalize(raw)
		if err != nil {
			slog.Debug("skipping unparseable product link",
				slog.String("href", raw),
				slog.Any("error", err),
			)
			return
		}
		if _, seen := c.found[canonicalURL]; !seen {
			c.found[canonicalURL] = raw
		}
	})

	c.collector.OnHTML(c.opts.NextSelector, func(e *colly.HTMLElement) {
		link := e.Attr("href")
		if link == "" {
			return
		}
		c.queue = append(c.queue, e.Request.AbsoluteURL(link))
	})
}

// Crawl walks listing pages until the queue drains, MaxPages is reached, or
// the breaker opens. Discovered product URLs are registered as targets; an
// already registered target is refreshed, not duplicated.
func (c *Crawler) Crawl(ctx context.Context) (*Result, error) {
	c.queue = []string{c.opts.StartURL}
	result := &Result{}

	for len(c.queue) > 0 && result.PagesVisited < c.opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		page := c.queue[0]
		c.queue = c.queue[1:]

		err := c.brk.Execute(func() error {
			visitErr := c.collector.Visit(page)
			if errors.Is(visitErr, colly.ErrAlreadyVisited) {
				return nil
			}
			return visitErr
		})

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			slog.Warn("discovery halted, circuit open",
				slog.String("page", page),
				slog.Duration("cooldown_remaining", openErr.Remaining),
			)
			break
		}
		if err != nil {
			slog.Error("listing page fetch failed",
				slog.String("page", page),
				slog.Any("error", err),
			)
			continue
		}
		result.PagesVisited++
	}

	result.Discovered = len(c.found)
	for canonicalURL, raw := range c.found {
		domain, err := canonical.Domain(raw)
		if err != nil {
			continue
		}
		if err := c.store.UpsertTarget(ctx, models.Target{
			URL:          raw,
			CanonicalURL: canonicalURL,
			Domain:       domain,
		}); err != nil {
			return result, fmt.Errorf("registering target %s: %w", canonicalURL, err)
		}
		result.Registered++
	}

	slog.Info("discovery crawl complete",
		slog.Int("pages_visited", result.PagesVisited),
		slog.Int("discovered", result.Discovered),
		slog.Int("registered", result.Registered),
	)
	return result, nil
}
