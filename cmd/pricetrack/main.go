// Command pricetrack tracks product prices across merchant sites and
// reconciles them against an external catalog.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pricetrack/pricetrack/breaker"
	"github.com/pricetrack/pricetrack/canonical"
	"github.com/pricetrack/pricetrack/catalog"
	"github.com/pricetrack/pricetrack/config"
	"github.com/pricetrack/pricetrack/discovery"
	"github.com/pricetrack/pricetrack/extract"
	"github.com/pricetrack/pricetrack/models"
	"github.com/pricetrack/pricetrack/notify"
	"github.com/pricetrack/pricetrack/pipeline"
	"github.com/pricetrack/pricetrack/reconcile"
	"github.com/pricetrack/pricetrack/schedule"
	"github.com/pricetrack/pricetrack/scrape"
	"github.com/pricetrack/pricetrack/store"
)

var (
	cfg = config.DefaultConfig()

	flagConcurrency int
	flagLimit       int
	flagSync        bool
	flagJSON        bool
	flagRecords     int
)

var rootCmd = &cobra.Command{
	Use:           "pricetrack",
	Short:         "Track product prices and reconcile them with a catalog",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.ApplyEnv(); err != nil {
			return err
		}
		// Flags win over environment.
		if cmd.Flags().Changed("verbose") {
			verbose, _ := cmd.Flags().GetBool("verbose")
			cfg.Verbose = verbose
		}
		if cmd.Flags().Changed("data-dir") {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			cfg.DataDir = dataDir
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		setupLogging(cfg.Verbose)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("data-dir", cfg.DataDir, "database directory")

	runCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "worker count (default from config)")
	runCmd.Flags().IntVar(&flagLimit, "limit", 0, "cap the number of targets processed")
	runCmd.Flags().BoolVar(&flagSync, "sync", false, "push observed price changes to the catalog")

	recheckCmd.Flags().BoolVar(&flagJSON, "json", false, "print the result as JSON")
	recordsCmd.Flags().IntVar(&flagRecords, "limit", 50, "number of records to show")

	rootCmd.AddCommand(runCmd, serveCmd, recheckCmd, discoverCmd, reconcileCmd, recordsCmd, addCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level.Level())
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// components is everything a command might need, wired from cfg.
type components struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	catalog  *catalog.Client
	metrics  *scrape.Metrics
}

func buildComponents() (*components, error) {
	st, err := store.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	metrics := scrape.NewMetrics()
	browser := scrape.NewBrowserClient(cfg.BrowserServiceURL, cfg.RenderJS, cfg.Stealth)
	scraper := scrape.NewClient(browser, breaker.New(cfg.ScrapeBreaker, nil), scrape.Options{
		Timeout:     cfg.ScrapeTimeout,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		BackoffMax:  cfg.RetryBackoffMax,
		Metrics:     metrics,
	})

	extractOpts := extract.Options{
		Limits: extract.Limits{Min: cfg.MinPlausiblePrice, Max: cfg.MaxPlausiblePrice},
	}
	if cfg.LLMBaseURL != "" {
		model, err := extract.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
		if err != nil {
			st.Close()
			return nil, err
		}
		extractOpts.Model = model
	}
	extractor, err := extract.New(extractOpts)
	if err != nil {
		st.Close()
		return nil, err
	}

	var cat *catalog.Client
	if cfg.CatalogURL != "" {
		cat, err = catalog.NewClient(cfg.CatalogURL, cfg.CatalogToken)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	concurrency := cfg.Concurrency
	if flagConcurrency > 0 {
		concurrency = flagConcurrency
	}

	p, err := pipeline.New(pipeline.Options{
		Store:       st,
		Scraper:     scraper,
		Extractor:   extractor,
		Catalog:     cat,
		Notifier:    notify.NewNotifier(cfg.AlertWebhookURL),
		Concurrency: concurrency,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &components{store: st, pipeline: p, catalog: cat, metrics: metrics}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape all targets once and reconcile",
	RunE: func(_ *cobra.Command, _ []string) error {
		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.store.Close()

		ctx, stop := signalContext()
		defer stop()

		report, err := comps.pipeline.Run(ctx, pipeline.RunOptions{
			Limit:      flagLimit,
			SyncPrices: flagSync,
		})
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cron scheduler until interrupted",
	RunE: func(_ *cobra.Command, _ []string) error {
		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.store.Close()

		scheduler, err := schedule.NewScheduler(schedule.Options{
			CronExpr:      cfg.CronExpr,
			Timezone:      cfg.Timezone,
			IntervalHours: cfg.IntervalHours,
			BufferHours:   cfg.BufferHours,
		}, comps.store, comps.pipeline.RunScheduled)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		var metricsServer *http.Server
		if cfg.MetricsAddr != "" {
			metricsServer = &http.Server{
				Addr:    cfg.MetricsAddr,
				Handler: promhttp.HandlerFor(comps.metrics.Registry, promhttp.HandlerOpts{}),
			}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server failed", slog.Any("error", err))
				}
			}()
			slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		}

		err = scheduler.Start(ctx)
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", serr))
			}
			cancel()
		}
		if errors.Is(err, context.Canceled) {
			slog.Info("scheduler stopped")
			return nil
		}
		return err
	},
}

var recheckCmd = &cobra.Command{
	Use:   "recheck <url>",
	Short: "Re-scrape a single URL immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.store.Close()

		ctx, stop := signalContext()
		defer stop()

		result, err := comps.pipeline.Recheck(ctx, args[0])
		if err != nil {
			return err
		}

		if flagJSON {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		}

		if !result.Success {
			cmd.Printf("recheck failed: %s\n", result.Reason)
			return nil
		}
		cmd.Printf("price: %.2f", *result.NewPrice)
		if result.OldPrice != nil {
			cmd.Printf(" (was %.2f)", *result.OldPrice)
		}
		if result.PriceChanged {
			cmd.Print("  [changed]")
		}
		cmd.Println()
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Crawl listing pages and register product targets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.DiscoveryStartURL == "" {
			return errors.New("PRICETRACK_DISCOVERY_URL is not set")
		}

		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.store.Close()

		crawler, err := discovery.NewCrawler(discovery.Options{
			StartURL:  cfg.DiscoveryStartURL,
			MaxPages:  cfg.DiscoveryMaxPages,
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.ScrapeTimeout,
		}, breaker.New(cfg.DiscoveryBreaker, nil), comps.store)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		result, err := crawler.Crawl(ctx)
		if err != nil {
			return err
		}
		cmd.Printf("visited %d pages, discovered %d products, %d targets registered\n",
			result.PagesVisited, result.Discovered, result.Registered)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare observed URLs against the catalog without scraping",
	RunE: func(cmd *cobra.Command, _ []string) error {
		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.store.Close()

		if comps.catalog == nil {
			return errors.New("PRICETRACK_CATALOG_URL is not set")
		}

		ctx, stop := signalContext()
		defer stop()

		snapshot, err := comps.catalog.Snapshot(ctx)
		if err != nil {
			return err
		}
		external := make([]string, len(snapshot))
		for i, item := range snapshot {
			external[i] = item.CanonicalURL
		}

		engine := reconcile.NewEngine(comps.store, nil)
		report, err := engine.Reconcile(ctx, external)
		if err != nil {
			return err
		}

		cmd.Printf("matched: %d, source-only: %d, external-only: %d\n",
			len(report.Diff.Matched), len(report.Diff.SourceOnly), len(report.Diff.ExternalOnly))
		cmd.Printf("new records: %d, resolved: %d\n", report.NewRecords, report.Resolved)
		for _, u := range report.Diff.SourceOnly {
			cmd.Printf("  tracked but not in catalog: %s\n", u)
		}
		for _, u := range report.Diff.ExternalOnly {
			cmd.Printf("  in catalog but never observed: %s\n", u)
		}
		return nil
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List reconciliation records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.store.Close()

		records, err := comps.store.ListRecords(context.Background(), flagRecords)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			cmd.Println("no reconciliation records")
			return nil
		}
		for _, r := range records {
			resolved := "open"
			if r.ResolvedAt != nil {
				resolved = "resolved " + r.ResolvedAt.Format(time.RFC3339)
			}
			cmd.Printf("%6d  %-13s  %-9s  %s  (%s, detected %s)\n",
				r.ID, r.Kind, r.Status, r.CanonicalURL, resolved, r.DetectedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <url>...",
	Short: "Register product URLs as tracking targets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := buildComponents()
		if err != nil {
			return err
		}
		defer comps.store.Close()

		ctx := context.Background()
		for _, raw := range args {
			canonicalURL, err := canonical.Canonicalize(raw)
			if err != nil {
				return fmt.Errorf("invalid url %q: %w", raw, err)
			}
			domain, err := canonical.Domain(raw)
			if err != nil {
				return fmt.Errorf("invalid url %q: %w", raw, err)
			}
			if err := comps.store.UpsertTarget(ctx, models.Target{
				URL:          raw,
				CanonicalURL: canonicalURL,
				Domain:       domain,
			}); err != nil {
				return err
			}
			cmd.Printf("added %s\n", canonicalURL)
		}
		return nil
	},
}

func printReport(report *pipeline.RunReport) {
	summary := report.Summary
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Run complete")
	fmt.Printf("  Targets:       %d\n", summary.Total)
	fmt.Printf("  Scraped:       %d\n", summary.Successful)
	fmt.Printf("  Failed:        %d\n", summary.Failed)
	fmt.Printf("  Retries:       %d\n", summary.RetryCount)
	fmt.Printf("  Prices found:  %d\n", report.Extracted)
	if len(report.ExtractionFailures) > 0 {
		fmt.Printf("  No price:      %d\n", len(report.ExtractionFailures))
	}
	if len(summary.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", summary.ErrorsByType)
	}
	if report.Reconcile != nil {
		fmt.Printf("  Reconciled:    %d matched, %d source-only, %d external-only\n",
			len(report.Reconcile.Diff.Matched),
			len(report.Reconcile.Diff.SourceOnly),
			len(report.Reconcile.Diff.ExternalOnly))
	}
	if report.PriceSync != nil {
		fmt.Printf("  Prices synced: %d ok, %d failed\n", report.PriceSync.Succeeded, report.PriceSync.Failed)
	}
	fmt.Printf("  Duration:      %v\n", summary.EndTime.Sub(summary.StartTime))
	fmt.Println(separator)
}
