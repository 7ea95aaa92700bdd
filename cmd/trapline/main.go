package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meridianlabs/trapline/internal/classify"
	"github.com/meridianlabs/trapline/internal/dlq"
	"github.com/meridianlabs/trapline/internal/enrich"
	"github.com/meridianlabs/trapline/internal/enrich/bulkasn"
	"github.com/meridianlabs/trapline/internal/enrich/geoip"
	"github.com/meridianlabs/trapline/internal/enrich/scanner"
	"github.com/meridianlabs/trapline/internal/ingest"
	"github.com/meridianlabs/trapline/internal/logger"
	"github.com/meridianlabs/trapline/internal/metrics"
	"github.com/meridianlabs/trapline/internal/snapshot"
	"github.com/meridianlabs/trapline/internal/store"

	cachepkg "github.com/meridianlabs/trapline/internal/cache"
)

const (
	defaultBulkASNAddr = "whois.cymru.com:43"
	defaultTorExitsURL = "https://check.torproject.org/torbulkexitlist"
)

var (
	verbose     bool
	databaseURL string
	metricsAddr string

	// load
	statusDir     string
	batchSize     int
	flushInterval time.Duration

	// enrich
	stale          bool
	staleLimit     int
	enrichWorkers  int
	cityDBPath     string
	asnDBPath      string
	bulkAddr       string
	scannerURL     string
	scannerBudget  int
	diskCacheDir   string
	refCacheDir    string
	torExitsURL    string
	cloudURL       string
	dcURL          string
	residentialURL string

	// dlq-worker
	dlqOnce         bool
	dlqPollInterval time.Duration
	dlqLockTTL      time.Duration
	dlqAcquireLimit int

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "trapline",
	Short: "Honeypot session ingestion and IP enrichment pipeline",
	Long: `Trapline loads cowrie honeypot event logs into Postgres, aggregates
them into per-session summaries, and enriches attacker IPs through an
offline geo database, a bulk ASN service and a selective scanner API.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trapline %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <file>...",
	Short: "Load honeypot event logs into the row store",
	Long: `Load reads cowrie JSON-lines files (plain or gzip), validates and
sanitizes each event, and commits them in atomic batches with per-source
resume cursors. Invalid lines are quarantined to the dead letter queue.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		log := logger.New(os.Stderr, verbose)
		serveMetrics(log)

		st, err := store.Connect(ctx, store.Config{Logger: log, URL: databaseURL})
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := snapshot.NewWriter(log, st)
		if err != nil {
			return err
		}
		loader, err := ingest.NewLoader(ingest.Config{
			Logger:        log,
			Metrics:       metrics.NewLoaderMetrics(prometheus.DefaultRegisterer),
			Store:         st,
			Snapshot:      snap,
			StatusDir:     statusDir,
			BatchSize:     batchSize,
			FlushInterval: flushInterval,
		})
		if err != nil {
			return err
		}

		ingestID := uuid.NewString()
		log.Info("loader: starting", "ingest_id", ingestID, "sources", len(args))
		result, err := loader.Load(ctx, args, ingestID)
		if result != nil {
			log.Info("loader: finished",
				"inserted", result.EventsInserted,
				"quarantined", result.EventsQuarantined,
				"sessions", result.SessionsTouched,
				"batches", result.BatchesCommitted)
		}
		return err
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich [ip]...",
	Short: "Run the enrichment cascade over attacker IPs",
	Long: `Enrich runs the offline/bulk/scanner cascade for the given IPs, or
with --stale for inventory addresses whose enrichment has aged out.
Results are written to the IP inventory; session summaries pick up
snapshot columns on their next load batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !stale && len(args) == 0 {
			return fmt.Errorf("pass IPs to enrich or use --stale")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		log := logger.New(os.Stderr, verbose)
		serveMetrics(log)

		st, err := store.Connect(ctx, store.Config{Logger: log, URL: databaseURL})
		if err != nil {
			return err
		}
		defer st.Close()

		enricher, err := buildEnricher(ctx, log, st)
		if err != nil {
			return err
		}

		var results []enrich.Result
		if stale {
			results, err = enricher.RefreshStale(ctx, st, staleLimit, enrichWorkers)
			if err != nil {
				return err
			}
		} else {
			activity, err := st.ActivityByIP(ctx, args)
			if err != nil {
				return err
			}
			contexts := make(map[string]*enrich.SessionContext, len(activity))
			for ip, act := range activity {
				contexts[ip] = &enrich.SessionContext{
					CommandCount:    int(act.CommandCount),
					FileDownloads:   int(act.FileDownloads),
					VTFlagged:       act.VTFlagged,
					DurationSeconds: act.DurationSeconds,
				}
			}
			results = enricher.EnrichBatch(ctx, args, contexts, enrichWorkers)
		}

		var failed int
		for _, res := range results {
			if res.Err != nil {
				failed++
				log.Warn("enrich: address failed", "ip", res.IP, "error", res.Err)
			}
		}
		if err := st.RollupASNCounts(ctx); err != nil {
			log.Warn("enrich: asn rollup failed", "error", err)
		}
		log.Info("enrich: finished", "enriched", len(results)-failed, "failed", failed)
		return nil
	},
}

var dlqWorkerCmd = &cobra.Command{
	Use:   "dlq-worker",
	Short: "Reprocess quarantined events from the dead letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		log := logger.New(os.Stderr, verbose)
		serveMetrics(log)

		st, err := store.Connect(ctx, store.Config{Logger: log, URL: databaseURL})
		if err != nil {
			return err
		}
		defer st.Close()

		processor, err := dlq.NewProcessor(dlq.Config{
			Logger:       log,
			Metrics:      metrics.NewDLQMetrics(prometheus.DefaultRegisterer),
			Queue:        st,
			LockTTL:      dlqLockTTL,
			AcquireLimit: dlqAcquireLimit,
			PollInterval: dlqPollInterval,
		})
		if err != nil {
			return err
		}

		if dlqOnce {
			res, err := processor.ProcessOnce(ctx)
			if err != nil {
				return err
			}
			log.Info("dlq: pass finished",
				"processed", res.Processed, "resolved", res.Resolved,
				"failed", res.Failed, "rejected", res.Rejected)
			return nil
		}
		err = processor.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingest cursors, enrichment coverage and DLQ health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		log := logger.New(os.Stderr, verbose)

		st, err := store.Connect(ctx, store.Config{Logger: log, URL: databaseURL})
		if err != nil {
			return err
		}
		defer st.Close()

		cursors, err := st.CursorStatuses(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Ingest cursors")
		table := newTable()
		table.SetHeader([]string{"Source", "Inode", "Offset", "Batch", "Updated"})
		for _, cur := range cursors {
			table.Append([]string{
				cur.Source, cur.Inode,
				strconv.FormatInt(cur.LastOffset, 10),
				strconv.FormatInt(cur.BatchIndex, 10),
				cur.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		table.Render()

		cov, err := st.Coverage(ctx)
		if err != nil {
			return err
		}
		fmt.Println("\nEnrichment coverage")
		table = newTable()
		table.SetHeader([]string{"Sessions", "Snapshotted", "Inventory IPs", "Enriched"})
		table.Append([]string{
			strconv.FormatInt(cov.Sessions, 10),
			fmt.Sprintf("%d (%s)", cov.SessionsSnapshotted, percent(cov.SessionsSnapshotted, cov.Sessions)),
			strconv.FormatInt(cov.InventoryIPs, 10),
			fmt.Sprintf("%d (%s)", cov.EnrichedIPs, percent(cov.EnrichedIPs, cov.InventoryIPs)),
		})
		table.Render()

		stats, err := st.DLQStatistics(ctx)
		if err != nil {
			return err
		}
		fmt.Println("\nDead letter queue")
		table = newTable()
		table.SetHeader([]string{"Depth", "Oldest", "Resolved 24h"})
		oldest := "-"
		if stats.OldestUnres != nil {
			oldest = time.Since(*stats.OldestUnres).Round(time.Minute).String()
		}
		table.Append([]string{
			strconv.FormatInt(stats.Depth, 10), oldest,
			strconv.FormatInt(stats.ResolvedLast, 10),
		})
		table.Render()

		if len(stats.ByReason) > 0 {
			fmt.Println("\nUnresolved by reason")
			table = newTable()
			table.SetHeader([]string{"Reason", "Count"})
			for reason, n := range stats.ByReason {
				table.Append([]string{reason, strconv.FormatInt(n, 10)})
			}
			table.Render()
		}
		return nil
	},
}

// buildEnricher wires the cascade: classifier with its reference feeds, the
// three-tier cache, and whichever sources are configured. Missing sources
// degrade to provenance skips rather than errors.
func buildEnricher(ctx context.Context, log *slog.Logger, st *store.Store) (*enrich.Enricher, error) {
	classifierMetrics := metrics.NewClassifierMetrics(prometheus.DefaultRegisterer)
	classifier, err := classify.New(classify.Config{
		Logger:  log,
		Metrics: classifierMetrics,
	})
	if err != nil {
		return nil, err
	}
	refresher, err := classify.NewRefresher(classify.RefresherConfig{
		Logger:      log,
		Metrics:     classifierMetrics,
		CacheDir:    refCacheDir,
		TorExits:    classify.FeedConfig{URL: torExitsURL},
		CloudRanges: classify.FeedConfig{URL: cloudURL},
		DCRanges:    classify.FeedConfig{URL: dcURL},
		Residential: classify.FeedConfig{URL: residentialURL},
	}, classifier)
	if err != nil {
		return nil, err
	}
	if err := refresher.RefreshAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to load classifier reference data: %w", err)
	}

	hierarchy, err := cachepkg.New(cachepkg.Config{
		Logger:   log,
		RowStore: st,
		DiskRoot: diskCacheDir,
		Metrics:  metrics.NewCacheMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return nil, err
	}
	hierarchy.Start(ctx)

	cfg := enrich.Config{
		Logger:     log,
		Metrics:    metrics.NewEnricherMetrics(prometheus.DefaultRegisterer),
		Classifier: classifier,
		Cache:      hierarchy,
		Inventory:  st,
	}

	if cityDBPath != "" || asnDBPath != "" {
		geo, err := geoip.NewResolver(geoip.Config{
			Logger:     log,
			CityDBPath: cityDBPath,
			ASNDBPath:  asnDBPath,
		})
		if err != nil {
			return nil, err
		}
		cfg.Geo = geo
	} else {
		log.Warn("enrich: no geo databases configured, offline tier disabled")
	}

	if bulkAddr != "" {
		bulk, err := bulkasn.NewClient(bulkasn.Config{Logger: log, Addr: bulkAddr})
		if err != nil {
			return nil, err
		}
		cfg.Bulk = bulk
	}

	apiKey := os.Getenv("SCANNER_API_KEY")
	if apiKey != "" && scannerURL != "" {
		sc, err := scanner.NewClient(scanner.Config{
			Logger:      log,
			BaseURL:     scannerURL,
			APIKey:      apiKey,
			DailyBudget: scannerBudget,
		})
		if err != nil {
			return nil, err
		}
		cfg.Scanner = sc
	} else {
		log.Info("enrich: scanner tier disabled",
			"have_key", apiKey != "", "have_url", scannerURL != "")
	}

	return enrich.New(cfg)
}

func serveMetrics(log *slog.Logger) {
	if metricsAddr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error("metrics listener failed", "addr", metricsAddr, "error", err)
		}
	}()
}

func newTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	return table
}

func percent(part, whole int64) string {
	if whole == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(part)/float64(whole)*100)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on (empty disables)")

	loadCmd.Flags().StringVar(&statusDir, "status-dir", "", "Directory for per-source progress files")
	loadCmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "Events per commit batch")
	loadCmd.Flags().DurationVar(&flushInterval, "flush-interval", ingest.DefaultFlushInterval, "Maximum time between batch commits")

	enrichCmd.Flags().BoolVar(&stale, "stale", false, "Refresh inventory addresses with stale enrichment instead of explicit IPs")
	enrichCmd.Flags().IntVar(&staleLimit, "limit", 1000, "Maximum stale addresses per run")
	enrichCmd.Flags().IntVar(&enrichWorkers, "workers", 0, "Worker cap for the batch (0 uses CPU count)")
	enrichCmd.Flags().StringVar(&cityDBPath, "city-db", os.Getenv("GEOIP_CITY_DB"), "Path to the GeoIP city mmdb")
	enrichCmd.Flags().StringVar(&asnDBPath, "asn-db", os.Getenv("GEOIP_ASN_DB"), "Path to the GeoIP ASN mmdb")
	enrichCmd.Flags().StringVar(&bulkAddr, "bulk-addr", defaultBulkASNAddr, "host:port of the bulk ASN whois service (empty disables)")
	enrichCmd.Flags().StringVar(&scannerURL, "scanner-url", os.Getenv("SCANNER_API_URL"), "Base URL of the scanner API (requires SCANNER_API_KEY)")
	enrichCmd.Flags().IntVar(&scannerBudget, "scanner-budget", scanner.DefaultDailyBudget, "Scanner requests allowed per UTC day")
	enrichCmd.Flags().StringVar(&diskCacheDir, "cache-dir", defaultDataDir("cache"), "Directory for the L3 disk cache")
	enrichCmd.Flags().StringVar(&refCacheDir, "ref-dir", defaultDataDir("refs"), "Directory for cached classifier reference feeds")
	enrichCmd.Flags().StringVar(&torExitsURL, "tor-exits-url", defaultTorExitsURL, "TOR exit node list URL (empty serves from --ref-dir only)")
	enrichCmd.Flags().StringVar(&cloudURL, "cloud-ranges-url", "", "Cloud provider CIDR feed URL (empty serves from --ref-dir only)")
	enrichCmd.Flags().StringVar(&dcURL, "datacenter-ranges-url", "", "Datacenter CIDR feed URL (empty serves from --ref-dir only)")
	enrichCmd.Flags().StringVar(&residentialURL, "residential-patterns-url", "", "Residential ISP pattern feed URL (empty serves from --ref-dir only)")

	dlqWorkerCmd.Flags().BoolVar(&dlqOnce, "once", false, "Run a single pass and exit")
	dlqWorkerCmd.Flags().DurationVar(&dlqPollInterval, "poll-interval", dlq.DefaultPollInterval, "Time between queue polls")
	dlqWorkerCmd.Flags().DurationVar(&dlqLockTTL, "lock-ttl", dlq.DefaultLockTTL, "Processing lock duration per acquired batch")
	dlqWorkerCmd.Flags().IntVar(&dlqAcquireLimit, "batch-limit", dlq.DefaultAcquireLimit, "Dead letters acquired per pass")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(dlqWorkerCmd)
	rootCmd.AddCommand(statusCmd)
}

func defaultDataDir(sub string) string {
	return "/var/lib/trapline/" + sub
}

func main() {
	_ = godotenv.Load()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
