package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opengovph/dpwh-harvest/internal/app"
	"github.com/opengovph/dpwh-harvest/internal/harvest"
	"github.com/opengovph/dpwh-harvest/internal/health"
	"github.com/opengovph/dpwh-harvest/internal/metrics"
	"github.com/opengovph/dpwh-harvest/internal/progress"
	"github.com/opengovph/dpwh-harvest/internal/queue"
	"github.com/opengovph/dpwh-harvest/internal/sink"
	"github.com/opengovph/dpwh-harvest/internal/tlsclient"
	"github.com/opengovph/dpwh-harvest/internal/worker"
)

// newPagesCmd creates the 'pages' subcommand: the paginated list stage.
func newPagesCmd() *cobra.Command {
	var (
		start   int
		end     int
		limit   int
		workers int
	)

	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Sweep the paginated project listing",
		Long: `Fetches the project listing page by page into the local sink.
Pages already recorded in the successful ledger, or already present as dump
files, are skipped, so interrupted runs resume where they left off.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit > 0 {
				cfg.Pages.Limit = limit
			}
			if workers > 0 {
				cfg.Pages.Workers = workers
			}
			if end <= 0 {
				end = cfg.MaxPages()
			}
			return runPages(cmd, start, end)
		},
	}

	cmd.Flags().IntVar(&start, "start", 1, "first page to fetch")
	cmd.Flags().IntVar(&end, "end", 0, "last page to fetch (default derived from the record total)")
	cmd.Flags().IntVar(&limit, "limit", 0, "items per page (max 5000)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent workers")
	return cmd
}

func runPages(cmd *cobra.Command, start, end int) error {
	out := cfg.Output.Dir
	pagesDir := filepath.Join(out, "pages")

	ledger, err := sink.NewLedger(filepath.Join(out, "lists"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	raw, err := sink.NewRawDumps(filepath.Join(out, "raw"))
	if err != nil {
		return fmt.Errorf("open raw dumps: %w", err)
	}
	store, err := sink.Open(sink.Config{DBPath: filepath.Join(out, "pages.db")}, logger.Named("sink"))
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer func() { _ = store.Close() }()

	var pageDumps *sink.PageDumps
	if cfg.Output.WritePageFiles {
		pageDumps, err = sink.NewPageDumps(pagesDir, cfg.Pages.Limit)
		if err != nil {
			return fmt.Errorf("open page dumps: %w", err)
		}
	}

	fingerprints, err := health.NewFingerprintPool(health.FingerprintConfig{
		PoolPath:      cfg.TLS.PoolPath,
		BlacklistPath: cfg.TLS.BlacklistPath,
		HealthPath:    cfg.TLS.HealthPath,
		Defaults:      tlsclient.Profiles(),
	}, logger.Named("tls"))
	if err != nil {
		return fmt.Errorf("load fingerprint pool: %w", err)
	}

	done := make(map[string]struct{})
	for _, id := range ledger.IDs(sink.CatSuccessful) {
		done[id] = struct{}{}
	}
	existing, err := sink.ExistingPages(pagesDir, cfg.Pages.Limit)
	if err != nil {
		return fmt.Errorf("scan existing pages: %w", err)
	}
	for id := range existing {
		done[id] = struct{}{}
	}

	q := queue.New(queue.PageRange(start, end), done)
	logger.Info("pages stage starting",
		zap.Int("start", start), zap.Int("end", end),
		zap.Int("already_done", len(done)), zap.Int("pending", q.Len()),
	)
	if q.Len() == 0 {
		fmt.Println("all pages already saved")
		return nil
	}

	stats := progress.NewStats()
	doneSet := queue.NewDoneSet(done)
	minDelay, maxDelay := cfg.Pages.StageDelays()

	fetcher := tlsclient.New(tlsclient.Config{Origin: cfg.API.Origin}, logger.Named("fetch"))
	urlFor := func(id string) string {
		return fmt.Sprintf("%s?page=%s&limit=%d", cfg.API.BaseURL, id, cfg.Pages.Limit)
	}

	snap := &progress.Snapshotter{
		Path:         filepath.Join(out, "progress_stats.json"),
		Stage:        string(harvest.StagePages),
		Stats:        stats,
		Fingerprints: fingerprints,
		Flushers:     []progress.Flusher{ledger},
		Logger:       logger.Named("progress"),
	}

	var obsrv *metrics.Server
	if cfg.Metrics.Enabled {
		obsrv = metrics.NewServer(cfg.Metrics.Port, func() any { return snap.Current() }, logger.Named("metrics"))
	}

	engine := &app.Engine{
		Stage:   string(harvest.StagePages),
		Units:   q.Pending(),
		Workers: cfg.Pages.Workers,
		WorkerCfg: worker.Config{
			Stage:                harvest.StagePages,
			MaxRetries:           cfg.Pages.MaxRetries,
			MinDelay:             minDelay,
			MaxDelay:             maxDelay,
			Timeout:              time.Duration(cfg.Pages.TimeoutSeconds) * time.Second,
			TransientBackoffBase: 5 * time.Second,
			CountItems:           true,
		},
		WorkerDeps: worker.Deps{
			Fetcher:      fetcher,
			Fingerprints: fingerprints,
			Store:        store,
			Ledger:       ledger,
			Raw:          raw,
			Pages:        pageDumps,
			Stats:        stats,
			Done:         doneSet,
			URLFor:       urlFor,
			Logger:       logger.Named("worker"),
		},
		Snapshotter:  snap,
		Ledger:       ledger,
		Stats:        stats,
		Fingerprints: fingerprints,
		Metrics:      obsrv,
		Logger:       logger,
	}
	return engine.Run(cmd.Context())
}
