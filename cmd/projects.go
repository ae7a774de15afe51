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
	"github.com/opengovph/dpwh-harvest/internal/idsource"
	"github.com/opengovph/dpwh-harvest/internal/metrics"
	"github.com/opengovph/dpwh-harvest/internal/progress"
	"github.com/opengovph/dpwh-harvest/internal/proxyfile"
	"github.com/opengovph/dpwh-harvest/internal/queue"
	"github.com/opengovph/dpwh-harvest/internal/sink"
	"github.com/opengovph/dpwh-harvest/internal/tlsclient"
	"github.com/opengovph/dpwh-harvest/internal/worker"
)

// newProjectsCmd creates the 'projects' subcommand: the per-record detail
// stage.
func newProjectsCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Fetch one document per contract ID",
		Long: `Fetches the detail document for every contract ID discovered by the
list stage. IDs come from the configured parquet dataset; records already in
the successful ledger are skipped. Attempts escalate from direct requests to
proxied ones as the origin rate-limits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if workers > 0 {
				cfg.Projects.Workers = workers
			}
			return runProjects(cmd)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent workers")
	return cmd
}

func runProjects(cmd *cobra.Command) error {
	out := cfg.Output.Dir

	ids, err := idsource.LoadContractIDs(cfg.Projects.InputParquet)
	if err != nil {
		return fmt.Errorf("load contract ids: %w", err)
	}

	ledger, err := sink.NewLedger(filepath.Join(out, "lists"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	raw, err := sink.NewRawDumps(filepath.Join(out, "raw"))
	if err != nil {
		return fmt.Errorf("open raw dumps: %w", err)
	}

	storeCfg := sink.Config{DBPath: filepath.Join(out, "projects.db")}
	if cfg.Output.WriteRecordFiles {
		storeCfg.RecordsDir = filepath.Join(out, "records")
	}
	store, err := sink.Open(storeCfg, logger.Named("sink"))
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer func() { _ = store.Close() }()

	fingerprints, err := health.NewFingerprintPool(health.FingerprintConfig{
		PoolPath:      cfg.TLS.PoolPath,
		BlacklistPath: cfg.TLS.BlacklistPath,
		HealthPath:    cfg.TLS.HealthPath,
		Defaults:      tlsclient.Profiles(),
	}, logger.Named("tls"))
	if err != nil {
		return fmt.Errorf("load fingerprint pool: %w", err)
	}

	proxyURLs, err := proxyfile.Load(cfg.Proxies.FreeListPath, cfg.Proxies.PremiumListPath, logger.Named("proxies"))
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	proxies := health.NewProxyPool(proxyURLs, health.ProxyConfig{
		ErrorWindow:     time.Duration(cfg.Proxies.ErrorWindowSeconds) * time.Second,
		MaxRecentErrors: cfg.Proxies.MaxRecentErrors,
	}, logger.Named("proxies"))
	gate := health.NewRateLimitGate(time.Duration(cfg.RateLimit.ProxylessRecheckSeconds) * time.Second)

	done := make(map[string]struct{})
	for _, id := range ledger.IDs(sink.CatSuccessful) {
		done[id] = struct{}{}
	}
	q := queue.New(ids, done)
	logger.Info("projects stage starting",
		zap.Int("contract_ids", len(ids)),
		zap.Int("already_done", len(done)),
		zap.Int("pending", q.Len()),
		zap.Int("proxies", len(proxyURLs)),
	)
	if q.Len() == 0 {
		fmt.Println("all contract ids already saved")
		return nil
	}

	stats := progress.NewStats()
	doneSet := queue.NewDoneSet(done)
	minDelay, maxDelay := cfg.Projects.StageDelays()

	fetcher := tlsclient.New(tlsclient.Config{Origin: cfg.API.Origin}, logger.Named("fetch"))
	urlFor := func(id string) string {
		return fmt.Sprintf("%s/%s", cfg.API.BaseURL, id)
	}

	snap := &progress.Snapshotter{
		Path:         filepath.Join(out, "progress_stats.json"),
		Stage:        string(harvest.StageProjects),
		Stats:        stats,
		Fingerprints: fingerprints,
		Proxies:      proxies,
		Gate:         gate,
		Flushers:     []progress.Flusher{ledger},
		Logger:       logger.Named("progress"),
	}

	var obsrv *metrics.Server
	if cfg.Metrics.Enabled {
		obsrv = metrics.NewServer(cfg.Metrics.Port, func() any { return snap.Current() }, logger.Named("metrics"))
	}

	engine := &app.Engine{
		Stage:   string(harvest.StageProjects),
		Units:   q.Pending(),
		Workers: cfg.Projects.Workers,
		WorkerCfg: worker.Config{
			Stage:             harvest.StageProjects,
			MaxRetries:        cfg.Projects.MaxRetries,
			MinDelay:          minDelay,
			MaxDelay:          maxDelay,
			Timeout:           time.Duration(cfg.Projects.TimeoutSeconds) * time.Second,
			ProxyTimeout:      time.Duration(cfg.Projects.ProxyTimeoutSeconds) * time.Second,
			ProxyAfterAttempt: 2,
		},
		WorkerDeps: worker.Deps{
			Fetcher:      fetcher,
			Fingerprints: fingerprints,
			Proxies:      proxies,
			Gate:         gate,
			Store:        store,
			Ledger:       ledger,
			Raw:          raw,
			Stats:        stats,
			Done:         doneSet,
			URLFor:       urlFor,
			Logger:       logger.Named("worker"),
		},
		Snapshotter:  snap,
		Ledger:       ledger,
		Stats:        stats,
		Fingerprints: fingerprints,
		Proxies:      proxies,
		Metrics:      obsrv,
		Logger:       logger,
	}
	return engine.Run(cmd.Context())
}
