// Package app assembles the fetch engine for a stage and runs it to
// completion.
package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/opengovph/dpwh-harvest/internal/dispatcher"
	"github.com/opengovph/dpwh-harvest/internal/health"
	"github.com/opengovph/dpwh-harvest/internal/metrics"
	"github.com/opengovph/dpwh-harvest/internal/progress"
	"github.com/opengovph/dpwh-harvest/internal/sink"
	"github.com/opengovph/dpwh-harvest/internal/worker"
)

// Engine ties a built worker to its queue, snapshotter and summary output.
type Engine struct {
	Stage        string
	Units        []string
	Workers      int
	WorkerCfg    worker.Config
	WorkerDeps   worker.Deps
	Snapshotter  *progress.Snapshotter
	Ledger       *sink.Ledger
	Stats        *progress.Stats
	Fingerprints *health.FingerprintPool
	Proxies      *health.ProxyPool
	Metrics      *metrics.Server
	Logger       *zap.Logger
}

// Run executes the stage: dispatch all pending units, keep the snapshot
// fresh, and print the final summary. The returned error is nil even when
// units remain in failed; only startup problems are errors (checked by the
// caller before Run).
func (e *Engine) Run(ctx context.Context) error {
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.WorkerDeps.Abort = cancel
	w := worker.New(e.WorkerCfg, e.WorkerDeps)

	if e.Metrics != nil {
		e.Metrics.Start()
		defer func() {
			if err := e.Metrics.Stop(context.Background()); err != nil {
				e.Logger.Warn("observability server stop failed", zap.Error(err))
			}
		}()
	}
	metrics.SetPoolSizes(
		len(e.Fingerprints.Active()),
		len(e.Fingerprints.Blacklisted()),
		e.proxyCount(),
	)

	snapDone := make(chan struct{})
	snapCtx, snapCancel := context.WithCancel(context.Background())
	go func() {
		defer close(snapDone)
		e.Snapshotter.Run(snapCtx)
	}()

	dispatch := dispatcher.New(e.Workers, e.Logger.Named("dispatcher"))
	dispatch.Run(runCtx, e.Units, w)

	snapCancel()
	<-snapDone

	if err := e.Ledger.Flush(); err != nil {
		e.Logger.Error("final ledger flush failed", zap.Error(err))
	}
	if err := e.Fingerprints.Flush(); err != nil {
		e.Logger.Error("final fingerprint flush failed", zap.Error(err))
	}

	e.printSummary(time.Since(start))
	return nil
}

func (e *Engine) proxyCount() int {
	if e.Proxies == nil {
		return 0
	}
	return e.Proxies.Size()
}

// printSummary writes the operator-facing end-of-run report to stdout.
func (e *Engine) printSummary(elapsed time.Duration) {
	c := e.Stats.Snapshot()
	attempted := len(e.Units)

	fmt.Printf("\n[%s] extraction complete in %s\n", e.Stage, elapsed.Round(time.Second))
	fmt.Printf("  units attempted: %d (skipped as already successful: %d)\n", attempted, c.SkippedSuccess)
	fmt.Printf("  success: %d  fail: %d  blocked: %d  exception: %d\n", c.Success, c.Fail, c.Blocked, c.Exception)
	fmt.Printf("  retries: %d  timeouts: %d  transport 7/35/56: %d/%d/%d\n",
		c.TotalRetries, c.Timeout, c.Transport7, c.Transport35, c.Transport56)
	fmt.Printf("  rate limited (429/1015): %d  rate limited (403): %d\n", c.RateLimited429, c.RateLimited403)
	if c.TotalItems > 0 {
		fmt.Printf("  total items: %d\n", c.TotalItems)
	}
	if attempted > 0 {
		fmt.Printf("  success rate: %.2f%%\n", float64(c.Success)/float64(attempted)*100)
	}
	if c.MaxBlockRetry > 0 {
		fmt.Printf("  max block retries for a single unit: %d\n", c.MaxBlockRetry)
	}

	e.printFingerprintTable()
	e.printProxyTable()
	e.printNonSuccessLedgers()
}

func (e *Engine) printFingerprintTable() {
	snap := e.Fingerprints.Snapshot()
	if len(snap) == 0 {
		return
	}
	labels := make([]string, 0, len(snap))
	for label := range snap {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	fmt.Println("\n  fingerprint health:")
	for _, label := range labels {
		h := snap[label]
		total := h.Success + h.Fail
		if total == 0 {
			continue
		}
		pct := float64(h.Success) / float64(total) * 100
		suffix := ""
		if h.Disabled {
			suffix = " [blacklisted: " + h.DisabledReason + "]"
		}
		fmt.Printf("    %-12s success=%d fail=%d block=%d timeout=%d rate_limited=%d (%.1f%%)%s\n",
			label, h.Success, h.Fail, h.Block, h.Timeout, h.RateLimited, pct, suffix)
	}
}

func (e *Engine) printProxyTable() {
	if e.Proxies == nil {
		return
	}
	snap := e.Proxies.Snapshot()
	if len(snap) == 0 {
		return
	}
	urls := make([]string, 0, len(snap))
	for u := range snap {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	fmt.Println("\n  proxy health:")
	for _, u := range urls {
		h := snap[u]
		suffix := ""
		if h.Blacklisted {
			suffix = " [blacklisted]"
		}
		fmt.Printf("    %s success=%d fail=%d block=%d exception=%d%s\n",
			u, h.Success, h.Fail, h.Block, h.Exception, suffix)
	}
}

func (e *Engine) printNonSuccessLedgers() {
	for _, cat := range []sink.Category{sink.CatFailed, sink.CatException, sink.CatBlocked, sink.CatDropped} {
		ids := e.Ledger.IDs(cat)
		if len(ids) == 0 {
			continue
		}
		fmt.Printf("\n  %s (%d): %v\n", cat, len(ids), ids)
	}
}
