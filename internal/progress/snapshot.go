package progress

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opengovph/dpwh-harvest/internal/health"
)

// Flusher is implemented by state holders that want a write-through on each
// snapshot tick (the ledger JSON arrays, the fingerprint health files).
type Flusher interface {
	Flush() error
}

// Snapshot is the JSON document written to progress_stats.json.
type Snapshot struct {
	RunID          string                              `json:"run_id"`
	Stage          string                              `json:"stage"`
	Stats          Counters                            `json:"stats"`
	TLSStats       map[string]health.FingerprintHealth `json:"tls_stats"`
	ProxyStats     map[string]health.ProxyHealth       `json:"proxy_stats,omitempty"`
	RateLimitState rateLimitState                      `json:"rate_limit_state"`
	Timestamp      string                              `json:"timestamp"`
}

type rateLimitState struct {
	ProxylessRateLimited bool   `json:"proxyless_rate_limited"`
	NextRecheckTime      string `json:"next_recheck_time,omitempty"`
}

// Snapshotter periodically serializes the full engine state to a single JSON
// file. One background goroutine, flushing every Interval.
type Snapshotter struct {
	Path         string
	Stage        string
	Interval     time.Duration
	Stats        *Stats
	Fingerprints *health.FingerprintPool
	Proxies      *health.ProxyPool
	Gate         *health.RateLimitGate
	Flushers     []Flusher
	Logger       *zap.Logger

	runID string
}

// Run blocks until ctx is done, writing a snapshot every interval and a final
// one on the way out.
func (s *Snapshotter) Run(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = 10 * time.Second
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	s.runID = uuid.NewString()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.WriteOnce()
			return
		case <-ticker.C:
			s.WriteOnce()
		}
	}
}

// WriteOnce flushes the registered state holders and writes the snapshot.
func (s *Snapshotter) WriteOnce() {
	for _, f := range s.Flushers {
		if err := f.Flush(); err != nil {
			s.Logger.Error("flush failed", zap.Error(err))
		}
	}

	snap := s.build()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.Logger.Error("marshal snapshot failed", zap.Error(err))
		return
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.Logger.Error("write snapshot failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		s.Logger.Error("rename snapshot failed", zap.Error(err))
	}
}

// Current returns the snapshot document without writing it; the metrics
// server serves this on /progress.
func (s *Snapshotter) Current() Snapshot {
	return s.build()
}

func (s *Snapshotter) build() Snapshot {
	snap := Snapshot{
		RunID:     s.runID,
		Stage:     s.Stage,
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
	}
	if s.Stats != nil {
		snap.Stats = s.Stats.Snapshot()
	}
	if s.Fingerprints != nil {
		snap.TLSStats = s.Fingerprints.Snapshot()
	}
	if s.Proxies != nil {
		snap.ProxyStats = s.Proxies.Snapshot()
	}
	if s.Gate != nil {
		limited, next := s.Gate.State()
		snap.RateLimitState.ProxylessRateLimited = limited
		if !next.IsZero() {
			snap.RateLimitState.NextRecheckTime = next.Format(time.RFC3339)
		}
	}
	return snap
}
