// Package health tracks the per-fingerprint and per-proxy state that makes
// the harvester adaptive: demotion, blacklisting and recovery of rotation
// identities based on observed outcomes.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
)

// ErrPoolEmpty is returned when every fingerprint has been blacklisted or
// demoted. Recovery requires deleting the blacklist file.
var ErrPoolEmpty = errors.New("no valid fingerprints remaining in pool")

// FingerprintHealth is the persistent per-profile counter set. Fail counts
// every failed attempt regardless of flavor; the flavor counters break the
// total down.
type FingerprintHealth struct {
	Success             int    `json:"success"`
	Fail                int    `json:"fail"`
	Block               int    `json:"block"`
	Exception           int    `json:"exception"`
	Timeout             int    `json:"timeout"`
	Transport7          int    `json:"transport_7"`
	Transport35         int    `json:"transport_35"`
	Transport56         int    `json:"transport_56"`
	RateLimited         int    `json:"rate_limited"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Disabled            bool   `json:"disabled,omitempty"`
	DisabledReason      string `json:"disabled_reason,omitempty"`
	LastSuccessUnix     int64  `json:"last_success_ts,omitempty"`
	LastFailureUnix     int64  `json:"last_failure_ts,omitempty"`
	LastFailureReason   string `json:"last_failure_reason,omitempty"`
}

// EverSucceeded reports whether the profile has produced at least one 200.
func (h FingerprintHealth) EverSucceeded() bool { return h.Success > 0 }

// FingerprintConfig controls pool persistence and demotion thresholds.
type FingerprintConfig struct {
	// PoolPath holds the active pool; missing or empty falls back to Defaults.
	PoolPath string
	// BlacklistPath is the never-success file. Profiles listed there are
	// excluded until an operator deletes the file.
	BlacklistPath string
	// HealthPath persists per-profile counters across runs.
	HealthPath string
	// Defaults seeds the pool when no pool file exists.
	Defaults []string
	// DisableAfterConsecutive and MinFailuresBeforeDisable gate cross-run
	// auto-demotion of profiles that have never succeeded.
	DisableAfterConsecutive  int
	MinFailuresBeforeDisable int
	// FlushInterval throttles health-file writes under heavy concurrency.
	// Blacklist events always flush immediately.
	FlushInterval time.Duration
}

// FingerprintPool is the rotation pool of TLS profiles with persistent health.
type FingerprintPool struct {
	cfg    FingerprintConfig
	logger *zap.Logger

	mu        sync.Mutex
	pool      []string
	never     map[string]struct{}
	demoted   map[string]struct{}
	health    map[string]*FingerprintHealth
	rng       *rand.Rand
	lastFlush time.Time
	dirty     bool
	now       func() time.Time
}

// NewFingerprintPool loads pool, blacklist and health state from disk.
func NewFingerprintPool(cfg FingerprintConfig, logger *zap.Logger) (*FingerprintPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DisableAfterConsecutive <= 0 {
		cfg.DisableAfterConsecutive = 8
	}
	if cfg.MinFailuresBeforeDisable <= 0 {
		cfg.MinFailuresBeforeDisable = 8
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 15 * time.Second
	}

	p := &FingerprintPool{
		cfg:     cfg,
		logger:  logger,
		never:   make(map[string]struct{}),
		demoted: make(map[string]struct{}),
		health:  make(map[string]*FingerprintHealth),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	if len(p.pool) == 0 {
		return nil, fmt.Errorf("%w: delete %s to recover", ErrPoolEmpty, cfg.BlacklistPath)
	}
	return p, nil
}

func (p *FingerprintPool) load() error {
	pool := p.cfg.Defaults
	var poolFile struct {
		Pool []string `json:"impersonate_pool"`
	}
	if ok, err := readJSONFile(p.cfg.PoolPath, &poolFile); err != nil {
		return fmt.Errorf("read pool file: %w", err)
	} else if ok && len(poolFile.Pool) > 0 {
		pool = poolFile.Pool
	}

	var neverFile struct {
		Never []string `json:"never_success_tls"`
	}
	if ok, err := readJSONFile(p.cfg.BlacklistPath, &neverFile); err != nil {
		return fmt.Errorf("read blacklist file: %w", err)
	} else if ok {
		for _, label := range neverFile.Never {
			p.never[label] = struct{}{}
		}
	}

	var healthFile struct {
		Health map[string]*FingerprintHealth `json:"health"`
	}
	if ok, err := readJSONFile(p.cfg.HealthPath, &healthFile); err != nil {
		return fmt.Errorf("read health file: %w", err)
	} else if ok && healthFile.Health != nil {
		p.health = healthFile.Health
	}

	p.pool = p.pool[:0]
	for _, label := range pool {
		if _, gone := p.never[label]; !gone {
			p.pool = append(p.pool, label)
		}
	}
	p.logger.Info("fingerprint pool loaded",
		zap.Int("active", len(p.pool)),
		zap.Int("blacklisted", len(p.never)),
	)
	return nil
}

// Pick selects a fingerprint uniformly from the active pool.
func (p *FingerprintPool) Pick() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pool) == 0 {
		return "", ErrPoolEmpty
	}
	return p.pool[p.rng.Intn(len(p.pool))], nil
}

// Active returns a copy of the current rotation pool.
func (p *FingerprintPool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.pool))
	copy(out, p.pool)
	return out
}

// Report folds one attempt outcome into the profile's counters.
// FingerprintUnsupported blacklists immediately; profiles that never succeed
// and keep failing are disabled persistently.
func (p *FingerprintPool) Report(label string, oc harvest.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.healthFor(label)
	now := p.now()

	switch oc.Kind {
	case harvest.OutcomeSuccess:
		h.Success++
		h.ConsecutiveFailures = 0
		h.LastSuccessUnix = now.Unix()
		p.dirty = true
		p.maybeFlushLocked()
		return
	case harvest.OutcomeFingerprintUnsupported:
		h.Exception++
		p.recordFailureLocked(h, "not_supported", now)
		p.disableLocked(label, "not_supported")
		return
	case harvest.OutcomeBlocked:
		h.Block++
		p.recordFailureLocked(h, "block", now)
	case harvest.OutcomeRateLimited:
		h.RateLimited++
		p.recordFailureLocked(h, "rate_limited", now)
	case harvest.OutcomeTimeout:
		h.Timeout++
		h.Exception++
		p.recordFailureLocked(h, "timeout", now)
	case harvest.OutcomeTransportError:
		h.Exception++
		switch oc.Code {
		case harvest.TransportConnect:
			h.Transport7++
			p.recordFailureLocked(h, "transport_7", now)
		case harvest.TransportTLS:
			h.Transport35++
			p.recordFailureLocked(h, "transport_35", now)
		case harvest.TransportReset:
			h.Transport56++
			p.recordFailureLocked(h, "transport_56", now)
		default:
			p.recordFailureLocked(h, "exception", now)
		}
	case harvest.OutcomePermanentFailure:
		p.recordFailureLocked(h, "http_fail", now)
	}

	if !h.EverSucceeded() &&
		h.Fail >= p.cfg.MinFailuresBeforeDisable &&
		h.ConsecutiveFailures >= p.cfg.DisableAfterConsecutive {
		p.disableLocked(label, "auto_disable:"+h.LastFailureReason)
		return
	}
	p.maybeFlushLocked()
}

// Demote removes a profile from the rotation for the rest of this run without
// writing it to the blacklist.
func (p *FingerprintPool) Demote(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.demoted[label] = struct{}{}
	p.removeLocked(label)
	p.logger.Warn("fingerprint demoted for this run", zap.String("fingerprint", label))
}

// Blacklist permanently excludes a profile and flushes the blacklist file.
func (p *FingerprintPool) Blacklist(label, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableLocked(label, reason)
}

// Snapshot returns a copy of the health map for the progress store.
func (p *FingerprintPool) Snapshot() map[string]FingerprintHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]FingerprintHealth, len(p.health))
	for label, h := range p.health {
		out[label] = *h
	}
	return out
}

// Blacklisted returns the sorted never-success labels.
func (p *FingerprintPool) Blacklisted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedNeverLocked()
}

// Flush forces all three state files to disk.
func (p *FingerprintPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *FingerprintPool) healthFor(label string) *FingerprintHealth {
	h, ok := p.health[label]
	if !ok {
		h = &FingerprintHealth{}
		p.health[label] = h
	}
	return h
}

func (p *FingerprintPool) recordFailureLocked(h *FingerprintHealth, reason string, now time.Time) {
	h.Fail++
	h.ConsecutiveFailures++
	h.LastFailureReason = reason
	h.LastFailureUnix = now.Unix()
	p.dirty = true
}

func (p *FingerprintPool) disableLocked(label, reason string) {
	if _, gone := p.never[label]; gone {
		return
	}
	p.never[label] = struct{}{}
	p.removeLocked(label)

	h := p.healthFor(label)
	h.Disabled = true
	h.DisabledReason = reason
	p.dirty = true

	p.logger.Warn("fingerprint blacklisted",
		zap.String("fingerprint", label),
		zap.String("reason", reason),
		zap.Int("remaining", len(p.pool)),
	)
	if err := p.flushLocked(); err != nil {
		p.logger.Error("flush blacklist failed", zap.Error(err))
	}
}

func (p *FingerprintPool) removeLocked(label string) {
	for i, l := range p.pool {
		if l == label {
			p.pool = append(p.pool[:i], p.pool[i+1:]...)
			return
		}
	}
}

func (p *FingerprintPool) maybeFlushLocked() {
	if !p.dirty || p.now().Sub(p.lastFlush) < p.cfg.FlushInterval {
		return
	}
	if err := p.flushLocked(); err != nil {
		p.logger.Error("flush fingerprint state failed", zap.Error(err))
	}
}

func (p *FingerprintPool) flushLocked() error {
	stamp := p.now().Format("2006-01-02 15:04:05")

	if err := writeJSONFile(p.cfg.BlacklistPath, map[string]any{
		"never_success_tls": p.sortedNeverLocked(),
		"timestamp":         stamp,
	}); err != nil {
		return fmt.Errorf("write blacklist: %w", err)
	}
	if p.cfg.PoolPath != "" {
		// Demotion lasts for this run only, so demoted labels stay in the
		// persisted pool unless they were blacklisted.
		pool := append([]string(nil), p.pool...)
		var demoted []string
		for label := range p.demoted {
			if _, gone := p.never[label]; !gone {
				demoted = append(demoted, label)
			}
		}
		sort.Strings(demoted)
		pool = append(pool, demoted...)
		if err := writeJSONFile(p.cfg.PoolPath, map[string]any{
			"impersonate_pool": pool,
			"timestamp":        stamp,
		}); err != nil {
			return fmt.Errorf("write pool: %w", err)
		}
	}
	if p.cfg.HealthPath != "" {
		if err := writeJSONFile(p.cfg.HealthPath, map[string]any{
			"health":    p.health,
			"timestamp": stamp,
		}); err != nil {
			return fmt.Errorf("write health: %w", err)
		}
	}
	p.lastFlush = p.now()
	p.dirty = false
	return nil
}

func (p *FingerprintPool) sortedNeverLocked() []string {
	out := make([]string, 0, len(p.never))
	for label := range p.never {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// readJSONFile decodes path into v, reporting (false, nil) when absent.
func readJSONFile(path string, v any) (bool, error) {
	if path == "" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// writeJSONFile writes v atomically via a temp file and rename so a crash
// mid-write never truncates persisted state.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
