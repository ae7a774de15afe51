package health

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
)

// ProxyHealth is the runtime counter set for one proxy endpoint. Proxy state
// lives for a single process run only.
type ProxyHealth struct {
	Success             int  `json:"success"`
	Fail                int  `json:"fail"`
	Block               int  `json:"block"`
	Exception           int  `json:"exception"`
	Timeout             int  `json:"timeout"`
	Transport7          int  `json:"transport_7"`
	Transport35         int  `json:"transport_35"`
	Transport56         int  `json:"transport_56"`
	RateLimited         int  `json:"rate_limited"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
	Blacklisted         bool `json:"blacklisted,omitempty"`
}

// ProxyConfig tunes proxy selection.
type ProxyConfig struct {
	// ErrorWindow and MaxRecentErrors filter out proxies that are currently
	// melting down without blacklisting them outright.
	ErrorWindow     time.Duration
	MaxRecentErrors int
	// BlacklistAfterConsecutive applies only to proxies with zero successes.
	BlacklistAfterConsecutive int
}

type proxyState struct {
	health     ProxyHealth
	errorTimes []time.Time
}

// ProxyPool selects and tracks proxies for the detail stage.
type ProxyPool struct {
	cfg    ProxyConfig
	logger *zap.Logger

	mu     sync.Mutex
	urls   []string
	states map[string]*proxyState
	rng    *rand.Rand
	now    func() time.Time
}

// NewProxyPool constructs a pool over the given endpoint URLs.
func NewProxyPool(urls []string, cfg ProxyConfig, logger *zap.Logger) *ProxyPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = 30 * time.Second
	}
	if cfg.MaxRecentErrors <= 0 {
		cfg.MaxRecentErrors = 3
	}
	if cfg.BlacklistAfterConsecutive <= 0 {
		cfg.BlacklistAfterConsecutive = 2
	}
	states := make(map[string]*proxyState, len(urls))
	for _, u := range urls {
		states[u] = &proxyState{}
	}
	return &ProxyPool{
		cfg:    cfg,
		logger: logger,
		urls:   append([]string(nil), urls...),
		states: states,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Size returns the number of configured proxies, blacklisted or not.
func (p *ProxyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.urls)
}

// Pick returns a usable proxy, preferring ones with prior successes. The
// second return is false when no valid proxy remains; callers fall back to
// direct requests.
func (p *ProxyPool) Pick() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var valid, proven []string
	for _, u := range p.urls {
		st := p.states[u]
		if st.health.Blacklisted {
			continue
		}
		if st.health.ConsecutiveFailures >= p.cfg.BlacklistAfterConsecutive && st.health.Success == 0 {
			st.health.Blacklisted = true
			p.logger.Warn("proxy blacklisted",
				zap.String("proxy", u),
				zap.String("reason", "consecutive failures with no success"),
			)
			continue
		}
		if p.recentErrorsLocked(st, now) > p.cfg.MaxRecentErrors {
			continue
		}
		valid = append(valid, u)
		if st.health.Success > 0 {
			proven = append(proven, u)
		}
	}
	if len(proven) > 0 {
		return proven[p.rng.Intn(len(proven))], true
	}
	if len(valid) > 0 {
		return valid[p.rng.Intn(len(valid))], true
	}
	return "", false
}

// Report folds one attempt outcome into the proxy's counters. Connection
// failures blacklist the proxy immediately.
func (p *ProxyPool) Report(url string, oc harvest.Outcome) {
	if url == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[url]
	if !ok {
		st = &proxyState{}
		p.states[url] = st
		p.urls = append(p.urls, url)
	}

	switch oc.Kind {
	case harvest.OutcomeSuccess:
		st.health.Success++
		st.health.ConsecutiveFailures = 0
		return
	case harvest.OutcomeRateLimited:
		st.health.RateLimited++
		return
	case harvest.OutcomeBlocked:
		st.health.Block++
		return
	case harvest.OutcomeTimeout:
		st.health.Timeout++
		st.health.Exception++
	case harvest.OutcomeTransportError:
		st.health.Exception++
		switch oc.Code {
		case harvest.TransportConnect:
			st.health.Transport7++
		case harvest.TransportTLS:
			st.health.Transport35++
		case harvest.TransportReset:
			st.health.Transport56++
		}
	case harvest.OutcomePermanentFailure:
		st.health.Fail++
	case harvest.OutcomeFingerprintUnsupported:
		// Fingerprint problem, not the proxy's.
		return
	}

	st.health.ConsecutiveFailures++
	st.errorTimes = append(st.errorTimes, p.now())

	if oc.Kind == harvest.OutcomeTransportError && isConnectionFailure(oc.Code) {
		st.health.Blacklisted = true
		p.logger.Warn("proxy blacklisted",
			zap.String("proxy", url),
			zap.Int("transport_code", int(oc.Code)),
		)
	}
}

// Snapshot copies the health map for the progress store.
func (p *ProxyPool) Snapshot() map[string]ProxyHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ProxyHealth, len(p.states))
	for u, st := range p.states {
		out[u] = st.health
	}
	return out
}

func (p *ProxyPool) recentErrorsLocked(st *proxyState, now time.Time) int {
	cutoff := now.Add(-p.cfg.ErrorWindow)
	kept := st.errorTimes[:0]
	for _, t := range st.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.errorTimes = kept
	return len(kept)
}

func isConnectionFailure(code harvest.TransportCode) bool {
	switch code {
	case harvest.TransportConnect, harvest.TransportTLS, harvest.TransportReset:
		return true
	default:
		return false
	}
}
