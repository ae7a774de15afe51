// Package worker implements the per-unit retry loop shared by both
// extraction stages.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
	"github.com/opengovph/dpwh-harvest/internal/health"
	"github.com/opengovph/dpwh-harvest/internal/metrics"
	"github.com/opengovph/dpwh-harvest/internal/progress"
	"github.com/opengovph/dpwh-harvest/internal/queue"
	"github.com/opengovph/dpwh-harvest/internal/sink"
)

// Config controls the retry loop for one stage.
type Config struct {
	Stage      harvest.Stage
	MaxRetries int
	// MinDelay/MaxDelay bound the random pre-attempt jitter.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Timeout applies to direct attempts, ProxyTimeout to proxied ones
	// (proxies should fail fast).
	Timeout      time.Duration
	ProxyTimeout time.Duration
	// ProxyAfterAttempt is the last attempt issued without a proxy when the
	// gate is open. Zero disables proxies entirely (list stage).
	ProxyAfterAttempt int
	// TransientBackoffBase, when set, makes transient backoff linear
	// (attempt * base). Zero selects a 2-5 s range sample instead.
	TransientBackoffBase time.Duration
	// CountItems enables per-page item accounting on success.
	CountItems bool
}

// Worker processes one unit at a time: identity selection, fetch, classify,
// outcome dispatch. All recoverable conditions are absorbed here; Process
// never reports an error to the dispatcher.
type Worker struct {
	cfg          Config
	fetcher      harvest.Fetcher
	fingerprints *health.FingerprintPool
	proxies      *health.ProxyPool
	gate         *health.RateLimitGate
	store        harvest.Sink
	ledger       *sink.Ledger
	raw          *sink.RawDumps
	pages        *sink.PageDumps
	stats        *progress.Stats
	done         *queue.DoneSet
	urlFor       func(id string) string
	abort        context.CancelFunc
	logger       *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Deps bundles the worker's collaborators.
type Deps struct {
	Fetcher      harvest.Fetcher
	Fingerprints *health.FingerprintPool
	Proxies      *health.ProxyPool
	Gate         *health.RateLimitGate
	Store        harvest.Sink
	Ledger       *sink.Ledger
	Raw          *sink.RawDumps
	Pages        *sink.PageDumps
	Stats        *progress.Stats
	Done         *queue.DoneSet
	URLFor       func(id string) string
	// Abort cancels the whole run; invoked when the fingerprint pool empties.
	Abort  context.CancelFunc
	Logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Worker{
		cfg:          cfg,
		fetcher:      deps.Fetcher,
		fingerprints: deps.Fingerprints,
		proxies:      deps.Proxies,
		gate:         deps.Gate,
		store:        deps.Store,
		ledger:       deps.Ledger,
		raw:          deps.Raw,
		pages:        deps.Pages,
		stats:        deps.Stats,
		done:         deps.Done,
		urlFor:       deps.URLFor,
		abort:        deps.Abort,
		logger:       deps.Logger,
		sleep:        sleepCtx,
	}
}

// Process runs the retry loop for one unit.
func (w *Worker) Process(ctx context.Context, id string) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()
	defer w.stats.UnitDone()

	if w.done != nil && w.done.Has(id) {
		w.stats.SkippedSuccess()
		w.logger.Debug("unit already successful, skipped", zap.String("id", id))
		return
	}

	url := w.urlFor(id)
	log := w.logger.With(zap.String("id", id))

	var (
		succeeded    bool
		blockedSeen  bool
		blockRetries int
		lastKind     harvest.OutcomeKind
		lastText     string
	)

	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 1 {
			w.stats.Retry()
		}

		fingerprint, err := w.fingerprints.Pick()
		if err != nil {
			if errors.Is(err, health.ErrPoolEmpty) {
				log.Error("fingerprint pool exhausted; delete the blacklist file or upgrade the TLS library")
				if w.abort != nil {
					w.abort()
				}
			}
			lastKind = harvest.OutcomeFingerprintUnsupported
			lastText = err.Error()
			break
		}
		proxied, proxy := w.selectProxy(attempt)

		if !w.sleep(ctx, w.jitter()) {
			return
		}

		timeout := w.cfg.Timeout
		if proxied && w.cfg.ProxyTimeout > 0 {
			timeout = w.cfg.ProxyTimeout
		}
		resp, fetchErr := w.fetcher.Fetch(ctx, harvest.FetchRequest{
			URL:         url,
			Fingerprint: fingerprint,
			Proxy:       proxy,
			Timeout:     timeout,
		})
		if ctx.Err() != nil {
			return
		}

		oc := harvest.Classify(resp, fetchErr)
		w.stats.Observe(oc)
		metrics.ObserveAttempt(string(w.cfg.Stage), string(oc.Kind))
		w.fingerprints.Report(fingerprint, oc)
		if proxy != "" {
			w.proxies.Report(proxy, oc)
		}
		lastKind = oc.Kind

		switch oc.Kind {
		case harvest.OutcomeSuccess:
			if err := w.deliver(ctx, id, oc.Body); err != nil {
				log.Error("persist record failed", zap.Error(err))
				lastKind = harvest.OutcomePermanentFailure
				lastText = err.Error()
				break
			}
			if proxy == "" && w.gate != nil && w.gate.Limited() {
				w.gate.Clear()
				log.Info("proxyless rate limit lifted")
			}
			succeeded = true
			log.Debug("unit succeeded",
				zap.Int("attempt", attempt),
				zap.String("fingerprint", fingerprint),
				zap.Bool("proxied", proxied),
			)
		case harvest.OutcomeRateLimited:
			if proxy == "" && w.gate != nil {
				w.gate.MarkLimited()
				log.Warn("proxyless requests rate limited, switching to proxies")
			}
			if !w.sleep(ctx, w.rateLimitBackoff(oc.Status)) {
				return
			}
			continue
		case harvest.OutcomeBlocked:
			blockedSeen = true
			blockRetries++
			log.Warn("anti-bot interstitial", zap.Int("attempt", attempt), zap.String("fingerprint", fingerprint))
			if !w.sleep(ctx, randRange(2*time.Second, 5*time.Second)) {
				return
			}
			continue
		case harvest.OutcomeTimeout, harvest.OutcomeTransportError:
			lastText = oc.Snippet
			w.recordTransport(id, oc)
			log.Warn("transport failure",
				zap.Int("attempt", attempt),
				zap.Int("code", int(oc.Code)),
				zap.String("error", oc.Snippet),
			)
			if !w.sleep(ctx, w.transientBackoff(attempt)) {
				return
			}
			continue
		case harvest.OutcomeFingerprintUnsupported:
			// Already blacklisted by the registry's Report. Does not count
			// against the retry budget; retry immediately with a fresh pick.
			attempt--
			log.Warn("fingerprint unsupported, blacklisted", zap.String("fingerprint", fingerprint))
			if !w.sleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		case harvest.OutcomePermanentFailure:
			lastText = oc.Snippet
			log.Error("permanent failure", zap.Int("status", oc.Status))
		}
		break
	}

	w.finalize(id, succeeded, blockedSeen, blockRetries, lastKind, lastText, log)
}

// selectProxy applies the proxy policy: attempts 1-2 direct, later attempts
// proxied, except while the proxyless rate limit gate is closed, in which
// case every attempt is proxied. No valid proxy falls back to direct.
func (w *Worker) selectProxy(attempt int) (bool, string) {
	if w.proxies == nil || w.cfg.ProxyAfterAttempt <= 0 {
		return false, ""
	}
	wantProxy := attempt > w.cfg.ProxyAfterAttempt
	if w.gate != nil && !w.gate.ProxylessAllowed() {
		wantProxy = true
	}
	if !wantProxy {
		return false, ""
	}
	proxy, ok := w.proxies.Pick()
	if !ok {
		return false, ""
	}
	return true, proxy
}

func (w *Worker) deliver(ctx context.Context, id string, payload []byte) error {
	if err := w.store.Put(ctx, id, payload); err != nil {
		return err
	}
	if w.pages != nil {
		if err := w.pages.Write(id, payload); err != nil {
			return err
		}
	}
	if w.cfg.CountItems {
		w.stats.AddItems(harvest.CountItems(payload))
	}
	if err := w.ledger.Append(sink.CatSuccessful, id); err != nil {
		return err
	}
	if w.done != nil {
		w.done.Add(id)
	}
	return nil
}

// finalize routes the unit into exactly one terminal ledger.
func (w *Worker) finalize(id string, succeeded, blockedSeen bool, blockRetries int, lastKind harvest.OutcomeKind, lastText string, log *zap.Logger) {
	if blockRetries > 0 {
		w.stats.BlockRetries(blockRetries)
	}
	if succeeded {
		metrics.ObserveUnit(string(w.cfg.Stage), "successful")
		return
	}

	var terminal sink.Category
	switch lastKind {
	case harvest.OutcomePermanentFailure:
		terminal = sink.CatFailed
	case harvest.OutcomeTimeout, harvest.OutcomeTransportError, harvest.OutcomeFingerprintUnsupported:
		terminal = sink.CatException
	default:
		terminal = sink.CatBlocked
	}

	if terminal == sink.CatFailed || terminal == sink.CatException {
		if w.raw != nil && lastText != "" {
			if err := w.raw.Write(id, lastText); err != nil {
				log.Error("write raw dump failed", zap.Error(err))
			}
		}
	}
	if err := w.ledger.Append(terminal, id); err != nil {
		log.Error("ledger append failed", zap.Error(err))
	}
	metrics.ObserveUnit(string(w.cfg.Stage), string(terminal))

	if terminal == sink.CatBlocked && blockedSeen {
		if err := w.ledger.Append(sink.CatDropped, id); err != nil {
			log.Error("ledger append failed", zap.Error(err))
		}
	}
	log.Warn("unit exhausted", zap.String("terminal", string(terminal)), zap.Int("block_retries", blockRetries))
}

func (w *Worker) recordTransport(id string, oc harvest.Outcome) {
	var cat sink.Category
	switch oc.Code {
	case harvest.TransportConnect:
		cat = sink.CatTransport7
	case harvest.TransportTLS:
		cat = sink.CatTransport35
	case harvest.TransportReset:
		cat = sink.CatTransport56
	default:
		return
	}
	if err := w.ledger.Append(cat, id); err != nil {
		w.logger.Error("ledger append failed", zap.Error(err))
	}
}

func (w *Worker) jitter() time.Duration {
	if w.cfg.MaxDelay <= w.cfg.MinDelay {
		return w.cfg.MinDelay
	}
	return randRange(w.cfg.MinDelay, w.cfg.MaxDelay)
}

// rateLimitBackoff sleeps long for hard 429/1015 limits and briefly for the
// softer 403 flavor.
func (w *Worker) rateLimitBackoff(status int) time.Duration {
	if status == 403 {
		return randRange(5*time.Second, 10*time.Second)
	}
	return randRange(30*time.Second, 60*time.Second)
}

func (w *Worker) transientBackoff(attempt int) time.Duration {
	if w.cfg.TransientBackoffBase > 0 {
		return time.Duration(attempt) * w.cfg.TransientBackoffBase
	}
	return randRange(2*time.Second, 5*time.Second)
}

func randRange(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// sleepCtx sleeps for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
