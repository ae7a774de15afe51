package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
	"github.com/opengovph/dpwh-harvest/internal/health"
	"github.com/opengovph/dpwh-harvest/internal/progress"
	"github.com/opengovph/dpwh-harvest/internal/queue"
	"github.com/opengovph/dpwh-harvest/internal/sink"
)

const validJSON = `{"contractId":"22O00073","description":"slope protection"}`

const blockedHTML = `<html><head><title>Just a moment...</title></head><body></body></html>`

type step struct {
	resp harvest.FetchResponse
	err  error
}

// scriptedFetcher replays a fixed sequence of responses, repeating the last
// step when the script runs out, and records every request it saw.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []step
	calls  []harvest.FetchRequest
}

func (f *scriptedFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	idx := len(f.calls) - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	s := f.script[idx]
	return s.resp, s.err
}

func (f *scriptedFetcher) requests() []harvest.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]harvest.FetchRequest(nil), f.calls...)
}

type memSink struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newMemSink() *memSink { return &memSink{records: make(map[string][]byte)} }

func (m *memSink) Put(_ context.Context, id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = append([]byte(nil), payload...)
	return nil
}

func (m *memSink) get(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	return b, ok
}

type fixture struct {
	worker  *Worker
	fetcher *scriptedFetcher
	store   *memSink
	ledger  *sink.Ledger
	stats   *progress.Stats
	fps     *health.FingerprintPool
	proxies *health.ProxyPool
	gate    *health.RateLimitGate
	dir     string
}

type fixtureOpt func(*Config, *Deps)

func withProxies(p *health.ProxyPool, gate *health.RateLimitGate) fixtureOpt {
	return func(cfg *Config, deps *Deps) {
		cfg.ProxyAfterAttempt = 2
		deps.Proxies = p
		deps.Gate = gate
	}
}

func withMaxRetries(n int) fixtureOpt {
	return func(cfg *Config, _ *Deps) { cfg.MaxRetries = n }
}

func withDone(ids ...string) fixtureOpt {
	return func(_ *Config, deps *Deps) {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		deps.Done = queue.NewDoneSet(set)
	}
}

func newFixture(t *testing.T, script []step, opts ...fixtureOpt) *fixture {
	t.Helper()
	dir := t.TempDir()

	ledger, err := sink.NewLedger(filepath.Join(dir, "lists"))
	require.NoError(t, err)
	raw, err := sink.NewRawDumps(filepath.Join(dir, "raw"))
	require.NoError(t, err)

	fps, err := health.NewFingerprintPool(health.FingerprintConfig{
		BlacklistPath: filepath.Join(dir, "never_success_tls.json"),
		Defaults:      []string{"chrome120", "firefox105", "safari16_0"},
	}, nil)
	require.NoError(t, err)

	f := &fixture{
		fetcher: &scriptedFetcher{script: script},
		store:   newMemSink(),
		ledger:  ledger,
		stats:   progress.NewStats(),
		fps:     fps,
		dir:     dir,
	}

	cfg := Config{
		Stage:      harvest.StageProjects,
		MaxRetries: 3,
	}
	deps := Deps{
		Fetcher:      f.fetcher,
		Fingerprints: fps,
		Store:        f.store,
		Ledger:       ledger,
		Raw:          raw,
		Stats:        f.stats,
		Done:         queue.NewDoneSet(nil),
		URLFor:       func(id string) string { return "https://origin.test/projects/" + id },
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	f.proxies = deps.Proxies
	f.gate = deps.Gate

	f.worker = New(cfg, deps)
	f.worker.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return f
}

func (f *fixture) ledgerHas(cat sink.Category, id string) bool {
	for _, got := range f.ledger.IDs(cat) {
		if got == id {
			return true
		}
	}
	return false
}

// Happy path: immediate 200 lands the unit in the sink and the successful
// ledger and nowhere else.
func TestProcessSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	})
	f.worker.Process(context.Background(), "22O00073")

	payload, ok := f.store.get("22O00073")
	require.True(t, ok)
	assert.Equal(t, validJSON, string(payload))

	assert.True(t, f.ledgerHas(sink.CatSuccessful, "22O00073"))
	for _, cat := range []sink.Category{sink.CatFailed, sink.CatException, sink.CatBlocked, sink.CatDropped} {
		assert.Empty(t, f.ledger.IDs(cat), string(cat))
	}

	c := f.stats.Snapshot()
	assert.Equal(t, 1, c.Success)
	assert.Equal(t, 1, c.Total)
	assert.Zero(t, c.TotalRetries)
}

// A transient 429 is retried and the unit still converges on success.
func TestProcessRateLimitThenSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 429, Body: []byte("slow down")}},
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	})
	f.worker.Process(context.Background(), "u1")

	assert.True(t, f.ledgerHas(sink.CatSuccessful, "u1"))
	c := f.stats.Snapshot()
	assert.Equal(t, 1, c.RateLimited429)
	assert.Equal(t, 1, c.TotalRetries)

	rateLimited := 0
	for _, h := range f.fps.Snapshot() {
		rateLimited += h.RateLimited
	}
	assert.GreaterOrEqual(t, rateLimited, 1)
}

// An unsupported fingerprint must not consume the retry budget: with a
// budget of one, an unsupported attempt followed by a success still lands in
// successful, and the offending profile is blacklisted on disk.
func TestUnsupportedFingerprintDoesNotConsumeBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{err: errors.New("impersonating chrome120 is not supported by this runtime")},
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	}, withMaxRetries(1))
	f.worker.Process(context.Background(), "u1")

	assert.True(t, f.ledgerHas(sink.CatSuccessful, "u1"))
	require.Len(t, f.fetcher.requests(), 2)

	blacklisted := f.fps.Blacklisted()
	require.Len(t, blacklisted, 1)
	assert.Equal(t, f.fetcher.requests()[0].Fingerprint, blacklisted[0])

	// Blacklisted profile is never selected again.
	assert.NotEqual(t, blacklisted[0], f.fetcher.requests()[1].Fingerprint)

	_, err := os.Stat(filepath.Join(f.dir, "never_success_tls.json"))
	assert.NoError(t, err)
}

// Interstitials on every attempt exhaust the unit into blocked and dropped,
// with no sink write.
func TestProcessBlockedExhaustion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(blockedHTML)}},
	})
	f.worker.Process(context.Background(), "u1")

	_, ok := f.store.get("u1")
	assert.False(t, ok)
	assert.True(t, f.ledgerHas(sink.CatBlocked, "u1"))
	assert.True(t, f.ledgerHas(sink.CatDropped, "u1"))
	assert.False(t, f.ledgerHas(sink.CatSuccessful, "u1"))
	assert.False(t, f.ledgerHas(sink.CatFailed, "u1"))

	c := f.stats.Snapshot()
	assert.Equal(t, 3, c.Blocked)
	assert.Equal(t, 3, c.MaxBlockRetry)
}

// A permanent failure breaks immediately, dumps the body and lands in failed.
func TestProcessPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 500, Body: []byte("upstream exploded")}},
	})
	f.worker.Process(context.Background(), "u1")

	assert.True(t, f.ledgerHas(sink.CatFailed, "u1"))
	require.Len(t, f.fetcher.requests(), 1, "permanent failures are not retried")

	data, err := os.ReadFile(filepath.Join(f.dir, "raw", "u1_raw.txt"))
	require.NoError(t, err)
	assert.Equal(t, "upstream exploded", string(data))
}

// Transport errors retry, then exhaust into the exception ledger with the
// per-code bucket recorded.
func TestProcessTransportExhaustion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{err: errors.New("read tcp: connection reset by peer")},
	})
	f.worker.Process(context.Background(), "u1")

	assert.True(t, f.ledgerHas(sink.CatException, "u1"))
	assert.True(t, f.ledgerHas(sink.CatTransport56, "u1"))
	assert.Len(t, f.fetcher.requests(), 3)

	c := f.stats.Snapshot()
	assert.Equal(t, 3, c.Transport56)
}

// Proxy collapse: the only proxy dies with a connection failure on first use
// and the unit completes proxyless.
func TestProcessProxyCollapse(t *testing.T) {
	t.Parallel()

	proxies := health.NewProxyPool([]string{"http://only:8080"}, health.ProxyConfig{}, nil)
	gate := health.NewRateLimitGate(time.Hour)
	gate.MarkLimited() // forces a proxy from attempt 1

	f := newFixture(t, []step{
		{err: errors.New("dial tcp: connection refused")},
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	}, withProxies(proxies, gate))
	f.worker.Process(context.Background(), "u1")

	reqs := f.fetcher.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "http://only:8080", reqs[0].Proxy)
	assert.Empty(t, reqs[1].Proxy, "blacklisted proxy falls back to direct")

	assert.True(t, proxies.Snapshot()["http://only:8080"].Blacklisted)
	assert.True(t, f.ledgerHas(sink.CatSuccessful, "u1"))
}

// While the gate is open, the first two attempts run direct and the third
// goes through a proxy.
func TestProxyPolicyEscalation(t *testing.T) {
	t.Parallel()

	proxies := health.NewProxyPool([]string{"http://p:8080"}, health.ProxyConfig{}, nil)
	gate := health.NewRateLimitGate(time.Hour)

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(blockedHTML)}},
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(blockedHTML)}},
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	}, withProxies(proxies, gate))
	f.worker.Process(context.Background(), "u1")

	reqs := f.fetcher.requests()
	require.Len(t, reqs, 3)
	assert.Empty(t, reqs[0].Proxy)
	assert.Empty(t, reqs[1].Proxy)
	assert.Equal(t, "http://p:8080", reqs[2].Proxy)
}

// A proxyless 429 closes the gate; a later proxyless success reopens it.
func TestGateLifecycleThroughWorker(t *testing.T) {
	t.Parallel()

	proxies := health.NewProxyPool(nil, health.ProxyConfig{}, nil)
	gate := health.NewRateLimitGate(time.Hour)

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 429}},
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	}, withProxies(proxies, gate))
	f.worker.Process(context.Background(), "u1")

	// The 429 marked the gate; the proxyless success cleared it again.
	assert.False(t, gate.Limited())
	assert.True(t, f.ledgerHas(sink.CatSuccessful, "u1"))
}

// Units already in the successful cache are skipped without a request.
func TestProcessSkipsAlreadySuccessful(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	}, withDone("u1"))
	f.worker.Process(context.Background(), "u1")

	assert.Empty(t, f.fetcher.requests())
	c := f.stats.Snapshot()
	assert.Equal(t, 1, c.SkippedSuccess)
	assert.Equal(t, 1, c.Total)
}

// Every unit ends in exactly one terminal ledger.
func TestTerminalLedgerExclusivity(t *testing.T) {
	t.Parallel()

	scripts := map[string][]step{
		"ok":      {{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}}},
		"fail":    {{resp: harvest.FetchResponse{StatusCode: 500, Body: []byte("boom")}}},
		"blocked": {{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(blockedHTML)}}},
		"exc":     {{err: errors.New("something strange")}},
	}
	for id, script := range scripts {
		f := newFixture(t, script)
		f.worker.Process(context.Background(), id)

		terminals := 0
		for _, cat := range []sink.Category{sink.CatSuccessful, sink.CatFailed, sink.CatException, sink.CatBlocked} {
			if f.ledgerHas(cat, id) {
				terminals++
			}
		}
		assert.Equal(t, 1, terminals, "unit %s must land in exactly one terminal ledger", id)
	}
}

// A canceled context stops the unit before any attempt and leaves no terminal
// ledger entry; the unit stays pending for the next run.
func TestProcessContextCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []step{
		{resp: harvest.FetchResponse{StatusCode: 200, Body: []byte(validJSON)}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.worker.Process(ctx, "u1")

	assert.Empty(t, f.fetcher.requests())
	for _, cat := range []sink.Category{sink.CatSuccessful, sink.CatFailed, sink.CatException, sink.CatBlocked} {
		assert.Empty(t, f.ledger.IDs(cat))
	}
}
