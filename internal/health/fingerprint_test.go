package health

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
)

func newTestPool(t *testing.T, defaults []string) (*FingerprintPool, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewFingerprintPool(FingerprintConfig{
		PoolPath:      filepath.Join(dir, "impersonate_pool.json"),
		BlacklistPath: filepath.Join(dir, "never_success_tls.json"),
		HealthPath:    filepath.Join(dir, "impersonate_health.json"),
		Defaults:      defaults,
	}, nil)
	require.NoError(t, err)
	return p, dir
}

func TestPickReturnsActiveProfile(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"chrome120", "firefox105"})
	for i := 0; i < 20; i++ {
		label, err := p.Pick()
		require.NoError(t, err)
		assert.Contains(t, []string{"chrome120", "firefox105"}, label)
	}
}

// An unsupported fingerprint must vanish from the rotation immediately and
// land in the on-disk blacklist.
func TestUnsupportedBlacklistsPersistently(t *testing.T) {
	t.Parallel()

	p, dir := newTestPool(t, []string{"chrome120", "opera95"})
	p.Report("opera95", harvest.Outcome{Kind: harvest.OutcomeFingerprintUnsupported})

	assert.Equal(t, []string{"chrome120"}, p.Active())
	for i := 0; i < 50; i++ {
		label, err := p.Pick()
		require.NoError(t, err)
		assert.NotEqual(t, "opera95", label)
	}

	data, err := os.ReadFile(filepath.Join(dir, "never_success_tls.json"))
	require.NoError(t, err)
	var blacklist struct {
		Never []string `json:"never_success_tls"`
	}
	require.NoError(t, json.Unmarshal(data, &blacklist))
	assert.Equal(t, []string{"opera95"}, blacklist.Never)
}

func TestBlacklistExcludedOnReload(t *testing.T) {
	t.Parallel()

	p, dir := newTestPool(t, []string{"chrome120", "opera95"})
	p.Blacklist("opera95", "not_supported")

	p2, err := NewFingerprintPool(FingerprintConfig{
		PoolPath:      filepath.Join(dir, "impersonate_pool.json"),
		BlacklistPath: filepath.Join(dir, "never_success_tls.json"),
		HealthPath:    filepath.Join(dir, "impersonate_health.json"),
		Defaults:      []string{"chrome120", "opera95"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"chrome120"}, p2.Active())

	health := p2.Snapshot()["opera95"]
	assert.True(t, health.Disabled)
	assert.Equal(t, "not_supported", health.DisabledReason)
}

func TestPoolEmptyAfterFullBlacklist(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"chrome120"})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeFingerprintUnsupported})

	_, err := p.Pick()
	assert.ErrorIs(t, err, ErrPoolEmpty)
}

func TestAutoDisableNeverSucceededStreak(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"chrome120", "firefox105"})
	for i := 0; i < 8; i++ {
		p.Report("firefox105", harvest.Outcome{Kind: harvest.OutcomePermanentFailure})
	}
	assert.Equal(t, []string{"chrome120"}, p.Active())
	assert.Contains(t, p.Blacklisted(), "firefox105")
}

// A profile that has ever succeeded is never auto-disabled, however long its
// later failure streak grows.
func TestEverSucceededNotAutoDisabled(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"chrome120"})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeSuccess})
	for i := 0; i < 20; i++ {
		p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomePermanentFailure})
	}
	assert.Equal(t, []string{"chrome120"}, p.Active())
}

func TestDemoteRemovesForRunOnly(t *testing.T) {
	t.Parallel()

	p, dir := newTestPool(t, []string{"chrome120", "firefox105"})
	p.Demote("firefox105")
	assert.Equal(t, []string{"chrome120"}, p.Active())
	require.NoError(t, p.Flush())

	data, err := os.ReadFile(filepath.Join(dir, "never_success_tls.json"))
	require.NoError(t, err)
	var blacklist struct {
		Never []string `json:"never_success_tls"`
	}
	require.NoError(t, json.Unmarshal(data, &blacklist))
	assert.Empty(t, blacklist.Never)
}

func TestCountersTrackOutcomes(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"chrome120"})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeSuccess})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeBlocked})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeRateLimited, Status: 429})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeTimeout})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeTransportError, Code: harvest.TransportConnect})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeTransportError, Code: harvest.TransportTLS})
	p.Report("chrome120", harvest.Outcome{Kind: harvest.OutcomeTransportError, Code: harvest.TransportReset})

	h := p.Snapshot()["chrome120"]
	assert.Equal(t, 1, h.Success)
	assert.Equal(t, 6, h.Fail)
	assert.Equal(t, 1, h.Block)
	assert.Equal(t, 1, h.RateLimited)
	assert.Equal(t, 1, h.Timeout)
	assert.Equal(t, 1, h.Transport7)
	assert.Equal(t, 1, h.Transport35)
	assert.Equal(t, 1, h.Transport56)
	assert.Equal(t, 6, h.ConsecutiveFailures)
	assert.True(t, h.EverSucceeded())
}
