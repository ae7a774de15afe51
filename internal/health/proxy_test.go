package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
)

func TestPickPrefersProvenProxies(t *testing.T) {
	t.Parallel()

	p := NewProxyPool([]string{"http://a:8080", "http://b:8080"}, ProxyConfig{}, nil)
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomeSuccess})

	for i := 0; i < 20; i++ {
		proxy, ok := p.Pick()
		require.True(t, ok)
		assert.Equal(t, "http://a:8080", proxy)
	}
}

// Two consecutive failures with no prior success permanently exclude the
// proxy from selection.
func TestTwoConsecutiveFailuresNoSuccessBlacklists(t *testing.T) {
	t.Parallel()

	p := NewProxyPool([]string{"http://bad:8080", "http://good:8080"}, ProxyConfig{}, nil)
	p.Report("http://good:8080", harvest.Outcome{Kind: harvest.OutcomeSuccess})
	p.Report("http://bad:8080", harvest.Outcome{Kind: harvest.OutcomePermanentFailure})
	p.Report("http://bad:8080", harvest.Outcome{Kind: harvest.OutcomeTimeout})

	for i := 0; i < 50; i++ {
		proxy, ok := p.Pick()
		require.True(t, ok)
		assert.Equal(t, "http://good:8080", proxy)
	}
	assert.True(t, p.Snapshot()["http://bad:8080"].Blacklisted)
}

// A proxy that has succeeded before survives failure streaks.
func TestProvenProxySurvivesFailures(t *testing.T) {
	t.Parallel()

	p := NewProxyPool([]string{"http://a:8080"}, ProxyConfig{}, nil)
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomeSuccess})
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomePermanentFailure})
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomeTimeout})
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomePermanentFailure})

	_, ok := p.Pick()
	assert.True(t, ok)
}

// Connection-failure transport errors blacklist immediately, even on the
// first use.
func TestConnectionFailureBlacklistsImmediately(t *testing.T) {
	t.Parallel()

	for _, code := range []harvest.TransportCode{
		harvest.TransportConnect, harvest.TransportTLS, harvest.TransportReset,
	} {
		p := NewProxyPool([]string{"http://only:8080"}, ProxyConfig{}, nil)
		p.Report("http://only:8080", harvest.Outcome{Kind: harvest.OutcomeTransportError, Code: code})

		_, ok := p.Pick()
		assert.False(t, ok, "code %d should have blacklisted the only proxy", code)
		assert.True(t, p.Snapshot()["http://only:8080"].Blacklisted)
	}
}

func TestErrorWindowFiltersMeltingProxies(t *testing.T) {
	t.Parallel()

	p := NewProxyPool([]string{"http://hot:8080"}, ProxyConfig{
		ErrorWindow:     30 * time.Second,
		MaxRecentErrors: 3,
	}, nil)
	// Timeouts are not connection failures, so the proxy is not blacklisted,
	// but four of them inside the window push it over the filter.
	p.Report("http://hot:8080", harvest.Outcome{Kind: harvest.OutcomeSuccess})
	for i := 0; i < 4; i++ {
		p.Report("http://hot:8080", harvest.Outcome{Kind: harvest.OutcomeTimeout})
	}

	_, ok := p.Pick()
	assert.False(t, ok)

	// Outside the window the proxy becomes selectable again.
	p.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, ok = p.Pick()
	assert.True(t, ok)
}

func TestRateLimitAndBlockDoNotCountAsProxyFailures(t *testing.T) {
	t.Parallel()

	p := NewProxyPool([]string{"http://a:8080"}, ProxyConfig{}, nil)
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomeRateLimited, Status: 429})
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomeBlocked})
	p.Report("http://a:8080", harvest.Outcome{Kind: harvest.OutcomeRateLimited, Status: 429})

	h := p.Snapshot()["http://a:8080"]
	assert.Equal(t, 0, h.ConsecutiveFailures)
	_, ok := p.Pick()
	assert.True(t, ok)
}

func TestPickEmptyPool(t *testing.T) {
	t.Parallel()

	p := NewProxyPool(nil, ProxyConfig{}, nil)
	_, ok := p.Pick()
	assert.False(t, ok)
}
