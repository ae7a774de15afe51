// Package progress holds the run-wide counters and the periodic snapshot
// writer that provides live observability and a post-crash picture of the
// run. Crash recovery itself relies on the ledger files, not the snapshot.
package progress

import (
	"sync"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
)

// Counters is the composite counter map written to the snapshot.
type Counters struct {
	Total          int `json:"total"`
	Success        int `json:"success"`
	Fail           int `json:"fail"`
	Blocked        int `json:"blocked"`
	Exception      int `json:"exception"`
	Timeout        int `json:"timeout"`
	Transport7     int `json:"transport_7"`
	Transport35    int `json:"transport_35"`
	Transport56    int `json:"transport_56"`
	RateLimited429 int `json:"rate_limited_429"`
	RateLimited403 int `json:"rate_limited_403"`
	TotalRetries   int `json:"total_retries"`
	SkippedSuccess int `json:"skipped_success"`
	TotalItems     int `json:"total_items"`
	MaxBlockRetry  int `json:"max_block_retries"`
}

// Stats is the shared mutable counter state. The mutex is held only for the
// duration of a counter update, never across I/O.
type Stats struct {
	mu sync.Mutex
	c  Counters
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

// UnitDone increments the total processed-unit count.
func (s *Stats) UnitDone() {
	s.mu.Lock()
	s.c.Total++
	s.mu.Unlock()
}

// SkippedSuccess counts a unit skipped because it already succeeded.
func (s *Stats) SkippedSuccess() {
	s.mu.Lock()
	s.c.SkippedSuccess++
	s.mu.Unlock()
}

// Retry counts one additional attempt beyond the first.
func (s *Stats) Retry() {
	s.mu.Lock()
	s.c.TotalRetries++
	s.mu.Unlock()
}

// AddItems accumulates list-stage item counts.
func (s *Stats) AddItems(n int) {
	s.mu.Lock()
	s.c.TotalItems += n
	s.mu.Unlock()
}

// BlockRetries records how many blocked attempts one unit absorbed.
func (s *Stats) BlockRetries(n int) {
	s.mu.Lock()
	if n > s.c.MaxBlockRetry {
		s.c.MaxBlockRetry = n
	}
	s.mu.Unlock()
}

// Observe folds one attempt outcome into the counters.
func (s *Stats) Observe(oc harvest.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch oc.Kind {
	case harvest.OutcomeSuccess:
		s.c.Success++
	case harvest.OutcomePermanentFailure:
		s.c.Fail++
	case harvest.OutcomeBlocked:
		s.c.Blocked++
	case harvest.OutcomeRateLimited:
		if oc.Status == 403 {
			s.c.RateLimited403++
		} else {
			s.c.RateLimited429++
		}
	case harvest.OutcomeTimeout:
		s.c.Timeout++
		s.c.Exception++
	case harvest.OutcomeTransportError:
		s.c.Exception++
		switch oc.Code {
		case harvest.TransportConnect:
			s.c.Transport7++
		case harvest.TransportTLS:
			s.c.Transport35++
		case harvest.TransportReset:
			s.c.Transport56++
		}
	case harvest.OutcomeFingerprintUnsupported:
		s.c.Exception++
	}
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c
}
