// Package harvest defines core types shared across subsystems.
package harvest

import (
	"context"
	"time"
)

// Stage identifies which extraction stage a worker is running.
type Stage string

// Stages of the harvest.
const (
	StagePages    Stage = "pages"
	StageProjects Stage = "projects"
)

// OutcomeKind classifies the result of a single HTTP attempt.
type OutcomeKind string

// Attempt outcomes produced by Classify.
const (
	OutcomeSuccess                OutcomeKind = "success"
	OutcomeRateLimited            OutcomeKind = "rate_limited"
	OutcomeBlocked                OutcomeKind = "blocked"
	OutcomeTransportError         OutcomeKind = "transport_error"
	OutcomeTimeout                OutcomeKind = "timeout"
	OutcomeFingerprintUnsupported OutcomeKind = "fingerprint_unsupported"
	OutcomePermanentFailure       OutcomeKind = "permanent_failure"
)

// TransportCode buckets transport-layer failures by their curl equivalents.
// The origin's CDN behaves differently enough per code that the health
// registry keys counters on them.
type TransportCode int

// Transport error codes.
const (
	TransportNone    TransportCode = 0
	TransportConnect TransportCode = 7  // couldn't connect to host or proxy
	TransportTLS     TransportCode = 35 // TLS handshake failed
	TransportReset   TransportCode = 56 // connection reset mid-transfer
	TransportOther   TransportCode = -1
)

// Outcome is the tagged result of classifying one attempt. Exactly one of the
// payload fields is meaningful, selected by Kind.
type Outcome struct {
	Kind    OutcomeKind
	Status  int
	Body    []byte        // OutcomeSuccess
	Code    TransportCode // OutcomeTransportError
	Snippet string        // OutcomePermanentFailure and transport errors: offending text
}

// Record is a unit of persisted output, opaque to the engine.
type Record struct {
	ID      string
	Payload []byte
}

// FetchRequest captures everything needed for one HTTP attempt.
type FetchRequest struct {
	URL         string
	Fingerprint string
	Proxy       string // empty means direct
	Timeout     time.Duration
}

// FetchResponse is the raw envelope returned by a Fetcher.
type FetchResponse struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher issues a single HTTP attempt with the requested identity.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Sink persists one record per unit of work with upsert semantics.
type Sink interface {
	Put(ctx context.Context, id string, payload []byte) error
}
