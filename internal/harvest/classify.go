package harvest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Markers the CDN embeds in anti-bot interstitials and 1015 rate-limit pages.
var interstitialMarkers = []string{
	"just a moment",
	"error 1015",
	"error code: 1015",
	"you are being rate limited",
	"rate limited",
}

// Transport error text markers, checked against the lowercased error string.
var (
	unsupportedMarkers = []string{"not supported"}
	connectMarkers     = []string{"connection refused", "no such host", "failed to connect", "network is unreachable"}
	tlsMarkers         = []string{"handshake failure", "tls:", "certificate", "bad record mac"}
	resetMarkers       = []string{"connection reset", "broken pipe", "unexpected eof"}
	timeoutMarkers     = []string{"timeout", "deadline exceeded", "timed out"}
)

const snippetLimit = 2048

// Classify maps the raw result of one HTTP attempt onto an Outcome. It is a
// pure function of its inputs: identical (status, body, error text) always
// yields an identical Outcome. The worker retry loop branches only on the
// returned Kind, never on errors.
func Classify(resp FetchResponse, err error) Outcome {
	if err != nil {
		return classifyTransport(err)
	}

	blocked := isInterstitial(resp.Body)

	switch {
	case resp.StatusCode == 200 && !blocked && isJSONObject(resp.Body):
		return Outcome{Kind: OutcomeSuccess, Status: resp.StatusCode, Body: resp.Body}
	case resp.StatusCode == 200 && blocked:
		return Outcome{Kind: OutcomeBlocked, Status: resp.StatusCode}
	case resp.StatusCode == 429:
		return Outcome{Kind: OutcomeRateLimited, Status: resp.StatusCode}
	case resp.StatusCode == 403 && blocked:
		// A 403 carrying the interstitial is the CDN's rate limiter, not an
		// origin-level forbidden.
		return Outcome{Kind: OutcomeRateLimited, Status: resp.StatusCode}
	case resp.StatusCode == 403:
		return Outcome{Kind: OutcomeBlocked, Status: resp.StatusCode}
	default:
		return Outcome{Kind: OutcomePermanentFailure, Status: resp.StatusCode, Snippet: snippet(resp.Body)}
	}
}

func classifyTransport(err error) Outcome {
	text := strings.ToLower(err.Error())

	if containsAny(text, unsupportedMarkers) {
		return Outcome{Kind: OutcomeFingerprintUnsupported, Snippet: snippetString(err.Error())}
	}
	if containsAny(text, connectMarkers) {
		return Outcome{Kind: OutcomeTransportError, Code: TransportConnect, Snippet: snippetString(err.Error())}
	}
	if containsAny(text, timeoutMarkers) {
		return Outcome{Kind: OutcomeTimeout, Snippet: snippetString(err.Error())}
	}
	if containsAny(text, tlsMarkers) {
		return Outcome{Kind: OutcomeTransportError, Code: TransportTLS, Snippet: snippetString(err.Error())}
	}
	if containsAny(text, resetMarkers) {
		return Outcome{Kind: OutcomeTransportError, Code: TransportReset, Snippet: snippetString(err.Error())}
	}
	return Outcome{Kind: OutcomeTransportError, Code: TransportOther, Snippet: snippetString(err.Error())}
}

// isInterstitial reports whether the body is one of the CDN's challenge or
// rate-limit pages. HTML bodies get a title check first since the markers can
// legitimately appear inside JSON payload text.
func isInterstitial(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return false
	}
	lower := strings.ToLower(string(body))
	if trimmed[0] == '<' {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			title := strings.ToLower(doc.Find("title").Text())
			if containsAny(title, interstitialMarkers) {
				return true
			}
		}
	}
	return containsAny(lower, interstitialMarkers)
}

// isJSONObject reports whether body parses as JSON with an object at the top
// level. The payload stays opaque beyond this check.
func isJSONObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// CountItems counts the records inside a list-stage page payload. The origin
// nests the list at data.data, but older responses used data / results / items
// directly. Unknown shapes count as zero.
func CountItems(body []byte) int {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return 0
	}
	if inner, ok := top["data"]; ok {
		var innerObj map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerObj); err == nil {
			if n, ok := countList(innerObj["data"]); ok {
				return n
			}
		}
	}
	for _, key := range []string{"data", "results", "items"} {
		if n, ok := countList(top[key]); ok {
			return n
		}
	}
	return 0
}

func countList(raw json.RawMessage) (int, bool) {
	if raw == nil {
		return 0, false
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return 0, false
	}
	return len(list), true
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	return snippetString(string(body))
}

func snippetString(s string) string {
	if len(s) > snippetLimit {
		return s[:snippetLimit]
	}
	return s
}
