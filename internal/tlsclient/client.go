// Package tlsclient issues HTTP requests whose TLS ClientHello mimics a named
// browser build. This is the primary defense against the CDN's anti-bot gate:
// the origin discriminates on cipher order, extensions and ALPN, so a stock
// crypto/tls hello is rejected regardless of headers.
package tlsclient

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/opengovph/dpwh-harvest/internal/harvest"
)

// Rotation pools for per-request header variation. The UA itself is implied
// by the impersonated hello, so it is never set manually.
var (
	defaultAcceptLanguages = []string{
		"en-US,en;q=0.9",
		"en-GB,en;q=0.9",
		"en-PH,en;q=0.9,tl;q=0.8",
		"fil-PH,fil;q=0.9,en;q=0.8",
		"en;q=0.9",
	}
	defaultReferers = []string{
		"https://www.google.com/",
		"https://transparency.dpwh.gov.ph/",
		"https://www.dpwh.gov.ph/",
		"",
	}
)

// Config controls Factory behavior.
type Config struct {
	// Origin is sent as the Origin header and used as the fallback Referer.
	Origin          string
	AcceptLanguages []string
	Referers        []string
	DialTimeout     time.Duration
}

// Factory builds one connection per request with the requested identity.
// Clients are deliberately not pooled: connection reuse would pin a unit to
// the fingerprint and proxy of a previous attempt.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Factory.
func New(cfg Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.AcceptLanguages) == 0 {
		cfg.AcceptLanguages = defaultAcceptLanguages
	}
	if len(cfg.Referers) == 0 {
		cfg.Referers = defaultReferers
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// Fetch issues a single GET with the fingerprint and proxy named in req.
func (f *Factory) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	start := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	hello, err := helloFor(req.Fingerprint)
	if err != nil {
		return harvest.FetchResponse{}, err
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("parse url: %w", err)
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	f.applyHeaders(hr)

	uconn, err := f.dialTLS(ctx, target, hello, req.Proxy)
	if err != nil {
		return harvest.FetchResponse{}, err
	}
	defer func() { _ = uconn.Close() }()

	resp, err := roundTrip(uconn, hr)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("round trip: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := decodeBody(resp)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("read body: %w", err)
	}

	f.logger.Debug("fetch complete",
		zap.String("url", req.URL),
		zap.String("fingerprint", req.Fingerprint),
		zap.Bool("proxied", req.Proxy != ""),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)

	return harvest.FetchResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

// applyHeaders sets the constant fetch-metadata headers and rotates
// Accept-Language and Referer per request.
func (f *Factory) applyHeaders(hr *http.Request) {
	hr.Header.Set("Accept", "application/json, text/plain, */*")
	hr.Header.Set("Accept-Language", f.cfg.AcceptLanguages[rand.Intn(len(f.cfg.AcceptLanguages))])
	hr.Header.Set("Accept-Encoding", "gzip, deflate, br")
	hr.Header.Set("DNT", "1")
	hr.Header.Set("Sec-Fetch-Dest", "empty")
	hr.Header.Set("Sec-Fetch-Mode", "cors")
	hr.Header.Set("Sec-Fetch-Site", "same-site")
	if f.cfg.Origin != "" {
		hr.Header.Set("Origin", f.cfg.Origin)
	}
	referer := f.cfg.Referers[rand.Intn(len(f.cfg.Referers))]
	if referer == "" {
		referer = f.cfg.Origin + "/"
	}
	hr.Header.Set("Referer", referer)
}

// dialTLS establishes the TCP leg (direct, CONNECT or socks5) and completes
// the impersonated handshake over it.
func (f *Factory) dialTLS(ctx context.Context, target *url.URL, hello utls.ClientHelloID, proxyURL string) (*utls.UConn, error) {
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = "443"
	}
	addr := net.JoinHostPort(host, port)

	rawConn, err := f.dialTCP(ctx, addr, proxyURL)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = rawConn.SetDeadline(deadline)
	}

	uconn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		NextProtos: []string{"h2", "http/1.1"},
	}, hello)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return uconn, nil
}

func (f *Factory) dialTCP(ctx context.Context, addr, proxyURL string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: f.cfg.DialTimeout}

	if proxyURL == "" {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return conn, nil
	}

	pu, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	switch pu.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if pu.User != nil {
			password, _ := pu.User.Password()
			auth = &proxy.Auth{User: pu.User.Username(), Password: password}
		}
		sd, err := proxy.SOCKS5("tcp", pu.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := sd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s lacks context support", pu.Host)
		}
		conn, err := cd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect via socks proxy %s: %w", pu.Host, err)
		}
		return conn, nil
	case "http", "https":
		return f.dialConnect(ctx, dialer, pu, addr)
	default:
		return nil, fmt.Errorf("proxy scheme %q not usable", pu.Scheme)
	}
}

// dialConnect tunnels through an HTTP proxy with a CONNECT request.
func (f *Factory) dialConnect(ctx context.Context, dialer *net.Dialer, pu *url.URL, addr string) (net.Conn, error) {
	proxyAddr := pu.Host
	if pu.Port() == "" {
		proxyAddr = net.JoinHostPort(pu.Hostname(), "8080")
	}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyAddr, err)
	}

	connect := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if pu.User != nil {
		password, _ := pu.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(pu.User.Username() + ":" + password))
		connect.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := connect.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect via proxy %s: write: %w", proxyAddr, err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connect)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect via proxy %s: read: %w", proxyAddr, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect via proxy %s: CONNECT returned %d", proxyAddr, resp.StatusCode)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// roundTrip speaks whichever protocol the handshake negotiated. net/http
// cannot drive h2 over an externally-established conn, so the h2 path goes
// through x/net/http2 directly.
func roundTrip(uconn *utls.UConn, hr *http.Request) (*http.Response, error) {
	switch uconn.ConnectionState().NegotiatedProtocol {
	case http2.NextProtoTLS:
		tr := &http2.Transport{}
		cc, err := tr.NewClientConn(uconn)
		if err != nil {
			return nil, fmt.Errorf("h2 client conn: %w", err)
		}
		return cc.RoundTrip(hr)
	default:
		hr.Header.Set("Connection", "keep-alive")
		if err := hr.Write(uconn); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
		resp, err := http.ReadResponse(bufio.NewReader(uconn), hr)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return resp, nil
	}
}

// decodeBody undoes the Content-Encoding we advertised. Manual Accept-Encoding
// disables net/http's transparent gzip, so all three encodings are handled
// here.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer func() { _ = fl.Close() }()
		reader = fl
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}
