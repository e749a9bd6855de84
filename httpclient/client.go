// Package httpclient wraps a single reusable net/http client for the
// whole task: TLS trust-mode selection (strict, relaxed, disabled,
// pinned), optional forward proxy, connect/request timeouts, request
// decoration (auth), and normalization of every exchange into a
// FetchResult.
//
// Purpose:
// - One connection-pooled client per task; endpoint runners share it
// - Enforces the https.ssl.* and http.proxy.* configuration surface
// - Optionally instruments the transport with otelhttp
//
// The wrapper never interprets response status codes; classification is
// the resilience package's job.
package httpclient

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

// Decorator mutates an outgoing request before it is sent. Auth
// providers implement this to inject headers or query parameters.
type Decorator interface {
	Apply(ctx context.Context, req *http.Request) error
}

// Request describes one fetch
type Request struct {
	Method  string
	URL     string
	Headers map[string]string

	// Timeout overrides the configured request timeout when positive
	Timeout time.Duration
}

// FetchResult is the normalized outcome of a completed exchange.
// A FetchResult exists only when the transport produced a response;
// transport-level failures surface as errors from Do.
type FetchResult struct {
	Status  int
	Headers http.Header
	Body    []byte
	Elapsed time.Duration
}

// OK reports whether the response is a non-error status
func (r *FetchResult) OK() bool {
	return r.Status >= 200 && r.Status < 400
}

// Client is the task-wide HTTP client wrapper
type Client struct {
	httpClient *http.Client
	cfg        core.HTTPClientConfig
	decorator  Decorator
	logger     core.Logger
}

// Options configures client construction
type Options struct {
	TLS        core.TLSConfig
	Proxy      core.ProxyConfig
	HTTP       core.HTTPClientConfig
	Decorator  Decorator
	Instrument bool // wrap the transport with otelhttp
	Logger     core.Logger
}

// New builds the task's HTTP client from the TLS, proxy and timeout
// configuration. The returned client is safe for concurrent use.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/httpclient")
	}

	tlsConfig, err := buildTLSConfig(opts.TLS)
	if err != nil {
		return nil, core.NewConnectorError("httpclient.new", "tls", 0, err)
	}

	dialer := &net.Dialer{Timeout: opts.HTTP.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: opts.HTTP.ConnectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: core.MaxEndpoints,
		IdleConnTimeout:     90 * time.Second,
	}

	if opts.Proxy.Host != "" {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   fmt.Sprintf("%s:%d", opts.Proxy.Host, opts.Proxy.Port),
		}
		if opts.Proxy.Username != "" {
			proxyURL.User = url.UserPassword(opts.Proxy.Username, opts.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		logger.Info("HTTP proxy configured", map[string]interface{}{
			"operation": "httpclient_proxy",
			"proxy":     proxyURL.Host,
			"auth":      opts.Proxy.Username != "",
		})
	}

	var rt http.RoundTripper = transport
	if opts.Instrument {
		rt = otelhttp.NewTransport(transport)
	}

	return &Client{
		// The wrapper owns timeouts per request; the inner client has none
		httpClient: &http.Client{Transport: rt},
		cfg:        opts.HTTP,
		decorator:  opts.Decorator,
		logger:     logger,
	}, nil
}

// Do executes one request and normalizes the outcome. The request
// timeout is the configured default unless the Request overrides it.
// The caller's context cancels in-flight exchanges on task stop.
func (c *Client) Do(ctx context.Context, req *Request) (*FetchResult, error) {
	timeout := c.cfg.RequestTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, core.NewConnectorError("httpclient.do", "request", 0, err)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	if c.decorator != nil {
		if err := c.decorator.Apply(ctx, httpReq); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := c.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", core.ErrResponseTooLarge, limit)
	}

	result := &FetchResult{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    body,
		Elapsed: time.Since(start),
	}

	c.logger.Debug("Fetch completed", map[string]interface{}{
		"operation":  "httpclient_fetch",
		"method":     method,
		"url":        req.URL,
		"status":     result.Status,
		"elapsed_ms": result.Elapsed.Milliseconds(),
		"body_bytes": len(body),
	})
	return result, nil
}

// CloseIdleConnections releases pooled connections on task stop
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// SetDecorator installs the request decorator after construction. The
// auth provider needs the client's transport for token fetches, so the
// two are wired in sequence at task start, before any poll runs.
func (c *Client) SetDecorator(d Decorator) {
	c.decorator = d
}

// Std exposes a standard *http.Client sharing this wrapper's transport
// (TLS, proxy) with a plain timeout, for collaborators like the OAuth2
// token fetcher
func (c *Client) Std() *http.Client {
	return &http.Client{
		Transport: c.httpClient.Transport,
		Timeout:   c.cfg.RequestTimeout,
	}
}

func buildTLSConfig(cfg core.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if cfg.Protocol != "" {
		v, err := tlsVersion(cfg.Protocol)
		if err != nil {
			return nil, err
		}
		tlsConfig.MinVersion = v
	}
	if cfg.MaxProtocol != "" {
		v, err := tlsVersion(cfg.MaxProtocol)
		if err != nil {
			return nil, err
		}
		tlsConfig.MaxVersion = v
	}

	switch cfg.TrustMode {
	case core.TrustModeStrict:
		if !cfg.VerifyHostname {
			// Chain validation without hostname matching requires a
			// custom verifier; the standard library couples the two.
			tlsConfig.InsecureSkipVerify = true
			tlsConfig.VerifyPeerCertificate = verifyChainOnly
		}
	case core.TrustModeRelaxed:
		// Accept self-signed certificates; still require a parseable,
		// time-valid leaf certificate
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = verifyRelaxed
	case core.TrustModeDisabled:
		tlsConfig.InsecureSkipVerify = true
	case core.TrustModePinned:
		pins, err := parsePins(cfg.Pins)
		if err != nil {
			return nil, err
		}
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = verifyPinned(pins)
	default:
		return nil, fmt.Errorf("%w: unknown TLS trust mode %q", core.ErrInvalidConfiguration, cfg.TrustMode)
	}

	return tlsConfig, nil
}

func tlsVersion(name string) (uint16, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, " ", "")) {
	case "TLSV1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	case "TLSV1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: unsupported TLS protocol %q", core.ErrInvalidConfiguration, name)
	}
}

// verifyChainOnly validates the peer chain against the system roots but
// skips hostname verification
func verifyChainOnly(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs, err := parseCerts(rawCerts)
	if err != nil {
		return err
	}
	roots, err := x509.SystemCertPool()
	if err != nil {
		return err
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err = certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}

// verifyRelaxed accepts any chain whose leaf parses and is within its
// validity window, which admits self-signed certificates
func verifyRelaxed(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs, err := parseCerts(rawCerts)
	if err != nil {
		return err
	}
	now := time.Now()
	leaf := certs[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("certificate outside validity window (%s - %s)", leaf.NotBefore, leaf.NotAfter)
	}
	return nil
}

type pinSet struct {
	spki map[[32]byte]bool // SHA-256 over SubjectPublicKeyInfo
	cert map[[32]byte]bool // SHA-256 over the certificate DER
}

func parsePins(pins []string) (*pinSet, error) {
	set := &pinSet{
		spki: map[[32]byte]bool{},
		cert: map[[32]byte]bool{},
	}
	for _, pin := range pins {
		if b64, ok := strings.CutPrefix(pin, "sha256//"); ok {
			raw, err := base64.StdEncoding.DecodeString(b64)
			if err != nil || len(raw) != sha256.Size {
				return nil, fmt.Errorf("%w: malformed SPKI pin %q", core.ErrInvalidConfiguration, pin)
			}
			var digest [32]byte
			copy(digest[:], raw)
			set.spki[digest] = true
			continue
		}
		raw, err := hex.DecodeString(strings.ReplaceAll(pin, ":", ""))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("%w: malformed certificate pin %q", core.ErrInvalidConfiguration, pin)
		}
		var digest [32]byte
		copy(digest[:], raw)
		set.cert[digest] = true
	}
	return set, nil
}

// verifyPinned accepts a chain iff any presented certificate matches a
// configured SPKI or certificate digest
func verifyPinned(pins *pinSet) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		certs, err := parseCerts(rawCerts)
		if err != nil {
			return err
		}
		for i, cert := range certs {
			if pins.cert[sha256.Sum256(rawCerts[i])] {
				return nil
			}
			if pins.spki[sha256.Sum256(cert.RawSubjectPublicKeyInfo)] {
				return nil
			}
		}
		return fmt.Errorf("no presented certificate matches a configured pin")
	}
}

func parseCerts(rawCerts [][]byte) ([]*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("server presented no certificates")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
