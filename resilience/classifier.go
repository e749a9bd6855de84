package resilience

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/httpclient"
)

// ErrorKind categorizes a raw fetch failure
type ErrorKind string

const (
	KindSSLTLS         ErrorKind = "SSL_TLS"
	KindDNS            ErrorKind = "DNS"
	KindConnectRefused ErrorKind = "CONNECT_REFUSED"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindAuth           ErrorKind = "AUTH"
	KindRateLimited    ErrorKind = "RATE_LIMITED"
	KindHTTP4xxFatal   ErrorKind = "HTTP_4XX_FATAL"
	KindHTTP5xx        ErrorKind = "HTTP_5XX_TRANSIENT"
	KindParse          ErrorKind = "PARSE"
	KindUnknown        ErrorKind = "UNKNOWN"
)

// Classification couples an ErrorKind with the action the runner takes
type Classification struct {
	Kind ErrorKind

	// Retryable: re-enqueue at the next interval with backoff
	Retryable bool

	// OpenCircuit: the failure counts toward (or forces) circuit opening
	OpenCircuit bool

	// HonorRetryAfter: the response's Retry-After header drives the
	// next attempt when present
	HonorRetryAfter bool

	// FatalByDefault: under behavior.on.error=FAIL this bubbles up and
	// stops the task
	FatalByDefault bool
}

// classificationTable maps each kind to its action profile
var classificationTable = map[ErrorKind]Classification{
	KindSSLTLS:         {Kind: KindSSLTLS, Retryable: false, OpenCircuit: true, FatalByDefault: true},
	KindDNS:            {Kind: KindDNS, Retryable: true, OpenCircuit: true, FatalByDefault: true},
	KindConnectRefused: {Kind: KindConnectRefused, Retryable: true, OpenCircuit: true, FatalByDefault: true},
	KindTimeout:        {Kind: KindTimeout, Retryable: true, OpenCircuit: true, FatalByDefault: false},
	KindAuth:           {Kind: KindAuth, Retryable: false, OpenCircuit: true, FatalByDefault: false},
	KindRateLimited:    {Kind: KindRateLimited, Retryable: true, OpenCircuit: false, HonorRetryAfter: true, FatalByDefault: false},
	KindHTTP4xxFatal:   {Kind: KindHTTP4xxFatal, Retryable: false, OpenCircuit: true, FatalByDefault: true},
	KindHTTP5xx:        {Kind: KindHTTP5xx, Retryable: true, OpenCircuit: true, FatalByDefault: false},
	KindParse:          {Kind: KindParse, Retryable: false, OpenCircuit: false, FatalByDefault: true},
	KindUnknown:        {Kind: KindUnknown, Retryable: true, OpenCircuit: true, FatalByDefault: true},
}

// Lookup returns the action profile for a kind
func Lookup(kind ErrorKind) Classification {
	if c, ok := classificationTable[kind]; ok {
		return c
	}
	return classificationTable[KindUnknown]
}

// Classify categorizes a fetch outcome. Exactly one of err and result
// carries the failure: transport errors arrive as err with a nil
// result, HTTP-level failures as a result with an error status.
func Classify(err error, result *httpclient.FetchResult) Classification {
	if err != nil {
		return Lookup(classifyError(err))
	}
	if result != nil {
		return Lookup(classifyStatus(result.Status))
	}
	return Lookup(KindUnknown)
}

func classifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, core.ErrAuthFailed):
		return KindAuth
	case errors.Is(err, core.ErrParseFailed):
		return KindParse
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	var certErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) || errors.As(err, &recordErr) {
		return KindSSLTLS
	}
	// TLS alert errors do not export a stable type before the
	// handshake completes; fall back on the error text
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return KindSSLTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindUnknown
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindHTTP5xx
	case status >= 400:
		return KindHTTP4xxFatal
	default:
		return KindUnknown
	}
}

// RetryAfter parses the Retry-After response header, supporting both
// delta-seconds and HTTP-date forms. Returns (0, false) when absent or
// malformed.
func RetryAfter(headers http.Header) (time.Duration, bool) {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
