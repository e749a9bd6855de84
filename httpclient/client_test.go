package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

func testClient(t *testing.T, httpCfg core.HTTPClientConfig) *Client {
	t.Helper()
	client, err := New(Options{
		TLS:  core.TLSConfig{TrustMode: core.TrustModeStrict, VerifyHostname: true},
		HTTP: httpCfg,
	})
	require.NoError(t, err)
	return client
}

func TestDoNormalizesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := testClient(t, core.HTTPClientConfig{RequestTimeout: 5 * time.Second})

	result, err := client.Do(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, `{"ok":true}`, string(result.Body))
	assert.Equal(t, "yes", result.Headers.Get("X-Custom"))
	assert.Greater(t, result.Elapsed, time.Duration(0))
	assert.True(t, result.OK())
}

func TestDoSendsConfiguredHeaders(t *testing.T) {
	var gotAccept, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotCustom = r.Header.Get("X-Tenant")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := testClient(t, core.HTTPClientConfig{RequestTimeout: 5 * time.Second})

	_, err := client.Do(context.Background(), &Request{
		URL:     server.URL,
		Headers: map[string]string{"X-Tenant": "acme"},
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotAccept, "default Accept header")
	assert.Equal(t, "acme", gotCustom)
}

type headerDecorator struct{ name, value string }

func (d *headerDecorator) Apply(ctx context.Context, req *http.Request) error {
	req.Header.Set(d.name, d.value)
	return nil
}

func TestDecoratorRunsBeforeSend(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(t, core.HTTPClientConfig{RequestTimeout: 5 * time.Second})
	client.SetDecorator(&headerDecorator{name: "Authorization", value: "Bearer t"})

	_, err := client.Do(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "Bearer t", gotAuth)
}

func TestDoRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := testClient(t, core.HTTPClientConfig{RequestTimeout: 50 * time.Millisecond})

	_, err := client.Do(context.Background(), &Request{URL: server.URL})
	assert.Error(t, err, "expected a timeout")
}

func TestDoPerRequestTimeoutOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(t, core.HTTPClientConfig{RequestTimeout: 20 * time.Millisecond})

	// The per-request override extends past the configured default
	result, err := client.Do(context.Background(), &Request{
		URL:     server.URL,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestDoBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer server.Close()

	client := testClient(t, core.HTTPClientConfig{
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   1024,
	})

	_, err := client.Do(context.Background(), &Request{URL: server.URL})
	assert.ErrorIs(t, err, core.ErrResponseTooLarge)
}

func TestTLSConfigValidation(t *testing.T) {
	_, err := New(Options{TLS: core.TLSConfig{TrustMode: "BOGUS"}})
	assert.Error(t, err)

	_, err = New(Options{TLS: core.TLSConfig{TrustMode: core.TrustModeStrict, VerifyHostname: true, Protocol: "SSLv3"}})
	assert.Error(t, err, "legacy protocols are rejected")

	_, err = New(Options{TLS: core.TLSConfig{
		TrustMode: core.TrustModePinned,
		Pins:      []string{"sha256//not-valid-base64!!"},
	}})
	assert.Error(t, err, "malformed pins are rejected")
}

func TestRelaxedTrustAcceptsSelfSigned(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	// Strict mode refuses the self-signed certificate
	strict := testClient(t, core.HTTPClientConfig{RequestTimeout: 5 * time.Second})
	_, err := strict.Do(context.Background(), &Request{URL: server.URL})
	assert.Error(t, err)

	// Relaxed mode accepts it
	relaxed, err := New(Options{
		TLS:  core.TLSConfig{Enabled: true, TrustMode: core.TrustModeRelaxed},
		HTTP: core.HTTPClientConfig{RequestTimeout: 5 * time.Second},
	})
	require.NoError(t, err)

	result, err := relaxed.Do(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
}
