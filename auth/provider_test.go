package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/items?x=1", nil)
	require.NoError(t, err)
	return req
}

func TestNoneProvider(t *testing.T) {
	p, err := New(context.Background(), core.AuthConfig{Type: core.AuthTypeNone}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	req := newRequest(t)
	require.NoError(t, p.Apply(context.Background(), req))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestBasicProvider(t *testing.T) {
	p, err := New(context.Background(), core.AuthConfig{
		Type:     core.AuthTypeBasic,
		Username: "user",
		Password: "pass",
	}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	req := newRequest(t)
	require.NoError(t, p.Apply(context.Background(), req))

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	assert.Equal(t, want, req.Header.Get("Authorization"))
}

func TestBearerProvider(t *testing.T) {
	p, err := New(context.Background(), core.AuthConfig{
		Type:        core.AuthTypeBearer,
		BearerToken: "tok123",
	}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	req := newRequest(t)
	require.NoError(t, p.Apply(context.Background(), req))
	assert.Equal(t, "Bearer tok123", req.Header.Get("Authorization"))
}

func TestAPIKeyHeaderPlacement(t *testing.T) {
	p, err := New(context.Background(), core.AuthConfig{
		Type:           core.AuthTypeAPIKey,
		APIKey:         "k",
		APIKeyName:     "X-API-KEY",
		APIKeyLocation: core.APIKeyLocationHeader,
	}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	req := newRequest(t)
	require.NoError(t, p.Apply(context.Background(), req))
	assert.Equal(t, "k", req.Header.Get("X-API-KEY"))
}

func TestAPIKeyQueryPlacement(t *testing.T) {
	p, err := New(context.Background(), core.AuthConfig{
		Type:           core.AuthTypeAPIKey,
		APIKey:         "k",
		APIKeyName:     "apikey",
		APIKeyLocation: core.APIKeyLocationQuery,
	}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	req := newRequest(t)
	require.NoError(t, p.Apply(context.Background(), req))

	q := req.URL.Query()
	assert.Equal(t, "k", q.Get("apikey"))
	// Existing parameters survive the injection
	assert.Equal(t, "1", q.Get("x"))
}

func oauthServer(t *testing.T, tokens *atomic.Int64, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			return
		}

		n := tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func TestOAuth2FetchesInitialToken(t *testing.T) {
	var tokens atomic.Int64
	server := oauthServer(t, &tokens, 3600)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(ctx, core.AuthConfig{
		Type:          core.AuthTypeOAuth2,
		TokenEndpoint: server.URL,
		ClientID:      "cid",
		ClientSecret:  "secret",
		RefreshMargin: time.Second,
	}, server.Client(), &core.NoOpLogger{})
	require.NoError(t, err)
	defer p.Close()

	req := newRequest(t)
	require.NoError(t, p.Apply(context.Background(), req))
	assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
	assert.Equal(t, int64(1), tokens.Load())
}

func TestOAuth2InvalidateTriggersRefresh(t *testing.T) {
	var tokens atomic.Int64
	server := oauthServer(t, &tokens, 3600)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(ctx, core.AuthConfig{
		Type:          core.AuthTypeOAuth2,
		TokenEndpoint: server.URL,
		ClientID:      "cid",
		ClientSecret:  "secret",
		RefreshMargin: time.Second,
	}, server.Client(), &core.NoOpLogger{})
	require.NoError(t, err)
	defer p.Close()

	p.Invalidate()

	// The refresher wakes and fetches a fresh token
	deadline := time.Now().Add(3 * time.Second)
	for tokens.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, tokens.Load(), int64(2), "expected a refresh after Invalidate")

	req := newRequest(t)
	require.NoError(t, p.Apply(context.Background(), req))
	assert.Contains(t, req.Header.Get("Authorization"), "Bearer tok-")
}

func TestOAuth2BadCredentialsFailFast(t *testing.T) {
	var tokens atomic.Int64
	server := oauthServer(t, &tokens, 3600)
	defer server.Close()

	_, err := New(context.Background(), core.AuthConfig{
		Type:          core.AuthTypeOAuth2,
		TokenEndpoint: server.URL,
		ClientID:      "cid",
		ClientSecret:  "wrong",
		RefreshMargin: time.Second,
	}, server.Client(), &core.NoOpLogger{})
	assert.Error(t, err, "a rejected client must fail task start")
}

func TestOAuth2ApplyWithoutTokenReturnsAuthError(t *testing.T) {
	p := &oauth2Provider{logger: &core.NoOpLogger{}}
	err := p.Apply(context.Background(), newRequest(t))
	assert.ErrorIs(t, err, core.ErrAuthFailed)
}

func TestUnknownAuthTypeRejected(t *testing.T) {
	_, err := New(context.Background(), core.AuthConfig{Type: "KERBEROS"}, nil, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
