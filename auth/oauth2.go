package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

// token is the immutable snapshot exposed to request decoration. A new
// snapshot replaces the old one atomically under the provider lock.
type token struct {
	accessToken string
	expiresAt   time.Time
}

func (t *token) valid(now time.Time) bool {
	return t != nil && t.accessToken != "" && now.Before(t.expiresAt)
}

// oauth2Provider implements the client-credentials grant with a
// background refresher. Refresh is mutually exclusive: one refresh in
// flight, concurrent callers wait on the snapshot.
type oauth2Provider struct {
	cfg        core.AuthConfig
	httpClient *http.Client
	logger     core.Logger

	mu      sync.RWMutex
	current *token
	lastErr error

	refreshMu sync.Mutex // serializes refresh attempts
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

func newOAuth2Provider(ctx context.Context, cfg core.AuthConfig, httpClient *http.Client, logger core.Logger) (*oauth2Provider, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	p := &oauth2Provider{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	// Fetch the initial token before the task starts polling; a broken
	// token endpoint is a configuration-grade failure at start
	if err := p.refresh(ctx); err != nil {
		return nil, core.NewConnectorError("oauth2.initial_token", "auth", 0, err)
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.refreshLoop(refreshCtx)

	return p, nil
}

func (p *oauth2Provider) Apply(ctx context.Context, req *http.Request) error {
	p.mu.RLock()
	tok := p.current
	lastErr := p.lastErr
	p.mu.RUnlock()

	if !tok.valid(time.Now()) {
		if lastErr != nil {
			return fmt.Errorf("%w: %v", core.ErrAuthFailed, lastErr)
		}
		return fmt.Errorf("%w: no valid access token", core.ErrAuthFailed)
	}
	req.Header.Set("Authorization", "Bearer "+tok.accessToken)
	return nil
}

// Invalidate schedules an immediate refresh attempt without blocking
// the caller. Runners call this when the remote returns 401/403.
func (p *oauth2Provider) Invalidate() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *oauth2Provider) Close() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// refreshLoop fires at expiresAt minus the safety margin, or earlier
// when Invalidate wakes it
func (p *oauth2Provider) refreshLoop(ctx context.Context) {
	defer close(p.done)

	for {
		p.mu.RLock()
		tok := p.current
		p.mu.RUnlock()

		var wait time.Duration
		if tok.valid(time.Now()) {
			wait = time.Until(tok.expiresAt.Add(-p.cfg.RefreshMargin))
			if wait < 0 {
				wait = 0
			}
		} else {
			// No usable token; retry shortly so transient endpoint
			// outages recover without waiting for the next poll failure
			wait = 5 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}

		if err := p.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("OAuth2 token refresh failed", map[string]interface{}{
				"operation":      "oauth2_refresh_failed",
				"token_endpoint": p.cfg.TokenEndpoint,
				"error":          err.Error(),
			})
		}
	}
}

// refresh fetches a new token with bounded exponential retries. Token
// lifetimes are strictly decreasing between refreshes, so the schedule
// is always derived from the freshly issued expires_in.
func (p *oauth2Provider) refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	tok, err := backoff.Retry(ctx, func() (*token, error) {
		return p.fetchToken(ctx)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(4))

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		return err
	}
	p.current = tok
	p.lastErr = nil

	p.logger.Info("OAuth2 token refreshed", map[string]interface{}{
		"operation":  "oauth2_refresh",
		"expires_at": tok.expiresAt.Format(time.RFC3339),
	})
	return nil
}

// tokenResponse is the RFC 6749 token endpoint response
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

func (p *oauth2Provider) fetchToken(ctx context.Context) (*token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if p.cfg.Scope != "" {
		form.Set("scope", p.cfg.Scope)
	}
	if p.cfg.ClientAuthMode == "URL" {
		form.Set("client_id", p.cfg.ClientID)
		form.Set("client_secret", p.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.cfg.ClientAuthMode != "URL" {
		req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token endpoint returned status %d with unparseable body", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("token endpoint returned %d: %s %s", resp.StatusCode, tr.Error, tr.ErrorDesc)
		// Client errors will not heal by retrying with the same credentials
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, backoff.Permanent(fmt.Errorf("token endpoint returned no access_token"))
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &token{
		accessToken: tr.AccessToken,
		expiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
