// Package core configuration for the HTTP source connector task.
//
// Purpose:
// - Expands the flat dotted-property surface (http.api.base.url, apiN.*,
//   auth.*, field.encryption.*, ...) into typed configuration structs
// - Supports three-layer configuration priority:
//   1. Default values (lowest priority)
//   2. Properties map / properties file (medium priority)
//   3. Environment variables HTTPSOURCE_* (highest priority)
// - Validates the final configuration; validation failures are fatal at
//   task start
//
// Scope:
// - Config and its sub-structs, the property parser, the YAML properties
//   file loader, and Validate()
//
// Property naming follows the connector convention: task-wide keys are
// plain ("http.api.base.url"), per-endpoint keys carry an apiN prefix
// ("api1.http.api.path"). Environment overrides use the same key with
// dots replaced by underscores, uppercased, behind the HTTPSOURCE_
// prefix (HTTPSOURCE_API1_HTTP_API_PATH).
package core

import (
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OffsetMode selects the pagination/offset state machine for an endpoint
type OffsetMode string

const (
	OffsetModeSimpleIncrementing OffsetMode = "SIMPLE_INCREMENTING"
	OffsetModeCursorPagination   OffsetMode = "CURSOR_PAGINATION"
	OffsetModeODataPagination    OffsetMode = "ODATA_PAGINATION"
	OffsetModeSnapshotPagination OffsetMode = "SNAPSHOT_PAGINATION"
	OffsetModeChaining           OffsetMode = "CHAINING"
)

// AuthType selects the authentication variant
type AuthType string

const (
	AuthTypeNone   AuthType = "NONE"
	AuthTypeBasic  AuthType = "BASIC"
	AuthTypeBearer AuthType = "BEARER"
	AuthTypeOAuth2 AuthType = "OAUTH2"
	AuthTypeAPIKey AuthType = "API_KEY"
)

// TokenMode controls how OData pagination tokens are persisted
type TokenMode string

const (
	TokenModeFullURL   TokenMode = "FULL_URL"
	TokenModeTokenOnly TokenMode = "TOKEN_ONLY"
)

// TrustMode selects TLS certificate verification behavior
type TrustMode string

const (
	TrustModeStrict   TrustMode = "STRICT"
	TrustModeRelaxed  TrustMode = "RELAXED"
	TrustModeDisabled TrustMode = "DISABLED"
	TrustModePinned   TrustMode = "PINNED"
)

// ErrorBehavior controls how fatal per-endpoint errors propagate
type ErrorBehavior string

const (
	ErrorBehaviorFail   ErrorBehavior = "FAIL"
	ErrorBehaviorIgnore ErrorBehavior = "IGNORE"
)

// APIKeyLocation controls where the API key is injected
type APIKeyLocation string

const (
	APIKeyLocationHeader APIKeyLocation = "HEADER"
	APIKeyLocationQuery  APIKeyLocation = "QUERY"
)

// MaxEndpoints is the per-task endpoint ceiling
const MaxEndpoints = 15

// Config holds all configuration for one connector task
type Config struct {
	// BaseURL is the shared prefix for every endpoint (http.api.base.url)
	BaseURL string

	// Endpoints holds the per-endpoint specs, ordered by id
	Endpoints []*EndpointConfig

	// Chaining maps child endpoint id to parent endpoint id
	// (api.chaining.parent.child.relationship)
	Chaining map[int]int

	Auth           AuthConfig
	TLS            TLSConfig
	Proxy          ProxyConfig
	HTTP           HTTPClientConfig
	Cache          CacheConfig
	RateLimit      RateLimitConfig
	CircuitBreaker CircuitBreakerConfig
	Encryption     EncryptionConfig
	Reporter       ReporterConfig
	Logging        LoggingConfig
	Task           TaskConfig

	// AdaptivePolling enables the multiplicative interval controller
	AdaptivePolling bool

	// BehaviorOnError: FAIL propagates the first fatal error, IGNORE
	// isolates the endpoint and keeps the task alive
	BehaviorOnError ErrorBehavior
}

// EndpointConfig describes one polled endpoint (apiN.*)
type EndpointConfig struct {
	// ID is the stable endpoint id, 1..15, unique within the task
	ID int

	// Path is the request path template; may contain ${offset} and,
	// for chaining children, ${parent_value}
	Path string

	// Topic is the downstream topic records are addressed to
	Topic string

	// Method is the HTTP request method, default GET
	Method string

	// Headers are additional request headers
	Headers map[string]string

	OffsetMode    OffsetMode
	InitialOffset string

	// NextPagePointer is the JSON pointer to the next cursor
	// (CURSOR_PAGINATION)
	NextPagePointer string

	// DataPointer is the JSON pointer to the record array or object
	DataPointer string

	// ChainingPointer extracts the value handed to child endpoints
	ChainingPointer string

	// OffsetKeyPointer extracts the per-record key (SNAPSHOT_PAGINATION)
	OffsetKeyPointer string

	// OData link field names and token persistence mode
	ODataNextLinkField  string
	ODataDeltaLinkField string
	ODataTokenMode      TokenMode

	// Interval between polls (request.interval.ms)
	Interval time.Duration

	// Parent is the parent endpoint id for chaining children, 0 if none.
	// Populated from Config.Chaining during validation.
	Parent int
}

// AuthConfig holds credential material for the selected variant
type AuthConfig struct {
	Type AuthType

	// BASIC
	Username string
	Password string

	// BEARER
	BearerToken string

	// OAUTH2 client credentials
	TokenEndpoint  string
	ClientID       string
	ClientSecret   string
	Scope          string
	ClientAuthMode string        // HEADER or URL
	RefreshMargin  time.Duration // refresh fires at expiry minus margin

	// API_KEY
	APIKey         string
	APIKeyName     string
	APIKeyLocation APIKeyLocation
}

// TLSConfig mirrors the https.ssl.* surface
type TLSConfig struct {
	Enabled        bool
	Protocol       string // minimum TLS version, e.g. "TLSv1.2"
	MaxProtocol    string
	TrustMode      TrustMode
	VerifyHostname bool
	Pins           []string // sha256//<base64 SPKI> or hex cert SHA-256
}

// ProxyConfig holds the optional forward proxy
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// HTTPClientConfig holds per-request transport tuning
type HTTPClientConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// CacheConfig mirrors response.caching.*
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
	MaxSize    int
	SweepEvery time.Duration
}

// RateLimitScope selects which requests share one bucket
type RateLimitScope string

const (
	RateLimitScopeGlobal      RateLimitScope = "GLOBAL"
	RateLimitScopePerEndpoint RateLimitScope = "PER_ENDPOINT"
	RateLimitScopePerTask     RateLimitScope = "PER_TASK"
)

// RateLimitConfig mirrors rate.limit.*
type RateLimitConfig struct {
	Enabled    bool
	Algorithm  string // TOKEN_BUCKET, LEAKY_BUCKET, FIXED_WINDOW, SLIDING_WINDOW
	Scope      RateLimitScope
	Capacity   int
	RefillRate float64 // tokens per second (bucket algorithms)
	Window     time.Duration
}

// CircuitBreakerConfig mirrors circuit.breaker.*
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetWindow      time.Duration
	FailureWindow    time.Duration
}

// EncryptionConfig mirrors field.encryption.*
type EncryptionConfig struct {
	Enabled bool
	Key     string // base64-encoded 256-bit key; generated when empty
	Rules   string // "path1:MODE,apiN.path2:MODE,..."
}

// ReporterConfig mirrors reporter.* (dead-letter error reports)
type ReporterConfig struct {
	ErrorTopic string
	ReportAs   string // error_string or http_response
}

// LoggingConfig configures the ProductionLogger
type LoggingConfig struct {
	Level          string
	Format         string // json or text; auto-detected when empty
	Output         string // stdout or stderr
	ErrorRateLimit time.Duration
}

// TaskConfig tunes coordinator internals
type TaskConfig struct {
	EmitBufferSize  int
	CommitInterval  time.Duration
	ShutdownTimeout time.Duration
	ChainBufferSize int
}

// DefaultConfig returns the baseline configuration before properties
// and environment are applied
func DefaultConfig() *Config {
	return &Config{
		Chaining: map[int]int{},
		Auth: AuthConfig{
			Type:           AuthTypeNone,
			APIKeyName:     "X-API-KEY",
			APIKeyLocation: APIKeyLocationHeader,
			ClientAuthMode: "HEADER",
			RefreshMargin:  30 * time.Second,
		},
		TLS: TLSConfig{
			Enabled:        false,
			Protocol:       "TLSv1.2",
			TrustMode:      TrustModeStrict,
			VerifyHostname: true,
		},
		HTTP: HTTPClientConfig{
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			MaxBodyBytes:   16 << 20,
		},
		Cache: CacheConfig{
			Enabled:    false,
			DefaultTTL: 60 * time.Second,
			MaxSize:    1000,
			SweepEvery: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:    false,
			Algorithm:  "TOKEN_BUCKET",
			Scope:      RateLimitScopePerEndpoint,
			Capacity:   10,
			RefillRate: 1,
			Window:     time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetWindow:      30 * time.Second,
			FailureWindow:    60 * time.Second,
		},
		Reporter: ReporterConfig{
			ReportAs: "error_string",
		},
		Logging: LoggingConfig{
			Level:          "INFO",
			Output:         "stdout",
			ErrorRateLimit: 0,
		},
		Task: TaskConfig{
			EmitBufferSize:  1024,
			CommitInterval:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			ChainBufferSize: 256,
		},
		AdaptivePolling: false,
		BehaviorOnError: ErrorBehaviorFail,
	}
}

// LoadPropertiesFile reads a flat YAML mapping of property keys to
// values and returns it as a string map
func LoadPropertiesFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading properties file: %w", err)
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing properties file %s: %v", ErrInvalidConfiguration, path, err)
	}

	props := make(map[string]string, len(raw))
	for k, v := range raw {
		props[k] = fmt.Sprintf("%v", v)
	}
	return props, nil
}

// NewConfig builds a validated Config from a property map. Environment
// variables override properties; defaults fill the rest.
func NewConfig(props map[string]string) (*Config, error) {
	cfg := DefaultConfig()

	merged := make(map[string]string, len(props))
	for k, v := range props {
		merged[k] = v
	}
	applyEnvOverrides(merged)

	if err := cfg.applyProperties(merged); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides rewrites property values from HTTPSOURCE_* variables.
// The environment wins over the properties map.
func applyEnvOverrides(props map[string]string) {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv, "HTTPSOURCE_") {
			continue
		}
		name := kv[:eq]
		value := kv[eq+1:]
		// Skip logger controls; they are read by the logger directly
		switch name {
		case "HTTPSOURCE_LOG_LEVEL", "HTTPSOURCE_LOG_FORMAT", "HTTPSOURCE_DEBUG":
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, "HTTPSOURCE_"))
		key = strings.ReplaceAll(key, "_", ".")
		props[key] = value
	}
}

// propertyReader collects type conversion errors while walking the map
type propertyReader struct {
	props map[string]string
	errs  []string
}

func (r *propertyReader) str(key, def string) string {
	if v, ok := r.props[key]; ok {
		return v
	}
	return def
}

func (r *propertyReader) boolean(key string, def bool) bool {
	v, ok := r.props[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (r *propertyReader) integer(key string, def int) int {
	v, ok := r.props[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (r *propertyReader) float(key string, def float64) float64 {
	v, ok := r.props[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (r *propertyReader) millis(key string, def time.Duration) time.Duration {
	v, ok := r.props[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a millisecond count", key, v))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func (c *Config) applyProperties(props map[string]string) error {
	r := &propertyReader{props: props}

	c.BaseURL = r.str("http.api.base.url", c.BaseURL)

	apisNum := r.integer("apis.num", 0)
	for i := 1; i <= apisNum; i++ {
		prefix := fmt.Sprintf("api%d.", i)
		ep := &EndpointConfig{
			ID:                  i,
			Path:                r.str(prefix+"http.api.path", ""),
			Topic:               r.str(prefix+"topics", ""),
			Method:              strings.ToUpper(r.str(prefix+"http.request.method", "GET")),
			OffsetMode:          OffsetMode(strings.ToUpper(r.str(prefix+"http.offset.mode", string(OffsetModeSimpleIncrementing)))),
			InitialOffset:       r.str(prefix+"http.initial.offset", ""),
			NextPagePointer:     r.str(prefix+"http.next.page.json.pointer", ""),
			DataPointer:         r.str(prefix+"http.response.data.json.pointer", ""),
			ChainingPointer:     r.str(prefix+"http.chaining.json.pointer", ""),
			OffsetKeyPointer:    r.str(prefix+"http.offset.json.pointer", ""),
			ODataNextLinkField:  r.str(prefix+"odata.nextlink.field", "@odata.nextLink"),
			ODataDeltaLinkField: r.str(prefix+"odata.deltalink.field", "@odata.deltaLink"),
			ODataTokenMode:      TokenMode(strings.ToUpper(r.str(prefix+"odata.token.mode", string(TokenModeFullURL)))),
			Interval:            r.millis(prefix+"request.interval.ms", 5*time.Second),
			Headers:             map[string]string{},
		}
		// apiN.http.request.headers = "Name: value; Other: value"
		if raw := r.str(prefix+"http.request.headers", ""); raw != "" {
			for _, pair := range strings.Split(raw, ";") {
				name, value, ok := strings.Cut(pair, ":")
				if !ok {
					r.errs = append(r.errs, fmt.Sprintf("%shttp.request.headers: malformed pair %q", prefix, pair))
					continue
				}
				ep.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
			}
		}
		c.Endpoints = append(c.Endpoints, ep)
	}

	// api.chaining.parent.child.relationship = "child2:parent1,child3:parent1"
	if raw := r.str("api.chaining.parent.child.relationship", ""); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			childPart, parentPart, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok {
				r.errs = append(r.errs, fmt.Sprintf("api.chaining.parent.child.relationship: malformed pair %q", pair))
				continue
			}
			child, err1 := parseEndpointRef(childPart, "child")
			parent, err2 := parseEndpointRef(parentPart, "parent")
			if err1 != nil || err2 != nil {
				r.errs = append(r.errs, fmt.Sprintf("api.chaining.parent.child.relationship: malformed pair %q", pair))
				continue
			}
			c.Chaining[child] = parent
		}
	}

	c.Auth.Type = AuthType(strings.ToUpper(r.str("auth.type", string(c.Auth.Type))))
	c.Auth.Username = r.str("auth.basic.username", c.Auth.Username)
	c.Auth.Password = r.str("auth.basic.password", c.Auth.Password)
	c.Auth.BearerToken = r.str("auth.bearer.token", c.Auth.BearerToken)
	c.Auth.TokenEndpoint = r.str("auth.oauth2.token.endpoint", c.Auth.TokenEndpoint)
	c.Auth.ClientID = r.str("auth.oauth2.client.id", c.Auth.ClientID)
	c.Auth.ClientSecret = r.str("auth.oauth2.client.secret", c.Auth.ClientSecret)
	c.Auth.Scope = r.str("auth.oauth2.client.scope", c.Auth.Scope)
	c.Auth.ClientAuthMode = strings.ToUpper(r.str("auth.oauth2.client.auth.mode", c.Auth.ClientAuthMode))
	c.Auth.RefreshMargin = r.millis("auth.oauth2.refresh.margin.ms", c.Auth.RefreshMargin)
	c.Auth.APIKey = r.str("auth.api.key.value", c.Auth.APIKey)
	c.Auth.APIKeyName = r.str("auth.api.key.name", c.Auth.APIKeyName)
	c.Auth.APIKeyLocation = APIKeyLocation(strings.ToUpper(r.str("auth.api.key.location", string(c.Auth.APIKeyLocation))))

	c.TLS.Enabled = r.boolean("https.ssl.enabled", c.TLS.Enabled)
	c.TLS.Protocol = r.str("https.ssl.protocol", c.TLS.Protocol)
	c.TLS.MaxProtocol = r.str("https.ssl.max.protocol", c.TLS.MaxProtocol)
	c.TLS.TrustMode = TrustMode(strings.ToUpper(r.str("https.ssl.trust.mode", string(c.TLS.TrustMode))))
	c.TLS.VerifyHostname = r.boolean("https.ssl.verify.hostname", c.TLS.VerifyHostname)
	if raw := r.str("https.ssl.pins", ""); raw != "" {
		for _, pin := range strings.Split(raw, ",") {
			c.TLS.Pins = append(c.TLS.Pins, strings.TrimSpace(pin))
		}
	}

	c.Proxy.Host = r.str("http.proxy.host", c.Proxy.Host)
	c.Proxy.Port = r.integer("http.proxy.port", c.Proxy.Port)
	c.Proxy.Username = r.str("http.proxy.user", c.Proxy.Username)
	c.Proxy.Password = r.str("http.proxy.password", c.Proxy.Password)

	c.HTTP.ConnectTimeout = r.millis("http.connect.timeout.ms", c.HTTP.ConnectTimeout)
	c.HTTP.RequestTimeout = r.millis("http.request.timeout.ms", c.HTTP.RequestTimeout)

	c.Cache.Enabled = r.boolean("response.caching.enabled", c.Cache.Enabled)
	c.Cache.DefaultTTL = r.millis("response.cache.ttl.ms", c.Cache.DefaultTTL)
	c.Cache.MaxSize = r.integer("max.cache.size", c.Cache.MaxSize)
	c.Cache.SweepEvery = r.millis("response.cache.sweep.ms", c.Cache.SweepEvery)

	c.RateLimit.Enabled = r.boolean("rate.limit.enabled", c.RateLimit.Enabled)
	c.RateLimit.Algorithm = strings.ToUpper(r.str("rate.limit.algorithm", c.RateLimit.Algorithm))
	c.RateLimit.Scope = RateLimitScope(strings.ToUpper(r.str("rate.limit.scope", string(c.RateLimit.Scope))))
	c.RateLimit.Capacity = r.integer("rate.limit.capacity", c.RateLimit.Capacity)
	c.RateLimit.RefillRate = r.float("rate.limit.refill.rate", c.RateLimit.RefillRate)
	c.RateLimit.Window = r.millis("rate.limit.window.ms", c.RateLimit.Window)

	c.CircuitBreaker.FailureThreshold = r.integer("circuit.breaker.failure.threshold", c.CircuitBreaker.FailureThreshold)
	c.CircuitBreaker.ResetWindow = r.millis("circuit.breaker.reset.ms", c.CircuitBreaker.ResetWindow)
	c.CircuitBreaker.FailureWindow = r.millis("circuit.breaker.failure.window.ms", c.CircuitBreaker.FailureWindow)

	c.Encryption.Enabled = r.boolean("field.encryption.enabled", c.Encryption.Enabled)
	c.Encryption.Key = r.str("field.encryption.key", c.Encryption.Key)
	c.Encryption.Rules = r.str("field.encryption.rules", c.Encryption.Rules)

	c.AdaptivePolling = r.boolean("adaptive.polling.enabled", c.AdaptivePolling)
	c.BehaviorOnError = ErrorBehavior(strings.ToUpper(r.str("behavior.on.error", string(c.BehaviorOnError))))

	c.Reporter.ErrorTopic = r.str("reporter.error.topic.name", c.Reporter.ErrorTopic)
	c.Reporter.ReportAs = strings.ToLower(r.str("report.errors.as", c.Reporter.ReportAs))

	c.Logging.Level = r.str("log.level", c.Logging.Level)
	c.Logging.Format = r.str("log.format", c.Logging.Format)
	c.Logging.ErrorRateLimit = r.millis("log.error.rate.limit.ms", c.Logging.ErrorRateLimit)

	c.Task.EmitBufferSize = r.integer("task.emit.buffer.size", c.Task.EmitBufferSize)
	c.Task.CommitInterval = r.millis("task.commit.interval.ms", c.Task.CommitInterval)
	c.Task.ShutdownTimeout = r.millis("task.shutdown.timeout.ms", c.Task.ShutdownTimeout)
	c.Task.ChainBufferSize = r.integer("task.chain.buffer.size", c.Task.ChainBufferSize)

	if len(r.errs) > 0 {
		sort.Strings(r.errs)
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(r.errs, "; "))
	}
	return nil
}

// parseEndpointRef accepts "child2", "api2" or "2" and returns the id
func parseEndpointRef(s, role string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, role)
	s = strings.TrimPrefix(s, "api")
	return strconv.Atoi(s)
}

// Validate checks the assembled configuration against the data-model
// invariants. It is called once at task start; failures are fatal.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
	}

	if c.BaseURL == "" {
		return fmt.Errorf("%w: http.api.base.url", ErrMissingConfiguration)
	}
	if len(c.Endpoints) == 0 {
		return fail("apis.num must be between 1 and %d", MaxEndpoints)
	}
	if len(c.Endpoints) > MaxEndpoints {
		return fail("apis.num %d exceeds the maximum of %d", len(c.Endpoints), MaxEndpoints)
	}

	seen := map[int]bool{}
	for _, ep := range c.Endpoints {
		if ep.ID < 1 || ep.ID > MaxEndpoints {
			return fail("api id %d out of range 1..%d", ep.ID, MaxEndpoints)
		}
		if seen[ep.ID] {
			return fail("duplicate api id %d", ep.ID)
		}
		seen[ep.ID] = true

		if ep.Path == "" {
			return fail("api%d.http.api.path is required", ep.ID)
		}
		if ep.Topic == "" {
			return fail("api%d.topics is required", ep.ID)
		}

		switch ep.OffsetMode {
		case OffsetModeSimpleIncrementing:
		case OffsetModeCursorPagination:
			if ep.NextPagePointer == "" {
				return fail("api%d: CURSOR_PAGINATION requires http.next.page.json.pointer", ep.ID)
			}
		case OffsetModeODataPagination:
			switch ep.ODataTokenMode {
			case TokenModeFullURL, TokenModeTokenOnly:
			default:
				return fail("api%d: odata.token.mode must be FULL_URL or TOKEN_ONLY", ep.ID)
			}
		case OffsetModeSnapshotPagination:
			if ep.OffsetKeyPointer == "" {
				return fail("api%d: SNAPSHOT_PAGINATION requires http.offset.json.pointer", ep.ID)
			}
		case OffsetModeChaining:
			if _, ok := c.Chaining[ep.ID]; !ok {
				return fail("api%d: CHAINING mode without a chaining relationship", ep.ID)
			}
		default:
			return fail("api%d: unknown offset mode %q", ep.ID, ep.OffsetMode)
		}
	}

	// Chaining relationships must reference known endpoints, form a
	// forest, and agree with the parent's chaining pointer
	for child, parent := range c.Chaining {
		if !seen[child] {
			return fail("chaining child api%d is not configured", child)
		}
		if !seen[parent] {
			return fail("chaining parent api%d is not configured", parent)
		}
		if child == parent {
			return fmt.Errorf("%w: api%d chains to itself", ErrChainingCycle, child)
		}
		if p := c.Endpoint(parent); p != nil && p.ChainingPointer == "" {
			return fail("api%d is a chaining parent but has no http.chaining.json.pointer", parent)
		}
		c.Endpoint(child).Parent = parent
	}
	if err := c.checkChainingCycles(); err != nil {
		return err
	}

	switch c.Auth.Type {
	case AuthTypeNone:
	case AuthTypeBasic:
		if c.Auth.Username == "" {
			return fmt.Errorf("%w: auth.basic.username", ErrMissingConfiguration)
		}
	case AuthTypeBearer:
		if c.Auth.BearerToken == "" {
			return fmt.Errorf("%w: auth.bearer.token", ErrMissingConfiguration)
		}
	case AuthTypeOAuth2:
		if c.Auth.TokenEndpoint == "" || c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
			return fmt.Errorf("%w: auth.oauth2.token.endpoint, auth.oauth2.client.id and auth.oauth2.client.secret", ErrMissingConfiguration)
		}
	case AuthTypeAPIKey:
		if c.Auth.APIKey == "" {
			return fmt.Errorf("%w: auth.api.key.value", ErrMissingConfiguration)
		}
		switch c.Auth.APIKeyLocation {
		case APIKeyLocationHeader, APIKeyLocationQuery:
		default:
			return fail("auth.api.key.location must be HEADER or QUERY")
		}
	default:
		return fail("auth.type %q is not supported", c.Auth.Type)
	}

	switch c.TLS.TrustMode {
	case TrustModeStrict, TrustModeRelaxed, TrustModeDisabled:
	case TrustModePinned:
		if len(c.TLS.Pins) == 0 {
			return fail("https.ssl.trust.mode PINNED requires https.ssl.pins")
		}
	default:
		return fail("https.ssl.trust.mode %q is not supported", c.TLS.TrustMode)
	}

	switch c.RateLimit.Algorithm {
	case "TOKEN_BUCKET", "LEAKY_BUCKET", "FIXED_WINDOW", "SLIDING_WINDOW":
	default:
		return fail("rate.limit.algorithm %q is not supported", c.RateLimit.Algorithm)
	}
	switch c.RateLimit.Scope {
	case RateLimitScopeGlobal, RateLimitScopePerEndpoint, RateLimitScopePerTask:
	default:
		return fail("rate.limit.scope %q is not supported", c.RateLimit.Scope)
	}
	if c.RateLimit.Enabled && c.RateLimit.Capacity <= 0 {
		return fail("rate.limit.capacity must be positive")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fail("circuit.breaker.failure.threshold must be at least 1")
	}
	if c.CircuitBreaker.ResetWindow <= 0 {
		return fail("circuit.breaker.reset.ms must be positive")
	}

	if c.Encryption.Enabled && c.Encryption.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Encryption.Key)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("%w: field.encryption.key must be base64 of 32 bytes", ErrEncryptionKey)
		}
	}

	switch c.BehaviorOnError {
	case ErrorBehaviorFail, ErrorBehaviorIgnore:
	default:
		return fail("behavior.on.error must be FAIL or IGNORE")
	}
	switch c.Reporter.ReportAs {
	case "error_string", "http_response":
	default:
		return fail("report.errors.as must be error_string or http_response")
	}

	if c.Task.EmitBufferSize <= 0 {
		return fail("task.emit.buffer.size must be positive")
	}
	return nil
}

// checkChainingCycles rejects chain relationships that do not form a forest
func (c *Config) checkChainingCycles() error {
	for child := range c.Chaining {
		slow, seen := child, map[int]bool{}
		for {
			parent, ok := c.Chaining[slow]
			if !ok {
				break
			}
			if seen[parent] || parent == child {
				return fmt.Errorf("%w: involving api%d", ErrChainingCycle, child)
			}
			seen[parent] = true
			slow = parent
		}
	}
	return nil
}

// Endpoint returns the endpoint config with the given id, or nil
func (c *Config) Endpoint(id int) *EndpointConfig {
	for _, ep := range c.Endpoints {
		if ep.ID == id {
			return ep
		}
	}
	return nil
}

// Children returns the ids of endpoints chained under the given parent,
// in ascending order
func (c *Config) Children(parent int) []int {
	var out []int
	for child, p := range c.Chaining {
		if p == parent {
			out = append(out, child)
		}
	}
	sort.Ints(out)
	return out
}
