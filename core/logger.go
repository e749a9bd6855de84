package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger provides structured logging for connector operations.
// JSON format in Kubernetes (auto-detected), text for local development.
//
// Configuration priority:
//  1. Environment variables (HTTPSOURCE_LOG_LEVEL, HTTPSOURCE_LOG_FORMAT, HTTPSOURCE_DEBUG) (highest)
//  2. Explicit LoggingConfig
//  3. Auto-detection (K8s environment, format only)
//  4. Defaults (lowest)
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	// Rate limiting to prevent log flooding during sustained failures
	errorLimiter *logRateLimiter
}

// logRateLimiter throttles error logging to one entry per interval
type logRateLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

func (r *logRateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}

// NewProductionLogger creates a logger from LoggingConfig
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	level := logging.Level
	if env := os.Getenv("HTTPSOURCE_LOG_LEVEL"); env != "" {
		level = env
	}
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("HTTPSOURCE_DEBUG") == "true" || strings.EqualFold(level, "debug")

	// Auto-detect Kubernetes environment for structured logging
	format := logging.Format
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json" // Use JSON in K8s for log aggregation
		}
	}
	if envFormat := os.Getenv("HTTPSOURCE_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	var limiter *logRateLimiter
	if logging.ErrorRateLimit > 0 {
		limiter = &logRateLimiter{interval: logging.ErrorRateLimit}
	}

	return &ProductionLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		component:    "connector",
		format:       format,
		output:       output,
		errorLimiter: limiter,
	}
}

// WithComponent returns a logger that attributes entries to the given
// component while sharing the base configuration and output.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := &ProductionLogger{
		level:        p.level,
		debug:        p.debug,
		serviceName:  p.serviceName,
		component:    component,
		format:       p.format,
		output:       p.output,
		errorLimiter: p.errorLimiter,
	}
	return clone
}

// SetOutput changes the output writer (useful for testing)
func (p *ProductionLogger) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	// Rate limit error logs to prevent flooding during failures
	if p.errorLimiter != nil && !p.errorLimiter.allow() {
		return
	}
	p.logEvent("ERROR", msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Info(msg, fields)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Error(msg, fields)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Warn(msg, fields)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Debug(msg, fields)
}

// logEvent is the core logging implementation
func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}) {
	if !p.shouldLog(level) {
		return
	}

	p.mu.RLock()
	output := p.output
	p.mu.RUnlock()

	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		// Structured logging for production log aggregation
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}

		for k, v := range fields {
			// Avoid overwriting core fields
			if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
				logEntry[k] = v
			}
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(output, string(data))
		}
	} else {
		// Human-readable for local development
		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(output, "%s [%s] [%s:%s] %s%s\n",
			timestamp, level, p.serviceName, p.component, msg, fieldStr.String())
	}
}

// shouldLog determines if a log level should be output
func (p *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[p.level]
	messageLevel, ok2 := levels[level]

	// Default to logging if levels are unknown
	if !ok1 || !ok2 {
		return true
	}

	return messageLevel >= currentLevel
}
