// Command connector runs the HTTP source task standalone: it plays the
// part of the host framework, draining polled records into a logging
// sink and driving the commit cadence, with offsets persisted in Redis
// when configured.
//
// Usage:
//
//	connector <properties.yaml>
//
// Extra properties recognized only by this entrypoint:
//
//	offset.storage.redis.url  redis:// URL for durable offsets
//	telemetry.enabled         true to initialize the OTLP pipeline
//	telemetry.otlp.endpoint   OTLP/HTTP endpoint (default localhost:4318)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Leon4s4/kafka-http-source-connector/connector"
	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/offsetstore"
	"github.com/Leon4s4/kafka-http-source-connector/telemetry"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <properties.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "connector: %v\n", err)
		os.Exit(1)
	}
}

func run(propertiesPath string) error {
	properties, err := core.LoadPropertiesFile(propertiesPath)
	if err != nil {
		return err
	}

	cfg, err := core.NewConfig(properties)
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger(cfg.Logging, "http-source")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := connector.Options{Logger: logger}

	if properties["telemetry.enabled"] == "true" {
		endpoint := properties["telemetry.otlp.endpoint"]
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		provider, err := telemetry.NewProvider(ctx, "http-source", endpoint, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		opts.Instrument = true
		opts.Metrics = telemetry.NewCircuitBreakerMetrics(ctx)
	}

	if redisURL := properties["offset.storage.redis.url"]; redisURL != "" {
		store, err := offsetstore.NewRedisStore(offsetstore.RedisStoreOptions{
			RedisURL: redisURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		opts.OffsetReader = store
		opts.OffsetWriter = store
	} else {
		store := offsetstore.NewMemoryStore()
		opts.OffsetReader = store
		opts.OffsetWriter = store
	}

	task, err := connector.Start(ctx, cfg, opts)
	if err != nil {
		return err
	}

	// Periodic operational snapshot while the task runs
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-task.Done():
				return
			case <-ticker.C:
				for _, state := range task.State() {
					logger.Info("Endpoint state", map[string]interface{}{
						"operation":   "endpoint_state",
						"endpoint":    state.ID,
						"circuit":     state.Circuit,
						"interval_ms": state.Interval.Milliseconds(),
						"emitted":     state.Emitted,
						"last_poll":   state.LastPoll.Format(time.RFC3339),
					})
				}
			}
		}
	}()

	return task.Run(ctx, &loggingSink{logger: logger})
}

// loggingSink is the reference RecordSink: it renders each record as a
// JSON log line addressed to its topic
type loggingSink struct {
	logger core.Logger
}

func (s *loggingSink) Emit(ctx context.Context, record *core.SourceRecord) error {
	value, err := json.Marshal(record.Value)
	if err != nil {
		return err
	}
	s.logger.Info("Record", map[string]interface{}{
		"operation": "record_emit",
		"topic":     record.Topic,
		"value":     string(value),
		"partition": record.SourcePartition,
		"offset":    record.SourceOffset,
	})
	return nil
}
