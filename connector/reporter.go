package connector

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/httpclient"
	"github.com/Leon4s4/kafka-http-source-connector/resilience"
)

// Reporter emits dead-letter records for polls that failed fatally
// under behavior.on.error=IGNORE. Reports flow through the same
// bounded emit channel as data records, so they reach the sink in
// order and under the same backpressure.
//
// A nil *Reporter (no reporter.error.topic.name configured) drops
// reports silently.
type Reporter struct {
	cfg    core.ReporterConfig
	emit   chan<- *core.SourceRecord
	logger core.Logger
}

// NewReporter builds the dead-letter reporter; nil when no error topic
// is configured
func NewReporter(cfg core.ReporterConfig, emit chan<- *core.SourceRecord, logger core.Logger) *Reporter {
	if cfg.ErrorTopic == "" {
		return nil
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("connector/reporter")
	}
	return &Reporter{
		cfg:    cfg,
		emit:   emit,
		logger: logger,
	}
}

// Report enqueues one dead-letter record describing the failure
func (r *Reporter) Report(ctx context.Context, endpointID int, kind resilience.ErrorKind, failure error, result *httpclient.FetchResult) error {
	if r == nil {
		return nil
	}

	reportID := uuid.NewString()
	value := map[string]interface{}{
		"id":         reportID,
		"endpoint":   endpointID,
		"error_kind": string(kind),
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}

	if r.cfg.ReportAs == "http_response" && result != nil {
		value["http_response"] = map[string]interface{}{
			"status": result.Status,
			"body":   string(result.Body),
		}
	} else if failure != nil {
		value["error"] = failure.Error()
	}

	record := &core.SourceRecord{
		Topic:     r.cfg.ErrorTopic,
		Key:       reportID,
		Value:     value,
		Timestamp: time.Now(),
	}

	select {
	case r.emit <- record:
		r.logger.Info("Dead-letter report emitted", map[string]interface{}{
			"operation":  "reporter_emit",
			"endpoint":   endpointID,
			"error_kind": string(kind),
			"report_id":  reportID,
		})
		return nil
	case <-ctx.Done():
		return core.ErrTaskStopped
	}
}
