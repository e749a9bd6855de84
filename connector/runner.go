// Endpoint runner: advances a single endpoint's polling state machine,
// producing records into the task's shared emit channel at the
// configured cadence.
//
// The poll loop contract, in order: wait until due, consult the circuit
// breaker, consult the rate limiter, build the request URL from the
// offset state, check the response cache, fetch, classify, extract,
// then per record encrypt, emit and fan out chaining values (the offset
// advances just before the final record is emitted), update the
// adaptive interval, and feed the breaker and limiter.
//
// Ordering: records from one endpoint are emitted strictly in response
// order and strictly in poll order. Offset state and circuit state are
// owned exclusively by this runner.
package connector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Leon4s4/kafka-http-source-connector/auth"
	"github.com/Leon4s4/kafka-http-source-connector/cache"
	"github.com/Leon4s4/kafka-http-source-connector/chaining"
	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/fieldenc"
	"github.com/Leon4s4/kafka-http-source-connector/httpclient"
	"github.com/Leon4s4/kafka-http-source-connector/jsonptr"
	"github.com/Leon4s4/kafka-http-source-connector/offset"
	"github.com/Leon4s4/kafka-http-source-connector/ratelimit"
	"github.com/Leon4s4/kafka-http-source-connector/resilience"
	"github.com/Leon4s4/kafka-http-source-connector/telemetry"
)

// PollOutcome is the single state transition a poll produces
type PollOutcome int

const (
	// PollEmitted: the poll completed and emitted zero or more records
	PollEmitted PollOutcome = iota
	// PollSkipped: the poll was suppressed before any fetch
	PollSkipped
	// PollFailed: the fetch or its processing failed
	PollFailed
)

// String returns the metric/log label for the outcome
func (o PollOutcome) String() string {
	switch o {
	case PollEmitted:
		return "emitted"
	case PollSkipped:
		return "skipped"
	case PollFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SkipReason names why a poll was suppressed
type SkipReason string

const (
	SkipCircuitOpen SkipReason = "circuit_open"
	SkipRateLimited SkipReason = "rate_limited"
)

// PollResult describes one completed poll_once invocation
type PollResult struct {
	Outcome PollOutcome
	Emitted int
	Skip    SkipReason
	Kind    resilience.ErrorKind

	// nextDelay is the runner's own scheduling hint for this result
	nextDelay time.Duration
}

// runnerDeps carries the task-owned shared collaborators into a runner
type runnerDeps struct {
	cfg         *core.Config
	client      *httpclient.Client
	auth        auth.Provider
	cache       *cache.ResponseCache
	limiter     *ratelimit.Registry
	chain       *chaining.Coordinator
	encryptor   *fieldenc.Encryptor
	reader      core.OffsetReader
	reporter    *Reporter
	emit        chan<- *core.SourceRecord
	taskID      string
	logger      core.Logger
	metrics     resilience.MetricsCollector
	instruments *telemetry.MetricInstruments
}

// runner owns one endpoint's poll loop
type runner struct {
	runnerDeps
	spec    *core.EndpointConfig
	breaker *resilience.CircuitBreaker
	sched   *AdaptiveScheduler
	backoff *resilience.BackoffPolicy
	logger  core.Logger

	// Linear modes hold a single manager; chaining children hold one
	// per parent value, created on first work item
	mgr     offset.Manager
	streams map[string]offset.Manager

	// observability counters, read concurrently by Task.State
	lastPoll     atomic.Value // time.Time
	totalEmitted atomic.Int64
}

func newRunner(spec *core.EndpointConfig, deps runnerDeps) (*runner, error) {
	logger := deps.logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent(fmt.Sprintf("connector/runner/api%d", spec.ID))
	}

	r := &runner{
		runnerDeps: deps,
		spec:       spec,
		breaker: resilience.NewCircuitBreaker(
			fmt.Sprintf("api%d", spec.ID), deps.cfg.CircuitBreaker, deps.logger, deps.metrics),
		sched:   NewAdaptiveScheduler(spec.Interval, deps.cfg.AdaptivePolling),
		backoff: resilience.DefaultBackoffPolicy(),
		logger:  logger,
	}

	if deps.chain.IsChild(spec.ID) {
		r.streams = map[string]offset.Manager{}
		return r, nil
	}

	mgr, err := offset.New(spec, deps.cfg.BaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := r.restore(context.Background(), mgr); err != nil {
		return nil, err
	}
	r.mgr = mgr
	return r, nil
}

// restore loads the committed offset for a manager's partition
func (r *runner) restore(ctx context.Context, mgr offset.Manager) error {
	if r.reader == nil {
		return nil
	}
	persisted, err := r.reader.Read(ctx, mgr.PartitionKey())
	if err != nil {
		return core.NewConnectorError("runner.restore", "offset", r.spec.ID, err)
	}
	if persisted == nil {
		return nil
	}
	if err := mgr.Restore(persisted); err != nil {
		return core.NewConnectorError("runner.restore", "offset", r.spec.ID, err)
	}
	r.logger.Info("Offset restored", map[string]interface{}{
		"operation": "offset_restored",
		"endpoint":  r.spec.ID,
		"partition": mgr.PartitionKey(),
		"offset":    mgr.Current(),
	})
	return nil
}

// run is the runner's worker loop. It returns nil on cancellation and
// an error only for fatal failures under behavior.on.error=FAIL.
func (r *runner) run(ctx context.Context) error {
	if r.chain.IsChild(r.spec.ID) {
		return r.runChild(ctx)
	}

	delay := time.Duration(0) // first poll is immediately due
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		result, err := r.safePoll(ctx, r.mgr)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrTaskStopped) {
				return nil
			}
			if r.cfg.BehaviorOnError == core.ErrorBehaviorFail {
				return err
			}
			// IGNORE: isolate this endpoint and keep going with backoff
			r.logger.Error("Poll failed; endpoint isolated", map[string]interface{}{
				"operation": "runner_poll_isolated",
				"endpoint":  r.spec.ID,
				"error":     err.Error(),
			})
			timer.Reset(r.backoff.Next())
			continue
		}

		timer.Reset(r.delayFor(result))
	}
}

// runChild drains parent values; a chaining child polls only when a
// parent record feeds it
func (r *runner) runChild(ctx context.Context) error {
	work := r.chain.Work(r.spec.ID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case parentValue := <-work:
			if err := r.handleParentValue(ctx, parentValue); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrTaskStopped) {
					return nil
				}
				if r.cfg.BehaviorOnError == core.ErrorBehaviorFail {
					return err
				}
				r.logger.Error("Child poll failed; parent value abandoned", map[string]interface{}{
					"operation":    "runner_child_isolated",
					"endpoint":     r.spec.ID,
					"parent_value": parentValue,
					"error":        err.Error(),
				})
			}
		}
	}
}

// handleParentValue runs the child's cycle for one parent record:
// at most once per parent emission, paging through until the child's
// own offset mode reports no continuation
func (r *runner) handleParentValue(ctx context.Context, parentValue string) error {
	mgr, ok := r.streams[parentValue]
	if !ok {
		inner, err := offset.New(r.spec, r.cfg.BaseURL, r.logger)
		if err != nil {
			return err
		}
		mgr = offset.NewChained(inner, parentValue)
		if err := r.restore(ctx, mgr); err != nil {
			return err
		}
		r.streams[parentValue] = mgr
	}

	for {
		result, err := r.safePoll(ctx, mgr)
		if err != nil {
			return err
		}

		switch result.Outcome {
		case PollSkipped:
			// Gate closed; wait out the hint, then retry this value
			if err := sleepCtx(ctx, result.nextDelay); err != nil {
				return err
			}
		case PollFailed:
			if !resilience.Lookup(result.Kind).Retryable {
				return nil // dead-lettered under IGNORE; drop the value
			}
			if err := sleepCtx(ctx, result.nextDelay); err != nil {
				return err
			}
		default:
			if result.Emitted > 0 && hasMore(mgr) {
				continue // next page for the same parent value
			}
			return nil
		}
	}
}

// safePoll isolates panics so one endpoint cannot tear down another,
// and records the per-poll metrics around the whole cycle
func (r *runner) safePoll(ctx context.Context, mgr offset.Manager) (result PollResult, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.logger.Error("Poll panicked", map[string]interface{}{
				"operation": "runner_poll_panic",
				"endpoint":  r.spec.ID,
				"panic":     fmt.Sprintf("%v", rec),
				"stack":     string(stack),
			})
			result = PollResult{Outcome: PollFailed, Kind: resilience.KindUnknown, nextDelay: r.backoff.Next()}
			if r.cfg.BehaviorOnError == core.ErrorBehaviorFail {
				err = core.NewConnectorError("runner.poll", "panic", r.spec.ID,
					fmt.Errorf("panic: %v", rec))
			}
		}
		r.lastPoll.Store(time.Now())

		endpoint := attribute.Int("endpoint", r.spec.ID)
		_ = r.instruments.RecordCounter(ctx, telemetry.MetricPolls, 1,
			metric.WithAttributes(endpoint, attribute.String("outcome", result.Outcome.String())))
		_ = r.instruments.RecordHistogram(ctx, telemetry.MetricPollDuration,
			float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(endpoint))
	}()
	return r.pollOnce(ctx, mgr)
}

// pollOnce performs one complete poll cycle for one offset manager
func (r *runner) pollOnce(ctx context.Context, mgr offset.Manager) (PollResult, error) {
	// Circuit breaker gate
	if !r.breaker.CanProceed() {
		r.logger.Debug("Poll skipped, circuit open", map[string]interface{}{
			"operation": "runner_skip_circuit",
			"endpoint":  r.spec.ID,
		})
		return PollResult{Outcome: PollSkipped, Skip: SkipCircuitOpen, nextDelay: r.breaker.ResetWindow()}, nil
	}

	// Rate limiter gate
	scopeKey := r.limiter.ScopeKey(r.taskID, r.spec.ID)
	if decision := r.limiter.TryAcquire(scopeKey); !decision.Allowed {
		r.logger.Debug("Poll skipped, rate limited", map[string]interface{}{
			"operation": "runner_skip_ratelimit",
			"endpoint":  r.spec.ID,
			"wait_ms":   decision.Wait.Milliseconds(),
			"reason":    decision.Reason,
		})
		_ = r.instruments.RecordCounter(ctx, telemetry.MetricRateLimitDenials, 1,
			metric.WithAttributes(attribute.Int("endpoint", r.spec.ID), attribute.String("scope_key", scopeKey)))
		return PollResult{Outcome: PollSkipped, Skip: SkipRateLimited, nextDelay: decision.Wait}, nil
	}

	// Build the request from the offset state
	requestURL, err := mgr.BuildRequest()
	if err != nil {
		return PollResult{Outcome: PollFailed, Kind: resilience.KindUnknown},
			core.NewConnectorError("runner.build_request", "offset", r.spec.ID, err)
	}

	req := &httpclient.Request{
		Method:  r.spec.Method,
		URL:     requestURL,
		Headers: r.spec.Headers,
	}

	// Fingerprint and cache consultation
	fingerprint := cache.Fingerprint(req.Method, req.URL, req.Headers)
	result, cached := r.cache.Get(fingerprint)
	var fetchErr error
	if !cached {
		result, fetchErr = r.client.Do(ctx, req)
	}

	if cached {
		_ = r.instruments.RecordCounter(ctx, telemetry.MetricCacheHits, 1,
			metric.WithAttributes(attribute.Int("endpoint", r.spec.ID)))
	}

	if fetchErr != nil || !result.OK() {
		return r.handleFailure(ctx, fetchErr, result)
	}

	if !cached {
		r.cache.Store(fingerprint, result)
		r.limiter.OnResult(scopeKey, result.Status)
	}

	// Decode and extract
	body, err := jsonptr.Decode(result.Body)
	if err != nil {
		return r.handleFailure(ctx, fmt.Errorf("%w: %v", core.ErrParseFailed, err), result)
	}

	extracted, found := jsonptr.Eval(r.spec.DataPointer, body)
	records := mgr.Filter(jsonptr.Records(extracted))
	n := len(records)

	// Emit in response order. All but the final record carry the
	// pre-poll checkpoint; the final record carries the post-poll
	// checkpoint, so a committed offset never covers records the host
	// has not received.
	pre := mgr.Checkpoint()
	partition := mgr.PartitionKey()
	perRecord, _ := mgr.(offset.PerRecordCheckpointer)

	// Per-record offsets are fixed before the batch mutates the
	// manager; modes without per-record granularity reuse the pre-poll
	// checkpoint for every record but the last
	offsets := make([]map[string]string, n)
	for i := range records {
		if perRecord != nil {
			offsets[i] = perRecord.CheckpointAfter(i)
		}
		if offsets[i] == nil && i < n-1 {
			offsets[i] = pre
		}
	}

	for i, rec := range records {
		if i == n-1 {
			if err := mgr.Update(body, records); err != nil {
				return PollResult{Outcome: PollFailed, Kind: resilience.KindUnknown},
					core.NewConnectorError("runner.update_offset", "offset", r.spec.ID, err)
			}
			if offsets[i] == nil {
				offsets[i] = mgr.Checkpoint()
			}
		}

		out := &core.SourceRecord{
			Topic:           r.spec.Topic,
			Value:           r.encryptor.EncryptRecord(r.spec.ID, rec),
			SourcePartition: partition,
			SourceOffset:    offsets[i],
			Timestamp:       time.Now(),
		}
		if err := r.emitRecord(ctx, out); err != nil {
			// Batch aborted; the offset advance (if any) was staged
			// only on the unsent final record and never reaches commit
			return PollResult{Outcome: PollFailed, Kind: resilience.KindUnknown}, err
		}

		// Chaining fan-out sees the unencrypted record
		if err := r.chain.FanOut(ctx, r.spec.ID, rec); err != nil {
			return PollResult{Outcome: PollFailed, Kind: resilience.KindUnknown}, err
		}
	}

	if n == 0 && found {
		// An empty-but-present record array still advances pagination
		// state (cursor completion, link tracking). A data-pointer miss
		// leaves the offset untouched entirely.
		if err := mgr.Update(body, nil); err != nil {
			return PollResult{Outcome: PollFailed, Kind: resilience.KindUnknown},
				core.NewConnectorError("runner.update_offset", "offset", r.spec.ID, err)
		}
	}

	r.totalEmitted.Add(int64(n))
	if n > 0 {
		_ = r.instruments.RecordCounter(ctx, telemetry.MetricRecords, float64(n),
			metric.WithAttributes(attribute.Int("endpoint", r.spec.ID), attribute.String("topic", r.spec.Topic)))
	}
	r.sched.Observe(n > 0)
	r.breaker.RecordSuccess()
	r.backoff.Reset()

	r.logger.Debug("Poll completed", map[string]interface{}{
		"operation": "runner_poll_ok",
		"endpoint":  r.spec.ID,
		"records":   n,
		"offset":    mgr.Current(),
		"cached":    cached,
	})
	return PollResult{Outcome: PollEmitted, Emitted: n}, nil
}

// handleFailure classifies a failed fetch and maps it onto the runner's
// scheduling and the circuit breaker, honoring behavior.on.error
func (r *runner) handleFailure(ctx context.Context, fetchErr error, result *httpclient.FetchResult) (PollResult, error) {
	if fetchErr != nil && (errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, core.ErrTaskStopped)) {
		return PollResult{Outcome: PollFailed, Kind: resilience.KindUnknown}, fetchErr
	}

	classification := resilience.Classify(fetchErr, result)
	kind := classification.Kind

	status := 0
	if result != nil {
		status = result.Status
		r.limiter.OnResult(r.limiter.ScopeKey(r.taskID, r.spec.ID), status)
	}

	fields := map[string]interface{}{
		"operation":  "runner_poll_failed",
		"endpoint":   r.spec.ID,
		"error_kind": string(kind),
		"status":     status,
	}
	if fetchErr != nil {
		fields["error"] = fetchErr.Error()
	}

	switch {
	case kind == resilience.KindAuth:
		// Fast-open the circuit and ask the provider for fresh
		// credentials; one refresh per open window
		r.auth.Invalidate()
		r.breaker.RecordFailure(string(kind), true)
		r.logger.Error("Poll failed with auth error", fields)
		return PollResult{Outcome: PollFailed, Kind: kind, nextDelay: r.breaker.ResetWindow()}, nil

	case kind == resilience.KindRateLimited:
		// Not a breaker failure; wait out Retry-After or back off
		delay, ok := time.Duration(0), false
		if result != nil {
			delay, ok = resilience.RetryAfter(result.Headers)
		}
		if !ok {
			delay = r.backoff.Next()
		}
		fields["retry_in_ms"] = delay.Milliseconds()
		r.logger.Warn("Poll rate limited by remote", fields)
		return PollResult{Outcome: PollFailed, Kind: kind, nextDelay: delay}, nil

	case classification.Retryable:
		if classification.OpenCircuit {
			r.breaker.RecordFailure(string(kind), false)
		}
		delay := r.backoff.Next()
		fields["retry_in_ms"] = delay.Milliseconds()
		r.logger.Warn("Poll failed, will retry", fields)
		return PollResult{Outcome: PollFailed, Kind: kind, nextDelay: delay}, nil

	default:
		// Fatal kind
		if classification.OpenCircuit {
			r.breaker.RecordFailure(string(kind), false)
		}
		if r.cfg.BehaviorOnError == core.ErrorBehaviorFail && classification.FatalByDefault {
			r.logger.Error("Poll failed fatally", fields)
			return PollResult{Outcome: PollFailed, Kind: kind},
				core.NewConnectorError("runner.poll", string(kind), r.spec.ID, failureError(fetchErr, status))
		}

		// IGNORE: dead-letter the failure and continue; the offset is
		// never advanced for a failed poll
		r.logger.Error("Poll failed; dead-lettered", fields)
		if err := r.reporter.Report(ctx, r.spec.ID, kind, failureError(fetchErr, status), result); err != nil {
			return PollResult{Outcome: PollFailed, Kind: kind}, err
		}
		return PollResult{Outcome: PollFailed, Kind: kind, nextDelay: r.sched.Interval()}, nil
	}
}

func failureError(fetchErr error, status int) error {
	if fetchErr != nil {
		return fetchErr
	}
	return fmt.Errorf("%w: http status %d", core.ErrRequestFailed, status)
}

// emitRecord blocks on the bounded emit channel; a stalled sink
// backpressures the runner instead of growing memory
func (r *runner) emitRecord(ctx context.Context, rec *core.SourceRecord) error {
	select {
	case r.emit <- rec:
		return nil
	case <-ctx.Done():
		return core.ErrTaskStopped
	}
}

// delayFor converts a poll result into the wait before the next poll
func (r *runner) delayFor(result PollResult) time.Duration {
	if result.nextDelay > 0 {
		return result.nextDelay
	}
	if result.Outcome == PollEmitted && result.Emitted > 0 && hasMore(r.mgr) {
		// Mid-pagination: continue immediately rather than waiting a
		// full interval. Empty pages never short-circuit the schedule.
		return 0
	}
	return r.sched.Interval()
}

// hasMore reports whether the manager holds a continuation token
func hasMore(mgr offset.Manager) bool {
	c, ok := mgr.(offset.Continuer)
	return ok && c.HasMore()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
