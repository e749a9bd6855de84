// Package connector implements the polling task: one endpoint runner
// per assigned endpoint, a shared bounded emit channel, and the
// coordinator that drains it for the host framework.
//
// Purpose:
// - Owns every shared resource (HTTP client, auth provider, cache,
//   rate-limiter registry, chaining coordinator, encryptor) and
//   releases all of them on stop; there is no process-wide state
// - Spawns one worker per endpoint and isolates their failures
// - Implements the host contract: Start, Poll, Commit, Stop
//
// Checkpointing is a three-phase handshake: Poll hands records (with
// their source offsets) to the host, the host flushes them, and Commit
// acknowledges — only offsets attached to polled records are ever
// persisted, which preserves at-least-once delivery across restarts.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Leon4s4/kafka-http-source-connector/auth"
	"github.com/Leon4s4/kafka-http-source-connector/cache"
	"github.com/Leon4s4/kafka-http-source-connector/chaining"
	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/fieldenc"
	"github.com/Leon4s4/kafka-http-source-connector/httpclient"
	"github.com/Leon4s4/kafka-http-source-connector/ratelimit"
	"github.com/Leon4s4/kafka-http-source-connector/resilience"
	"github.com/Leon4s4/kafka-http-source-connector/telemetry"
)

// Options carries the host-supplied collaborators into Start
type Options struct {
	// Assignment is the subset of endpoint ids this task owns; empty
	// means all configured endpoints
	Assignment []int

	// OffsetReader recovers committed positions at start
	OffsetReader core.OffsetReader

	// OffsetWriter persists committed positions; nil when the host
	// owns persistence itself
	OffsetWriter core.OffsetWriter

	// Logger overrides the production logger built from config
	Logger core.Logger

	// Instrument wraps the HTTP transport with otelhttp
	Instrument bool

	// Metrics receives circuit breaker events; nil for none
	Metrics resilience.MetricsCollector
}

// Task is one running connector task
type Task struct {
	cfg    *core.Config
	id     string
	logger core.Logger

	client    *httpclient.Client
	authp     auth.Provider
	cache     *cache.ResponseCache
	limiter   *ratelimit.Registry
	chain     *chaining.Coordinator
	encryptor *fieldenc.Encryptor
	reporter  *Reporter

	runners map[int]*runner
	emit    chan *core.SourceRecord

	cancel context.CancelFunc
	done   chan struct{}
	writer core.OffsetWriter

	mu      sync.Mutex
	pending map[string]stagedOffset
	fatal   error
	stopped bool
}

// stagedOffset is a position handed to the host via Poll, awaiting
// Commit acknowledgement
type stagedOffset struct {
	partition map[string]string
	offset    map[string]string
}

// EndpointState is an operational snapshot of one runner
type EndpointState struct {
	ID       int
	Circuit  string
	Interval time.Duration
	LastPoll time.Time
	Emitted  int64
}

// Start builds the task and launches its workers. The configuration
// must already be validated; Start re-validates defensively because a
// broken config here would poison every endpoint.
func Start(ctx context.Context, cfg *core.Config, opts Options) (*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = core.NewProductionLogger(cfg.Logging, "http-source")
	}
	taskLogger := logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		taskLogger = cal.WithComponent("connector/task")
	}

	assignment := opts.Assignment
	if len(assignment) == 0 {
		for _, ep := range cfg.Endpoints {
			assignment = append(assignment, ep.ID)
		}
	}
	sort.Ints(assignment)
	assigned := map[int]bool{}
	for _, id := range assignment {
		if cfg.Endpoint(id) == nil {
			return nil, fmt.Errorf("%w: assigned endpoint api%d is not configured", core.ErrInvalidConfiguration, id)
		}
		assigned[id] = true
	}
	// A chaining child is fed exclusively by its parent; both must be
	// on the same task
	for child, parent := range cfg.Chaining {
		if assigned[child] && !assigned[parent] {
			return nil, fmt.Errorf("%w: api%d assigned without its parent api%d", core.ErrUnknownParent, child, parent)
		}
	}

	taskCtx, cancel := context.WithCancel(context.Background())

	t := &Task{
		cfg:     cfg,
		id:      uuid.NewString(),
		logger:  taskLogger,
		cancel:  cancel,
		done:    make(chan struct{}),
		writer:  opts.OffsetWriter,
		runners: map[int]*runner{},
		emit:    make(chan *core.SourceRecord, cfg.Task.EmitBufferSize),
		pending: map[string]stagedOffset{},
	}

	fail := func(err error) (*Task, error) {
		cancel()
		t.release()
		return nil, err
	}

	client, err := httpclient.New(httpclient.Options{
		TLS:        cfg.TLS,
		Proxy:      cfg.Proxy,
		HTTP:       cfg.HTTP,
		Instrument: opts.Instrument,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}
	t.client = client

	provider, err := auth.New(taskCtx, cfg.Auth, client.Std(), logger)
	if err != nil {
		return fail(err)
	}
	t.authp = provider
	client.SetDecorator(provider)

	responseCache, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return fail(err)
	}
	t.cache = responseCache
	responseCache.Start(taskCtx)

	limiter, err := ratelimit.NewRegistry(cfg.RateLimit, logger)
	if err != nil {
		return fail(err)
	}
	t.limiter = limiter

	chain, err := chaining.NewCoordinator(cfg, logger)
	if err != nil {
		return fail(err)
	}
	t.chain = chain

	encryptor, err := fieldenc.New(cfg.Encryption, logger)
	if err != nil {
		return fail(err)
	}
	t.encryptor = encryptor

	t.reporter = NewReporter(cfg.Reporter, t.emit, logger)

	reader := opts.OffsetReader
	if reader == nil {
		reader = &core.NoOpOffsetReader{}
	}

	deps := runnerDeps{
		cfg:       cfg,
		client:    client,
		auth:      provider,
		cache:     responseCache,
		limiter:   limiter,
		chain:     chain,
		encryptor: encryptor,
		reader:    reader,
		reporter:  t.reporter,
		emit:      t.emit,
		taskID:    t.id,
		logger:    logger,
		metrics:   opts.Metrics,
		// Instruments ride the global meter provider: a no-op until a
		// telemetry.Provider is initialized, live afterwards
		instruments: telemetry.NewMetricInstruments("httpsource-connector"),
	}

	group, groupCtx := errgroup.WithContext(taskCtx)
	for _, id := range assignment {
		r, err := newRunner(cfg.Endpoint(id), deps)
		if err != nil {
			return fail(err)
		}
		t.runners[id] = r
	}
	for _, r := range t.runners {
		r := r
		group.Go(func() error { return r.run(groupCtx) })
	}

	// The watchdog surfaces the first fatal runner error and, through
	// the errgroup context, cancels every sibling
	go func() {
		err := group.Wait()
		t.mu.Lock()
		if err != nil && t.fatal == nil {
			t.fatal = err
		}
		t.mu.Unlock()
		if err != nil {
			taskLogger.Error("Task failed", map[string]interface{}{
				"operation": "task_failed",
				"task_id":   t.id,
				"error":     err.Error(),
			})
		}
		close(t.done)
	}()

	taskLogger.Info("Task started", map[string]interface{}{
		"operation":   "task_started",
		"task_id":     t.id,
		"endpoints":   assignment,
		"behavior":    string(cfg.BehaviorOnError),
		"adaptive":    cfg.AdaptivePolling,
		"cache":       cfg.Cache.Enabled,
		"rate_limit":  cfg.RateLimit.Enabled,
		"encryption":  cfg.Encryption.Enabled,
		"emit_buffer": cfg.Task.EmitBufferSize,
	})
	return t, nil
}

// Poll drains whatever records are available, waiting up to maxWait for
// the first one. Offsets carried by returned records are staged for the
// next Commit. Returns an empty slice on a quiet interval and the fatal
// task error once the task has died.
func (t *Task) Poll(ctx context.Context, maxWait time.Duration) ([]*core.SourceRecord, error) {
	var out []*core.SourceRecord

	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	select {
	case rec := <-t.emit:
		out = append(out, rec)
	case <-waitCtx.Done():
	case <-t.done:
	}

	// Non-blocking drain of everything already buffered
	for len(out) < cap(t.emit)+1 {
		select {
		case rec := <-t.emit:
			out = append(out, rec)
		default:
			goto drained
		}
	}
drained:

	t.mu.Lock()
	for _, rec := range out {
		if rec.SourcePartition != nil && rec.SourceOffset != nil {
			t.pending[partitionKeyString(rec.SourcePartition)] = stagedOffset{
				partition: rec.SourcePartition,
				offset:    rec.SourceOffset,
			}
		}
	}
	fatal := t.fatal
	t.mu.Unlock()

	if len(out) == 0 && fatal != nil {
		return nil, fatal
	}
	return out, nil
}

// Commit acknowledges every offset staged by prior Polls, persisting
// through the OffsetWriter when one is configured. Commits are
// serialized per partition and parallel across endpoints only in the
// sense that staging never blocks polling.
func (t *Task) Commit(ctx context.Context) error {
	t.mu.Lock()
	staged := make([]stagedOffset, 0, len(t.pending))
	for _, s := range t.pending {
		staged = append(staged, s)
	}
	t.pending = map[string]stagedOffset{}
	t.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}

	if t.writer != nil {
		for _, s := range staged {
			if err := t.writer.Write(ctx, s.partition, s.offset); err != nil {
				// Put the batch back; the next commit retries
				t.mu.Lock()
				for _, p := range staged {
					key := partitionKeyString(p.partition)
					if _, exists := t.pending[key]; !exists {
						t.pending[key] = p
					}
				}
				t.mu.Unlock()
				return core.NewConnectorError("task.commit", "offset", 0, err)
			}
		}
	}

	t.logger.Debug("Offsets committed", map[string]interface{}{
		"operation":  "task_commit",
		"task_id":    t.id,
		"partitions": len(staged),
	})
	return nil
}

// Stop drains the task: cancel all workers, wait for them to finish
// their current step within the shutdown deadline, commit final
// offsets, release every resource.
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	t.logger.Info("Task stopping", map[string]interface{}{
		"operation": "task_stopping",
		"task_id":   t.id,
	})

	t.cancel()

	deadline := time.NewTimer(t.cfg.Task.ShutdownTimeout)
	defer deadline.Stop()
	select {
	case <-t.done:
	case <-deadline.C:
		t.logger.Warn("Workers did not finish within the shutdown deadline", map[string]interface{}{
			"operation":  "task_stop_timeout",
			"task_id":    t.id,
			"timeout_ms": t.cfg.Task.ShutdownTimeout.Milliseconds(),
		})
	case <-ctx.Done():
	}

	commitErr := t.Commit(ctx)
	t.release()

	t.logger.Info("Task stopped", map[string]interface{}{
		"operation": "task_stopped",
		"task_id":   t.id,
	})
	return commitErr
}

// release frees every acquired resource; safe to call with partially
// constructed state
func (t *Task) release() {
	if t.authp != nil {
		t.authp.Close()
	}
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
}

// Err returns the fatal error that stopped the task, if any
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

// Done is closed when every worker has exited
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// State returns an operational snapshot of every runner
func (t *Task) State() []EndpointState {
	ids := make([]int, 0, len(t.runners))
	for id := range t.runners {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]EndpointState, 0, len(ids))
	for _, id := range ids {
		r := t.runners[id]
		lastPoll, _ := r.lastPoll.Load().(time.Time)
		out = append(out, EndpointState{
			ID:       id,
			Circuit:  r.breaker.State().String(),
			Interval: r.sched.Interval(),
			LastPoll: lastPoll,
			Emitted:  r.totalEmitted.Load(),
		})
	}
	return out
}

// Run drives the task the way a host framework would: drain Poll into
// the sink and commit on the configured cadence, until ctx is
// cancelled or the task dies. The standalone entrypoint uses it.
func (t *Task) Run(ctx context.Context, sink core.RecordSink) error {
	commit := time.NewTicker(t.cfg.Task.CommitInterval)
	defer commit.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.Stop(context.Background())
		case <-t.done:
			stopErr := t.Stop(context.Background())
			if err := t.Err(); err != nil {
				return err
			}
			return stopErr
		case <-commit.C:
			if err := t.Commit(ctx); err != nil {
				t.logger.Error("Offset commit failed", map[string]interface{}{
					"operation": "task_commit_failed",
					"task_id":   t.id,
					"error":     err.Error(),
				})
			}
		default:
		}

		records, err := t.Poll(ctx, time.Second)
		if err != nil {
			if stopErr := t.Stop(context.Background()); stopErr != nil {
				t.logger.Error("Stop after fatal error failed", map[string]interface{}{
					"operation": "task_stop_failed",
					"error":     stopErr.Error(),
				})
			}
			return err
		}
		for _, rec := range records {
			if err := sink.Emit(ctx, rec); err != nil {
				return core.NewConnectorError("task.run", "sink", 0, err)
			}
		}
	}
}

// partitionKeyString renders a partition key deterministically for map
// keying
func partitionKeyString(partition map[string]string) string {
	keys := make([]string, 0, len(partition))
	for k := range partition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(partition[k])
	}
	return b.String()
}
