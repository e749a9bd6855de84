package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/offsetstore"
)

func pollAll(t *testing.T, task *Task, want int, within time.Duration) []*core.SourceRecord {
	t.Helper()
	var out []*core.SourceRecord
	deadline := time.Now().Add(within)
	for len(out) < want && time.Now().Before(deadline) {
		records, err := task.Poll(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
		out = append(out, records...)
	}
	return out
}

func TestTaskEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"i":1},{"i":2}]}`))
	}))
	defer server.Close()

	cfg, err := core.NewConfig(map[string]string{
		"http.api.base.url":                    server.URL,
		"apis.num":                             "1",
		"api1.http.api.path":                   "/items",
		"api1.topics":                          "items-topic",
		"api1.http.offset.mode":                "SIMPLE_INCREMENTING",
		"api1.http.response.data.json.pointer": "/items",
		"api1.request.interval.ms":             "60000",
	})
	require.NoError(t, err)

	store := offsetstore.NewMemoryStore()
	task, err := Start(context.Background(), cfg, Options{
		OffsetReader: store,
		OffsetWriter: store,
		Logger:       &core.NoOpLogger{},
	})
	require.NoError(t, err)
	defer func() { _ = task.Stop(context.Background()) }()

	records := pollAll(t, task, 2, 3*time.Second)
	require.Len(t, records, 2)
	assert.Equal(t, "items-topic", records[0].Topic)
	assert.Equal(t, "1", records[0].SourceOffset["offset"])
	assert.Equal(t, "2", records[1].SourceOffset["offset"])

	// Commit persists the staged position
	require.NoError(t, task.Commit(context.Background()))
	persisted, err := store.Read(context.Background(), records[1].SourcePartition)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "2", persisted["offset"])

	// Operational snapshot reflects the work done
	states := task.State()
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].ID)
	assert.Equal(t, "closed", states[0].Circuit)
	assert.Equal(t, int64(2), states[0].Emitted)
}

// TestTaskChaining is the parent/child scenario: two companies fan out
// to exactly one employees fetch each, partition-keyed by parent value
func TestTaskChaining(t *testing.T) {
	var mu sync.Mutex
	childPaths := map[string]int{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/companies":
			_, _ = w.Write([]byte(`[{"id":"A"},{"id":"B"}]`))
		case "/companies/A/employees":
			mu.Lock()
			childPaths[r.URL.RequestURI()]++
			mu.Unlock()
			_, _ = w.Write([]byte(`[{"e":"a1"}]`))
		case "/companies/B/employees":
			mu.Lock()
			childPaths[r.URL.RequestURI()]++
			mu.Unlock()
			_, _ = w.Write([]byte(`[{"e":"b1"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	cfg, err := core.NewConfig(map[string]string{
		"http.api.base.url": server.URL,
		"apis.num":          "2",

		"api1.http.api.path":              "/companies",
		"api1.topics":                     "companies",
		"api1.http.offset.mode":           "SIMPLE_INCREMENTING",
		"api1.http.chaining.json.pointer": "/id",
		"api1.request.interval.ms":        "60000",

		"api2.http.api.path":       "/companies/${parent_value}/employees",
		"api2.topics":              "employees",
		"api2.http.offset.mode":    "CHAINING",
		"api2.request.interval.ms": "60000",

		"api.chaining.parent.child.relationship": "child2:parent1",
	})
	require.NoError(t, err)

	store := offsetstore.NewMemoryStore()
	task, err := Start(context.Background(), cfg, Options{
		OffsetReader: store,
		OffsetWriter: store,
		Logger:       &core.NoOpLogger{},
	})
	require.NoError(t, err)
	defer func() { _ = task.Stop(context.Background()) }()

	// Two parents plus two child batches
	records := pollAll(t, task, 4, 5*time.Second)
	require.Len(t, records, 4)

	byTopic := map[string][]*core.SourceRecord{}
	for _, rec := range records {
		byTopic[rec.Topic] = append(byTopic[rec.Topic], rec)
	}
	require.Len(t, byTopic["companies"], 2)
	require.Len(t, byTopic["employees"], 2)

	parents := map[string]bool{}
	for _, rec := range byTopic["employees"] {
		parents[rec.SourcePartition["parent"]] = true
	}
	assert.True(t, parents["A"] && parents["B"], "child partitions keyed by parent value: %v", parents)

	// Each parent record drove exactly one child fetch, addressed by
	// the parent value alone (no offset query parameter)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, childPaths["/companies/A/employees"])
	assert.Equal(t, 1, childPaths["/companies/B/employees"])
	assert.Len(t, childPaths, 2, "unexpected child request URIs: %v", childPaths)
}

// TestTaskFatalUnderFail: a fatal endpoint error surfaces through Poll
// and cancels the task
func TestTaskFatalUnderFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	cfg, err := core.NewConfig(map[string]string{
		"http.api.base.url":        server.URL,
		"apis.num":                 "1",
		"api1.http.api.path":       "/items",
		"api1.topics":              "items",
		"api1.http.offset.mode":    "SIMPLE_INCREMENTING",
		"api1.request.interval.ms": "100",
		"behavior.on.error":        "FAIL",
	})
	require.NoError(t, err)

	task, err := Start(context.Background(), cfg, Options{Logger: &core.NoOpLogger{}})
	require.NoError(t, err)
	defer func() { _ = task.Stop(context.Background()) }()

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not fail within the deadline")
	}
	assert.Error(t, task.Err())
}

// TestTaskIgnoreKeepsRunning: under IGNORE the same failure isolates
// the endpoint and the task stays alive
func TestTaskIgnoreKeepsRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	cfg, err := core.NewConfig(map[string]string{
		"http.api.base.url":        server.URL,
		"apis.num":                 "1",
		"api1.http.api.path":       "/items",
		"api1.topics":              "items",
		"api1.http.offset.mode":    "SIMPLE_INCREMENTING",
		"api1.request.interval.ms": "50",
		"behavior.on.error":        "IGNORE",
	})
	require.NoError(t, err)

	task, err := Start(context.Background(), cfg, Options{Logger: &core.NoOpLogger{}})
	require.NoError(t, err)
	defer func() { _ = task.Stop(context.Background()) }()

	select {
	case <-task.Done():
		t.Fatal("task died under IGNORE")
	case <-time.After(500 * time.Millisecond):
	}
	assert.NoError(t, task.Err())
}

func TestTaskAssignmentValidation(t *testing.T) {
	cfg, err := core.NewConfig(map[string]string{
		"http.api.base.url":               "https://api.example.com",
		"apis.num":                        "2",
		"api1.http.api.path":              "/companies",
		"api1.topics":                     "companies",
		"api1.http.chaining.json.pointer": "/id",
		"api2.http.api.path":              "/companies/${parent_value}/sub",
		"api2.topics":                     "sub",
		"api2.http.offset.mode":           "CHAINING",

		"api.chaining.parent.child.relationship": "child2:parent1",
	})
	require.NoError(t, err)

	// A child without its parent on the same task is rejected
	_, err = Start(context.Background(), cfg, Options{
		Assignment: []int{2},
		Logger:     &core.NoOpLogger{},
	})
	assert.ErrorIs(t, err, core.ErrUnknownParent)

	// An unknown endpoint id is rejected
	_, err = Start(context.Background(), cfg, Options{
		Assignment: []int{9},
		Logger:     &core.NoOpLogger{},
	})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestTaskRecoversOffsetsAcrossRestart(t *testing.T) {
	var mu sync.Mutex
	var lastQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lastQuery = r.URL.RawQuery
		mu.Unlock()
		_, _ = w.Write([]byte(`{"items":[{"i":1}]}`))
	}))
	defer server.Close()

	props := map[string]string{
		"http.api.base.url":                    server.URL,
		"apis.num":                             "1",
		"api1.http.api.path":                   "/items",
		"api1.topics":                          "items",
		"api1.http.offset.mode":                "SIMPLE_INCREMENTING",
		"api1.http.response.data.json.pointer": "/items",
		"api1.request.interval.ms":             "60000",
	}
	store := offsetstore.NewMemoryStore()

	// First run: one record, committed offset "1"
	cfg, err := core.NewConfig(props)
	require.NoError(t, err)
	task, err := Start(context.Background(), cfg, Options{
		OffsetReader: store, OffsetWriter: store, Logger: &core.NoOpLogger{},
	})
	require.NoError(t, err)
	records := pollAll(t, task, 1, 3*time.Second)
	require.Len(t, records, 1)
	require.NoError(t, task.Commit(context.Background()))
	require.NoError(t, task.Stop(context.Background()))

	// Second run resumes from the committed position
	cfg, err = core.NewConfig(props)
	require.NoError(t, err)
	task, err = Start(context.Background(), cfg, Options{
		OffsetReader: store, OffsetWriter: store, Logger: &core.NoOpLogger{},
	})
	require.NoError(t, err)
	defer func() { _ = task.Stop(context.Background()) }()

	pollAll(t, task, 1, 3*time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "offset=1", lastQuery, "restart must resume from the committed offset")
}
