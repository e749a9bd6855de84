package chaining

import (
	"context"
	"testing"
	"time"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/jsonptr"
)

func chainConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg, err := core.NewConfig(map[string]string{
		"http.api.base.url": "https://api.example.com",
		"apis.num":          "3",

		"api1.http.api.path":              "/companies",
		"api1.topics":                     "companies",
		"api1.http.chaining.json.pointer": "/id",
		"api1.http.offset.mode":           "SIMPLE_INCREMENTING",

		"api2.http.api.path":    "/companies/${parent_value}/employees",
		"api2.topics":           "employees",
		"api2.http.offset.mode": "CHAINING",

		"api3.http.api.path":    "/companies/${parent_value}/sites",
		"api3.topics":           "sites",
		"api3.http.offset.mode": "CHAINING",

		"api.chaining.parent.child.relationship": "child2:parent1,child3:parent1",
	})
	if err != nil {
		t.Fatalf("NewConfig() failed: %v", err)
	}
	return cfg
}

func TestCoordinatorTopology(t *testing.T) {
	c, err := NewCoordinator(chainConfig(t), &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}

	if !c.HasChildren(1) {
		t.Error("api1 should have children")
	}
	if c.HasChildren(2) {
		t.Error("api2 should have no children")
	}
	if !c.IsChild(2) || !c.IsChild(3) {
		t.Error("api2 and api3 should be children")
	}
	if c.IsChild(1) {
		t.Error("api1 should not be a child")
	}
}

// TestFanOutDeliversToAllChildren covers parent fan-out: every child
// receives every parent value exactly once, in parent emission order
func TestFanOutDeliversToAllChildren(t *testing.T) {
	c, err := NewCoordinator(chainConfig(t), &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}

	ctx := context.Background()
	body, _ := jsonptr.Decode([]byte(`[{"id":"A"},{"id":"B"}]`))
	for _, rec := range jsonptr.Records(body) {
		if err := c.FanOut(ctx, 1, rec); err != nil {
			t.Fatalf("FanOut() failed: %v", err)
		}
	}

	for _, child := range []int{2, 3} {
		if got := c.Pending(child); got != 2 {
			t.Errorf("child %d pending = %d, want 2", child, got)
		}
		work := c.Work(child)
		for _, want := range []string{"A", "B"} {
			select {
			case got := <-work:
				if got != want {
					t.Errorf("child %d received %q, want %q", child, got, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("child %d starved", child)
			}
		}
	}
}

func TestFanOutSkipsPointerMiss(t *testing.T) {
	c, err := NewCoordinator(chainConfig(t), &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}

	record := map[string]interface{}{"name": "no-id"}
	if err := c.FanOut(context.Background(), 1, record); err != nil {
		t.Fatalf("FanOut() with pointer miss should not error: %v", err)
	}
	if c.Pending(2) != 0 {
		t.Error("pointer miss must not enqueue work")
	}
}

func TestFanOutHonorsCancellation(t *testing.T) {
	cfg := chainConfig(t)
	cfg.Task.ChainBufferSize = 1
	c, err := NewCoordinator(cfg, &core.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}

	record := map[string]interface{}{"id": "A"}
	if err := c.FanOut(context.Background(), 1, record); err != nil {
		t.Fatalf("first FanOut() failed: %v", err)
	}

	// The buffer is full; a cancelled context unblocks the second
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.FanOut(ctx, 1, record); err == nil {
		t.Error("expected a context error on a full buffer")
	}
}

func TestNilCoordinatorDegrades(t *testing.T) {
	var c *Coordinator
	if c.HasChildren(1) || c.IsChild(1) {
		t.Error("nil coordinator should report no topology")
	}
	if err := c.FanOut(context.Background(), 1, map[string]interface{}{"id": "A"}); err != nil {
		t.Errorf("nil coordinator FanOut() = %v", err)
	}
	if c.Work(1) != nil {
		t.Error("nil coordinator should return a nil work channel")
	}
}

func TestNoChainingYieldsNilCoordinator(t *testing.T) {
	cfg, err := core.NewConfig(map[string]string{
		"http.api.base.url":     "https://api.example.com",
		"apis.num":              "1",
		"api1.http.api.path":    "/items",
		"api1.topics":           "items",
		"api1.http.offset.mode": "SIMPLE_INCREMENTING",
	})
	if err != nil {
		t.Fatalf("NewConfig() failed: %v", err)
	}

	c, err := NewCoordinator(cfg, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}
	if c != nil {
		t.Error("expected a nil coordinator without chaining config")
	}
}
