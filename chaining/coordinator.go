// Package chaining resolves the parent-child endpoint forest and
// delivers parent record values to child endpoints.
//
// For every record a parent emits, the coordinator extracts the
// configured chaining value and enqueues it once into each child's
// bounded work buffer; the child runner drains its buffer before its
// own next scheduled poll. A record whose chaining pointer misses is
// skipped with a warning while the rest of the batch proceeds.
package chaining

import (
	"context"
	"fmt"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/jsonptr"
)

// Coordinator owns the chaining forest and the per-child work buffers.
// A nil *Coordinator represents a task without chaining; all methods
// degrade to no-ops.
type Coordinator struct {
	// children maps a parent endpoint id to its child ids (fan-out)
	children map[int][]int

	// pointers maps a parent endpoint id to its chaining JSON pointer
	pointers map[int]string

	// buffers holds each child's pending parent values
	buffers map[int]chan string

	logger core.Logger
}

// NewCoordinator builds the coordinator from the validated chaining
// relationships. Returns nil when no relationships are configured.
func NewCoordinator(cfg *core.Config, logger core.Logger) (*Coordinator, error) {
	if len(cfg.Chaining) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/chaining")
	}

	c := &Coordinator{
		children: map[int][]int{},
		pointers: map[int]string{},
		buffers:  map[int]chan string{},
		logger:   logger,
	}

	bufSize := cfg.Task.ChainBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}

	for child, parent := range cfg.Chaining {
		parentSpec := cfg.Endpoint(parent)
		if parentSpec == nil {
			return nil, fmt.Errorf("%w: api%d", core.ErrUnknownParent, parent)
		}
		c.pointers[parent] = parentSpec.ChainingPointer
		c.buffers[child] = make(chan string, bufSize)
	}
	for parent := range c.pointers {
		c.children[parent] = cfg.Children(parent)
	}

	logger.Info("Chaining coordinator initialized", map[string]interface{}{
		"operation":   "chaining_init",
		"parents":     len(c.children),
		"children":    len(c.buffers),
		"buffer_size": bufSize,
	})
	return c, nil
}

// HasChildren reports whether the endpoint fans out to children
func (c *Coordinator) HasChildren(parentID int) bool {
	if c == nil {
		return false
	}
	return len(c.children[parentID]) > 0
}

// IsChild reports whether the endpoint is fed by a parent
func (c *Coordinator) IsChild(id int) bool {
	if c == nil {
		return false
	}
	_, ok := c.buffers[id]
	return ok
}

// FanOut extracts the chaining value from one parent record and
// enqueues it for every child, exactly once per child per record.
// Enqueueing blocks when a child's buffer is full, backpressuring the
// parent; cancellation aborts the remainder.
func (c *Coordinator) FanOut(ctx context.Context, parentID int, record interface{}) error {
	if c == nil {
		return nil
	}
	children := c.children[parentID]
	if len(children) == 0 {
		return nil
	}

	value, ok := jsonptr.Eval(c.pointers[parentID], record)
	if !ok || value == nil {
		c.logger.Warn("Parent record has no chaining value; skipping fan-out", map[string]interface{}{
			"operation": "chaining_pointer_miss",
			"endpoint":  parentID,
			"pointer":   c.pointers[parentID],
		})
		return nil
	}
	parentValue := jsonptr.String(value)

	for _, child := range children {
		select {
		case c.buffers[child] <- parentValue:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Work returns the child's pending parent values. The child runner
// drains it before its own scheduled poll; nil for non-children.
func (c *Coordinator) Work(childID int) <-chan string {
	if c == nil {
		return nil
	}
	return c.buffers[childID]
}

// Pending reports how many parent values are queued for a child
func (c *Coordinator) Pending(childID int) int {
	if c == nil {
		return 0
	}
	return len(c.buffers[childID])
}
