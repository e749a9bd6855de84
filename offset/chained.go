package offset

import (
	"strings"
)

// chained wraps a child endpoint's own offset manager, scoping it to
// one parent value. Each distinct parent value gets its own wrapper
// (and inner manager), so offsets partition by (child id, parent value)
// and a slow child never mixes positions across parents.
type chained struct {
	inner       Manager
	parentValue string
}

// NewChained scopes a child manager to one parent value. The inner
// manager is built with New from the child's configured mode.
func NewChained(inner Manager, parentValue string) Manager {
	return &chained{
		inner:       inner,
		parentValue: parentValue,
	}
}

func (m *chained) Current() string {
	return m.inner.Current()
}

func (m *chained) Update(body interface{}, emitted []interface{}) error {
	return m.inner.Update(body, emitted)
}

func (m *chained) Reset() {
	m.inner.Reset()
}

func (m *chained) PartitionKey() map[string]string {
	key := m.inner.PartitionKey()
	out := make(map[string]string, len(key)+1)
	for k, v := range key {
		out[k] = v
	}
	out["parent"] = m.parentValue
	return out
}

func (m *chained) Checkpoint() map[string]string {
	return m.inner.Checkpoint()
}

func (m *chained) Restore(persisted map[string]string) error {
	return m.inner.Restore(persisted)
}

func (m *chained) BuildRequest() (string, error) {
	raw, err := m.inner.BuildRequest()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(raw, ParentValuePlaceholder, m.parentValue), nil
}

func (m *chained) Filter(records []interface{}) []interface{} {
	return m.inner.Filter(records)
}

// HasMore forwards the inner mode's continuation state
func (m *chained) HasMore() bool {
	c, ok := m.inner.(Continuer)
	return ok && c.HasMore()
}

// CheckpointAfter forwards per-record granularity when the inner mode
// provides it, nil otherwise so callers fall back to batch checkpoints
func (m *chained) CheckpointAfter(i int) map[string]string {
	if p, ok := m.inner.(PerRecordCheckpointer); ok {
		return p.CheckpointAfter(i)
	}
	return nil
}
