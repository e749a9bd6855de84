package offset

import (
	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/jsonptr"
)

// cursor implements CURSOR_PAGINATION: an opaque server-issued string
// extracted from each response via the configured JSON pointer. An
// empty or absent cursor means pagination is complete and the next
// poll starts over from the bare path.
type cursor struct {
	spec    *core.EndpointConfig
	baseURL string
	value   string
}

func newCursor(spec *core.EndpointConfig, baseURL string) *cursor {
	return &cursor{
		spec:    spec,
		baseURL: baseURL,
		value:   spec.InitialOffset,
	}
}

func (m *cursor) Current() string {
	return m.value
}

func (m *cursor) Update(body interface{}, emitted []interface{}) error {
	next, ok := jsonptr.Eval(m.spec.NextPagePointer, body)
	if !ok || next == nil {
		// Pagination complete; the next cycle starts without a cursor
		m.value = ""
		return nil
	}
	m.value = jsonptr.String(next)
	return nil
}

func (m *cursor) Reset() {
	m.value = m.spec.InitialOffset
}

func (m *cursor) PartitionKey() map[string]string {
	return linearPartitionKey(m.baseURL, m.spec.Path)
}

func (m *cursor) Checkpoint() map[string]string {
	return map[string]string{checkpointOffsetKey: m.value}
}

func (m *cursor) Restore(persisted map[string]string) error {
	if persisted == nil {
		return nil
	}
	m.value = persisted[checkpointOffsetKey]
	return nil
}

func (m *cursor) BuildRequest() (string, error) {
	return substituteOffset(joinURL(m.baseURL, m.spec.Path), m.value, "cursor")
}

func (m *cursor) Filter(records []interface{}) []interface{} {
	return records
}

// HasMore reports whether the server left a continuation cursor
func (m *cursor) HasMore() bool {
	return m.value != ""
}
