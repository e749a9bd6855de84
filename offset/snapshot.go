package offset

import (
	"strconv"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/jsonptr"
)

// snapshot implements SNAPSHOT_PAGINATION: the endpoint returns a
// growing snapshot and the manager remembers the largest record key it
// has processed. Only records whose key is strictly greater than the
// stored key are emitted; Update then moves the key to the maximum
// observed.
//
// Keys compare numerically when both sides parse as base-10 integers,
// lexicographically otherwise.
type snapshot struct {
	spec    *core.EndpointConfig
	baseURL string
	logger  core.Logger
	lastKey string
	hasKey  bool
}

func newSnapshot(spec *core.EndpointConfig, baseURL string, logger core.Logger) *snapshot {
	s := &snapshot{
		spec:    spec,
		baseURL: baseURL,
		logger:  logger,
	}
	if spec.InitialOffset != "" {
		s.lastKey = spec.InitialOffset
		s.hasKey = true
	}
	return s
}

func (m *snapshot) Current() string {
	return m.lastKey
}

// Filter keeps records strictly beyond the stored key, in response
// order. Records without an extractable key are dropped with a warning
// so a malformed element cannot be emitted twice on every poll.
func (m *snapshot) Filter(records []interface{}) []interface{} {
	out := make([]interface{}, 0, len(records))
	for _, rec := range records {
		keyVal, ok := jsonptr.Eval(m.spec.OffsetKeyPointer, rec)
		if !ok || keyVal == nil {
			m.logger.Warn("Snapshot record has no key; skipping", map[string]interface{}{
				"operation": "snapshot_key_missing",
				"endpoint":  m.spec.ID,
				"pointer":   m.spec.OffsetKeyPointer,
			})
			continue
		}
		key := jsonptr.String(keyVal)
		if !m.hasKey || compareKeys(key, m.lastKey) > 0 {
			out = append(out, rec)
		}
	}
	return out
}

// Update moves the stored key to the maximum observed among the
// emitted records. The key never decreases.
func (m *snapshot) Update(body interface{}, emitted []interface{}) error {
	maxKey := m.lastKey
	hasMax := m.hasKey
	for _, rec := range emitted {
		keyVal, ok := jsonptr.Eval(m.spec.OffsetKeyPointer, rec)
		if !ok || keyVal == nil {
			continue
		}
		key := jsonptr.String(keyVal)
		if !hasMax || compareKeys(key, maxKey) > 0 {
			maxKey = key
			hasMax = true
		}
	}
	m.lastKey = maxKey
	m.hasKey = hasMax
	return nil
}

func (m *snapshot) Reset() {
	m.lastKey = m.spec.InitialOffset
	m.hasKey = m.spec.InitialOffset != ""
}

func (m *snapshot) PartitionKey() map[string]string {
	return linearPartitionKey(m.baseURL, m.spec.Path)
}

func (m *snapshot) Checkpoint() map[string]string {
	if !m.hasKey {
		return map[string]string{checkpointLastKey: ""}
	}
	return map[string]string{checkpointLastKey: m.lastKey}
}

func (m *snapshot) Restore(persisted map[string]string) error {
	if persisted == nil {
		return nil
	}
	if key, ok := persisted[checkpointLastKey]; ok && key != "" {
		m.lastKey = key
		m.hasKey = true
	}
	return nil
}

func (m *snapshot) BuildRequest() (string, error) {
	return joinURL(m.baseURL, m.spec.Path), nil
}

// compareKeys returns the sign of a-b under the configured comparison:
// numeric when both sides parse as base-10 integers, lexicographic
// otherwise
func compareKeys(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
