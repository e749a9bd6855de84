// Package offset implements the five per-endpoint offset state
// machines: SIMPLE_INCREMENTING, CURSOR_PAGINATION, ODATA_PAGINATION,
// SNAPSHOT_PAGINATION and CHAINING.
//
// Every mode satisfies the same capability set: expose the current
// value, advance atomically from a completed poll, reset, identify its
// partition, persist/restore a checkpoint, and build the next request
// URL. Dispatch happens once, at construction, from the endpoint
// configuration; the mode never changes at runtime.
//
// Managers are owned by a single endpoint runner and are not safe for
// concurrent use.
package offset

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

// Placeholder tokens recognized in path templates
const (
	OffsetPlaceholder      = "${offset}"
	ParentValuePlaceholder = "${parent_value}"
)

// Persisted layout keys (host framework contract)
const (
	checkpointOffsetKey    = "offset"
	checkpointLastKey      = "last_key"
	checkpointTokenKindKey = "token_kind"
)

// Manager is the common capability set of all offset modes
type Manager interface {
	// Current returns the opaque offset value, "" when none is held
	Current() string

	// Update advances the offset from a completed poll. The whole
	// batch advances the offset or none of it does.
	Update(body interface{}, emitted []interface{}) error

	// Reset returns the manager to its initial value
	Reset()

	// PartitionKey identifies the offset stream this manager owns
	PartitionKey() map[string]string

	// Checkpoint returns the persisted offset layout. It is never nil;
	// before any progress the layout holds the initial or empty value
	Checkpoint() map[string]string

	// Restore loads a previously persisted layout; a nil map is a
	// fresh start
	Restore(persisted map[string]string) error

	// BuildRequest produces the absolute URL of the next request
	BuildRequest() (string, error)

	// Filter drops records that must not be emitted again. Only
	// SNAPSHOT_PAGINATION filters; other modes pass through.
	Filter(records []interface{}) []interface{}
}

// Continuer is implemented by modes that can hold a mid-pagination
// continuation token. The runner polls again without waiting a full
// interval while a productive poll leaves more pages behind.
type Continuer interface {
	HasMore() bool
}

// PerRecordCheckpointer is implemented by modes whose offset has
// per-record granularity; record i's checkpoint is the position to
// resume from after that record.
type PerRecordCheckpointer interface {
	CheckpointAfter(i int) map[string]string
}

// New constructs the manager for an endpoint's configured mode. For
// CHAINING children this builds the manager for the child's own inner
// mode; the runner wraps it per parent value via NewChained.
func New(spec *core.EndpointConfig, baseURL string, logger core.Logger) (Manager, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	switch spec.OffsetMode {
	case core.OffsetModeSimpleIncrementing:
		return newIncrementing(spec, baseURL)
	case core.OffsetModeCursorPagination:
		return newCursor(spec, baseURL), nil
	case core.OffsetModeODataPagination:
		return newOData(spec, baseURL), nil
	case core.OffsetModeSnapshotPagination:
		return newSnapshot(spec, baseURL, logger), nil
	case core.OffsetModeChaining:
		// A chaining child without an explicit inner mode counts
		// records per parent value
		return newIncrementing(spec, baseURL)
	default:
		return nil, fmt.Errorf("%w: offset mode %q", core.ErrInvalidConfiguration, spec.OffsetMode)
	}
}

// CanonicalURL is the stable endpoint identity used in partition keys.
// It is the configured template joined to the base URL, before any
// placeholder substitution, so the key survives offset progression.
func CanonicalURL(baseURL, path string) string {
	return joinURL(baseURL, path)
}

func joinURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// linearPartitionKey is the shape shared by all non-chained modes
func linearPartitionKey(baseURL, path string) map[string]string {
	return map[string]string{"url": CanonicalURL(baseURL, path)}
}

// substituteOffset replaces the ${offset} placeholder, or appends the
// value as the named query parameter when the template has no
// placeholder. An empty value leaves the template untouched apart from
// removing the placeholder. Appending works on the string level so a
// ${parent_value} placeholder still present in a child template
// survives untouched.
func substituteOffset(rawURL, value, paramName string) (string, error) {
	if strings.Contains(rawURL, OffsetPlaceholder) {
		return strings.ReplaceAll(rawURL, OffsetPlaceholder, url.QueryEscape(value)), nil
	}
	if value == "" {
		return rawURL, nil
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + paramName + "=" + url.QueryEscape(value), nil
}
