// Package jsonptr implements RFC 6901 JSON pointer evaluation over the
// dynamic value tree the connector uses for every decoded response body.
//
// The tree is the standard Go dynamic representation: map[string]interface{}
// for objects, []interface{} for arrays, string, json.Number, bool and nil
// for primitives. Numbers decode as json.Number so integer and float
// payloads survive a round trip without precision loss.
package jsonptr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Decode parses a JSON document into the dynamic value tree
func Decode(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding response body: %w", err)
	}
	return doc, nil
}

// Eval resolves a JSON pointer against a decoded document.
// Missing paths yield (nil, false), not an error; this is the
// "pointer miss" signal callers act on. The empty pointer returns the
// whole document.
func Eval(pointer string, doc interface{}) (interface{}, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}

	current := doc
	for _, token := range strings.Split(pointer[1:], "/") {
		token = Unescape(token)
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[token]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Unescape applies the RFC 6901 escape sequences: ~1 becomes / and
// ~0 becomes ~. Order matters; ~01 must decode to ~1, not /.
func Unescape(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}

// Escape is the inverse of Unescape
func Escape(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// Records normalizes an extraction result into a record slice: an array
// yields its elements in order, a single object yields itself, nil
// yields nothing.
func Records(v interface{}) []interface{} {
	switch node := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return node
	default:
		return []interface{}{node}
	}
}

// Scalar reports whether v is a leaf value (string, number, bool)
func Scalar(v interface{}) bool {
	switch v.(type) {
	case string, json.Number, bool, float64, int, int64:
		return true
	}
	return false
}

// String renders a scalar extraction result the way it appears in the
// document: strings verbatim, numbers and booleans in their JSON form.
// Non-scalar values render as compact JSON.
func String(v interface{}) string {
	switch node := v.(type) {
	case nil:
		return ""
	case string:
		return node
	case json.Number:
		return node.String()
	case bool:
		return strconv.FormatBool(node)
	default:
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Sprintf("%v", node)
		}
		return string(data)
	}
}

// DeepCopy clones a value tree. Encryption mutates record copies so the
// emitted record never aliases cached response data.
func DeepCopy(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, val := range node {
			out[k] = DeepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, val := range node {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return node
	}
}
