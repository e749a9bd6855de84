// Package fieldenc applies rule-targeted field-level encryption to
// outgoing records.
//
// Rules are parsed once from the "path:MODE,apiN.path:MODE,..." string.
// A rule applies to an endpoint when its apiN prefix matches the
// endpoint id, or when it carries no prefix at all. Targets are
// dot-notation paths into the decoded record tree; a missing target is
// a no-op and keys are never inserted.
//
// Two modes share AES-256-GCM with a 128-bit tag:
//   - RANDOM_AUTHENTICATED: fresh 12-byte IV per value, so equal
//     plaintexts produce different ciphertexts
//   - DETERMINISTIC_AUTHENTICATED: IV is the first 12 bytes of
//     SHA-256(plaintext), so equal plaintexts produce equal ciphertexts
//     (join-friendly at the cost of equality leakage)
//
// The wire form of an encrypted field is base64(IV || ciphertext || tag).
package fieldenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/jsonptr"
)

// Mode selects the IV derivation strategy
type Mode string

const (
	ModeRandomAuthenticated        Mode = "RANDOM_AUTHENTICATED"
	ModeDeterministicAuthenticated Mode = "DETERMINISTIC_AUTHENTICATED"
)

const ivSize = 12

// Rule targets one field path, optionally scoped to one endpoint
type Rule struct {
	// Endpoint scopes the rule to one endpoint id; 0 means global
	Endpoint int

	// Path is the dot-notation target split into segments
	Path []string

	Mode Mode
}

var apiPrefixRe = regexp.MustCompile(`^api([0-9]+)$`)

// ParseRules parses the field.encryption.rules property. Rule order is
// preserved but must not matter: overlapping targets are rejected.
func ParseRules(raw string) ([]Rule, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var rules []Rule
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pathPart, modePart, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("%w: encryption rule %q missing mode", core.ErrInvalidConfiguration, item)
		}

		mode, err := parseMode(strings.TrimSpace(modePart))
		if err != nil {
			return nil, err
		}

		segments := strings.Split(strings.TrimSpace(pathPart), ".")
		rule := Rule{Mode: mode}
		if m := apiPrefixRe.FindStringSubmatch(segments[0]); m != nil && len(segments) > 1 {
			id, _ := strconv.Atoi(m[1])
			rule.Endpoint = id
			segments = segments[1:]
		}
		rule.Path = segments
		rules = append(rules, rule)
	}

	// Overlapping targets would make the result order-dependent
	for i := range rules {
		for j := i + 1; j < len(rules); j++ {
			if rulesOverlap(rules[i], rules[j]) {
				return nil, fmt.Errorf("%w: encryption rules %q and %q target overlapping paths",
					core.ErrInvalidConfiguration, strings.Join(rules[i].Path, "."), strings.Join(rules[j].Path, "."))
			}
		}
	}
	return rules, nil
}

func parseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "RANDOM_AUTHENTICATED", "AES_GCM", "RANDOM":
		// AES_GCM and RANDOM are historical aliases of the random-IV mode
		return ModeRandomAuthenticated, nil
	case "DETERMINISTIC_AUTHENTICATED", "DETERMINISTIC":
		return ModeDeterministicAuthenticated, nil
	default:
		return "", fmt.Errorf("%w: encryption mode %q", core.ErrInvalidConfiguration, s)
	}
}

// rulesOverlap reports whether two rules could target the same field:
// same or prefix-related paths in intersecting endpoint scopes
func rulesOverlap(a, b Rule) bool {
	if a.Endpoint != 0 && b.Endpoint != 0 && a.Endpoint != b.Endpoint {
		return false
	}
	shorter, longer := a.Path, b.Path
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	for i := range shorter {
		if shorter[i] != longer[i] {
			return false
		}
	}
	return true
}

// Encryptor applies the parsed rule table to outgoing records. It is
// safe for concurrent use by multiple runners.
type Encryptor struct {
	aead   cipher.AEAD
	rules  []Rule
	logger core.Logger
}

// New builds the encryptor. When no key is configured a fresh 256-bit
// key is generated and logged once so operators can capture it; records
// encrypted under a lost key are unrecoverable.
func New(cfg core.EncryptionConfig, logger core.Logger) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/fieldenc")
	}

	var key []byte
	if cfg.Key != "" {
		decoded, err := base64.StdEncoding.DecodeString(cfg.Key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("%w: field.encryption.key must be base64 of 32 bytes", core.ErrEncryptionKey)
		}
		key = decoded
	} else {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: generating key: %v", core.ErrEncryptionKey, err)
		}
		logger.Warn("Generated a new field encryption key", map[string]interface{}{
			"operation": "fieldenc_key_generated",
			"key":       base64.StdEncoding.EncodeToString(key),
			"action":    "Persist this key; records cannot be decrypted without it",
		})
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncryptionKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncryptionKey, err)
	}

	rules, err := ParseRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	return &Encryptor{
		aead:   aead,
		rules:  rules,
		logger: logger,
	}, nil
}

// EncryptRecord deep-copies the record and applies every rule scoped to
// the endpoint. A failing rule logs a warning and leaves the field
// unchanged; records are never dropped for encryption errors. A nil
// *Encryptor passes records through, representing the disabled state.
func (e *Encryptor) EncryptRecord(endpointID int, record interface{}) interface{} {
	if e == nil || len(e.rules) == 0 {
		return record
	}

	out := jsonptr.DeepCopy(record)
	for _, rule := range e.rules {
		if rule.Endpoint != 0 && rule.Endpoint != endpointID {
			continue
		}
		if err := e.applyRule(rule, out); err != nil {
			e.logger.Warn("Field encryption rule failed; emitting field unchanged", map[string]interface{}{
				"operation": "fieldenc_rule_failed",
				"endpoint":  endpointID,
				"path":      strings.Join(rule.Path, "."),
				"error":     err.Error(),
			})
		}
	}
	return out
}

// applyRule navigates to the rule target and replaces a present scalar
// value with its ciphertext. Absent targets and non-scalar values are
// no-ops.
func (e *Encryptor) applyRule(rule Rule, record interface{}) error {
	parent, ok := record.(map[string]interface{})
	if !ok {
		return nil
	}
	for _, segment := range rule.Path[:len(rule.Path)-1] {
		child, ok := parent[segment]
		if !ok {
			return nil
		}
		parent, ok = child.(map[string]interface{})
		if !ok {
			return nil
		}
	}

	leaf := rule.Path[len(rule.Path)-1]
	value, ok := parent[leaf]
	if !ok || !jsonptr.Scalar(value) {
		return nil
	}

	plaintext, err := scalarBytes(value)
	if err != nil {
		return err
	}
	ciphertext, err := e.encrypt(plaintext, rule.Mode)
	if err != nil {
		return err
	}
	parent[leaf] = ciphertext
	return nil
}

// scalarBytes renders the plaintext to encrypt: strings as raw bytes,
// other scalars in their JSON form
func scalarBytes(v interface{}) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	if n, ok := v.(json.Number); ok {
		return []byte(n.String()), nil
	}
	return json.Marshal(v)
}

func (e *Encryptor) encrypt(plaintext []byte, mode Mode) (string, error) {
	iv := make([]byte, ivSize)
	switch mode {
	case ModeDeterministicAuthenticated:
		digest := sha256.Sum256(plaintext)
		copy(iv, digest[:ivSize])
	default:
		if _, err := rand.Read(iv); err != nil {
			return "", err
		}
	}

	sealed := e.aead.Seal(nil, iv, plaintext, nil)
	payload := make([]byte, 0, ivSize+len(sealed))
	payload = append(payload, iv...)
	payload = append(payload, sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt reverses encrypt for any mode; recipients share the key
func (e *Encryptor) Decrypt(value string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	if len(payload) < ivSize+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext shorter than IV plus tag")
	}
	return e.aead.Open(nil, payload[:ivSize], payload[ivSize:], nil)
}
