package fieldenc

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leon4s4/kafka-http-source-connector/core"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func newTestEncryptor(t *testing.T, rules string) *Encryptor {
	t.Helper()
	enc, err := New(core.EncryptionConfig{
		Enabled: true,
		Key:     testKey(t),
		Rules:   rules,
	}, &core.NoOpLogger{})
	require.NoError(t, err)
	return enc
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules("ssn:RANDOM_AUTHENTICATED,api3.revenue:DETERMINISTIC_AUTHENTICATED")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, 0, rules[0].Endpoint)
	assert.Equal(t, []string{"ssn"}, rules[0].Path)
	assert.Equal(t, ModeRandomAuthenticated, rules[0].Mode)

	assert.Equal(t, 3, rules[1].Endpoint)
	assert.Equal(t, []string{"revenue"}, rules[1].Path)
	assert.Equal(t, ModeDeterministicAuthenticated, rules[1].Mode)
}

func TestParseRulesAliases(t *testing.T) {
	rules, err := ParseRules("a:AES_GCM,b:RANDOM")
	require.NoError(t, err)
	assert.Equal(t, ModeRandomAuthenticated, rules[0].Mode)
	assert.Equal(t, ModeRandomAuthenticated, rules[1].Mode)

	_, err = ParseRules("a:NO_SUCH_MODE")
	assert.Error(t, err)

	_, err = ParseRules("missing-mode")
	assert.Error(t, err)
}

func TestParseRulesRejectsOverlap(t *testing.T) {
	_, err := ParseRules("user.name:RANDOM_AUTHENTICATED,user:DETERMINISTIC_AUTHENTICATED")
	assert.Error(t, err)

	// Different endpoints never overlap
	_, err = ParseRules("api1.user:RANDOM_AUTHENTICATED,api2.user:DETERMINISTIC_AUTHENTICATED")
	assert.NoError(t, err)
}

// TestEncryptionScoping is the rule-targeting scenario: a global rule
// plus an endpoint-scoped rule
func TestEncryptionScoping(t *testing.T) {
	enc := newTestEncryptor(t, "ssn:RANDOM_AUTHENTICATED,api3.revenue:DETERMINISTIC_AUTHENTICATED")

	record := map[string]interface{}{"ssn": "123-45-6789", "revenue": "1000"}

	// Endpoint 3: both rules apply
	out3 := enc.EncryptRecord(3, record).(map[string]interface{})
	assert.NotEqual(t, "123-45-6789", out3["ssn"])
	assert.NotEqual(t, "1000", out3["revenue"])

	// Endpoint 2: the api3 prefix does not match, revenue untouched
	out2 := enc.EncryptRecord(2, record).(map[string]interface{})
	assert.NotEqual(t, "123-45-6789", out2["ssn"])
	assert.Equal(t, "1000", out2["revenue"])

	// The input record itself is never mutated
	assert.Equal(t, "123-45-6789", record["ssn"])
}

func TestDeterministicStableRandomFresh(t *testing.T) {
	enc := newTestEncryptor(t, "ssn:RANDOM_AUTHENTICATED,api3.revenue:DETERMINISTIC_AUTHENTICATED")

	a := enc.EncryptRecord(3, map[string]interface{}{"ssn": "same", "revenue": "42"}).(map[string]interface{})
	b := enc.EncryptRecord(3, map[string]interface{}{"ssn": "same", "revenue": "42"}).(map[string]interface{})

	// Deterministic mode: identical plaintext, identical ciphertext
	assert.Equal(t, a["revenue"], b["revenue"])
	// Random mode: identical plaintext, different ciphertext
	assert.NotEqual(t, a["ssn"], b["ssn"])
}

func TestEncryptRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t, "secret:RANDOM_AUTHENTICATED,stable:DETERMINISTIC_AUTHENTICATED")

	out := enc.EncryptRecord(1, map[string]interface{}{
		"secret": "payload",
		"stable": "other",
	}).(map[string]interface{})

	plain, err := enc.Decrypt(out["secret"].(string))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	plain, err = enc.Decrypt(out["stable"].(string))
	require.NoError(t, err)
	assert.Equal(t, "other", string(plain))
}

func TestCiphertextLength(t *testing.T) {
	enc := newTestEncryptor(t, "f:RANDOM_AUTHENTICATED")

	plaintext := "0123456789"
	out := enc.EncryptRecord(1, map[string]interface{}{"f": plaintext}).(map[string]interface{})

	raw, err := base64.StdEncoding.DecodeString(out["f"].(string))
	require.NoError(t, err)
	// IV (12) plus ciphertext plus GCM tag (16)
	assert.GreaterOrEqual(t, len(raw), 12+len(plaintext)+16)
}

func TestMissingFieldIsNoOp(t *testing.T) {
	enc := newTestEncryptor(t, "absent.deep:RANDOM_AUTHENTICATED")

	record := map[string]interface{}{"present": "x"}
	out := enc.EncryptRecord(1, record).(map[string]interface{})

	assert.Equal(t, "x", out["present"])
	_, inserted := out["absent"]
	assert.False(t, inserted, "encryption must never insert keys")
}

func TestNestedFieldEncryption(t *testing.T) {
	enc := newTestEncryptor(t, "user.contact.email:RANDOM_AUTHENTICATED")

	out := enc.EncryptRecord(1, map[string]interface{}{
		"user": map[string]interface{}{
			"contact": map[string]interface{}{"email": "a@b.c", "phone": "555"},
		},
	}).(map[string]interface{})

	contact := out["user"].(map[string]interface{})["contact"].(map[string]interface{})
	assert.NotEqual(t, "a@b.c", contact["email"])
	assert.Equal(t, "555", contact["phone"])

	plain, err := enc.Decrypt(contact["email"].(string))
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", string(plain))
}

func TestNonScalarTargetIsNoOp(t *testing.T) {
	enc := newTestEncryptor(t, "nested:RANDOM_AUTHENTICATED")

	record := map[string]interface{}{
		"nested": map[string]interface{}{"inner": "v"},
	}
	out := enc.EncryptRecord(1, record).(map[string]interface{})

	nested, ok := out["nested"].(map[string]interface{})
	require.True(t, ok, "non-scalar target must stay a map")
	assert.Equal(t, "v", nested["inner"])
}

func TestDisabledEncryptorPassesThrough(t *testing.T) {
	enc, err := New(core.EncryptionConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.Nil(t, enc)

	record := map[string]interface{}{"ssn": "raw"}
	out := enc.EncryptRecord(1, record)
	assert.Equal(t, record["ssn"], out.(map[string]interface{})["ssn"])
}

func TestInvalidKeyRejected(t *testing.T) {
	_, err := New(core.EncryptionConfig{
		Enabled: true,
		Key:     "dG9vLXNob3J0", // valid base64, wrong length
		Rules:   "a:RANDOM_AUTHENTICATED",
	}, nil)
	assert.ErrorIs(t, err, core.ErrEncryptionKey)
}
