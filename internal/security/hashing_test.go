package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_HashAndVerify(t *testing.T) {
	h := NewHasher(4)
	hash, err := h.Hash("Secure123!")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	assert.True(t, h.Verify("Secure123!", hash))
}

func TestHasher_VerifyWrongPassword(t *testing.T) {
	h := NewHasher(4)
	hash, err := h.Hash("Secure123!")
	require.NoError(t, err)
	assert.False(t, h.Verify("secure123!", hash))
	assert.False(t, h.Verify("", hash))
}

func TestHasher_SaltUniqueness(t *testing.T) {
	h := NewHasher(4)
	a, err := h.Hash("same-input")
	require.NoError(t, err)
	b, err := h.Hash("same-input")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two hashes of one password must differ")
	assert.True(t, h.Verify("same-input", a))
	assert.True(t, h.Verify("same-input", b))
}

func TestHasher_VerifyMalformedHash(t *testing.T) {
	h := NewHasher(4)
	for _, hash := range []string{
		"",
		"not-a-hash",
		"$2a$04$short",
		"$2a$99$" + strings.Repeat("a", 53),
		strings.Repeat("x", 60),
		"$2a$04$" + strings.Repeat("!", 53),
		"$2a$04$" + strings.Repeat("a", 52) + "\n",
	} {
		assert.False(t, h.Verify("anything", hash), "hash %q", hash)
	}
}

func TestHasher_VerifyMalformedHashTakesFullComparison(t *testing.T) {
	h := NewHasher(10)
	good, err := h.Hash("Secure123!")
	require.NoError(t, err)
	h.Equalize("warm")

	elapsed := func(hash string) time.Duration {
		start := time.Now()
		assert.False(t, h.Verify("wrong-password", hash))
		return time.Since(start)
	}
	mismatch := elapsed(good)
	malformed := elapsed("$2a$10$" + strings.Repeat("!", 53))

	// Both paths run one cost-10 comparison; an early return would be orders of
	// magnitude faster.
	assert.Greater(t, malformed, mismatch/4, "mismatch %s, malformed %s", mismatch, malformed)
}

func TestHasher_RejectsOverlongInput(t *testing.T) {
	h := NewHasher(4)
	long := strings.Repeat("p", 73)

	_, err := h.Hash(long)
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	hash, err := h.Hash(long[:72])
	require.NoError(t, err)
	assert.False(t, h.Verify(long, hash), "a truncated prefix must not verify")
}

func TestHasher_RejectsEmpty(t *testing.T) {
	_, err := NewHasher(4).Hash("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestHasher_Cost(t *testing.T) {
	assert.Equal(t, 12, NewHasher(12).Cost)
	assert.GreaterOrEqual(t, NewHasher(0).Cost, 4)
	assert.Equal(t, 31, NewHasher(99).Cost)
	assert.Equal(t, 4, NewHasher(1).Cost)
}
