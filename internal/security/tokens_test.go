package security

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitinov-auth/backend/internal/secretstore"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCodec() (*JWTCodec, *testClock) {
	clock := &testClock{t: testStart}
	return NewJWTCodec("test-issuer", "test-audience").WithClock(clock.Now), clock
}

func testBundle(secret string, ttl time.Duration) *secretstore.Bundle {
	return secretstore.NewSymmetricBundle("test", []byte(secret), ttl, testStart)
}

func testClaims() SessionClaims {
	return SessionClaims{Subject: "user-1", Email: "a@x.com", Role: "USER"}
}

func TestJWTCodec_RoundTrip(t *testing.T) {
	c, _ := newTestCodec()
	b := testBundle("key-a", time.Hour)

	token, issued, err := c.Issue(testClaims(), b)
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)
	assert.NotEmpty(t, issued.ID)
	assert.Equal(t, testStart, issued.IssuedAt)
	assert.Equal(t, testStart.Add(time.Hour), issued.ExpiresAt)

	got, err := c.Validate(token, b)
	require.NoError(t, err)
	assert.Equal(t, issued, got)
}

func TestJWTCodec_RoundTripSubSecondIssuedAt(t *testing.T) {
	c, clock := newTestCodec()
	b := testBundle("key-a", 24*time.Hour)

	for i := 0; i < 50; i++ {
		clock.Advance(123*time.Millisecond + 456*time.Microsecond)
		token, issued, err := c.Issue(testClaims(), b)
		require.NoError(t, err)
		got, err := c.Validate(token, b)
		require.NoError(t, err)
		require.Equal(t, issued.IssuedAt, got.IssuedAt)
		require.Equal(t, issued.ExpiresAt, got.ExpiresAt)
	}
}

func TestJWTCodec_SetsKeyID(t *testing.T) {
	c, _ := newTestCodec()
	b := testBundle("key-a", time.Hour)

	token, _, err := c.Issue(testClaims(), b)
	require.NoError(t, err)
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, parsed.Header["kid"])
	assert.Equal(t, "HS256", parsed.Header["alg"])
}

func TestJWTCodec_MillisecondDatesWithoutGlobalPrecision(t *testing.T) {
	c, clock := newTestCodec()
	clock.Advance(250 * time.Millisecond)
	b := testBundle("key-a", time.Hour)

	token, _, err := c.Issue(testClaims(), b)
	require.NoError(t, err)
	assert.Equal(t, time.Second, jwt.TimePrecision, "package-wide precision is untouched")

	raw, err := base64.RawURLEncoding.DecodeString(strings.Split(token, ".")[1])
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	require.NoError(t, dec.Decode(&payload))
	assert.Equal(t, json.Number(fmt.Sprintf("%d.250", testStart.Unix())), payload["iat"])
	assert.Equal(t, json.Number(fmt.Sprintf("%d.250", testStart.Add(time.Hour).Unix())), payload["exp"])

	// Tokens from other issuers with integer dates still validate.
	std := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "test-issuer",
		Audience:  jwt.ClaimStrings{"test-audience"},
		IssuedAt:  jwt.NewNumericDate(testStart),
		ExpiresAt: jwt.NewNumericDate(testStart.Add(time.Hour)),
	})
	signed, err := std.SignedString(b.Secret)
	require.NoError(t, err)
	got, err := c.Validate(signed, b)
	require.NoError(t, err)
	assert.Equal(t, testStart, got.IssuedAt)
}

func TestTokenKeyID(t *testing.T) {
	c, _ := newTestCodec()
	b := testBundle("key-a", time.Hour)
	token, _, err := c.Issue(testClaims(), b)
	require.NoError(t, err)

	assert.Equal(t, b.ID, TokenKeyID(token))
	assert.Empty(t, TokenKeyID("not.a.token"))
	assert.Empty(t, TokenKeyID(""))
}

func TestJWTCodec_IssuedAtStrictlyIncreases(t *testing.T) {
	c, _ := newTestCodec()
	b := testBundle("key-a", time.Hour)

	// The clock is frozen; issued-at must still move forward.
	var last time.Time
	for i := 0; i < 5; i++ {
		_, issued, err := c.Issue(testClaims(), b)
		require.NoError(t, err)
		assert.True(t, issued.IssuedAt.After(last), "iteration %d", i)
		last = issued.IssuedAt
	}
}

func TestJWTCodec_Expired(t *testing.T) {
	c, clock := newTestCodec()
	b := testBundle("key-a", time.Minute)

	token, _, err := c.Issue(testClaims(), b)
	require.NoError(t, err)

	clock.Advance(time.Minute - time.Millisecond)
	_, err = c.Validate(token, b)
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = c.Validate(token, b)
	require.ErrorIs(t, err, ErrInvalidToken)
	reason, ok := RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, ReasonExpired, reason)
}

func TestJWTCodec_BadSignature(t *testing.T) {
	c, _ := newTestCodec()
	a := testBundle("key-a", time.Hour)
	other := testBundle("key-b", time.Hour)

	token, _, err := c.Issue(testClaims(), a)
	require.NoError(t, err)

	_, err = c.Validate(token, other)
	reason, _ := RejectionReason(err)
	assert.Equal(t, ReasonBadSignature, reason)

	// Tampering with the payload breaks the signature too.
	parts := strings.Split(token, ".")
	forged, _, err := c.Issue(SessionClaims{Subject: "admin", Role: "ADMIN"}, other)
	require.NoError(t, err)
	parts[1] = strings.Split(forged, ".")[1]
	_, err = c.Validate(strings.Join(parts, "."), a)
	reason, _ = RejectionReason(err)
	assert.Equal(t, ReasonBadSignature, reason)
}

func TestJWTCodec_AlgorithmMismatchIsBadSignature(t *testing.T) {
	c, _ := newTestCodec()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ec, err := secretstore.NewAsymmetricBundle("test", key, time.Hour, testStart)
	require.NoError(t, err)

	token, _, err := c.Issue(testClaims(), testBundle("key-a", time.Hour))
	require.NoError(t, err)
	_, err = c.Validate(token, ec)
	reason, _ := RejectionReason(err)
	assert.Equal(t, ReasonBadSignature, reason)
}

func TestJWTCodec_Malformed(t *testing.T) {
	c, _ := newTestCodec()
	b := testBundle("key-a", time.Hour)

	for _, token := range []string{"", "abc", "a.b", "a.b.c.d", "!!!.???.***"} {
		_, err := c.Validate(token, b)
		require.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
		reason, _ := RejectionReason(err)
		assert.Equal(t, ReasonMalformed, reason, "token %q", token)
	}
}

func TestJWTCodec_WrongIssuerIsMalformed(t *testing.T) {
	c, _ := newTestCodec()
	b := testBundle("key-a", time.Hour)
	foreign := NewJWTCodec("someone-else", "test-audience").WithClock(func() time.Time { return testStart })

	token, _, err := foreign.Issue(testClaims(), b)
	require.NoError(t, err)
	_, err = c.Validate(token, b)
	reason, _ := RejectionReason(err)
	assert.Equal(t, ReasonMalformed, reason)
}

func TestJWTCodec_Asymmetric(t *testing.T) {
	c, _ := newTestCodec()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signing, err := secretstore.NewAsymmetricBundle("test", key, time.Hour, testStart)
	require.NoError(t, err)
	verifyOnly := &secretstore.Bundle{ID: signing.ID, PublicKey: signing.PublicKey, TTL: time.Hour}

	token, issued, err := c.Issue(testClaims(), signing)
	require.NoError(t, err)
	got, err := c.Validate(token, verifyOnly)
	require.NoError(t, err)
	assert.Equal(t, issued, got)

	_, _, err = c.Issue(testClaims(), verifyOnly)
	assert.ErrorIs(t, err, ErrCannotSign)
}
