package security

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sitinov-auth/backend/internal/secretstore"
)

var (
	// ErrInvalidToken is matched by every validation failure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrCannotSign is returned when a bundle holds no signing material.
	ErrCannotSign = errors.New("bundle cannot sign")
)

// Reason says why a token was rejected. Reasons are logged, never returned to clients.
type Reason string

const (
	ReasonExpired      Reason = "expired"
	ReasonBadSignature Reason = "bad-signature"
	ReasonMalformed    Reason = "malformed"
)

// RejectedError is returned by Validate. It matches ErrInvalidToken.
type RejectedError struct {
	Reason Reason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err == nil {
		return "token rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("token rejected: %s: %v", e.Reason, e.Err)
}

func (e *RejectedError) Is(target error) bool { return target == ErrInvalidToken }

func (e *RejectedError) Unwrap() error { return e.Err }

// RejectionReason extracts the Reason from a Validate error.
func RejectionReason(err error) (Reason, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// SessionClaims is the identity carried by a session token.
type SessionClaims struct {
	ID        string    `json:"jti"`
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Remaining returns how long the token stays valid after now.
func (c *SessionClaims) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// tokenClaims is the wire form of SessionClaims. iat and exp are NumericDates with
// a millisecond fraction so successive tokens for one user order strictly; the
// jwt package's global TimePrecision is left alone.
type tokenClaims struct {
	ID        string           `json:"jti,omitempty"`
	Subject   string           `json:"sub,omitempty"`
	Issuer    string           `json:"iss,omitempty"`
	Audience  jwt.ClaimStrings `json:"aud,omitempty"`
	IssuedAt  *millisDate      `json:"iat,omitempty"`
	ExpiresAt *millisDate      `json:"exp,omitempty"`
	Email     string           `json:"email,omitempty"`
	Role      string           `json:"role,omitempty"`
}

var _ jwt.Claims = tokenClaims{}

func (c tokenClaims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt.numeric(), nil }
func (c tokenClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt.numeric(), nil }
func (c tokenClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c tokenClaims) GetIssuer() (string, error)                   { return c.Issuer, nil }
func (c tokenClaims) GetSubject() (string, error)                  { return c.Subject, nil }
func (c tokenClaims) GetAudience() (jwt.ClaimStrings, error)       { return c.Audience, nil }

// millisDate is a NumericDate encoded as seconds with exactly three decimals.
type millisDate struct {
	time.Time
}

func newMillisDate(t time.Time) *millisDate {
	return &millisDate{Time: time.UnixMilli(t.UnixMilli()).UTC()}
}

func (d *millisDate) numeric() *jwt.NumericDate {
	if d == nil {
		return nil
	}
	return &jwt.NumericDate{Time: d.Time}
}

// MarshalJSON implements json.Marshaler.
func (d millisDate) MarshalJSON() ([]byte, error) {
	ms := d.UnixMilli()
	sign := ""
	if ms < 0 {
		sign, ms = "-", -ms
	}
	return []byte(fmt.Sprintf("%s%d.%03d", sign, ms/1000, ms%1000)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Integer and fractional seconds are
// accepted; fractions are rounded to the millisecond.
func (d *millisDate) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("could not parse NumericDate: %w", err)
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("could not convert NumericDate: %w", err)
	}
	d.Time = time.UnixMilli(int64(math.Round(f * 1000))).UTC()
	return nil
}

// TokenCodec issues and validates compact signed session tokens.
type TokenCodec interface {
	// Issue signs claims with bundle. ID, IssuedAt and ExpiresAt are assigned by
	// the codec; the returned claims are exactly what Validate will yield.
	Issue(claims SessionClaims, bundle *secretstore.Bundle) (string, *SessionClaims, error)
	// Validate verifies token against bundle. Failures are *RejectedError.
	Validate(token string, bundle *secretstore.Bundle) (*SessionClaims, error)
}

// JWTCodec is the TokenCodec for JWS compact tokens (HS256, RS256 or ES256,
// following the bundle). The bundle ID is written as the kid header.
type JWTCodec struct {
	issuer   string
	audience string
	now      func() time.Time

	// lastIssued is the previous issued-at in unix milliseconds.
	lastIssued atomic.Int64
}

var _ TokenCodec = (*JWTCodec)(nil)

// NewJWTCodec returns a codec that stamps and requires issuer and audience.
func NewJWTCodec(issuer, audience string) *JWTCodec {
	return &JWTCodec{issuer: issuer, audience: audience, now: time.Now}
}

// WithClock replaces the codec's time source. Used by tests.
func (c *JWTCodec) WithClock(now func() time.Time) *JWTCodec {
	c.now = now
	return c
}

// Issue implements TokenCodec.
func (c *JWTCodec) Issue(claims SessionClaims, bundle *secretstore.Bundle) (string, *SessionClaims, error) {
	if bundle == nil || !bundle.CanSign() {
		return "", nil, ErrCannotSign
	}
	method := jwt.GetSigningMethod(bundle.Algorithm())
	if method == nil {
		return "", nil, ErrCannotSign
	}
	jti, err := generateJTI()
	if err != nil {
		return "", nil, err
	}

	iat := c.issuedAt()
	out := claims
	out.ID = jti
	out.IssuedAt = iat
	out.ExpiresAt = iat.Add(bundle.TTL).Truncate(time.Millisecond)

	reg := tokenClaims{
		ID:        out.ID,
		Subject:   out.Subject,
		Issuer:    c.issuer,
		IssuedAt:  newMillisDate(out.IssuedAt),
		ExpiresAt: newMillisDate(out.ExpiresAt),
		Email:     out.Email,
		Role:      out.Role,
	}
	if c.audience != "" {
		reg.Audience = jwt.ClaimStrings{c.audience}
	}
	t := jwt.NewWithClaims(method, reg)
	t.Header["kid"] = bundle.ID

	var key any = bundle.PrivateKey
	if len(bundle.Secret) > 0 {
		key = bundle.Secret
	}
	signed, err := t.SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("security: sign token: %w", err)
	}
	return signed, &out, nil
}

// issuedAt returns now at millisecond precision, bumped past the previous
// issuance so that no two tokens from this codec share an issued-at.
func (c *JWTCodec) issuedAt() time.Time {
	now := c.now().UnixMilli()
	for {
		last := c.lastIssued.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if c.lastIssued.CompareAndSwap(last, next) {
			return time.UnixMilli(next).UTC()
		}
	}
}

// Validate implements TokenCodec.
func (c *JWTCodec) Validate(token string, bundle *secretstore.Bundle) (*SessionClaims, error) {
	if bundle == nil {
		return nil, &RejectedError{Reason: ReasonBadSignature, Err: errors.New("no bundle")}
	}
	var key any = bundle.PublicKey
	if len(bundle.Secret) > 0 {
		key = bundle.Secret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{bundle.Algorithm()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
	}
	if c.audience != "" {
		opts = append(opts, jwt.WithAudience(c.audience))
	}
	var reg tokenClaims
	_, err := jwt.ParseWithClaims(token, &reg, func(*jwt.Token) (any, error) { return key, nil }, opts...)
	if err != nil {
		return nil, &RejectedError{Reason: reasonFor(err), Err: err}
	}
	if reg.Subject == "" || reg.IssuedAt == nil {
		return nil, &RejectedError{Reason: ReasonMalformed, Err: errors.New("missing sub or iat")}
	}

	out := &SessionClaims{
		ID:        reg.ID,
		Subject:   reg.Subject,
		Email:     reg.Email,
		Role:      reg.Role,
		IssuedAt:  reg.IssuedAt.Time,
		ExpiresAt: reg.ExpiresAt.Time,
	}
	if !c.now().Before(out.ExpiresAt) {
		return nil, &RejectedError{Reason: ReasonExpired, Err: jwt.ErrTokenExpired}
	}
	return out, nil
}

// TokenKeyID returns the kid header of token without verifying anything. The
// result is attacker-controlled and only usable as a hint.
func TokenKeyID(token string) string {
	t, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	kid, _ := t.Header["kid"].(string)
	return kid
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	default:
		return ReasonMalformed
	}
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
