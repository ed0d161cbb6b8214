package secretstore

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the session token lifetime when a bundle carries no expires_in.
const DefaultTTL = 24 * time.Hour

// DevFallbackSecret signs tokens only when the backend is unreachable outside
// production and nothing was ever fetched. Tokens signed with it are worthless
// anywhere else by construction.
const DevFallbackSecret = "INSECURE-development-fallback-signing-secret"

// ErrInvalidBundle is returned when a backend secret has no usable key material.
var ErrInvalidBundle = errors.New("invalid signing bundle")

// Bundle is the signing material and token policy for one environment. A bundle
// is immutable once built; rotation produces a new value.
type Bundle struct {
	// ID identifies the verification key and is emitted as the token kid.
	ID          string
	Environment string
	// Secret is the HMAC key. Nil for asymmetric bundles.
	Secret []byte
	// PrivateKey signs and PublicKey verifies asymmetric bundles. PrivateKey may be
	// nil on verify-only bundles.
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	TTL        time.Duration
	FetchedAt  time.Time
	// Fallback marks the development fallback bundle.
	Fallback bool
}

// Algorithm returns the JWS algorithm the bundle signs with.
func (b *Bundle) Algorithm() string {
	if len(b.Secret) > 0 {
		return "HS256"
	}
	return KeyAlg(b.PublicKey)
}

// CanSign reports whether the bundle holds signing material.
func (b *Bundle) CanSign() bool {
	return len(b.Secret) > 0 || b.PrivateKey != nil
}

// NewSymmetricBundle builds an HMAC bundle. Used by tests and tooling that
// bypass the backend.
func NewSymmetricBundle(env string, secret []byte, ttl time.Duration, fetchedAt time.Time) *Bundle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Bundle{
		ID:          keyID(s),
		Environment: env,
		Secret:      s,
		TTL:         ttl,
		FetchedAt:   fetchedAt,
	}
}

// NewAsymmetricBundle builds an RS256/ES256 bundle from a signer.
func NewAsymmetricBundle(env string, signer crypto.Signer, ttl time.Duration, fetchedAt time.Time) (*Bundle, error) {
	if signer == nil || KeyAlg(signer.Public()) == "" {
		return nil, ErrInvalidKey
	}
	id, err := publicKeyID(signer.Public())
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Bundle{
		ID:          id,
		Environment: env,
		PrivateKey:  signer,
		PublicKey:   signer.Public(),
		TTL:         ttl,
		FetchedAt:   fetchedAt,
	}, nil
}

func devFallbackBundle(env string, now time.Time) *Bundle {
	b := NewSymmetricBundle(env, []byte(DevFallbackSecret), DefaultTTL, now)
	b.Fallback = true
	return b
}

// bundleFromFields converts backend secret fields into a Bundle.
// Recognised fields: secret, private_key, public_key, expires_in.
func bundleFromFields(env string, fields map[string]any, now time.Time) (*Bundle, error) {
	ttl, err := ParseTTL(fields["expires_in"])
	if err != nil {
		return nil, fmt.Errorf("%w: expires_in: %v", ErrInvalidBundle, err)
	}

	if secret := stringField(fields, "secret"); secret != "" {
		return NewSymmetricBundle(env, []byte(secret), ttl, now), nil
	}

	privPEM := stringField(fields, "private_key")
	pubPEM := stringField(fields, "public_key")
	switch {
	case privPEM != "":
		signer, err := ParsePrivateKey(privPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: private_key: %v", ErrInvalidBundle, err)
		}
		b, err := NewAsymmetricBundle(env, signer, ttl, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		if pubPEM != "" {
			pub, err := ParsePublicKey(pubPEM)
			if err != nil {
				return nil, fmt.Errorf("%w: public_key: %v", ErrInvalidBundle, err)
			}
			id, err := publicKeyID(pub)
			if err != nil || id != b.ID {
				return nil, fmt.Errorf("%w: public_key does not match private_key", ErrInvalidBundle)
			}
		}
		return b, nil
	case pubPEM != "":
		pub, err := ParsePublicKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: public_key: %v", ErrInvalidBundle, err)
		}
		id, err := publicKeyID(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		return &Bundle{ID: id, Environment: env, PublicKey: pub, TTL: ttl, FetchedAt: now}, nil
	default:
		return nil, fmt.Errorf("%w: no secret, private_key or public_key", ErrInvalidBundle)
	}
}

// ParseTTL reads a token lifetime. It accepts Go durations ("24h", "90m"), a day
// suffix ("7d") and bare seconds (86400 or "86400"). Nil or empty yields DefaultTTL.
func ParseTTL(v any) (time.Duration, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return DefaultTTL, nil
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultTTL, nil
	}

	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if d, err = scaleTTL(s, n, time.Second); err != nil {
			return 0, err
		}
	} else if strings.HasSuffix(s, "d") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "d"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if d, err = scaleTTL(s, n, 24*time.Hour); err != nil {
			return 0, err
		}
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", s)
	}
	return d, nil
}

// scaleTTL multiplies n by unit, rejecting products that overflow a Duration.
func scaleTTL(s string, n int64, unit time.Duration) (time.Duration, error) {
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("out of range duration %q", s)
	}
	return time.Duration(n) * unit, nil
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func intField(fields map[string]any, key string, def int) int {
	s := stringField(fields, key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
