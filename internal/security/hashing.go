package security

import (
	"errors"
	"regexp"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordTooLong is returned by Hash for input longer than bcrypt accepts (72 bytes).
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// ErrEmptyPassword is returned by Hash for an empty password.
var ErrEmptyPassword = errors.New("password is empty")

// bcryptHashPattern matches a well-formed bcrypt hash: version, two-digit cost,
// then 22 salt and 31 digest characters in bcrypt's base64 alphabet.
var bcryptHashPattern = regexp.MustCompile(`^\$2[aby]?\$\d{2}\$[./A-Za-z0-9]{53}$`)

// dummyPlaintext seeds the hash used to equalise timing; its result is always discarded.
const dummyPlaintext = "sitinov-auth timing equaliser"

// Hasher hashes and verifies passwords using bcrypt. Callers must not log or
// persist plaintext passwords.
type Hasher struct {
	Cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher returns a Hasher with the given bcrypt cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash produces a salted bcrypt hash of password. Two calls with the same input
// return different strings that both verify.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > 72 {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrPasswordTooLong
		}
		return "", err
	}
	return string(b), nil
}

// Verify reports whether password matches hash. It never fails on a malformed
// hash: such input is compared against an internal dummy hash of the same cost so
// the call takes as long as a genuine mismatch.
func (h *Hasher) Verify(password, hash string) bool {
	stored := []byte(hash)
	if _, err := bcrypt.Cost(stored); err != nil || !bcryptHashPattern.Match(stored) {
		h.Equalize(password)
		return false
	}
	if len(password) > 72 {
		// bcrypt only reads 72 bytes; never accept a truncated match.
		_ = bcrypt.CompareHashAndPassword(stored, []byte(password[:72]))
		return false
	}
	return bcrypt.CompareHashAndPassword(stored, []byte(password)) == nil
}

// Equalize burns one comparison worth of CPU. Login calls it for unknown
// accounts so their latency matches a wrong password.
func (h *Hasher) Equalize(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash(), []byte(password))
}

func (h *Hasher) dummyHash() []byte {
	h.dummyOnce.Do(func() {
		b, err := bcrypt.GenerateFromPassword([]byte(dummyPlaintext), h.Cost)
		if err != nil {
			// Only reachable with an out-of-range cost, which NewHasher clamps.
			panic("security: dummy hash: " + err.Error())
		}
		h.dummy = b
	})
	return h.dummy
}
