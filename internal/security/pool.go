package security

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// HashPool bounds how many bcrypt operations run at once. Hashing is the slowest
// step of every credential request; unbounded it lets a burst of logins starve
// the process.
type HashPool struct {
	hasher   *Hasher
	sem      *semaphore.Weighted
	duration metric.Float64Histogram
}

// NewHashPool returns a pool running at most size concurrent operations on hasher.
func NewHashPool(hasher *Hasher, size int) *HashPool {
	if size <= 0 {
		size = 1
	}
	hist, _ := otel.Meter("sitinov-auth/security").Float64Histogram(
		"auth.password_hash.duration",
		metric.WithDescription("Time spent in bcrypt, excluding queueing."),
		metric.WithUnit("s"),
	)
	return &HashPool{hasher: hasher, sem: semaphore.NewWeighted(int64(size)), duration: hist}
}

// Hash hashes password once a slot is free. Returns ctx.Err() if ctx ends first.
func (p *HashPool) Hash(ctx context.Context, password string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	defer p.observe(ctx, "hash", time.Now())
	return p.hasher.Hash(password)
}

// Verify checks password against hash once a slot is free. The error is only
// ever ctx.Err(); a mismatch or malformed hash is (false, nil).
func (p *HashPool) Verify(ctx context.Context, password, hash string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.sem.Release(1)
	defer p.observe(ctx, "verify", time.Now())
	return p.hasher.Verify(password, hash), nil
}

// Equalize spends one comparison on the dummy hash. See Hasher.Equalize.
func (p *HashPool) Equalize(ctx context.Context, password string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	defer p.observe(ctx, "verify", time.Now())
	p.hasher.Equalize(password)
	return nil
}

func (p *HashPool) observe(ctx context.Context, op string, start time.Time) {
	if p.duration == nil {
		return
	}
	p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
}
