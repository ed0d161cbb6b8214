// Package secretstore fetches signing bundles from a dynamic secret backend and
// keeps the last good bundle per environment so token issuance survives outages.
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"sitinov-auth/backend/internal/log"
)

// unseenKeyBurst is how many refreshes for previously unseen key ids may bypass
// the ForceRefreshInterval cooldown per interval.
const unseenKeyBurst = 4

// ErrUnavailable is returned when the backend cannot be read and no cached or
// fallback bundle may be served. In production this is fatal for token issuance.
var ErrUnavailable = errors.New("secret backend unavailable")

// Backend is the read path of a secret store. Read returns the secret's fields;
// implementations authenticate lazily on first use.
type Backend interface {
	Read(ctx context.Context, path string) (map[string]any, error)
}

// HealthReporter is implemented by backends that expose a status endpoint.
type HealthReporter interface {
	Health(ctx context.Context) (*Health, error)
}

// Health is the backend status reported to readiness probes.
type Health struct {
	Status      string `json:"status"`
	Sealed      bool   `json:"sealed"`
	Initialized bool   `json:"initialized"`
	Error       string `json:"error,omitempty"`
}

// Options tunes the Client.
type Options struct {
	// PathPrefix is joined with the environment to form the bundle path ("secret/jwt/production").
	PathPrefix string
	// MaxAge is how long a fetched bundle is served before the next call re-fetches it.
	MaxAge time.Duration
	// ForceRefreshInterval is the minimum spacing between Refresh calls that reach the
	// backend, and the retry backoff after a failed fetch.
	ForceRefreshInterval time.Duration
	// Timeout bounds one backend call.
	Timeout time.Duration
	// DevFallback allows the development fallback bundle when nothing is cached.
	DevFallback bool
}

// Client serves the current signing bundle per environment. Reads of a fresh
// bundle never block; backend fetches for one environment are coalesced.
type Client struct {
	backend Backend
	opts    Options
	now     func() time.Time

	group   singleflight.Group
	entries sync.Map // environment -> *entry

	fetches metric.Int64Counter
}

type entry struct {
	state atomic.Pointer[bundleState]
	// retryAfter (unix nanos) suppresses backend calls after a failure.
	retryAfter atomic.Int64
	// lastForced (unix nanos) is when Refresh last reached the backend.
	lastForced atomic.Int64
	// lastKeyID is the key id hint of the last forced refresh.
	lastKeyID atomic.Pointer[string]
	// unseen budgets refreshes that skip the cooldown for a new key id.
	unseen *rate.Limiter
}

// bundleState is swapped as a whole so readers see current and previous together.
type bundleState struct {
	current  *Bundle
	previous *Bundle
}

// NewClient returns a Client reading bundles from backend.
func NewClient(backend Backend, opts Options) *Client {
	if opts.PathPrefix == "" {
		opts.PathPrefix = "secret/jwt"
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	if opts.ForceRefreshInterval <= 0 {
		opts.ForceRefreshInterval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	counter, _ := otel.Meter("sitinov-auth/secretstore").Int64Counter(
		"secretstore.fetches",
		metric.WithDescription("Bundle lookups by how they were served."),
	)
	return &Client{
		backend: backend,
		opts:    opts,
		now:     time.Now,
		fetches: counter,
	}
}

// Path returns the backend path of env's signing bundle.
func (c *Client) Path(env string) string {
	return strings.TrimSuffix(c.opts.PathPrefix, "/") + "/" + env
}

// Fetch returns the current bundle for env, re-fetching lazily once the cached
// bundle is older than MaxAge. Backend failures fall back to the cached bundle,
// then to the development fallback when enabled; otherwise ErrUnavailable.
func (c *Client) Fetch(ctx context.Context, env string) (*Bundle, error) {
	e := c.entry(env)
	if st := e.state.Load(); st != nil && c.servable(e, st.current) {
		c.record(ctx, "cached")
		return st.current, nil
	}
	return c.load(ctx, env, e, false)
}

// Previous returns the bundle that was current before the last rotation, if any.
// Tokens signed just before a rotation still verify against it until they expire.
func (c *Client) Previous(env string) *Bundle {
	if st := c.entry(env).state.Load(); st != nil {
		return st.previous
	}
	return nil
}

// Refresh re-reads env's bundle immediately, typically after a signature
// mismatch hinted at an out-of-band rotation. keyID is the kid of the token that
// failed, or empty. Calls closer together than ForceRefreshInterval return the
// cached bundle without contacting the backend, unless keyID names a key that is
// neither current nor the hint of the previous forced refresh; those bypass the
// cooldown within a small per-interval budget.
func (c *Client) Refresh(ctx context.Context, env, keyID string) (*Bundle, error) {
	e := c.entry(env)
	now := c.now()
	if st := e.state.Load(); st != nil && !c.mayForce(e, st, keyID, now) {
		return st.current, nil
	}
	e.lastForced.Store(now.UnixNano())
	e.lastKeyID.Store(&keyID)
	return c.load(ctx, env, e, true)
}

func (c *Client) mayForce(e *entry, st *bundleState, keyID string, now time.Time) bool {
	last := e.lastForced.Load()
	if last == 0 || now.Sub(time.Unix(0, last)) >= c.opts.ForceRefreshInterval {
		return true
	}
	if !wellFormedKeyID(keyID) {
		return false
	}
	if (st.current != nil && st.current.ID == keyID) || (st.previous != nil && st.previous.ID == keyID) {
		return false
	}
	if p := e.lastKeyID.Load(); p != nil && *p == keyID {
		return false
	}
	return e.unseen.AllowN(now, 1)
}

// Health reports the backend status, or "unknown" if the backend cannot tell.
func (c *Client) Health(ctx context.Context) *Health {
	hr, ok := c.backend.(HealthReporter)
	if !ok {
		return &Health{Status: "unknown"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	h, err := hr.Health(ctx)
	if h == nil {
		h = &Health{Status: "unhealthy", Sealed: true}
	}
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
	}
	return h
}

func (c *Client) entry(env string) *entry {
	if e, ok := c.entries.Load(env); ok {
		return e.(*entry)
	}
	e, _ := c.entries.LoadOrStore(env, &entry{
		unseen: rate.NewLimiter(rate.Every(c.opts.ForceRefreshInterval/unseenKeyBurst), unseenKeyBurst),
	})
	return e.(*entry)
}

// servable reports whether b can be returned without a backend call.
func (c *Client) servable(e *entry, b *Bundle) bool {
	if b == nil {
		return false
	}
	now := c.now()
	// The fallback never counts as fresh; it is served only until the next retry.
	if !b.Fallback && now.Sub(b.FetchedAt) < c.opts.MaxAge {
		return true
	}
	return now.UnixNano() < e.retryAfter.Load()
}

func (c *Client) load(ctx context.Context, env string, e *entry, force bool) (*Bundle, error) {
	v, err, _ := c.group.Do(env, func() (any, error) {
		if !force {
			if st := e.state.Load(); st != nil && c.servable(e, st.current) {
				return st.current, nil
			}
		}
		return c.fetch(ctx, env, e)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

// fetch runs inside the single-flight group. The backend call is detached from the
// caller's cancellation because every waiter shares its result.
func (c *Client) fetch(ctx context.Context, env string, e *entry) (*Bundle, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	defer cancel()

	path := c.Path(env)
	fields, err := c.backend.Read(fctx, path)
	now := c.now()
	if err == nil {
		var b *Bundle
		b, err = bundleFromFields(env, fields, now)
		if err == nil {
			c.install(ctx, e, b)
			e.retryAfter.Store(0)
			c.record(ctx, "fresh")
			return b, nil
		}
	}

	e.retryAfter.Store(now.Add(c.opts.ForceRefreshInterval).UnixNano())
	if st := e.state.Load(); st != nil && st.current != nil {
		log.Warn(ctx).Err(err).
			Str("environment", env).
			Str("bundle_id", st.current.ID).
			Dur("age", now.Sub(st.current.FetchedAt)).
			Msg("secretstore: backend read failed, serving stale bundle")
		c.record(ctx, "stale")
		return st.current, nil
	}
	if c.opts.DevFallback {
		b := devFallbackBundle(env, now)
		c.install(ctx, e, b)
		log.Warn(ctx).Err(err).
			Str("environment", env).
			Msg("secretstore: backend read failed, signing with the DEVELOPMENT fallback secret")
		c.record(ctx, "fallback")
		return b, nil
	}
	log.Error(ctx).Err(err).Str("environment", env).Str("path", path).Msg("secretstore: backend read failed, no bundle to serve")
	c.record(ctx, "error")
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
}

// install makes b current. The replaced bundle is kept as previous unless it
// carried the same key or was the development fallback.
func (c *Client) install(ctx context.Context, e *entry, b *Bundle) {
	for {
		old := e.state.Load()
		next := &bundleState{current: b}
		rotated := false
		if old != nil && old.current != nil {
			switch {
			case old.current.ID == b.ID:
				next.previous = old.previous
			case old.current.Fallback:
			default:
				next.previous = old.current
				rotated = true
			}
		}
		if e.state.CompareAndSwap(old, next) {
			if rotated {
				log.Info(ctx).
					Str("environment", b.Environment).
					Str("bundle_id", b.ID).
					Str("previous_bundle_id", old.current.ID).
					Msg("secretstore: signing bundle rotated")
			}
			return
		}
	}
}

func (c *Client) record(ctx context.Context, result string) {
	if c.fetches == nil {
		return
	}
	c.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
