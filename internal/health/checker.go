// Package health reports liveness and readiness of the auth server and its
// upstreams: the user database, the secret backend and, when configured, Redis.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"sitinov-auth/backend/internal/secretstore"
)

const (
	StatusOK        = "ok"
	StatusUnhealthy = "unhealthy"
)

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SecretHealth is implemented by *secretstore.Client.
type SecretHealth interface {
	Health(ctx context.Context) *secretstore.Health
}

// PingFunc adapts a func to Pinger, e.g. the Redis denylist's Ping.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Check is the result of one dependency probe.
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	// Detail carries dependency-specific fields (e.g. Vault seal state).
	Detail any `json:"detail,omitempty"`
}

// Report aggregates all probes.
type Report struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool { return r.Status == StatusOK }

// Checker runs readiness probes. Nil dependencies are skipped.
type Checker struct {
	db      Pinger
	secrets SecretHealth
	extra   map[string]Pinger
	timeout time.Duration
	now     func() time.Time
}

// NewChecker returns a Checker probing db and secrets. Either may be nil.
func NewChecker(db Pinger, secrets SecretHealth) *Checker {
	return &Checker{db: db, secrets: secrets, extra: make(map[string]Pinger), timeout: 3 * time.Second, now: time.Now}
}

// Add registers another named dependency.
func (c *Checker) Add(name string, p Pinger) *Checker {
	c.extra[name] = p
	return c
}

// Check probes every dependency concurrently.
func (c *Checker) Check(ctx context.Context) *Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]Check)
	)
	run := func(name string, probe func(context.Context) Check) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := probe(ctx)
			mu.Lock()
			checks[name] = res
			mu.Unlock()
		}()
	}
	if c.db != nil {
		run("database", pingCheck(c.db))
	}
	if c.secrets != nil {
		run("vault", func(ctx context.Context) Check {
			h := c.secrets.Health(ctx)
			chk := Check{Status: StatusOK, Detail: h}
			if h.Status != "healthy" {
				chk.Status = StatusUnhealthy
				chk.Error = h.Error
			}
			return chk
		})
	}
	names := make([]string, 0, len(c.extra))
	for name := range c.extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		run(name, pingCheck(c.extra[name]))
	}
	wg.Wait()

	r := &Report{Status: StatusOK, Timestamp: c.now().UTC(), Checks: checks}
	for _, chk := range checks {
		if chk.Status != StatusOK {
			r.Status = StatusUnhealthy
		}
	}
	return r
}

func pingCheck(p Pinger) func(context.Context) Check {
	return func(ctx context.Context) Check {
		if err := p.PingContext(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Error: err.Error()}
		}
		return Check{Status: StatusOK}
	}
}
