// Package health provides a registry of named subsystem health checkers
// backing the readiness endpoint. The server registers one checker per
// dependency (database, token custody, event log) at boot.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout caps how long any single checker may take, so one stuck
// dependency cannot stall the whole readiness probe.
const checkTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker in registration order and reports
// aggregate health plus the individual subsystem results. Each checker gets
// its own timeout budget.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checkers))

	for _, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		status := nc.check(cctx)
		cancel()

		healthy = healthy && status.Healthy
		statuses = append(statuses, status)
	}

	return healthy, statuses
}

// Func wraps a plain error-returning probe as a named checker. A nil
// error is healthy; anything else surfaces as the status detail.
func Func(name string, probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Pinger matches *sql.DB and anything else with a context ping.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database returns a checker that pings the given connection pool.
func Database(db Pinger) Checker {
	return Func("database", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}
