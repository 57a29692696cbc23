// -------------------------------------------------------------------------------
// Service Lifecycle Manager
//
// Author: Alex Freidah
//
// Supervises the background services of the spot service (photo backfill and
// spot stats refresh). Each service runs in its own goroutine with
// panic recovery and restart after a backoff; restarts are counted and the
// per-service state is exposed for the health endpoint. Optional Stoppable
// services get an explicit cleanup call on shutdown, in reverse order.
// -------------------------------------------------------------------------------

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// Service represents a long-running background task. Run blocks until ctx is
// cancelled or a fatal error occurs.
type Service interface {
	Run(ctx context.Context) error
}

// Stoppable is an optional interface for services that need explicit cleanup
// beyond context cancellation.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// State is the supervision state of one service.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// Status is a point-in-time view of one supervised service.
type Status struct {
	Name      string `json:"name"`
	State     State  `json:"state"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

type entry struct {
	name    string
	service Service
	status  Status
}

// Manager registers and supervises background services.
type Manager struct {
	mu       sync.Mutex
	services []*entry
	backoff  time.Duration
}

// NewManager creates an empty service manager with a one second restart
// backoff.
func NewManager() *Manager {
	return &Manager{backoff: time.Second}
}

// SetRestartBackoff changes the pause between a service failure and its
// restart. Must be called before Run.
func (m *Manager) SetRestartBackoff(d time.Duration) {
	m.backoff = d
}

// Register adds a named service. Services start in registration order and stop
// in reverse order.
func (m *Manager) Register(name string, svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, &entry{
		name:    name,
		service: svc,
		status:  Status{Name: name, State: StatePending},
	})
}

// Statuses returns the state of every registered service in registration
// order.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, len(m.services))
	for i, e := range m.services {
		out[i] = e.status
	}
	return out
}

// Run starts all registered services and blocks until ctx is cancelled and
// every service has returned.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	entries := append([]*entry(nil), m.services...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.supervise(ctx, e)
		}()
	}
	wg.Wait()
}

// Stop calls Stop on services that implement Stoppable, in reverse
// registration order, bounded by the given timeout.
func (m *Manager) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	m.mu.Lock()
	entries := append([]*entry(nil), m.services...)
	m.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		s, ok := entries[i].service.(Stoppable)
		if !ok {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			slog.Error("Service stop error",
				"service", entries[i].name,
				"error", err,
			)
		}
	}
}

func (m *Manager) supervise(ctx context.Context, e *entry) {
	defer m.setState(e, StateStopped, "")

	for {
		m.setState(e, StateRunning, "")
		failure := m.runOnce(ctx, e)

		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		e.status.Restarts++
		e.status.State = StateRestarting
		e.status.LastError = failure
		m.mu.Unlock()
		telemetry.ServiceRestartsTotal.WithLabelValues(e.name).Inc()

		select {
		case <-time.After(m.backoff):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce runs the service until it returns and reports why it stopped.
func (m *Manager) runOnce(ctx context.Context, e *entry) (failure string) {
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Sprintf("panic: %v", r)
			slog.Error("Service panicked, restarting",
				"service", e.name,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	err := e.service.Run(ctx)
	switch {
	case ctx.Err() != nil:
		return ""
	case err != nil:
		slog.Error("Service exited unexpectedly, restarting",
			"service", e.name,
			"error", err,
		)
		return err.Error()
	default:
		slog.Warn("Service returned before shutdown, restarting", "service", e.name)
		return "returned early"
	}
}

func (m *Manager) setState(e *entry, s State, lastErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.status.State = s
	if lastErr != "" {
		e.status.LastError = lastErr
	}
}

// -------------------------------------------------------------------------
// PERIODIC SERVICES
// -------------------------------------------------------------------------

// Periodic runs Task every Interval() until its context ends. Interval is
// re-read after each tick so a config reload takes effect without a restart;
// a non-positive interval parks the service until the next check.
type Periodic struct {
	Interval func() time.Duration
	Task     func(ctx context.Context)

	// Idle is how often a disabled service re-checks its interval.
	Idle time.Duration
}

// Run implements Service.
func (p *Periodic) Run(ctx context.Context) error {
	idle := p.Idle
	if idle <= 0 {
		idle = time.Minute
	}

	current := p.Interval()
	wait := current
	if wait <= 0 {
		wait = idle
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if current > 0 {
			p.Task(ctx)
		}

		next := p.Interval()
		if next != current {
			slog.Info("Periodic service interval changed", "from", current, "to", next)
			current = next
		}
		wait = current
		if wait <= 0 {
			wait = idle
		}
		timer.Reset(wait)
	}
}
