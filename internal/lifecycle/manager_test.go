// -------------------------------------------------------------------------------
// Lifecycle Manager Tests
//
// Author: Alex Freidah
//
// Tests for the background service lifecycle manager. Covers registration,
// shutdown propagation, restart accounting, status reporting, and the
// periodic service helper.
// -------------------------------------------------------------------------------

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// -------------------------------------------------------------------------
// TEST HELPERS
// -------------------------------------------------------------------------

type counterService struct {
	count atomic.Int64
}

func (s *counterService) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.count.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}

type panicOnceService struct {
	calls atomic.Int64
}

func (s *panicOnceService) Run(ctx context.Context) error {
	n := s.calls.Add(1)
	if n == 1 {
		panic("boom")
	}
	<-ctx.Done()
	return nil
}

type stoppableService struct {
	stopped chan string
	name    string
}

func (s *stoppableService) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *stoppableService) Stop(_ context.Context) error {
	s.stopped <- s.name
	return nil
}

// -------------------------------------------------------------------------
// TESTS
// -------------------------------------------------------------------------

func TestManager_RunAndStop(t *testing.T) {
	mgr := NewManager()
	svc := &counterService{}
	mgr.Register("counter", svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	// Let it tick a few times
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Manager.Run did not return after context cancellation")
	}

	if n := svc.count.Load(); n == 0 {
		t.Error("Service never ran")
	}
}

func TestManager_PanicRecovery(t *testing.T) {
	mgr := NewManager()
	mgr.SetRestartBackoff(10 * time.Millisecond)
	svc := &panicOnceService{}
	mgr.Register("panic-once", svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	// Wait long enough for the panic + restart + second call
	time.Sleep(200 * time.Millisecond)
	st := mgr.Statuses()[0]
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Manager.Run did not return after context cancellation")
	}

	if n := svc.calls.Load(); n < 2 {
		t.Errorf("Expected at least 2 calls (panic + restart), got %d", n)
	}
	if st.Restarts != 1 || st.State != StateRunning || st.LastError != "panic: boom" {
		t.Errorf("status after restart = %+v", st)
	}
	if final := mgr.Statuses()[0]; final.State != StateStopped {
		t.Errorf("state after shutdown = %q, want stopped", final.State)
	}
}

func TestManager_StopCallsStoppable(t *testing.T) {
	mgr := NewManager()
	stopped := make(chan string, 1)
	svc := &stoppableService{stopped: stopped, name: "svc-a"}
	mgr.Register("svc-a", svc)

	// Also register a non-stoppable to verify it's skipped
	mgr.Register("counter", &counterService{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mgr.Stop(5 * time.Second)

	select {
	case name := <-stopped:
		if name != "svc-a" {
			t.Errorf("Expected stop for svc-a, got %s", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop was never called on stoppable service")
	}
}

func TestManager_StopReverseOrder(t *testing.T) {
	mgr := NewManager()
	var mu sync.Mutex
	var order []string
	stopped := make(chan string, 3)

	for _, name := range []string{"first", "second", "third"} {
		svc := &stoppableService{stopped: stopped, name: name}
		mgr.Register(name, svc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	// Stop collects in reverse registration order (synchronous per service)
	go func() {
		mgr.Stop(5 * time.Second)
	}()

	for range 3 {
		select {
		case name := <-stopped:
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for Stop calls")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	expected := []string{"third", "second", "first"}
	for i, name := range expected {
		if i >= len(order) || order[i] != name {
			t.Errorf("Expected stop order %v, got %v", expected, order)
			break
		}
	}
}

// -------------------------------------------------------------------------
// STATUS
// -------------------------------------------------------------------------

type failingService struct {
	calls atomic.Int64
}

func (s *failingService) Run(ctx context.Context) error {
	s.calls.Add(1)
	return errors.New("lost connection")
}

func TestManager_ErrorRestartsAreCounted(t *testing.T) {
	mgr := NewManager()
	mgr.SetRestartBackoff(5 * time.Millisecond)
	svc := &failingService{}
	mgr.Register("flaky", svc)

	if st := mgr.Statuses()[0]; st.State != StatePending {
		t.Errorf("state before Run = %q, want pending", st.State)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for svc.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	st := mgr.Statuses()[0]
	if st.Restarts < 2 {
		t.Errorf("restarts = %d, want >= 2", st.Restarts)
	}
	if st.LastError != "lost connection" {
		t.Errorf("last error = %q", st.LastError)
	}
}

// -------------------------------------------------------------------------
// PERIODIC
// -------------------------------------------------------------------------

func TestPeriodic_RunsTask(t *testing.T) {
	var runs atomic.Int64
	p := &Periodic{
		Interval: func() time.Duration { return 5 * time.Millisecond },
		Task:     func(context.Context) { runs.Add(1) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if runs.Load() < 2 {
		t.Errorf("runs = %d, want several", runs.Load())
	}
}

func TestPeriodic_DisabledUntilIntervalSet(t *testing.T) {
	var (
		interval atomic.Int64
		runs     atomic.Int64
	)
	p := &Periodic{
		Interval: func() time.Duration { return time.Duration(interval.Load()) },
		Task:     func(context.Context) { runs.Add(1) },
		Idle:     5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("disabled service ran %d times", runs.Load())
	}

	interval.Store(int64(5 * time.Millisecond))
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if runs.Load() == 0 {
		t.Error("service never ran after the interval was enabled")
	}
}
