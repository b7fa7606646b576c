package workflow

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func testCancellationManager() *CancellationManager {
	mp := noopmetric.MeterProvider{}
	return NewCancellationManager(mp.Meter("test"))
}

func TestCancellationManagerRegisterAndCancel(t *testing.T) {
	cm := testCancellationManager()
	_, cancel := context.WithCancel(context.Background())
	cancelled := false
	cm.Register("run-1", "wf", func() { cancelled = true; cancel() })

	status, found := cm.GetStatus("run-1")
	if !found || status != RunRunning {
		t.Fatalf("GetStatus = %v, %v, want RunRunning, true", status, found)
	}

	if err := cm.Cancel(context.Background(), "run-1", "test reason"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected the registered CancelFunc to be invoked")
	}

	status, _ = cm.GetStatus("run-1")
	if status != RunCancelled {
		t.Fatalf("status after cancel = %v, want RunCancelled", status)
	}
}

func TestCancellationManagerCancelUnknownRun(t *testing.T) {
	cm := testCancellationManager()
	if err := cm.Cancel(context.Background(), "nope", "reason"); err == nil {
		t.Fatalf("expected an error cancelling an unregistered run")
	}
}

func TestCancellationManagerCancelAlreadyTerminal(t *testing.T) {
	cm := testCancellationManager()
	cm.Register("run-1", "wf", func() {})
	cm.Complete("run-1", RunCompleted)

	if err := cm.Cancel(context.Background(), "run-1", "reason"); err == nil {
		t.Fatalf("expected an error cancelling an already-completed run")
	}
}

func TestCancellationManagerListActive(t *testing.T) {
	cm := testCancellationManager()
	cm.Register("run-1", "wf", func() {})
	cm.Register("run-2", "wf", func() {})
	cm.Complete("run-2", RunCompleted)

	active := cm.ListActive()
	if len(active) != 1 || active[0].WorkflowName != "wf" {
		t.Fatalf("ListActive = %+v, want one active run", active)
	}
}

func TestCancellationManagerCleanupRemovesOldTerminalRuns(t *testing.T) {
	cm := testCancellationManager()
	cm.Register("run-1", "wf", func() {})
	cm.Complete("run-1", RunCompleted)
	cm.mu.Lock()
	cm.runs["run-1"].EndedAt = time.Now().Add(-time.Hour)
	cm.mu.Unlock()

	cm.Register("run-2", "wf", func() {})

	cleaned := cm.Cleanup(time.Minute)
	if cleaned != 1 {
		t.Fatalf("Cleanup removed %d, want 1", cleaned)
	}
	if _, found := cm.GetStatus("run-1"); found {
		t.Fatalf("run-1 should have been evicted")
	}
	if _, found := cm.GetStatus("run-2"); !found {
		t.Fatalf("run-2 is still running, should not be evicted")
	}
}

func TestCancellationManagerCancelAll(t *testing.T) {
	cm := testCancellationManager()
	var n int
	cm.Register("run-1", "wf", func() { n++ })
	cm.Register("run-2", "wf", func() { n++ })

	cancelled := cm.CancelAll(context.Background(), "shutdown")
	if cancelled != 2 || n != 2 {
		t.Fatalf("CancelAll cancelled = %d, n = %d, want 2, 2", cancelled, n)
	}
	if len(cm.ListActive()) != 0 {
		t.Fatalf("expected no active runs after CancelAll")
	}
}

func TestCancellationManagerGetMetrics(t *testing.T) {
	cm := testCancellationManager()
	cm.Register("run-1", "wf", func() {})
	cm.Register("run-2", "wf", func() {})
	cm.Complete("run-2", RunFailed)

	metrics := cm.GetMetrics()
	if metrics["total"] != 2 || metrics["running"] != 1 || metrics["failed"] != 1 {
		t.Fatalf("GetMetrics = %+v", metrics)
	}
}

func TestCancellationManagerStartCleanupLoopStopsOnContextCancel(t *testing.T) {
	cm := testCancellationManager()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		cm.StartCleanupLoop(ctx, time.Millisecond, time.Minute)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("StartCleanupLoop did not return after context cancellation")
	}
}
