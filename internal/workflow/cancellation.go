package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunStatus is the lifecycle state of one workflow run tracked by a
// CancellationManager.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// CancellableRun is one in-flight or recently-finished Execute call.
type CancellableRun struct {
	WorkflowName string
	StartedAt    time.Time
	CancelFunc   context.CancelFunc
	CancelReason string
	EndedAt      time.Time
	Status       RunStatus
}

// CancellationManager tracks in-flight Executor.Execute calls by run ID so
// an external caller (the HTTP API) can cancel one without
// holding a reference to its context.CancelFunc.
type CancellationManager struct {
	mu   sync.RWMutex
	runs map[string]*CancellableRun

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager builds a CancellationManager reporting through
// meter.
func NewCancellationManager(meter metric.Meter) *CancellationManager {
	cancellations, _ := meter.Int64Counter("orchestrator_workflow_cancellations_total")
	return &CancellationManager{
		runs:          make(map[string]*CancellableRun),
		cancellations: cancellations,
		tracer:        otel.Tracer("orchestrator-workflow-cancellation"),
	}
}

// Register records a new in-flight run under runID, associating it with
// the context.CancelFunc that stops it.
func (cm *CancellationManager) Register(runID, workflowName string, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.runs[runID] = &CancellableRun{
		WorkflowName: workflowName,
		StartedAt:    time.Now(),
		CancelFunc:   cancel,
		Status:       RunRunning,
	}
}

// Cancel stops a running workflow run.
func (cm *CancellationManager) Cancel(ctx context.Context, runID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("reason", reason),
	))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	run, exists := cm.runs[runID]
	if !exists {
		return fmt.Errorf("workflow run not found or already completed: %s", runID)
	}
	if run.Status != RunRunning {
		return fmt.Errorf("workflow run is not running: %s (status: %s)", runID, run.Status)
	}

	run.CancelFunc()
	run.CancelReason = reason
	run.EndedAt = time.Now()
	run.Status = RunCancelled

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", run.WorkflowName),
		attribute.String("reason", reason),
	))
	span.AddEvent("workflow_run_cancelled")
	return nil
}

// Complete marks a run as finished with the given terminal status. It
// stays in the map briefly so status queries can still find it; Cleanup
// evicts it once retentionPeriod has passed.
func (cm *CancellationManager) Complete(runID string, status RunStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if run, exists := cm.runs[runID]; exists {
		run.Status = status
		run.EndedAt = time.Now()
	}
}

// GetStatus returns the status of a tracked run.
func (cm *CancellationManager) GetStatus(runID string) (RunStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	run, exists := cm.runs[runID]
	if !exists {
		return "", false
	}
	return run.Status, true
}

// ListActive returns all currently-running runs.
func (cm *CancellationManager) ListActive() []*CancellableRun {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	active := make([]*CancellableRun, 0)
	for _, run := range cm.runs {
		if run.Status == RunRunning {
			active = append(active, run)
		}
	}
	return active
}

// Cleanup removes finished runs older than retentionPeriod, returning the
// count removed.
func (cm *CancellationManager) Cleanup(retentionPeriod time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for runID, run := range cm.runs {
		if run.Status == RunRunning {
			continue
		}
		if !run.EndedAt.IsZero() && now.Sub(run.EndedAt) > retentionPeriod {
			delete(cm.runs, runID)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup periodically until ctx is cancelled.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retentionPeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retentionPeriod)
		}
	}
}

// CancelAll cancels every running run (for process shutdown) and returns
// the count cancelled.
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancelled := 0
	for runID, run := range cm.runs {
		if run.Status == RunRunning {
			run.CancelFunc()
			run.CancelReason = reason
			run.EndedAt = time.Now()
			run.Status = RunCancelled
			cm.cancellations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("workflow", run.WorkflowName),
				attribute.String("reason", reason),
			))
			cancelled++
		}
		delete(cm.runs, runID)
	}
	return cancelled
}

// GetMetrics returns a snapshot count of tracked runs by status.
func (cm *CancellationManager) GetMetrics() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	metrics := map[string]int{"total": len(cm.runs), "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	for _, run := range cm.runs {
		switch run.Status {
		case RunRunning:
			metrics["running"]++
		case RunCompleted:
			metrics["completed"]++
		case RunFailed:
			metrics["failed"]++
		case RunCancelled:
			metrics["cancelled"]++
		}
	}
	return metrics
}
