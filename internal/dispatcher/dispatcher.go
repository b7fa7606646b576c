// Package dispatcher drives one task to completion at a time: it pops
// work from the queue, resolves the node type from the registry, invokes
// it under a timeout, and reports the terminal result on the task's own
// channel.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodeflow/orchestrator/internal/queue"
	"github.com/nodeflow/orchestrator/internal/registry"
	"github.com/nodeflow/orchestrator/internal/store"
)

// Dispatcher owns a Task Queue and Task Store, a Node Registry, and a
// coalescing notifier used to wake a Runner loop. notify is a
// 1-buffered channel: a send that finds it already full is a no-op,
// so any number of notifications before a wake collapse into one.
// shutdown is a distinct channel closed exactly once by Stop.
type Dispatcher struct {
	store    *store.Store
	queue    *queue.Queue
	registry *registry.Registry
	timeout  time.Duration
	tracer   trace.Tracer

	notify   chan struct{}
	shutdown chan struct{}
}

// New constructs a Dispatcher around the given Store/Queue/Registry with
// a per-task execution timeout.
func New(s *store.Store, q *queue.Queue, r *registry.Registry, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:    s,
		queue:    q,
		registry: r,
		timeout:  timeout,
		tracer:   otel.Tracer("orchestrator-dispatcher"),
		notify:   make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
}

// Notifier exposes the wake channel for a Runner to select on.
func (d *Dispatcher) Notifier() <-chan struct{} { return d.notify }

// Shutdown exposes the shutdown channel for a Runner to select on.
func (d *Dispatcher) Shutdown() <-chan struct{} { return d.shutdown }

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// RegisterNode adds or overwrites a node type under its own name.
func (d *Dispatcher) RegisterNode(n registry.NodeType) { d.registry.Register(n) }

// UnregisterNode removes a node type by name.
func (d *Dispatcher) UnregisterNode(name string) { d.registry.Unregister(name) }

// NextTaskID delegates to the store's id allocator.
func (d *Dispatcher) NextTaskID() store.TaskID { return d.store.NextTaskID() }

// AddTask rejects an already-terminal task (logging a warning), otherwise
// inserts it into the store, pushes it onto the queue, and wakes the
// runner. The store insert and queue push both complete before the
// notify, so a runner waking on it always finds the task.
func (d *Dispatcher) AddTask(t *store.Task) {
	if t.State.IsTerminal() {
		slog.Warn("refusing to add already-terminal task", "task_id", t.ID, "state", t.State.String())
		return
	}
	d.store.InsertTask(t)
	d.queue.Push(t)
	d.wake()
}

// ReadTask returns a snapshot of the task's observable state.
func (d *Dispatcher) ReadTask(id store.TaskID) (store.Task, bool) { return d.store.ReadTask(id) }

// CancelTask flips a queued task's state to Cancel in place; the next
// pop off the queue will perform the actual cleanup and result delivery.
func (d *Dispatcher) CancelTask(id store.TaskID) {
	d.store.MutTask(id, func(t *store.Task) { t.State = store.Cancel })
}

// ClearTasks drops every queued and in-store task, cancelling each one.
func (d *Dispatcher) ClearTasks() {
	d.queue.Clear()
	d.store.Clear()
}

// Stop signals shutdown to any Runner loop and clears outstanding work.
func (d *Dispatcher) Stop() {
	close(d.shutdown)
	d.ClearTasks()
}

// ProcessNextTask pops one PendingTask and drives it to a terminal
// result. Returns false if there was no work to do.
func (d *Dispatcher) ProcessNextTask(ctx context.Context) bool {
	pending, ok := d.queue.MutHead(func(tl *queue.TaskList) (queue.PendingTask, bool) {
		return tl.Pop()
	})
	if !ok {
		return false
	}

	task := d.store.RemoveTask(pending.ID)
	if task == nil {
		d.wake() // lost race: someone else already removed it, but more work may remain
		return true
	}

	ret := task.TakeRet()
	if ret == nil {
		d.wake() // result already claimed, but more work may remain
		return true
	}

	if task.State == store.Cancel {
		ret <- store.Result{ID: task.ID, State: store.Cancel}
		close(ret)
		d.wake()
		return true
	}

	content := task.TakeContent()
	if content == nil {
		close(ret)
		d.wake()
		return true
	}

	node, found := d.registry.Lookup(task.HandlerID)
	if !found {
		slog.Warn("unknown handler, cancelling task", "task_id", task.ID, "handler_id", task.HandlerID)
		ret <- store.Result{ID: task.ID, State: store.Cancel}
		close(ret)
		d.wake()
		return true
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.process_task",
		trace.WithAttributes(
			attribute.Int64("task_id", int64(task.ID)),
			attribute.String("handler_id", task.HandlerID),
		))
	defer span.End()

	ectx := buildExecutionContext(content)

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resultCh := make(chan struct {
		out registry.NodeOutput
		err error
	}, 1)
	go func() {
		out, err := node.Execute(execCtx, ectx)
		resultCh <- struct {
			out registry.NodeOutput
			err error
		}{out, err}
	}()

	var final store.State
	select {
	case <-execCtx.Done():
		final = store.Timeout
		slog.Warn("task timed out", "task_id", task.ID, "handler_id", task.HandlerID, "timeout", d.timeout)
	case r := <-resultCh:
		if r.err != nil {
			final = store.Failure
			slog.Error("task execution failed", "task_id", task.ID, "handler_id", task.HandlerID, "error", r.err)
		} else {
			final = store.Done
		}
	}
	span.SetAttributes(attribute.String("result_state", final.String()))

	ret <- store.Result{ID: task.ID, State: final}
	close(ret)
	d.wake()
	return true
}

// buildExecutionContext maps a task's Content into a NodeExecutionContext
// per the dispatcher contract: Text carries its string under "text",
// Blob carries only its length under "blob_size". Workflow-layer callers
// that need richer parameters JSON-encode them into the Text string
// before constructing the task; unpacking that JSON is the node type's
// concern, not the dispatcher's.
func buildExecutionContext(c *store.Content) registry.NodeExecutionContext {
	switch c.Kind {
	case store.ContentText:
		return registry.NodeExecutionContext{Parameters: map[string]any{"text": c.Text}}
	case store.ContentBlob:
		return registry.NodeExecutionContext{Parameters: map[string]any{"blob_size": len(c.Blob)}}
	default:
		return registry.NodeExecutionContext{}
	}
}
