package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nodeflow/orchestrator/internal/dispatcher"
	"github.com/nodeflow/orchestrator/internal/logging"
	"github.com/nodeflow/orchestrator/internal/otelinit"
	"github.com/nodeflow/orchestrator/internal/persistence"
	"github.com/nodeflow/orchestrator/internal/queue"
	"github.com/nodeflow/orchestrator/internal/registry"
	"github.com/nodeflow/orchestrator/internal/resilience"
	"github.com/nodeflow/orchestrator/internal/scheduler"
	"github.com/nodeflow/orchestrator/internal/store"
	"github.com/nodeflow/orchestrator/internal/workflow"
)

func main() {
	service := "orchestrator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	dbPath := os.Getenv("ORCH_DB_PATH")
	if dbPath == "" {
		dbPath = "./data"
	}
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		slog.Error("create db dir", "error", err)
		os.Exit(1)
	}
	workflowStore, err := persistence.NewWorkflowStore(dbPath, meter)
	if err != nil {
		slog.Error("open workflow store", "error", err)
		os.Exit(1)
	}

	nodeRegistry := registry.New()
	nodeRegistry.Register(registry.NewHTTPNode(nil))
	nodeRegistry.Register(registry.NewPolicyNode())

	taskStore := store.New()
	taskQueue := queue.New()

	dispatchTimeout := 30 * time.Second
	if v := os.Getenv("ORCH_TASK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			dispatchTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	d := dispatcher.New(taskStore, taskQueue, nodeRegistry, dispatchTimeout)
	runner := dispatcher.NewRunner(d, dispatcher.DefaultInterval)
	go runner.Run(ctx)

	executor := workflow.NewExecutor(nodeRegistry)
	sched := scheduler.NewScheduler(workflowStore, executor, nil, meter)
	if err := sched.RestoreSchedules(ctx); err != nil {
		slog.Error("restore schedules", "error", err)
	}
	sched.Start()

	cancelMgr := workflow.NewCancellationManager(meter)
	go cancelMgr.StartCleanupLoop(ctx, time.Minute, 10*time.Minute)

	// throttles workflow-trigger ingestion (/v1/run) so a burst of triggers
	// cannot flood the dispatcher; does not rate-limit the core triad itself.
	runLimiter := resilience.NewHybridRateLimiter(20, 10, 100, 50*time.Millisecond)
	defer runLimiter.Stop()
	taskLimiter := resilience.NewRateLimiter(50, 25, time.Second, 100)

	runCounter, _ := meter.Int64Counter("orchestrator_workflow_runs_total")
	runErrors, _ := meter.Int64Counter("orchestrator_workflow_run_errors_total")
	wfLatency, _ := meter.Float64Histogram("orchestrator_workflow_duration_ms")

	mux := http.NewServeMux()
	registerHealthRoute(mux)
	registerWorkflowRoutes(mux, workflowStore)
	registerRunRoute(mux, workflowStore, executor, runLimiter, cancelMgr, runCounter, runErrors, wfLatency)
	registerRunManagementRoutes(mux, cancelMgr)
	registerTaskRoutes(mux, d, taskLimiter)

	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started")

	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()

	_ = srv.Shutdown(ctxSd)
	d.Stop()
	cancelMgr.CancelAll(ctxSd, "service shutdown")
	_ = sched.Stop(ctxSd)
	_ = workflowStore.Close()
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func registerHealthRoute(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// registerWorkflowRoutes exposes CRUD over persisted workflow definitions.
func registerWorkflowRoutes(mux *http.ServeMux, ws *persistence.WorkflowStore) {
	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var wf persistence.Workflow
			if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if wf.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			if err := ws.PutWorkflow(r.Context(), wf); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(wf)

		case http.MethodGet:
			if name := r.URL.Query().Get("name"); name != "" {
				wf, found, err := ws.GetWorkflow(r.Context(), name)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				if !found {
					http.NotFound(w, r)
					return
				}
				_ = json.NewEncoder(w).Encode(wf)
				return
			}
			limit, offset := pagingParams(r)
			wfs, err := ws.ListWorkflows(r.Context(), limit, offset)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(wfs)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func pagingParams(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

type runRequest struct {
	Workflow string `json:"workflow"`
}

type runResponse struct {
	RunID   string         `json:"run_id"`
	Outputs map[string]any `json:"outputs"`
}

// registerRunRoute synchronously runs a workflow via the Workflow Executor
// with a bounded deadline, rate-limited against ingestion bursts. Each run
// is registered with cancelMgr under a fresh run ID (returned as X-Run-Id
// and in the response body) so a concurrent request can cancel it through
// registerRunManagementRoutes before it finishes.
func registerRunRoute(
	mux *http.ServeMux,
	ws *persistence.WorkflowStore,
	executor *workflow.Executor,
	limiter *resilience.HybridRateLimiter,
	cancelMgr *workflow.CancellationManager,
	runCounter, runErrors metric.Int64Counter,
	wfLatency metric.Float64Histogram,
) {
	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow(r.Context()) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		stored, found, err := ws.GetWorkflow(r.Context(), req.Workflow)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}

		ctxExec, cancelExec := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancelExec()

		runID := uuid.NewString()
		cancelMgr.Register(runID, req.Workflow, cancelExec)
		w.Header().Set("X-Run-Id", runID)

		start := time.Now()
		outputs, err := executor.Execute(ctxExec, stored.ToExecutable())
		wfLatency.Record(r.Context(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("workflow", req.Workflow)))
		if err != nil {
			status := workflow.RunFailed
			if ctxExec.Err() != nil {
				if s, ok := cancelMgr.GetStatus(runID); ok && s == workflow.RunCancelled {
					status = workflow.RunCancelled
				}
			}
			cancelMgr.Complete(runID, status)
			runErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("workflow", req.Workflow)))
			if status == workflow.RunCancelled {
				http.Error(w, "run cancelled", http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cancelMgr.Complete(runID, workflow.RunCompleted)
		runCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("workflow", req.Workflow)))
		_ = json.NewEncoder(w).Encode(runResponse{RunID: runID, Outputs: outputs})
	})
}

// registerRunManagementRoutes exposes status lookup and cancellation for
// in-flight runs started by registerRunRoute.
func registerRunManagementRoutes(mux *http.ServeMux, cancelMgr *workflow.CancellationManager) {
	mux.HandleFunc("/v1/runs/", func(w http.ResponseWriter, r *http.Request) {
		runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
		if runID == "" {
			http.NotFound(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet:
			status, found := cancelMgr.GetStatus(runID)
			if !found {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "status": string(status)})

		case http.MethodDelete:
			reason := r.URL.Query().Get("reason")
			if reason == "" {
				reason = "cancelled by API request"
			}
			if err := cancelMgr.Cancel(r.Context(), runID, reason); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

type createTaskRequest struct {
	HandlerID string `json:"handler_id"`
	Text      string `json:"text,omitempty"`
	QoS       string `json:"qos,omitempty"` // "background" (default) or "user_interactive"
}

type taskResponse struct {
	ID    store.TaskID `json:"id"`
	State string       `json:"state"`
}

// registerTaskRoutes exposes direct embedding-API access to AddTask and
// task-result lookup, for exercising the Dispatcher independent of a full
// workflow (spec.md §6). taskLimiter enforces per-window fairness on task
// submission, separately from the /v1/run ingestion limiter.
func registerTaskRoutes(mux *http.ServeMux, d *dispatcher.Dispatcher, taskLimiter *resilience.RateLimiter) {
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !taskLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.HandlerID == "" {
			http.Error(w, "handler_id required", http.StatusBadRequest)
			return
		}
		qos := store.Background
		if strings.EqualFold(req.QoS, "user_interactive") {
			qos = store.UserInteractive
		}

		_, endSpan := otelinit.WithSpan(r.Context(), "http.add_task")
		id := d.NextTaskID()
		task := store.NewTask(id, req.HandlerID, store.TextContent(req.Text), qos)
		d.AddTask(task)
		endSpan()

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(taskResponse{ID: id, State: store.Pending.String()})
	})

	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			http.Error(w, "bad task id", http.StatusBadRequest)
			return
		}
		id := store.TaskID(n)

		switch r.Method {
		case http.MethodGet:
			task, found := d.ReadTask(id)
			if !found {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(taskResponse{ID: task.ID, State: task.State.String()})
		case http.MethodDelete:
			d.CancelTask(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
