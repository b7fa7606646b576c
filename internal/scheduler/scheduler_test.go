package scheduler

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/nodeflow/orchestrator/internal/persistence"
	"github.com/nodeflow/orchestrator/internal/registry"
	"github.com/nodeflow/orchestrator/internal/workflow"
)

func testMeter() *noopmetric.MeterProvider {
	return &noopmetric.MeterProvider{}
}

func newTestStore(t *testing.T) *persistence.WorkflowStore {
	t.Helper()
	store, err := persistence.NewWorkflowStore(t.TempDir(), testMeter().Meter("test"))
	if err != nil {
		t.Fatalf("NewWorkflowStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMatchesFilterEmptyMatchesAll(t *testing.T) {
	if !matchesFilter(map[string]any{"a": 1}, nil) {
		t.Fatalf("empty filter should match everything")
	}
}

func TestMatchesFilterRequiresAllKeys(t *testing.T) {
	data := map[string]any{"status": "ok"}
	if !matchesFilter(data, map[string]any{"status": "ok"}) {
		t.Fatalf("expected a match")
	}
	if matchesFilter(data, map[string]any{"status": "fail"}) {
		t.Fatalf("expected no match on value mismatch")
	}
	if matchesFilter(data, map[string]any{"missing": "ok"}) {
		t.Fatalf("expected no match on missing key")
	}
}

func TestAddScheduleRejectsEventTypeWithoutNATS(t *testing.T) {
	s := NewScheduler(newTestStore(t), nil, nil, testMeter().Meter("test"))
	err := s.AddSchedule(context.Background(), &ScheduleConfig{WorkflowName: "wf", EventType: "events.x", Enabled: true})
	if err == nil {
		t.Fatalf("expected an error registering an event schedule with no NATS connection")
	}
}

func TestAddScheduleRejectsNeitherCronNorEvent(t *testing.T) {
	s := NewScheduler(newTestStore(t), nil, nil, testMeter().Meter("test"))
	if err := s.AddSchedule(context.Background(), &ScheduleConfig{WorkflowName: "wf"}); err == nil {
		t.Fatalf("expected an error when neither cron_expr nor event_type is set")
	}
}

func TestAddListRemoveCronSchedule(t *testing.T) {
	s := NewScheduler(newTestStore(t), nil, nil, testMeter().Meter("test"))
	cfg := &ScheduleConfig{WorkflowName: "wf", CronExpr: "*/5 * * * * *", Enabled: true}
	if err := s.AddSchedule(context.Background(), cfg); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	schedules, err := s.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(schedules) != 1 || schedules[0].WorkflowName != "wf" {
		t.Fatalf("ListSchedules = %+v", schedules)
	}

	if err := s.RemoveSchedule(context.Background(), "wf"); err != nil {
		t.Fatalf("RemoveSchedule: %v", err)
	}
	schedules, _ = s.ListSchedules(context.Background())
	if len(schedules) != 0 {
		t.Fatalf("expected no schedules after removal, got %+v", schedules)
	}
}

type echoNode struct{}

func (echoNode) Name() string                 { return "echo" }
func (echoNode) DisplayName() string          { return "echo" }
func (echoNode) Description() *registry.NodeDescription { return nil }
func (echoNode) Execute(context.Context, registry.NodeExecutionContext) (registry.NodeOutput, error) {
	return registry.NodeOutput{Data: "ok"}, nil
}

func TestExecuteScheduledWorkflowRecordsSuccess(t *testing.T) {
	store := newTestStore(t)
	r := registry.New()
	r.Register(echoNode{})
	executor := workflow.NewExecutor(r)
	s := NewScheduler(store, executor, nil, testMeter().Meter("test"))

	wf := persistence.Workflow{
		Name:  "wf",
		Nodes: []workflow.Node{{Name: "a", NodeTypeName: "echo"}},
	}
	if err := store.PutWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}

	s.executeScheduledWorkflow(context.Background(), &ScheduleConfig{WorkflowName: "wf"})

	executions, err := store.ListExecutions(context.Background(), "wf", time.Time{}, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(executions) != 1 || executions[0].Status != "success" {
		t.Fatalf("executions = %+v", executions)
	}
}

func TestExecuteScheduledWorkflowRecordsNoExecutionOnMissingWorkflow(t *testing.T) {
	store := newTestStore(t)
	executor := workflow.NewExecutor(registry.New())
	s := NewScheduler(store, executor, nil, testMeter().Meter("test"))

	s.executeScheduledWorkflow(context.Background(), &ScheduleConfig{WorkflowName: "nope"})

	executions, err := store.ListExecutions(context.Background(), "nope", time.Time{}, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(executions) != 0 {
		t.Fatalf("a failed workflow-load should not record an execution, got %+v", executions)
	}
}
