// Package persistence provides durable storage for workflows and run
// history using BoltDB. BoltDB is chosen over a client-server database for
// easier deployment (pure Go, no C dependencies) — deliberately thin, as
// spec.md explicitly excludes a richer SQLite persistence layer from core
// scope.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nodeflow/orchestrator/internal/workflow"
)

// Workflow is the persisted/exchange form named in spec.md §6: a
// workflow.Workflow plus the bookkeeping fields the persistence layer
// needs (id, timestamps) that are opaque to the core triad.
type Workflow struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Nodes      []workflow.Node       `json:"nodes"`
	Connection []workflow.Connection `json:"connections"`
	Settings   any                   `json:"settings,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// ToExecutable converts the stored exchange form into the graph shape
// workflow.Executor.Execute expects.
func (w Workflow) ToExecutable() *workflow.Workflow {
	return &workflow.Workflow{
		ID:         w.ID,
		Name:       w.Name,
		Nodes:      w.Nodes,
		Connection: w.Connection,
		Settings:   w.Settings,
	}
}

// ExecutionRecord is one completed (or aborted) Executor.Execute run, kept
// for history/debugging — not part of the core triad's contract.
type ExecutionRecord struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Status       string         `json:"status"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// WorkflowStore provides persistent storage for workflows and executions
// using BoltDB.
type WorkflowStore struct {
	db             *bbolt.DB
	mu             sync.RWMutex
	memCache       map[string]Workflow
	executionCache map[string]*ExecutionRecord
	maxCacheSize   int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

var (
	bucketWorkflows  = []byte("workflows")
	bucketExecutions = []byte("executions")
	bucketVersions   = []byte("versions")
	bucketIndexes    = []byte("indexes")
)

// NewWorkflowStore opens (creating if absent) a BoltDB file under dbPath
// and warms the in-memory workflow cache from it.
func NewWorkflowStore(dbPath string, meter metric.Meter) (*WorkflowStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath+"/workflows.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("orchestrator_workflow_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("orchestrator_workflow_db_write_ms")
	cacheHits, _ := meter.Int64Counter("orchestrator_workflow_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("orchestrator_workflow_cache_misses_total")

	store := &WorkflowStore{
		db:             db,
		memCache:       make(map[string]Workflow),
		executionCache: make(map[string]*ExecutionRecord),
		maxCacheSize:   1000,
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}

	if err := store.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (ws *WorkflowStore) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.db.Close()
}

// WithDB runs fn against the underlying BoltDB handle in an update
// transaction, for callers outside this package (the scheduler's own
// schedules bucket) that need direct bucket access without this package
// knowing about schedule persistence.
func (ws *WorkflowStore) WithDB(fn func(tx *bbolt.Tx) error) error {
	return ws.db.Update(fn)
}

// PutWorkflow stores wf, archiving any prior version under the same name.
func (ws *WorkflowStore) PutWorkflow(ctx context.Context, wf Workflow) error {
	start := time.Now()
	defer func() {
		ws.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_workflow")))
	}()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	wf.UpdatedAt = time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = wf.UpdatedAt
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	err = ws.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		existing := bucket.Get([]byte(wf.Name))
		if existing != nil {
			versionBucket := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", wf.Name, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(wf.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}

	ws.memCache[wf.Name] = wf
	return nil
}

// GetWorkflow retrieves a workflow by name, checking the memory cache
// first.
func (ws *WorkflowStore) GetWorkflow(ctx context.Context, name string) (Workflow, bool, error) {
	start := time.Now()
	defer func() {
		ws.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_workflow")))
	}()

	ws.mu.RLock()
	if wf, found := ws.memCache[name]; found {
		ws.mu.RUnlock()
		ws.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return wf, true, nil
	}
	ws.mu.RUnlock()
	ws.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var wf Workflow
	err := ws.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		data := bucket.Get([]byte(name))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return Workflow{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if wf.Name == "" {
		return Workflow{}, false, nil
	}

	ws.mu.Lock()
	ws.memCache[name] = wf
	ws.mu.Unlock()
	return wf, true, nil
}

// ListWorkflows returns cached workflows with simple offset/limit
// pagination.
func (ws *WorkflowStore) ListWorkflows(ctx context.Context, limit, offset int) ([]Workflow, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	workflows := make([]Workflow, 0, len(ws.memCache))
	for _, wf := range ws.memCache {
		workflows = append(workflows, wf)
	}

	start := offset
	if start > len(workflows) {
		start = len(workflows)
	}
	end := start + limit
	if end > len(workflows) || limit <= 0 {
		end = len(workflows)
	}
	return workflows[start:end], nil
}

// DeleteWorkflow removes a workflow, archiving its last version first.
func (ws *WorkflowStore) DeleteWorkflow(ctx context.Context, name string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	err := ws.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		data := bucket.Get([]byte(name))
		if data != nil {
			versionBucket := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(archiveKey), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	delete(ws.memCache, name)
	return nil
}

// PutExecution stores one run's outcome.
func (ws *WorkflowStore) PutExecution(ctx context.Context, rec *ExecutionRecord) error {
	start := time.Now()
	defer func() {
		ws.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_execution")))
	}()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	err = ws.db.Update(func(tx *bbolt.Tx) error {
		execBucket := tx.Bucket(bucketExecutions)
		if err := execBucket.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		indexBucket := tx.Bucket(bucketIndexes)
		indexKey := fmt.Sprintf("%s:%d:%s", rec.WorkflowName, rec.StartTime.UnixNano(), rec.ID)
		return indexBucket.Put([]byte(indexKey), []byte(rec.ID))
	})
	if err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	if len(ws.executionCache) >= ws.maxCacheSize {
		ws.evictOldestExecution()
	}
	ws.executionCache[rec.ID] = rec
	return nil
}

// GetExecution retrieves an execution record by id.
func (ws *WorkflowStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, bool, error) {
	start := time.Now()
	defer func() {
		ws.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_execution")))
	}()

	ws.mu.RLock()
	if rec, found := ws.executionCache[id]; found {
		ws.mu.RUnlock()
		ws.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))
		return rec, true, nil
	}
	ws.mu.RUnlock()
	ws.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "execution")))

	var rec ExecutionRecord
	err := ws.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketExecutions)
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read execution: %w", err)
	}
	if rec.ID == "" {
		return nil, false, nil
	}
	return &rec, true, nil
}

// ListExecutions returns executions for workflowName within [startTime,
// endTime], oldest start time first, capped at limit.
func (ws *WorkflowStore) ListExecutions(ctx context.Context, workflowName string, startTime, endTime time.Time, limit int) ([]*ExecutionRecord, error) {
	executions := make([]*ExecutionRecord, 0, limit)

	err := ws.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)

		prefix := []byte(workflowName + ":")
		cursor := indexBucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var rec ExecutionRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.StartTime.After(endTime) {
				break
			}
			if rec.StartTime.Before(startTime) {
				continue
			}
			executions = append(executions, &rec)
			count++
		}
		return nil
	})
	return executions, err
}

// GetWorkflowVersions returns archived versions of a workflow, oldest
// write order.
func (ws *WorkflowStore) GetWorkflowVersions(ctx context.Context, name string, limit int) ([]Workflow, error) {
	versions := make([]Workflow, 0, limit)

	err := ws.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		prefix := []byte(name + ":")
		cursor := bucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				continue
			}
			versions = append(versions, wf)
			count++
		}
		return nil
	})
	return versions, err
}

// GetStats returns a snapshot of database and cache sizes.
func (ws *WorkflowStore) GetStats() map[string]any {
	stats := make(map[string]any)

	ws.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, bucketName := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions} {
			if bucket := tx.Bucket(bucketName); bucket != nil {
				stats[string(bucketName)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})

	ws.mu.RLock()
	stats["cache_workflows"] = len(ws.memCache)
	stats["cache_executions"] = len(ws.executionCache)
	stats["cache_max_size"] = ws.maxCacheSize
	ws.mu.RUnlock()
	return stats
}

func (ws *WorkflowStore) warmCache() error {
	return ws.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var wf Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			ws.memCache[wf.Name] = wf
			return nil
		})
	})
}

func (ws *WorkflowStore) evictOldestExecution() {
	var oldestID string
	var oldestTime time.Time
	for id, rec := range ws.executionCache {
		if oldestID == "" || rec.StartTime.Before(oldestTime) {
			oldestID = id
			oldestTime = rec.StartTime
		}
	}
	if oldestID != "" {
		delete(ws.executionCache, oldestID)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
