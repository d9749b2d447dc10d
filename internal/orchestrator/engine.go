package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/discovery"
	"github.com/agentmesh-dev/agentmesh/internal/retry"
	"github.com/agentmesh-dev/agentmesh/pkg/metrics"
)

// DefaultBudget is the workflow wall-clock ceiling when the
// configuration does not override it.
const DefaultBudget = 10 * time.Minute

// CancelMessageType is the fire-and-forget notification sent to agents
// holding dispatched tasks when their workflow is cancelled.
const CancelMessageType = "workflow:task_cancel"

// TaskPayload is the body of a dispatched task message.
type TaskPayload struct {
	WorkflowID    string `json:"workflow_id"`
	TaskID        string `json:"task_id"`
	CorrelationID string `json:"correlation_id"`
	Description   string `json:"description,omitempty"`

	// DependencyResults carries the result payload of each completed
	// dependency, keyed by task ID.
	DependencyResults map[string]string `json:"dependency_results,omitempty"`
}

// CancelPayload is the body of a cancel notification.
type CancelPayload struct {
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`
}

// Dispatcher is the slice of the agent runtime the engine needs:
// correlated requests for task dispatch and fire-and-forget sends for
// cancel notifications.
type Dispatcher interface {
	Request(ctx context.Context, receiverID, msgType string, payload any) (*agent.Message, error)
	Send(ctx context.Context, receiverID, msgType string, payload any) error
}

// Engine runs workflows. Each workflow has its own mutex; independent
// workflows progress in parallel, and independent branches of one
// workflow dispatch concurrently.
type Engine struct {
	dispatcher Dispatcher
	disc       discovery.Service
	store      Store
	retry      retry.Policy
	budget     time.Duration

	mu   sync.RWMutex
	runs map[string]*run
}

type run struct {
	mu     sync.Mutex
	wf     *Workflow
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStore sets the workflow snapshot store.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithRetryPolicy sets the capability resolution backoff.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithBudget sets the workflow wall-clock ceiling.
func WithBudget(d time.Duration) Option {
	return func(e *Engine) { e.budget = d }
}

// New creates an engine dispatching through the given runtime and
// resolving agents through the given discovery service.
func New(dispatcher Dispatcher, disc discovery.Service, opts ...Option) *Engine {
	e := &Engine{
		dispatcher: dispatcher,
		disc:       disc,
		store:      NewMemoryStore(),
		retry:      retry.DefaultPolicy(),
		budget:     DefaultBudget,
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateWorkflow validates a definition and registers a workflow in the
// created state. Validation rejects cycles and unknown dependencies.
func (e *Engine) CreateWorkflow(ctx context.Context, def Definition) (*Workflow, error) {
	wf, err := newWorkflow(def)
	if err != nil {
		return nil, err
	}

	r := &run{wf: wf, done: make(chan struct{})}
	e.mu.Lock()
	e.runs[wf.ID] = r
	e.mu.Unlock()

	e.persist(wf.clone())
	return wf.clone(), nil
}

// StartWorkflow begins executing a created workflow. It returns
// immediately; use Wait to block for the outcome.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string) error {
	r := e.lookup(workflowID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wf.Status != WorkflowCreated {
		return fmt.Errorf("workflow %s is %s, cannot start", workflowID, r.wf.Status)
	}

	now := time.Now().UTC()
	r.wf.Status = WorkflowRunning
	r.wf.StartedAt = &now
	r.ctx, r.cancel = context.WithTimeout(context.Background(), e.budget)

	log.Printf("[Orchestrator] starting workflow %s (%s) with %d tasks", r.wf.ID, r.wf.Name, len(r.wf.Tasks))
	go e.watchBudget(r)

	e.dispatchReadyLocked(r)
	e.evaluateLocked(r)
	e.persistLocked(r)
	return nil
}

// Cancel stops a workflow, marking every non-terminal task cancelled
// and notifying agents holding dispatched tasks. Notifications are best
// effort and never block the cancellation.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	r := e.lookup(workflowID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wf.Status.Terminal() {
		return fmt.Errorf("workflow %s already %s", workflowID, r.wf.Status)
	}
	e.cancelLocked(r, "cancelled by caller")
	e.persistLocked(r)
	return nil
}

// Get returns a snapshot of a workflow's state.
func (e *Engine) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	r := e.lookup(workflowID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.clone(), nil
}

// List returns snapshots of every known workflow.
func (e *Engine) List(ctx context.Context) []*Workflow {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]*Workflow, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.wf.clone())
		r.mu.Unlock()
	}
	return out
}

// Wait blocks until the workflow reaches a terminal state or ctx ends,
// then returns the final snapshot.
func (e *Engine) Wait(ctx context.Context, workflowID string) (*Workflow, error) {
	r := e.lookup(workflowID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	select {
	case <-r.done:
		return e.Get(ctx, workflowID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) lookup(workflowID string) *run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[workflowID]
}

// dispatchReadyLocked takes every ready task off the ready set and
// launches a dispatch goroutine per task. Independent branches
// therefore run concurrently. The status flips to dispatched only once
// an agent is resolved and the task message goes out. Caller holds
// r.mu.
func (e *Engine) dispatchReadyLocked(r *run) {
	for _, task := range r.wf.ready() {
		task.assigning = true
		task.CorrelationID = uuid.New().String()
		go e.dispatchTask(r, task.ID)
	}
}

// dispatchTask resolves an agent for one task, ships the task message,
// and records the outcome.
func (e *Engine) dispatchTask(r *run, taskID string) {
	r.mu.Lock()
	task := r.wf.Tasks[taskID]
	caps := append([]string(nil), task.RequiredCapabilities...)
	payload := TaskPayload{
		WorkflowID:        r.wf.ID,
		TaskID:            task.ID,
		CorrelationID:     task.CorrelationID,
		Description:       task.Description,
		DependencyResults: make(map[string]string, len(task.Dependencies)),
	}
	for _, dep := range task.Dependencies {
		payload.DependencyResults[dep] = r.wf.Tasks[dep].Result
	}
	ctx := r.ctx
	r.mu.Unlock()

	agentID, err := e.resolveAgent(ctx, caps)
	if err != nil {
		e.finishTask(r, taskID, "", err)
		return
	}

	r.mu.Lock()
	if task.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = TaskDispatched
	task.DispatchedAt = &now
	task.AssignedAgent = agentID
	metrics.RecordTaskDispatched()
	e.persistLocked(r)
	r.mu.Unlock()

	resp, err := e.dispatcher.Request(ctx, agentID, caps[0], payload)
	if err != nil {
		e.finishTask(r, taskID, "", fmt.Errorf("dispatch to %s: %w", agentID, err))
		return
	}

	var ep agent.ErrorPayload
	if uerr := resp.UnmarshalPayload(&ep); uerr == nil && ep.Error != "" {
		e.finishTask(r, taskID, "", fmt.Errorf("agent %s: %s", agentID, ep.Error))
		return
	}
	e.finishTask(r, taskID, resp.Payload, nil)
}

// resolveAgent finds a live agent providing every required capability.
// The first capability drives the lookup; the remainder filter the
// matches. First live match wins. Retried with backoff, then
// agent.ErrCapabilityNotFound.
func (e *Engine) resolveAgent(ctx context.Context, caps []string) (string, error) {
	var chosen string
	attempt := 0
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RecordTaskRetry()
		}
		regs, err := e.disc.FindByCapability(ctx, caps[0])
		if err != nil {
			return err
		}
		for _, reg := range regs {
			if hasAll(reg.Capabilities, caps) {
				chosen = reg.AgentID
				return nil
			}
		}
		return fmt.Errorf("no live agent provides %s", strings.Join(caps, ", "))
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", agent.ErrCapabilityNotFound, err)
	}
	return chosen, nil
}

// finishTask records a task outcome and drives the workflow forward:
// failure propagates to dependents, newly unblocked tasks dispatch, and
// the workflow is checked for a terminal state.
func (e *Engine) finishTask(r *run, taskID, result string, taskErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.wf.Tasks[taskID]
	if task.Status.Terminal() {
		return
	}
	task.assigning = false

	now := time.Now().UTC()
	task.FinishedAt = &now
	if taskErr != nil {
		task.Status = TaskFailed
		task.Error = taskErr.Error()
		log.Printf("[Orchestrator] workflow %s task %s failed: %v", r.wf.ID, taskID, taskErr)
		e.propagateFailureLocked(r.wf, taskID)
	} else {
		task.Status = TaskCompleted
		task.Result = result
	}
	r.wf.recomputeCompletion()

	if !r.wf.Status.Terminal() {
		e.dispatchReadyLocked(r)
		e.evaluateLocked(r)
	}
	e.persistLocked(r)
}

// propagateFailureLocked fails every task transitively depending on the
// failed task, without dispatching it. Caller holds r.mu.
func (e *Engine) propagateFailureLocked(wf *Workflow, failedID string) {
	queue := append([]string(nil), wf.dependents[failedID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		task := wf.Tasks[id]
		if task.Status.Terminal() {
			continue
		}
		now := time.Now().UTC()
		task.Status = TaskFailed
		task.Error = fmt.Sprintf("dependency %s failed", failedID)
		task.FinishedAt = &now
		queue = append(queue, wf.dependents[id]...)
	}
}

// evaluateLocked checks for a terminal workflow state. Caller holds
// r.mu and has already dispatched ready tasks.
func (e *Engine) evaluateLocked(r *run) {
	c := r.wf.counts()
	total := len(r.wf.Tasks)

	switch {
	case c[TaskCompleted] == total:
		e.finalizeLocked(r, WorkflowCompleted, "")
	case c[TaskPending]+c[TaskDispatched] == 0:
		e.finalizeLocked(r, WorkflowFailed, "one or more tasks failed")
	case c[TaskDispatched] == 0 && c[TaskPending] > 0:
		var blocked []string
		for id, task := range r.wf.Tasks {
			if task.Status == TaskPending {
				blocked = append(blocked, id)
			}
		}
		derr := &DeadlockError{WorkflowID: r.wf.ID, BlockedTasks: blocked}
		log.Printf("[Orchestrator] %v", derr)
		e.finalizeLocked(r, WorkflowFailed, derr.Error())
	}
}

// cancelLocked transitions a non-terminal workflow to cancelled and
// fires cancel notifications for dispatched tasks. Caller holds r.mu.
func (e *Engine) cancelLocked(r *run, reason string) {
	type notice struct {
		agentID string
		taskID  string
	}
	var notices []notice
	for id, task := range r.wf.Tasks {
		if task.Status == TaskDispatched && task.AssignedAgent != "" {
			notices = append(notices, notice{agentID: task.AssignedAgent, taskID: id})
		}
	}

	e.finalizeLocked(r, WorkflowCancelled, reason)

	wfID := r.wf.ID
	for _, nt := range notices {
		go func(nt notice) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.dispatcher.Send(ctx, nt.agentID, CancelMessageType, CancelPayload{WorkflowID: wfID, TaskID: nt.taskID}); err != nil {
				log.Printf("[Orchestrator] cancel notification for task %s to %s failed: %v", nt.taskID, nt.agentID, err)
			}
		}(nt)
	}
}

// finalizeLocked records a terminal workflow state, cancelling every
// task not yet terminal. Caller holds r.mu.
func (e *Engine) finalizeLocked(r *run, status WorkflowStatus, errMsg string) {
	now := time.Now().UTC()
	r.wf.Status = status
	r.wf.Error = errMsg
	r.wf.CompletedAt = &now
	for _, task := range r.wf.Tasks {
		if !task.Status.Terminal() {
			task.Status = TaskCancelled
			task.FinishedAt = &now
		}
	}
	r.wf.recomputeCompletion()
	metrics.RecordWorkflowFinished(string(status))
	log.Printf("[Orchestrator] workflow %s finished: %s (%.0f%% complete)", r.wf.ID, status, r.wf.CompletionPercentage*100)

	if r.cancel != nil {
		r.cancel()
	}
	close(r.done)
}

// watchBudget cancels the workflow when its wall-clock budget elapses.
func (e *Engine) watchBudget(r *run) {
	<-r.ctx.Done()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wf.Status.Terminal() {
		return
	}
	log.Printf("[Orchestrator] workflow %s exceeded its budget, cancelling", r.wf.ID)
	e.cancelLocked(r, "workflow budget exceeded")
	e.persistLocked(r)
}

func (e *Engine) persistLocked(r *run) {
	e.persist(r.wf.clone())
}

func (e *Engine) persist(snapshot *Workflow) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Save(ctx, snapshot); err != nil {
		log.Printf("[Orchestrator] persisting workflow %s failed: %v", snapshot.ID, err)
	}
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
