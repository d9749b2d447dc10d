// Package orchestrator schedules workflows: directed acyclic graphs of
// tasks dispatched to agents resolved through discovery.
package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCycleDetected is returned when a workflow definition contains a
	// dependency cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when a task depends on a task ID
	// not present in the workflow.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrWorkflowNotFound is returned for operations on an unknown
	// workflow ID.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// CycleError reports the path of a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// DeadlockError reports a workflow that can make no further progress.
type DeadlockError struct {
	WorkflowID   string
	BlockedTasks []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("workflow %s deadlocked: tasks blocked with no dispatchable dependency: %s",
		e.WorkflowID, strings.Join(e.BlockedTasks, ", "))
}

// ErrWorkflowDeadlock is the sentinel matched by errors.Is for
// DeadlockError.
var ErrWorkflowDeadlock = errors.New("workflow deadlocked")

func (e *DeadlockError) Unwrap() error {
	return ErrWorkflowDeadlock
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the task reached a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskSpec describes one task in a workflow definition.
type TaskSpec struct {
	TaskID               string   `json:"task_id"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Dependencies         []string `json:"dependencies,omitempty"`
}

// Definition is the input describing a workflow to create.
type Definition struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Tasks       []TaskSpec `json:"tasks"`
}

// Task is the tracked state of one workflow task.
type Task struct {
	ID                   string     `json:"id"`
	Description          string     `json:"description,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	Status               TaskStatus `json:"status"`
	AssignedAgent        string     `json:"assigned_agent,omitempty"`
	CorrelationID        string     `json:"correlation_id,omitempty"`
	Result               string     `json:"result,omitempty"`
	Error                string     `json:"error,omitempty"`
	DispatchedAt         *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`

	// assigning marks a task taken off the ready set while an agent is
	// being resolved. The status stays pending until the task message
	// actually goes out; assigning is never persisted.
	assigning bool
}

// Workflow is the tracked state of one workflow run.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      WorkflowStatus   `json:"status"`
	Tasks       map[string]*Task `json:"tasks"`

	// CompletionPercentage is completed tasks over total tasks, in
	// [0, 1]. Monotonically non-decreasing across transitions.
	CompletionPercentage float64 `json:"completion_percentage"`

	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// dependents maps a task to the tasks waiting on it. Rebuilt from
	// Tasks after deserialization.
	dependents map[string][]string
}

// newWorkflow validates a definition and builds the initial state.
func newWorkflow(def Definition) (*Workflow, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %q has no tasks", def.Name)
	}

	wf := &Workflow{
		ID:          uuid.New().String(),
		Name:        def.Name,
		Description: def.Description,
		Status:      WorkflowCreated,
		Tasks:       make(map[string]*Task, len(def.Tasks)),
		CreatedAt:   time.Now().UTC(),
	}

	for _, spec := range def.Tasks {
		if spec.TaskID == "" {
			return nil, fmt.Errorf("workflow %q: task ID is required", def.Name)
		}
		if _, dup := wf.Tasks[spec.TaskID]; dup {
			return nil, fmt.Errorf("workflow %q: duplicate task %q", def.Name, spec.TaskID)
		}
		if len(spec.RequiredCapabilities) == 0 {
			return nil, fmt.Errorf("workflow %q: task %q requires at least one capability", def.Name, spec.TaskID)
		}
		wf.Tasks[spec.TaskID] = &Task{
			ID:                   spec.TaskID,
			Description:          spec.Description,
			RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
			Dependencies:         append([]string(nil), spec.Dependencies...),
			Status:               TaskPending,
		}
	}

	if err := wf.validate(); err != nil {
		return nil, err
	}
	wf.buildIndex()
	return wf, nil
}

// validate checks for unknown dependencies and cycles. Cycle detection
// is DFS with coloring: white unvisited, gray on the current path,
// black fully explored.
func (w *Workflow) validate() error {
	for id, task := range w.Tasks {
		for _, dep := range task.Dependencies {
			if _, exists := w.Tasks[dep]; !exists {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrUnknownDependency, id, dep)
			}
		}
	}

	colors := make(map[string]int)
	var stack []string

	var dfs func(id string) error
	dfs = func(id string) error {
		if colors[id] == 1 {
			cycleStart := 0
			for i, n := range stack {
				if n == id {
					cycleStart = i
					break
				}
			}
			return &CycleError{Path: append(append([]string(nil), stack[cycleStart:]...), id)}
		}
		if colors[id] == 2 {
			return nil
		}

		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range w.Tasks[id].Dependencies {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		colors[id] = 2
		stack = stack[:len(stack)-1]
		return nil
	}

	for id := range w.Tasks {
		if colors[id] == 0 {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildIndex computes the reverse adjacency list.
func (w *Workflow) buildIndex() {
	w.dependents = make(map[string][]string)
	for id, task := range w.Tasks {
		for _, dep := range task.Dependencies {
			w.dependents[dep] = append(w.dependents[dep], id)
		}
	}
}

// ready returns pending tasks whose dependencies are all completed and
// which are not already being assigned an agent.
func (w *Workflow) ready() []*Task {
	var out []*Task
	for _, task := range w.Tasks {
		if task.Status != TaskPending || task.assigning {
			continue
		}
		unblocked := true
		for _, dep := range task.Dependencies {
			if w.Tasks[dep].Status != TaskCompleted {
				unblocked = false
				break
			}
		}
		if unblocked {
			out = append(out, task)
		}
	}
	return out
}

// recomputeCompletion updates the completion percentage. Completed is a
// terminal state, so the value never decreases.
func (w *Workflow) recomputeCompletion() {
	if len(w.Tasks) == 0 {
		return
	}
	completed := 0
	for _, task := range w.Tasks {
		if task.Status == TaskCompleted {
			completed++
		}
	}
	w.CompletionPercentage = float64(completed) / float64(len(w.Tasks))
}

// counts tallies tasks per status. Tasks mid-assignment count as
// dispatched: they are in flight, not blocked.
func (w *Workflow) counts() map[TaskStatus]int {
	c := make(map[TaskStatus]int)
	for _, task := range w.Tasks {
		if task.Status == TaskPending && task.assigning {
			c[TaskDispatched]++
			continue
		}
		c[task.Status]++
	}
	return c
}

// clone deep-copies the workflow for callers and the store.
func (w *Workflow) clone() *Workflow {
	out := *w
	out.Tasks = make(map[string]*Task, len(w.Tasks))
	for id, task := range w.Tasks {
		t := *task
		out.Tasks[id] = &t
	}
	out.dependents = nil
	return &out
}
