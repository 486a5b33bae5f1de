// Package executor defines the boundary between the worker runtime and
// whatever actually performs a task (an agent session, a script, a scan).
//
// The runtime treats execution as an opaque, possibly long-running call. It
// passes a context that is cancelled on deadline or shutdown; executors must
// return promptly once it is done.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/clockq/pkg/model"
)

// Status classifies an execution result.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusRetryable Status = "retryable_failure"
	StatusTerminal  Status = "terminal_failure"
)

// ErrNoExecutor is returned by a Router for task types without a route.
var ErrNoExecutor = errors.New("no executor for task type")

// Task is one delivery handed to an executor.
type Task struct {
	TaskType      string
	Partition     string
	RecordID      model.RecordID
	CorrelationID string
	Payload       []byte
	Deadline      time.Time
	DeliveryCount int
	// Checkpoint is the state saved by an earlier attempt, or nil.
	Checkpoint *model.Checkpoint
}

// Result is what an executor reports back.
type Result struct {
	Status Status
	Data   []byte
	Err    error
	// Checkpoint, when set on a retryable failure, is saved so the next
	// delivery (on any worker) can resume from it.
	Checkpoint []byte
}

// Success returns a successful Result carrying data.
func Success(data []byte) Result { return Result{Status: StatusSuccess, Data: data} }

// Retryable returns a failure that should be redelivered later.
func Retryable(err error) Result { return Result{Status: StatusRetryable, Err: err} }

// Terminal returns a failure that must not be retried.
func Terminal(err error) Result { return Result{Status: StatusTerminal, Err: err} }

// Executor performs tasks.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, task Task) Result

func (f Func) Execute(ctx context.Context, task Task) Result { return f(ctx, task) }

// Router dispatches tasks to an executor by task type.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Executor
	fallback Executor
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Executor)}
}

// Handle routes taskType to ex, replacing any earlier route.
func (r *Router) Handle(taskType string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[taskType] = ex
}

// Fallback sets the executor for types without a route.
func (r *Router) Fallback(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Types returns the routed task types in sorted order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute runs task on its route. A task with no route and no fallback is
// a terminal failure: redelivering it cannot help.
func (r *Router) Execute(ctx context.Context, task Task) Result {
	r.mu.RLock()
	ex, ok := r.routes[task.TaskType]
	if !ok {
		ex = r.fallback
	}
	r.mu.RUnlock()
	if ex == nil {
		return Terminal(fmt.Errorf("%w: %q", ErrNoExecutor, task.TaskType))
	}
	return ex.Execute(ctx, task)
}
