package runloop

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Hooks are the optional lifecycle callbacks a host may attach to a run. All
// fields may be nil. Hooks run on the loop's goroutine; a hook that needs to
// stop the run sets the context's abort flag via Cancel.
type Hooks struct {
	// BeforeToolUse runs before a tool executes. It may rewrite the input by
	// returning a non-nil replacement, or request that the invocation be
	// skipped via ec.RequestSkip. An error fails the invocation (not the run).
	BeforeToolUse func(ec *ExecutionContext, toolName string, input json.RawMessage) (json.RawMessage, error)

	// AfterToolUse runs after a tool executes successfully. It may rewrite the
	// output by returning a non-nil replacement. An error fails the invocation.
	AfterToolUse func(ec *ExecutionContext, toolName string, output *ToolOutput) (*ToolOutput, error)

	// OnAssistantThinking receives the thinking draft from each invocation
	// envelope.
	OnAssistantThinking func(thinking string)

	// OnToolCaption receives the user-facing caption from each invocation
	// envelope, with the tool it describes.
	OnToolCaption func(toolName, caption string)
}

// ExecutionContext is the per-run mutable state shared with tools: a key/value
// variable store, cooperative cancellation and skip flags, the hook set, and
// the tool-result cache. It is exclusively owned by one run and must never be
// shared across concurrent runs.
type ExecutionContext struct {
	runID string
	hooks Hooks

	mu            sync.Mutex
	vars          map[string]interface{}
	cancelled     bool
	skipRequested bool

	cache *ToolResultCache
}

// NewExecutionContext creates an ExecutionContext for a new run.
func NewExecutionContext(hooks Hooks) *ExecutionContext {
	return &ExecutionContext{
		runID: uuid.New().String(),
		hooks: hooks,
		vars:  make(map[string]interface{}),
		cache: NewToolResultCache(),
	}
}

// RunID returns the run identifier.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// Hooks returns the hook set attached to the run.
func (ec *ExecutionContext) Hooks() Hooks { return ec.hooks }

// Cache returns the run's tool-result cache.
func (ec *ExecutionContext) Cache() *ToolResultCache { return ec.cache }

// Set stores a value in the variable store.
func (ec *ExecutionContext) Set(key string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.vars[key] = value
}

// Get reads a value from the variable store.
func (ec *ExecutionContext) Get(key string) (interface{}, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.vars[key]
	return v, ok
}

// Take reads and deletes a value in one step (one-shot consumption).
func (ec *ExecutionContext) Take(key string) (interface{}, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.vars[key]
	if ok {
		delete(ec.vars, key)
	}
	return v, ok
}

// Delete removes a value from the variable store.
func (ec *ExecutionContext) Delete(key string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.vars, key)
}

// Cancel sets the abort flag. Cancellation is cooperative: the invocation in
// flight runs to completion, and the flag is observed before the next round
// and after the in-flight invocation settles.
func (ec *ExecutionContext) Cancel() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cancelled = true
}

// Cancelled reports whether the abort flag is set.
func (ec *ExecutionContext) Cancelled() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelled
}

// RequestSkip asks the executor to skip the current invocation. Intended for
// BeforeToolUse hooks.
func (ec *ExecutionContext) RequestSkip() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.skipRequested = true
}

// ConsumeSkip reads and clears the skip flag.
func (ec *ExecutionContext) ConsumeSkip() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	skip := ec.skipRequested
	ec.skipRequested = false
	return skip
}
