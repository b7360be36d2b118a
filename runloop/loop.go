package runloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/helmling/orbit/llmstream"
)

// RunState represents the current lifecycle state of a run.
type RunState string

const (
	StateRunning              RunState = "running"
	StateAwaitingForcedFinish RunState = "awaiting_forced_finish"
	StateDone                 RunState = "done"
	StateCancelled            RunState = "cancelled"
	StateFailed               RunState = "failed"
)

// RunConfig describes one run: the task, its tool set, the declared output,
// and the loop's budgets.
type RunConfig struct {
	// Name is a short task identifier used in the seeded prompt and logs.
	Name string `json:"name"`

	// Description is the natural-language task handed to the model.
	Description string `json:"description"`

	// Background holds optional supporting material appended to the task
	// message.
	Background string `json:"background,omitempty"`

	// SystemPrompt overrides the default seeded system message.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Tools are the caller-supplied tools for this run.
	Tools []RegisteredTool `json:"-"`

	// DefaultTools are ambient tools registered before the caller's; a caller
	// tool with the same name wins.
	DefaultTools []RegisteredTool `json:"-"`

	// OutputDescription and OutputSchema shape the finish tool's value field.
	OutputDescription string                 `json:"output_description,omitempty"`
	OutputSchema      map[string]interface{} `json:"output_schema,omitempty"`

	// MaxRounds bounds the number of full rounds; one extra forced-finish
	// round may follow. 0 means the default of 100.
	MaxRounds int `json:"max_rounds"`

	// Params are the model parameters used on every request.
	Params llmstream.Params `json:"params"`

	// Compaction selects the pluggable history strategy applied to a fresh
	// copy of the history before every round. Image pruning always runs
	// inside the round executor regardless of this setting.
	Compaction Strategy `json:"compaction,omitempty"`

	// Hooks are the optional lifecycle callbacks for this run.
	Hooks Hooks `json:"-"`

	// EnableLoopDetection injects a steering message when the trailing tool
	// invocations repeat. Nil means enabled.
	EnableLoopDetection *bool `json:"enable_loop_detection,omitempty"`

	// LoopDetectionWindow is the number of trailing invocations inspected.
	LoopDetectionWindow int `json:"loop_detection_window,omitempty"`
}

// DefaultMaxRounds is the round budget applied when RunConfig.MaxRounds is 0.
const DefaultMaxRounds = 100

const defaultLoopDetectionWindow = 10

func (c *RunConfig) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.LoopDetectionWindow <= 0 {
		c.LoopDetectionWindow = defaultLoopDetectionWindow
	}
}

func (c *RunConfig) loopDetectionEnabled() bool {
	return c.EnableLoopDetection == nil || *c.EnableLoopDetection
}

// RunResult is the final outcome of a run. Value is nil for an empty result,
// a json.RawMessage when the model declared a value, or a string when the
// model elected to reuse the last cached tool result.
type RunResult struct {
	Value      interface{}         `json:"value,omitempty"`
	Successful bool                `json:"successful"`
	Usage      llmstream.Usage     `json:"usage"`
	Messages   []llmstream.Message `json:"messages"`
}

// AgentLoop is the top-level controller for one run. It owns the round
// budget, the termination policy, and final-result extraction. A loop runs
// once; rounds execute strictly sequentially.
type AgentLoop struct {
	client   llmstream.StreamClient
	config   RunConfig
	registry *ToolRegistry
	ec       *ExecutionContext
	executor *RoundExecutor
	emitter  *EventEmitter
	logger   *slog.Logger
	retry    llmstream.RetryPolicy

	mu       sync.Mutex
	state    RunState
	history  []llmstream.Message
	round    int
	steering []string
	usage    llmstream.Usage
}

// LoopOption configures an AgentLoop.
type LoopOption func(*AgentLoop)

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *AgentLoop) {
		l.logger = logger
	}
}

// WithRetryPolicy overrides the transport retry delay curve.
func WithRetryPolicy(policy llmstream.RetryPolicy) LoopOption {
	return func(l *AgentLoop) {
		l.retry = policy
	}
}

// NewAgentLoop creates a loop for one run. The registry is composed here:
// default tools, then caller tools, then the synthesized finish tool last.
func NewAgentLoop(client llmstream.StreamClient, config RunConfig, opts ...LoopOption) *AgentLoop {
	config.applyDefaults()

	l := &AgentLoop{
		client: client,
		config: config,
		logger: slog.Default(),
		retry:  llmstream.DefaultRetryPolicy(),
		state:  StateRunning,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.ec = NewExecutionContext(config.Hooks)
	l.emitter = NewEventEmitter(l.ec.RunID(), 256)
	l.executor = NewRoundExecutor(client, l.logger, l.emitter, l.retry)
	l.registry = NewRunRegistry(
		config.DefaultTools,
		config.Tools,
		SynthesizeFinishTool(config.OutputDescription, config.OutputSchema),
	)
	return l
}

// RunID returns the run identifier.
func (l *AgentLoop) RunID() string { return l.ec.RunID() }

// State returns the current run state.
func (l *AgentLoop) State() RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Registry returns the run's tool registry.
func (l *AgentLoop) Registry() *ToolRegistry { return l.registry }

// ExecutionContext returns the run's execution context.
func (l *AgentLoop) ExecutionContext() *ExecutionContext { return l.ec }

// Events returns the event channel for the host application.
func (l *AgentLoop) Events() <-chan RunEvent { return l.emitter.Events() }

// History returns a copy of the conversation history.
func (l *AgentLoop) History() []llmstream.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := make([]llmstream.Message, len(l.history))
	copy(h, l.history)
	return h
}

// Steer queues a message to be injected before the next round.
func (l *AgentLoop) Steer(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steering = append(l.steering, message)
}

// Cancel signals the run to stop. Cooperative: the in-flight invocation runs
// to completion, then the run fails with ErrCancelled.
func (l *AgentLoop) Cancel() {
	l.ec.Cancel()
}

// Run executes the loop to completion. It returns the final output value and
// the full transcript, or ErrCancelled when the run was aborted. All other
// faults are absorbed into the transcript.
func (l *AgentLoop) Run(ctx context.Context) (*RunResult, error) {
	l.setState(StateRunning)
	l.emitter.Emit(EventRunStart, map[string]interface{}{
		"task": l.config.Name,
	})
	defer l.emitter.Close()

	l.seedHistory()

	for {
		if err := l.checkCancelled(ctx); err != nil {
			return nil, err
		}
		l.drainSteering()

		l.incrementRound()
		l.emitter.Emit(EventRoundStart, map[string]interface{}{"round": l.currentRound()})

		result, err := l.runRound(ctx, l.registry, nil)
		if err != nil {
			return nil, l.failWith(err)
		}
		l.appendMessages(result.Messages...)
		l.addUsage(result)

		// Termination checks, in order.
		if !result.HasToolUse {
			if err := l.forcedFinish(ctx,
				"You responded without calling a tool. You must now call "+
					FinishToolName+" to declare the final output of the task."); err != nil {
				return nil, err
			}
			break
		}
		if result.FinishCalled {
			break
		}
		if l.currentRound() >= l.config.MaxRounds {
			l.emitter.Emit(EventRoundLimit, map[string]interface{}{"round": l.currentRound()})
			if err := l.forcedFinish(ctx,
				"The round budget is exhausted. Call "+FinishToolName+
					" now with your best-effort final output."); err != nil {
				return nil, err
			}
			break
		}

		l.maybeInjectLoopWarning()
	}

	l.setState(StateDone)
	final := l.finalize()
	l.emitter.Emit(EventRunEnd, map[string]interface{}{
		"state":      string(StateDone),
		"successful": final.Successful,
	})
	return final, nil
}

// seedHistory installs the initial system and user messages.
func (l *AgentLoop) seedHistory() {
	systemPrompt := l.config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = fmt.Sprintf(
			"You are an autonomous agent working on the task %q. "+
				"Use the provided tools to make progress. Every tool call must include "+
				"your observation of the previous result, your thinking, and a short "+
				"user-facing caption. When the task is complete (or cannot proceed), "+
				"call %s to declare the final output.",
			l.config.Name, FinishToolName)
	}

	task := l.config.Description
	if l.config.Background != "" {
		task += "\n\n# Background\n\n" + l.config.Background
	}

	l.appendMessages(
		llmstream.SystemMessage(systemPrompt),
		llmstream.UserMessage(task),
	)
}

// runRound prepares the per-round history copy and delegates to the executor.
// toolChoice overrides the configured tool choice when non-nil.
func (l *AgentLoop) runRound(ctx context.Context, reg *ToolRegistry, toolChoice *llmstream.ToolChoice) (*RoundResult, error) {
	// The pluggable strategy always receives a fresh deep copy of the master
	// history so lossy strategies never compound.
	working := Compact(l.config.Compaction, l.History())

	params := l.config.Params
	if toolChoice != nil {
		params.ToolChoice = toolChoice
	} else if params.ToolChoice == nil {
		params.ToolChoice = &llmstream.ToolChoice{Mode: "auto"}
	}

	return l.executor.RunRound(ctx, working, params, reg, l.ec)
}

// forcedFinish appends the instruction message and runs exactly one more
// round restricted to the finish tool. The run terminates to done regardless
// of whether the model actually calls it; only cancellation propagates.
func (l *AgentLoop) forcedFinish(ctx context.Context, instruction string) error {
	l.setState(StateAwaitingForcedFinish)
	l.emitter.Emit(EventForcedFinish, nil)
	l.appendMessages(llmstream.UserMessage(instruction))

	result, err := l.runRound(ctx, l.registry.FinishOnly(),
		&llmstream.ToolChoice{Mode: "named", ToolName: FinishToolName})
	if err != nil {
		return l.failWith(err)
	}
	l.appendMessages(result.Messages...)
	l.addUsage(result)
	return nil
}

// finalize consumes the finish payload and resolves the final value. An
// absent or incomplete payload yields an empty result, which is a normal
// outcome, not an error.
func (l *AgentLoop) finalize() *RunResult {
	result := &RunResult{
		Usage:    l.totalUsage(),
		Messages: l.History(),
	}

	payload, ok := takeFinishPayload(l.ec)
	if !ok {
		l.logger.Warn("run ended without a declared final output", "run_id", l.ec.RunID())
		return result
	}
	result.Successful = payload.IsSuccessful

	if payload.UseToolResult {
		if last, ok := l.ec.Cache().Last(); ok {
			result.Value = last
		} else {
			l.logger.Warn("use_tool_result requested but no tool results were cached", "run_id", l.ec.RunID())
		}
		return result
	}
	if len(payload.Value) > 0 {
		result.Value = json.RawMessage(payload.Value)
	}
	return result
}

// maybeInjectLoopWarning appends a steering message when the trailing tool
// invocations repeat.
func (l *AgentLoop) maybeInjectLoopWarning() {
	if !l.config.loopDetectionEnabled() {
		return
	}
	window := l.config.LoopDetectionWindow
	if !DetectLoop(l.History(), window) {
		return
	}
	warning := fmt.Sprintf(
		"Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.",
		window)
	l.appendMessages(llmstream.UserMessage(warning))
	l.emitter.Emit(EventLoopDetection, map[string]interface{}{"message": warning})
}

// drainSteering injects all queued steering messages into the history.
func (l *AgentLoop) drainSteering() {
	l.mu.Lock()
	queued := l.steering
	l.steering = nil
	l.mu.Unlock()

	for _, msg := range queued {
		l.appendMessages(llmstream.UserMessage(msg))
		l.emitter.Emit(EventSteeringInjected, map[string]interface{}{"content": msg})
	}
}

func (l *AgentLoop) checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil || l.ec.Cancelled() {
		return l.failWith(ErrCancelled)
	}
	return nil
}

// failWith records the terminal state for err and returns it.
func (l *AgentLoop) failWith(err error) error {
	if errors.Is(err, ErrCancelled) {
		l.setState(StateCancelled)
		l.emitter.Emit(EventRunEnd, map[string]interface{}{"state": string(StateCancelled)})
	} else {
		l.setState(StateFailed)
		l.emitter.Emit(EventError, map[string]interface{}{"error": err.Error()})
	}
	return err
}

func (l *AgentLoop) setState(state RunState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

func (l *AgentLoop) appendMessages(msgs ...llmstream.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, msgs...)
}

func (l *AgentLoop) incrementRound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.round++
}

func (l *AgentLoop) currentRound() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round
}

func (l *AgentLoop) addUsage(result *RoundResult) {
	if result.Response == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage = l.usage.Add(result.Response.Usage)
}

func (l *AgentLoop) totalUsage() llmstream.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}
