package runloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/helmling/orbit/llmstream"
)

// ErrCancelled is the single terminal error a run produces: the abort
// condition was observed mid-round and the run stopped without a result.
var ErrCancelled = errors.New("run cancelled")

// RoundResult is the transient outcome of one request/response round.
type RoundResult struct {
	// Response is the model's final structured completion, absent when the
	// stream never reached a completion signal.
	Response *llmstream.Response

	// HasToolUse reports whether the model issued a tool invocation.
	HasToolUse bool

	// FinishCalled reports whether one of the round's invocations named the
	// finish tool.
	FinishCalled bool

	// Messages are the round's committed messages in fixed order:
	// accumulated text, then tool_use, then tool_result.
	Messages []llmstream.Message
}

// RoundExecutor runs one round against the model: it streams the completion,
// dispatches at most one tool invocation, and assembles the round's messages.
type RoundExecutor struct {
	client  llmstream.StreamClient
	logger  *slog.Logger
	emitter *EventEmitter
	retry   llmstream.RetryPolicy
}

// NewRoundExecutor creates a RoundExecutor.
func NewRoundExecutor(client llmstream.StreamClient, logger *slog.Logger, emitter *EventEmitter, retry llmstream.RetryPolicy) *RoundExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoundExecutor{client: client, logger: logger, emitter: emitter, retry: retry}
}

// RunRound executes one round. The history is image-pruned in place before
// streaming. Transport errors discard the partial round and retry it from the
// top without an attempt cap; each attempt observes cancellation. Cancellation
// flagged once the in-flight invocation settles fails the round with
// ErrCancelled, and none of its messages are committed.
func (x *RoundExecutor) RunRound(ctx context.Context, history []llmstream.Message, params llmstream.Params, reg *ToolRegistry, ec *ExecutionContext) (*RoundResult, error) {
	PruneImages(history)
	params.Tools = reg.Definitions()

	req := llmstream.Request{Messages: history, Params: params}

	for attempt := 0; ; attempt++ {
		if err := x.checkCancelled(ctx, ec); err != nil {
			return nil, err
		}

		// Fresh handler per attempt: nothing from a failed stream survives.
		h := &roundHandler{ctx: ctx, exec: x, registry: reg, ec: ec}
		err := x.client.GenerateStream(ctx, req, h)
		if err == nil {
			err = h.streamErr
		}
		if err != nil {
			if ctx.Err() != nil || ec.Cancelled() {
				return nil, ErrCancelled
			}
			backoff := attempt
			if backoff > 6 {
				backoff = 6
			}
			delay := x.retry.Delay(backoff)
			x.logger.Warn("stream failed; retrying round",
				"attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return nil, ErrCancelled
			case <-time.After(delay):
			}
			continue
		}

		if err := x.checkCancelled(ctx, ec); err != nil {
			return nil, err
		}
		return h.result(), nil
	}
}

func (x *RoundExecutor) checkCancelled(ctx context.Context, ec *ExecutionContext) error {
	if ctx.Err() != nil || ec.Cancelled() {
		return ErrCancelled
	}
	return nil
}

func (x *RoundExecutor) emit(kind EventKind, data map[string]interface{}) {
	if x.emitter != nil {
		x.emitter.Emit(kind, data)
	}
}

// roundHandler implements llmstream.StreamHandler for one stream attempt. It
// accumulates text, executes the round's invocation inline, and never lets a
// tool failure escape the round.
type roundHandler struct {
	ctx      context.Context
	exec     *RoundExecutor
	registry *ToolRegistry
	ec       *ExecutionContext

	text          strings.Builder
	hasToolUse    bool
	finishCalled  bool
	toolUseMsg    *llmstream.Message
	toolResultMsg *llmstream.Message
	response      *llmstream.Response
	streamErr     error
}

func (h *roundHandler) OnContent(text string) {
	h.text.WriteString(text)
	h.exec.emit(EventAssistantTextDelta, map[string]interface{}{"text": text})
}

func (h *roundHandler) OnToolUse(toolUse llmstream.ToolUseData) error {
	if h.toolUseMsg != nil {
		// Single-flight per round; the protocol has no parallel invocations.
		h.exec.logger.Warn("ignoring additional invocation in round", "tool", toolUse.Name)
		return nil
	}
	h.hasToolUse = true
	if toolUse.Name == FinishToolName {
		h.finishCalled = true
	}

	// The tool_use message is built immediately from the declared id/name/
	// input so the model-visible structure survives any execution failure.
	useMsg := llmstream.Message{
		Role:    llmstream.RoleAssistant,
		Content: []llmstream.ContentBlock{llmstream.ToolUseBlock(toolUse.ID, toolUse.Name, toolUse.Input)},
	}
	h.toolUseMsg = &useMsg

	resultMsg := h.dispatch(toolUse)
	h.toolResultMsg = &resultMsg
	return nil
}

func (h *roundHandler) OnComplete(resp *llmstream.Response) {
	h.response = resp
}

func (h *roundHandler) OnError(err error) {
	h.streamErr = err
}

// dispatch runs the full invocation pipeline: unwrap envelope, hooks, skip and
// cancellation checks, execution, result serialization, cache recording. Any
// failure is absorbed into an is_error tool_result.
func (h *roundHandler) dispatch(toolUse llmstream.ToolUseData) llmstream.Message {
	h.exec.emit(EventToolCallStart, map[string]interface{}{
		"tool_name": toolUse.Name,
		"call_id":   toolUse.ID,
	})

	tool := h.registry.Get(toolUse.Name)
	if tool == nil {
		return h.errorResult(toolUse, fmt.Sprintf("Error: unknown tool %q", toolUse.Name))
	}

	env := UnwrapInvocation(toolUse.Input)
	if env.Caption == "" {
		h.exec.logger.Debug("invocation caption missing", "tool", toolUse.Name)
	}
	hooks := h.ec.Hooks()
	if env.Thinking != "" && hooks.OnAssistantThinking != nil {
		hooks.OnAssistantThinking(env.Thinking)
	}
	if env.Caption != "" && hooks.OnToolCaption != nil {
		hooks.OnToolCaption(toolUse.Name, env.Caption)
	}

	input := env.ToolInput
	if hooks.BeforeToolUse != nil {
		rewritten, err := hooks.BeforeToolUse(h.ec, toolUse.Name, input)
		if err != nil {
			return h.errorResult(toolUse, "Error: "+err.Error())
		}
		if rewritten != nil {
			input = rewritten
		}
	}

	// A hook-requested skip and an already-flagged cancellation produce the
	// same observable result.
	if h.ec.ConsumeSkip() || h.ec.Cancelled() {
		return h.successResult(toolUse, []llmstream.ContentBlock{llmstream.TextBlock("skip")}, "skip")
	}

	output, err := tool.Execute(h.ctx, h.ec, input)
	if err != nil {
		return h.errorResult(toolUse, "Error: "+err.Error())
	}
	if hooks.AfterToolUse != nil {
		rewritten, err := hooks.AfterToolUse(h.ec, toolUse.Name, output)
		if err != nil {
			return h.errorResult(toolUse, "Error: "+err.Error())
		}
		if rewritten != nil {
			output = rewritten
		}
	}

	blocks, cacheText := serializeOutput(output)
	return h.successResult(toolUse, blocks, cacheText)
}

func (h *roundHandler) successResult(toolUse llmstream.ToolUseData, blocks []llmstream.ContentBlock, cacheText string) llmstream.Message {
	if toolUse.Name != FinishToolName {
		h.ec.Cache().Put(toolUse.ID, cacheText)
	}
	h.exec.emit(EventToolCallEnd, map[string]interface{}{
		"call_id": toolUse.ID,
		"output":  cacheText,
	})
	return llmstream.ToolResultMessage(toolUse.ID, blocks, false)
}

func (h *roundHandler) errorResult(toolUse llmstream.ToolUseData, text string) llmstream.Message {
	h.exec.emit(EventToolCallEnd, map[string]interface{}{
		"call_id": toolUse.ID,
		"error":   text,
	})
	return llmstream.ToolResultMessage(toolUse.ID, []llmstream.ContentBlock{llmstream.TextBlock(text)}, true)
}

// result assembles the round's committed messages in fixed order.
func (h *roundHandler) result() *RoundResult {
	r := &RoundResult{
		Response:     h.response,
		HasToolUse:   h.hasToolUse,
		FinishCalled: h.finishCalled,
	}
	if text := h.text.String(); text != "" {
		r.Messages = append(r.Messages, llmstream.AssistantMessage(text))
	}
	if h.toolUseMsg != nil {
		r.Messages = append(r.Messages, *h.toolUseMsg)
	}
	if h.toolResultMsg != nil {
		r.Messages = append(r.Messages, *h.toolResultMsg)
	}
	return r
}

// serializeOutput turns a tool's output into tool_result content blocks plus
// the textual form recorded in the cache. An image output becomes an image
// block, paired with a text block when the tool also returned text; otherwise
// the structured value (or text) is JSON-serialized as text.
func serializeOutput(output *ToolOutput) ([]llmstream.ContentBlock, string) {
	if output == nil {
		return []llmstream.ContentBlock{llmstream.TextBlock("ok")}, "ok"
	}
	if output.Image != nil {
		blocks := []llmstream.ContentBlock{{Kind: llmstream.BlockImage, Image: output.Image}}
		cacheText := "[image]"
		if output.Text != "" {
			blocks = append(blocks, llmstream.TextBlock(output.Text))
			cacheText = output.Text
		}
		return blocks, cacheText
	}
	if output.Value != nil {
		data, err := json.Marshal(output.Value)
		if err != nil {
			text := fmt.Sprintf("%v", output.Value)
			return []llmstream.ContentBlock{llmstream.TextBlock(text)}, text
		}
		text := string(data)
		// A bare JSON string reads better unquoted.
		var s string
		if json.Unmarshal(data, &s) == nil {
			text = s
		}
		return []llmstream.ContentBlock{llmstream.TextBlock(text)}, text
	}
	text := output.Text
	if text == "" {
		text = "ok"
	}
	return []llmstream.ContentBlock{llmstream.TextBlock(text)}, text
}
