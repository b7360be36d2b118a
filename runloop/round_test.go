package runloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/helmling/orbit/llmstream"
)

// scriptStep describes one scripted stream: text fragments, then tool
// invocations, then completion — or a transport error instead.
type scriptStep struct {
	text     []string
	toolUses []llmstream.ToolUseData
	err      error
}

// scriptedClient plays back scripted streams in order and records every
// request it receives.
type scriptedClient struct {
	steps    []scriptStep
	requests []llmstream.Request
}

func (c *scriptedClient) GenerateStream(_ context.Context, req llmstream.Request, handler llmstream.StreamHandler) error {
	c.requests = append(c.requests, req)
	if len(c.steps) == 0 {
		return fmt.Errorf("scripted client exhausted after %d requests", len(c.requests))
	}
	step := c.steps[0]
	c.steps = c.steps[1:]

	if step.err != nil {
		handler.OnError(step.err)
		return step.err
	}
	var content []llmstream.ContentBlock
	for _, t := range step.text {
		handler.OnContent(t)
		content = append(content, llmstream.TextBlock(t))
	}
	for _, tu := range step.toolUses {
		use := tu
		if err := handler.OnToolUse(use); err != nil {
			return err
		}
		content = append(content, llmstream.ToolUseBlock(use.ID, use.Name, use.Input))
	}
	handler.OnComplete(&llmstream.Response{
		ID:       fmt.Sprintf("resp_%d", len(c.requests)),
		Model:    req.Params.Model,
		Message:  llmstream.Message{Role: llmstream.RoleAssistant, Content: content},
		Usage:    llmstream.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	})
	return nil
}

func fastRetry() llmstream.RetryPolicy {
	return llmstream.RetryPolicy{BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1}
}

func testExecutor(client llmstream.StreamClient) *RoundExecutor {
	return NewRoundExecutor(client, slog.Default(), nil, fastRetry())
}

// echoRegistry registers a single "echo" tool that returns its "msg" argument.
func echoRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "echo", Description: "echo a message"},
		Execute: func(_ context.Context, _ *ExecutionContext, input json.RawMessage) (*ToolOutput, error) {
			args, err := ParseToolInput(input)
			if err != nil {
				return nil, err
			}
			msg, _ := GetStringArg(args, "msg")
			return &ToolOutput{Text: msg}, nil
		},
	})
	return reg
}

func echoInvocation(id, msg string) llmstream.ToolUseData {
	return llmstream.ToolUseData{
		ID:   id,
		Name: "echo",
		Input: envelopedInput("saw the page", "echo it back", "Echoing",
			map[string]string{"msg": msg}),
	}
}

func TestRunRoundMessageAssemblyOrder(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{text: []string{"Let me ", "echo that."}, toolUses: []llmstream.ToolUseData{echoInvocation("tu_1", "hello")}},
	}}
	ec := NewExecutionContext(Hooks{})

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, echoRegistry(t), ec)
	if err != nil {
		t.Fatal(err)
	}
	if !result.HasToolUse || result.FinishCalled {
		t.Errorf("HasToolUse=%v FinishCalled=%v", result.HasToolUse, result.FinishCalled)
	}
	if len(result.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(result.Messages))
	}
	if result.Messages[0].Role != llmstream.RoleAssistant || result.Messages[0].TextContent() != "Let me echo that." {
		t.Errorf("text message: %+v", result.Messages[0])
	}
	uses := result.Messages[1].ToolUses()
	if len(uses) != 1 || uses[0].Name != "echo" {
		t.Fatalf("tool_use message: %+v", result.Messages[1])
	}
	// The committed tool_use keeps the full enveloped input.
	if UnwrapInvocation(uses[0].Input).Caption != "Echoing" {
		t.Error("committed tool_use input lost its envelope")
	}
	tr := result.Messages[2].Content[0].ToolResult
	if result.Messages[2].Role != llmstream.RoleUser || tr == nil {
		t.Fatalf("tool_result message: %+v", result.Messages[2])
	}
	if tr.ToolUseID != "tu_1" || tr.IsError || tr.Content[0].Text != "hello" {
		t.Errorf("tool_result: %+v", tr)
	}
	if got, ok := ec.Cache().Get("tu_1"); !ok || got != "hello" {
		t.Errorf("cache entry = %q, %v", got, ok)
	}
}

func TestRunRoundUnknownTool(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{{ID: "tu_1", Name: "teleport", Input: json.RawMessage(`{}`)}}},
	}}
	ec := NewExecutionContext(Hooks{})

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, echoRegistry(t), ec)
	if err != nil {
		t.Fatal(err)
	}
	tr := result.Messages[1].Content[0].ToolResult
	if !tr.IsError {
		t.Error("unknown tool must produce an error result")
	}
	if want := `Error: unknown tool "teleport"`; tr.Content[0].Text != want {
		t.Errorf("text = %q, want %q", tr.Content[0].Text, want)
	}
	if ec.Cache().Len() != 0 {
		t.Error("error results must not be cached")
	}
}

func TestRunRoundToolError(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "save"},
		Execute: func(context.Context, *ExecutionContext, json.RawMessage) (*ToolOutput, error) {
			return nil, errors.New("disk full")
		},
	})
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{{ID: "tu_1", Name: "save", Input: json.RawMessage(`{}`)}}},
	}}
	ec := NewExecutionContext(Hooks{})

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, reg, ec)
	if err != nil {
		t.Fatal(err)
	}
	tr := result.Messages[1].Content[0].ToolResult
	if !tr.IsError || tr.Content[0].Text != "Error: disk full" {
		t.Errorf("tool_result: %+v", tr)
	}
}

func TestRunRoundSkipViaHook(t *testing.T) {
	executed := false
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "touchy"},
		Execute: func(context.Context, *ExecutionContext, json.RawMessage) (*ToolOutput, error) {
			executed = true
			return &ToolOutput{Text: "ran"}, nil
		},
	})
	hooks := Hooks{
		BeforeToolUse: func(ec *ExecutionContext, _ string, _ json.RawMessage) (json.RawMessage, error) {
			ec.RequestSkip()
			return nil, nil
		},
	}
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{{ID: "tu_1", Name: "touchy", Input: json.RawMessage(`{}`)}}},
	}}
	ec := NewExecutionContext(hooks)

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, reg, ec)
	if err != nil {
		t.Fatal(err)
	}
	if executed {
		t.Error("skipped tool must not execute")
	}
	tr := result.Messages[1].Content[0].ToolResult
	if tr.IsError || tr.Content[0].Text != "skip" {
		t.Errorf("tool_result: %+v", tr)
	}
	if ec.ConsumeSkip() {
		t.Error("skip flag must be consumed")
	}
}

func TestRunRoundHookRewritesInput(t *testing.T) {
	var seen string
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "echo"},
		Execute: func(_ context.Context, _ *ExecutionContext, input json.RawMessage) (*ToolOutput, error) {
			seen = string(input)
			return &ToolOutput{Text: "ok"}, nil
		},
	})
	hooks := Hooks{
		BeforeToolUse: func(_ *ExecutionContext, _ string, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"msg":"rewritten"}`), nil
		},
	}
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{echoInvocation("tu_1", "original")}},
	}}

	if _, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, reg, NewExecutionContext(hooks)); err != nil {
		t.Fatal(err)
	}
	if seen != `{"msg":"rewritten"}` {
		t.Errorf("tool saw input %q", seen)
	}
}

func TestRunRoundEnvelopeHooks(t *testing.T) {
	var thinking, caption string
	hooks := Hooks{
		OnAssistantThinking: func(s string) { thinking = s },
		OnToolCaption:       func(_, s string) { caption = s },
	}
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{echoInvocation("tu_1", "hi")}},
	}}

	if _, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, echoRegistry(t), NewExecutionContext(hooks)); err != nil {
		t.Fatal(err)
	}
	if thinking != "echo it back" {
		t.Errorf("thinking hook saw %q", thinking)
	}
	if caption != "Echoing" {
		t.Errorf("caption hook saw %q", caption)
	}
}

func TestRunRoundRetriesTransportError(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: &llmstream.ServerError{ProviderError: llmstream.ProviderError{
			ClientError: llmstream.ClientError{Message: "overloaded"}, Retryable: true}}},
		{err: &llmstream.NetworkError{ClientError: llmstream.ClientError{Message: "connection reset"}}},
		{text: []string{"recovered"}},
	}}
	ec := NewExecutionContext(Hooks{})

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, echoRegistry(t), ec)
	if err != nil {
		t.Fatal(err)
	}
	if len(client.requests) != 3 {
		t.Errorf("got %d attempts, want 3", len(client.requests))
	}
	// Nothing from the failed attempts survives.
	if len(result.Messages) != 1 || result.Messages[0].TextContent() != "recovered" {
		t.Errorf("messages: %+v", result.Messages)
	}
}

func TestRunRoundCancelledDuringExecution(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "slow"},
		Execute: func(_ context.Context, ec *ExecutionContext, _ json.RawMessage) (*ToolOutput, error) {
			ec.Cancel()
			return &ToolOutput{Text: "finished anyway"}, nil
		},
	})
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{{ID: "tu_1", Name: "slow", Input: json.RawMessage(`{}`)}}},
	}}
	ec := NewExecutionContext(Hooks{})

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, reg, ec)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if result != nil {
		t.Error("a cancelled round must commit nothing")
	}
}

func TestRunRoundCancelledBeforeAttempt(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{{text: []string{"never"}}}}
	ec := NewExecutionContext(Hooks{})
	ec.Cancel()

	if _, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, echoRegistry(t), ec); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(client.requests) != 0 {
		t.Error("no request may be sent after cancellation")
	}
}

func TestRunRoundFinishNotCached(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(SynthesizeFinishTool("", nil))
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{{
			ID:    "tu_1",
			Name:  FinishToolName,
			Input: json.RawMessage(`{"isSuccessful":true,"use_tool_result":false,"value":"done"}`),
		}}},
	}}
	ec := NewExecutionContext(Hooks{})

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, reg, ec)
	if err != nil {
		t.Fatal(err)
	}
	if !result.FinishCalled {
		t.Error("FinishCalled not set")
	}
	if ec.Cache().Len() != 0 {
		t.Error("finish result must not enter the cache")
	}
	payload, ok := takeFinishPayload(ec)
	if !ok || !payload.IsSuccessful {
		t.Errorf("payload = %+v, ok = %v", payload, ok)
	}
}

func TestRunRoundSecondInvocationIgnored(t *testing.T) {
	calls := 0
	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "count"},
		Execute: func(context.Context, *ExecutionContext, json.RawMessage) (*ToolOutput, error) {
			calls++
			return &ToolOutput{Text: "ok"}, nil
		},
	})
	client := &scriptedClient{steps: []scriptStep{
		{toolUses: []llmstream.ToolUseData{
			{ID: "tu_1", Name: "count", Input: json.RawMessage(`{}`)},
			{ID: "tu_2", Name: "count", Input: json.RawMessage(`{}`)},
		}},
	}}
	ec := NewExecutionContext(Hooks{})

	result, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, reg, ec)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("tool executed %d times, want 1", calls)
	}
	if len(result.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(result.Messages))
	}
}

func TestRunRoundAdvertisesWrappedDefinitions(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{{text: []string{"noted"}}}}
	if _, err := testExecutor(client).RunRound(context.Background(), nil, llmstream.Params{}, echoRegistry(t), NewExecutionContext(Hooks{})); err != nil {
		t.Fatal(err)
	}
	tools := client.requests[0].Params.Tools
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("advertised tools: %+v", tools)
	}
	props, ok := tools[0].InputSchema["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("advertised schema has no properties")
	}
	for _, field := range []string{"observation", "thinking", "caption", "toolCall"} {
		if _, ok := props[field]; !ok {
			t.Errorf("advertised schema missing %q", field)
		}
	}
}

func TestSerializeOutput(t *testing.T) {
	blocks, cache := serializeOutput(nil)
	if blocks[0].Text != "ok" || cache != "ok" {
		t.Errorf("nil output: %q / %q", blocks[0].Text, cache)
	}

	blocks, cache = serializeOutput(&ToolOutput{Value: map[string]int{"count": 3}})
	if blocks[0].Text != `{"count":3}` || cache != `{"count":3}` {
		t.Errorf("value output: %q / %q", blocks[0].Text, cache)
	}

	// A bare JSON string comes out unquoted.
	blocks, cache = serializeOutput(&ToolOutput{Value: "plain"})
	if blocks[0].Text != "plain" || cache != "plain" {
		t.Errorf("string value output: %q / %q", blocks[0].Text, cache)
	}

	blocks, cache = serializeOutput(&ToolOutput{
		Image: &llmstream.ImageData{Data: []byte{1}, MediaType: "image/png"},
		Text:  "screenshot taken",
	})
	if blocks[0].Kind != llmstream.BlockImage {
		t.Errorf("image output first block: %+v", blocks[0])
	}
	if len(blocks) != 2 || blocks[1].Text != "screenshot taken" || cache != "screenshot taken" {
		t.Errorf("image output: %+v / %q", blocks, cache)
	}

	blocks, cache = serializeOutput(&ToolOutput{Image: &llmstream.ImageData{Data: []byte{1}}})
	if len(blocks) != 1 || cache != "[image]" {
		t.Errorf("image-only output: %+v / %q", blocks, cache)
	}

	long := strings.Repeat("x", 5)
	blocks, cache = serializeOutput(&ToolOutput{Text: long})
	if blocks[0].Text != long || cache != long {
		t.Errorf("text output: %q / %q", blocks[0].Text, cache)
	}
}
