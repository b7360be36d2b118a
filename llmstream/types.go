// Package llmstream defines the model transport boundary for the orbit run
// loop: the message/content-block data model exchanged with a language model,
// the streaming handler interface the loop consumes, and a gollm-backed
// provider adapter.
package llmstream

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind is the discriminator tag for ContentBlock.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockImage      BlockKind = "image"
)

// ImageData holds image content as either a URL or raw bytes.
type ImageData struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolUseData represents a model-initiated tool invocation. Input carries the
// raw invocation payload exactly as the model produced it, envelope included.
type ToolUseData struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultData holds the result of a tool execution, correlated to its
// tool_use block by ToolUseID.
type ToolResultData struct {
	ToolUseID string         `json:"tool_use_id"`
	Content   []ContentBlock `json:"content"`
	IsError   bool           `json:"is_error,omitempty"`
}

// ContentBlock is a tagged union representing one part of a message.
type ContentBlock struct {
	Kind       BlockKind       `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolUse    *ToolUseData    `json:"tool_use,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Image      *ImageData      `json:"image,omitempty"`
}

// TextBlock creates a text ContentBlock.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ImageBlock creates an image ContentBlock from raw bytes.
func ImageBlock(data []byte, mediaType string) ContentBlock {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return ContentBlock{Kind: BlockImage, Image: &ImageData{Data: data, MediaType: mediaType}}
}

// ImageURLBlock creates an image ContentBlock from a URL.
func ImageURLBlock(url, mediaType string) ContentBlock {
	return ContentBlock{Kind: BlockImage, Image: &ImageData{URL: url, MediaType: mediaType}}
}

// ToolUseBlock creates a tool_use ContentBlock.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUse: &ToolUseData{ID: id, Name: name, Input: input}}
}

// ToolResultBlock creates a tool_result ContentBlock.
func ToolResultBlock(toolUseID string, content []ContentBlock, isError bool) ContentBlock {
	return ContentBlock{
		Kind:       BlockToolResult,
		ToolResult: &ToolResultData{ToolUseID: toolUseID, Content: content, IsError: isError},
	}
}

// Message is the fundamental unit of conversation. Tool invocations ride in
// assistant messages as tool_use blocks; their results ride in user messages
// as tool_result blocks.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextContent returns the concatenation of all text blocks.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses extracts all tool_use data from the message content.
func (m Message) ToolUses() []ToolUseData {
	var uses []ToolUseData
	for _, b := range m.Content {
		if b.Kind == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// HasImages reports whether any block in the message, including blocks nested
// inside tool_result content, carries image data.
func (m Message) HasImages() bool {
	for _, b := range m.Content {
		if b.Kind == BlockImage {
			return true
		}
		if b.Kind == BlockToolResult && b.ToolResult != nil {
			for _, inner := range b.ToolResult.Content {
				if inner.Kind == BlockImage {
					return true
				}
			}
		}
	}
	return false
}

// Clone returns a deep copy of the message. Content slices are copied so the
// clone can be rewritten without touching the original.
func (m Message) Clone() Message {
	out := Message{Role: m.Role}
	if m.Content == nil {
		return out
	}
	out.Content = make([]ContentBlock, len(m.Content))
	for i, b := range m.Content {
		out.Content[i] = b.clone()
	}
	return out
}

func (b ContentBlock) clone() ContentBlock {
	cb := ContentBlock{Kind: b.Kind, Text: b.Text}
	if b.ToolUse != nil {
		tu := *b.ToolUse
		tu.Input = append(json.RawMessage(nil), b.ToolUse.Input...)
		cb.ToolUse = &tu
	}
	if b.ToolResult != nil {
		tr := ToolResultData{ToolUseID: b.ToolResult.ToolUseID, IsError: b.ToolResult.IsError}
		tr.Content = make([]ContentBlock, len(b.ToolResult.Content))
		for i, inner := range b.ToolResult.Content {
			tr.Content[i] = inner.clone()
		}
		cb.ToolResult = &tr
	}
	if b.Image != nil {
		img := *b.Image
		img.Data = append([]byte(nil), b.Image.Data...)
		cb.Image = &img
	}
	return cb
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentBlock{TextBlock(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage creates a user Message carrying a single tool_result block.
func ToolResultMessage(toolUseID string, content []ContentBlock, isError bool) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{ToolResultBlock(toolUseID, content, isError)}}
}

// ToolDefinition describes a tool for the model (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolChoice controls whether and how the model uses tools.
type ToolChoice struct {
	Mode     string `json:"mode"`                // "auto", "none", "required", "named"
	ToolName string `json:"tool_name,omitempty"` // required when mode is "named"
}

// Params holds model parameters for one request.
type Params struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice      `json:"tool_choice,omitempty"`
}

// Request is the input for one streaming completion.
type Request struct {
	Messages []Message `json:"messages"`
	Params   Params    `json:"params"`
}

// StopReason describes why generation stopped.
type StopReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_use", "error", "other"
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is the final structured result of one completion.
type Response struct {
	ID         string     `json:"id"`
	Model      string     `json:"model"`
	Provider   string     `json:"provider"`
	Message    Message    `json:"message"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// Text returns the concatenated text of the response message.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// ToolUses extracts tool invocations from the response message.
func (r Response) ToolUses() []ToolUseData {
	return r.Message.ToolUses()
}

// StreamEventType identifies the kind of stream event at the adapter layer.
type StreamEventType string

const (
	StreamStart  StreamEventType = "stream_start"
	TextDelta    StreamEventType = "text_delta"
	ToolUseEvent StreamEventType = "tool_use"
	StreamFinish StreamEventType = "finish"
	StreamError  StreamEventType = "error"
)

// StreamEvent is a single event from a provider adapter's stream channel.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	ToolUse  *ToolUseData    `json:"tool_use,omitempty"`
	Response *Response       `json:"response,omitempty"`
	Error    error           `json:"-"`
}
