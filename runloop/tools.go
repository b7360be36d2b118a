package runloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/helmling/orbit/llmstream"
)

// ToolOutput is the result shape produced by a tool. When Image is set, the
// tool_result is emitted as an image block (plus Text, if any). Otherwise
// Value — or Text when Value is nil — becomes the textual result.
type ToolOutput struct {
	Text  string               `json:"text,omitempty"`
	Image *llmstream.ImageData `json:"-"`
	Value interface{}          `json:"value,omitempty"`
}

// ToolFunc is the function signature for tool execution. Input is the tool's
// true input, already unwrapped from the model-facing envelope.
type ToolFunc func(ctx context.Context, ec *ExecutionContext, input json.RawMessage) (*ToolOutput, error)

// ToolDefinition describes a tool for the model (serializable metadata).
// InputSchema is the tool's true schema; envelope wrapping happens only when
// definitions are advertised to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// RegisteredTool pairs a tool definition with its executor and an optional
// teardown hook. Destroy is called by the owning orchestrator at tool-set
// teardown, never by the loop itself.
type RegisteredTool struct {
	Definition ToolDefinition
	Execute    ToolFunc
	Destroy    func(ec *ExecutionContext)
}

// ToolRegistry manages tool registration and lookup for one run.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// NewRunRegistry composes the registry for one run. Later entries override
// earlier ones on name collision: ambient defaults first, then caller tools.
// The finish tool is registered last so no caller tool can shadow it.
func NewRunRegistry(defaults, callerTools []RegisteredTool, finish RegisteredTool) *ToolRegistry {
	r := NewToolRegistry()
	for _, t := range defaults {
		r.Register(t)
	}
	for _, t := range callerTools {
		r.Register(t)
	}
	r.Register(finish)
	return r
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns the tool definitions with their input schemas wrapped in
// the model-facing envelope, ready to advertise on a request.
func (r *ToolRegistry) Definitions() []llmstream.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llmstream.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, llmstream.ToolDefinition{
			Name:        tool.Definition.Name,
			Description: tool.Definition.Description,
			InputSchema: WrapInputSchema(tool.Definition.InputSchema),
		})
	}
	return defs
}

// Names returns the names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a deep copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, tool := range r.tools {
		cloned := *tool
		clone.tools[name] = &cloned
	}
	return clone
}

// MergeFrom registers every tool from other, overwriting on name collision.
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	other.mu.RLock()
	tools := make([]RegisteredTool, 0, len(other.tools))
	for _, tool := range other.tools {
		tools = append(tools, *tool)
	}
	other.mu.RUnlock()

	for _, tool := range tools {
		r.Register(tool)
	}
}

// FinishOnly returns a registry containing only the finish tool, used for the
// forced-finish round.
func (r *ToolRegistry) FinishOnly() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	restricted := NewToolRegistry()
	if tool, ok := r.tools[FinishToolName]; ok {
		cloned := *tool
		restricted.tools[FinishToolName] = &cloned
	}
	return restricted
}

// DestroyAll invokes every tool's Destroy hook. Intended for the orchestrator
// that owns the tool set, at teardown.
func (r *ToolRegistry) DestroyAll(ec *ExecutionContext) {
	r.mu.RLock()
	tools := make([]*RegisteredTool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()

	for _, tool := range tools {
		if tool.Destroy != nil {
			tool.Destroy(ec)
		}
	}
}

// ParseToolInput unmarshals a tool's input into a map for validation and
// access.
func ParseToolInput(raw json.RawMessage) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool input: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool input.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBoolArg extracts a boolean argument from parsed tool input.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetIntArg extracts an integer argument from parsed tool input.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
