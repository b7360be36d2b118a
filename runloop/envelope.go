package runloop

import "encoding/json"

// Envelope carries the model-interface wrapper fields around a tool's true
// input. Every advertised tool schema requires the model to supply a
// prior-step observation, a thinking draft, and a user-facing caption, with
// the real input nested under "toolCall". Wrapping and unwrapping live here so
// tool implementations stay agnostic of the envelope.
type Envelope struct {
	Observation string          `json:"observation"`
	Thinking    string          `json:"thinking"`
	Caption     string          `json:"caption"`
	ToolInput   json.RawMessage `json:"toolCall"`
}

// WrapInputSchema wraps a tool's declared input schema in the envelope schema
// advertised to the model. A nil schema means the tool accepts any input.
func WrapInputSchema(inner map[string]interface{}) map[string]interface{} {
	if inner == nil {
		inner = map[string]interface{}{"type": "object"}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"observation": map[string]interface{}{
				"type":        "string",
				"description": "What you observed from the previous step's result.",
			},
			"thinking": map[string]interface{}{
				"type":        "string",
				"description": "Your reasoning for this step.",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "A short, user-facing description of this step.",
			},
			"toolCall": inner,
		},
		"required": []string{"observation", "thinking", "caption", "toolCall"},
	}
}

// UnwrapInvocation destructures a raw invocation payload into its envelope.
// When the payload carries no "toolCall" key, the whole payload is treated as
// the bare tool input and the envelope fields stay empty; a missing caption is
// the caller's signal to log, never an error.
func UnwrapInvocation(raw json.RawMessage) Envelope {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.ToolInput) > 0 {
		return env
	}
	return Envelope{ToolInput: raw}
}
