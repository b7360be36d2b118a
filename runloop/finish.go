package runloop

import (
	"context"
	"encoding/json"
	"fmt"
)

// FinishToolName is the synthetic tool the model calls to declare the run's
// final output. It is present in every run's registry and cannot be shadowed.
const FinishToolName = "return_output"

// finishPayloadKey is the variable-store key the finish tool writes under.
// The store is per-run, which makes the key run-scoped.
const finishPayloadKey = "runloop.finish_payload"

// FinishPayload is what the model supplies to the finish tool.
type FinishPayload struct {
	IsSuccessful  bool            `json:"isSuccessful"`
	UseToolResult bool            `json:"use_tool_result"`
	Value         json.RawMessage `json:"value"`
}

// SynthesizeFinishTool builds the finish tool for one run from the caller's
// declared output description and schema. Executing it stores the payload in
// the ExecutionContext variable store and performs no external action.
func SynthesizeFinishTool(outputDescription string, outputSchema map[string]interface{}) RegisteredTool {
	if outputDescription == "" {
		outputDescription = "The final output value for the task."
	}
	valueSchema := outputSchema
	if valueSchema == nil {
		valueSchema = map[string]interface{}{"description": outputDescription}
	}

	return RegisteredTool{
		Definition: ToolDefinition{
			Name: FinishToolName,
			Description: "Declare the task finished and return the final output. " +
				"Call this exactly once, when the task is complete or cannot proceed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"isSuccessful": map[string]interface{}{
						"type":        "boolean",
						"description": "Whether the task completed successfully.",
					},
					"use_tool_result": map[string]interface{}{
						"type":        "boolean",
						"description": "When true, the most recent tool result is returned as the output and value is ignored.",
					},
					"value": valueSchema,
				},
				"required": []string{"isSuccessful", "use_tool_result", "value"},
			},
		},
		Execute: func(_ context.Context, ec *ExecutionContext, input json.RawMessage) (*ToolOutput, error) {
			var payload FinishPayload
			if err := json.Unmarshal(input, &payload); err != nil {
				return nil, fmt.Errorf("invalid %s input: %w", FinishToolName, err)
			}
			ec.Set(finishPayloadKey, payload)
			return &ToolOutput{Text: "ok"}, nil
		},
	}
}

// takeFinishPayload consumes the stored finish payload, if any. One-shot: the
// key is deleted on read.
func takeFinishPayload(ec *ExecutionContext) (FinishPayload, bool) {
	v, ok := ec.Take(finishPayloadKey)
	if !ok {
		return FinishPayload{}, false
	}
	payload, ok := v.(FinishPayload)
	return payload, ok
}
