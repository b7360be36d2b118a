package runloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/helmling/orbit/llmstream"
)

// invocationSignature computes a deterministic signature for a tool
// invocation (name + hash of its raw input).
func invocationSignature(name string, input json.RawMessage) string {
	h := sha256.Sum256(input)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// trailingSignatures extracts signatures from the most recent tool
// invocations in the history, in chronological order.
func trailingSignatures(history []llmstream.Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		msg := history[i]
		if msg.Role != llmstream.RoleAssistant {
			continue
		}
		uses := msg.ToolUses()
		for j := len(uses) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, invocationSignature(uses[j].Name, uses[j].Input))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool invocations follow a
// repeating pattern of length 1, 2, or 3.
func DetectLoop(history []llmstream.Message, windowSize int) bool {
	sigs := trailingSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
