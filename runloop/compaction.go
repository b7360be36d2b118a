package runloop

import (
	"strings"

	"github.com/helmling/orbit/llmstream"
)

// Strategy selects a history compaction behavior. Each strategy is a pure
// history -> history function; Compact always works on a deep copy so the
// caller's history reference is never disturbed.
type Strategy string

const (
	// NoCompaction copies the history unchanged.
	NoCompaction Strategy = "none"
	// ImagePrune strips stale image payloads from all but the newest user turn.
	ImagePrune Strategy = "image_prune"
	// SummarizeQA replaces older turns with compact envelope summaries. Lossy;
	// callers must always feed it a fresh copy of the full history, never its
	// own prior output, to avoid compounding loss.
	SummarizeQA Strategy = "summarize_qa"
)

// Compact applies the selected strategy to a deep copy of history.
func Compact(strategy Strategy, history []llmstream.Message) []llmstream.Message {
	copied := CloneHistory(history)
	switch strategy {
	case ImagePrune:
		return PruneImages(copied)
	case SummarizeQA:
		return SummarizeHistory(copied)
	default:
		return copied
	}
}

// CloneHistory returns a deep copy of the history.
func CloneHistory(history []llmstream.Message) []llmstream.Message {
	out := make([]llmstream.Message, len(history))
	for i, msg := range history {
		out[i] = msg.Clone()
	}
	return out
}

// PruneImages rewrites history in place: scanning from the newest message
// backward, image blocks inside the first user-role message encountered are
// kept; for every earlier user-role message, image blocks are stripped from
// tool_result content. A tool_result emptied by stripping is replaced with a
// single "ok" text block so its pairing with the tool_use survives.
// Idempotent: pruning twice equals pruning once.
func PruneImages(history []llmstream.Message) []llmstream.Message {
	newestUserSeen := false
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != llmstream.RoleUser {
			continue
		}
		if !newestUserSeen {
			newestUserSeen = true
			continue
		}
		for bi := range history[i].Content {
			block := &history[i].Content[bi]
			if block.Kind != llmstream.BlockToolResult || block.ToolResult == nil {
				continue
			}
			kept := block.ToolResult.Content[:0]
			for _, inner := range block.ToolResult.Content {
				if inner.Kind != llmstream.BlockImage {
					kept = append(kept, inner)
				}
			}
			if len(kept) == 0 {
				kept = []llmstream.ContentBlock{llmstream.TextBlock("ok")}
			}
			block.ToolResult.Content = kept
		}
	}
	return history
}

// SummarizeHistory implements the SummarizeQA strategy. Assistant turns other
// than the immediately-preceding one are reduced to their envelope's caption
// and thinking; user turns other than the final one are reduced to the
// observation recorded by the next message in history. Turns whose envelope
// cannot be recovered pass through unchanged, as do system messages.
func SummarizeHistory(history []llmstream.Message) []llmstream.Message {
	last := len(history) - 1
	for i, msg := range history {
		if i >= last {
			continue
		}
		switch msg.Role {
		case llmstream.RoleAssistant:
			if summary, ok := summarizeInvocation(msg); ok {
				history[i] = llmstream.AssistantMessage(summary)
			}
		case llmstream.RoleUser:
			if obs, ok := observationOf(history[i+1]); ok {
				history[i] = llmstream.UserMessage(obs)
			}
		}
	}
	return history
}

// summarizeInvocation builds the caption+thinking summary for an assistant
// message carrying a tool invocation.
func summarizeInvocation(msg llmstream.Message) (string, bool) {
	uses := msg.ToolUses()
	if len(uses) == 0 {
		return "", false
	}
	env := UnwrapInvocation(uses[0].Input)
	if env.Caption == "" && env.Thinking == "" {
		return "", false
	}
	var sb strings.Builder
	if env.Caption != "" {
		sb.WriteString(env.Caption)
	}
	if env.Thinking != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(env.Thinking)
	}
	return sb.String(), true
}

// observationOf recovers the observation field from the next message's
// invocation envelope.
func observationOf(next llmstream.Message) (string, bool) {
	uses := next.ToolUses()
	if len(uses) == 0 {
		return "", false
	}
	env := UnwrapInvocation(uses[0].Input)
	if env.Observation == "" {
		return "", false
	}
	return env.Observation, true
}
