package llmstream

import "context"

// StreamHandler receives the asynchronous events of one streaming completion.
// The three event classes may interleave within a single response: incremental
// text, structured tool invocations, and the terminal completion signal.
//
// OnToolUse may return an error; a StreamClient must not let that error abort
// the stream. The run loop's handler absorbs tool failures itself and
// synthesizes error tool_results, so an error reaching the client indicates a
// handler that is not the loop's own and is logged, not propagated.
type StreamHandler interface {
	// OnContent delivers an incremental text fragment.
	OnContent(text string)

	// OnToolUse delivers a structured tool invocation.
	OnToolUse(toolUse ToolUseData) error

	// OnComplete delivers the final structured response after the stream ends.
	OnComplete(resp *Response)

	// OnError delivers a stream-level transport error.
	OnError(err error)
}

// StreamClient is the boundary the run loop consumes. GenerateStream suspends
// until the stream naturally ends or errors; handler callbacks are invoked
// from the calling goroutine, never concurrently.
type StreamClient interface {
	GenerateStream(ctx context.Context, req Request, handler StreamHandler) error
}
