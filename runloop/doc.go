// Package runloop implements the orbit agent run loop.
//
// Given a natural-language task, the loop repeatedly invokes a language model
// through the llmstream boundary, lets the model request actions from a
// bounded tool set, executes those actions, feeds the results back, and
// decides when the task is complete. The loop tolerates a non-deterministic,
// streaming, fallible model and an arbitrary, fallible tool set while
// guaranteeing progress, a bounded round count, and a well-formed final
// result.
//
// # Architecture
//
//   - AgentLoop: the top-level controller owning the round budget,
//     termination policy, and final-result extraction.
//   - RoundExecutor: one request/response round — stream, dispatch at most
//     one tool invocation, assemble the round's messages.
//   - ToolRegistry: per-run tool composition, always including the synthetic
//     return_output tool used to declare the final result.
//   - ExecutionContext: per-run variable store, cancellation, hooks, and the
//     tool-result cache.
//   - Compaction strategies: NoCompaction, ImagePrune, SummarizeQA.
//   - EventEmitter: typed event stream for host application integration.
//
// Transport failures during streaming are retried without an attempt cap;
// only cancellation breaks the retry loop. Hosts that need availability
// bounds should cancel the run's context.
//
// # Quick Start
//
//	client := llmstream.NewClient(llmstream.WithProvider("anthropic", adapter))
//	loop := runloop.NewAgentLoop(client, runloop.RunConfig{
//	    Name:        "find-price",
//	    Description: "Find the current price of the item and report it.",
//	    Tools:       []runloop.RegisteredTool{searchTool},
//	})
//	result, err := loop.Run(ctx)
package runloop
