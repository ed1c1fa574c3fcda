// Package agent runs conversation turns: it loads session context, calls the
// model until it answers without tool calls, executes requested tools and
// keeps the session transcript compact through rolling summaries.
//
// Invariants:
// - Turns for one session key run one at a time, in arrival order, through commandqueue.
// - A turn always produces reply text; provider failures become user-facing messages.
// - Tool failures are returned to the model as tool results and never end a turn.
// - Summarization is best-effort and never fails a turn.
//
// Usage:
//
//	registry, _ := agent.NewRegistry("main", nil, &agent.Instance{
//		ID:       "main",
//		Model:    "gpt-4o-mini",
//		Provider: provider,
//		Tools:    tools,
//		Sessions: sessions,
//	})
//	loop, _ := agent.NewAgentLoop(agent.LoopConfig{Bus: msgBus, Registry: registry})
//	reply, _ := loop.ProcessDirect(ctx, "hello", "")
//	_ = reply
package agent
