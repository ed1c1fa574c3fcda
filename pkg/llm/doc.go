// Package llm normalizes chat calls across model backends.
//
// Invariants:
// - Every provider returns a complete LLMResponse; streamed output is never surfaced partially.
// - Transient failures (429, 5xx, rate-limit text, transport errors) are retried by one shared policy.
// - Terminal failures surface as *APIError or *StreamError with a readable message.
//
// Usage:
//
//	factory := llm.NewFactory(llm.FactoryConfig{Credentials: store})
//	provider, model, _ := factory.Create("openai/gpt-4o")
//	resp, _ := provider.Chat(ctx, messages, tools, model, llm.Options{MaxTokens: 1024})
//	_ = resp
package llm
