// Package toolexecutor registers and executes structured tools for agents.
//
// Invariants:
// - Tool names are unique; re-registering a name replaces the tool.
// - Parameters are schema-validated before execution.
// - Execute never fails: every error becomes a ToolResult with IsError set.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{})
//	_ = exec.RegisterTool(toolexecutor.Tool{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]any) (any, error) { return params["text"], nil },
//	})
//	res := exec.Execute(ctx, "echo", map[string]any{"text": "hi"}, "cli", "direct")
//	_ = res.ForLLM
package toolexecutor
