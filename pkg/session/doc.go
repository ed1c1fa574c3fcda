// Package session keeps per-conversation history and summary behind a
// pluggable persistence backend.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Mutations of the same session are serialized; different sessions never contend.
// - History order is chronological. Mutations stay in memory until Save.
//
// Usage:
//
//	backend, _ := session.NewFileBackend("/tmp/clawloop/sessions", zerolog.Nop())
//	mgr := session.NewManager(backend, session.ManagerConfig{})
//	_ = mgr.AddMessage(ctx, "agent:main:cli:direct", "user", "hello")
//	_ = mgr.Save(ctx, "agent:main:cli:direct")
package session
