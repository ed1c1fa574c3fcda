// Package commandqueue serializes work per lane, typically one lane per
// session key, so two turns never touch the same conversation at once.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time.
// - Tasks in different lanes may execute concurrently.
// - A request id is accepted once per dedup window.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "agent:main:cli:direct", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
