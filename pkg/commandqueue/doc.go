// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order and never overlap while the lane's concurrency is 1.
// - Tasks in different lanes may execute concurrently.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// Turn execution runs on one lane per session, which is how concurrent
// turns of the same conversation are kept from interleaving their history
// writes.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session-abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
