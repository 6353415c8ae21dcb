// Package sessionqueue serializes operations against one session.
//
// Invariants:
// - Operations submitted to a Queue run in FIFO order.
// - At most one worker drains a Queue at any time, including across restarts.
// - Queues for different sessions are independent and run concurrently.
// - An ended Queue rejects new operations after draining the ones it holds.
//
// Usage:
//
//	q := sessionqueue.New("sess-1", sessionqueue.Options{Size: 64})
//	defer q.Close(ctx)
//	out, err := q.Submit(ctx, func(ctx context.Context) (interface{}, error) {
//		return session.Execute(ctx, "hello")
//	})
package sessionqueue
