// Package resilience groups the fault tolerance helpers used around the
// rate limit stores and the event pipeline.
//
//   - circuitbreaker stops publishing to a broker that keeps failing
//   - retry re-runs serialization conflicts and event deliveries with backoff
//
// Usage Example:
//
//	cb := circuitbreaker.New(circuitbreaker.EventSinkConfig())
//	err := cb.Execute(func() error {
//	    return publish(ctx, ev)
//	})
//
//	err = retry.WithBackoff(ctx, retry.DBConfig(), func() error {
//	    return runTx(ctx)
//	})
package resilience
