// Package reliability provides the bounded retry executor shared by the
// broker connect and publish paths.
//
// Policies count attempts from 1 and stop once MaxAttempts calls were made.
// The broker policy (NewExponential) waits 2^attempt seconds between calls and
// only retries errors accepted by its classifier.
//
// Example usage:
//
//	policy := NewExponential(5, rabbitmq.IsTransient)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	}, WithOnRetry(func(err error, attempt int, delay time.Duration) {
//	    logger.Warnf("attempt %d failed, retrying in %v: %v", attempt, delay, err)
//	}))
package reliability
