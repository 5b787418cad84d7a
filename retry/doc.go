// Package retry re-invokes a failing operation a fixed number of times with a
// constant pause between attempts.
//
// The wrapped operation keeps its signature:
//
//	fetch := retry.Wrap(retry.DefaultPolicy(), client.Fetch)
//	body, err := fetch(ctx)
//
// The pause honours context cancellation, and context errors are never
// retried. When every attempt fails the result is an *ExhaustedError that
// unwraps to the last failure.
package retry
