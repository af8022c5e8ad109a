package sandbox

import "context"

// Runner executes one capability invocation. Implementations must make
// every invocation a fresh, disposable execution context: no state persists
// between calls except what the capability wrote to its own store
// namespace.
//
// The engine depends only on this interface, never on the concrete
// isolation mechanism behind it.
type Runner interface {
	// Run interprets code under the given spec with input serialized as a
	// JSON string, and returns the capability's JSON string result. A
	// timeout is a failure, not a partial result.
	Run(ctx context.Context, name, code string, spec Spec, input string) (string, error)
}
