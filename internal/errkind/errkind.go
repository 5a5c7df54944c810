// Package errkind defines the closed set of error sentinels shared by the
// coordination core. Components compare against these with errors.Is
// instead of inventing ad-hoc error types per package.
package errkind

import "errors"

var (
	// Failed is the generic catch-all failure.
	Failed = errors.New("failed")

	// NoMemory is returned when an allocation-like operation cannot
	// proceed, e.g. a job could not be queued.
	NoMemory = errors.New("no memory")

	// Closed is returned by dispatcher.Send and similar blocking calls
	// once the underlying connection has gone away.
	Closed = errors.New("connection closed")

	// Timeout is returned when a blocking call exceeds its deadline
	// without being satisfied.
	Timeout = errors.New("timeout")

	// EAgain marks a retryable I/O condition.
	EAgain = errors.New("try again")

	// InvalidVersion is returned when a peer's protocol version does not
	// match ours during handshake.
	InvalidVersion = errors.New("invalid protocol version")

	// InvalidMessage is returned when a frame fails to decode.
	InvalidMessage = errors.New("invalid message")
)
