package shield

import "github.com/pkg/errors"

var (
	// ErrContinuationCompleted is panicked with, from ensureActive, when an
	// operation targets a transaction whose attempt has already committed,
	// rolled back, or been abandoned.
	ErrContinuationCompleted = errors.New("shield: transaction is already finalized")

	// ErrNestedAcrossRunners is raised when InTransaction is called on one
	// Runner while a transaction from a different Runner is active on the
	// same goroutine. Nested calls join the active transaction, which is
	// only well defined when they share a clock.
	ErrNestedAcrossRunners = errors.New("shield: cannot nest a transaction from a different Runner")
)

// newProtocolViolation wraps msg as a protocol-violation error: a
// condition that indicates a bug in the runtime rather than an ordinary
// transient conflict, and so must fail loudly rather than be retried.
func newProtocolViolation(msg string) error {
	return errors.Wrap(errors.New(msg), "shield: protocol violation")
}

// rollbackSignal is panicked by Rollback() to unwind the current attempt.
// It is caught only by the owning Runner's attempt loop.
type rollbackSignal struct{}

func (rollbackSignal) Error() string { return "shield: rollback requested" }

// writableReadCollision is panicked when a ShieldedDict read of a
// locally-written key finds a committed version newer than the reading
// transaction's start stamp. It is a transient conflict, never surfaced to
// caller code.
type writableReadCollision struct{}

func (writableReadCollision) Error() string { return "shield: writable-read collision" }
