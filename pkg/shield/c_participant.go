package shield

// Participant is the contract every transactional object implements.
// Shielded and ShieldedDict are the two built-in implementations; nothing
// here is specific to them, so user code could in principle add a third.
type Participant interface {
	// HasChanges reports whether tx has a non-empty write set for this
	// participant.
	HasChanges(tx *Tx) bool

	// CanCommit validates tx's read and write sets against the currently
	// committed state and, if valid, acquires any write-stamp locks this
	// participant needs tagged with writeStamp. It must be idempotent on
	// repeated validation of the same tx and must not have side effects
	// beyond lock acquisition.
	CanCommit(tx *Tx, writeStamp uint64) bool

	// Commit publishes tx's write set as new version-chain nodes carrying
	// writeStamp. Its precondition is that CanCommit returned true for this
	// tx and writeStamp. It returns true iff it published at least one
	// write. The matching write-stamp locks stay held until Unlock.
	Commit(tx *Tx, writeStamp uint64) bool

	// Unlock releases the write-stamp locks a successful Commit left held.
	// The runner calls it only after the committing transaction's
	// SyncSideEffects have drained, so the locks span that whole window
	// even though Commit has already published the new versions.
	Unlock(tx *Tx, writeStamp uint64)

	// Rollback clears tx's local state for this participant. writeStamp is
	// 0 if the attempt never reached validation; otherwise it is the exact
	// stamp the attempt validated with (passed to every enlisted
	// participant, whether or not CanCommit reached it), and only locks
	// tagged with that stamp are released.
	Rollback(tx *Tx, writeStamp uint64)

	// TrimCopies drops version-chain history this participant owns that no
	// transaction with start stamp > minOpen could possibly need.
	TrimCopies(minOpen uint64)
}
