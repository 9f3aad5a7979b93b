package shield

// queuedCommute is one deferred Commute call. resolve runs it as a
// promoted read+write against the latest committed value; degenerate runs
// it inline against the transaction's own snapshot, for when the target
// participant is already in the transaction's read set.
type queuedCommute struct {
	participant Participant
	resolve     func(tx *Tx) error
	degenerate  func(tx *Tx) error
}

// resolveCommutes runs every queued commute exactly once, choosing
// resolve or degenerate per cell: a commute degenerates when the main
// body or an earlier pre-commit already read the participant it targets,
// because at that point inlining is the only way to keep the pre-commit's
// view of that participant consistent with the commute's effect.
func (r *Runner) resolveCommutes(tx *Tx) error {
	// Snapshot which participants were already read before any commute in
	// this batch runs, so one commute's resolve step (which itself records
	// a read) cannot make a later, unrelated commute on the same
	// participant degenerate.
	alreadyRead := make(map[Participant]bool, len(tx.commutes))
	for _, qc := range tx.commutes {
		if _, seen := alreadyRead[qc.participant]; !seen {
			alreadyRead[qc.participant] = tx.hasRead(qc.participant)
		}
	}

	for _, qc := range tx.commutes {
		var err error
		if alreadyRead[qc.participant] {
			err = qc.degenerate(tx)
		} else {
			err = qc.resolve(tx)
		}
		if err != nil {
			return err
		}
	}
	tx.commutes = nil
	return nil
}
