package shield

import (
	"shielded/internal/gls"

	"go.uber.org/zap"
)

// RunnerOption configures a Runner at construction time.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	trimEveryCommits uint32
	logger           *zap.SugaredLogger
}

func defaultRunnerOptions() runnerOptions {
	return runnerOptions{trimEveryCommits: 16, logger: zap.NewNop().Sugar()}
}

// WithTrimCadence sets how many successful writing commits elapse between
// opportunistic trim passes. The default is 16.
func WithTrimCadence(commits uint32) RunnerOption {
	return func(o *runnerOptions) { o.trimEveryCommits = commits }
}

// WithLogger overrides the Runner's zap logger (silent by default).
func WithLogger(log *zap.SugaredLogger) RunnerOption {
	return func(o *runnerOptions) { o.logger = log }
}

// Runner orchestrates the begin/validate/commit/rollback/retry loop. Most
// programs use the package-level functions, which delegate to a shared
// default Runner; constructing additional Runners is useful for tests
// that want an isolated clock.
type Runner struct {
	clock   *clock
	trimmer *trimmer
	log     *zap.SugaredLogger
}

// NewRunner constructs an independent Runner with its own version clock.
func NewRunner(opts ...RunnerOption) *Runner {
	o := defaultRunnerOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := newClock()
	return &Runner{
		clock:   c,
		trimmer: newTrimmer(c, o.trimEveryCommits, o.logger),
		log:     o.logger,
	}
}

var defaultRunner = NewRunner()

// InTransaction runs body atomically against the default Runner, retrying
// on every detected conflict until it commits or body (or a pre-commit
// action) returns a non-retry error. body reaches its transaction
// ambiently (via Enlist, SideEffect, shielded reads/writes, and friends)
// rather than through a parameter.
func InTransaction(body func() error) error {
	return defaultRunner.InTransaction(body)
}

// InTransaction runs body atomically against r. Nested calls (InTransaction
// invoked from within an active transaction's body, pre-commit, or
// commute) join the outer context rather than running their own commit
// protocol.
func (r *Runner) InTransaction(body func() error) error {
	if outer, ok := current(); ok {
		if outer.runner != r {
			panic(ErrNestedAcrossRunners)
		}
		return body()
	}

	for {
		tx := newTx(r, r.clock.Current())
		r.clock.registerOpen(tx.startStamp)
		gls.Set(tx)

		retry, err := r.runOnce(tx, body)
		if retry {
			continue
		}
		return err
	}
}

// runOnce executes one attempt of the commit loop. It always leaves the
// goroutine's transaction slot cleared and tx's start stamp unregistered
// from the open set before returning.
func (r *Runner) runOnce(tx *Tx, body func() error) (retry bool, err error) {
	done := false
	finish := func() {
		if done {
			return
		}
		done = true
		gls.Clear()
		r.clock.unregisterOpen(tx.startStamp)
		tx.finalized = true
	}

	defer func() {
		if rec := recover(); rec != nil {
			switch rec.(type) {
			case rollbackSignal, writableReadCollision:
				r.log.Debugw("shield: rolling back attempt", "startStamp", tx.startStamp, "reason", rec)
				r.rollbackAll(tx, 0)
				finish()
				retry, err = true, nil
			default:
				r.log.Errorw("shield: aborting attempt on panic", "startStamp", tx.startStamp, "panic", rec)
				r.rollbackAll(tx, 0)
				finish()
				panic(rec)
			}
		}
	}()

	if bodyErr := body(); bodyErr != nil {
		r.log.Warnw("shield: aborting on body error", "startStamp", tx.startStamp, "err", bodyErr)
		r.rollbackAll(tx, 0)
		finish()
		return false, bodyErr
	}

	if err := r.runPreCommits(tx); err != nil {
		r.log.Warnw("shield: aborting on pre-commit error", "startStamp", tx.startStamp, "err", err)
		r.rollbackAll(tx, 0)
		finish()
		return false, err
	}

	if err := r.resolveCommutes(tx); err != nil {
		r.log.Warnw("shield: aborting on commute error", "startStamp", tx.startStamp, "err", err)
		r.rollbackAll(tx, 0)
		finish()
		return false, err
	}

	if !r.hasAnyChanges(tx) {
		// Read-only optimization: skip NextWriteStamp and the commit phase,
		// but still run side effects in order.
		gls.Clear()
		r.drainSync(tx)
		r.clock.unregisterOpen(tx.startStamp)
		done = true
		tx.finalized = true
		r.drainSideEffects(tx)
		return false, nil
	}

	writeStamp := r.clock.NextWriteStamp()
	for _, p := range tx.enlistOrder {
		if !p.CanCommit(tx, writeStamp) {
			r.log.Debugw("shield: validation failed, retrying", "writeStamp", writeStamp)
			r.rollbackAll(tx, writeStamp)
			finish()
			return true, nil
		}
	}

	var committed []Participant
	for _, p := range tx.enlistOrder {
		if p.Commit(tx, writeStamp) {
			r.trimmer.noteWritten(p)
			committed = append(committed, p)
		}
	}

	// Sync side effects run while the write-stamp locks Commit published
	// under are still held; they are only released below, by Unlock, after
	// SyncSideEffects have drained. The transaction stays ambient through
	// this window, in syncPhase, so a read made from inside a sync effect
	// still sees this transaction's own just-committed writes; a
	// concurrent, non-transactional reader (no ambient Tx) goes through
	// the participant's externalRead path instead and must not see them
	// until Unlock runs.
	tx.commitStamp = writeStamp
	tx.syncPhase = true
	r.drainSync(tx)
	gls.Clear()
	for _, p := range committed {
		p.Unlock(tx, writeStamp)
	}
	r.clock.unregisterOpen(tx.startStamp)
	done = true
	tx.finalized = true
	r.drainSideEffects(tx)
	r.trimmer.maybeTrim()

	return false, nil
}

func (r *Runner) runPreCommits(tx *Tx) error {
	for _, pc := range tx.preCommits {
		if pc.predicate() {
			if err := pc.action(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) hasAnyChanges(tx *Tx) bool {
	for _, p := range tx.enlistOrder {
		if p.HasChanges(tx) {
			return true
		}
	}
	return false
}

func (r *Runner) rollbackAll(tx *Tx, writeStamp uint64) {
	for _, p := range tx.enlistOrder {
		p.Rollback(tx, writeStamp)
	}
	tx.sideEffects = nil
	tx.syncSideEffects = nil
}

func (r *Runner) drainSync(tx *Tx) {
	for _, fn := range tx.syncSideEffects {
		fn()
	}
}

func (r *Runner) drainSideEffects(tx *Tx) {
	for _, fn := range tx.sideEffects {
		fn()
	}
}
