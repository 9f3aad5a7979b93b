package shield

import (
	"shielded/internal/gls"
)

// Tx is the per-transaction context: start stamp, enlisted participants,
// pre-commits, commutes, and side-effect queues. It is reached ambiently
// via the calling goroutine's slot (internal/gls) rather than threaded as
// a parameter through user code, so shielded reads and writes don't need
// to carry it around explicitly.
type Tx struct {
	runner     *Runner
	startStamp uint64

	enlistOrder []Participant
	enlisted    map[Participant]struct{}
	local       map[Participant]any

	preCommits []preCommitHook
	commutes   []queuedCommute

	sideEffects     []func()
	syncSideEffects []func()

	// syncPhase and commitStamp are set only between Commit and Unlock,
	// while SyncSideEffects are draining. A participant read made in this
	// window, by this goroutine, must see this transaction's own
	// just-published writes even though its write-stamp locks are still
	// held; commitStamp tells a participant which in-flight write stamp is
	// "ours" so it can tell that apart from an unrelated transaction's
	// still-locked write.
	syncPhase   bool
	commitStamp uint64

	finalized bool
}

type preCommitHook struct {
	predicate func() bool
	action    func() error
}

func newTx(r *Runner, startStamp uint64) *Tx {
	return &Tx{
		runner:     r,
		startStamp: startStamp,
		enlisted:   make(map[Participant]struct{}),
		local:      make(map[Participant]any),
	}
}

func (tx *Tx) ensureActive() {
	if tx.finalized {
		panic(ErrContinuationCompleted)
	}
}

// Enlist registers p with this transaction, deduplicated, preserving
// first-touch order.
func (tx *Tx) Enlist(p Participant) {
	tx.ensureActive()
	if _, ok := tx.enlisted[p]; ok {
		return
	}
	tx.enlisted[p] = struct{}{}
	tx.enlistOrder = append(tx.enlistOrder, p)
}

func (tx *Tx) hasRead(p Participant) bool {
	v, ok := tx.local[p]
	if !ok {
		return false
	}
	r, ok := v.(interface{ hasRead() bool })
	return ok && r.hasRead()
}

func (tx *Tx) addPreCommit(predicate func() bool, action func() error) {
	tx.ensureActive()
	tx.preCommits = append(tx.preCommits, preCommitHook{predicate: predicate, action: action})
}

func (tx *Tx) addSideEffect(fn func()) {
	tx.ensureActive()
	tx.sideEffects = append(tx.sideEffects, fn)
}

func (tx *Tx) addSyncSideEffect(fn func()) {
	tx.ensureActive()
	tx.syncSideEffects = append(tx.syncSideEffects, fn)
}

// localState returns (creating if absent) the typed local-state slot a
// participant keeps inside this context: its read set and write set.
func localState[S any](tx *Tx, p Participant, zero func() S) S {
	if v, ok := tx.local[p]; ok {
		return v.(S)
	}
	s := zero()
	tx.local[p] = s
	return s
}

// current returns the transaction ambiently active on the calling
// goroutine, if any.
func current() (*Tx, bool) {
	v, ok := gls.Get()
	if !ok {
		return nil, false
	}
	return v.(*Tx), true
}

func mustCurrent() *Tx {
	tx, ok := current()
	if !ok {
		panic("shield: operation requires an active transaction (call from within InTransaction)")
	}
	return tx
}

// IsInTransaction reports whether the calling goroutine is inside a
// transaction body.
func IsInTransaction() bool {
	_, ok := current()
	return ok
}

// CurrentTransactionStartStamp returns the active transaction's start
// stamp. It panics outside a transaction.
func CurrentTransactionStartStamp() uint64 {
	return mustCurrent().startStamp
}

// Enlist registers p with the active transaction.
func Enlist(p Participant) {
	mustCurrent().Enlist(p)
}

// PreCommit installs a (predicate, action) hook evaluated once the
// transaction body finishes, before validation. Both closures run with
// this transaction still ambiently active, so they may freely read and
// write any shielded participant. action returning a non-nil error aborts
// the attempt and that error propagates to the caller of InTransaction;
// call Rollback from within action to retry instead.
func PreCommit(predicate func() bool, action func() error) {
	mustCurrent().addPreCommit(predicate, action)
}

// SideEffect enqueues fn to run after a successful commit.
func SideEffect(fn func()) {
	mustCurrent().addSideEffect(fn)
}

// SyncSideEffect enqueues fn to run after commit but before the
// transaction's write-stamp locks are released, so sync side effects on a
// shared participant drain in commit order relative to each other.
func SyncSideEffect(fn func()) {
	mustCurrent().addSyncSideEffect(fn)
}

// Rollback aborts the current attempt; the runner retries it with a fresh
// start stamp.
func Rollback() {
	mustCurrent()
	panic(rollbackSignal{})
}
