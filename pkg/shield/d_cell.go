package shield

import "go.uber.org/atomic"

// cellNode is one link in a cell's version chain: versions strictly
// decrease along older.
type cellNode[T any] struct {
	version uint64
	value   T
	older   atomic.Pointer[cellNode[T]]
}

// Shielded is the single-variable MVCC register. It implements
// Participant.
type Shielded[T any] struct {
	head       atomic.Pointer[cellNode[T]]
	writeStamp atomic.Uint64 // 0 == unlocked
	def        T
}

// NewShielded creates a cell whose value is def until first written.
func NewShielded[T any](def T) *Shielded[T] {
	return &Shielded[T]{def: def}
}

type cellLocal[T any] struct {
	read     bool
	readVer  uint64
	dirty    bool
	value    T
	lockHeld bool
}

func (l *cellLocal[T]) hasRead() bool { return l.read }

func (c *Shielded[T]) local(tx *Tx) *cellLocal[T] {
	return localState[*cellLocal[T]](tx, c, func() *cellLocal[T] { return &cellLocal[T]{} })
}

// checkLockAndEnlist spins while a conflicting writer (one whose write
// stamp orders before our snapshot) is in flight, then enlists.
func (c *Shielded[T]) checkLockAndEnlist(tx *Tx) {
	var backoff spinBackoff
	for {
		ws := c.writeStamp.Load()
		if ws == 0 || ws > tx.startStamp {
			break
		}
		backoff.wait()
	}
	tx.Enlist(c)
}

func (c *Shielded[T]) readVisible(startStamp uint64) (T, uint64) {
	n := c.head.Load()
	for n != nil && n.version > startStamp {
		n = n.older.Load()
	}
	if n == nil {
		return c.def, 0
	}
	return n.value, n.version
}

// Read returns the cell's value as seen by the active transaction, or the
// latest published value when called outside one.
func (c *Shielded[T]) Read() T {
	tx, ok := current()
	if !ok {
		return c.externalRead()
	}
	if tx.syncPhase {
		return c.ownerRead(tx.commitStamp)
	}
	return c.txRead(tx)
}

// externalRead serves a non-transactional Read. A node whose version is
// still the in-flight write stamp is skipped: the commit that produced it
// has published the chain but not yet released its write-stamp lock (that
// happens only once the committing transaction's SyncSideEffects have
// drained), so a plain outside read must not observe it before a
// transactional reader spinning in checkLockAndEnlist would.
func (c *Shielded[T]) externalRead() T {
	n := c.head.Load()
	if ws := c.writeStamp.Load(); ws != 0 && n != nil && n.version == ws {
		n = n.older.Load()
	}
	if n == nil {
		return c.def
	}
	return n.value
}

// ownerRead serves a Read made from inside the committing transaction's
// own SyncSideEffect. Commit has already run by this point, so if the
// in-flight write stamp still held on this cell is ownWriteStamp, the head
// node is this transaction's own just-published write and must be visible
// to it; any other in-flight write stamp belongs to a different,
// unrelated transaction still mid-commit and is skipped, exactly like
// externalRead would.
func (c *Shielded[T]) ownerRead(ownWriteStamp uint64) T {
	n := c.head.Load()
	if ws := c.writeStamp.Load(); ws != 0 && n != nil && n.version == ws && ws != ownWriteStamp {
		n = n.older.Load()
	}
	if n == nil {
		return c.def
	}
	return n.value
}

// Value is an alias for Read.
func (c *Shielded[T]) Value() T { return c.Read() }

func (c *Shielded[T]) txRead(tx *Tx) T {
	loc := c.local(tx)
	if loc.dirty {
		return loc.value // read-your-writes
	}
	c.checkLockAndEnlist(tx)
	v, ver := c.readVisible(tx.startStamp)
	loc.read = true
	loc.readVer = ver
	return v
}

// Assign buffers a new value for the cell, visible to later reads in the
// same transaction. It panics outside a transaction.
func (c *Shielded[T]) Assign(v T) {
	tx := mustCurrent()
	c.checkLockAndEnlist(tx)
	loc := c.local(tx)
	loc.dirty = true
	loc.value = v
}

// Modify reads the cell's current (transactional) value, applies fn, and
// assigns the result.
func (c *Shielded[T]) Modify(fn func(T) T) {
	tx := mustCurrent()
	cur := c.txRead(tx)
	c.Assign(fn(cur))
}

// Commute queues an update that depends only on the cell's value at
// commit time, allowing it to be reordered with other commutes on the
// same cell. It does not itself read the cell for snapshot-isolation
// purposes unless a prior read (directly, or via a pre-commit) already
// put the cell in this transaction's read set, in which case the commute
// degenerates into an ordinary Modify.
func (c *Shielded[T]) Commute(fn func(T) T) {
	tx := mustCurrent()
	tx.commutes = append(tx.commutes, queuedCommute{
		participant: c,
		resolve: func(tx *Tx) error {
			tx.Enlist(c)
			cur, ver := c.readVisible(latestVersion)
			loc := c.local(tx)
			if loc.dirty {
				// apply on top of this transaction's own pending value
				cur = loc.value
			}
			if !loc.read {
				loc.read = true
				loc.readVer = ver
			}
			loc.dirty = true
			loc.value = fn(cur)
			return nil
		},
		degenerate: func(tx *Tx) error {
			cur := c.txRead(tx)
			c.Assign(fn(cur))
			return nil
		},
	})
}

// latestVersion makes readVisible walk all the way to the chain head,
// i.e. read the latest committed value regardless of any transaction's
// start stamp, exactly what a commute's resolve step needs.
const latestVersion = ^uint64(0)

func (c *Shielded[T]) HasChanges(tx *Tx) bool {
	v, ok := tx.local[c]
	return ok && v.(*cellLocal[T]).dirty
}

func (c *Shielded[T]) CanCommit(tx *Tx, writeStamp uint64) bool {
	v, ok := tx.local[c]
	if !ok {
		return true
	}
	loc := v.(*cellLocal[T])
	if loc.read {
		if n := c.head.Load(); n != nil && n.version > loc.readVer {
			return false
		}
	}
	if loc.dirty {
		cur := c.writeStamp.Load()
		if cur == writeStamp {
			// already acquired by a prior, idempotent CanCommit call
		} else if !c.writeStamp.CompareAndSwap(0, writeStamp) {
			return false
		}
		loc.lockHeld = true
	}
	return true
}

// Commit publishes the write set but does not release the write-stamp
// lock: that is Unlock's job, called by the runner only after
// SyncSideEffects have drained, so the lock stays conceptually held for
// the whole window.
func (c *Shielded[T]) Commit(tx *Tx, writeStamp uint64) bool {
	v, ok := tx.local[c]
	if !ok {
		return false
	}
	loc := v.(*cellLocal[T])
	wrote := false
	if loc.dirty {
		if c.writeStamp.Load() != writeStamp {
			tx.runner.log.Errorw("shield: protocol violation", "participant", "cell", "writeStamp", writeStamp)
			panic(newProtocolViolation("cell Commit without matching write-stamp lock"))
		}
		n := &cellNode[T]{version: writeStamp, value: loc.value}
		n.older.Store(c.head.Load())
		c.head.Store(n)
		wrote = true
	}
	delete(tx.local, c)
	return wrote
}

// Unlock releases the write-stamp lock Commit left held, once the owning
// transaction's SyncSideEffects have drained.
func (c *Shielded[T]) Unlock(tx *Tx, writeStamp uint64) {
	c.writeStamp.CompareAndSwap(writeStamp, 0)
}

func (c *Shielded[T]) Rollback(tx *Tx, writeStamp uint64) {
	if v, ok := tx.local[c]; ok {
		loc := v.(*cellLocal[T])
		if loc.lockHeld {
			c.writeStamp.CompareAndSwap(writeStamp, 0)
		}
	}
	delete(tx.local, c)
}

// TrimCopies keeps at most one version node with version <= minOpen, by
// severing the older pointer of the newest such node.
func (c *Shielded[T]) TrimCopies(minOpen uint64) {
	n := c.head.Load()
	for n != nil {
		if n.version <= minOpen {
			n.older.Store(nil)
			return
		}
		n = n.older.Load()
	}
}
