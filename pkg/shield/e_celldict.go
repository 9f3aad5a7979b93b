package shield

import (
	"sync"

	"github.com/tidwall/btree"
	"go.uber.org/atomic"
)

// dictNode is one link in a dictionary key's version chain. present
// distinguishes a tombstone (deleted key) from an absent key that was
// never written.
type dictNode[V any] struct {
	version uint64
	value   V
	present bool
	older   atomic.Pointer[dictNode[V]]
}

// dictChain is one key's MVCC register: a head pointer plus the per-key
// write-stamp lock, and a lastWriteStamp marker used to drive TrimCopies,
// folded into the chain itself rather than kept as a side map.
type dictChain[V any] struct {
	head           atomic.Pointer[dictNode[V]]
	writeStamp     atomic.Uint64
	lastWriteStamp atomic.Uint64
}

type dictWrite[V any] struct {
	value     V
	tombstone bool
}

type dictLocal[K comparable, V any] struct {
	reads    map[K]uint64
	writes   map[K]dictWrite[V]
	lockHeld []K
}

func newDictLocal[K comparable, V any]() *dictLocal[K, V] {
	return &dictLocal[K, V]{reads: make(map[K]uint64), writes: make(map[K]dictWrite[V])}
}

func (l *dictLocal[K, V]) hasRead() bool { return len(l.reads) > 0 }

// ShieldedDict is the keyed MVCC map. It implements Participant as a
// single object covering every key it holds, backed by a btree.BTreeG
// ordered on key under a sync.RWMutex; each key owns its own version
// chain (a dictChain), so the tree itself only orders keys rather than
// keying on (key, version) pairs directly.
type ShieldedDict[K comparable, V any] struct {
	mu     sync.RWMutex
	chains *btree.BTreeG[Pair[K, *dictChain[V]]]
	def    V
}

// NewShieldedDict creates a dictionary ordered by less, with def returned
// for absent keys.
func NewShieldedDict[K comparable, V any](less func(a, b K) bool, def V) *ShieldedDict[K, V] {
	return &ShieldedDict[K, V]{
		chains: btree.NewBTreeG(func(a, b Pair[K, *dictChain[V]]) bool {
			return less(a.Key, b.Key)
		}),
		def: def,
	}
}

func (d *ShieldedDict[K, V]) peek(key K) (*dictChain[V], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	item, ok := d.chains.Get(Pair[K, *dictChain[V]]{Key: key})
	if !ok {
		return nil, false
	}
	return item.Val, true
}

func (d *ShieldedDict[K, V]) chainFor(key K) *dictChain[V] {
	if chain, ok := d.peek(key); ok {
		return chain
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if item, ok := d.chains.Get(Pair[K, *dictChain[V]]{Key: key}); ok {
		return item.Val
	}
	chain := &dictChain[V]{}
	d.chains.Set(Pair[K, *dictChain[V]]{Key: key, Val: chain})
	return chain
}

func (d *ShieldedDict[K, V]) checkLockAndEnlist(tx *Tx, key K) *dictChain[V] {
	chain := d.chainFor(key)
	var backoff spinBackoff
	for {
		ws := chain.writeStamp.Load()
		if ws == 0 || ws > tx.startStamp {
			break
		}
		backoff.wait()
	}
	tx.Enlist(d)
	return chain
}

func (d *ShieldedDict[K, V]) local(tx *Tx) *dictLocal[K, V] {
	return localState[*dictLocal[K, V]](tx, d, newDictLocal[K, V])
}

func visibleIn[V any](chain *dictChain[V], startStamp uint64) (V, bool, uint64) {
	n := chain.head.Load()
	for n != nil && n.version > startStamp {
		n = n.older.Load()
	}
	if n == nil {
		var zero V
		return zero, false, 0
	}
	return n.value, n.present, n.version
}

// Get reads key as seen by the active transaction (enlisting the
// dictionary and recording the read), or the latest published value when
// called outside a transaction.
func (d *ShieldedDict[K, V]) Get(key K) (V, bool) {
	tx, ok := current()
	if !ok {
		chain, ok := d.peek(key)
		if !ok {
			return d.def, false
		}
		return d.externalRead(chain)
	}
	if tx.syncPhase {
		chain, ok := d.peek(key)
		if !ok {
			return d.def, false
		}
		return d.ownerRead(chain, tx.commitStamp)
	}
	return d.txGet(tx, key)
}

// externalRead serves a non-transactional Get. Like Shielded.externalRead,
// it skips a head node still carrying the in-flight write stamp, since
// that key's write-stamp lock has been published but not yet released.
func (d *ShieldedDict[K, V]) externalRead(chain *dictChain[V]) (V, bool) {
	n := chain.head.Load()
	if ws := chain.writeStamp.Load(); ws != 0 && n != nil && n.version == ws {
		n = n.older.Load()
	}
	if n == nil || !n.present {
		return d.def, false
	}
	return n.value, true
}

// ownerRead serves a Get made from inside the committing transaction's own
// SyncSideEffect, mirroring Shielded.ownerRead: a head node still carrying
// ownWriteStamp is this transaction's own just-published write and is
// visible; a head node carrying a different in-flight write stamp belongs
// to some other, unrelated transaction still mid-commit and is skipped
// like externalRead.
func (d *ShieldedDict[K, V]) ownerRead(chain *dictChain[V], ownWriteStamp uint64) (V, bool) {
	n := chain.head.Load()
	if ws := chain.writeStamp.Load(); ws != 0 && n != nil && n.version == ws && ws != ownWriteStamp {
		n = n.older.Load()
	}
	if n == nil || !n.present {
		return d.def, false
	}
	return n.value, true
}

func (d *ShieldedDict[K, V]) txGet(tx *Tx, key K) (V, bool) {
	loc := d.local(tx)
	if w, ok := loc.writes[key]; ok {
		// Reading a key we've already written still must assert no
		// committed version newer than our snapshot exists.
		if chain, ok := d.peek(key); ok {
			if n := chain.head.Load(); n != nil && n.version > tx.startStamp {
				panic(writableReadCollision{})
			}
		}
		if w.tombstone {
			return d.def, false
		}
		return w.value, true
	}

	chain := d.checkLockAndEnlist(tx, key)
	v, present, ver := visibleIn(chain, tx.startStamp)
	loc.reads[key] = ver
	if !present {
		return d.def, false
	}
	return v, true
}

// Set buffers key=value, visible to later reads of key in this
// transaction. It panics outside a transaction.
func (d *ShieldedDict[K, V]) Set(key K, value V) {
	tx := mustCurrent()
	d.checkLockAndEnlist(tx, key)
	d.local(tx).writes[key] = dictWrite[V]{value: value}
}

// Delete buffers a tombstone for key.
func (d *ShieldedDict[K, V]) Delete(key K) {
	tx := mustCurrent()
	d.checkLockAndEnlist(tx, key)
	d.local(tx).writes[key] = dictWrite[V]{tombstone: true}
}

func (d *ShieldedDict[K, V]) HasChanges(tx *Tx) bool {
	v, ok := tx.local[d]
	return ok && len(v.(*dictLocal[K, V]).writes) > 0
}

func (d *ShieldedDict[K, V]) CanCommit(tx *Tx, writeStamp uint64) bool {
	v, ok := tx.local[d]
	if !ok {
		return true
	}
	loc := v.(*dictLocal[K, V])

	for key, readVer := range loc.reads {
		chain, ok := d.peek(key)
		if !ok {
			continue
		}
		if ws := chain.writeStamp.Load(); ws != 0 && ws != writeStamp {
			return false
		}
		if n := chain.head.Load(); n != nil && n.version > readVer {
			return false
		}
	}

	acquired := loc.lockHeld[:0]
	for key := range loc.writes {
		chain := d.chainFor(key)
		cur := chain.writeStamp.Load()
		if cur == writeStamp {
			// idempotent re-validation
		} else if !chain.writeStamp.CompareAndSwap(0, writeStamp) {
			for _, k := range acquired {
				d.chainFor(k).writeStamp.CompareAndSwap(writeStamp, 0)
			}
			loc.lockHeld = nil
			return false
		}
		acquired = append(acquired, key)
	}
	loc.lockHeld = acquired
	return true
}

// Commit publishes every written key's new node but leaves each key's
// write-stamp lock held; Unlock releases them once the transaction's
// SyncSideEffects have drained. tx.local[d] is kept around (not deleted
// here) so Unlock can still see which keys need releasing.
func (d *ShieldedDict[K, V]) Commit(tx *Tx, writeStamp uint64) bool {
	v, ok := tx.local[d]
	if !ok {
		return false
	}
	loc := v.(*dictLocal[K, V])
	wrote := false
	for key, w := range loc.writes {
		chain := d.chainFor(key)
		if chain.writeStamp.Load() != writeStamp {
			tx.runner.log.Errorw("shield: protocol violation", "participant", "dict", "key", key, "writeStamp", writeStamp)
			panic(newProtocolViolation("dict Commit without matching write-stamp lock"))
		}
		n := &dictNode[V]{version: writeStamp, value: w.value, present: !w.tombstone}
		n.older.Store(chain.head.Load())
		chain.head.Store(n)
		chain.lastWriteStamp.Store(writeStamp)
		wrote = true
	}
	return wrote
}

// Unlock releases the per-key write-stamp locks Commit left held.
func (d *ShieldedDict[K, V]) Unlock(tx *Tx, writeStamp uint64) {
	v, ok := tx.local[d]
	if !ok {
		return
	}
	loc := v.(*dictLocal[K, V])
	for key := range loc.writes {
		d.chainFor(key).writeStamp.CompareAndSwap(writeStamp, 0)
	}
	delete(tx.local, d)
}

func (d *ShieldedDict[K, V]) Rollback(tx *Tx, writeStamp uint64) {
	if v, ok := tx.local[d]; ok {
		loc := v.(*dictLocal[K, V])
		for _, key := range loc.lockHeld {
			d.chainFor(key).writeStamp.CompareAndSwap(writeStamp, 0)
		}
	}
	delete(tx.local, d)
}

// TrimCopies visits every key this dictionary has written since that key's
// marker was last cleared and, for each, keeps at most one version node
// with version <= minOpen. A key's "recently written" marker is cleared
// only if the stamp observed for it is <= minOpen and still current; a key
// whose latest write is newer than minOpen, or a write racing in during the
// pass, keeps its marker for the next one (see DESIGN.md).
func (d *ShieldedDict[K, V]) TrimCopies(minOpen uint64) {
	var stale []K
	d.mu.RLock()
	d.chains.Scan(func(item Pair[K, *dictChain[V]]) bool {
		if item.Val.lastWriteStamp.Load() != 0 {
			stale = append(stale, item.Key)
		}
		return true
	})
	d.mu.RUnlock()

	for _, key := range stale {
		chain, ok := d.peek(key)
		if !ok {
			continue
		}
		observed := chain.lastWriteStamp.Load()
		n := chain.head.Load()
		for n != nil {
			if n.version <= minOpen {
				n.older.Store(nil)
				break
			}
			n = n.older.Load()
		}
		if observed <= minOpen {
			chain.lastWriteStamp.CompareAndSwap(observed, 0)
		}
	}
}
