package shield

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

// TestPreCommitRejectsOddIncrements checks a pre-commit that guards
// against ever leaving x odd. 100 concurrent transactions each add
// i (1..100); the 50 odd increments must be rejected by the pre-commit
// while the 50 even ones commit, leaving x at the sum of 2..100 evens.
//
// Fanned out with errgroup rather than a bare WaitGroup, since each
// goroutine's InTransaction error is itself meaningful (a rejected
// odd increment), not just a completion signal.
func TestPreCommitRejectsOddIncrements(t *testing.T) {
	r := NewRunner()
	x := NewShielded(0)

	var failures int32
	var g errgroup.Group
	for i := 1; i <= 100; i++ {
		i := i
		g.Go(func() error {
			err := r.InTransaction(func() error {
				cur := x.Read()
				x.Assign(cur + i)
				PreCommit(
					func() bool { return x.Read()%2 == 1 },
					func() error { return assert.AnError },
				)
				return nil
			})
			if err != nil {
				atomic.AddInt32(&failures, 1)
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())

	assert.Equal(t, int32(50), failures)
	assert.Equal(t, 2550, x.Read())
}

// TestSyncSideEffectsOrderMatchesCommitOrder checks that, across many
// concurrent read-increment-record transactions, the values recorded
// by SyncSideEffect must come out sorted, because sync side effects run
// while the write-stamp lock is still held and so serialize in commit
// order.
func TestSyncSideEffectsOrderMatchesCommitOrder(t *testing.T) {
	const n = 2000
	r := NewRunner()
	x := NewShielded(0)

	var mu sync.Mutex
	var recorded []int

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = r.InTransaction(func() error {
				old := x.Read()
				x.Assign(old + 1)
				SyncSideEffect(func() {
					mu.Lock()
					recorded = append(recorded, old)
					mu.Unlock()
				})
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, n, len(recorded))
	assert.True(t, sortedAscending(recorded), "recorded = %v", recorded)
	assert.Equal(t, n, x.Read())
}

func sortedAscending(xs []int) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return false
		}
	}
	return true
}

// TestSnapshotReadRetriesOnConcurrentCommit checks that a transaction
// that reads x, sleeps, then writes based on that read must
// retry if another transaction committed x in the meantime, so the final
// value reflects the retried read rather than the stale one.
func TestSnapshotReadRetriesOnConcurrentCommit(t *testing.T) {
	r := NewRunner()
	x := NewShielded(0)

	readOnce := make(chan struct{})
	var attempts int32

	done := make(chan error, 1)
	go func() {
		done <- r.InTransaction(func() error {
			n := atomic.AddInt32(&attempts, 1)
			cur := x.Read()
			if n == 1 {
				close(readOnce)
				time.Sleep(20 * time.Millisecond)
			}
			x.Assign(cur + 10)
			return nil
		})
	}()

	<-readOnce
	assert.NoError(t, r.InTransaction(func() error {
		x.Assign(1)
		return nil
	}))

	assert.NoError(t, <-done)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	assert.Equal(t, 11, x.Read())
}

// TestSyncSideEffectSeesCommittedStateBeforeUnlock spawns a thread from
// inside a SyncSideEffect that reads the cell outside any transaction
// while the committing transaction's write-stamp lock is still held, and
// that thread must see the old value (0); the lock is only released once
// every SyncSideEffect has drained. Reading from inside the sync effect
// itself, the new value (10) is already visible, since that code runs
// after Commit published it.
func TestSyncSideEffectSeesCommittedStateBeforeUnlock(t *testing.T) {
	r := NewRunner()
	x := NewShielded(0)

	var sawInsideSync int
	sawOutside := make(chan int, 1)
	assert.NoError(t, r.InTransaction(func() error {
		x.Assign(10)
		SyncSideEffect(func() {
			sawInsideSync = x.Read()

			// Spawn a concurrent, non-transactional reader while this
			// transaction's write-stamp lock on x is still held. It must
			// block on nothing and must not see the new value; Unlock
			// only runs once this closure (and every other queued
			// SyncSideEffect) returns.
			done := make(chan struct{})
			go func() {
				sawOutside <- x.Read()
				close(done)
			}()
			<-done
		})
		return nil
	}))

	assert.Equal(t, 10, sawInsideSync)
	assert.Equal(t, 0, <-sawOutside)
	assert.Equal(t, 10, x.Read())
}

// TestReadOnlyTransactionSkipsCommitPhase checks the read-only
// optimization: a transaction that never writes never consumes a write
// stamp, yet its side effects still run.
func TestReadOnlyTransactionSkipsCommitPhase(t *testing.T) {
	r := NewRunner()
	x := NewShielded(5)

	before := r.clock.Current()
	ran := false
	assert.NoError(t, r.InTransaction(func() error {
		_ = x.Read()
		SideEffect(func() { ran = true })
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, before, r.clock.Current())
}

// TestRollbackDropsSideEffects ensures side effects queued before an
// explicit Rollback() never fire.
func TestRollbackDropsSideEffects(t *testing.T) {
	r := NewRunner()
	x := NewShielded(0)

	fired := 0
	tried := false
	assert.NoError(t, r.InTransaction(func() error {
		x.Assign(1)
		SideEffect(func() { fired++ })
		if !tried {
			tried = true
			Rollback()
		}
		return nil
	}))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, x.Read())
}

// TestNestedInTransactionJoinsOuterContext checks that an inner
// InTransaction call shares the outer transaction rather than running
// its own commit protocol.
func TestNestedInTransactionJoinsOuterContext(t *testing.T) {
	r := NewRunner()
	x := NewShielded(0)

	outerStamp := uint64(0)
	innerStamp := uint64(0)
	assert.NoError(t, r.InTransaction(func() error {
		outerStamp = CurrentTransactionStartStamp()
		x.Assign(1)
		return r.InTransaction(func() error {
			innerStamp = CurrentTransactionStartStamp()
			x.Assign(2)
			return nil
		})
	}))
	assert.Equal(t, outerStamp, innerStamp)
	assert.Equal(t, 2, x.Read())
}
