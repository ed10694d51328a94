// Package fsio implements minios's FS block-I/O lock shim: the rendezvous between a block device's asynchronous
// completion and a thread blocked in protected_read/protected_write.
//
// Grounded on original_source/minifile.c's pending-read/pending-write
// tables (a printable block number hashed to a waiting semaphore);
// here reads and writes share one plain map keyed by block number,
// guarded by a mutex, rather than the
// teacher's hand-rolled hashtable.c, since Go's built-in map already
// gives O(1) lookup without a second data structure to maintain.
package fsio

import (
	"sync"

	"github.com/minios-project/minios/internal/blockdev"
	"github.com/minios-project/minios/internal/corelog"
	"github.com/minios-project/minios/internal/sched"
)

// Shim bridges one blockdev.Device's asynchronous completions to
// blocking protected_read/protected_write calls.
type Shim struct {
	sched *sched.Scheduler
	dev   blockdev.Device

	mu      sync.Mutex
	pending map[int]*sched.Semaphore

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a shim over dev and starts its completion-draining
// goroutine, the stand-in for the block device's interrupt handler.
func New(s *sched.Scheduler, dev blockdev.Device) *Shim {
	sh := &Shim{
		sched:   s,
		dev:     dev,
		pending: map[int]*sched.Semaphore{},
		stop:    make(chan struct{}),
	}
	go sh.drainCompletions()
	return sh
}

// Close stops the completion-draining goroutine.
func (sh *Shim) Close() {
	sh.stopOnce.Do(func() { close(sh.stop) })
}

func (sh *Shim) drainCompletions() {
	for {
		select {
		case <-sh.stop:
			return
		case c, ok := <-sh.dev.Completions():
			if !ok {
				return
			}
			if c.Err != nil {
				corelog.Errorf("fsio", "block %d I/O failed: %v", c.Block, c.Err)
			}
			sh.mu.Lock()
			sem, ok := sh.pending[c.Block]
			sh.mu.Unlock()
			if !ok {
				corelog.Debugf("fsio", "completion for block %d with no waiter", c.Block)
				continue
			}
			sem.V()
		}
	}
}

// ProtectedRead issues an asynchronous read of blk into buf and
// blocks the calling thread until it completes. buf must be at least blockdev.BlockSize long.
func (sh *Shim) ProtectedRead(th *sched.Thread, blk int, buf []byte) error {
	sem := sh.install(blk)
	sh.dev.ReadBlock(blk, buf)
	sem.P(th)
	sh.uninstall(blk)
	return nil
}

// ProtectedWrite is ProtectedRead's symmetric write counterpart.
func (sh *Shim) ProtectedWrite(th *sched.Thread, blk int, buf []byte) error {
	sem := sh.install(blk)
	sh.dev.WriteBlock(blk, buf)
	sem.P(th)
	sh.uninstall(blk)
	return nil
}

func (sh *Shim) install(blk int) *sched.Semaphore {
	sem := sched.NewSemaphore(sh.sched, 0)
	sh.mu.Lock()
	if _, exists := sh.pending[blk]; exists {
		// Two protected_* calls racing on the same block is a caller
		// bug (original_source/minifile.c assumes single-writer
		// access per block, enforced one level up by the file
		// layer's own locking); fail loudly rather than silently
		// overwrite the other call's rendezvous semaphore.
		sh.mu.Unlock()
		corelog.Errorf("fsio", "block %d already has a pending operation", blk)
		return sem
	}
	sh.pending[blk] = sem
	sh.mu.Unlock()
	return sem
}

func (sh *Shim) uninstall(blk int) {
	sh.mu.Lock()
	delete(sh.pending, blk)
	sh.mu.Unlock()
}
