package sched

// Semaphore is a signed counting semaphore with a FIFO waiter queue.
// Every minisocket/miniport/miniroute rendezvous point in this
// repository is built on one of these.
//
// Grounded on original_source/synch.c's test-and-set-guarded P/V,
// with the spin lock replaced by the Scheduler's own critical-section
// mutex plus a dedicated UnlockAndStop primitive.
type Semaphore struct {
	s       *Scheduler
	count   int
	waiters *queue[*Thread]
}

// NewSemaphore allocates a semaphore owned by s with the given
// initial count.
func NewSemaphore(s *Scheduler, initial int) *Semaphore {
	return &Semaphore{s: s, count: initial, waiters: newQueue[*Thread]()}
}

// P waits on the semaphore. t must be the calling thread's own
// handle (self, as passed into its ThreadProc). P blocks iff the
// post-decrement count is negative.
func (sem *Semaphore) P(t *Thread) {
	sem.s.mu.Lock()
	sem.count--
	if sem.count < 0 {
		sem.waiters.append(t)
		sem.s.blockCurrentLocked(t) // unlocks internally, parks until V wakes t
		return
	}
	sem.s.mu.Unlock()
}

// V signals the semaphore, waking one waiter (FIFO) if the
// pre-increment count was negative. V never blocks and never
// switches away from the caller.
func (sem *Semaphore) V() {
	sem.s.mu.Lock()
	defer sem.s.mu.Unlock()
	sem.vLocked()
}

// vLocked is V's body for callers that already hold Scheduler.mu: the
// alarm list's fired callbacks and
// the reaper handoff in finalize, both of which run inside an
// already-locked critical section and would deadlock on the
// non-reentrant mutex if they called V directly.
func (sem *Semaphore) vLocked() {
	wasNegative := sem.count < 0
	sem.count++
	if wasNegative {
		if waiter, ok := sem.waiters.dequeue(); ok {
			sem.s.makeRunnableLocked(waiter)
		}
	}
}

// Count returns the current signed counter value, for tests/metrics.
func (sem *Semaphore) Count() int {
	sem.s.mu.Lock()
	defer sem.s.mu.Unlock()
	return sem.count
}

// WaiterLen returns the number of threads currently blocked on the
// semaphore, for tests asserting the "count >= 0 implies empty FIFO"
// invariant.
func (sem *Semaphore) WaiterLen() int {
	sem.s.mu.Lock()
	defer sem.s.mu.Unlock()
	return sem.waiters.length()
}
