package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/minios-project/minios/internal/corelog"
)

// numBands is the fixed multi-level feedback queue depth.
const numBands = 4

// quantumForBand returns a band's quantum in ticks: 2^band.
// original_source/multilevel_queue.c computes this field with
// `2 ^ pri`, C's bitwise XOR rather than exponentiation — the highest
// band should run for 1 tick and the lowest for 8, so real
// exponentiation is used here instead.
func quantumForBand(b Band) int {
	return 1 << uint(b)
}

// demote returns the next priority band down, capped at the lowest
// band.
func demote(b Band) Band {
	if int(b) >= numBands-1 {
		return Band(numBands - 1)
	}
	return b + 1
}

func nextBand(b int) int {
	return (b + 1) % numBands
}

// Scheduler is minios's single-logical-CPU thread scheduler: one
// multi-level feedback ready queue, one alarm list, and the tick
// handler that drives demotion and sweep rotation.
//
// current == nil represents the idle thread: idle has a distinguished
// thread id (0) and a reserved band (BandIdle) but no real work, so
// modeling it as "no thread selected" rather than a goroutine that
// spins avoids a needless extra context.
//
// Involuntary, quantum-exhaustion-driven preemption cannot safely
// stop an arbitrarily-executing goroutine from Tick's own goroutine —
// Go has no portable equivalent of the raw-stack-pointer context
// switch a real preemptive scheduler performs.
// Tick() therefore only ever mutates bookkeeping (tick count, alarm
// firing, the current thread's quantum and band, a pendingSwitch
// flag); the actual handoff for an involuntary switch happens the
// next time the running thread reaches a cooperative checkpoint
// (Checkin, or any of Yield/Sleep/a semaphore P/UnlockAndStop, all of
// which consult pendingSwitch on the way in). Voluntary switches
// perform the handoff immediately, since they always run on the
// calling thread's own goroutine.
type Scheduler struct {
	mu sync.Mutex

	ready        *multilevelQueue[*Thread]
	readyCond    *sync.Cond
	current      *Thread
	currentBand  int
	pendingSwitch bool

	ticksSinceSweep int
	sweep           [numBands]int
	tickCount       uint64
	tickPeriod      time.Duration

	alarms *alarmList

	reaperQueue *queue[*Thread]
	reaperSem   *Semaphore

	idleReturn chan struct{}

	nextID int
}

// NewScheduler allocates a scheduler with the given per-band sweep
// budgets and tick period.
func NewScheduler(sweep [numBands]int, tickPeriod time.Duration) *Scheduler {
	s := &Scheduler{
		ready:       newMultilevelQueue[*Thread](numBands),
		sweep:       sweep,
		tickPeriod:  tickPeriod,
		alarms:      newAlarmList(),
		reaperQueue: newQueue[*Thread](),
		idleReturn:  make(chan struct{}),
		nextID:      1,
	}
	s.readyCond = sync.NewCond(&s.mu)
	s.reaperSem = NewSemaphore(s, 0)
	return s
}

// Fork creates a new thread at band 0 and enqueues it runnable. It
// does not switch to the new thread.
func (s *Scheduler) Fork(proc ThreadProc, arg any) *Thread {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	t := &Thread{
		id:      id,
		band:    0,
		quantum: quantumForBand(0),
		resume:  make(chan struct{}),
	}
	t.sleepSem = NewSemaphore(s, 0)
	t.proc = proc
	t.arg = arg

	go func() {
		<-t.resume
		proc(t, arg)
		s.finalize(t)
	}()

	s.mu.Lock()
	s.makeRunnableLocked(t)
	s.mu.Unlock()
	corelog.Debugf("sched", "forked thread %d", id)
	return t
}

// Start forks a reaper thread and the given main proc, then runs the
// idle loop on the calling goroutine. Like
// original_source/minithread.c's minithread_system_initialize, it
// never returns: the calling goroutine becomes the scheduler's idle
// thread for the remaining lifetime of the program.
func (s *Scheduler) Start(mainProc ThreadProc, mainArg any) {
	s.Fork(reaperProc, s)
	s.Fork(mainProc, mainArg)
	s.idleLoop()
}

func reaperProc(self *Thread, arg any) {
	s := arg.(*Scheduler)
	for {
		s.reaperSem.P(self)
		if t, ok := s.reaperPop(); ok {
			corelog.Debugf("sched", "reaped thread %d", t.ID())
		}
	}
}

func (s *Scheduler) reaperPop() (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reaperQueue.dequeue()
}

// idleLoop is the idle thread's body: whenever the ready set is
// non-empty, dispatch the next thread (favoring currentBand, the band
// the last sweep rotation landed on) and wait for control to return.
func (s *Scheduler) idleLoop() {
	s.mu.Lock()
	for {
		for s.ready.empty() {
			s.readyCond.Wait()
		}
		t, band, _ := s.ready.dequeue(s.currentBand)
		s.current = t
		s.currentBand = band
		s.ticksSinceSweep = 0
		s.pendingSwitch = false
		t.quantum = quantumForBand(band)
		s.mu.Unlock()

		t.resume <- struct{}{}
		<-s.idleReturn

		s.mu.Lock()
	}
}

// makeRunnableLocked enqueues t into its band's ready queue and wakes
// the idle loop if it is waiting for work. Callers must hold mu.
func (s *Scheduler) makeRunnableLocked(t *Thread) {
	if t.destroyed {
		corelog.Errorf("sched", "thread %d made runnable after destruction", t.id)
		return
	}
	s.ready.enqueue(int(t.band), t)
	s.readyCond.Signal()
}

// blockCurrentLocked parks the calling thread t (which must be
// s.current) and switches to the next runnable thread, or to idle if
// none is ready. Callers must hold mu and must already have arranged
// for t to be woken later (e.g. appended to a semaphore's waiter
// queue) before calling this — it performs no bookkeeping of its own
// beyond the switch. It returns only once some other goroutine sends
// on t.resume.
func (s *Scheduler) blockCurrentLocked(t *Thread) {
	if s.current == t {
		s.pendingSwitch = false
	}
	next, band, ok := s.ready.dequeue(s.currentBand)
	if !ok {
		s.current = nil
		s.mu.Unlock()
		s.idleReturn <- struct{}{}
		<-t.resume
		return
	}
	s.current = next
	s.currentBand = band
	s.ticksSinceSweep = 0
	next.quantum = quantumForBand(band)
	s.mu.Unlock()

	next.resume <- struct{}{}
	<-t.resume
}

// finalize runs after a thread's proc returns: it marks the thread
// destroyed, hands it to the reaper, and switches away. Unlike
// blockCurrentLocked, it never parks t — t's goroutine returns
// immediately afterward and exits for good, which is the Go-idiomatic
// replacement for original_source/minithread.c's "block forever on a
// cleanup semaphore" pattern (there is no stack to free and nothing
// to keep alive).
func (s *Scheduler) finalize(t *Thread) {
	s.mu.Lock()
	t.destroyed = true
	s.reaperQueue.append(t)
	s.reaperSem.vLocked()
	if s.current == t {
		s.pendingSwitch = false
	}

	next, band, ok := s.ready.dequeue(s.currentBand)
	if !ok {
		s.current = nil
		s.mu.Unlock()
		s.idleReturn <- struct{}{}
		return
	}
	s.current = next
	s.currentBand = band
	s.ticksSinceSweep = 0
	next.quantum = quantumForBand(band)
	s.mu.Unlock()

	next.resume <- struct{}{}
	corelog.Debugf("sched", "thread %d finalized", t.id)
}

// Yield voluntarily gives up the calling thread t's turn, preserving
// its band and refreshing its quantum, then re-enqueues it. If no other thread is ready, t simply keeps running.
func (s *Scheduler) Yield(t *Thread) {
	s.mu.Lock()
	if s.current == t {
		s.pendingSwitch = false
	}
	t.quantum = quantumForBand(t.band)
	next, band, ok := s.ready.dequeue(int(t.band))
	if !ok {
		s.mu.Unlock()
		return
	}
	s.ready.enqueue(int(t.band), t)
	s.current = next
	s.currentBand = band
	s.ticksSinceSweep = 0
	next.quantum = quantumForBand(band)
	s.mu.Unlock()

	next.resume <- struct{}{}
	<-t.resume
}

// ticksFor rounds a duration up to a whole number of ticks, never
// less than one: wakeup = now + ceil(delay / tick period).
func (s *Scheduler) ticksFor(d time.Duration) uint64 {
	if d <= 0 {
		return 1
	}
	n := uint64(d / s.tickPeriod)
	if d%s.tickPeriod != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

// Sleep blocks the calling thread t for at least d, via a one-shot
// alarm that posts a private semaphore.
func (s *Scheduler) Sleep(t *Thread, d time.Duration) {
	delay := s.ticksFor(d)
	s.mu.Lock()
	wakeup := s.tickCount + delay
	s.alarms.registerLocked(wakeup, func(_ *Scheduler) {
		t.sleepSem.vLocked()
	})
	s.mu.Unlock()
	t.sleepSem.P(t)
}

// UnlockAndStop atomically clears a test-and-set lock word and blocks
// the calling thread t, a race-free sleep primitive. Callers are
// responsible for having already
// arranged a future wakeup for t (e.g. enqueuing it somewhere another
// thread will find and signal).
func (s *Scheduler) UnlockAndStop(t *Thread, lock *int32) {
	s.mu.Lock()
	atomic.StoreInt32(lock, 0)
	s.blockCurrentLocked(t)
}

// Checkin is the cooperative preemption checkpoint a long-running
// thread body is expected to call periodically. If Tick has flagged an
// involuntary switch for the calling thread t since its last
// checkpoint, Checkin performs it now; otherwise it returns
// immediately.
func (s *Scheduler) Checkin(t *Thread) {
	s.mu.Lock()
	if !s.pendingSwitch || s.current != t {
		s.mu.Unlock()
		return
	}
	s.pendingSwitch = false

	next, band, ok := s.ready.dequeue(s.currentBand)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.ready.enqueue(int(t.band), t)
	s.current = next
	s.currentBand = band
	s.ticksSinceSweep = 0
	next.quantum = quantumForBand(band)
	s.mu.Unlock()

	next.resume <- struct{}{}
	<-t.resume
}

// Tick advances the scheduler's clock by one tick, firing due alarms
// and applying quantum/sweep bookkeeping to the running thread. It
// never blocks and never itself performs an involuntary context
// switch; see the Scheduler doc comment and Checkin.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.tickCount++
	now := s.tickCount
	s.alarms.fireDueLocked(s, now)

	cur := s.current
	if cur == nil {
		s.mu.Unlock()
		return
	}

	s.ticksSinceSweep++
	cur.quantum--

	budget := s.sweep[s.currentBand]
	switch {
	case s.ticksSinceSweep >= budget:
		if cur.quantum <= 0 {
			cur.band = demote(cur.band)
		}
		s.currentBand = nextBand(s.currentBand)
		s.ticksSinceSweep = 0
		s.pendingSwitch = true
	case cur.quantum <= 0:
		cur.band = demote(cur.band)
		s.pendingSwitch = true
	}
	s.mu.Unlock()
}

// TickCount returns the number of ticks delivered so far.
func (s *Scheduler) TickCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickCount
}

// CurrentBand returns the band the scheduler is currently favoring
// (the band the last sweep rotation or dispatch landed on).
func (s *Scheduler) CurrentBand() Band {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Band(s.currentBand)
}

// CurrentThread returns the handle of the running thread, or nil if
// the scheduler is idle.
func (s *Scheduler) CurrentThread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CurrentID returns the running thread's id, or 0 if the scheduler is idle.
func (s *Scheduler) CurrentID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.id
}

// PendingSwitch reports whether Tick has flagged an involuntary
// switch awaiting the next Checkin — exposed for tests of the
// demotion/preemption handoff.
func (s *Scheduler) PendingSwitch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSwitch
}

// RegisterAlarm exposes the alarm list to other packages building
// their own timeout primitives on top of the scheduler, e.g. minisocket's retransmission timers.
func (s *Scheduler) RegisterAlarm(delay time.Duration, fn func(s *Scheduler)) int {
	ticks := s.ticksFor(delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarms.registerLocked(s.tickCount+ticks, fn)
}

// DeregisterAlarm cancels a pending alarm, reporting whether it had
// already fired.
func (s *Scheduler) DeregisterAlarm(id int) (alreadyFired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarms.deregisterLocked(id)
}
