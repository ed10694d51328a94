package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForkAndStartRunsMainToCompletion(t *testing.T) {
	s := newTestScheduler()
	done := make(chan struct{})

	go s.Start(func(self *Thread, _ any) {
		close(done)
	}, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("main proc never ran")
	}
}

func TestYieldPreservesBandAndRefreshesQuantum(t *testing.T) {
	s := newTestScheduler()
	secondRan := make(chan Band, 1)
	firstDone := make(chan struct{})
	var bandAfterYield Band
	var quantumAfterYield int

	go s.Start(func(self *Thread, _ any) {
		s.Fork(func(inner *Thread, _ any) {
			secondRan <- inner.Band()
		}, nil)
		s.Yield(self)
		bandAfterYield, quantumAfterYield = self.Band(), self.quantum
		close(firstDone)
	}, nil)

	select {
	case band := <-secondRan:
		require.Equal(t, Band(0), band)
	case <-time.After(2 * time.Second):
		t.Fatal("second thread never ran after yield")
	}
	select {
	case <-firstDone:
		require.Equal(t, Band(0), bandAfterYield)
		require.Equal(t, quantumForBand(0), quantumAfterYield)
	case <-time.After(2 * time.Second):
		t.Fatal("first thread never resumed after yield")
	}
}

func TestDemotionAfterQuantumExhaustion(t *testing.T) {
	s := newTestScheduler()
	reachedBand := make(chan Band, 1)
	checkinGate := make(chan struct{})

	go s.Start(func(self *Thread, _ any) {
		<-checkinGate
		s.Checkin(self)
		reachedBand <- self.Band()
	}, nil)

	// Band 0's quantum is 2^0 == 1 tick; exhaust it without crossing
	// a sweep boundary so demotion, not just rotation, is observed.
	s.Tick()
	close(checkinGate)

	select {
	case band := <-reachedBand:
		require.Equal(t, Band(1), band)
	case <-time.After(2 * time.Second):
		t.Fatal("thread never checked in after quantum exhaustion")
	}
}

func TestSleepWakesAfterEnoughTicks(t *testing.T) {
	s := newTestScheduler()
	woke := make(chan struct{})

	go s.Start(func(self *Thread, _ any) {
		s.Sleep(self, 5*time.Millisecond)
		close(woke)
	}, nil)

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-woke:
			return
		case <-ticker.C:
			s.Tick()
		case <-deadline:
			t.Fatal("sleeper never woke")
		}
	}
}

func TestPendingSwitchClearsOnCheckin(t *testing.T) {
	s := newTestScheduler()
	checkinGate := make(chan struct{})
	cleared := make(chan bool, 1)

	go s.Start(func(self *Thread, _ any) {
		<-checkinGate
		s.Checkin(self)
		cleared <- !s.PendingSwitch()
	}, nil)

	s.Tick()
	require.True(t, s.PendingSwitch())
	close(checkinGate)

	select {
	case ok := <-cleared:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("pendingSwitch never cleared")
	}
}
