package sched

// alarmNode is one entry in the sorted, singly-linked wakeup list.
// Grounded on original_source/alarm.c, which ships only the empty
// shell of alarm_list_insert; this completes it.
type alarmNode struct {
	id     int
	wakeup uint64 // absolute tick count
	fn     func(s *Scheduler)
	next   *alarmNode
}

// alarmList is a sorted-by-wakeup, singly-linked list of pending
// alarms. All methods assume the owning Scheduler's mutex is already
// held — alarm callbacks frequently need to call scheduler-internal
// wake primitives, and Go's sync.Mutex is not reentrant, so every
// alarm operation here is "Locked"-flavored and only ever called from
// code that already holds Scheduler.mu.
type alarmList struct {
	head   *alarmNode
	nextID int
}

func newAlarmList() *alarmList {
	return &alarmList{nextID: 1}
}

// registerLocked inserts a new alarm at the first position whose
// successor wakes up strictly later, keeping the list sorted ascending
// by wakeup tick, ties broken by insertion order.
func (a *alarmList) registerLocked(wakeup uint64, fn func(s *Scheduler)) int {
	id := a.nextID
	a.nextID++

	node := &alarmNode{id: id, wakeup: wakeup, fn: fn}

	if a.head == nil || a.head.wakeup > wakeup {
		node.next = a.head
		a.head = node
		return id
	}

	prev := a.head
	for prev.next != nil && prev.next.wakeup <= wakeup {
		prev = prev.next
	}
	node.next = prev.next
	prev.next = node
	return id
}

// deregisterLocked unlinks the alarm with the given id, if still
// pending. It reports whether the alarm had already fired (i.e. was
// not found), letting callers absorb the resulting spurious wakeup.
func (a *alarmList) deregisterLocked(id int) (alreadyFired bool) {
	if a.head == nil {
		return true
	}
	if a.head.id == id {
		a.head = a.head.next
		return false
	}
	prev := a.head
	for prev.next != nil {
		if prev.next.id == id {
			prev.next = prev.next.next
			return false
		}
		prev = prev.next
	}
	return true
}

// fireDueLocked pops and invokes every alarm whose wakeup has
// arrived, in ascending order, destructively (one-shot).
func (a *alarmList) fireDueLocked(s *Scheduler, now uint64) {
	for a.head != nil && a.head.wakeup <= now {
		n := a.head
		a.head = a.head.next
		n.fn(s)
	}
}

// sortedLocked reports whether the list is sorted ascending by wakeup
// tick — used only by tests to check the invariant directly.
func (a *alarmList) sortedLocked() bool {
	prev := a.head
	if prev == nil {
		return true
	}
	for cur := prev.next; cur != nil; cur = cur.next {
		if cur.wakeup < prev.wakeup {
			return false
		}
		prev = cur
	}
	return true
}
