package pgm

import (
	"container/list"
	"time"
)

// rxwQueue is an expiry-ordered FIFO of rxwEntry pointers. The spec
// describes the C implementation's queues as "ordered by expiry so the
// tail is the next to expire"; this Go port keeps the same O(1) guarantee
// but puts the next-to-expire entry at Front() (container/list's natural
// "peek" position) rather than Back() — a harmless naming inversion, not a
// behavioural one.
type rxwQueue struct {
	l *list.List
}

func newRxwQueue() *rxwQueue {
	return &rxwQueue{l: list.New()}
}

// insert places e into the queue in ascending-expiry order. Typical case is
// O(1) (new entries usually expire after everything already queued);
// pathological jitter orderings degrade to O(n).
func (q *rxwQueue) insert(e *rxwEntry, expiry time.Time) {
	e.queueExpiry = expiry
	for el := q.l.Back(); el != nil; el = el.Prev() {
		if !el.Value.(*rxwEntry).queueExpiry.After(expiry) {
			e.elem = q.l.InsertAfter(e, el)
			return
		}
	}
	e.elem = q.l.PushFront(e)
}

// remove unlinks e from whichever queue it is currently in, if any.
func (q *rxwQueue) remove(e *rxwEntry) {
	if e.elem != nil && e.elem.Value.(*rxwEntry) == e {
		q.l.Remove(e.elem)
		e.elem = nil
	}
}

// peekEarliest returns the entry with the smallest expiry, if any.
func (q *rxwQueue) peekEarliest() (*rxwEntry, bool) {
	el := q.l.Front()
	if el == nil {
		return nil, false
	}
	return el.Value.(*rxwEntry), true
}

// popExpired drains and returns every entry whose expiry <= now, in
// ascending-expiry order.
func (q *rxwQueue) popExpired(now time.Time) []*rxwEntry {
	var out []*rxwEntry
	for {
		e, ok := q.peekEarliest()
		if !ok || e.queueExpiry.After(now) {
			break
		}
		q.remove(e)
		out = append(out, e)
	}
	return out
}

func (q *rxwQueue) len() int { return q.l.Len() }
