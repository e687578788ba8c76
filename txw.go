package pgm

import (
	"sync"

	"github.com/pkg/errors"
)

// txwEntry is one stored TPDU in the transmit window.
type txwEntry struct {
	sqn    SQN
	data   []byte
	tgBase SQN
}

// retransmitReq is a pending retransmission. For parity requests, rsH is
// the largest parity-block count requested for the transmission group.
type retransmitReq struct {
	sqn      SQN // for parity requests, this is the transmission-group base
	isParity bool
	rsH      uint32
}

// TXW is the Transmit Window: a fixed-capacity ring of the most recently
// sent TPDUs, plus a FIFO of pending retransmissions, evicting the oldest
// entry unconditionally once the ring is full.
type TXW struct {
	mu       sync.RWMutex
	slots    []txwEntry
	present  []bool
	capacity uint32

	trail   SQN
	lead    SQN
	hasLead bool

	tgSqnShift uint

	rtMu      sync.Mutex
	rtQueue   []retransmitReq
	rtIndex   map[SQN]int // sqn -> index in rtQueue, for non-parity coalescing
	rtTgIndex map[SQN]int // tg base -> index in rtQueue, for parity coalescing
}

// NewTXW creates a transmit window of the given capacity (txw_sqns),
// starting trail/lead such that the first push assigns SQN firstSqn.
func NewTXW(capacity uint32, firstSqn SQN, tgSqnShift uint) *TXW {
	return &TXW{
		slots:      make([]txwEntry, capacity),
		present:    make([]bool, capacity),
		capacity:   capacity,
		trail:      firstSqn,
		lead:       firstSqn - 1,
		hasLead:    false,
		tgSqnShift: tgSqnShift,
		rtIndex:    make(map[SQN]int),
		rtTgIndex:  make(map[SQN]int),
	}
}

// Push appends tpdu at lead+1, evicting trail if the window is full.
// Returns the assigned SQN (invariant 1: equals prior lead+1).
func (w *TXW) Push(tpdu []byte) SQN {
	return w.PushWithBuilder(func(SQN) []byte { return tpdu })
}

// PushWithBuilder assigns the next SQN and calls build(sqn) to produce the
// wire bytes, storing the result atomically with the assignment — this is
// what lets the sender embed the just-assigned SQN into the encoded TPDU
// body without a race against a concurrent Push from another caller.
func (w *TXW) PushWithBuilder(build func(sqn SQN) []byte) SQN {
	w.mu.Lock()
	defer w.mu.Unlock()

	var sqn SQN
	if !w.hasLead {
		sqn = w.trail
		w.hasLead = true
	} else {
		sqn = w.lead + 1
	}
	w.lead = sqn

	idx := uint32(sqn) % w.capacity
	if w.present[idx] {
		// ring full: the slot being overwritten was the trail entry.
		w.trail++
	}
	w.slots[idx] = txwEntry{
		sqn:    sqn,
		data:   build(sqn),
		tgBase: tgBase(sqn, w.tgSqnShift),
	}
	w.present[idx] = true

	return sqn
}

// Peek returns the stored TPDU bytes for sqn, or ErrNotInWindow.
func (w *TXW) Peek(sqn SQN) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.peekLocked(sqn)
}

func (w *TXW) peekLocked(sqn SQN) ([]byte, error) {
	if !w.hasLead || sqnLess(sqn, w.trail) || sqnLess(w.lead, sqn) {
		return nil, errors.Wrapf(ErrNotInWindow, "sqn=%d trail=%d lead=%d", sqn, w.trail, w.lead)
	}
	idx := uint32(sqn) % w.capacity
	if !w.present[idx] || w.slots[idx].sqn != sqn {
		return nil, errors.Wrapf(ErrNotInWindow, "sqn=%d evicted", sqn)
	}
	return w.slots[idx].data, nil
}

// PeekGroup returns every data TPDU in sqn's transmission group that is
// still held, used by the FEC encoder to (re)build parity.
func (w *TXW) PeekGroup(tgBaseSqn SQN, k uint32) [][]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([][]byte, k)
	for i := uint32(0); i < k; i++ {
		if b, err := w.peekLocked(tgBaseSqn + SQN(i)); err == nil {
			out[i] = b
		}
	}
	return out
}

// Trail returns the oldest SQN still held.
func (w *TXW) Trail() SQN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.trail
}

// Lead returns the most recently pushed SQN.
func (w *TXW) Lead() SQN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lead
}

// NextLead returns the SQN that would be assigned by the next Push.
func (w *TXW) NextLead() SQN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.hasLead {
		return w.trail
	}
	return w.lead + 1
}

// RetransmitPush enqueues a pending retransmission. Parity requests
// coalesce by transmission group, keeping the largest rs_h; duplicate non-parity
// requests for the same sqn merge into one.
func (w *TXW) RetransmitPush(sqn SQN, isParity bool, rsH uint32) {
	w.rtMu.Lock()
	defer w.rtMu.Unlock()

	if isParity {
		tg := tgBase(sqn, w.tgSqnShift)
		if idx, ok := w.rtTgIndex[tg]; ok {
			if rsH > w.rtQueue[idx].rsH {
				w.rtQueue[idx].rsH = rsH
			}
			return
		}
		w.rtQueue = append(w.rtQueue, retransmitReq{sqn: tg, isParity: true, rsH: rsH})
		w.rtTgIndex[tg] = len(w.rtQueue) - 1
		return
	}
	if _, ok := w.rtIndex[sqn]; ok {
		return
	}
	w.rtQueue = append(w.rtQueue, retransmitReq{sqn: sqn})
	w.rtIndex[sqn] = len(w.rtQueue) - 1
}

// RetransmitTryPop dequeues one pending retransmission, if any.
func (w *TXW) RetransmitTryPop() (retransmitReq, bool) {
	w.rtMu.Lock()
	defer w.rtMu.Unlock()
	if len(w.rtQueue) == 0 {
		return retransmitReq{}, false
	}
	req := w.rtQueue[0]
	w.rtQueue = w.rtQueue[1:]
	// indices shift; rebuild the small maps rather than track offsets.
	if req.isParity {
		delete(w.rtTgIndex, req.sqn)
	} else {
		delete(w.rtIndex, req.sqn)
	}
	for i, r := range w.rtQueue {
		if r.isParity {
			w.rtTgIndex[r.sqn] = i
		} else {
			w.rtIndex[r.sqn] = i
		}
	}
	return req, true
}
