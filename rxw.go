package pgm

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// rxwState is the per-entry NAK state machine.
type rxwState int

const (
	statePlaceholder rxwState = iota
	stateBackoff
	stateWaitNCF
	stateWaitData
	stateHaveData
	stateHaveParity
	stateLost
	stateCommitted
)

// rxwEntry is one slot in the receive window: a sequence number together
// with its NAK-state-machine bookkeeping and, once arrived, its payload.
type rxwEntry struct {
	sqn   SQN
	state rxwState
	data  []byte

	fragment    FragmentOption
	hasFragment bool

	t0 time.Time // arrival/creation time, for failure-time stats

	nakTransmitCount uint32
	ncfRetryCount    uint32
	dataRetryCount   uint32

	queueExpiry time.Time
	elem        *list.Element
}

// fragGroup tracks reassembly progress for one APDU identified by its
// first fragment's sequence number.
type fragGroup struct {
	firstSqn  SQN
	totalFrag uint32
	haveCount uint32
	lost      bool
	sqns      []SQN // ordered fragment sqns, firstSqn..firstSqn+totalFrag-1
}

// RXW is the Receive Window: ordered reassembly, gap/loss tracking and the
// per-packet NAK state machine, plus APDU fragment reassembly.
type RXW struct {
	mu sync.Mutex

	entries  map[SQN]*rxwEntry
	trail    SQN
	cursor   SQN
	lead     SQN
	hasLead  bool
	capacity uint32

	backoffQ  *rxwQueue
	waitNcfQ  *rxwQueue
	waitDataQ *rxwQueue

	fragGroups map[SQN]*fragGroup

	cfg   NakConfig
	clock clock
	rng   *rand.Rand

	// onWaiting, if set, is invoked in its own goroutine whenever newly
	// committed, contiguous data becomes available to read. NewRXW leaves
	// it nil and nothing in this package sets it; the transport's reader
	// wake-up comes from Receiver's OnWaiting hook instead.
	onWaiting func()
}

// NakConfig carries the NAK timing parameters and the FEC posture used to
// decide between selective and parity NAKs for this peer.
type NakConfig struct {
	BackoffIvl  time.Duration // nak_bo_ivl
	RepeatIvl   time.Duration // nak_rpt_ivl
	RDataIvl    time.Duration // nak_rdata_ivl
	DataRetries uint32        // nak_data_retries
	NcfRetries  uint32        // nak_ncf_retries

	// ParityEnabled reports whether this peer has advertised FEC parity
	// (OPT_PARITY_PRM proactive or on-demand) for its transmission groups.
	// When true, a lost entry's backoff timer produces one parity NAK per
	// transmission group instead of a selective NAK per missing sqn.
	ParityEnabled bool
	// TgSqnShift is log2(rs_k), the shift tgBase uses to mask a sqn down
	// to its transmission group's base sqn. Meaningless when ParityEnabled
	// is false.
	TgSqnShift uint
}

// NewRXW creates a receive window of the given capacity whose trail starts
// at firstSqn. A first arrival ahead of firstSqn (within capacity) leaves a
// placeholder for every skipped sqn; one outside that range becomes the
// new trail.
func NewRXW(capacity uint32, firstSqn SQN, cfg NakConfig, clk clock) *RXW {
	if clk == nil {
		clk = realClock{}
	}
	return &RXW{
		entries:    make(map[SQN]*rxwEntry),
		trail:      firstSqn,
		cursor:     firstSqn,
		lead:       firstSqn - 1,
		hasLead:    false,
		capacity:   capacity,
		backoffQ:   newRxwQueue(),
		waitNcfQ:   newRxwQueue(),
		waitDataQ:  newRxwQueue(),
		fragGroups: make(map[SQN]*fragGroup),
		cfg:        cfg,
		clock:      clk,
		rng:        rand.New(rand.NewSource(int64(firstSqn) + 1)),
	}
}

// SetParityEnabled updates the FEC posture used by Tick to choose between
// selective and parity NAKs. The source's OPT_PARITY_PRM is only learned
// from its first SPM, which can arrive after the RXW already exists (an
// ODATA or RDATA created it first), so this is applied as a later update
// rather than folded into NewRXW's cfg.
func (w *RXW) SetParityEnabled(enabled bool, tgSqnShift uint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg.ParityEnabled = enabled
	w.cfg.TgSqnShift = tgSqnShift
}

func (w *RXW) inWindowLocked(sqn SQN) bool {
	if !w.hasLead {
		return true
	}
	return sqnLessEq(w.trail, sqn) && sqnLessEq(sqn, w.trail+SQN(w.capacity)-1)
}

// observeAdvance extends the window to cover sqn, creating a PLACEHOLDER
// entry (independently entering BACK_OFF) for every sqn in the forward gap
// between the previous lead and sqn.
func (w *RXW) observeAdvanceLocked(sqn SQN) {
	if !w.hasLead {
		w.hasLead = true
		if !w.inWindowLocked(sqn) {
			// first packet observed lies outside the window's nominal range;
			// adopt it as trail so nothing before it is treated as lost.
			w.lead = sqn
			w.trail = sqn
			w.cursor = sqn
			return
		}
	}
	if sqnLessEq(sqn, w.lead) {
		return
	}
	for s := w.lead + 1; sqnLessEq(s, sqn); s++ {
		if s == sqn {
			break
		}
		w.createPlaceholderLocked(s)
	}
	w.lead = sqn
}

func (w *RXW) createPlaceholderLocked(sqn SQN) *rxwEntry {
	e := &rxwEntry{sqn: sqn, state: statePlaceholder, t0: w.clock.Now()}
	w.entries[sqn] = e
	w.enterBackoffLocked(e)
	return e
}

func (w *RXW) enterBackoffLocked(e *rxwEntry) {
	e.state = stateBackoff
	ivl := time.Duration(w.rng.Int63n(int64(w.cfg.BackoffIvl))) + 1
	w.backoffQ.insert(e, w.clock.Now().Add(ivl))
}

// Insert handles an ODATA/RDATA arrival at sqn. isParity indicates the
// payload is a parity block recovered via FEC substitution rather than the
// original data. Returns (accepted, duplicate).
func (w *RXW) Insert(sqn SQN, data []byte, frag FragmentOption, hasFrag bool, isParity bool) (accepted bool, duplicate bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inWindowLocked(sqn) {
		return false, false, errors.Wrapf(ErrNotInWindow, "sqn=%d trail=%d", sqn, w.trail)
	}

	w.observeAdvanceLocked(sqn)

	e, ok := w.entries[sqn]
	if !ok {
		e = &rxwEntry{sqn: sqn, state: statePlaceholder, t0: w.clock.Now()}
		w.entries[sqn] = e
	}

	switch e.state {
	case stateHaveData, stateHaveParity, stateCommitted:
		return true, true, nil
	}

	w.dequeueLocked(e)
	e.data = data
	if hasFrag {
		e.fragment = frag
		e.hasFragment = true
	}
	if isParity {
		e.state = stateHaveParity
	} else {
		e.state = stateHaveData
	}

	if e.hasFragment {
		w.updateFragGroupLocked(e)
	}

	w.promoteContiguousLocked()
	return true, false, nil
}

// dequeueLocked removes e from whichever expiry queue currently holds it.
func (w *RXW) dequeueLocked(e *rxwEntry) {
	switch e.state {
	case stateBackoff:
		w.backoffQ.remove(e)
	case stateWaitNCF:
		w.waitNcfQ.remove(e)
	case stateWaitData:
		w.waitDataQ.remove(e)
	}
}

// updateFragGroupLocked tracks APDU reassembly progress for a fragment
// arrival. The group's total fragment count is only known once a fragment
// carrying frag_len arrives, derived from frag_off/frag_len/max_tsdu.
func (w *RXW) updateFragGroupLocked(e *rxwEntry) {
	first := e.fragment.FirstSqn
	g, ok := w.fragGroups[first]
	if !ok {
		g = &fragGroup{firstSqn: first}
		w.fragGroups[first] = g
	}
	g.haveCount++
	if e.fragment.FragOff == 0 && e.fragment.FragLen > 0 {
		maxTsdu := uint32(len(e.data))
		if maxTsdu == 0 {
			maxTsdu = 1
		}
		total := (e.fragment.FragLen + maxTsdu - 1) / maxTsdu
		if total == 0 {
			total = 1
		}
		g.totalFrag = total
	}
}

// SuppressNaks cancels our own pending NAK for each sqn in the list,
// because another receiver's multicast NAK for the same sqn was observed
// first. Entries still in BACK_OFF move straight to WAIT_NCF, exactly as
// if we had sent the NAK ourselves, since the other receiver's request
// will also produce a multicast RDATA we benefit from.
func (w *RXW) SuppressNaks(sqns []SQN, now time.Time, rptIvl time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sqn := range sqns {
		e, ok := w.entries[sqn]
		if !ok || e.state != stateBackoff {
			continue
		}
		w.backoffQ.remove(e)
		e.state = stateWaitNCF
		w.waitNcfQ.insert(e, now.Add(rptIvl))
	}
}

// OnNCF handles an NCF(sqn) arrival: WAIT_NCF -> WAIT_DATA.
func (w *RXW) OnNCF(sqn SQN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[sqn]
	if !ok || e.state != stateWaitNCF {
		return
	}
	w.waitNcfQ.remove(e)
	e.state = stateWaitData
	w.waitDataQ.insert(e, w.clock.Now().Add(w.cfg.RDataIvl))
}

// Tick drains every expiry queue of entries whose timer has fired at or
// before now, advancing their NAK state, and returns the set of sequence
// numbers a selective NAK should now be sent for, plus the set of
// transmission-group base sqns a parity NAK should now be sent for.
//
// The choice between the two is the peer's FEC posture (cfg.ParityEnabled),
// not whether the lost packet happened to carry OPT_FRAGMENT: a non-FEC
// peer always gets selective NAKs, and a parity-enabled peer is batched to
// a single parity NAK per transmission group rather than one per sqn.
func (w *RXW) Tick(now time.Time) (selectiveNaks []SQN, parityNaks []SQN) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var parityTgs map[SQN]bool
	for _, e := range w.backoffQ.popExpired(now) {
		e.state = stateWaitNCF
		e.nakTransmitCount++
		w.waitNcfQ.insert(e, now.Add(w.cfg.RepeatIvl))
		if w.cfg.ParityEnabled {
			tg := tgBase(e.sqn, w.cfg.TgSqnShift)
			if parityTgs == nil {
				parityTgs = make(map[SQN]bool)
			}
			if !parityTgs[tg] {
				parityTgs[tg] = true
				parityNaks = append(parityNaks, tg)
			}
		} else {
			selectiveNaks = append(selectiveNaks, e.sqn)
		}
	}

	for _, e := range w.waitNcfQ.popExpired(now) {
		if e.ncfRetryCount >= w.cfg.NcfRetries {
			w.markLostLocked(e)
			continue
		}
		e.ncfRetryCount++
		w.enterBackoffLocked(e)
	}

	for _, e := range w.waitDataQ.popExpired(now) {
		if e.dataRetryCount >= w.cfg.DataRetries {
			w.markLostLocked(e)
			continue
		}
		e.dataRetryCount++
		w.enterBackoffLocked(e)
	}

	return selectiveNaks, parityNaks
}

func (w *RXW) markLostLocked(e *rxwEntry) {
	e.state = stateLost
	if e.hasFragment {
		if g, ok := w.fragGroups[e.fragment.FirstSqn]; ok {
			g.lost = true
		}
	}
	w.promoteContiguousLocked()
}

// promoteContiguousLocked advances trail across a contiguous run of
// HAVE_DATA/HAVE_PARITY/LOST entries, committing complete APDUs and
// calling onWaiting (if set) when trail moved.
func (w *RXW) promoteContiguousLocked() {
	advanced := false
	for {
		e, ok := w.entries[w.trail]
		if !ok {
			break
		}
		switch e.state {
		case stateHaveData, stateHaveParity:
			if e.hasFragment {
				g := w.fragGroups[e.fragment.FirstSqn]
				if g != nil && !g.complete(e) {
					goto done
				}
			}
			e.state = stateCommitted
			advanced = true
			w.trail++
		case stateLost:
			advanced = true
			w.trail++
		default:
			goto done
		}
	}
done:
	if advanced && w.onWaiting != nil {
		cb := w.onWaiting
		go cb()
	}
}

// complete reports whether every fragment in the group has reached a
// terminal (committed-eligible) state.
func (g *fragGroup) complete(e *rxwEntry) bool {
	if g.totalFrag == 0 {
		return false
	}
	return g.haveCount >= g.totalFrag || g.lost
}

// Read drains contiguous COMMITTED payload starting at the read cursor,
// returning it as a single concatenated byte slice (the spec's zero-copy
// scatter/gather vectors collapse naturally in Go to an allocation-light
// byte-slice return; callers needing true zero-copy can use ReadSlices).
func (w *RXW) Read(max int) ([]byte, bool) {
	slices, gap := w.ReadSlices(max)
	if len(slices) == 0 {
		return nil, gap
	}
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range slices {
		out = append(out, s...)
	}
	return out, gap
}

// ReadSlices returns references to committed payload starting at the
// internal read cursor (which trails trail across entries the reader
// hasn't yet consumed), stopping at the first gap or at max bytes. gap
// reports whether the scan stopped because sqns from trail up to lead are
// not yet committed; LOST entries are skipped without setting it, and it
// is false when the scan stopped at max bytes.
func (w *RXW) ReadSlices(max int) (out [][]byte, gap bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for s := w.cursor; sqnLess(s, w.trail); s++ {
		e, ok := w.entries[s]
		if !ok {
			w.cursor = s + 1
			continue
		}
		if e.state == stateLost {
			w.cursor = s + 1
			delete(w.entries, s)
			continue
		}
		if e.state != stateCommitted {
			gap = true
			break
		}
		if max > 0 && total+len(e.data) > max {
			return out, gap
		}
		out = append(out, e.data)
		total += len(e.data)
		w.cursor = s + 1
		delete(w.entries, s)
	}
	if !gap && w.hasLead && sqnLessEq(w.trail, w.lead) {
		gap = true
	}
	return out, gap
}

// nextExpiry returns the earliest outstanding NAK-timer deadline across
// all three expiry queues, for the timer engine's next_poll computation.
func (w *RXW) nextExpiry() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best time.Time
	found := false
	for _, q := range [...]*rxwQueue{w.backoffQ, w.waitNcfQ, w.waitDataQ} {
		if e, ok := q.peekEarliest(); ok {
			if !found || e.queueExpiry.Before(best) {
				best = e.queueExpiry
				found = true
			}
		}
	}
	return best, found
}

// Trail returns the current trail SQN.
func (w *RXW) Trail() SQN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail
}
