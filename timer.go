package pgm

import (
	"sync"
	"time"
)

// heartbeatSchedule is a zero-leaded, zero-terminated ascending array of
// intervals: index 0 is unused/zero, the schedule ends at the
// first zero entry after index 0.
type heartbeatSchedule []time.Duration

func (s heartbeatSchedule) at(idx int) (time.Duration, bool) {
	if idx <= 0 || idx >= len(s) || s[idx] == 0 {
		return 0, false
	}
	return s[idx], true
}

// TimerCallbacks wires the C4 Timer Engine to the rest of the transport
// without creating an import cycle back to sender/receiver/control-surface
// code; each is invoked with the timer's lock released.
type TimerCallbacks struct {
	EmitSPM      func(now time.Time)
	EmitSPMR     func(p *Peer)
	SendNaks     func(p *Peer, selective, parity []SQN)
	ExpirePeer   func(p *Peer)
}

// Timer is a single dedicated goroutine that computes the next wake deadline
// as the minimum of every outstanding timer and, on wake, advances SPM
// cadence and drains every peer's RXW NAK queues and SPMR/expiry timers.
type Timer struct {
	mu sync.Mutex

	ambientIvl time.Duration
	schedule   heartbeatSchedule

	nextAmbientSpm   time.Time
	nextHeartbeatSpm time.Time
	heartbeatArmed   bool
	heartbeatIdx     int

	peerExpiryIvl time.Duration

	peers *PeerTable
	clock clock
	cb    TimerCallbacks

	stopCh chan struct{}
	wakeCh chan struct{} // capacity-1 wake-up
}

// NewTimer creates a timer engine. ambientIvl is spm_ambient_interval;
// schedule is the heartbeat ramp (index 0 unused, zero-terminated).
func NewTimer(ambientIvl time.Duration, schedule []time.Duration, peerExpiryIvl time.Duration, peers *PeerTable, clk clock, cb TimerCallbacks) *Timer {
	if clk == nil {
		clk = realClock{}
	}
	now := clk.Now()
	return &Timer{
		ambientIvl:     ambientIvl,
		schedule:       heartbeatSchedule(schedule),
		nextAmbientSpm: now.Add(ambientIvl),
		peerExpiryIvl:  peerExpiryIvl,
		peers:          peers,
		clock:          clk,
		cb:             cb,
		stopCh:         make(chan struct{}),
		wakeCh:         make(chan struct{}, 1),
	}
}

// ArmHeartbeat resets the heartbeat ramp to index 1, as the spec requires
// on every successful ODATA/RDATA emission.
func (t *Timer) ArmHeartbeat(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heartbeatIdx = 1
	if ivl, ok := t.schedule.at(1); ok {
		t.heartbeatArmed = true
		t.nextHeartbeatSpm = now.Add(ivl)
	} else {
		t.heartbeatArmed = false
	}
	t.wake()
}

func (t *Timer) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// NextPoll computes the next deadline across ambient/heartbeat SPM timers,
// every peer's RXW expiry queues, SPMR timers and peer expiry.
func (t *Timer) NextPoll() time.Time {
	t.mu.Lock()
	next := t.nextAmbientSpm
	if t.heartbeatArmed && t.nextHeartbeatSpm.Before(next) {
		next = t.nextHeartbeatSpm
	}
	t.mu.Unlock()

	if t.peers == nil {
		return next
	}
	t.peers.Each(func(_ TSI, p *Peer) {
		if exp, armed := p.SPMRExpiry(); armed && exp.Before(next) {
			next = exp
		}
		if e := p.Expiry(); e.Before(next) {
			next = e
		}
		if rxwNext, ok := p.RXW.nextExpiry(); ok && rxwNext.Before(next) {
			next = rxwNext
		}
	})
	return next
}

// Tick performs one timer-thread wake cycle: SPM cadence, per-peer NAK
// state advancement, SPMR firing and peer expiry.
func (t *Timer) Tick(now time.Time) {
	t.mu.Lock()
	fireAmbient := !now.Before(t.nextAmbientSpm)
	fireHeartbeat := !fireAmbient && t.heartbeatArmed && !now.Before(t.nextHeartbeatSpm)
	if fireAmbient {
		t.nextAmbientSpm = now.Add(t.ambientIvl)
		t.heartbeatArmed = false
		t.heartbeatIdx = 0
	} else if fireHeartbeat {
		t.heartbeatIdx++
		if ivl, ok := t.schedule.at(t.heartbeatIdx); ok {
			t.nextHeartbeatSpm = now.Add(ivl)
		} else {
			t.heartbeatArmed = false
		}
	}
	t.mu.Unlock()

	if (fireAmbient || fireHeartbeat) && t.cb.EmitSPM != nil {
		t.cb.EmitSPM(now)
	}

	if t.peers == nil {
		return
	}

	var expired []*Peer
	t.peers.Each(func(_ TSI, p *Peer) {
		if selective, parity := p.RXW.Tick(now); (len(selective) > 0 || len(parity) > 0) && t.cb.SendNaks != nil {
			t.cb.SendNaks(p, selective, parity)
		}
		if p.SPMRDue(now) {
			p.DisarmSPMR()
			if t.cb.EmitSPMR != nil {
				t.cb.EmitSPMR(p)
			}
		}
		if p.Expired(now) {
			expired = append(expired, p)
		}
	})

	for _, p := range expired {
		t.peers.Remove(p.TSI)
		if t.cb.ExpirePeer != nil {
			t.cb.ExpirePeer(p)
		}
	}
}

// Run drives Tick in a dedicated goroutine until Stop is called, sleeping
// until NextPoll or an explicit wake (e.g. from ArmHeartbeat or a freshly
// installed peer shortening the deadline).
func (t *Timer) Run() {
	for {
		deadline := t.NextPoll()
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-t.stopCh:
			timer.Stop()
			return
		case <-t.wakeCh:
			timer.Stop()
		case now := <-timer.C:
			t.Tick(now)
		}
	}
}

// Stop terminates Run's loop.
func (t *Timer) Stop() {
	close(t.stopCh)
}

// Wake forces an immediate NextPoll recomputation, used when a new peer is
// installed with a sooner deadline than the current sleep.
func (t *Timer) Wake() {
	t.wake()
}
