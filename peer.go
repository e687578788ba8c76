package pgm

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TSI is a Transport Session Identifier: 6-byte GSI + 2-byte source port,
// the peer table's hash key.
type TSI [8]byte

// GSI returns the 6-byte Global Source Identifier portion.
func (t TSI) GSI() [6]byte {
	var g [6]byte
	copy(g[:], t[:6])
	return g
}

// SourcePort returns the 2-byte source port portion.
func (t TSI) SourcePort() uint16 {
	return uint16(t[6])<<8 | uint16(t[7])
}

// String renders the TSI as gsi.port, the form used as a registry key.
func (t TSI) String() string {
	g := t.GSI()
	return fmt.Sprintf("%x.%d", g[:], t.SourcePort())
}

// peerFecParams mirrors the FEC parameters a source advertises in its SPM
// OPT_PARITY_PRM option, learned rather than configured locally.
type peerFecParams struct {
	present          bool
	rsK              uint32
	proactive        bool
	ondemand         bool
}

// Peer is the per-source state a receiver keeps: identity, addressing,
// NAK-suppression timers and the owned RXW.
type Peer struct {
	mu sync.Mutex

	TSI      TSI
	UnicastNLA net.Addr // for sending NAKs to this source
	GroupNLA   net.Addr // multicast group NLA as passed to NewPeer; Receiver passes nil
	LocalNLA   net.Addr // source addr of the first packet observed

	expiry      time.Time
	spmrExpiry  time.Time // SPMR deadline; meaningful only while spmrArmed
	spmrArmed   bool
	lastSpmSqn  SQN
	hasLastSpm  bool

	fec peerFecParams

	RXW *RXW

	refCount atomic.Int32
}

// NewPeer creates a peer lazily, as the spec requires, on first sight of a
// downstream packet from an unknown TSI.
func NewPeer(tsi TSI, local, group, unicast net.Addr, firstSqn SQN, peerExpiryIvl time.Duration, nakCfg NakConfig, clk clock) *Peer {
	if clk == nil {
		clk = realClock{}
	}
	p := &Peer{
		TSI:        tsi,
		UnicastNLA: unicast,
		GroupNLA:   group,
		LocalNLA:   local,
		expiry:     clk.Now().Add(peerExpiryIvl),
		RXW:        NewRXW(DefaultRxwSqns, firstSqn, nakCfg, clk),
	}
	p.refCount.Store(1)
	return p
}

// Ref increments the peer's reference count (held by in-flight handlers).
func (p *Peer) Ref() { p.refCount.Add(1) }

// Unref decrements the reference count, reporting whether it reached zero.
func (p *Peer) Unref() bool { return p.refCount.Add(-1) == 0 }

// Touch extends expiry on receipt of any downstream traffic from this TSI.
func (p *Peer) Touch(now time.Time, ivl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiry = now.Add(ivl)
}

// Expired reports whether this peer's expiry has passed.
func (p *Peer) Expired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.expiry.After(now)
}

// Expiry returns the absolute expiry time, used by the timer engine's
// next-poll computation.
func (p *Peer) Expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiry
}

// ArmSPMR arms the one-shot SPMR request timer for a newly-installed peer:
// a receiver that just learned of a source starts a timer to ask it for a
// status message if none arrives on its own.
func (p *Peer) ArmSPMR(now time.Time, ivl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spmrExpiry = now.Add(ivl)
	p.spmrArmed = true
}

// DisarmSPMR cancels our own pending SPMR, because another peer multicast
// one first, or because the source already answered.
func (p *Peer) DisarmSPMR() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spmrArmed = false
}

// SPMRDue reports whether the armed SPMR timer has fired.
func (p *Peer) SPMRDue(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spmrArmed && !p.spmrExpiry.After(now)
}

// SPMRExpiry returns the SPMR deadline if armed, for next_poll computation.
func (p *Peer) SPMRExpiry() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spmrExpiry, p.spmrArmed
}

// ObserveSPM updates trail/lead tracking and FEC params learned from an
// incoming SPM's OPT_PARITY_PRM, rejecting stale/out-of-order SPMs.
func (p *Peer) ObserveSPM(sqn SQN, rsK uint32, proactive, ondemand bool) (accepted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasLastSpm && sqnLessEq(sqn, p.lastSpmSqn) {
		return false
	}
	p.lastSpmSqn = sqn
	p.hasLastSpm = true
	if rsK > 0 {
		p.fec = peerFecParams{present: true, rsK: rsK, proactive: proactive, ondemand: ondemand}
	}
	return true
}

// FECParams returns the peer-reported FEC parameters, if any were ever
// advertised via OPT_PARITY_PRM.
func (p *Peer) FECParams() (params peerFecParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fec
}

// PeerTable is the collection of live peers, keyed by TSI. Entries are
// created lazily on first sight of a peer and reaped on expiry.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[TSI]*Peer
	stats *Stats
}

// NewPeerTable creates an empty peer table.
func NewPeerTable(stats *Stats) *PeerTable {
	return &PeerTable{peers: make(map[TSI]*Peer), stats: stats}
}

// Get returns the peer for tsi, if present, without creating one.
func (t *PeerTable) Get(tsi TSI) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[tsi]
	return p, ok
}

// GetOrCreate returns the existing peer for tsi, or lazily creates one.
func (t *PeerTable) GetOrCreate(tsi TSI, makePeer func() *Peer) (peer *Peer, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[tsi]; ok {
		return p, false
	}
	p := makePeer()
	t.peers[tsi] = p
	if t.stats != nil {
		t.stats.PeersCreated.Add(1)
	}
	return p, true
}

// ReapExpired removes and returns every peer whose expiry has passed.
func (t *PeerTable) ReapExpired(now time.Time) []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*Peer
	for tsi, p := range t.peers {
		if p.Expired(now) {
			delete(t.peers, tsi)
			expired = append(expired, p)
		}
	}
	if t.stats != nil && len(expired) > 0 {
		t.stats.PeersExpired.Add(uint64(len(expired)))
	}
	return expired
}

// Remove deletes tsi unconditionally (used on explicit teardown).
func (t *PeerTable) Remove(tsi TSI) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, tsi)
}

// Len returns the number of live peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Each calls fn for every peer, under the table's read lock. fn must not
// call back into the PeerTable.
func (t *PeerTable) Each(fn func(tsi TSI, p *Peer)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for tsi, p := range t.peers {
		fn(tsi, p)
	}
}

// DefaultRxwSqns is the receive window size of every Peer's RXW. NewPeer
// takes no window-size argument, so Config.RxwSqns is validated but not
// applied to peers.
const DefaultRxwSqns = 4096
