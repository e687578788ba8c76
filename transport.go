package pgm

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/openpgm/pgm/idgen"
	"github.com/openpgm/pgm/pgmstats"
	"github.com/openpgm/pgm/registry"
	"github.com/openpgm/pgm/suppress"
)

// spmrDebounceWindow bounds how often this transport answers a burst of
// SPMRs for the same source with more than one SPM.
const spmrDebounceWindow = 100 * time.Millisecond

// transportState is the transport's lifecycle: created -> configured ->
// bound -> running -> destroyed.
type transportState int

const (
	stateCreated transportState = iota
	stateConfigured
	stateBound
	stateRunning
	stateDestroyed
)

// Transport is a single PGM session endpoint: it owns its own TSI, TXW (if
// sending), peer table (if receiving), timer engine, and sender/receiver
// loops.
type Transport struct {
	mu    sync.Mutex
	state transportState

	cfg Config
	tsi TSI

	io      PacketIO
	limiter RateLimiter
	codec   FECCodec

	txw    *TXW
	peers  *PeerTable
	timer  *Timer
	sender *Sender
	rx     *Receiver
	fec    *FECEncoder

	stats *Stats

	waiting wakeup // wakes Recv callers as soon as any peer has data ready
	rdataCh wakeup // wakes the retransmit path when new rdata work is queued

	sendGroupNLA net.Addr
	recvGroupNLA net.Addr
	ifaceNLA     net.Addr

	spmrDebounce *suppress.SpmrSuppressor

	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	spmSqn atomic.Uint32
}

// TransportDeps are the external collaborators a Transport is built with;
// tests substitute fakes for PacketIO/FECCodec/RateLimiter.
type TransportDeps struct {
	IO      PacketIO
	Limiter RateLimiter
	Codec   FECCodec
	Clock   clock
}

// NewTransport validates cfg and creates a transport in the `configured`
// state. gsi, if nil, is generated fresh.
func NewTransport(cfg Config, gsi []byte, sport uint16, deps TransportDeps) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(gsi) == 0 {
		gsi = defaultGSI()
	}
	if len(gsi) != 6 {
		return nil, errors.Wrap(ErrInvalidArgument, "gsi must be 6 bytes")
	}
	var tsi TSI
	copy(tsi[:6], gsi)
	tsi[6] = byte(sport >> 8)
	tsi[7] = byte(sport)

	t := &Transport{
		cfg:          cfg,
		tsi:          tsi,
		io:           deps.IO,
		limiter:      deps.Limiter,
		codec:        deps.Codec,
		stats:        &Stats{},
		waiting:      newWakeup(),
		rdataCh:      newWakeup(),
		state:        stateConfigured,
		spmrDebounce: suppress.NewSpmrSuppressor(spmrDebounceWindow, 10*spmrDebounceWindow),
	}
	// Self-register under our TSI so admin/monitoring tooling can enumerate
	// live transports via registry.Global. A reused GSI+port (e.g. a
	// restarted source) simply replaces the prior entry.
	registry.Global.Unregister(tsi.String())
	if err := registry.Global.Register(tsi.String(), t); err != nil {
		glog.V(1).Infof("pgm: registry self-registration failed: %v", err)
	}
	return t, nil
}

// defaultGSI generates a fresh 6-byte GSI via the package's default ID
// generator.
func defaultGSI() []byte {
	return idgen.NewGSI()
}

// Bind transitions created/configured -> bound, wiring TXW/PeerTable,
// sender/receiver loops and the timer engine. No goroutine is started
// here; Run starts them.
func (t *Transport) Bind(sendGroup, recvGroup, iface net.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateBound || t.state == stateRunning {
		return ErrAlreadyBound
	}
	if t.state == stateDestroyed {
		return ErrFatal
	}

	t.sendGroupNLA = sendGroup
	t.recvGroupNLA = recvGroup
	t.ifaceNLA = iface

	header := Header{Sport: t.tsi.SourcePort(), GSI: t.tsi.GSI()}

	if !t.cfg.RecvOnly {
		t.txw = NewTXW(t.cfg.TxwSqns, 0, t.cfg.FEC.TgSqnShift)
		var fec *FECEncoder
		if t.cfg.FEC.RsK > 0 && t.codec != nil {
			fec = NewFECEncoder(t.cfg.FEC, t.codec)
		}
		maxTsdu := int(t.cfg.MaxTPDU) - fragmentOverhead
		t.sender = NewSender(t.txw, t.io, t.limiter, fec, t.cfg.FEC, header, maxTsdu, t.stats, func() {
			if t.timer != nil {
				t.timer.ArmHeartbeat(time.Now())
			}
		})
		t.fec = fec
	}

	if !t.cfg.SendOnly {
		t.peers = NewPeerTable(t.stats)
		ident := SourceIdentity{
			InterfaceNLA: iface,
			SendGroupNLA: sendGroup,
			Dport:        t.tsi.SourcePort(),
			RecvDport:    t.tsi.SourcePort(),
			IsSource:     !t.cfg.RecvOnly,
		}
		disp := NewDispatcher(ident, DispatchCallbacks{
			OnNAKToSource:  t.onNAKToSource,
			OnNAKFromPeer:  t.onNAKFromPeer,
			OnSPMRToSource: t.onSPMRToSource,
			OnSPMRFromPeer: t.onSPMRFromPeer,
		}, t.stats)
		nakCfg := NakConfig{
			BackoffIvl:  t.cfg.NakBackoffIvl,
			RepeatIvl:   t.cfg.NakRepeatIvl,
			RDataIvl:    t.cfg.NakRDataIvl,
			DataRetries: t.cfg.NakDataRetries,
			NcfRetries:  t.cfg.NakNcfRetries,
		}
		t.rx = NewReceiver(ReceiverDeps{
			IO:         t.io,
			Dispatcher: disp,
			Peers:      t.peers,
			NakCfg:     nakCfg,
			PeerExpiry: func() time.Duration { return t.cfg.PeerExpiry },
			Stats:      t.stats,
			OnWaiting: func(p *Peer) {
				t.waiting.signal()
			},
			OnNewPeer: func(p *Peer) {
				if !t.cfg.Passive {
					p.ArmSPMR(time.Now(), t.cfg.SpmrExpiry)
					t.timer.Wake()
				}
			},
			MaxTPDU: int(t.cfg.MaxTPDU),
		})
	}

	t.timer = NewTimer(t.cfg.SpmAmbientInterval, t.cfg.SpmHeartbeatIntervalsUs(), t.cfg.PeerExpiry, t.peers, nil, TimerCallbacks{
		EmitSPM:  t.emitSPM,
		EmitSPMR: t.emitSPMR,
		SendNaks: t.emitNaks,
		ExpirePeer: func(p *Peer) {
			glog.V(1).Infof("pgm: peer %x expired", p.TSI)
		},
	})

	t.state = stateBound
	return nil
}

// emitSPM builds and sends one SPM on the router-alert socket, carrying
// the current trail/lead (snapshotted from the TXW under its own reader
// lock) and OPT_PARITY_PRM when FEC is configured.
func (t *Transport) emitSPM(now time.Time) {
	if t.io == nil {
		return
	}
	sqn := SQN(t.spmSqn.Add(1))
	var trail, lead SQN
	if t.txw != nil {
		trail, lead = t.txw.Trail(), t.txw.Lead()
	}
	var parityPrm *ParityPrmOption
	if t.cfg.FEC.RsK > 0 {
		parityPrm = &ParityPrmOption{
			TransmissionGroupSize: t.cfg.FEC.RsK,
			Proactive:             t.cfg.FEC.UseProactive,
			OnDemand:              t.cfg.FEC.UseOndemand,
		}
	}
	header := Header{Sport: t.tsi.SourcePort(), GSI: t.tsi.GSI()}
	buf := EncodeSPM(header, sqn, trail, lead, [4]byte{}, parityPrm)

	dst := t.sendGroupNLA
	if dst == nil {
		dst = t.recvGroupNLA
	}
	ctx := t.runCtx()
	var err error
	if t.sender != nil {
		err = t.sender.writeRouterAlert(ctx, buf, dst)
	} else {
		_, err = t.io.WriteTo(ctx, buf, dst, true, false)
	}
	if err == nil && t.stats != nil {
		t.stats.SpmsSent.Add(1)
	}
}

// emitSPMR sends an SPMR unicast to the source peer p. The header carries
// the source's TSI (p.TSI), not our own: the GSI+Sport fields identify
// which multicast session this control packet pertains to, and a node
// that is receiving one session while sourcing another must not conflate
// the two.
func (t *Transport) emitSPMR(p *Peer) {
	if t.io == nil || p.UnicastNLA == nil {
		return
	}
	header := Header{Sport: p.TSI.SourcePort(), Dport: p.TSI.SourcePort(), GSI: p.TSI.GSI()}
	buf := EncodeNakLike(header, TypeSPMR, 0, Options{})
	ctx := t.runCtx()
	var err error
	if t.sender != nil {
		err = t.sender.writePlain(ctx, buf, p.UnicastNLA, false)
	} else {
		_, err = t.io.WriteTo(ctx, buf, p.UnicastNLA, false, false)
	}
	if err == nil && t.stats != nil {
		t.stats.SpmrsSent.Add(1)
	}
}

// emitNaks sends the selective/parity NAKs a peer's RXW.Tick produced,
// unicast to that peer (the data source). The header carries the source's
// TSI (p.TSI), matching emitSPMR's reasoning. Selective SQNs
// coalesce into one NAK carrying OPT_NAK_LIST; each parity transmission
// group gets its own packet, since OPT_PARITY_GRP names exactly one group.
func (t *Transport) emitNaks(p *Peer, selective, parity []SQN) {
	if t.io == nil || p.UnicastNLA == nil {
		return
	}
	header := Header{Sport: p.TSI.SourcePort(), Dport: p.TSI.SourcePort(), GSI: p.TSI.GSI()}
	ctx := t.runCtx()

	if len(selective) > 0 {
		opts := Options{}
		if len(selective) > 1 {
			opts.NakList = selective[1:]
		}
		buf := EncodeNakLike(header, TypeNAK, selective[0], opts)
		if err := t.writeNak(ctx, buf, p.UnicastNLA); err == nil && t.stats != nil {
			t.stats.SelectiveNaksSent.Add(uint64(len(selective)))
		}
	}
	for _, tg := range parity {
		buf := EncodeNakLike(header, TypeNAK, tg, Options{ParityGrp: &ParityGrpOption{TgSqn: tg}})
		if err := t.writeNak(ctx, buf, p.UnicastNLA); err == nil && t.stats != nil {
			t.stats.ParityNaksSent.Add(1)
		}
	}
}

func (t *Transport) writeNak(ctx context.Context, buf []byte, dst net.Addr) error {
	if t.sender != nil {
		return t.sender.writeRouterAlert(ctx, buf, dst)
	}
	_, err := t.io.WriteTo(ctx, buf, dst, true, false)
	return err
}

// onNAKToSource enqueues the requested SQN(s) for retransmission when we
// are the source a NAK was addressed to.
func (t *Transport) onNAKToSource(src net.Addr, p Packet) {
	if t.txw == nil {
		return
	}
	if p.Options.ParityGrp != nil {
		t.txw.RetransmitPush(p.Options.ParityGrp.TgSqn, true, t.cfg.FEC.H())
		if t.stats != nil {
			t.stats.ParityNaksRecv.Add(1)
		}
		t.rdataCh.signal()
		return
	}
	t.txw.RetransmitPush(p.NakSqn, false, 0)
	for _, sqn := range p.Options.NakList {
		t.txw.RetransmitPush(sqn, false, 0)
	}
	if t.stats != nil {
		t.stats.SelectiveNaksRecv.Add(1)
	}
	t.rdataCh.signal()
}

// onNAKFromPeer suppresses our own pending NAKs for the source TSI's RXW
// when another receiver's multicast NAK for the same SQNs was observed.
func (t *Transport) onNAKFromPeer(tsi TSI, p Packet) {
	if t.peers == nil {
		return
	}
	peer, ok := t.peers.Get(tsi)
	if !ok {
		return
	}
	sqns := append([]SQN{p.NakSqn}, p.Options.NakList...)
	peer.RXW.SuppressNaks(sqns, time.Now(), t.cfg.NakRepeatIvl)
}

// onSPMRToSource emits one SPM in response to a unicast SPMR addressed to
// us as source, debounced so a burst of SPMRs from many receivers noticing
// the same gap only costs one extra SPM.
func (t *Transport) onSPMRToSource(src net.Addr, p Packet) {
	if t.spmrDebounce != nil && !t.spmrDebounce.ShouldReply(t.tsi) {
		return
	}
	t.emitSPM(time.Now())
}

// onSPMRFromPeer cancels our own pending SPMR for this source, because
// another receiver already multicast one.
func (t *Transport) onSPMRFromPeer(tsi TSI, p Packet) {
	if t.peers == nil {
		return
	}
	if peer, ok := t.peers.Get(tsi); ok {
		peer.DisarmSPMR()
	}
}

// runCtx returns the transport's running context, falling back to
// Background before Run (e.g. an SPM fired from a test driving the timer
// directly without Run).
func (t *Transport) runCtx() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}

// SpmHeartbeatIntervalsUs adapts Config's []time.Duration ramp to the raw
// slice Timer consumes.
func (c Config) SpmHeartbeatIntervalsUs() []time.Duration {
	if len(c.SpmHeartbeatIntervals) == 0 {
		return nil
	}
	out := make([]time.Duration, len(c.SpmHeartbeatIntervals)+1)
	copy(out[1:], c.SpmHeartbeatIntervals)
	return out
}

// Run transitions bound -> running, starting the timer goroutine, (if
// sending) the retransmit loop and (if receiving) the receiver loop.
func (t *Transport) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.state != stateBound {
		t.mu.Unlock()
		return errors.Wrap(ErrNotBound, "transport must be bound before Run")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.state = stateRunning
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.timer.Run()
	}()

	if t.sender != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-t.ctx.Done():
					return
				case <-t.rdataCh.chan_():
				}
				for popped := true; popped; {
					popped, _ = t.sender.RetransmitRDATA(t.ctx, t.sendGroupNLA)
				}
			}
		}()
	}

	if t.rx != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.rx.Run(t.ctx); err != nil && !errors.Is(err, context.Canceled) {
				msg, trace := logStack(err)
				if trace != nil {
					glog.Errorf("pgm: receiver loop exited: %s%+v", msg, trace)
				} else {
					glog.Errorf("pgm: receiver loop exited: %s", msg)
				}
			}
		}()
	}
	return nil
}

// Send transmits one APDU. Requires the transport to be running and not
// configured recv-only.
func (t *Transport) Send(apdu []byte) error {
	t.mu.Lock()
	sender := t.sender
	dst := t.sendGroupNLA
	state := t.state
	t.mu.Unlock()
	if state != stateRunning {
		return ErrNotBound
	}
	if sender == nil {
		return errors.Wrap(ErrInvalidArgument, "transport is recv-only")
	}
	return sender.Send(t.ctx, apdu, dst, false)
}

// Recv drains contiguous committed bytes across every peer with data
// ready, returning as soon as any peer has output. It blocks until data
// is available or ctx is done.
func (t *Transport) Recv(ctx context.Context, max int) ([]byte, error) {
	for {
		if out, ok := t.drainAnyPeer(max); ok {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.waiting.chan_():
		}
	}
}

func (t *Transport) drainAnyPeer(max int) ([]byte, bool) {
	if t.peers == nil {
		return nil, false
	}
	var out []byte
	var found bool
	t.peers.Each(func(_ TSI, p *Peer) {
		if found {
			return
		}
		if b, _ := p.RXW.Read(max); len(b) > 0 {
			out = b
			found = true
		}
	})
	return out, found
}

// Stats returns a point-in-time snapshot of cumulative counters.
func (t *Transport) Stats() StatsSnapshot {
	return t.stats.snapshot()
}

// PrometheusCollector returns a pgmstats.Collector reading this
// transport's counters on every scrape, for callers that register it with
// a prometheus.Registry.
func (t *Transport) PrometheusCollector() *pgmstats.Collector {
	return pgmstats.NewCollector(func() pgmstats.Snapshot {
		return pgmstats.Snapshot(t.stats.snapshot())
	})
}

// Destroy transitions any state -> destroyed: deregisters from
// registry.Global, signals the timer/receiver goroutines to exit, waits up
// to Config.DrainTimeout for them to join, then marks the transport
// unusable.
func (t *Transport) Destroy() error {
	t.mu.Lock()
	if t.state == stateDestroyed {
		t.mu.Unlock()
		return nil
	}
	prevState := t.state
	t.state = stateDestroyed
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	registry.Global.Unregister(t.tsi.String())

	if prevState != stateRunning {
		return nil
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(t.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.Wrap(ErrFatal, "destroy: drain timeout exceeded")
	}
}
