package pgm

import (
	"context"
	"math/bits"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Receiver is the receiver loop: reads datagrams, resolves the sending
// peer, feeds its RXW, and drives NAK scheduling.
type Receiver struct {
	io         PacketIO
	dispatcher *Dispatcher
	peers      *PeerTable
	nakCfg     NakConfig
	peerExpiry func() time.Duration
	clock      clock
	stats      *Stats

	fec    *FECEncoder
	fecCfg FECConfig

	fecMu     sync.Mutex
	fecGroups map[fecGroupKey]*fecGroupState

	onWaiting func(p *Peer)
	onNewPeer func(p *Peer)

	maxTPDU int
}

// ReceiverDeps bundles the Receiver's collaborators so NewReceiver doesn't
// grow an unreadable positional-argument list.
type ReceiverDeps struct {
	IO         PacketIO
	Dispatcher *Dispatcher
	Peers      *PeerTable
	NakCfg     NakConfig
	PeerExpiry func() time.Duration
	Clock      clock
	Stats      *Stats
	FEC        *FECEncoder
	FECCfg     FECConfig
	OnWaiting  func(p *Peer)
	OnNewPeer  func(p *Peer)
	MaxTPDU    int
}

// NewReceiver creates a receiver loop bound to the given peer table.
func NewReceiver(d ReceiverDeps) *Receiver {
	clk := d.Clock
	if clk == nil {
		clk = realClock{}
	}
	return &Receiver{
		io:         d.IO,
		dispatcher: d.Dispatcher,
		peers:      d.Peers,
		nakCfg:     d.NakCfg,
		peerExpiry: d.PeerExpiry,
		clock:      clk,
		stats:      d.Stats,
		fec:        d.FEC,
		fecCfg:     d.FECCfg,
		fecGroups:  make(map[fecGroupKey]*fecGroupState),
		onWaiting:  d.OnWaiting,
		onNewPeer:  d.OnNewPeer,
		maxTPDU:    d.MaxTPDU,
	}
}

// Run reads datagrams until ctx is cancelled, decoding and dispatching
// each. Malformed/checksum failures are counted and dropped, not fatal.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, r.maxTPDU)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, src, err := r.io.ReadFrom(ctx, buf)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			continue
		}
		r.HandleDatagram(buf[:n], src)
	}
}

// HandleDatagram decodes and processes exactly one datagram, exposed
// separately from Run so tests can drive it without a real socket.
func (r *Receiver) HandleDatagram(buf []byte, src net.Addr) {
	p, err := DecodePacket(buf, true)
	if err != nil {
		if r.stats != nil {
			if errors.Is(err, ErrChecksum) {
				r.stats.ChecksumErrors.Add(1)
			} else {
				r.stats.MalformedPackets.Add(1)
			}
			r.stats.PacketsDiscarded.Add(1)
		}
		return
	}

	switch p.Header.Type {
	case TypeODATA, TypeRDATA, TypeSPM, TypeNCF:
		tsi := tsiOf(p.Header)
		peer, created := r.peers.GetOrCreate(tsi, func() *Peer {
			firstSqn := p.DataSqn
			if p.Header.Type == TypeSPM {
				firstSqn = p.SpmLead
			}
			return NewPeer(tsi, src, nil, src, firstSqn, r.peerExpiryIvl(), r.nakCfg, r.clock)
		})
		if !created {
			peer.Touch(r.clock.Now(), r.peerExpiryIvl())
		} else if r.onNewPeer != nil {
			r.onNewPeer(peer)
		}
		r.handleForPeer(peer, p, src)
	default:
		if r.dispatcher != nil {
			r.dispatcher.Dispatch(p, src)
		}
	}
}

func (r *Receiver) handleForPeer(peer *Peer, p Packet, src net.Addr) {
	switch p.Header.Type {
	case TypeODATA, TypeRDATA:
		frag := FragmentOption{}
		hasFrag := p.Options.Fragment != nil
		if hasFrag {
			frag = *p.Options.Fragment
		}
		isParity := p.Header.hasParity()
		if isParity {
			// parity shards only feed FEC recovery; their payload is not
			// stream data, so they are not inserted into the RXW.
			r.observeFecShard(peer, p, true)
			return
		}
		_, dup, err := peer.RXW.Insert(p.DataSqn, p.Payload, frag, hasFrag, isParity)
		if err != nil {
			if r.stats != nil {
				r.stats.PacketsDiscarded.Add(1)
			}
			return
		}
		if !dup {
			r.observeFecShard(peer, p, isParity)
		}
		if dup {
			if r.stats != nil {
				r.stats.DupDatas.Add(1)
			}
			return
		}
		if r.stats != nil && !isParity {
			r.stats.DataMsgsReceived.Add(1)
		}
		if r.onWaiting != nil {
			r.onWaiting(peer)
		}
	case TypeSPM:
		var rsK uint32
		var proactive, ondemand bool
		if p.Options.ParityPrm != nil {
			rsK = p.Options.ParityPrm.TransmissionGroupSize
			proactive = p.Options.ParityPrm.Proactive
			ondemand = p.Options.ParityPrm.OnDemand
		}
		if peer.ObserveSPM(p.SpmSqn, rsK, proactive, ondemand) && rsK > 0 {
			peer.RXW.SetParityEnabled(proactive || ondemand, uint(bits.TrailingZeros32(rsK)))
		}
	case TypeNCF:
		peer.RXW.OnNCF(p.NakSqn)
		if len(p.Options.NakList) > 0 {
			for _, sqn := range p.Options.NakList {
				peer.RXW.OnNCF(sqn)
			}
		}
	}
}

// fecGroupKey identifies one source's transmission group awaiting recovery.
type fecGroupKey struct {
	tsi TSI
	tg  SQN
}

// fecGroupState accumulates the data/parity shards seen for one
// transmission group until either the data arrives directly or enough of
// the group is present to reconstruct the rest.
type fecGroupState struct {
	data    [][]byte
	parity  [][]byte
	present []bool // len k+h, data first then parity
}

// observeFecShard records one arriving ODATA/RDATA/parity-RDATA shard
// against its transmission group and attempts recovery once enough of the
// group (data or parity) has been seen. Receiver-side FEC is only engaged
// when this transport was configured with a codec and k/h (r.fec != nil);
// it uses the transport's own FECConfig for every source, since OPT_PARITY_PRM
// only ever advertises the group size, not rs_n/h.
func (r *Receiver) observeFecShard(peer *Peer, p Packet, isParity bool) {
	if r.fec == nil || r.fecCfg.RsK == 0 {
		return
	}
	k := r.fecCfg.RsK
	h := r.fecCfg.H()

	var tg SQN
	if isParity && p.Options.ParityGrp != nil {
		tg = p.Options.ParityGrp.TgSqn
	} else {
		tg = tgBase(p.DataSqn, r.fecCfg.TgSqnShift)
	}

	r.fecMu.Lock()
	key := fecGroupKey{tsi: peer.TSI, tg: tg}
	g, ok := r.fecGroups[key]
	if !ok {
		g = &fecGroupState{
			data:    make([][]byte, k),
			parity:  make([][]byte, h),
			present: make([]bool, k+h),
		}
		r.fecGroups[key] = g
	}

	if isParity {
		idx := int(p.DataSqn-tg) - int(k)
		if idx < 0 || idx >= int(h) {
			r.fecMu.Unlock()
			return
		}
		g.parity[idx] = p.Payload
		g.present[int(k)+idx] = true
	} else {
		idx := int(p.DataSqn - tg)
		if idx < 0 || idx >= int(k) {
			r.fecMu.Unlock()
			return
		}
		g.data[idx] = p.Payload
		g.present[idx] = true
	}

	dataCount := 0
	presentCount := 0
	for i, ok := range g.present {
		if ok {
			presentCount++
			if i < int(k) {
				dataCount++
			}
		}
	}
	if dataCount == int(k) || presentCount < int(k) {
		if presentCount == len(g.present) || dataCount == int(k) {
			delete(r.fecGroups, key)
		}
		r.fecMu.Unlock()
		return
	}

	blocks := make([][]byte, k+h)
	copy(blocks, g.data)
	copy(blocks[k:], g.parity)
	delete(r.fecGroups, key)
	r.fecMu.Unlock()

	if err := r.fec.RecoverGroup(blocks, g.present); err != nil {
		return
	}
	recovered := 0
	for i := uint32(0); i < k; i++ {
		if g.present[i] {
			continue
		}
		payload := blocks[i]
		if r.fecCfg.UseVarPktLen {
			payload = stripVarPktLen(payload)
		}
		if _, _, err := peer.RXW.Insert(tg+SQN(i), payload, FragmentOption{}, false, false); err == nil {
			recovered++
		}
	}
	if recovered > 0 && r.stats != nil {
		r.stats.FecPacketsRecovered.Add(uint64(recovered))
		r.stats.DataMsgsReceived.Add(uint64(recovered))
	}
	if recovered > 0 && r.onWaiting != nil {
		r.onWaiting(peer)
	}
}

// peerExpiryIvl falls back to a conservative default when ReceiverDeps
// didn't supply one (e.g. a bare Receiver built directly in tests);
// production wiring always supplies PeerExpiry from Config.
func (r *Receiver) peerExpiryIvl() time.Duration {
	if r.peerExpiry != nil {
		return r.peerExpiry()
	}
	return 5 * time.Minute
}
