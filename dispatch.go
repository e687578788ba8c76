package pgm

import "net"

// DispatchCallbacks are the per-packet-type handlers the dispatcher routes
// to: one handler per inbound message type, selected by a type tag rather
// than a dynamic type switch on the message itself.
type DispatchCallbacks struct {
	OnODATA func(tsi TSI, src net.Addr, p Packet)
	OnRDATA func(tsi TSI, src net.Addr, p Packet)
	OnSPM   func(tsi TSI, src net.Addr, p Packet)
	OnNCF   func(tsi TSI, src net.Addr, p Packet)
	// OnNAKToSource fires when we are the data source and a NAK/request
	// for retransmission was addressed to us.
	OnNAKToSource func(src net.Addr, p Packet)
	// OnNAKFromPeer fires when we observe another receiver's multicast NAK
	// for sqns we ourselves may also be pending on (NAK suppression).
	OnNAKFromPeer func(tsi TSI, p Packet)
	OnNNAK        func(tsi TSI, p Packet)
	OnSPMRToSource func(src net.Addr, p Packet)
	OnSPMRFromPeer func(tsi TSI, p Packet)
}

// SourceIdentity is what the dispatcher needs to know about this
// transport's own addressing to evaluate the acceptance predicates.
type SourceIdentity struct {
	InterfaceNLA net.Addr
	SendGroupNLA net.Addr
	Dport        uint16 // our own port, inside our TSI, when we are a source
	RecvDport    uint16 // our port as configured for downstream reception
	IsSource     bool
}

// Dispatcher is the C5 routing layer: having already parsed and
// checksum-verified a packet (wire.go's DecodePacket), it applies the
// acceptance predicates and calls the matching handler.
type Dispatcher struct {
	ident SourceIdentity
	cb    DispatchCallbacks
	stats *Stats
}

// NewDispatcher builds a dispatcher for one transport's own identity.
func NewDispatcher(ident SourceIdentity, cb DispatchCallbacks, stats *Stats) *Dispatcher {
	return &Dispatcher{ident: ident, cb: cb, stats: stats}
}

// tsiOf builds the TSI from a decoded header's GSI and source port.
func tsiOf(h Header) TSI {
	var t TSI
	copy(t[:6], h.GSI[:])
	t[6] = byte(h.Sport >> 8)
	t[7] = byte(h.Sport)
	return t
}

// Dispatch routes one decoded packet arriving from src, applying the
// acceptance predicates before handing off to the registered callback.
func (d *Dispatcher) Dispatch(p Packet, src net.Addr) {
	switch p.Header.Type {
	case TypeODATA:
		if !d.acceptDownstream(p.Header) {
			d.discard()
			return
		}
		if d.cb.OnODATA != nil {
			d.cb.OnODATA(tsiOf(p.Header), src, p)
		}
	case TypeRDATA:
		if !d.acceptDownstream(p.Header) {
			d.discard()
			return
		}
		if d.cb.OnRDATA != nil {
			d.cb.OnRDATA(tsiOf(p.Header), src, p)
		}
	case TypeSPM:
		if !d.acceptDownstream(p.Header) {
			d.discard()
			return
		}
		if d.cb.OnSPM != nil {
			d.cb.OnSPM(tsiOf(p.Header), src, p)
		}
	case TypeNCF:
		if !d.acceptDownstream(p.Header) {
			d.discard()
			return
		}
		if d.cb.OnNCF != nil {
			d.cb.OnNCF(tsiOf(p.Header), src, p)
		}
	case TypeNAK:
		if d.ident.IsSource && d.acceptNakToSource(p.Header) {
			if d.cb.OnNAKToSource != nil {
				d.cb.OnNAKToSource(src, p)
			}
			return
		}
		// else: another receiver's multicast NAK, observed for suppression.
		if d.cb.OnNAKFromPeer != nil {
			d.cb.OnNAKFromPeer(tsiOf(p.Header), p)
		}
	case TypeNNAK:
		if d.cb.OnNNAK != nil {
			d.cb.OnNNAK(tsiOf(p.Header), p)
		}
		if d.stats != nil {
			d.stats.NnaksReceived.Add(1)
		}
	case TypeSPMR:
		if d.ident.IsSource && d.acceptNakToSource(p.Header) {
			if d.cb.OnSPMRToSource != nil {
				d.cb.OnSPMRToSource(src, p)
			}
			return
		}
		if d.cb.OnSPMRFromPeer != nil {
			d.cb.OnSPMRFromPeer(tsiOf(p.Header), p)
		}
	case TypePOLR:
		// not implemented; discard with stat.
		d.discard()
	default:
		d.discard()
	}
}

// acceptDownstream is the "Downstream data" predicate:
// pgm.dport == our.dport.
func (d *Dispatcher) acceptDownstream(h Header) bool {
	return h.Dport == d.ident.RecvDport
}

// acceptNakToSource is the "NAK destined to source" predicate, reduced to
// the leg the core can actually evaluate: pgm.dport == our.src_port_in_tsi.
// The nak.grp_nla == our.send_multiaddr and nak.src_nla == our.interface_nla
// legs require knowing which local multicast group the datagram arrived on,
// information PacketIO does not surface across the core/netio boundary; a
// netio implementation that also joins unrelated groups on the same port
// would need to push that check down into ReadFrom instead.
func (d *Dispatcher) acceptNakToSource(h Header) bool {
	return h.Dport == d.ident.Dport
}

func (d *Dispatcher) discard() {
	if d.stats != nil {
		d.stats.PacketsDiscarded.Add(1)
	}
}
