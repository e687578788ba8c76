package pgm

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fragmentOverhead is the bytes reserved for OPT_LENGTH + OPT_FRAGMENT
// when an APDU must be split (opt_length(4) + opt_fragment(18)).
const fragmentOverhead = 4 + 18

// polloutTimeout bounds the MSG_DONTWAIT retry wait.
const polloutTimeout = 500 * time.Millisecond

// Sender is the sender loop: APDU segmentation, TXW push, and the
// two-mutex router-alert/plain send primitive.
type Sender struct {
	txw     *TXW
	io      PacketIO
	limiter RateLimiter
	fec     *FECEncoder
	cfg     FECConfig
	header  Header

	sendMu   sync.Mutex // plain socket: ODATA, SPMR
	sendRAMu sync.Mutex // router-alert socket: SPM, NAK, NCF, RDATA

	stats  *Stats
	onSent func() // heartbeat re-arm hook

	maxTsduFragment int
}

// NewSender creates a sender bound to a TXW and a PacketIO.
func NewSender(txw *TXW, io PacketIO, limiter RateLimiter, fec *FECEncoder, fecCfg FECConfig, header Header, maxTsduFragment int, stats *Stats, onSent func()) *Sender {
	return &Sender{
		txw:             txw,
		io:              io,
		limiter:         limiter,
		fec:             fec,
		cfg:             fecCfg,
		header:          header,
		maxTsduFragment: maxTsduFragment,
		stats:           stats,
		onSent:          onSent,
	}
}

// Send segments apdu into TPDUs, pushes each to the
// TXW, and transmits them in SQN order. dst is the send multicast group.
func (s *Sender) Send(ctx context.Context, apdu []byte, dst net.Addr, noReplyExpected bool) error {
	if len(apdu) == 0 {
		return errors.Wrap(ErrInvalidArgument, "empty apdu")
	}
	if len(apdu) <= s.maxTsduFragment {
		return s.sendSingle(ctx, apdu, dst, noReplyExpected)
	}
	return s.sendFragmented(ctx, apdu, dst, noReplyExpected)
}

func (s *Sender) sendSingle(ctx context.Context, payload []byte, dst net.Addr, noReplyExpected bool) error {
	if s.limiter != nil && !s.limiter.Check(len(payload)) {
		return ErrRateLimited
	}
	var buf []byte
	s.txw.PushWithBuilder(func(sqn SQN) []byte {
		buf = EncodeDataPacket(s.header, sqn, Options{}, payload)
		return buf
	})

	if err := s.writePlain(ctx, buf, dst, noReplyExpected); err != nil {
		return err
	}
	if s.stats != nil {
		s.stats.DataMsgsSent.Add(1)
	}
	if s.onSent != nil {
		s.onSent()
	}
	return nil
}

func (s *Sender) sendFragmented(ctx context.Context, apdu []byte, dst net.Addr, noReplyExpected bool) error {
	n := len(apdu)
	chunks := (n + s.maxTsduFragment - 1) / s.maxTsduFragment

	firstSqn := s.txw.NextLead()
	off := 0
	for i := 0; i < chunks; i++ {
		end := off + s.maxTsduFragment
		if end > n {
			end = n
		}
		chunk := apdu[off:end]

		if s.limiter != nil && !s.limiter.Check(len(chunk)) {
			return ErrRateLimited
		}

		fragOff := off
		var buf []byte
		s.txw.PushWithBuilder(func(sqn SQN) []byte {
			opts := Options{Fragment: &FragmentOption{
				FirstSqn: firstSqn,
				FragOff:  uint32(fragOff),
				FragLen:  uint32(n),
			}}
			buf = EncodeDataPacket(s.header, sqn, opts, chunk)
			return buf
		})

		if err := s.writePlain(ctx, buf, dst, noReplyExpected); err != nil {
			return err
		}
		if s.stats != nil {
			s.stats.DataMsgsSent.Add(1)
		}
		off = end
	}
	if s.onSent != nil {
		s.onSent()
	}
	return nil
}

// writePlain sends on the plain socket (ODATA, SPMR).
func (s *Sender) writePlain(ctx context.Context, buf []byte, dst net.Addr, noReplyExpected bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.pollAndWrite(ctx, buf, dst, false, noReplyExpected)
}

// writeRouterAlert sends on the router-alert socket (SPM, NAK, NCF,
// RDATA).
func (s *Sender) writeRouterAlert(ctx context.Context, buf []byte, dst net.Addr) error {
	s.sendRAMu.Lock()
	defer s.sendRAMu.Unlock()
	return s.pollAndWrite(ctx, buf, dst, true, false)
}

// pollAndWrite implements the MSG_DONTWAIT retry policy: on a would-block
// condition, wait up to polloutTimeout and retry once.
func (s *Sender) pollAndWrite(ctx context.Context, buf []byte, dst net.Addr, routerAlert, noReplyExpected bool) error {
	_, err := s.io.WriteTo(ctx, buf, dst, routerAlert, noReplyExpected)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrWouldBlock) {
		return errors.Wrap(ErrIO, err.Error())
	}
	timer := time.NewTimer(polloutTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	_, err = s.io.WriteTo(ctx, buf, dst, routerAlert, noReplyExpected)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// asRDATA rewrites a stored ODATA TPDU's type byte to RDATA and recomputes
// the checksum, without touching the TXW's retained copy.
func asRDATA(odata []byte) []byte {
	buf := make([]byte, len(odata))
	copy(buf, odata)
	buf[4] = byte(TypeRDATA)
	buf[6], buf[7] = 0, 0
	binary.BigEndian.PutUint16(buf[6:8], pgmChecksum(buf))
	return buf
}

// RetransmitRDATA pops one pending retransmission from the TXW and
// emits it as RDATA (plain data) or, for parity requests, hands off to the
// FEC encoder to build a fresh parity RDATA.
func (s *Sender) RetransmitRDATA(ctx context.Context, dst net.Addr) (bool, error) {
	req, ok := s.txw.RetransmitTryPop()
	if !ok {
		return false, nil
	}
	if req.isParity {
		return true, s.retransmitParity(ctx, req, dst)
	}
	data, err := s.txw.Peek(req.sqn)
	if err != nil {
		return true, nil // evicted since the request was queued; drop silently.
	}
	if err := s.writeRouterAlert(ctx, asRDATA(data), dst); err != nil {
		return true, err
	}
	if s.stats != nil {
		s.stats.DataMsgsSent.Add(1)
	}
	if s.onSent != nil {
		s.onSent()
	}
	return true, nil
}

func (s *Sender) retransmitParity(ctx context.Context, req retransmitReq, dst net.Addr) error {
	if s.fec == nil {
		return nil
	}
	group := s.txw.PeekGroup(req.sqn, s.cfg.RsK)
	parity, varPktLen, err := s.fec.EncodeGroup(group)
	if err != nil {
		return err
	}
	for i := uint32(0); i < req.rsH && i < uint32(len(parity)); i++ {
		h := s.header
		h.Type = TypeRDATA
		if varPktLen {
			h.Options |= optBitVarPktLen
		}
		h.Options |= optBitParity
		opts := Options{ParityGrp: &ParityGrpOption{TgSqn: req.sqn}}
		buf := EncodeDataPacket(h, req.sqn+SQN(s.cfg.RsK)+SQN(i), opts, parity[i])
		if err := s.writeRouterAlert(ctx, buf, dst); err != nil {
			return err
		}
		if s.stats != nil {
			s.stats.DataMsgsSent.Add(1)
		}
		if s.onSent != nil {
			s.onSent()
		}
	}
	return nil
}
