package pgm

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatchSrc() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3000}
}

func TestDispatch_ODATAAcceptedOnMatchingDport(t *testing.T) {
	var gotTSI TSI
	var gotPacket Packet
	cb := DispatchCallbacks{
		OnODATA: func(tsi TSI, src net.Addr, p Packet) {
			gotTSI = tsi
			gotPacket = p
		},
	}
	d := NewDispatcher(SourceIdentity{RecvDport: 7500}, cb, &Stats{})

	h := Header{Type: TypeODATA, Sport: 42, Dport: 7500, GSI: [6]byte{1, 1, 1, 1, 1, 1}}
	buf := EncodeDataPacket(h, 1, Options{}, []byte("x"))
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	d.Dispatch(p, testDispatchSrc())

	assert.Equal(t, tsiOf(h), gotTSI)
	assert.Equal(t, SQN(1), gotPacket.DataSqn)
}

func TestDispatch_ODATADiscardedOnMismatchingDport(t *testing.T) {
	var called bool
	cb := DispatchCallbacks{OnODATA: func(TSI, net.Addr, Packet) { called = true }}
	stats := &Stats{}
	d := NewDispatcher(SourceIdentity{RecvDport: 7500}, cb, stats)

	h := Header{Type: TypeODATA, Sport: 42, Dport: 9999}
	buf := EncodeDataPacket(h, 1, Options{}, []byte("x"))
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	d.Dispatch(p, testDispatchSrc())

	assert.False(t, called)
	assert.Equal(t, uint64(1), stats.PacketsDiscarded.Load())
}

func TestDispatch_NAKRoutedToSourceHandlerWhenWeAreTheSource(t *testing.T) {
	var gotSrc net.Addr
	cb := DispatchCallbacks{OnNAKToSource: func(src net.Addr, p Packet) { gotSrc = src }}
	d := NewDispatcher(SourceIdentity{IsSource: true, Dport: 500}, cb, &Stats{})

	h := Header{Type: TypeNAK, Sport: 1, Dport: 500}
	buf := EncodeNakLike(h, TypeNAK, 10, Options{})
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	src := testDispatchSrc()
	d.Dispatch(p, src)
	assert.Equal(t, src, gotSrc)
}

func TestDispatch_NAKRoutedToPeerObserverWhenNotTheSource(t *testing.T) {
	var gotTSI TSI
	cb := DispatchCallbacks{OnNAKFromPeer: func(tsi TSI, p Packet) { gotTSI = tsi }}
	d := NewDispatcher(SourceIdentity{IsSource: false}, cb, &Stats{})

	h := Header{Type: TypeNAK, Sport: 1, Dport: 500}
	buf := EncodeNakLike(h, TypeNAK, 10, Options{})
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	d.Dispatch(p, testDispatchSrc())
	assert.Equal(t, tsiOf(h), gotTSI)
}

func TestDispatch_NAKToSourceFallsBackToPeerObserverOnDportMismatch(t *testing.T) {
	var toSource, fromPeer bool
	cb := DispatchCallbacks{
		OnNAKToSource: func(net.Addr, Packet) { toSource = true },
		OnNAKFromPeer: func(TSI, Packet) { fromPeer = true },
	}
	d := NewDispatcher(SourceIdentity{IsSource: true, Dport: 1}, cb, &Stats{})

	h := Header{Type: TypeNAK, Sport: 1, Dport: 2}
	buf := EncodeNakLike(h, TypeNAK, 10, Options{})
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	d.Dispatch(p, testDispatchSrc())
	assert.False(t, toSource)
	assert.True(t, fromPeer)
}

func TestDispatch_SPMRRoutedToSourceHandler(t *testing.T) {
	var called bool
	cb := DispatchCallbacks{OnSPMRToSource: func(net.Addr, Packet) { called = true }}
	d := NewDispatcher(SourceIdentity{IsSource: true, Dport: 500}, cb, &Stats{})

	h := Header{Type: TypeSPMR, Sport: 1, Dport: 500}
	buf := EncodeNakLike(h, TypeSPMR, 0, Options{})
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	d.Dispatch(p, testDispatchSrc())
	assert.True(t, called)
}

func TestDispatch_NNAKIncrementsStatsAndCallsHandler(t *testing.T) {
	var called bool
	cb := DispatchCallbacks{OnNNAK: func(TSI, Packet) { called = true }}
	stats := &Stats{}
	d := NewDispatcher(SourceIdentity{}, cb, stats)

	h := Header{Type: TypeNNAK, Sport: 1, Dport: 2}
	buf := EncodeNakLike(h, TypeNNAK, 5, Options{})
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	d.Dispatch(p, testDispatchSrc())
	assert.True(t, called)
	assert.Equal(t, uint64(1), stats.NnaksReceived.Load())
}

func TestDispatch_POLRDiscarded(t *testing.T) {
	stats := &Stats{}
	d := NewDispatcher(SourceIdentity{}, DispatchCallbacks{}, stats)
	d.Dispatch(Packet{Header: Header{Type: TypePOLR}}, testDispatchSrc())
	assert.Equal(t, uint64(1), stats.PacketsDiscarded.Load())
}

func TestTsiOf_BuildsFromGSIAndSport(t *testing.T) {
	h := Header{Sport: 0x1234, GSI: [6]byte{9, 8, 7, 6, 5, 4}}
	tsi := tsiOf(h)
	assert.Equal(t, [6]byte{9, 8, 7, 6, 5, 4}, tsi.GSI())
	assert.Equal(t, uint16(0x1234), tsi.SourcePort())
}
