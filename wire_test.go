package pgm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDataPacket_RoundTrip(t *testing.T) {
	h := Header{Sport: 1234, Dport: 5678, GSI: [6]byte{1, 2, 3, 4, 5, 6}}
	payload := []byte("hello pgm")

	buf := EncodeDataPacket(h, 42, Options{}, payload)
	p, err := DecodePacket(buf, true)
	require.NoError(t, err)

	assert.Equal(t, TypeODATA, p.Header.Type)
	assert.Equal(t, SQN(42), p.DataSqn)
	assert.Equal(t, payload, p.Payload)
	assert.Equal(t, uint16(1234), p.Header.Sport)
	assert.Equal(t, h.GSI, p.Header.GSI)
}

func TestEncodeDecodeDataPacket_WithFragmentOption(t *testing.T) {
	h := Header{Sport: 1, Dport: 2}
	frag := FragmentOption{FirstSqn: 100, FragOff: 64, FragLen: 512}
	buf := EncodeDataPacket(h, 101, Options{Fragment: &frag}, []byte("chunk"))

	p, err := DecodePacket(buf, true)
	require.NoError(t, err)
	require.NotNil(t, p.Options.Fragment)
	assert.Equal(t, frag, *p.Options.Fragment)
	assert.Equal(t, []byte("chunk"), p.Payload)
}

func TestEncodeDecodeDataPacket_ChecksumMismatchRejected(t *testing.T) {
	h := Header{Sport: 1, Dport: 2}
	buf := EncodeDataPacket(h, 1, Options{}, []byte("x"))
	buf[len(buf)-1] ^= 0xFF // corrupt the payload after checksum was computed

	_, err := DecodePacket(buf, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestEncodeDecodeDataPacket_TruncatedIsMalformed(t *testing.T) {
	h := Header{Sport: 1, Dport: 2}
	buf := EncodeDataPacket(h, 1, Options{}, []byte("hello"))

	// checksum verification off: with it on, the shortened buffer fails the
	// checksum before the framing check is reached.
	_, err := DecodePacket(buf[:len(buf)-2], false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeDecodeSPM_WithParityPrm(t *testing.T) {
	h := Header{Sport: 1, Dport: 2, GSI: [6]byte{9, 9, 9, 9, 9, 9}}
	parityPrm := &ParityPrmOption{TransmissionGroupSize: 16, Proactive: true, OnDemand: false}
	buf := EncodeSPM(h, 10, 1, 9, [4]byte{}, parityPrm)

	p, err := DecodePacket(buf, true)
	require.NoError(t, err)
	assert.Equal(t, TypeSPM, p.Header.Type)
	assert.Equal(t, SQN(10), p.SpmSqn)
	assert.Equal(t, SQN(1), p.SpmTrail)
	assert.Equal(t, SQN(9), p.SpmLead)
	require.NotNil(t, p.Options.ParityPrm)
	assert.Equal(t, *parityPrm, *p.Options.ParityPrm)
}

func TestEncodeDecodeSPM_WithoutParityPrm(t *testing.T) {
	h := Header{Sport: 1, Dport: 2}
	buf := EncodeSPM(h, 5, 0, 4, [4]byte{}, nil)

	p, err := DecodePacket(buf, true)
	require.NoError(t, err)
	assert.Nil(t, p.Options.ParityPrm)
}

func TestEncodeNakLike_WithNakList(t *testing.T) {
	h := Header{Sport: 1, Dport: 2}
	opts := Options{NakList: []SQN{11, 12, 13}}
	buf := EncodeNakLike(h, TypeNAK, 10, opts)

	p, err := DecodePacket(buf, true)
	require.NoError(t, err)
	assert.Equal(t, TypeNAK, p.Header.Type)
	assert.Equal(t, SQN(10), p.NakSqn)
	assert.Equal(t, []SQN{11, 12, 13}, p.Options.NakList)
}

func TestEncodeNakLike_ParityGrp(t *testing.T) {
	h := Header{Sport: 1, Dport: 2}
	opts := Options{ParityGrp: &ParityGrpOption{TgSqn: 64}}
	buf := EncodeNakLike(h, TypeNAK, 64, opts)

	p, err := DecodePacket(buf, true)
	require.NoError(t, err)
	require.NotNil(t, p.Options.ParityGrp)
	assert.Equal(t, SQN(64), p.Options.ParityGrp.TgSqn)
}

func TestEncodeNakLike_SPMRHasNoSqnBody(t *testing.T) {
	h := Header{Sport: 1, Dport: 2}
	buf := EncodeNakLike(h, TypeSPMR, 0, Options{})

	p, err := DecodePacket(buf, true)
	require.NoError(t, err)
	assert.Equal(t, TypeSPMR, p.Header.Type)
}

func TestDecodePacket_UnknownTypeIsMalformed(t *testing.T) {
	h := Header{Sport: 1, Dport: 2, Type: PacketType(0x7F)}
	buf := make([]byte, headerLen)
	encodeHeader(buf, h)

	_, err := DecodePacket(buf, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPgmChecksum_OddLength(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	// checksum must not panic on odd-length input and should be deterministic.
	c1 := pgmChecksum(data)
	c2 := pgmChecksum(data)
	assert.Equal(t, c1, c2)
}
