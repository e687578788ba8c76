package pgm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXW_PushAssignsAscendingSqns(t *testing.T) {
	w := NewTXW(4, 100, 0)

	s1 := w.Push([]byte("a"))
	s2 := w.Push([]byte("b"))
	s3 := w.Push([]byte("c"))

	assert.Equal(t, SQN(100), s1)
	assert.Equal(t, SQN(101), s2)
	assert.Equal(t, SQN(102), s3)
}

func TestTXW_PeekReturnsStoredBytes(t *testing.T) {
	w := NewTXW(4, 0, 0)
	sqn := w.Push([]byte("payload"))

	got, err := w.Peek(sqn)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestTXW_PeekOutsideWindowFails(t *testing.T) {
	w := NewTXW(4, 0, 0)
	w.Push([]byte("a"))

	_, err := w.Peek(99)
	assert.ErrorIs(t, err, ErrNotInWindow)
}

func TestTXW_EvictsOldestOnceFull(t *testing.T) {
	w := NewTXW(2, 0, 0)
	w.Push([]byte("a")) // sqn 0
	w.Push([]byte("b")) // sqn 1
	w.Push([]byte("c")) // sqn 2, evicts sqn 0

	_, err := w.Peek(0)
	assert.ErrorIs(t, err, ErrNotInWindow)

	got, err := w.Peek(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)

	assert.Equal(t, SQN(1), w.Trail())
	assert.Equal(t, SQN(2), w.Lead())
}

func TestTXW_NextLeadBeforeAndAfterFirstPush(t *testing.T) {
	w := NewTXW(4, 50, 0)
	assert.Equal(t, SQN(50), w.NextLead())
	w.Push([]byte("x"))
	assert.Equal(t, SQN(51), w.NextLead())
}

func TestTXW_PushWithBuilderReceivesAssignedSqn(t *testing.T) {
	w := NewTXW(4, 10, 0)
	var seen SQN
	sqn := w.PushWithBuilder(func(s SQN) []byte {
		seen = s
		return []byte("built")
	})
	assert.Equal(t, sqn, seen)
}

func TestTXW_PeekGroupReturnsAllMembersOfTransmissionGroup(t *testing.T) {
	// tgSqnShift=2 means transmission groups of size 4 (k=4).
	w := NewTXW(8, 0, 2)
	for i := 0; i < 4; i++ {
		w.Push([]byte{byte(i)})
	}

	group := w.PeekGroup(0, 4)
	require.Len(t, group, 4)
	for i, b := range group {
		assert.Equal(t, []byte{byte(i)}, b)
	}
}

func TestTXW_PeekGroupOmitsEvictedMembers(t *testing.T) {
	w := NewTXW(2, 0, 2)
	for i := 0; i < 4; i++ {
		w.Push([]byte{byte(i)})
	}
	// capacity 2: only sqns 2,3 remain.
	group := w.PeekGroup(0, 4)
	require.Len(t, group, 4)
	assert.Nil(t, group[0])
	assert.Nil(t, group[1])
	assert.NotNil(t, group[2])
	assert.NotNil(t, group[3])
}

func TestTXW_RetransmitPushPopFIFO(t *testing.T) {
	w := NewTXW(8, 0, 0)
	w.RetransmitPush(5, false, 0)
	w.RetransmitPush(6, false, 0)

	req, ok := w.RetransmitTryPop()
	require.True(t, ok)
	assert.Equal(t, SQN(5), req.sqn)
	assert.False(t, req.isParity)

	req, ok = w.RetransmitTryPop()
	require.True(t, ok)
	assert.Equal(t, SQN(6), req.sqn)

	_, ok = w.RetransmitTryPop()
	assert.False(t, ok)
}

func TestTXW_RetransmitPushDeduplicatesNonParity(t *testing.T) {
	w := NewTXW(8, 0, 0)
	w.RetransmitPush(5, false, 0)
	w.RetransmitPush(5, false, 0)

	_, ok := w.RetransmitTryPop()
	require.True(t, ok)
	_, ok = w.RetransmitTryPop()
	assert.False(t, ok, "duplicate request for the same sqn must not be queued twice")
}

func TestTXW_RetransmitPushCoalescesParityByTransmissionGroup(t *testing.T) {
	w := NewTXW(8, 0, 2) // tg size 4
	w.RetransmitPush(0, true, 1)
	w.RetransmitPush(1, true, 3) // same tg (base 0), higher rs_h wins
	w.RetransmitPush(4, true, 2) // different tg (base 4)

	req, ok := w.RetransmitTryPop()
	require.True(t, ok)
	assert.Equal(t, SQN(0), req.sqn)
	assert.True(t, req.isParity)
	assert.Equal(t, uint32(3), req.rsH, "coalesced parity request should keep the max requested rs_h")

	req, ok = w.RetransmitTryPop()
	require.True(t, ok)
	assert.Equal(t, SQN(4), req.sqn)
	assert.Equal(t, uint32(2), req.rsH)

	_, ok = w.RetransmitTryPop()
	assert.False(t, ok)
}
