package suppress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpmrSuppressor_FirstCallerReplies(t *testing.T) {
	s := NewSpmrSuppressor(50*time.Millisecond, 10*time.Millisecond)
	var tsi [8]byte
	copy(tsi[:], "srcTSI01")

	require.True(t, s.ShouldReply(tsi), "first SPMR for a TSI should be answered")
	assert.False(t, s.ShouldReply(tsi), "a second SPMR within the window should be suppressed")
}

func TestSpmrSuppressor_IndependentPerTSI(t *testing.T) {
	s := NewSpmrSuppressor(50*time.Millisecond, 10*time.Millisecond)
	var a, b [8]byte
	copy(a[:], "sourceAA")
	copy(b[:], "sourceBB")

	assert.True(t, s.ShouldReply(a))
	assert.True(t, s.ShouldReply(b), "a different source TSI must not be suppressed by another's debounce flag")
}

func TestSpmrSuppressor_ReplyAllowedAgainAfterWindow(t *testing.T) {
	s := NewSpmrSuppressor(20*time.Millisecond, 5*time.Millisecond)
	var tsi [8]byte
	copy(tsi[:], "srcTSI02")

	require.True(t, s.ShouldReply(tsi))
	require.False(t, s.ShouldReply(tsi))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, s.ShouldReply(tsi), "debounce flag should have expired")
}
