package pgm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func testNakConfig() NakConfig {
	return NakConfig{
		BackoffIvl:  10 * time.Millisecond,
		RepeatIvl:   10 * time.Millisecond,
		RDataIvl:    10 * time.Millisecond,
		DataRetries: 1,
		NcfRetries:  4,
	}
}

// S1-ish: two contiguous packets, lossless, committed in order.
func TestRXW_ContiguousInOrderCommit(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewRXW(64, 100, testNakConfig(), clk)

	accepted, dup, err := w.Insert(100, []byte("AAAA"), FragmentOption{}, false, false)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.False(t, dup)

	accepted, dup, err = w.Insert(101, []byte("BBBB"), FragmentOption{}, false, false)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.False(t, dup)

	out, gap := w.Read(0)
	assert.False(t, gap)
	assert.Equal(t, "AAAABBBB", string(out))
	assert.Equal(t, SQN(102), w.Trail())
}

// S5-ish (invariant 5): delivering the same ODATA twice commits once.
func TestRXW_DuplicateInsertIsIdempotent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewRXW(64, 100, testNakConfig(), clk)

	_, dup, err := w.Insert(100, []byte("X"), FragmentOption{}, false, false)
	require.NoError(t, err)
	assert.False(t, dup)

	_, dup, err = w.Insert(100, []byte("X"), FragmentOption{}, false, false)
	require.NoError(t, err)
	assert.True(t, dup)

	out, _ := w.Read(0)
	assert.Equal(t, "X", string(out))
}

// S2-ish: a forward jump creates a placeholder for the skipped sqn, which
// enters BACK_OFF and is NAKed once its timer fires.
func TestRXW_GapCreatesPlaceholderAndNaks(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewRXW(64, 100, testNakConfig(), clk)

	_, _, err := w.Insert(101, []byte("B"), FragmentOption{}, false, false)
	require.NoError(t, err)

	// sqn 100 is a placeholder in BACK_OFF; nothing committed yet.
	out, gap := w.Read(0)
	assert.True(t, gap)
	assert.Nil(t, out)

	clk.now = clk.now.Add(20 * time.Millisecond)
	selective, parity := w.Tick(clk.now)
	assert.Contains(t, selective, SQN(100))
	assert.Empty(t, parity)

	// deliver the missing packet via simulated RDATA.
	_, _, err = w.Insert(100, []byte("A"), FragmentOption{}, false, false)
	require.NoError(t, err)

	out, gap = w.Read(0)
	assert.False(t, gap)
	assert.Equal(t, "AB", string(out))
}

// S3-ish (invariant 8): an entry exhausting its NCF retries is marked LOST
// and the reader observes a gap, not an indefinite stall.
func TestRXW_ExhaustedRetriesMarksLost(t *testing.T) {
	cfg := testNakConfig()
	cfg.NcfRetries = 1
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewRXW(64, 100, cfg, clk)

	_, _, err := w.Insert(102, []byte("C"), FragmentOption{}, false, false)
	require.NoError(t, err)

	// 101 arrives before the timers run; left missing, its placeholder would
	// follow 100's timeline and be LOST too.
	_, _, err = w.Insert(101, []byte("B"), FragmentOption{}, false, false)
	require.NoError(t, err)

	// drive sqn 100's backoff -> wait_ncf -> (retry) backoff -> wait_ncf -> lost
	for i := 0; i < 4; i++ {
		clk.now = clk.now.Add(20 * time.Millisecond)
		w.Tick(clk.now)
	}

	out, gap := w.Read(0)
	assert.False(t, gap)
	assert.Equal(t, "BC", string(out))
}

// A parity-enabled peer batches losses within a transmission group into a
// single Parity-NAK carrying the group's base sqn, not a selective NAK per
// missing sqn, and a fragmented-but-non-FEC loss still gets a selective NAK.
func TestRXW_ParityEnabledBatchesNaksByTransmissionGroup(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	cfg := testNakConfig()
	w := NewRXW(64, 100, cfg, clk)
	w.SetParityEnabled(true, 2) // tg size 4: sqns 100-103 share a group

	_, _, err := w.Insert(103, []byte("D"), FragmentOption{}, false, false)
	require.NoError(t, err)

	clk.now = clk.now.Add(20 * time.Millisecond)
	selective, parity := w.Tick(clk.now)
	assert.Empty(t, selective)
	assert.Equal(t, []SQN{100}, parity)
}

// Without FEC enabled, a lost fragment still produces a selective NAK, not
// an unfulfillable parity NAK, regardless of OPT_FRAGMENT on the loss.
func TestRXW_FragmentedLossWithoutParityIsSelective(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewRXW(64, 200, testNakConfig(), clk)

	first := FragmentOption{FirstSqn: 200, FragOff: 0, FragLen: 8}
	_, _, err := w.Insert(201, []byte("BBBB"), first, true, false)
	require.NoError(t, err)

	clk.now = clk.now.Add(20 * time.Millisecond)
	selective, parity := w.Tick(clk.now)
	assert.Contains(t, selective, SQN(200))
	assert.Empty(t, parity)
}

// Fragmented APDU only commits once every fragment has arrived.
func TestRXW_FragmentedAPDUCommitsOnlyWhenComplete(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewRXW(64, 200, testNakConfig(), clk)

	first := FragmentOption{FirstSqn: 200, FragOff: 0, FragLen: 8}
	second := FragmentOption{FirstSqn: 200, FragOff: 4, FragLen: 8}

	_, _, err := w.Insert(200, []byte("AAAA"), first, true, false)
	require.NoError(t, err)

	out, gap := w.Read(0)
	assert.True(t, gap)
	assert.Nil(t, out)

	_, _, err = w.Insert(201, []byte("BBBB"), second, true, false)
	require.NoError(t, err)

	out, gap = w.Read(0)
	assert.False(t, gap)
	assert.Equal(t, "AAAABBBB", string(out))
}
