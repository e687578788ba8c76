package pgmstats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ReportsSnapshotFields(t *testing.T) {
	c := NewCollector(func() Snapshot {
		return Snapshot{
			DataMsgsSent:     42,
			DataMsgsReceived: 7,
			SpmsSent:         3,
		}
	})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, len(c.descs), count, "every Snapshot field should produce exactly one metric")

	families, err := reg.Gather()
	require.NoError(t, err)
	var sawDataMsgsSent bool
	for _, mf := range families {
		if mf.GetName() == "pgm_data_msgs_sent_total" {
			sawDataMsgsSent = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(42), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, sawDataMsgsSent)
}

func TestCollector_DescribeEmitsAllDescs(t *testing.T) {
	c := NewCollector(func() Snapshot { return Snapshot{} })
	ch := make(chan *prometheus.Desc, len(c.descs)+1)
	c.Describe(ch)
	close(ch)

	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, len(c.descs), n)
}
