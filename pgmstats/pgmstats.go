// Package pgmstats is the Prometheus-facing view of a transport's
// cumulative counters. The core's stats.go keeps plain atomic counters
// with no library dependency of its own; this package is the thin adapter
// that exposes a StatsSnapshot-shaped source as prometheus.Collector.
package pgmstats

import "github.com/prometheus/client_golang/prometheus"

// Snapshot is the subset of pgm.StatsSnapshot this collector reports;
// defined locally so this package does not import the core (pgm imports
// pgmstats for Transport.PrometheusCollector, so importing pgm here would
// form a cycle). *pgm.StatsSnapshot satisfies this by field name via the
// SnapshotFunc adapter below.
type Snapshot struct {
	DataMsgsSent          uint64
	DataMsgsReceived      uint64
	DupDatas              uint64
	SelectiveNaksSent     uint64
	SelectiveNaksRecv     uint64
	ParityNaksSent        uint64
	ParityNaksRecv        uint64
	NaksFailedNcfRetries  uint64
	NaksFailedDataRetries uint64
	PacketsDiscarded      uint64
	MalformedPackets      uint64
	ChecksumErrors        uint64
	NlaDroppedLost        uint64
	ApduLost              uint64
	FecPacketsRecovered   uint64
	PeersExpired          uint64
	PeersCreated          uint64
	SpmsSent              uint64
	SpmrsSent             uint64
	NnaksReceived         uint64
}

// SnapshotFunc is called once per Prometheus scrape to obtain the current
// counters; a typical value is `func() pgmstats.Snapshot { return
// pgmstats.Snapshot(t.Stats()) }` given a field-for-field-identical
// pgm.StatsSnapshot.
type SnapshotFunc func() Snapshot

// Collector adapts a SnapshotFunc into a prometheus.Collector, describing
// every field of Snapshot as its own counter metric.
type Collector struct {
	snapshot SnapshotFunc
	descs    map[string]*prometheus.Desc
}

// NewCollector builds a collector that calls fn on every Collect.
func NewCollector(fn SnapshotFunc) *Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("pgm_"+name, help, nil, nil)
	}
	return &Collector{
		snapshot: fn,
		descs: map[string]*prometheus.Desc{
			"data_msgs_sent_total":           mk("data_msgs_sent_total", "ODATA/RDATA TPDUs sent"),
			"data_msgs_received_total":       mk("data_msgs_received_total", "ODATA/RDATA TPDUs accepted"),
			"dup_datas_total":                mk("dup_datas_total", "duplicate data TPDUs discarded"),
			"selective_naks_sent_total":      mk("selective_naks_sent_total", "selective NAKs sent"),
			"selective_naks_recv_total":      mk("selective_naks_recv_total", "selective NAKs received as source"),
			"parity_naks_sent_total":         mk("parity_naks_sent_total", "parity NAKs sent"),
			"parity_naks_recv_total":         mk("parity_naks_recv_total", "parity NAKs received as source"),
			"naks_failed_ncf_retries_total":  mk("naks_failed_ncf_retries_total", "NAKs abandoned after exhausting NCF retries"),
			"naks_failed_data_retries_total": mk("naks_failed_data_retries_total", "NAKs abandoned after exhausting data retries"),
			"packets_discarded_total":        mk("packets_discarded_total", "packets discarded at any stage"),
			"malformed_packets_total":        mk("malformed_packets_total", "packets failing structural decode"),
			"checksum_errors_total":          mk("checksum_errors_total", "packets failing checksum verification"),
			"nla_dropped_lost_total":         mk("nla_dropped_lost_total", "sqns marked LOST due to unreachable source NLA"),
			"apdu_lost_total":                mk("apdu_lost_total", "APDUs abandoned as unrecoverable"),
			"fec_packets_recovered_total":    mk("fec_packets_recovered_total", "data blocks recovered via FEC"),
			"peers_expired_total":            mk("peers_expired_total", "peer-table entries reaped on expiry"),
			"peers_created_total":            mk("peers_created_total", "peer-table entries created"),
			"spms_sent_total":                mk("spms_sent_total", "SPMs sent"),
			"spmrs_sent_total":               mk("spmrs_sent_total", "SPMRs sent"),
			"nnaks_received_total":           mk("nnaks_received_total", "NNAKs received"),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	emit := func(name string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	emit("data_msgs_sent_total", s.DataMsgsSent)
	emit("data_msgs_received_total", s.DataMsgsReceived)
	emit("dup_datas_total", s.DupDatas)
	emit("selective_naks_sent_total", s.SelectiveNaksSent)
	emit("selective_naks_recv_total", s.SelectiveNaksRecv)
	emit("parity_naks_sent_total", s.ParityNaksSent)
	emit("parity_naks_recv_total", s.ParityNaksRecv)
	emit("naks_failed_ncf_retries_total", s.NaksFailedNcfRetries)
	emit("naks_failed_data_retries_total", s.NaksFailedDataRetries)
	emit("packets_discarded_total", s.PacketsDiscarded)
	emit("malformed_packets_total", s.MalformedPackets)
	emit("checksum_errors_total", s.ChecksumErrors)
	emit("nla_dropped_lost_total", s.NlaDroppedLost)
	emit("apdu_lost_total", s.ApduLost)
	emit("fec_packets_recovered_total", s.FecPacketsRecovered)
	emit("peers_expired_total", s.PeersExpired)
	emit("peers_created_total", s.PeersCreated)
	emit("spms_sent_total", s.SpmsSent)
	emit("spmrs_sent_total", s.SpmrsSent)
	emit("nnaks_received_total", s.NnaksReceived)
}
