package pgm

import "sync/atomic"

// Stats holds the transport's cumulative counters. All fields are updated
// with atomic adds so they can be read concurrently from the control
// surface without taking any of the transport's internal locks.
type Stats struct {
	DataMsgsSent         atomic.Uint64
	DataMsgsReceived     atomic.Uint64
	DupDatas             atomic.Uint64
	SelectiveNaksSent    atomic.Uint64
	SelectiveNaksRecv    atomic.Uint64
	ParityNaksSent       atomic.Uint64
	ParityNaksRecv       atomic.Uint64
	NaksFailedNcfRetries atomic.Uint64
	NaksFailedDataRetries atomic.Uint64
	PacketsDiscarded     atomic.Uint64
	MalformedPackets     atomic.Uint64
	ChecksumErrors       atomic.Uint64
	NlaDroppedLost       atomic.Uint64
	ApduLost             atomic.Uint64
	FecPacketsRecovered  atomic.Uint64
	PeersExpired         atomic.Uint64
	PeersCreated          atomic.Uint64
	SpmsSent             atomic.Uint64
	SpmrsSent            atomic.Uint64
	NnaksReceived        atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats, safe to hand to a caller
// or Prometheus collector without exposing the atomics themselves.
type StatsSnapshot struct {
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

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		DataMsgsSent:          s.DataMsgsSent.Load(),
		DataMsgsReceived:      s.DataMsgsReceived.Load(),
		DupDatas:              s.DupDatas.Load(),
		SelectiveNaksSent:     s.SelectiveNaksSent.Load(),
		SelectiveNaksRecv:     s.SelectiveNaksRecv.Load(),
		ParityNaksSent:        s.ParityNaksSent.Load(),
		ParityNaksRecv:        s.ParityNaksRecv.Load(),
		NaksFailedNcfRetries:  s.NaksFailedNcfRetries.Load(),
		NaksFailedDataRetries: s.NaksFailedDataRetries.Load(),
		PacketsDiscarded:      s.PacketsDiscarded.Load(),
		MalformedPackets:      s.MalformedPackets.Load(),
		ChecksumErrors:        s.ChecksumErrors.Load(),
		NlaDroppedLost:        s.NlaDroppedLost.Load(),
		ApduLost:              s.ApduLost.Load(),
		FecPacketsRecovered:   s.FecPacketsRecovered.Load(),
		PeersExpired:          s.PeersExpired.Load(),
		PeersCreated:          s.PeersCreated.Load(),
		SpmsSent:              s.SpmsSent.Load(),
		SpmrsSent:             s.SpmrsSent.Load(),
		NnaksReceived:         s.NnaksReceived.Load(),
	}
}
