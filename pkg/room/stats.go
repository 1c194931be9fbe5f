package room

// AudioStats is a point-in-time snapshot of one publish track. Frames are
// per channel; a stereo ring holding 960 samples reports 480 queued frames.
type AudioStats struct {
	SampleRate         int
	Channels           int
	RingCapacityFrames int
	RingQueuedFrames   int
	Underruns          uint64
	Overruns           uint64
}

// DataStats accumulates per reliability class for the Session's lifetime.
// Sent counts bytes accepted by the transport; Dropped counts messages the
// transport rejected. Counters are never reset implicitly.
type DataStats struct {
	ReliableSentBytes uint64
	ReliableDropped   uint64
	LossySentBytes    uint64
	LossyDropped      uint64
}

// DataStats returns the Session's cumulative data-plane counters.
func (s *Session) DataStats() DataStats {
	return DataStats{
		ReliableSentBytes: s.relSent.Load(),
		ReliableDropped:   s.relDropped.Load(),
		LossySentBytes:    s.lossySent.Load(),
		LossyDropped:      s.lossyDropped.Load(),
	}
}
