package message

import "sync/atomic"

// Stats is the statistics sink the channel reports send/receive/ack
// counters and latency into. It must be safe to update from the selector
// thread and read from any thread.
type Stats interface {
	MessageSent(duplicate bool)
	MessageReceived(duplicate bool)
	MessageAcked(latencyMillis int64)
}

// CounterStats is a lock-free Stats implementation backed by atomic
// counters, in the manner of the teacher's ambient metrics: simple
// monotonic counters a caller can snapshot without blocking the selector
// thread.
type CounterStats struct {
	sent           int64
	sentDuplicate  int64
	received       int64
	receivedDup    int64
	acked          int64
	ackLatencySum  int64
}

func NewCounterStats() *CounterStats { return &CounterStats{} }

func (s *CounterStats) MessageSent(duplicate bool) {
	atomic.AddInt64(&s.sent, 1)
	if duplicate {
		atomic.AddInt64(&s.sentDuplicate, 1)
	}
}

func (s *CounterStats) MessageReceived(duplicate bool) {
	atomic.AddInt64(&s.received, 1)
	if duplicate {
		atomic.AddInt64(&s.receivedDup, 1)
	}
}

func (s *CounterStats) MessageAcked(latencyMillis int64) {
	atomic.AddInt64(&s.acked, 1)
	atomic.AddInt64(&s.ackLatencySum, latencyMillis)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Sent, SentDuplicate   int64
	Received, ReceivedDup int64
	Acked                 int64
	AckLatencySum         int64
}

func (s *CounterStats) Snapshot() Snapshot {
	return Snapshot{
		Sent:          atomic.LoadInt64(&s.sent),
		SentDuplicate: atomic.LoadInt64(&s.sentDuplicate),
		Received:      atomic.LoadInt64(&s.received),
		ReceivedDup:   atomic.LoadInt64(&s.receivedDup),
		Acked:         atomic.LoadInt64(&s.acked),
		AckLatencySum: atomic.LoadInt64(&s.ackLatencySum),
	}
}

// AverageAckLatencyMillis returns the mean ack latency, or 0 if no acks
// have been recorded yet.
func (s Snapshot) AverageAckLatencyMillis() float64 {
	if s.Acked == 0 {
		return 0
	}
	return float64(s.AckLatencySum) / float64(s.Acked)
}
