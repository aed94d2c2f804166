package retransmit

import (
	"sync"
	"time"

	"github.com/tbarbette/go-middlebox/bytestream"
)

// Jacobson's RTO constants (Jacobson, V., "Congestion Avoidance and
// Control"), carried over verbatim from retransmissiontiming.hh.
const (
	rtoK     = 4
	rtoAlpha = 1.0 / 8
	rtoBeta  = 1.0 / 4

	// initialRTO is RFC 1122's mandated starting value.
	initialRTO = 3 * time.Second
	// clockGranularity stands in for computeClockGranularity()'s
	// Timestamp::epsilon()/timer-adjustment probe: Go's monotonic clock
	// has sub-millisecond resolution, so a millisecond floor is the
	// coarsest granularity that can ever bind here.
	clockGranularity = time.Millisecond
	minRTO           = time.Second
	maxRTO           = 60 * time.Second
)

// Timing tracks RTT/RTO state and the retransmission timer for one flow
// direction, the Go counterpart of RetransmissionTiming.
type Timing struct {
	mu sync.Mutex

	timer   *time.Timer
	running bool

	buffer *CircularBuffer

	measureInProgress bool
	measureStart      time.Time
	rttSeq            bytestream.Seq32

	lastManualTransmission bytestream.Seq32
	manualTransmissionDone bool

	srtt, rttvar time.Duration
	rto          time.Duration
	rttMeasured  bool
}

// NewTiming returns a Timing with RFC 1122's initial RTO and no buffer
// assigned yet; checkInitialization equivalents call EnsureBuffer lazily,
// once, the first time a direction needs one.
func NewTiming() *Timing {
	return &Timing{rto: initialRTO}
}

// Buffer returns the circular buffer assigned to this direction, or nil
// if none has been assigned yet.
func (t *Timing) Buffer() *CircularBuffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer
}

// EnsureBuffer lazily assigns a CircularBuffer the first time this
// direction needs to retransmit data, mirroring
// TCPRetransmitter::checkInitialization.
func (t *Timing) EnsureBuffer() *CircularBuffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer == nil {
		t.buffer = NewCircularBuffer()
	}
	return t.buffer
}

// StartRTTMeasure begins a new RTT sample at seq, unless one is already
// in progress.
func (t *Timing) StartRTTMeasure(seq bytestream.Seq32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.measureInProgress {
		return false
	}
	t.measureInProgress = true
	t.measureStart = time.Now()
	t.rttSeq = seq
	return true
}

// SignalAck ends an in-progress RTT measure when ack acknowledges at
// least rttSeq, folding the sample into srtt/rttvar/rto per Jacobson's
// algorithm (RFC 6298), and clamps the result to [minRTO, maxRTO].
func (t *Timing) SignalAck(ack bytestream.Seq32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.measureInProgress || ack.Less(t.rttSeq) {
		return
	}
	sample := time.Since(t.measureStart)
	t.measureInProgress = false

	if !t.rttMeasured {
		t.srtt = sample
		t.rttvar = sample / 2
		t.rttMeasured = true
	} else {
		delta := t.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		t.rttvar = t.rttvar + time.Duration(rtoBeta*float64(delta-t.rttvar))
		t.srtt = t.srtt + time.Duration(rtoAlpha*float64(sample-t.srtt))
	}

	t.rto = t.srtt + maxDuration(clockGranularity, time.Duration(rtoK)*t.rttvar)
	t.checkRTOBounds()
}

// SignalRetransmission marks that data up to expectedAck was just
// retransmitted, so the next matching ACK must not be folded into the
// RTT estimate (Karn's algorithm, applied the same way
// signalRetransmission does in the original).
func (t *Timing) SignalRetransmission(expectedAck bytestream.Seq32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.measureInProgress && expectedAck.Greater(t.rttSeq) {
		t.measureInProgress = false
	}
}

func (t *Timing) IsMeasureInProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.measureInProgress
}

func (t *Timing) checkRTOBounds() {
	if t.rto < minRTO {
		t.rto = minRTO
	}
	if t.rto > maxRTO {
		t.rto = maxRTO
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// InitTimer arms the retransmission timer's callback. fired is called
// in its own goroutine (the time.AfterFunc contract) whenever the timer
// expires without being stopped or reset first.
func (t *Timing) InitTimer(fired func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.rto, fired)
	t.timer.Stop()
}

func (t *Timing) IsTimerInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// StartTimer arms the timer at the current RTO if it is not already
// running.
func (t *Timing) StartTimer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil || t.running {
		return false
	}
	t.timer.Reset(t.rto)
	t.running = true
	return true
}

// StartTimerDoubleRTO doubles the RTO (clamped to maxRTO) and arms the
// timer at the new value, per RFC 6298's backoff-on-loss rule.
func (t *Timing) StartTimerDoubleRTO() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return false
	}
	t.rto *= 2
	t.checkRTOBounds()
	t.timer.Reset(t.rto)
	t.running = true
	return true
}

func (t *Timing) StopTimer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.running = false
	return true
}

// RestartTimer stops then re-arms the timer at the current RTO.
func (t *Timing) RestartTimer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer.Reset(t.rto)
	t.running = true
	return true
}

func (t *Timing) IsTimerRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timing) IsManualTransmissionDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manualTransmissionDone
}

func (t *Timing) LastManualTransmission() bytestream.Seq32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastManualTransmission
}

func (t *Timing) SetLastManualTransmission(seq bytestream.Seq32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastManualTransmission = seq
	t.manualTransmissionDone = true
}

// RTO returns the current retransmission timeout, for tests and metrics.
func (t *Timing) RTO() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rto
}
