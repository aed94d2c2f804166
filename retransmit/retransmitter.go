package retransmit

import (
	"net"

	"github.com/google/gopacket/layers"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/metrics"
	"github.com/tbarbette/go-middlebox/packet"
)

// FlowState bundles the two directions' byte-stream maintainers, this
// direction's retransmission timing, and a closed check, so Retransmitter
// stays free of any dependency on the flow package that owns the FCB
// these fields usually live in (tcpretransmitter.cc's fcb->tcp_common
// access, split into explicit parameters).
type FlowState struct {
	Maintainer *bytestream.Maintainer // this direction's maintainer
	Opposite   *bytestream.Maintainer // the opposite direction's maintainer
	Timing     *Timing                // this direction's buffer and RTO state
	Closed     func() bool            // true once this direction left OPEN
}

// Retransmitter replays data the middlebox has already ACKed on behalf
// of the receiver but that has not yet been ACKed by the real endpoint,
// the Go counterpart of TCPRetransmitter (spec.md §4.4).
type Retransmitter struct{}

// NewRetransmitter returns a stateless Retransmitter; all per-flow state
// travels through FlowState.
func NewRetransmitter() *Retransmitter { return &Retransmitter{} }

// ProcessNormal buffers a packet traveling the normal (first-transmission)
// path and arms the retransmission timer if the data it carries is
// already covered by an ACK we sent on the peer's behalf, mirroring
// processPacketNormal. forward reports whether the packet should still
// be sent on: it is dropped when its data is already fully owed to the
// receiver by a delayed manual transmission the congestion window has
// no room for yet.
func (r *Retransmitter) ProcessNormal(fs FlowState, pkt *packet.Packet) (forward bool, err error) {
	buffer := fs.Timing.EnsureBuffer()
	seq := bytestream.Seq32(pkt.Seq())
	content := pkt.Payload

	if len(content) == 0 {
		return true, nil
	}

	if buffer.IsBlank() {
		buffer.SetStartOffset(seq)
	}
	buffer.AddDataAtEnd(content)

	lastAckSent, lastAckSentSet := fs.Opposite.LastAckSent()

	ackToReceive := seq.Add(int32(pkt.PayloadLen()))
	if pkt.IsFIN() || pkt.IsSYN() {
		ackToReceive = ackToReceive.Add(1)
	}
	ackToReceiveMapped, err := fs.Maintainer.MapAck(ackToReceive)
	if err != nil {
		return false, err
	}

	if lastAckSentSet && ackToReceiveMapped.LessEq(lastAckSent) {
		fs.Timing.StartTimer()

		if getMaxAmountData(fs, pkt.PayloadLen(), false) == 0 {
			return false, nil
		}

		fs.Timing.SetLastManualTransmission(ackToReceive)
	}

	fs.Timing.StartRTTMeasure(seq)
	return true, nil
}

// ProcessRetransmission rewrites a retransmitted packet so its sequence
// space matches what the middlebox already told the receiver, replacing
// its payload with the buffered bytes the middlebox is responsible for,
// mirroring processPacketRetransmission. A nil return means the packet
// should be dropped.
func (r *Retransmitter) ProcessRetransmission(fs FlowState, pkt *packet.Packet) (*packet.Packet, error) {
	if fs.Closed() {
		return nil, nil
	}

	seq := bytestream.Seq32(pkt.Seq())
	lastAckSent, _ := fs.Opposite.LastAckSent()

	if seq.Less(lastAckSent) {
		// Data already ACKed arrived again: the peer must have lost our
		// ACK. Let the caller re-request it instead of forwarding stale
		// bytes.
		return nil, nil
	}

	mappedSeq, err := fs.Maintainer.MapSeq(seq)
	if err != nil {
		return nil, err
	}
	payloadSize := pkt.PayloadLen()
	mappedSeqEnd, err := fs.Maintainer.MapSeq(seq.Add(int32(payloadSize)))
	if err != nil {
		return nil, err
	}
	sizeOfRetransmission := uint32(mappedSeqEnd.Diff(mappedSeq))

	if payloadSize == 0 && (pkt.IsFIN() || pkt.IsRST()) {
		out := pkt.Clone()
		ack, err := fs.Opposite.MapAck(bytestream.Seq32(pkt.Ack()))
		if err != nil {
			return nil, err
		}
		out.SetAck(uint32(ack))
		out.SetSeq(uint32(mappedSeq))
		return out, nil
	}

	if sizeOfRetransmission == 0 {
		return nil, nil
	}

	data := fs.Timing.EnsureBuffer().GetData(mappedSeq, sizeOfRetransmission)

	ack, err := fs.Opposite.MapAck(bytestream.Seq32(pkt.Ack()))
	if err != nil {
		return nil, err
	}

	out := pkt.Clone()
	out.Payload = data
	out.SetAck(uint32(ack))
	out.SetSeq(uint32(mappedSeq))

	fs.Timing.SignalRetransmission(mappedSeq.Add(int32(payloadSize)))
	return out, nil
}

// Prune drops data from the circular buffer that the real endpoint has
// already acknowledged, mirroring TCPRetransmitter::prune.
func (r *Retransmitter) Prune(fs FlowState) {
	buffer := fs.Timing.Buffer()
	if buffer == nil {
		return
	}
	lastAckReceived, ok := fs.Opposite.LastAckReceived()
	if !ok {
		return
	}
	buffer.RemoveDataAtBeginning(lastAckReceived)
}

// DataToRetransmit reports whether the buffer holds bytes the
// middlebox ACKed on the peer's behalf but that the real receiver has
// not yet confirmed, mirroring TCPRetransmitter::dataToRetransmit.
func (r *Retransmitter) DataToRetransmit(fs FlowState) (bool, error) {
	lastAckSent, lastAckSentSet := fs.Opposite.LastAckSent()
	_, lastAckReceivedSet := fs.Opposite.LastAckReceived()
	if !lastAckSentSet || !lastAckReceivedSet {
		return false, nil
	}

	buffer := fs.Timing.Buffer()
	if buffer == nil || buffer.Size() == 0 || buffer.IsBlank() {
		return false, nil
	}

	mapped, err := fs.Maintainer.MapSeq(lastAckSent)
	if err != nil {
		return false, err
	}
	return buffer.StartOffset().Less(mapped), nil
}

// getMaxAmountData clamps expected to what the congestion window and
// the receiver's advertised window still allow in flight, mirroring
// getMaxAmountData. When canCut is false, exceeding either window drops
// the whole request to zero instead of truncating it.
func getMaxAmountData(fs FlowState, expected uint32, canCut bool) uint32 {
	var inFlight uint32
	if fs.Timing.IsManualTransmissionDone() {
		lastAckReceived, _ := fs.Opposite.LastAckReceived()
		lastManual := fs.Timing.LastManualTransmission()
		if lastAckReceived.Greater(lastManual) {
			inFlight = 0
		} else {
			inFlight = uint32(lastManual.Diff(lastAckReceived))
		}
	}

	cwnd := fs.Maintainer.CongestionWindow()
	if uint64(inFlight)+uint64(expected) > cwnd {
		if canCut {
			if uint64(inFlight) >= cwnd {
				expected = 0
			} else {
				expected = uint32(cwnd - uint64(inFlight))
			}
		} else {
			return 0
		}
	}

	windowSize := uint64(fs.Opposite.WindowSize())
	if fs.Opposite.UseWindowScale() {
		windowSize *= uint64(fs.Opposite.WindowScale())
	}
	if uint64(inFlight)+uint64(expected) > windowSize {
		if canCut {
			if uint64(inFlight) >= windowSize {
				expected = 0
			} else {
				expected = uint32(windowSize - uint64(inFlight))
			}
		} else {
			expected = 0
		}
	}

	return expected
}

// TimerFired is the retransmission timer callback: it halves the
// congestion window into the slow-start threshold, resets the window to
// one segment, and retries any data still unacknowledged, doubling the
// RTO on loss, mirroring TCPRetransmitter::retransmissionTimerFired.
func (r *Retransmitter) TimerFired(fs FlowState, send func(*packet.Packet) error) error {
	metrics.RetransmitterFires.Inc()
	mss := fs.Opposite.MSS()
	ssthresh := fs.Maintainer.CongestionWindow() / 2
	if ssthresh < 2*uint64(mss) {
		ssthresh = 2 * uint64(mss)
	}
	fs.Maintainer.SetSsthresh(ssthresh)
	fs.Maintainer.SetCongestionWindow(uint64(mss))

	lastAckReceived, _ := fs.Opposite.LastAckReceived()
	fs.Timing.SetLastManualTransmission(lastAckReceived)

	sent, err := r.manualTransmission(fs, true, send)
	if err != nil {
		return err
	}
	if sent {
		fs.Timing.StopTimer()
		fs.Timing.StartTimerDoubleRTO()
	}
	return nil
}

// TransmitMoreData attempts to send data newly freed up by a growing
// receive window, arming the timer if anything went out, mirroring
// TCPRetransmitter::transmitMoreData.
func (r *Retransmitter) TransmitMoreData(fs FlowState, send func(*packet.Packet) error) error {
	sent, err := r.manualTransmission(fs, false, send)
	if err != nil {
		return err
	}
	if sent && !fs.Timing.IsTimerRunning() {
		fs.Timing.StartTimer()
	}
	return nil
}

// manualTransmission forges and sends one packet carrying buffered data
// the middlebox owes the real receiver, mirroring manualTransmission.
func (r *Retransmitter) manualTransmission(fs FlowState, retransmission bool, send func(*packet.Packet) error) (bool, error) {
	if fs.Closed() {
		return false, nil
	}
	if !fs.Timing.IsManualTransmissionDone() {
		return false, nil
	}
	toRetransmit, err := r.DataToRetransmit(fs)
	if err != nil || !toRetransmit {
		return false, err
	}

	lastAckSent, lastAckSentSet := fs.Maintainer.LastAckSent()
	_, oppLastAckSentSet := fs.Opposite.LastAckSent()
	_, oppLastAckRecvSet := fs.Opposite.LastAckReceived()
	if !lastAckSentSet || !oppLastAckSentSet || !oppLastAckRecvSet {
		return false, nil
	}

	var start bytestream.Seq32
	if retransmission {
		start, _ = fs.Opposite.LastAckReceived()
	} else {
		start = fs.Timing.LastManualTransmission()
		lastAckReceived, _ := fs.Opposite.LastAckReceived()
		if start.Less(lastAckReceived) {
			start = lastAckReceived
		}
	}

	oppLastAckSent, _ := fs.Opposite.LastAckSent()
	end, err := fs.Maintainer.MapSeq(oppLastAckSent)
	if err != nil {
		return false, err
	}
	if !start.Less(end) {
		return false, nil
	}

	size := uint32(end.Diff(start))
	size = getMaxAmountData(fs, size, true)
	if size == 0 {
		return false, nil
	}

	data := fs.Timing.EnsureBuffer().GetData(start, size)

	pkt := forgeAckPacket(fs.Maintainer, start, lastAckSent, data)

	ackToReceive := start.Add(int32(size))
	fs.Timing.SetLastManualTransmission(ackToReceive)

	if retransmission {
		fs.Timing.SignalRetransmission(ackToReceive)
	}

	if err := send(pkt); err != nil {
		return false, err
	}
	return true, nil
}

// SignalAck is called whenever this direction's maintainer observes a
// new ACK: it prunes confirmed data, keeps the timer running only while
// unconfirmed data remains, and pushes out anything newly unblocked,
// mirroring TCPRetransmitter::signalAck.
func (r *Retransmitter) SignalAck(fs FlowState, send func(*packet.Packet) error) error {
	if fs.Timing.Buffer() == nil || fs.Closed() {
		return nil
	}

	r.Prune(fs)

	toRetransmit, err := r.DataToRetransmit(fs)
	if err != nil {
		return err
	}
	if toRetransmit {
		fs.Timing.RestartTimer()
	} else {
		fs.Timing.StopTimer()
	}

	return r.TransmitMoreData(fs, send)
}

// forgeAckPacket builds a synthetic pure-data-carrying ACK, the
// counterpart of forgePacket as used by manualTransmission: an
// Ethernet+IPv4+TCP frame addressed as this maintainer's flow, with no
// hardware MAC information since it never leaves through a real queue
// without first being re-addressed by the egress element.
func forgeAckPacket(m *bytestream.Maintainer, seq, ack bytestream.Seq32, payload []byte) *packet.Packet {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    append(net.IP(nil), m.SrcIP...),
		DstIP:    append(net.IP(nil), m.DstIP...),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(m.SrcPort),
		DstPort: layers.TCPPort(m.DstPort),
		Seq:     uint32(seq),
		Ack:     uint32(ack),
		ACK:     true,
		Window:  m.WindowSize(),
	}
	return packet.New(eth, ip, tcp, payload)
}
