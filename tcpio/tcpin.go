package tcpio

import (
	"github.com/google/gopacket/layers"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/flow"
	"github.com/tbarbette/go-middlebox/packet"
	"github.com/tbarbette/go-middlebox/printer"
	"github.com/tbarbette/go-middlebox/retransmit"
)

// TCPIn is the entry point of one direction's path through the stack:
// it initializes the direction's byte-stream maintainer off the first
// SYN, discards traffic that arrives after the connection has been
// closed, parses SYN options, and keeps the congestion/ACK bookkeeping
// a rewriter downstream relies on up to date, mirroring TCPIn::processPacket.
type TCPIn struct {
	Direction flow.Direction

	// Out is this direction's paired TCPOut, used to emit synthetic
	// ACKs the same way TCPIn::ackPacket calls into outElement.
	Out *TCPOut

	// Retransmitter drives the opposite direction's retransmission
	// timing whenever this direction observes a new ACK, mirroring
	// TCPIn's calls into fcb->tcp_common->retransmissionTimings.
	Retransmitter *retransmit.Retransmitter
	// Send forwards a packet the retransmitter manually crafted (newly
	// unblocked data, or a fast-retransmit) into the same pipeline a
	// normal packet of the opposite direction would take.
	Send func(*packet.Packet) error

	// MSSOffset is applied by ClampMSS to every SYN this direction
	// sees; 0 for a middlebox that does not change the path MTU.
	MSSOffset int16
}

// Process runs one packet through TCPIn, returning the (possibly
// modified) packet to forward, or nil if it was consumed (ACKed and
// dropped, or silently discarded).
func (t *TCPIn) Process(fcb *flow.FCB, pkt *packet.Packet) (*packet.Packet, error) {
	maintainer := fcb.Common.Maintainers[t.Direction]
	other := fcb.Common.Maintainers[t.Direction.Opposite()]

	if !maintainer.Initialized() {
		if !pkt.IsSYN() {
			printer.Warningln("tcpio: dropping non-SYN packet on an uninitialized flow")
			return nil, nil
		}
		if err := maintainer.Initialize(bytestream.Seq32(pkt.Seq())); err != nil {
			return nil, err
		}
		maintainer.SrcIP = pkt.IP.SrcIP
		maintainer.DstIP = pkt.IP.DstIP
		maintainer.SrcPort = uint16(pkt.TCP.SrcPort)
		maintainer.DstPort = uint16(pkt.TCP.DstPort)
	} else if pkt.IsSYN() {
		printer.Warningln("tcpio: dropping unexpected SYN on an established flow")
		return nil, nil
	}

	fcb.Common.Lock()

	if !t.checkConnectionClosed(fcb, pkt) {
		fcb.Common.Unlock()
		return nil, nil
	}

	pkt.Annotations.InitAck = pkt.Ack()
	StripSACKPermitted(pkt)
	ClampMSS(maintainer, pkt, t.MSSOffset)
	manageWindowScale(maintainer, other, pkt)

	prevWindow := maintainer.WindowSize()
	maintainer.SetWindowSize(pkt.TCP.Window)

	seq := bytestream.Seq32(pkt.Seq())
	if lastAckSentOther, ok := other.LastAckSent(); ok && !pkt.IsSYN() && seq.Less(lastAckSentOther) {
		// The real destination never saw our ACK for this data; re-ACK
		// it and drop the retransmission.
		fcb.Common.Unlock()
		t.ackPacket(fcb, pkt, false)
		return nil, nil
	}

	if !pkt.IsACK() {
		fcb.Common.Unlock()
		return pkt, nil
	}

	ackNumber := bytestream.Seq32(pkt.Ack())
	newAck, err := other.MapAck(ackNumber)
	if err != nil {
		fcb.Common.Unlock()
		return nil, err
	}

	lastAckReceived, lastAckReceivedSet := maintainer.LastAckReceived()
	if lastAckReceivedSet && ackNumber.Greater(lastAckReceived) {
		growCongestionWindow(other)
		maintainer.ResetDupAcks()
	}
	maintainer.SetLastAckReceived(ackNumber)
	if err := other.Prune(ackNumber); err != nil {
		fcb.Common.Unlock()
		return nil, err
	}

	fcb.Common.Unlock()
	oppositeFlow := t.retransmitFlowState(fcb, t.Direction.Opposite())
	if err := t.Retransmitter.SignalAck(oppositeFlow, t.Send); err != nil {
		return nil, err
	}
	fcb.Common.Lock()

	if pkt.IsJustAnAck() && prevWindow == maintainer.WindowSize() {
		isDup := lastAckReceivedSet && lastAckReceived == ackNumber
		if isDup {
			if maintainer.IncDupAcks() >= 3 {
				fcb.Common.Unlock()
				if err := t.Retransmitter.TimerFired(oppositeFlow, t.Send); err != nil {
					return nil, err
				}
				fcb.Common.Lock()
				maintainer.ResetDupAcks()
			}
		}

		if lastAckSent, ok := maintainer.LastAckSent(); ok && newAck.LessEq(lastAckSent) && !isDup {
			fcb.Common.Unlock()
			return nil, nil
		}
	}

	if ackNumber != newAck {
		pkt.SetAck(uint32(newAck))
	}

	fcb.Common.Unlock()
	return pkt, nil
}

// CloseConnection marks this direction (and, if bothSides, forces the
// opposite direction's terminal state too, sending it a synthetic
// FIN/RST), mirroring TCPIn::closeConnection.
func (t *TCPIn) CloseConnection(fcb *flow.FCB, pkt *packet.Packet, graceful, bothSides bool) {
	fcb.Common.Lock()
	defer fcb.Common.Unlock()

	fcb.Common.Closing[t.Direction] = fcb.Common.Closing[t.Direction].BeginClose(graceful)
	if pkt != nil {
		if graceful {
			pkt.TCP.FIN = true
		} else {
			pkt.TCP.RST = true
		}
	}

	if !bothSides || pkt == nil || t.Out == nil {
		return
	}

	opposite := t.Direction.Opposite()
	if graceful {
		fcb.Common.Closing[opposite] = flow.ClosedGraceful
	} else {
		fcb.Common.Closing[opposite] = flow.ClosedUngraceful
	}

	seq := bytestream.Seq32(pkt.Annotations.InitAck)
	ack := bytestream.Seq32(pkt.Seq()).Add(int32(pkt.PayloadLen()))
	if pkt.IsFIN() || pkt.IsSYN() {
		ack = ack.Add(1)
	}

	otherMaintainer := fcb.Common.Maintainers[opposite]
	if err := t.Out.SendClosingPacket(otherMaintainer, pkt.Tuple().Reversed(), seq, ack, graceful); err != nil {
		printer.Warningln("tcpio: failed to send closing packet:", err)
	}
}

func (t *TCPIn) checkConnectionClosed(fcb *flow.FCB, pkt *packet.Packet) bool {
	state := fcb.Common.Closing[t.Direction]
	if state == flow.Open {
		return true
	}
	if state == flow.BeingClosedGraceful || state == flow.ClosedGraceful {
		if pkt.IsFIN() || pkt.IsSYN() || pkt.PayloadLen() > 0 {
			pkt.Annotations.InitAck = pkt.Ack()
			t.ackPacket(fcb, pkt, false)
		}
	}
	return false
}

// ContentOffset returns where pkt's logical payload begins, normally 0
// unless a protocol layer above TCP has already consumed a header's
// worth of bytes from it, mirroring getContentOffset.
func (t *TCPIn) ContentOffset(pkt *packet.Packet) uint32 {
	return uint32(pkt.Annotations.ContentOffset)
}

// RemoveBytes deletes length bytes from pkt's payload starting at
// position (content-relative, i.e. past ContentOffset) and records the
// deletion on the packet's in-flight modification list, mirroring
// TCPIn::removeBytes.
func (t *TCPIn) RemoveBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position, length uint32) {
	start := position + t.ContentOffset(pkt)
	seq := bytestream.Seq32(pkt.Seq())
	absolute := seq.Add(int32(start))

	list := fcb.ModificationList(dir, pkt.Seq())
	if err := list.Add(start, absolute, -int32(length)); err != nil {
		printer.Warningln("tcpio: RemoveBytes:", err)
		return
	}

	if start > uint32(len(pkt.Payload)) {
		start = uint32(len(pkt.Payload))
	}
	end := start + length
	if end > uint32(len(pkt.Payload)) {
		end = uint32(len(pkt.Payload))
	}
	pkt.Payload = append(pkt.Payload[:start], pkt.Payload[end:]...)
}

// InsertBytes splices data into pkt's payload at position
// (content-relative) and records the insertion on the packet's
// in-flight modification list, mirroring TCPIn::insertBytes.
func (t *TCPIn) InsertBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position uint32, data []byte) {
	start := position + t.ContentOffset(pkt)
	seq := bytestream.Seq32(pkt.Seq())
	absolute := seq.Add(int32(start))

	list := fcb.ModificationList(dir, pkt.Seq())
	if err := list.Add(start, absolute, int32(len(data))); err != nil {
		printer.Warningln("tcpio: InsertBytes:", err)
		return
	}

	if start > uint32(len(pkt.Payload)) {
		start = uint32(len(pkt.Payload))
	}
	grown := make([]byte, 0, len(pkt.Payload)+len(data))
	grown = append(grown, pkt.Payload[:start]...)
	grown = append(grown, data...)
	grown = append(grown, pkt.Payload[start:]...)
	pkt.Payload = grown
}

// RequestMorePackets force-ACKs pkt, prompting the real sender to push
// data a rewriter needs to see further ahead of before it can decide
// what to do with what it is already holding, mirroring
// TCPIn::requestMorePackets.
func (t *TCPIn) RequestMorePackets(fcb *flow.FCB, pkt *packet.Packet, force bool) {
	t.ackPacket(fcb, pkt, force)
}

func (t *TCPIn) ackPacket(fcb *flow.FCB, pkt *packet.Packet, force bool) {
	if t.Out == nil {
		return
	}
	seq := bytestream.Seq32(pkt.Annotations.InitAck)
	ack := bytestream.Seq32(pkt.Seq()).Add(int32(pkt.PayloadLen()))
	if pkt.IsFIN() || pkt.IsSYN() {
		ack = ack.Add(1)
	}
	other := fcb.Common.Maintainers[t.Direction.Opposite()]
	if err := t.Out.SendAck(other, pkt.Tuple().Reversed(), seq, ack, force); err != nil {
		printer.Warningln("tcpio: failed to send ack:", err)
	}
}

func (t *TCPIn) retransmitFlowState(fcb *flow.FCB, dir flow.Direction) retransmit.FlowState {
	return retransmit.FlowState{
		Maintainer: fcb.Common.Maintainers[dir],
		Opposite:   fcb.Common.Maintainers[dir.Opposite()],
		Timing:     fcb.Common.Retransmit[dir],
		Closed:     func() bool { return fcb.Common.Closing[dir].Closed() },
	}
}

func growCongestionWindow(m *bytestream.Maintainer) {
	cwnd := m.CongestionWindow()
	ssthresh := m.Ssthresh()
	mss := uint64(m.MSS())

	var increase uint64
	if cwnd <= ssthresh {
		increase = mss
	} else if cwnd > 0 {
		increase = mss * mss / cwnd
	}
	m.SetCongestionWindow(cwnd + increase)
}

// manageWindowScale records the window-scale option a SYN carries, and
// disables it again on a SYNACK if the other direction never offered
// one, mirroring manageOptions' TCPOPT_WSCALE handling.
func manageWindowScale(own, other *bytestream.Maintainer, pkt *packet.Packet) {
	if !pkt.IsSYN() {
		return
	}
	for _, opt := range pkt.TCP.Options {
		if opt.OptionType != layers.TCPOptionKindWindowScale || len(opt.OptionData) < 1 {
			continue
		}
		shift := opt.OptionData[0]
		scale := uint16(1)
		if shift >= 1 {
			scale = uint16(2) << (shift - 1)
		}
		own.SetWindowScale(scale)
		own.SetUseWindowScale(true)

		if pkt.IsACK() && !other.UseWindowScale() {
			own.SetUseWindowScale(false)
		}
		return
	}
}
