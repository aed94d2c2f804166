package tcpio

import (
	"net"

	"github.com/google/gopacket/layers"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/flow"
	"github.com/tbarbette/go-middlebox/packet"
)

// FlowEgress is implemented by TCPOut: the ACK/FIN/RST emitter any
// RewriteSink or TCPIn calls into directly instead of walking back up a
// chain of stack elements, mirroring outElement->sendAck/sendClosingPacket
// calls in the original.
type FlowEgress interface {
	// SendAck crafts and emits a pure ACK carrying no payload, updating
	// m (the direction the ACK travels towards) so later packets never
	// regress below it. A non-force call that brings no new information
	// over m's last sent ACK is silently dropped.
	SendAck(m *bytestream.Maintainer, tuple packet.FiveTuple, seq, ack bytestream.Seq32, force bool) error
	// SendClosingPacket crafts and emits a FIN (graceful) or RST
	// (ungraceful) closing the connection on m's behalf.
	SendClosingPacket(m *bytestream.Maintainer, tuple packet.FiveTuple, seq, ack bytestream.Seq32, graceful bool) error
}

// TCPOut is the exit point of one direction's path through the stack:
// it remaps a packet's sequence number through the direction's
// maintainer, commits any modification list TCPIn/a RewriteSink
// recorded for it, and recomputes whether the packet that's left is
// still worth sending, mirroring TCPOut::push_batch.
type TCPOut struct {
	Direction flow.Direction

	// Emit delivers a packet TCPOut forged itself (an ACK or a closing
	// packet) straight to the wire, the Go counterpart of the second
	// output tcpout.cc's sendAck/sendClosingPacket push onto.
	Emit func(*packet.Packet) error
}

var _ FlowEgress = (*TCPOut)(nil)

// Process runs one packet leaving this direction through TCPOut,
// returning the rewritten packet to actually send, or nil if it carried
// no information once its modifications were applied.
func (o *TCPOut) Process(fcb *flow.FCB, pkt *packet.Packet) (*packet.Packet, error) {
	if !o.checkConnectionClosed(fcb, pkt) {
		return nil, nil
	}

	maintainer := fcb.Common.Maintainers[o.Direction]

	fcb.Common.Lock()
	defer fcb.Common.Unlock()

	prevSeq := bytestream.Seq32(pkt.Seq())
	hasModList := fcb.HasModificationList(o.Direction, uint32(prevSeq))

	newSeq, err := maintainer.MapSeq(prevSeq)
	if err != nil {
		return nil, err
	}
	if newSeq != prevSeq {
		pkt.SetSeq(uint32(newSeq))
	}
	maintainer.SetLastSeqSent(newSeq)
	maintainer.SetWindowSize(pkt.TCP.Window)

	prevAck := bytestream.Seq32(pkt.Ack())
	prevLastAck, prevLastAckSet := maintainer.LastAckSent()
	if pkt.IsACK() {
		maintainer.SetLastAckSent(prevAck)
		if sent, _ := maintainer.LastAckSent(); sent != prevAck {
			pkt.SetAck(uint32(sent))
		}
	}

	prevPayloadSize := pkt.PayloadLen()

	if hasModList {
		modList := fcb.ModificationList(o.Direction, uint32(prevSeq))
		if err := modList.Commit(maintainer); err != nil {
			return nil, err
		}
		fcb.DropModificationList(o.Direction, uint32(prevSeq))

		if pkt.PayloadLen() == 0 {
			opposite := o.Direction.Opposite()
			otherMaintainer := fcb.Common.Maintainers[opposite]

			seq := bytestream.Seq32(pkt.Annotations.InitAck)
			ack := prevSeq.Add(int32(prevPayloadSize))
			if pkt.IsFIN() || pkt.IsSYN() {
				ack = ack.Add(1)
			}
			if err := o.SendAck(otherMaintainer, pkt.Tuple().Reversed(), seq, ack, false); err != nil {
				return nil, err
			}

			if pkt.IsJustAnAck() && prevLastAckSet && prevAck.LessEq(prevLastAck) {
				return nil, nil
			}
		}
	}

	return pkt, nil
}

func (o *TCPOut) checkConnectionClosed(fcb *flow.FCB, pkt *packet.Packet) bool {
	fcb.Common.Lock()
	defer fcb.Common.Unlock()

	state := fcb.Common.Closing[o.Direction]
	switch state {
	case flow.Open:
		return true
	case flow.BeingClosedGraceful:
		if pkt.IsFIN() {
			fcb.Common.Closing[o.Direction] = flow.ClosedGraceful
		}
		return true
	case flow.BeingClosedUngraceful:
		if pkt.IsRST() {
			fcb.Common.Closing[o.Direction] = flow.ClosedUngraceful
		}
		return true
	default:
		return false
	}
}

// SendAck implements FlowEgress.
func (o *TCPOut) SendAck(m *bytestream.Maintainer, tuple packet.FiveTuple, seq, ack bytestream.Seq32, force bool) error {
	if o.Emit == nil {
		return nil
	}
	if !force {
		if last, ok := m.LastAckSent(); ok && ack.LessEq(last) {
			return nil
		}
	}
	m.SetLastAckSent(ack)
	if last, ok := m.LastSeqSent(); ok && seq.Less(last) {
		seq = last
	}

	pkt := forge(tuple, seq, ack, m.WindowSize(), false, false)
	return o.Emit(pkt)
}

// SendClosingPacket implements FlowEgress.
func (o *TCPOut) SendClosingPacket(m *bytestream.Maintainer, tuple packet.FiveTuple, seq, ack bytestream.Seq32, graceful bool) error {
	if o.Emit == nil {
		return nil
	}
	m.SetLastAckSent(ack)
	if last, ok := m.LastSeqSent(); ok && seq.Less(last) {
		seq = last
	}
	if graceful {
		m.SetLastSeqSent(seq.Add(1))
	}

	pkt := forge(tuple, seq, ack, m.WindowSize(), graceful, !graceful)
	return o.Emit(pkt)
}

// forge builds a synthetic Ethernet+IPv4+TCP packet carrying no
// payload, the shared counterpart of forgePacket used by both sendAck
// and sendClosingPacket in the original.
func forge(tuple packet.FiveTuple, seq, ack bytestream.Seq32, window uint16, fin, rst bool) *packet.Packet {
	srcIP := net.ParseIP(tuple.SrcIP)
	dstIP := net.ParseIP(tuple.DstIP)

	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: tuple.SrcPort,
		DstPort: tuple.DstPort,
		Seq:     uint32(seq),
		Ack:     uint32(ack),
		ACK:     true,
		FIN:     fin,
		RST:     rst,
		Window:  window,
	}
	return packet.New(eth, ip, tcp, nil)
}
