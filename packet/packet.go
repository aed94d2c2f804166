// Package packet implements the PacketBatch abstraction (spec.md §3,
// "PacketBatch abstraction") and the per-packet annotation side-channel
// (§6.2) on top of gopacket, mirroring the way the teacher builds and
// mutates Ethernet/IPv4/TCP layers in pcap/packet_util.go.
package packet

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// Annotations is the reserved per-packet side-channel of §6.2.
type Annotations struct {
	// ContentOffset is the start of payload relative to packet data.
	ContentOffset uint16
	// InitAck is the original ACK number, preserved across the pipeline.
	InitAck uint32
	// Dirty marks that a rewriter has touched this packet's payload.
	Dirty bool
	// LastUseful marks the last packet carrying payload for the
	// current logical body (used by HTTP-layer rewriters upstream of
	// TCPOut).
	LastUseful bool
	// MSS carries the clamped maximum segment size stamped by
	// tcpio.ClampMSS, the TCPMarkMSS-equivalent option handling.
	MSS uint16
}

// Packet is one mutable Ethernet+IPv4+TCP packet moving through the
// pipeline. It owns its layers so elements can rewrite headers/payload
// in place and re-serialize on egress, the same pattern the teacher uses
// to build synthetic packets in pcap/packet_util.go.
type Packet struct {
	Eth *layers.Ethernet
	IP  *layers.IPv4
	TCP *layers.TCP

	Payload []byte

	Annotations Annotations

	// next links packets within a Batch; see batch.go.
	next *Packet
}

// New builds a Packet from already-decoded layers, copying the payload
// so the caller's buffer can be reused.
func New(eth *layers.Ethernet, ip *layers.IPv4, tcp *layers.TCP, payload []byte) *Packet {
	p := &Packet{Eth: eth, IP: ip, TCP: tcp}
	if len(payload) > 0 {
		p.Payload = append([]byte(nil), payload...)
	}
	return p
}

// Parse decodes a wire-format frame captured off a NIC queue, as
// gopacket.NewPacketSource would hand it to the teacher's pcap wrapper.
func Parse(data []byte) (*Packet, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return nil, errors.Wrap(errLayer.Error(), "packet: malformed frame")
	}

	ethLayer, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, errors.New("packet: not IPv4")
	}
	tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil, errors.New("packet: not TCP")
	}

	p := New(ethLayer, ipLayer, tcpLayer, tcpLayer.Payload)
	p.Annotations.ContentOffset = 0
	return p, nil
}

// FiveTuple identifies a flow irrespective of direction handling; callers
// needing unordered equality should use FiveTuple.Reversed to look up the
// opposite direction (§3.1 invariant: one TcpConnection per unordered
// 5-tuple).
type FiveTuple struct {
	SrcIP   string
	DstIP   string
	SrcPort layers.TCPPort
	DstPort layers.TCPPort
}

// Tuple returns this packet's 5-tuple.
func (p *Packet) Tuple() FiveTuple {
	return FiveTuple{
		SrcIP:   p.IP.SrcIP.String(),
		DstIP:   p.IP.DstIP.String(),
		SrcPort: p.TCP.SrcPort,
		DstPort: p.TCP.DstPort,
	}
}

// Reversed returns the 5-tuple seen from the opposite direction.
func (t FiveTuple) Reversed() FiveTuple {
	return FiveTuple{SrcIP: t.DstIP, DstIP: t.SrcIP, SrcPort: t.DstPort, DstPort: t.SrcPort}
}

// Seq/Ack/Len/Flags convenience accessors used throughout tcpio/tcpreorder/retransmit.

func (p *Packet) Seq() uint32 { return p.TCP.Seq }
func (p *Packet) Ack() uint32 { return p.TCP.Ack }
func (p *Packet) SetSeq(s uint32) { p.TCP.Seq = s }
func (p *Packet) SetAck(a uint32) { p.TCP.Ack = a }

// PayloadLen returns the number of payload bytes, which is what
// consumes sequence space alongside SYN/FIN.
func (p *Packet) PayloadLen() uint32 { return uint32(len(p.Payload)) }

// SeqSpan returns how much sequence-number space this packet consumes:
// payload length plus one for SYN or FIN.
func (p *Packet) SeqSpan() uint32 {
	span := p.PayloadLen()
	if p.TCP.SYN || p.TCP.FIN {
		span++
	}
	return span
}

func (p *Packet) IsSYN() bool { return p.TCP.SYN }
func (p *Packet) IsFIN() bool { return p.TCP.FIN }
func (p *Packet) IsRST() bool { return p.TCP.RST }
func (p *Packet) IsACK() bool { return p.TCP.ACK }

// IsJustAnAck reports whether the packet carries no payload and no
// SYN/FIN/RST flag, i.e. it exists purely to acknowledge data.
func (p *Packet) IsJustAnAck() bool {
	return p.TCP.ACK && len(p.Payload) == 0 && !p.TCP.SYN && !p.TCP.FIN && !p.TCP.RST
}

// Clone makes an independent deep copy, used when a packet needs to be
// buffered (retransmit, SFMaker) beyond the lifetime of the batch it
// arrived in.
func (p *Packet) Clone() *Packet {
	ethCopy := *p.Eth
	ipCopy := *p.IP
	ipCopy.SrcIP = append(net.IP(nil), p.IP.SrcIP...)
	ipCopy.DstIP = append(net.IP(nil), p.IP.DstIP...)
	tcpCopy := *p.TCP
	tcpCopy.Options = append([]layers.TCPOption(nil), p.TCP.Options...)
	np := New(&ethCopy, &ipCopy, &tcpCopy, p.Payload)
	np.Annotations = p.Annotations
	return np
}

// Serialize recomputes checksums and lengths and returns the wire-format
// bytes, the software-checksum fallback path of §4.3 ("Recompute TCP and
// IP checksums ... software fallback otherwise"). Hardware-offload is
// represented by SerializeHint; when it's set we skip the checksum fill
// and let the NIC driver's offload do it, matching the zero-copy fast
// path the same section describes.
func (p *Packet) Serialize(hint SerializeHint) ([]byte, error) {
	p.TCP.Payload = p.Payload
	if !hint.HardwareChecksumOffload {
		if err := p.TCP.SetNetworkLayerForChecksum(p.IP); err != nil {
			return nil, errors.Wrap(err, "packet: set network layer for checksum")
		}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: !hint.HardwareChecksumOffload,
	}

	layerList := make([]gopacket.SerializableLayer, 0, 4)
	if p.Eth != nil {
		layerList = append(layerList, p.Eth)
	}
	layerList = append(layerList, p.IP, p.TCP, gopacket.Payload(p.Payload))

	if err := gopacket.SerializeLayers(buf, opts, layerList...); err != nil {
		return nil, errors.Wrap(err, "packet: serialize")
	}
	return buf.Bytes(), nil
}

// SerializeHint carries the per-batch offload capability referenced by
// §4.3: "via the NIC's hardware-offload hint when the packet sits in a
// zero-copy buffer; software fallback otherwise".
type SerializeHint struct {
	HardwareChecksumOffload bool
}
