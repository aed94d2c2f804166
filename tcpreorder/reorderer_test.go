package tcpreorder

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/packet"
)

func mkPacket(seq uint32, syn bool, payload string) *packet.Packet {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	tcp := &layers.TCP{SrcPort: 1111, DstPort: 80, Seq: seq, SYN: syn, ACK: true}
	return packet.New(eth, ip, tcp, []byte(payload))
}

func TestReorderer_InOrderBatchPassesThrough(t *testing.T) {
	r := New()
	batch := packet.BatchOf(
		mkPacket(100, true, ""),
		mkPacket(101, false, "AAAAA"),
		mkPacket(106, false, "BBBBB"),
	)

	result := r.ProcessBatch(batch)
	require.Equal(t, 3, result.InOrder.Count())
	require.Equal(t, 0, result.Retransmissions.Count())
	require.Equal(t, uint32(111), uint32(r.ExpectedSeq()))
}

func TestReorderer_HoldsBackOnGap(t *testing.T) {
	r := New()
	batch := packet.BatchOf(
		mkPacket(100, true, ""),
		mkPacket(101, false, "AAAAA"),
		mkPacket(111, false, "CCCCC"), // gap: 106 missing
	)

	result := r.ProcessBatch(batch)
	require.Equal(t, 2, result.InOrder.Count())
	require.Equal(t, 1, r.Pending())
	require.Equal(t, uint32(106), uint32(r.ExpectedSeq()))

	// The missing packet arrives in its own batch; the held-back one
	// should now be released too.
	second := packet.BatchOf(mkPacket(106, false, "BBBBB"))
	result = r.ProcessBatch(second)
	require.Equal(t, 2, result.InOrder.Count())
	require.Equal(t, 0, r.Pending())
}

func TestReorderer_OutOfOrderArrivalIsSortedFirst(t *testing.T) {
	r := New()
	batch := packet.BatchOf(
		mkPacket(100, true, ""),
		mkPacket(106, false, "BBBBB"),
		mkPacket(101, false, "AAAAA"),
	)

	result := r.ProcessBatch(batch)
	require.Equal(t, 3, result.InOrder.Count())
	seqs := []uint32{}
	result.InOrder.Each(func(p *packet.Packet) { seqs = append(seqs, p.Seq()) })
	require.Equal(t, []uint32{100, 101, 106}, seqs)
}

func TestReorderer_RetransmissionBelowExpectedIsSeparated(t *testing.T) {
	r := New()
	r.ProcessBatch(packet.BatchOf(mkPacket(100, true, ""), mkPacket(101, false, "AAAAA")))
	require.Equal(t, uint32(106), uint32(r.ExpectedSeq()))

	result := r.ProcessBatch(packet.BatchOf(mkPacket(101, false, "AAAAA")))
	require.Equal(t, 0, result.InOrder.Count())
	require.Equal(t, 1, result.Retransmissions.Count())
}

func TestReorderer_SynResetsWaitingList(t *testing.T) {
	r := New()
	r.ProcessBatch(packet.BatchOf(mkPacket(100, true, ""), mkPacket(106, false, "gap-held")))
	require.Equal(t, 1, r.Pending())

	result := r.ProcessBatch(packet.BatchOf(mkPacket(500, true, "")))
	require.Equal(t, 0, r.Pending(), "a new SYN must discard the stale waiting list")
	require.Equal(t, 1, result.InOrder.Count())
	require.Equal(t, uint32(501), uint32(r.ExpectedSeq()))
}
