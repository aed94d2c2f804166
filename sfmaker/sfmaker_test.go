package sfmaker

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/packet"
)

func rawLayers() (*layers.Ethernet, *layers.IPv4, *layers.TCP) {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80}
	return eth, ip, tcp
}

func mkPacket(seq, ack uint32, payload string, syn bool) *packet.Packet {
	eth, ip, tcp := rawLayers()
	tcp.Seq = seq
	tcp.Ack = ack
	tcp.ACK = true
	tcp.SYN = syn
	return packet.New(eth, ip, tcp, []byte(payload))
}

func collector() (func([]*packet.Packet), *[][]*packet.Packet) {
	var got [][]*packet.Packet
	return func(b []*packet.Packet) {
		cp := append([]*packet.Packet(nil), b...)
		got = append(got, cp)
	}, &got
}

var tupleA = packet.FiveTuple{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1111, DstPort: 80}
var tupleB = packet.FiveTuple{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 2222, DstPort: 80}

func TestEnqueue_FirstPacketBypassedByDefault(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	s := New(cfg, emit)

	p1 := mkPacket(1000, 0, "hello", false)
	s.Enqueue(tupleA, []*packet.Packet{p1})

	require.Len(t, *got, 1)
	require.Equal(t, []*packet.Packet{p1}, (*got)[0])
	require.Equal(t, 0, s.Active())
}

func TestEnqueue_SecondBurstIsBufferedThenExpires(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Delay = time.Hour
	s := New(cfg, emit)

	p1 := mkPacket(1000, 0, "hello", false)
	s.Enqueue(tupleA, []*packet.Packet{p1})
	require.Len(t, *got, 1)

	p2 := mkPacket(1010, 0, "world", false)
	s.Enqueue(tupleA, []*packet.Packet{p2})
	require.Equal(t, 1, s.Active())
	require.Len(t, *got, 1, "second packet should be buffered, not emitted yet")

	s.Drain(time.Now())
	require.Len(t, *got, 1, "not expired yet")
	require.Equal(t, 1, s.Active())

	s.Drain(time.Now().Add(2 * time.Hour))
	require.Len(t, *got, 2)
	require.Equal(t, []*packet.Packet{p2}, (*got)[1])
	require.Equal(t, 0, s.Active())
}

func TestModelSecond_FirstBurstFlushesImmediatelyWhenNotBypassed(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Passthrough = false
	cfg.Delay = time.Hour
	s := New(cfg, emit)

	p1 := mkPacket(1000, 0, "hello", false)
	s.Enqueue(tupleA, []*packet.Packet{p1})
	require.Equal(t, 1, s.Active())
	require.Len(t, *got, 0)

	s.Drain(time.Now())
	require.Len(t, *got, 1, "a flow's first-ever burst flushes immediately under ModelSecond")
	require.Equal(t, []*packet.Packet{p1}, (*got)[0])
	require.Equal(t, 0, s.Active())
}

func TestMaxBurst_ForcesImmediateReadiness(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Passthrough = false
	cfg.Model = ModelNone
	cfg.MaxBurst = 2
	cfg.Delay = time.Hour
	s := New(cfg, emit)

	p1 := mkPacket(1000, 0, "a", false)
	p2 := mkPacket(1010, 0, "b", false)
	p3 := mkPacket(1020, 0, "c", false)
	s.Enqueue(tupleA, []*packet.Packet{p1})
	s.Enqueue(tupleA, []*packet.Packet{p2})
	s.Enqueue(tupleA, []*packet.Packet{p3})

	require.Len(t, *got, 0)
	s.Drain(time.Now())
	require.Len(t, *got, 1)
	require.Equal(t, []*packet.Packet{p1, p2, p3}, (*got)[0])
	require.Equal(t, 0, s.Active())
}

func TestMaxCap_ForcesOldestActiveFlowToFlushEarly(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Passthrough = false
	cfg.Model = ModelNone
	cfg.MaxCap = 1
	cfg.Delay = time.Hour
	s := New(cfg, emit)

	pA := mkPacket(1000, 0, "a", false)
	pB := mkPacket(2000, 0, "b", false)
	s.Enqueue(tupleA, []*packet.Packet{pA})
	s.Enqueue(tupleB, []*packet.Packet{pB})

	require.Len(t, *got, 0)
	s.Drain(time.Now())
	require.Len(t, *got, 1)
	require.Equal(t, []*packet.Packet{pA}, (*got)[0], "the oldest linked flow is forced to flush once MaxCap is exceeded")
	require.Equal(t, 1, s.Active())
}

func TestBypassSyn(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Passthrough = false
	cfg.Model = ModelNone
	cfg.BypassSyn = true
	s := New(cfg, emit)

	syn := mkPacket(1000, 0, "", true)
	s.Enqueue(tupleA, []*packet.Packet{syn})

	require.Len(t, *got, 1)
	require.Equal(t, []*packet.Packet{syn}, (*got)[0])
	require.Equal(t, 0, s.Active())
}

func TestBypassAfterFail(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Passthrough = false
	cfg.Model = ModelSecond
	cfg.BypassAfterFail = 2
	cfg.Delay = time.Hour
	s := New(cfg, emit)

	p1 := mkPacket(1000, 0, "a", false)
	s.Enqueue(tupleA, []*packet.Packet{p1})
	s.Drain(time.Now())
	require.Len(t, *got, 1, "first-ever burst flushes immediately under ModelSecond")

	p2 := mkPacket(1010, 0, "b", false)
	s.Enqueue(tupleA, []*packet.Packet{p2})
	require.Len(t, *got, 1, "second burst is not the first anymore, so it buffers")
	s.Drain(time.Now().Add(2 * time.Hour))
	require.Len(t, *got, 2)

	p3 := mkPacket(1020, 0, "c", false)
	s.Enqueue(tupleA, []*packet.Packet{p3})
	require.Len(t, *got, 3, "two consecutive single-packet bursts trip BypassAfterFail")
	require.Equal(t, []*packet.Packet{p3}, (*got)[2])
	require.Equal(t, 0, s.Active())
}

func TestRelease_FlushesPendingBatch(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Passthrough = false
	cfg.Model = ModelNone
	cfg.Delay = time.Hour
	s := New(cfg, emit)

	p1 := mkPacket(1000, 0, "a", false)
	s.Enqueue(tupleA, []*packet.Packet{p1})
	require.Equal(t, 1, s.Active())

	s.Release(tupleA)
	require.Len(t, *got, 1)
	require.Equal(t, []*packet.Packet{p1}, (*got)[0])
	require.Equal(t, 0, s.Active())
}

func TestDrain_PrioritySentServesBusiestFlowFirstWithinAMergedSuperframe(t *testing.T) {
	emit, got := collector()
	cfg := DefaultConfig()
	cfg.Delay = time.Hour
	cfg.BypassSyn = true
	s := New(cfg, emit)

	pA1 := mkPacket(1000, 0, "a1", false)
	s.Enqueue(tupleA, []*packet.Packet{pA1})
	pB1 := mkPacket(2000, 0, "b1", false)
	s.Enqueue(tupleB, []*packet.Packet{pB1})
	require.Len(t, *got, 2, "both flows bypass on their first-ever packet")

	pA2 := mkPacket(1010, 0, "", true)
	s.Enqueue(tupleA, []*packet.Packet{pA2})
	require.Len(t, *got, 3, "a SYN always bypasses, bumping A's packetSent ahead of B's")

	pA3 := mkPacket(1020, 0, "a3", false)
	s.Enqueue(tupleA, []*packet.Packet{pA3})
	pB2 := mkPacket(2010, 0, "b2", false)
	s.Enqueue(tupleB, []*packet.Packet{pB2})
	require.Equal(t, 2, s.Active())
	require.Len(t, *got, 3, "buffered, not emitted yet")

	s.Drain(time.Now().Add(2 * time.Hour))
	require.Len(t, *got, 4, "both ready bursts merge into one superframe")
	require.Equal(t, []*packet.Packet{pA3, pB2}, (*got)[3],
		"flow A has pushed more packets than B and PrioritySent drains it first")
	require.Equal(t, 0, s.Active())
}

func TestCompressAcks_DropsRedundantPureAcksKeepsDataAndLast(t *testing.T) {
	p1 := mkPacket(1000, 100, "hello", false)
	p2 := mkPacket(1005, 100, "", false)
	p3 := mkPacket(1005, 150, "", false)
	p4 := mkPacket(1005, 150, "world", false)

	out := compressAcks([]*packet.Packet{p1, p2, p3, p4})

	require.Equal(t, []*packet.Packet{p1, p4}, out)
	require.Equal(t, uint32(150), p1.Ack())
	require.Equal(t, uint32(150), p4.Ack())
}

func TestCompressAcks_SinglePacketBatchUnchanged(t *testing.T) {
	p1 := mkPacket(1000, 100, "hello", false)
	out := compressAcks([]*packet.Packet{p1})
	require.Equal(t, []*packet.Packet{p1}, out)
	require.Equal(t, uint32(100), p1.Ack())
}

func TestReorderBySeq_SortsOutOfOrderPackets(t *testing.T) {
	p1 := mkPacket(2000, 0, "b", false)
	p2 := mkPacket(1000, 0, "a", false)

	out, wasReordered := reorderBySeq([]*packet.Packet{p1, p2})
	require.True(t, wasReordered)
	require.Equal(t, []*packet.Packet{p2, p1}, out)
}

func TestReorderBySeq_AlreadyOrderedReportsNoReorder(t *testing.T) {
	p1 := mkPacket(1000, 0, "a", false)
	p2 := mkPacket(2000, 0, "b", false)

	out, wasReordered := reorderBySeq([]*packet.Packet{p1, p2})
	require.False(t, wasReordered)
	require.Equal(t, []*packet.Packet{p1, p2}, out)
}

func TestStats_TracksCountersAcrossActivity(t *testing.T) {
	emit, _ := collector()
	cfg := DefaultConfig()
	cfg.Delay = time.Hour
	s := New(cfg, emit)

	p1 := mkPacket(1000, 0, "hello", false)
	s.Enqueue(tupleA, []*packet.Packet{p1})

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.Pushed)
	require.Equal(t, uint64(1), stats.Sent)
	require.Equal(t, uint64(0), stats.Superframes)
	require.Equal(t, "00000000000000000000", stats.LastToken)
}
