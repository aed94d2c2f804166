package retransmit

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/packet"
)

func newTestMaintainer(t *testing.T, flowStart bytestream.Seq32) *bytestream.Maintainer {
	t.Helper()
	m := bytestream.New()
	require.NoError(t, m.Initialize(flowStart))
	m.SrcIP = net.IPv4(10, 0, 0, 1)
	m.DstIP = net.IPv4(10, 0, 0, 2)
	m.SrcPort = 1234
	m.DstPort = 80
	return m
}

func TestRetransmitter_ProcessRetransmission_RewritesSeqAndAck(t *testing.T) {
	m := newTestMaintainer(t, 1000)
	opp := newTestMaintainer(t, 5000)

	mods := bytestream.NewList()
	require.NoError(t, mods.Add(0, 1050, 3))
	require.NoError(t, mods.Commit(m))

	opp.SetLastAckSent(bytestream.Seq32(1000))

	timing := NewTiming()
	buffer := timing.EnsureBuffer()
	buffer.SetStartOffset(1103)
	buffer.AddDataAtEnd([]byte("ABCDEFGHIJ"))

	fs := FlowState{Maintainer: m, Opposite: opp, Timing: timing, Closed: func() bool { return false }}

	eth, ip, tcp := rawLayers()
	tcp.Seq = 1100
	tcp.Ack = 5050
	tcp.ACK = true
	pkt := packet.New(eth, ip, tcp, []byte("0123456789"))

	r := NewRetransmitter()
	out, err := r.ProcessRetransmission(fs, pkt)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, uint32(1103), out.Seq())
	require.Equal(t, uint32(5050), out.Ack())
	require.Equal(t, []byte("ABCDEFGHIJ"), out.Payload)
}

func TestRetransmitter_ProcessRetransmission_DropsStaleData(t *testing.T) {
	m := newTestMaintainer(t, 1000)
	opp := newTestMaintainer(t, 5000)
	opp.SetLastAckSent(bytestream.Seq32(2000))

	fs := FlowState{Maintainer: m, Opposite: opp, Timing: NewTiming(), Closed: func() bool { return false }}

	eth, ip, tcp := rawLayers()
	tcp.Seq = 1500 // precedes lastAckSent: peer must have lost our ACK
	tcp.ACK = true
	pkt := packet.New(eth, ip, tcp, []byte("stale"))

	r := NewRetransmitter()
	out, err := r.ProcessRetransmission(fs, pkt)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestGetMaxAmountData_ClampsToCongestionWindow(t *testing.T) {
	m := newTestMaintainer(t, 1000)
	opp := newTestMaintainer(t, 5000)
	m.SetCongestionWindow(100)
	opp.SetWindowSize(10000)

	fs := FlowState{Maintainer: m, Opposite: opp, Timing: NewTiming(), Closed: func() bool { return false }}

	require.Equal(t, uint32(100), getMaxAmountData(fs, 500, true))
	require.Equal(t, uint32(0), getMaxAmountData(fs, 500, false))
	require.Equal(t, uint32(50), getMaxAmountData(fs, 50, true))
}

func TestGetMaxAmountData_ClampsToReceiverWindow(t *testing.T) {
	m := newTestMaintainer(t, 1000)
	opp := newTestMaintainer(t, 5000)
	m.SetCongestionWindow(100000)
	opp.SetWindowSize(200)
	opp.SetUseWindowScale(true)
	opp.SetWindowScale(4) // effective window 800

	fs := FlowState{Maintainer: m, Opposite: opp, Timing: NewTiming(), Closed: func() bool { return false }}

	require.Equal(t, uint32(800), getMaxAmountData(fs, 5000, true))
}

func TestRetransmitter_DataToRetransmit(t *testing.T) {
	m := newTestMaintainer(t, 1000)
	opp := newTestMaintainer(t, 5000)
	opp.SetLastAckSent(bytestream.Seq32(1200))
	opp.SetLastAckReceived(bytestream.Seq32(1100))

	timing := NewTiming()
	buffer := timing.EnsureBuffer()
	buffer.SetStartOffset(1100)
	buffer.AddDataAtEnd([]byte("0123456789"))

	fs := FlowState{Maintainer: m, Opposite: opp, Timing: timing, Closed: func() bool { return false }}

	r := NewRetransmitter()
	ok, err := r.DataToRetransmit(fs)
	require.NoError(t, err)
	require.True(t, ok, "buffer start precedes mapped lastAckSent, so unconfirmed data remains")
}

func rawLayers() (*layers.Ethernet, *layers.IPv4, *layers.TCP) {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80}
	return eth, ip, tcp
}
