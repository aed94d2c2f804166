package rewrite

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/flow"
	"github.com/tbarbette/go-middlebox/packet"
	"github.com/tbarbette/go-middlebox/retransmit"
	"github.com/tbarbette/go-middlebox/tcpio"
)

func newFCB() *flow.FCB {
	fcb, _ := flow.NewManager().GetOrCreate(packet.FiveTuple{
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1111, DstPort: 80,
	})
	return fcb
}

func dataPacket(seq uint32, payload string) *packet.Packet {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	tcp := &layers.TCP{SrcPort: 1111, DstPort: 80, Seq: seq, ACK: true, Window: 32120}
	return packet.New(eth, ip, tcp, []byte(payload))
}

func newIn() *tcpio.TCPIn {
	return &tcpio.TCPIn{
		Direction:     flow.Forward,
		Retransmitter: retransmit.NewRetransmitter(),
		Send:          func(*packet.Packet) error { return nil },
	}
}

func TestWordRemover_RemovesWordWithinOnePacket(t *testing.T) {
	w := &WordRemover{In: newIn(), Words: []string{"insult"}}
	fcb := newFCB()

	pkt := dataPacket(1000, "this is an insult to you")
	pkt.Annotations.LastUseful = true

	out := w.Process(fcb, flow.Forward, pkt)
	require.Len(t, out, 1)
	require.Equal(t, "this is an  to you", string(out[0].Payload))
}

func TestWordRemover_BuffersAcrossPacketsUntilMatchResolves(t *testing.T) {
	w := &WordRemover{In: newIn(), Words: []string{"insult"}}
	fcb := newFCB()

	first := dataPacket(1000, "this is an ins")
	out := w.Process(fcb, flow.Forward, first)
	require.Nil(t, out, "a prefix match at the buffer end must wait for more data")

	second := dataPacket(1014, "ult to you")
	second.Annotations.LastUseful = true
	out = w.Process(fcb, flow.Forward, second)

	require.Len(t, out, 2)
	require.Equal(t, "this is an ", string(out[0].Payload))
	require.Equal(t, " to you", string(out[1].Payload))
}

func TestWordRemover_FlushesImmediatelyWhenNoMatchPossible(t *testing.T) {
	w := &WordRemover{In: newIn(), Words: []string{"insult"}}
	fcb := newFCB()

	pkt := dataPacket(1000, "nothing to see here")
	out := w.Process(fcb, flow.Forward, pkt)

	require.Len(t, out, 1, "a packet that cannot possibly contain a match is flushed right away")
	require.Equal(t, "nothing to see here", string(out[0].Payload))
}

func TestWordRemover_CloseAfterInsultsBlocksPageAndCloses(t *testing.T) {
	in := newIn()
	out := &tcpio.TCPOut{Direction: flow.Reverse}
	in.Out = out
	w := &WordRemover{In: in, Words: []string{"insult"}, CloseAfterInsults: true}
	fcb := newFCB()
	require.NoError(t, fcb.Common.Maintainers[flow.Forward].Initialize(1000))
	require.NoError(t, fcb.Common.Maintainers[flow.Reverse].Initialize(5000))

	pkt := dataPacket(1000, "this page contains an insult")
	pkt.Annotations.InitAck = 5000
	pkt.Annotations.LastUseful = true

	result := w.Process(fcb, flow.Forward, pkt)
	require.Len(t, result, 1)
	require.Equal(t, blockedMessage, string(result[0].Payload))
	require.True(t, fcb.Common.Closing[flow.Forward] == flow.BeingClosedGraceful)
}
