// Package tcpio implements the entry and exit points of a TCP flow's
// path through the stack, TCPIn and TCPOut, the Go counterpart of
// tcpin.{cc,hh}/tcpout.{cc,hh}. The deep StackElement -> TCPElement ->
// IPElement inheritance chain those files build on collapses into two
// interfaces any rewriter can implement without walking a chain of
// upstream elements (spec.md §9): RewriteSink for the payload rewriter
// sitting between a TCPIn and its paired TCPOut, and FlowEgress for the
// ACK/FIN/RST emitter TCPOut itself provides.
package tcpio

import (
	"github.com/tbarbette/go-middlebox/flow"
	"github.com/tbarbette/go-middlebox/packet"
)

// RewriteSink is implemented by whoever changes a flow's byte stream
// between a TCPIn and its paired TCPOut, mirroring the five virtual
// calls every StackElement subclass used to override: remove_bytes,
// insert_bytes, request_more_packets, close_connection, packet_sent.
type RewriteSink interface {
	// RemoveBytes deletes length bytes starting at position (an offset
	// into pkt's payload) and records the deletion on pkt's in-flight
	// modification list.
	RemoveBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position, length uint32)
	// InsertBytes splices data into pkt's payload at position and
	// records the insertion on pkt's in-flight modification list.
	InsertBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position uint32, data []byte)
	// RequestMorePackets asks TCPIn to (re-)ACK pkt, forcing more data
	// out of the real sender when a rewriter needs to see further ahead
	// in the stream before it can decide what to do with pkt.
	RequestMorePackets(in *TCPIn, fcb *flow.FCB, pkt *packet.Packet, force bool)
	// CloseConnection tears down the flow, in either direction, on
	// behalf of the rewriter.
	CloseConnection(in *TCPIn, fcb *flow.FCB, pkt *packet.Packet, graceful, bothSides bool)
	// PacketSent notifies the sink that pkt has left the stack, so it
	// can release any per-packet state it was holding.
	PacketSent(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet)
}
