// Package rewrite implements a reference RewriteSink: a word-removal
// rewriter that buffers a flow's payload, deletes every occurrence of a
// configured list of words from it, and optionally blocks the page and
// tears down the connection once it has found one, the Go counterpart
// of insultremover.{cc,hh}.
package rewrite

import (
	"github.com/tbarbette/go-middlebox/flow"
	"github.com/tbarbette/go-middlebox/flowbuffer"
	"github.com/tbarbette/go-middlebox/packet"
	"github.com/tbarbette/go-middlebox/printer"
	"github.com/tbarbette/go-middlebox/tcpio"
)

// blockedMessage replaces a page's content once an insult has been
// found and CloseAfterInsults is set, mirroring the behavior
// insultremover.hh's CLOSECONNECTION option documents.
const blockedMessage = "This page has been blocked because it contains insults.\n"

// WordRemover buffers one direction's byte stream and deletes every
// occurrence of Words from it, mirroring InsultRemover::processPacket.
// One instance is shared by both directions of a flow; per-flow,
// per-direction buffering state lives in flow.FCB's extension slot via
// flowbuffer.GetOrCreate, not in this struct.
type WordRemover struct {
	// In is this direction's TCPIn, used both to perform the actual
	// payload splice (WordRemover satisfies flowbuffer.Owner by
	// delegating straight to it) and to force a re-ACK when more data
	// is needed before a match can be ruled out.
	In *tcpio.TCPIn

	// Words lists the case-insensitive substrings to delete from the
	// byte stream, mirroring the hard-coded "and"/"astronomical" calls
	// removeInsult made.
	Words []string

	// CloseAfterInsults, when set, replaces the flushed content with
	// blockedMessage and closes the connection the first time any word
	// is removed, instead of only deleting the matched text.
	CloseAfterInsults bool

	removed int
	closed  bool
}

var _ tcpio.RewriteSink = (*WordRemover)(nil)

// ContentOffset implements flowbuffer.Owner by delegating to In.
func (w *WordRemover) ContentOffset(pkt *packet.Packet) uint32 {
	return w.In.ContentOffset(pkt)
}

// RemoveBytes implements tcpio.RewriteSink and flowbuffer.Owner by
// delegating to the real splice TCPIn performs.
func (w *WordRemover) RemoveBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position, length uint32) {
	w.In.RemoveBytes(fcb, dir, pkt, position, length)
}

// InsertBytes implements tcpio.RewriteSink and flowbuffer.Owner by
// delegating to the real splice TCPIn performs.
func (w *WordRemover) InsertBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position uint32, data []byte) {
	w.In.InsertBytes(fcb, dir, pkt, position, data)
}

// RequestMorePackets implements tcpio.RewriteSink.
func (w *WordRemover) RequestMorePackets(in *tcpio.TCPIn, fcb *flow.FCB, pkt *packet.Packet, force bool) {
	in.RequestMorePackets(fcb, pkt, force)
}

// CloseConnection implements tcpio.RewriteSink.
func (w *WordRemover) CloseConnection(in *tcpio.TCPIn, fcb *flow.FCB, pkt *packet.Packet, graceful, bothSides bool) {
	in.CloseConnection(fcb, pkt, graceful, bothSides)
}

// PacketSent implements tcpio.RewriteSink. It is a no-op here: Process
// dequeues and hands onward every packet it flushes itself, so nothing
// is left pending by the time TCPOut would report it sent.
func (w *WordRemover) PacketSent(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet) {}

// Process runs one packet already through TCPIn against the buffered
// byte stream, returning every packet now ready to continue on toward
// TCPOut, or nil while more data must still arrive before a partial
// match at the end of the buffer can be resolved, mirroring
// InsultRemover::processPacket.
func (w *WordRemover) Process(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet) []*packet.Packet {
	fb := flowbuffer.GetOrCreate(fcb, dir, w)

	if pkt.PayloadLen() == 0 {
		return []*packet.Packet{pkt}
	}

	fb.Enqueue(pkt)

	needMorePackets := false
	for _, word := range w.Words {
		if w.removeWord(fcb, fb, word) == 0 {
			needMorePackets = true
		}
	}

	if w.CloseAfterInsults && w.removed > 0 && !w.closed {
		w.closed = true
		w.blockPage(fcb, fb)
		w.In.CloseConnection(fcb, pkt, true, true)
	}

	if needMorePackets && !pkt.Annotations.LastUseful {
		w.In.RequestMorePackets(fcb, pkt, false)
		return nil
	}

	printer.Infoln("rewrite: flushing buffered packets")
	var out []*packet.Packet
	for {
		p := fb.Dequeue()
		if p == nil {
			break
		}
		out = append(out, p)
	}
	return out
}

// removeWord deletes every occurrence of word from fb, returning the
// feedback of the last, non-matching search: 1 is never returned since
// a full match is immediately deleted and searched for again, -1 means
// word cannot appear at all in what's buffered, 0 means a prefix of
// word reaches the end of the buffer and more packets are needed.
func (w *WordRemover) removeWord(fcb *flow.FCB, fb *flowbuffer.FlowBuffer, word string) int {
	for {
		pos, feedback := fb.SearchInFlow(word)
		if feedback != 1 {
			return feedback
		}
		fb.Remove(fcb, pos, uint32(len(word)))
		w.removed++
	}
}

// blockPage overwrites the entire buffered page with blockedMessage,
// mirroring the content-replacement insultremover.hh's CLOSECONNECTION
// option documents.
func (w *WordRemover) blockPage(fcb *flow.FCB, fb *flowbuffer.FlowBuffer) {
	start := fb.Start()
	if start.AtEnd() {
		return
	}
	fb.Replace(fcb, start, fb.ContentLen(), []byte(blockedMessage))
}
