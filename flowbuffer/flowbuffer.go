// Package flowbuffer implements the per-flow queue of packets a
// RewriteSink holds onto while it waits for enough of the byte stream
// to decide what to do with it, plus the cross-packet content search,
// removal and replacement built on top of that queue, the Go
// counterpart of flowbuffer.{hh,cc}.
package flowbuffer

import (
	"github.com/tbarbette/go-middlebox/flow"
	"github.com/tbarbette/go-middlebox/packet"
)

// Owner performs the actual byte-stream splice Remove and Replace need,
// satisfied by *tcpio.TCPIn. Kept as a small interface here instead of
// importing tcpio directly, so flowbuffer never needs to know about the
// rest of the rewrite-chain collapse described in tcpio's doc comment.
type Owner interface {
	ContentOffset(pkt *packet.Packet) uint32
	RemoveBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position, length uint32)
	InsertBytes(fcb *flow.FCB, dir flow.Direction, pkt *packet.Packet, position uint32, data []byte)
}

// entry is one queued packet, doubly linked the way flowBufferEntry is.
type entry struct {
	pkt  *packet.Packet
	prev *entry
	next *entry
}

// FlowBuffer is the ordered, per-flow queue of packets a RewriteSink is
// still holding onto, together with the byte-granular view over their
// concatenated payloads that Search, Remove and Replace operate on.
type FlowBuffer struct {
	Owner Owner
	Dir   flow.Direction

	head *entry
	tail *entry
}

// New returns an empty FlowBuffer splicing bytes through owner, for the
// given direction of a flow.
func New(owner Owner, dir flow.Direction) *FlowBuffer {
	return &FlowBuffer{Owner: owner, Dir: dir}
}

// Enqueue appends pkt to the buffer, mirroring FlowBuffer::enqueue.
func (b *FlowBuffer) Enqueue(pkt *packet.Packet) {
	e := &entry{pkt: pkt}
	if b.tail == nil {
		b.head, b.tail = e, e
		return
	}
	e.prev = b.tail
	b.tail.next = e
	b.tail = e
}

// Dequeue removes and returns the oldest buffered packet, or nil if the
// buffer is empty, mirroring FlowBuffer::dequeue. rewrite.WordRemover
// calls this from Process to hand every flushed packet onward.
func (b *FlowBuffer) Dequeue() *packet.Packet {
	if b.head == nil {
		return nil
	}
	e := b.head
	b.head = e.next
	if b.head != nil {
		b.head.prev = nil
	} else {
		b.tail = nil
	}
	return e.pkt
}

// Empty reports whether the buffer holds no packets.
func (b *FlowBuffer) Empty() bool {
	return b.head == nil
}

// ContentLen returns the total number of buffered content bytes across
// every queued packet.
func (b *FlowBuffer) ContentLen() uint32 {
	var n uint32
	for e := b.head; e != nil; e = e.next {
		n += uint32(len(e.pkt.Payload)) - b.Owner.ContentOffset(e.pkt)
	}
	return n
}

// Position addresses one byte of the buffered content, spanning packet
// boundaries the same way FlowBufferContentIter does. The zero value is
// the one-past-the-end sentinel content_end() returns.
type Position struct {
	e              *entry
	offsetInPacket uint32
}

// AtEnd reports whether pos is the one-past-the-end sentinel.
func (p Position) AtEnd() bool {
	return p.e == nil
}

// Start returns the position of the first buffered byte, or the end
// sentinel if nothing is queued.
func (b *FlowBuffer) Start() Position {
	if b.head == nil {
		return Position{}
	}
	return Position{e: b.head, offsetInPacket: b.Owner.ContentOffset(b.head.pkt)}
}

// advance moves pos forward by one byte, crossing into the next queued
// packet's content when the current one is exhausted, mirroring
// FlowBufferContentIter::operator++.
func (b *FlowBuffer) advance(pos Position) Position {
	if pos.e == nil {
		return pos
	}
	pos.offsetInPacket++
	if pos.offsetInPacket >= uint32(len(pos.e.pkt.Payload)) {
		pos.e = pos.e.next
		if pos.e != nil {
			pos.offsetInPacket = b.Owner.ContentOffset(pos.e.pkt)
		} else {
			pos.offsetInPacket = 0
		}
	}
	return pos
}

func (b *FlowBuffer) byteAt(pos Position) (byte, bool) {
	if pos.e == nil || pos.offsetInPacket >= uint32(len(pos.e.pkt.Payload)) {
		return 0, false
	}
	return pos.e.pkt.Payload[pos.offsetInPacket], true
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// Search looks for pattern, matched case-insensitively, in the buffered
// content starting at start. It returns the position of the first match
// and 1 when pattern was found whole, the position where a partial
// match running to the end of the buffer starts and 0 when more
// packets could still complete it, or the end
// position and -1 when pattern cannot appear in what is buffered at
// all, mirroring FlowBuffer::search's feedback values.
func (b *FlowBuffer) Search(start Position, pattern string) (Position, int) {
	if len(pattern) == 0 {
		return start, 1
	}

	for cand := start; !cand.AtEnd(); cand = b.advance(cand) {
		p := cand
		matched := 0
		for matched < len(pattern) {
			c, ok := b.byteAt(p)
			if !ok {
				return cand, 0
			}
			if toLower(c) != toLower(pattern[matched]) {
				break
			}
			matched++
			p = b.advance(p)
		}
		if matched == len(pattern) {
			return cand, 1
		}
	}
	return Position{}, -1
}

// SearchInFlow looks for pattern across the entire buffered content,
// the public entry point equivalent to searchInFlow: 1 found, 0
// inconclusive (wait for more packets), -1 not found.
func (b *FlowBuffer) SearchInFlow(pattern string) (Position, int) {
	return b.Search(b.Start(), pattern)
}

// Remove deletes length bytes of buffered content starting at pos,
// splicing each affected queued packet's payload through Owner,
// potentially spanning several packets, mirroring FlowBuffer::remove.
func (b *FlowBuffer) Remove(fcb *flow.FCB, pos Position, length uint32) {
	remaining := length
	e := pos.e
	offset := pos.offsetInPacket

	for remaining > 0 && e != nil {
		contentOffset := b.Owner.ContentOffset(e.pkt)
		available := uint32(len(e.pkt.Payload)) - offset
		take := remaining
		if take > available {
			take = available
		}

		b.Owner.RemoveBytes(fcb, b.Dir, e.pkt, offset-contentOffset, take)
		remaining -= take

		e = e.next
		if e != nil {
			offset = b.Owner.ContentOffset(e.pkt)
		}
	}
}

// Insert splices data into the buffered content at pos, which must fall
// within a single queued packet, mirroring the owner->insertBytes call
// insertInFlow makes.
func (b *FlowBuffer) Insert(fcb *flow.FCB, pos Position, data []byte) {
	if pos.e == nil || len(data) == 0 {
		return
	}
	offset := pos.offsetInPacket - b.Owner.ContentOffset(pos.e.pkt)
	b.Owner.InsertBytes(fcb, b.Dir, pos.e.pkt, offset, data)
}

// Replace overwrites the length bytes of buffered content at pos with
// replacement: the bytes common to both are written in place through
// the content view, any replacement bytes beyond length are spliced in
// with Insert, and any excess length beyond len(replacement) is dropped
// with Remove, mirroring FlowBuffer::replaceInFlow.
func (b *FlowBuffer) Replace(fcb *flow.FCB, pos Position, length uint32, replacement []byte) {
	common := int(length)
	if len(replacement) < common {
		common = len(replacement)
	}

	p := pos
	var lastWritten *entry
	for i := 0; i < common; i++ {
		p.e.pkt.Payload[p.offsetInPacket] = replacement[i]
		lastWritten = p.e
		p = b.advance(p)
	}

	switch {
	case len(replacement) > int(length):
		extra := replacement[common:]
		if !p.AtEnd() {
			b.Insert(fcb, p, extra)
			break
		}
		// The matched region ran exactly to the tail of the last
		// queued packet, so there is no following entry for Insert to
		// attach to; append the extra replacement bytes to that last
		// packet's content directly instead of dropping them.
		if lastWritten == nil {
			lastWritten = b.tail
		}
		if lastWritten != nil {
			contentOffset := b.Owner.ContentOffset(lastWritten.pkt)
			tailPosition := uint32(len(lastWritten.pkt.Payload)) - contentOffset
			b.Owner.InsertBytes(fcb, b.Dir, lastWritten.pkt, tailPosition, extra)
		}
	case int(length) > len(replacement):
		b.Remove(fcb, p, length-uint32(common))
	}
}

// dirKey namespaces the fcb extension-slot key a FlowBuffer is normally
// stored under by direction, so both sides of a flow can keep their own.
func dirKey(dir flow.Direction) string {
	if dir == flow.Forward {
		return "flowbuffer.forward"
	}
	return "flowbuffer.reverse"
}

// Get returns the FlowBuffer previously stored on fcb for dir, or nil
// if none has been created yet.
func Get(fcb *flow.FCB, dir flow.Direction) *FlowBuffer {
	if v, ok := fcb.Ext(dirKey(dir)); ok {
		if fb, ok := v.(*FlowBuffer); ok {
			return fb
		}
	}
	return nil
}

// GetOrCreate returns the FlowBuffer stored on fcb for dir, creating and
// storing a fresh one splicing through owner the first time a
// RewriteSink asks for it.
func GetOrCreate(fcb *flow.FCB, dir flow.Direction, owner Owner) *FlowBuffer {
	if fb := Get(fcb, dir); fb != nil {
		return fb
	}
	fb := New(owner, dir)
	fcb.SetExt(dirKey(dir), fb)
	return fb
}
