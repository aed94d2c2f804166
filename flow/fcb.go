// Package flow owns the per-connection control block shared by every
// element touching a TCP flow, and the table that maps a 5-tuple to it,
// the Go counterpart of fastclick's fcb.hh plus the global fcbArray
// simulation it documents as scaffolding never to reproduce as-is
// (spec.md §3.1, §4.6).
package flow

import (
	"sync"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/packet"
	"github.com/tbarbette/go-middlebox/retransmit"
	"github.com/tbarbette/go-middlebox/tcpreorder"
)

// Direction picks one of the two sides of a full-duplex flow. A 5-tuple
// and its Reversed() form map to the same FCB; Direction says which
// side a given packet belongs to.
type Direction int

const (
	Forward Direction = 0
	Reverse Direction = 1
)

// Opposite returns the other direction of the same flow.
func (d Direction) Opposite() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

// TcpCommon is the state every element needs to agree on for a flow:
// one ByteStreamMaintainer and one retransmission Timing per direction,
// and the per-direction teardown state, guarded by a single mutex the
// same way fcb_tcp_common's Spinlock guards all three arrays together.
type TcpCommon struct {
	mu sync.Mutex

	Maintainers [2]*bytestream.Maintainer
	Retransmit  [2]*retransmit.Timing
	Closing     [2]ClosingState
}

func newTcpCommon() *TcpCommon {
	return &TcpCommon{
		Maintainers: [2]*bytestream.Maintainer{bytestream.New(), bytestream.New()},
		Retransmit:  [2]*retransmit.Timing{retransmit.NewTiming(), retransmit.NewTiming()},
	}
}

// Lock/Unlock expose the single lock guarding the three arrays above,
// matching fcb_tcp_common's "acquire before accessing any member" rule.
func (c *TcpCommon) Lock()   { c.mu.Lock() }
func (c *TcpCommon) Unlock() { c.mu.Unlock() }

// FCB is the per-flow control block, the Go counterpart of fastclick's
// fcb struct: one instance shared by both directions of a connection,
// holding every element's per-flow state as named fields instead of
// fastclick's per-element struct zoo, so a FlowManager can size the
// whole thing in one allocation.
type FCB struct {
	Tuple  packet.FiveTuple
	Common *TcpCommon

	// Reorder holds one waiting-list reorderer per direction, indexed
	// by Direction.
	Reorder [2]*tcpreorder.Reorderer

	mu sync.Mutex
	// modLists holds the in-flight ModificationList for each packet
	// TCPIn has rewritten but TCPOut has not yet committed, keyed by
	// the packet's original sequence number, mirroring fcb_tcpin's
	// modificationLists hash table.
	modLists [2]map[uint32]*bytestream.List

	// ext is a generic extension slot for rewriter-private per-flow
	// state (e.g. a flowbuffer.FlowBuffer), so flow never needs to
	// import a rewriter package and create a cycle the way fcb.hh's
	// per-element struct fields would in a direct port.
	ext map[string]interface{}
}

// newFCB allocates a fresh control block for tuple.
func newFCB(tuple packet.FiveTuple) *FCB {
	return &FCB{
		Tuple:  tuple,
		Common: newTcpCommon(),
		Reorder: [2]*tcpreorder.Reorderer{
			tcpreorder.New(), tcpreorder.New(),
		},
		modLists: [2]map[uint32]*bytestream.List{
			make(map[uint32]*bytestream.List),
			make(map[uint32]*bytestream.List),
		},
		ext: make(map[string]interface{}),
	}
}

// ModificationList returns the in-flight modification list TCPIn
// started for the packet originally at seq in the given direction,
// creating it if this is the first rewrite touching that packet,
// mirroring fcb_tcpin's hasModificationList/getModificationList pair.
func (f *FCB) ModificationList(dir Direction, seq uint32) *bytestream.List {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.modLists[dir][seq]; ok {
		return l
	}
	l := bytestream.NewList()
	f.modLists[dir][seq] = l
	return l
}

// HasModificationList reports whether TCPIn recorded a rewrite for the
// packet originally at seq in the given direction, without creating one,
// mirroring fcb_tcpin's hasModificationList.
func (f *FCB) HasModificationList(dir Direction, seq uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.modLists[dir][seq]
	return ok
}

// DropModificationList discards the list TCPOut has just committed, so
// the map does not grow without bound across the life of a flow.
func (f *FCB) DropModificationList(dir Direction, seq uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.modLists[dir], seq)
}

// Ext returns the rewriter-private extension value stored under key,
// and whether one was present.
func (f *FCB) Ext(key string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.ext[key]
	return v, ok
}

// SetExt stores a rewriter-private extension value under key, e.g. a
// flowbuffer.FlowBuffer a RewriteSink keeps across packets of the same
// flow.
func (f *FCB) SetExt(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ext[key] = value
}
