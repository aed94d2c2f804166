// Package tcpreorder reassembles packets arriving out of sequence-number
// order into the expected stream order before anything downstream
// touches their payload, the Go counterpart of fastclick's
// tcpreorder.{cc,hh} (spec.md §3.5, §4.1).
package tcpreorder

import (
	"sort"
	"sync"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/metrics"
	"github.com/tbarbette/go-middlebox/packet"
)

// Reorderer holds one flow direction's out-of-order waiting list and
// the next sequence number it expects, the Go counterpart of
// fcb_tcpreorder. It is safe for concurrent use: flows may be touched
// from more than one worker when a NIC rebalance migrates them
// mid-flight (spec.md §4.8).
type Reorderer struct {
	mu sync.Mutex

	waiting     []*packet.Packet
	expectedSeq bytestream.Seq32
	haveFirst   bool

	// MergeSort records TCPReorder's MERGESORT configuration knob
	// (true by default). The Reorderer itself does not read it:
	// ProcessBatch always stably sorts and drains, and ProcessPacket is
	// the one-packet-at-a-time path.
	MergeSort bool
}

// New returns a Reorderer with merge-sort batch processing enabled,
// TCPReorder's default.
func New() *Reorderer {
	return &Reorderer{MergeSort: true}
}

// Result is the outcome of feeding one batch through the reorderer.
type Result struct {
	// InOrder holds every packet now eligible for delivery, in
	// ascending sequence order, with no gaps before it.
	InOrder *packet.Batch
	// Retransmissions holds packets whose sequence number precedes
	// what the reorderer still expects: exact duplicates of data
	// already delivered downstream.
	Retransmissions *packet.Batch
}

// ProcessBatch feeds every packet in batch through the reorderer,
// mirroring processPacketBatch (mergeSort path): each packet is
// classified (first-packet reset, retransmission, or waiting-list
// candidate), the waiting list is stably sorted by sequence number, and
// the longest eligible ascending run with no gap is drained and
// returned.
func (r *Reorderer) ProcessBatch(batch *packet.Batch) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	retransmissions := packet.NewBatch()

	batch.Each(func(p *packet.Packet) {
		r.checkFirstPacket(p)

		if bytestream.Seq32(p.Seq()).Less(r.expectedSeq) {
			retransmissions.Append(p)
			return
		}
		r.waiting = append(r.waiting, p)
	})

	sort.SliceStable(r.waiting, func(i, j int) bool {
		return bytestream.Seq32(r.waiting[i].Seq()).Less(bytestream.Seq32(r.waiting[j].Seq()))
	})

	return Result{InOrder: r.drainEligible(), Retransmissions: retransmissions}
}

// ProcessPacket is the non-merge-sort path: each packet is classified
// and, if eligible, delivered immediately without waiting for batch
// boundaries. It mirrors processPacket.
func (r *Reorderer) ProcessPacket(p *packet.Packet) (eligible *packet.Batch, retransmission bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkFirstPacket(p)

	if bytestream.Seq32(p.Seq()).Less(r.expectedSeq) {
		return packet.NewBatch(), true
	}

	r.waiting = insertSorted(r.waiting, p)
	return r.drainEligible(), false
}

// insertSorted inserts p into a slice already sorted by sequence
// number, preserving order in O(n).
func insertSorted(list []*packet.Packet, p *packet.Packet) []*packet.Packet {
	seq := bytestream.Seq32(p.Seq())
	idx := sort.Search(len(list), func(i int) bool {
		return bytestream.Seq32(list[i].Seq()).Greater(seq) || bytestream.Seq32(list[i].Seq()) == seq
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = p
	return list
}

// drainEligible walks the sorted waiting list from the front, emitting
// every packet that continues the expected stream with no gap, exactly
// as sendEligiblePackets does. A packet that starts before expectedSeq
// after a gap signals the source re-split a retransmission differently;
// the remainder of the list is discarded (it will arrive again,
// correctly aligned). Must be called with mu held.
func (r *Reorderer) drainEligible() *packet.Batch {
	out := packet.NewBatch()

	for len(r.waiting) > 0 {
		p := r.waiting[0]
		seq := bytestream.Seq32(p.Seq())

		if seq.Less(r.expectedSeq) {
			// Overlaps a packet already delivered: the source
			// retransmitted with a different split. Drop everything
			// still waiting; it will come back re-aligned.
			metrics.ReordererDroppedPackets.Add(float64(len(r.waiting)))
			r.waiting = nil
			break
		}
		if seq != r.expectedSeq {
			// Gap: nothing more to drain until it's filled.
			break
		}

		r.expectedSeq = nextSeq(p)
		out.Append(p)
		r.waiting = r.waiting[1:]
	}

	metrics.ReordererPending.Observe(float64(len(r.waiting)))
	return out
}

// checkFirstPacket resets the expected sequence number and discards any
// waiting packets when a SYN starts (or restarts) the stream, mirroring
// checkFirstPacket.
func (r *Reorderer) checkFirstPacket(p *packet.Packet) {
	if !p.IsSYN() {
		return
	}
	r.expectedSeq = bytestream.Seq32(p.Seq())
	r.haveFirst = true
	r.waiting = nil
}

// nextSeq returns the sequence number one past p's payload, accounting
// for SYN/FIN consuming one sequence number each, mirroring
// getNextSequenceNumber.
func nextSeq(p *packet.Packet) bytestream.Seq32 {
	return bytestream.Seq32(p.Seq()).Add(int32(p.SeqSpan()))
}

// ExpectedSeq returns the sequence number the reorderer is currently
// waiting for.
func (r *Reorderer) ExpectedSeq() bytestream.Seq32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectedSeq
}

// Pending returns how many packets are currently buffered waiting for a
// gap to close.
func (r *Reorderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}
