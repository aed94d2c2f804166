package bytestream

import (
	"sort"

	"github.com/pkg/errors"
)

// Modification is one (first-position-in-packet, absolute-position,
// offset) triple describing a single insertion (Offset > 0) or deletion
// (Offset < 0), as produced by TCPIn.InsertBytes/RemoveBytes (§3.3).
type Modification struct {
	// FirstPositionInPacket is the byte offset, within the packet that
	// carried this modification, where the rewrite begins.
	FirstPositionInPacket uint32
	// AbsolutePosition is the flow-relative byte-stream position (the
	// key later inserted into the maintainer's trees).
	AbsolutePosition Seq32
	// Offset is the signed byte delta: positive for an insertion,
	// negative for a deletion.
	Offset int32
}

// List is the scratch list of modifications accumulated for a single
// packet while it travels between TCPIn and TCPOut. It is the Go
// counterpart of fastclick's ModificationList; TCPOut commits it into
// the direction's Maintainer and then freezes it.
type List struct {
	mods   []Modification
	frozen bool
}

// NewList returns an empty, unfrozen modification list.
func NewList() *List {
	return &List{}
}

// Add records one modification, merging it with the previous entry when
// the two describe adjacent or overlapping deletions so that a
// multi-step removal collapses into a single tree node on commit.
func (l *List) Add(firstPositionInPacket uint32, absolutePosition Seq32, offset int32) error {
	if l.frozen {
		return errors.New("bytestream: modification list already committed")
	}

	if n := len(l.mods); n > 0 {
		last := &l.mods[n-1]
		if offset < 0 && last.Offset < 0 {
			// Two deletions merge when the new one starts where the
			// previous one's deleted region ended (adjacent) or before
			// it ends (overlapping).
			lastEnd := last.AbsolutePosition.Add(-last.Offset)
			if absolutePosition.LessEq(lastEnd) {
				newEnd := Max(lastEnd, absolutePosition.Add(-offset))
				last.Offset = -int32(newEnd - last.AbsolutePosition)
				return nil
			}
		}
	}

	l.mods = append(l.mods, Modification{
		FirstPositionInPacket: firstPositionInPacket,
		AbsolutePosition:      absolutePosition,
		Offset:                offset,
	})
	return nil
}

// Modifications returns a copy of the accumulated triples (after
// merging), sorted by AbsolutePosition.
func (l *List) Modifications() []Modification {
	out := append([]Modification(nil), l.mods...)
	sort.Slice(out, func(i, j int) bool { return out[i].AbsolutePosition.Less(out[j].AbsolutePosition) })
	return out
}

// NetOffset returns the sum of every recorded offset, i.e. the net change
// in packet length the list describes.
func (l *List) NetOffset() int32 {
	var total int32
	for _, m := range l.mods {
		total += m.Offset
	}
	return total
}

// Empty reports whether any modification was recorded.
func (l *List) Empty() bool { return len(l.mods) == 0 }

// Commit inserts every recorded triple into maintainer's ACK and SEQ
// trees and freezes the list against further additions. It mirrors
// ModificationList::commit(ByteStreamMaintainer&).
func (l *List) Commit(m *Maintainer) error {
	if l.frozen {
		return errors.New("bytestream: modification list already committed")
	}
	for _, mod := range l.mods {
		m.insertAck(mod.AbsolutePosition, mod.Offset)
		m.insertSeq(mod.AbsolutePosition, mod.Offset)
	}
	l.frozen = true
	return nil
}

// Frozen reports whether Commit has already been called.
func (l *List) Frozen() bool { return l.frozen }
