// Package bytestream maps between original and rewritten TCP byte-stream
// positions. It is the Go counterpart of fastclick's
// elements/middlebox/bytestreammaintainer.{cc,hh}.
package bytestream

// Seq32 is a TCP sequence or ack number compared with wrapping arithmetic:
// x is "less than" y iff the signed 32-bit difference x-y is negative.
type Seq32 uint32

// Less reports whether s precedes o in wrapping sequence order (SEQ_LT).
func (s Seq32) Less(o Seq32) bool {
	return int32(s-o) < 0
}

// Greater reports whether s follows o in wrapping sequence order (SEQ_GT).
func (s Seq32) Greater(o Seq32) bool {
	return int32(s-o) > 0
}

// LessEq reports SEQ_LEQ(s, o).
func (s Seq32) LessEq(o Seq32) bool {
	return !s.Greater(o)
}

// Add applies a signed byte offset to a sequence number, wrapping as TCP
// sequence arithmetic does.
func (s Seq32) Add(offset int32) Seq32 {
	return Seq32(int64(s) + int64(offset))
}

// Diff returns the signed wrapping distance from o to s, i.e. the offset
// that would need to be added to o to reach s.
func (s Seq32) Diff(o Seq32) int32 {
	return int32(s - o)
}

// Min returns whichever of s, o is wrapping-less.
func Min(s, o Seq32) Seq32 {
	if s.Less(o) {
		return s
	}
	return o
}

// Max returns whichever of s, o is wrapping-greater.
func Max(s, o Seq32) Seq32 {
	if s.Greater(o) {
		return s
	}
	return o
}
