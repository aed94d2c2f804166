// Package retransmit buffers ACKed-but-unconfirmed bytes per flow
// direction and replays them on timeout or explicit retransmission,
// mirroring fastclick's circularbuffer.{cc,hh}, retransmissiontiming.{cc,hh}
// and tcpretransmitter.{cc,hh} (spec.md §3.7, §4.4).
package retransmit

import "github.com/tbarbette/go-middlebox/bytestream"

// circularBufferInitialCapacity mirrors TCPRetransmitter's
// INITIALBUFFERSIZE default.
const circularBufferInitialCapacity = 65535

// CircularBuffer is a growable ring buffer indexed by TCP sequence
// number: StartOffset is the sequence number of the first live byte,
// and the buffer holds exactly Size() contiguous bytes from there.
type CircularBuffer struct {
	buf   []byte
	start uint32 // index of the first live byte within buf
	end   uint32 // index one past the last live byte within buf
	size  uint32

	startOffset    bytestream.Seq32
	useStartOffset bool
	blank          bool
}

// NewCircularBuffer returns an empty buffer with fastclick's default
// initial capacity.
func NewCircularBuffer() *CircularBuffer {
	return &CircularBuffer{
		buf:   make([]byte, circularBufferInitialCapacity),
		blank: true,
	}
}

func (c *CircularBuffer) Size() uint32     { return c.size }
func (c *CircularBuffer) Capacity() uint32 { return uint32(len(c.buf)) }
func (c *CircularBuffer) IsBlank() bool    { return c.blank }

func (c *CircularBuffer) StartOffset() bytestream.Seq32 { return c.startOffset }

// SetStartOffset records the sequence number of the first byte that
// will be appended. Called once, the first time data is added.
func (c *CircularBuffer) SetStartOffset(offset bytestream.Seq32) {
	c.startOffset = offset
	c.useStartOffset = true
}

// increaseBufferSize grows the backing array by addSize, relocating the
// live region when it currently wraps around the end of the slice so
// the new space lands contiguously after it, exactly as the original's
// increaseBufferSize does via memmove.
func (c *CircularBuffer) increaseBufferSize(addSize uint32) {
	prevSize := uint32(len(c.buf))
	c.buf = append(c.buf, make([]byte, addSize)...)

	wraps := (c.end < c.start && c.size == 0) || (c.end <= c.start && c.size > 0)
	if wraps {
		nbElemToMove := prevSize - c.start
		newStart := c.start + addSize
		copy(c.buf[newStart:newStart+nbElemToMove], c.buf[c.start:c.start+nbElemToMove])
		c.start = newStart
	}
}

// RemoveDataAtBeginning drops every byte before newStart, advancing
// StartOffset to match.
func (c *CircularBuffer) RemoveDataAtBeginning(newStart bytestream.Seq32) {
	nbRemoved := uint32(newStart.Diff(c.startOffset))
	if nbRemoved > c.size {
		nbRemoved = c.size
	}

	if c.useStartOffset {
		c.SetStartOffset(c.startOffset.Add(int32(nbRemoved)))
	}

	c.start += nbRemoved
	if c.start >= c.Capacity() {
		c.start -= c.Capacity()
	}
	c.size -= nbRemoved
}

// AddDataAtEnd appends data, growing the buffer first if needed, and
// splitting the copy across the wrap point when the write crosses the
// end of the backing slice.
func (c *CircularBuffer) AddDataAtEnd(data []byte) {
	c.blank = false
	length := uint32(len(data))

	if c.size+length > c.Capacity() {
		c.increaseBufferSize(c.size + length - c.Capacity())
	}

	addPosition := c.end
	c.end += length
	if c.end >= c.Capacity() {
		c.end -= c.Capacity()
	}

	firstEnd := addPosition + length
	firstLen := length
	var remain uint32
	if firstEnd >= c.Capacity() {
		remain = firstEnd - c.Capacity()
		firstLen = length - remain
	}

	copy(c.buf[addPosition:addPosition+firstLen], data[:firstLen])
	if remain > 0 {
		copy(c.buf[0:remain], data[firstLen:])
	}

	c.size += length
}

// GetData returns up to length bytes starting at the given sequence
// number, clamped to what is actually buffered.
func (c *CircularBuffer) GetData(start bytestream.Seq32, length uint32) []byte {
	pos := uint32(start.Diff(c.startOffset)) + c.start
	if pos >= c.Capacity() {
		pos -= c.Capacity()
	}

	if length > c.size {
		length = c.size
	}
	out := make([]byte, length)

	firstLen := length
	var secondLen uint32
	if pos+firstLen >= c.Capacity() {
		firstLen = c.Capacity() - pos
		secondLen = length - firstLen
	}

	copy(out[:firstLen], c.buf[pos:pos+firstLen])
	if secondLen > 0 {
		copy(out[firstLen:], c.buf[0:secondLen])
	}
	return out
}
