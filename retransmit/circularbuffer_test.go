package retransmit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/bytestream"
)

func TestCircularBuffer_AddAndGet(t *testing.T) {
	buf := NewCircularBuffer()
	require.True(t, buf.IsBlank())

	buf.SetStartOffset(1000)
	buf.AddDataAtEnd([]byte("hello world"))
	require.False(t, buf.IsBlank())
	require.Equal(t, uint32(11), buf.Size())

	require.Equal(t, []byte("hello"), buf.GetData(1000, 5))
	require.Equal(t, []byte("world"), buf.GetData(1006, 5))
}

func TestCircularBuffer_RemoveDataAtBeginning(t *testing.T) {
	buf := NewCircularBuffer()
	buf.SetStartOffset(0)
	buf.AddDataAtEnd([]byte("0123456789"))

	buf.RemoveDataAtBeginning(bytestream.Seq32(4))
	require.Equal(t, uint32(6), buf.Size())
	require.Equal(t, []byte("456789"), buf.GetData(4, 6))
}

func TestCircularBuffer_WrapsAroundAfterGrowth(t *testing.T) {
	buf := &CircularBuffer{buf: make([]byte, 8), blank: true}
	buf.SetStartOffset(0)

	buf.AddDataAtEnd([]byte("abcdef")) // start=0 end=6
	buf.RemoveDataAtBeginning(4)       // start=4 end=6, size=2
	buf.AddDataAtEnd([]byte("gh"))     // fills to capacity: end wraps to 0
	require.Equal(t, uint32(4), buf.Size())
	require.Equal(t, []byte("efgh"), buf.GetData(4, 4))

	// Growing past capacity while the live region wraps must relocate
	// data instead of corrupting it.
	buf.AddDataAtEnd([]byte("ijklmnop"))
	require.Equal(t, uint32(12), buf.Size())
	require.Equal(t, []byte("efghijklmnop"), buf.GetData(4, 12))
}

func TestCircularBuffer_GetDataWrapsWhenStartAdvancedPastCapacity(t *testing.T) {
	buf := &CircularBuffer{buf: make([]byte, 8), blank: true}
	buf.SetStartOffset(0)

	buf.AddDataAtEnd([]byte("abcdefgh")) // start=0 end=0 (wraps), size=8
	buf.RemoveDataAtBeginning(6)         // start=6, startOffset=6, size=2
	buf.AddDataAtEnd([]byte("ij"))       // overwrites buf[0:2], size=4

	// start(6) + diff(9-6)=3 is 9, past capacity(8): GetData must wrap
	// the computed index back into the buffer instead of indexing past
	// the end of buf or underflowing firstLen.
	require.Equal(t, []byte("j"), buf.GetData(9, 1))
	require.Equal(t, []byte("gh"), buf.GetData(6, 2))
	require.Equal(t, []byte("ghij"), buf.GetData(6, 4))
}
