package flow

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/packet"
)

func tuple(srcPort, dstPort uint16) packet.FiveTuple {
	return packet.FiveTuple{
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2",
		SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort),
	}
}

func TestManager_SameFlowBothDirectionsShareOneFCB(t *testing.T) {
	m := NewManager()
	client := tuple(1234, 80)
	server := client.Reversed()

	fcb1, dir1 := m.GetOrCreate(client)
	require.Equal(t, Forward, dir1)

	fcb2, dir2 := m.GetOrCreate(server)
	require.Equal(t, Reverse, dir2, "the reverse 5-tuple must map to the same flow as Reverse")
	require.Same(t, fcb1, fcb2)
	require.Equal(t, 1, m.Count())
}

func TestManager_DistinctFlowsGetDistinctFCBs(t *testing.T) {
	m := NewManager()
	fcb1, _ := m.GetOrCreate(tuple(1111, 80))
	fcb2, _ := m.GetOrCreate(tuple(2222, 80))
	require.NotSame(t, fcb1, fcb2)
	require.Equal(t, 2, m.Count())
}

func TestManager_Release(t *testing.T) {
	m := NewManager()
	tp := tuple(1234, 80)
	m.GetOrCreate(tp)
	require.Equal(t, 1, m.Count())

	m.Release(tp)
	require.Equal(t, 0, m.Count())

	_, _, ok := m.Lookup(tp)
	require.False(t, ok)
}

func TestFCB_ModificationListIsPerDirectionAndPerSeq(t *testing.T) {
	f := newFCB(tuple(1234, 80))

	l1 := f.ModificationList(Forward, 100)
	l2 := f.ModificationList(Forward, 100)
	require.Same(t, l1, l2, "repeated lookups for the same seq return the same in-flight list")

	l3 := f.ModificationList(Reverse, 100)
	require.NotSame(t, l1, l3, "the two directions must not share a modification list keyed by the same seq")

	f.DropModificationList(Forward, 100)
	l4 := f.ModificationList(Forward, 100)
	require.NotSame(t, l1, l4, "dropping then re-requesting must allocate a fresh list")
}
