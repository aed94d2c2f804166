package bytestream

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func TestMaintainer_InsertionRewrite(t *testing.T) {
	// Mirrors spec.md scenario 2: handshake at seq=101, then a rewriter
	// turns a 10-byte payload into 12 bytes via a (101, +2) modification.
	m := New()
	require.NoError(t, m.Initialize(101))

	mods := NewList()
	require.NoError(t, mods.Add(0, 101, 2))
	require.NoError(t, mods.Commit(m))

	mapped, err := m.MapAck(111)
	require.NoError(t, err)
	require.Equal(t, Seq32(113), mapped)

	mapped, err = m.MapSeq(101)
	require.NoError(t, err)
	require.Equal(t, Seq32(101), mapped, "modification at a position does not apply to a packet beginning there")

	mapped, err = m.MapSeq(113)
	require.NoError(t, err)
	require.Equal(t, Seq32(115), mapped)
}

func TestMaintainer_MapRoundTripAndMonotonicity(t *testing.T) {
	m := New()
	require.NoError(t, m.Initialize(1000))

	mods := NewList()
	require.NoError(t, mods.Add(0, 1050, 5))
	require.NoError(t, mods.Commit(m))

	for _, p := range []Seq32{1051, 1100, 2000} {
		mapped, err := m.MapSeq(p)
		require.NoError(t, err)
		require.Equal(t, p.Add(5), mapped)
	}

	a, err := m.MapSeq(1040)
	require.NoError(t, err)
	b, err := m.MapSeq(1060)
	require.NoError(t, err)
	require.True(t, a.LessEq(b))
}

func TestMaintainer_PruneThreshold(t *testing.T) {
	m := New()
	require.NoError(t, m.Initialize(0))

	mods := NewList()
	require.NoError(t, mods.Add(0, 10, 1))
	require.NoError(t, mods.Commit(m))

	before := append([]offsetNode(nil), m.treeAck.nodes...)
	for i := 0; i < PruneThreshold-1; i++ {
		require.NoError(t, m.Prune(5))
	}
	if diff := deep.Equal(before, m.treeAck.nodes); diff != nil {
		t.Fatalf("tree pruned before threshold reached: %v", diff)
	}

	require.NoError(t, m.Prune(5))
	require.Equal(t, 1, m.treeAck.len(), "node below watermark should have been pruned on the 10th call")
}

func TestMaintainer_PruneMapsAckBeforePruningAckTree(t *testing.T) {
	// The ACK watermark must be mapped through the ACK tree before that
	// tree is pruned, or the node MapAck needs is already gone and the
	// SEQ tree is pruned against the wrong (unmapped) watermark.
	m := New()
	require.NoError(t, m.Initialize(0))

	m.insertAck(10, 5)
	m.insertSeq(17, 9)

	for i := 0; i < PruneThreshold; i++ {
		require.NoError(t, m.Prune(15))
	}

	require.Equal(t, 0, m.treeAck.len(), "ack node below watermark should be pruned")
	require.Equal(t, 0, m.treeSeq.len(), "seq node below the *mapped* watermark (20) should be pruned, not just below 15")
}

func TestMaintainer_WrapAroundOrdering(t *testing.T) {
	var s Seq32 = 0xFFFFFFF0
	require.True(t, s.Less(s.Add(32)))
	require.True(t, s.Add(32).Greater(s))
}
