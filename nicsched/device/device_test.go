package device

import (
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
)

type fakeReta struct {
	size  int
	table []int
	sets  int
}

func (f *fakeReta) RetaSize() (int, error)  { return f.size, nil }
func (f *fakeReta) GetReta() ([]int, error) { return f.table, nil }
func (f *fakeReta) SetReta(table []int) error {
	f.table = append([]int(nil), table...)
	f.sets++
	return nil
}

type fakeFlow struct {
	supportsGroups bool
	groups         map[int][]int
	activeGroup    int
	swaps          int
	marked         bool
}

func newFakeFlow(supports bool) *fakeFlow {
	return &fakeFlow{supportsGroups: supports, groups: make(map[int][]int)}
}

func (f *fakeFlow) SupportsFlowGroups() bool { return f.supportsGroups }

func (f *fakeFlow) ProgramGroup(group int, queues []int, epoch xid.ID, withMark bool) error {
	f.groups[group] = append([]int(nil), queues...)
	if withMark {
		f.marked = true
	}
	return nil
}

func (f *fakeFlow) SwapJump(newGroup int) error {
	f.activeGroup = newGroup
	f.swaps++
	return nil
}

func (f *fakeFlow) ReleaseGroup(group int) error {
	delete(f.groups, group)
	return nil
}

func TestNew_PrefersFlowRulesWhenSupported(t *testing.T) {
	reta := &fakeReta{size: 128}
	flow := newFakeFlow(true)

	d, err := New(reta, flow)
	require.NoError(t, err)
	require.True(t, d.UsesFlowRules())
}

func TestNew_FallsBackToDirectRetaWhenFlowGroupsUnsupported(t *testing.T) {
	reta := &fakeReta{size: 128}
	flow := newFakeFlow(false)

	d, err := New(reta, flow)
	require.NoError(t, err)
	require.False(t, d.UsesFlowRules())
}

func TestNew_NoWriterGivenIsAnError(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestProgram_DirectPathWritesWholeTable(t *testing.T) {
	reta := &fakeReta{size: 4}
	d, err := New(reta, nil)
	require.NoError(t, err)

	_, err = d.Program([]int{0, 1, 0, 1}, false)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 0, 1}, reta.table)
	require.Equal(t, 1, reta.sets)
}

func TestProgram_FlowPathSwapsGroupEveryCall(t *testing.T) {
	flow := newFakeFlow(true)
	d, err := New(nil, flow)
	require.NoError(t, err)

	epoch1, err := d.Program([]int{0, 1}, true)
	require.NoError(t, err)
	require.NotEmpty(t, epoch1.String())
	require.True(t, flow.marked)
	firstActive := flow.activeGroup

	epoch2, err := d.Program([]int{1, 0}, true)
	require.NoError(t, err)
	require.NotEqual(t, epoch1, epoch2)
	require.NotEqual(t, firstActive, flow.activeGroup, "every program call should swap to the other buffered group")
	require.Equal(t, 2, flow.swaps)
}
