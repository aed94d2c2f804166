package nicsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tbarbette/go-middlebox/nicsched/device"
)

type fakeReta struct {
	size  int
	table []int
}

func (f *fakeReta) RetaSize() (int, error)  { return f.size, nil }
func (f *fakeReta) GetReta() ([]int, error) { return f.table, nil }
func (f *fakeReta) SetReta(table []int) error {
	f.table = append([]int(nil), table...)
	return nil
}

func newDevice(t *testing.T, size int) (*device.Device, *fakeReta) {
	reta := &fakeReta{size: size}
	d, err := device.New(reta, nil)
	require.NoError(t, err)
	return d, reta
}

type recordingListener struct {
	pre  map[CoreID][]BucketMove
	post []CoreID
}

func newRecordingListener() *recordingListener {
	return &recordingListener{pre: make(map[CoreID][]BucketMove)}
}

func (l *recordingListener) PreMigrate(from CoreID, moves []BucketMove) {
	l.pre[from] = append(l.pre[from], moves...)
}

func (l *recordingListener) PostMigrate(from CoreID) {
	l.post = append(l.post, from)
}

func countCore(table []CoreID, c CoreID) int {
	n := 0
	for _, v := range table {
		if v == c {
			n++
		}
	}
	return n
}

func TestNew_BuildsInitialTableRoundRobinAcrossUsedCores(t *testing.T) {
	dev, _ := newDevice(t, 4)
	cfg := DefaultConfig(4)
	cfg.Policy = PolicyRSS
	s := New(cfg, dev, nil, []CoreID{10, 20}, nil)

	table := s.Table()
	require.Equal(t, []CoreID{10, 20, 10, 20}, table)
}

func TestTick_RSSRotatesNothingOnItsOwn(t *testing.T) {
	dev, reta := newDevice(t, 4)
	cfg := DefaultConfig(4)
	cfg.Policy = PolicyRSS
	s := New(cfg, dev, nil, []CoreID{10, 20}, nil)

	before := s.Table()
	require.NoError(t, s.Tick(map[CoreID]float64{10: 100, 20: 0}))
	require.Equal(t, before, s.Table())
	require.Nil(t, reta.table, "the static policy never reprograms the device on tick")
}

func TestTick_RSSRRRotatesEveryBucketToTheNextCore(t *testing.T) {
	dev, reta := newDevice(t, 4)
	listener := newRecordingListener()
	cfg := DefaultConfig(4)
	cfg.Policy = PolicyRSSRR
	s := New(cfg, dev, listener, []CoreID{10, 20}, nil)

	require.NoError(t, s.Tick(nil))

	require.Equal(t, []CoreID{20, 10, 20, 10}, s.Table())
	require.NotEmpty(t, listener.pre[10])
	require.NotEmpty(t, listener.pre[20])
	require.ElementsMatch(t, []CoreID{10, 20}, listener.post)
	require.Equal(t, []int{20, 10, 20, 10}, reta.table, "RSS-RR writes the rotated table straight through the direct RETA path")
}

func TestTick_RSSPPMovesBucketsOffTheOverloadedCore(t *testing.T) {
	dev, _ := newDevice(t, 4)
	listener := newRecordingListener()
	cfg := DefaultConfig(4)
	cfg.Policy = PolicyRSSPP
	cfg.ImbalanceAlpha = 1 // no smoothing, react to the observed load directly
	cfg.Autoscale = false
	cfg.Dancer = false
	s := New(cfg, dev, listener, []CoreID{10, 20}, nil)

	require.Equal(t, 2, countCore(s.Table(), CoreID(10)))
	require.Equal(t, 2, countCore(s.Table(), CoreID(20)))

	require.NoError(t, s.Tick(map[CoreID]float64{10: 8, 20: 0}))

	require.Equal(t, 1, countCore(s.Table(), CoreID(10)), "one bucket should have moved off the overloaded core")
	require.Equal(t, 3, countCore(s.Table(), CoreID(20)))
	require.NotEmpty(t, listener.pre[10])
	require.Contains(t, listener.post, CoreID(10))
}

func TestTick_RSSPPConvergesToNoMovesWhenAlreadyBalanced(t *testing.T) {
	dev, _ := newDevice(t, 4)
	cfg := DefaultConfig(4)
	cfg.Policy = PolicyRSSPP
	cfg.Autoscale = false
	cfg.Dancer = false
	s := New(cfg, dev, nil, []CoreID{10, 20}, nil)

	before := s.Table()
	require.NoError(t, s.Tick(map[CoreID]float64{10: 4, 20: 4}))
	require.Equal(t, before, s.Table())
}

func TestAdaptTick_GrowsOnQuietPassAndShrinksOnBadImbalance(t *testing.T) {
	dev, _ := newDevice(t, 4)
	cfg := DefaultConfig(4)
	cfg.TickMin = 10 * time.Millisecond
	cfg.TickMax = 1 * time.Second
	s := New(cfg, dev, nil, []CoreID{10}, nil)

	s.tick = 100 * time.Millisecond
	s.adaptTick(0, false)
	require.Equal(t, 200*time.Millisecond, s.tick)

	s.adaptTick(0.5, true)
	require.Equal(t, cfg.TickMin, s.tick)

	s.tick = 100 * time.Millisecond
	s.adaptTick(0.3, true)
	require.Equal(t, 50*time.Millisecond, s.tick)

	s.tick = cfg.TickMax
	s.adaptTick(0, false)
	require.Equal(t, cfg.TickMax, s.tick, "never grows past TickMax")
}

func TestScaleDown_RemovesLeastLoadedCoreAndReassignsItsBuckets(t *testing.T) {
	dev, _ := newDevice(t, 6)
	cfg := DefaultConfig(6)
	s := New(cfg, dev, nil, []CoreID{10, 20, 30}, nil)

	smoothed := map[CoreID]float64{10: 1, 20: 9, 30: 0}
	moves := make(map[CoreID][]BucketMove)
	s.scaleDown(smoothed, moves)

	require.Equal(t, []CoreID{10, 20}, s.usedCores)
	require.Equal(t, []CoreID{30}, s.availableCores)
	require.Equal(t, 0, countCore(s.table, CoreID(30)))
	require.NotEmpty(t, moves[30])
}

func TestScaleUp_PullsOneCoreFromTheAvailablePool(t *testing.T) {
	dev, _ := newDevice(t, 2)
	cfg := DefaultConfig(2)
	s := New(cfg, dev, nil, []CoreID{10}, []CoreID{99})

	s.scaleUp()

	require.Equal(t, []CoreID{10, 99}, s.usedCores)
	require.Empty(t, s.availableCores)
}

func TestScaleUp_NoopWhenPoolIsEmpty(t *testing.T) {
	dev, _ := newDevice(t, 2)
	cfg := DefaultConfig(2)
	s := New(cfg, dev, nil, []CoreID{10}, nil)

	s.scaleUp()

	require.Equal(t, []CoreID{10}, s.usedCores)
}

func TestHandleDancers_MovesASingleBucketCoreWhole(t *testing.T) {
	dev, _ := newDevice(t, 5)
	cfg := DefaultConfig(5)
	s := New(cfg, dev, nil, []CoreID{10, 20, 30}, nil)
	require.Equal(t, []CoreID{10, 20, 30, 10, 20}, s.table)
	require.Equal(t, 1, len(s.bucketsByCore()[30]), "core 30 is the only core left holding a single bucket")

	smoothed := map[CoreID]float64{10: 1, 20: 9, 30: 5}
	moves := make(map[CoreID][]BucketMove)
	s.handleDancers(smoothed, 4, moves)

	require.Equal(t, CoreID(10), s.table[2], "core 30's sole bucket is entirely its load and moves whole to the least-loaded core")
	require.Equal(t, []BucketMove{{Bucket: 2, ToCore: 10}}, moves[30])
	require.Empty(t, moves[10])
	require.Empty(t, moves[20])
}

func TestChainListeners_FansOutToEveryListener(t *testing.T) {
	a := newRecordingListener()
	b := newRecordingListener()
	chain := ChainListeners(a, b)

	moves := []BucketMove{{Bucket: 1, ToCore: 20}}
	chain.PreMigrate(10, moves)
	chain.PostMigrate(10)

	require.Equal(t, moves, a.pre[10])
	require.Equal(t, moves, b.pre[10])
	require.Equal(t, []CoreID{10}, a.post)
	require.Equal(t, []CoreID{10}, b.post)
}
