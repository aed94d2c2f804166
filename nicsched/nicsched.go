// Package nicsched rebalances a NIC's RSS indirection table across a
// pool of CPU cores, the Go counterpart of fastclick's NICScheduler and
// its RSS/RSS-RR/RSS++ balance methods (spec.md §4.8). It owns the set
// of cores currently receiving traffic, periodically recomputes the
// bucket-to-core assignment from observed per-core load, and drives the
// migration fence (pre_migrate/RETA write/post_migrate) that lets the
// upper layer move flow state safely across the switch.
package nicsched

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/tbarbette/go-middlebox/metrics"
	"github.com/tbarbette/go-middlebox/nicsched/device"
	"github.com/tbarbette/go-middlebox/nicsched/solver"
	"github.com/tbarbette/go-middlebox/printer"
)

// CoreID identifies a physical CPU core eligible to receive RSS traffic.
type CoreID int

// BucketMove describes one RETA bucket being reassigned to a new core,
// the argument fastclick's pre_migrate/post_migrate pair is invoked with.
type BucketMove struct {
	Bucket int
	ToCore CoreID
}

// MigrationListener is the hook through which the upper layer
// coordinates flow-table shard migration with an RETA switch, mirroring
// fastclick's MigrationListener pure interface.
type MigrationListener interface {
	// PreMigrate is called once per source core with its outgoing
	// moves before the RETA is reprogrammed. A bucket's flows are
	// still safe to consume on fromCore up to this call.
	PreMigrate(fromCore CoreID, moves []BucketMove)
	// PostMigrate is called once per source core after the RETA write
	// completes. From this point the bucket's flows arrive on the new
	// core.
	PostMigrate(fromCore CoreID)
}

// chainListeners fans PreMigrate/PostMigrate out to every attached
// listener in registration order, mirroring how pathmerger.cc merges
// several upstream accounting paths into one call site.
type chainListeners struct {
	listeners []MigrationListener
}

// ChainListeners composes several migration listeners (for instance a
// flow-table shard migrator and a metrics recorder) into one, so a
// NICScheduler need only hold a single MigrationListener reference.
func ChainListeners(listeners ...MigrationListener) MigrationListener {
	return &chainListeners{listeners: listeners}
}

func (c *chainListeners) PreMigrate(fromCore CoreID, moves []BucketMove) {
	for _, l := range c.listeners {
		l.PreMigrate(fromCore, moves)
	}
}

func (c *chainListeners) PostMigrate(fromCore CoreID) {
	for _, l := range c.listeners {
		l.PostMigrate(fromCore)
	}
}

// Policy selects how the RETA is recomputed on each tick.
type Policy int

const (
	// PolicyRSS computes the table once at New as i mod n and never
	// touches it again; it does not write the table to the device.
	PolicyRSS Policy = iota
	// PolicyRSSRR rotates every bucket to the next core on every tick,
	// regardless of observed load.
	PolicyRSSRR
	// PolicyRSSPP adapts the table to observed per-core load: the
	// default, fastclick's RSS++.
	PolicyRSSPP
)

// Config holds the policy-dependent tuning knobs named in spec.md §6.6.
type Config struct {
	Policy Policy

	TickMin time.Duration
	TickMax time.Duration

	// TargetLoad is the per-core load RSS++ aims to converge every
	// core toward; it defaults to the mean observed load each tick
	// when left at zero.
	TargetLoad float64
	// Threshold is how far from TargetLoad a core's load must be to
	// count as underloaded/overloaded.
	Threshold float64
	// ImbalanceAlpha is the EWMA smoothing factor applied to observed
	// load: L' = alpha*L + (1-alpha)*L'_prev.
	ImbalanceAlpha float64

	Dancer    bool
	NUMA      bool
	Autoscale bool

	// Buckets is the RETA table size (the number of RSS indirection
	// entries), typically 128/256/512.
	Buckets int
	// WithMark requests the flow-rule mark action on devices that use
	// the flow-group RETA path.
	WithMark bool
}

// DefaultConfig returns RSS++'s defaults, matching fastclick's NICScheduler.
func DefaultConfig(buckets int) Config {
	return Config{
		Policy:         PolicyRSSPP,
		TickMin:        10 * time.Millisecond,
		TickMax:        1 * time.Second,
		Threshold:      0.1,
		ImbalanceAlpha: 0.5,
		Dancer:         true,
		Autoscale:      true,
		Buckets:        buckets,
	}
}

// Scheduler owns the bucket-to-core table for one NIC and recomputes it
// on demand, the Go counterpart of the NICScheduler element plus its
// active BalanceMethod.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	dev    *device.Device
	listen MigrationListener

	table          []CoreID
	usedCores      []CoreID
	availableCores []CoreID

	pastLoad map[CoreID]float64
	tick     time.Duration

	lastEpoch xid.ID
}

// New constructs a Scheduler with the given initial core set and the
// given pool of cores available to scale into later.
func New(cfg Config, dev *device.Device, listen MigrationListener, initialCores, availableCores []CoreID) *Scheduler {
	if listen == nil {
		listen = ChainListeners()
	}
	s := &Scheduler{
		cfg:            cfg,
		dev:            dev,
		listen:         listen,
		usedCores:      append([]CoreID(nil), initialCores...),
		availableCores: append([]CoreID(nil), availableCores...),
		pastLoad:       make(map[CoreID]float64),
		tick:           cfg.TickMin,
	}
	s.table = make([]CoreID, cfg.Buckets)
	for i := range s.table {
		s.table[i] = s.usedCores[i%len(s.usedCores)]
	}
	return s
}

// Table returns a copy of the current bucket-to-core assignment.
func (s *Scheduler) Table() []CoreID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CoreID(nil), s.table...)
}

// UsedCores returns a copy of the cores currently receiving traffic.
func (s *Scheduler) UsedCores() []CoreID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CoreID(nil), s.usedCores...)
}

// NextTick returns the interval to wait before the next Tick call,
// adapted by the previous run per spec.md §4.8 step 7.
func (s *Scheduler) NextTick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// popAvailableCore removes and returns one core from the available
// pool, mirroring NICScheduler::unreserve_core's counterpart on the
// scale-up path. Must be called with mu held.
func (s *Scheduler) popAvailableCore() (CoreID, bool) {
	if len(s.availableCores) == 0 {
		return 0, false
	}
	c := s.availableCores[0]
	s.availableCores = s.availableCores[1:]
	return c, true
}

// addCore brings a core into the used set. Must be called with mu held.
func (s *Scheduler) addCore(c CoreID) {
	s.usedCores = append(s.usedCores, c)
}

// removeCore takes a core out of the used set and returns it to the
// available pool. Must be called with mu held.
func (s *Scheduler) removeCore(c CoreID) {
	for i, u := range s.usedCores {
		if u == c {
			s.usedCores = append(s.usedCores[:i], s.usedCores[i+1:]...)
			break
		}
	}
	s.availableCores = append(s.availableCores, c)
}

// Tick runs one control-loop pass: recompute the table from loads
// (keyed by core), apply any resulting moves through the device and the
// migration listener, and adapt the next tick interval. loads need only
// contain entries for cores currently in the used set.
func (s *Scheduler) Tick(loads map[CoreID]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.cfg.Policy {
	case PolicyRSS:
		return nil // static: computed once at New, never written to the device.
	case PolicyRSSRR:
		return s.tickRSSRR()
	default:
		return s.tickRSSPP(loads)
	}
}

// tickRSSRR rotates every bucket to the next used core, mirroring
// MethodRSSRR::rebalance.
func (s *Scheduler) tickRSSRR() error {
	n := CoreID(len(s.usedCores))
	moves := make(map[CoreID][]BucketMove)
	for i, cur := range s.table {
		idx := s.coreIndex(cur)
		next := s.usedCores[(idx+1)%int(n)]
		if next != cur {
			moves[cur] = append(moves[cur], BucketMove{Bucket: i, ToCore: next})
		}
		s.table[i] = next
	}
	return s.applyMoves(moves)
}

// coreIndex returns c's position in usedCores, or 0 if not found (can't
// happen once table entries are only ever drawn from usedCores).
func (s *Scheduler) coreIndex(c CoreID) int {
	for i, u := range s.usedCores {
		if u == c {
			return i
		}
	}
	return 0
}

// applyMoves runs the pre_migrate -> device program -> post_migrate
// fence spec.md §4.8 step 6 and §5 require: every source core's moves
// are announced, the RETA (or flow group) is reprogrammed once for the
// whole table, then every source core is released.
func (s *Scheduler) applyMoves(moves map[CoreID][]BucketMove) error {
	if len(moves) == 0 {
		return nil
	}

	for from, ms := range moves {
		s.listen.PreMigrate(from, ms)
	}

	ints := make([]int, len(s.table))
	for i, c := range s.table {
		ints[i] = int(c)
	}
	epoch, err := s.dev.Program(ints, s.cfg.WithMark)
	if err != nil {
		return err
	}
	s.lastEpoch = epoch
	metrics.NICSchedulerRebalances.Inc()

	for from := range moves {
		s.listen.PostMigrate(from)
	}

	if len(moves) > 1 {
		printer.Debugf("nicsched: epoch %s migrated buckets away from %d cores", epoch, len(moves))
	}
	return nil
}

// LastEpoch returns the token stamped on the most recent RETA
// reprogramming, empty if none has happened yet.
func (s *Scheduler) LastEpoch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEpoch.String()
}

// tickRSSPP runs the adaptive RSS++ control loop: smooth load, decide
// scale down/up, fold in dancer buckets, rebalance the remainder, apply
// the resulting moves, then adapt the tick interval (spec.md §4.8
// steps 1-7).
func (s *Scheduler) tickRSSPP(loads map[CoreID]float64) error {
	alpha := s.cfg.ImbalanceAlpha
	if alpha <= 0 {
		alpha = 1
	}
	smoothed := make(map[CoreID]float64, len(s.usedCores))
	var total float64
	for _, c := range s.usedCores {
		l := loads[c]
		prev := s.pastLoad[c]
		sm := alpha*l + (1-alpha)*prev
		smoothed[c] = sm
		s.pastLoad[c] = sm
		total += sm
	}

	target := s.cfg.TargetLoad
	if target <= 0 && len(s.usedCores) > 0 {
		target = total / float64(len(s.usedCores))
	}

	moves := make(map[CoreID][]BucketMove)

	if s.cfg.Autoscale {
		// totalSupply is spare capacity against target: how much load
		// the used set could absorb at its target before any core
		// would exceed it. Positive means idle capacity (a candidate
		// to shed a core), negative means the used set is
		// oversubscribed relative to target.
		totalSupply := float64(len(s.usedCores))*target - total
		varianceGuard := s.cfg.Threshold
		if totalSupply > 1+(1-target)+varianceGuard {
			s.scaleDown(smoothed, moves)
		} else if totalSupply < -0.1 {
			s.scaleUp()
		}
	}

	if s.cfg.Dancer {
		s.handleDancers(smoothed, target, moves)
	}

	squareImbalance := s.rebalance(smoothed, target, moves)

	if err := s.applyMoves(moves); err != nil {
		return err
	}

	s.adaptTick(squareImbalance, len(moves) > 0)
	metrics.NICSchedulerImbalance.Set(squareImbalance)
	return nil
}

// bucketsByCore groups RETA table indices by the core they currently
// point to. It returns no load figures; its callers split a core's load
// evenly across that core's buckets.
func (s *Scheduler) bucketsByCore() map[CoreID][]int {
	out := make(map[CoreID][]int)
	for i, c := range s.table {
		out[c] = append(out[c], i)
	}
	return out
}

// scaleDown removes the least-loaded core, reassigning its buckets to
// the remaining cores via the greedy scale-down solver (spec.md §4.8
// step 2).
func (s *Scheduler) scaleDown(smoothed map[CoreID]float64, moves map[CoreID][]BucketMove) {
	if len(s.usedCores) <= 1 {
		return
	}
	least := s.usedCores[0]
	for _, c := range s.usedCores[1:] {
		if smoothed[c] < smoothed[least] {
			least = c
		}
	}

	byCore := s.bucketsByCore()
	leastBuckets := byCore[least]
	if len(leastBuckets) == 0 {
		s.removeCore(least)
		return
	}

	perBucket := smoothed[least] / float64(len(leastBuckets))
	bucketLoad := make([]float64, len(leastBuckets))
	for i := range leastBuckets {
		bucketLoad[i] = perBucket
	}

	dest := make([]CoreID, 0, len(s.usedCores)-1)
	destLoad := make([]float64, 0, len(s.usedCores)-1)
	for _, c := range s.usedCores {
		if c == least {
			continue
		}
		dest = append(dest, c)
		destLoad = append(destLoad, smoothed[c])
	}

	assigned, _ := solver.ScaleDown(bucketLoad, destLoad)
	for _, mv := range assigned {
		bucket := leastBuckets[mv.Bucket]
		to := dest[mv.Dest]
		s.table[bucket] = to
		moves[least] = append(moves[least], BucketMove{Bucket: bucket, ToCore: to})
	}

	s.removeCore(least)
}

// scaleUp brings one more core from the available pool into service; the
// caller's next rebalance pass will give it work once it shows up as
// underloaded, mirroring RSS++'s fall-through from scale-up into the
// main rebalance step.
func (s *Scheduler) scaleUp() {
	c, ok := s.popAvailableCore()
	if !ok {
		return
	}
	s.addCore(c)
}

// handleDancers moves any single bucket responsible for more than half
// of its core's load whole to the least-loaded core, spec.md §4.8 step 4.
func (s *Scheduler) handleDancers(smoothed map[CoreID]float64, target float64, moves map[CoreID][]BucketMove) {
	if len(s.usedCores) < 2 {
		return
	}
	byCore := s.bucketsByCore()

	for _, from := range s.usedCores {
		buckets := byCore[from]
		load := smoothed[from]
		if len(buckets) == 0 || load <= 0 {
			continue
		}
		perBucket := load / float64(len(buckets))
		if perBucket <= load/2 {
			continue
		}

		least := s.usedCores[0]
		for _, c := range s.usedCores {
			if c != from && smoothed[c] < smoothed[least] {
				least = c
			}
		}
		if least == from {
			continue
		}

		bucket := buckets[0]
		s.table[bucket] = least
		moves[from] = append(moves[from], BucketMove{Bucket: bucket, ToCore: least})
		smoothed[from] -= perBucket
		smoothed[least] += perBucket
	}
}

// rebalance assigns buckets from overloaded cores to underloaded cores
// via the binary-search-on-tolerance solver, spec.md §4.8 step 5, and
// returns the resulting sum of squared imbalances.
func (s *Scheduler) rebalance(smoothed map[CoreID]float64, target float64, moves map[CoreID][]BucketMove) float64 {
	byCore := s.bucketsByCore()

	var overloadedCores, underloadedCores []CoreID
	for _, c := range s.usedCores {
		l := smoothed[c]
		switch {
		case l-target > s.cfg.Threshold:
			overloadedCores = append(overloadedCores, c)
		case target-l > s.cfg.Threshold:
			underloadedCores = append(underloadedCores, c)
		}
	}
	if len(overloadedCores) == 0 || len(underloadedCores) == 0 {
		return squareImbalance(smoothed, s.usedCores, target)
	}

	overloaded := make([]solver.OverloadedCore, len(overloadedCores))
	for i, c := range overloadedCores {
		buckets := byCore[c]
		load := smoothed[c]
		bl := make([]solver.BucketLoad, len(buckets))
		if len(buckets) > 0 {
			perBucket := load / float64(len(buckets))
			for j, b := range buckets {
				bl[j] = solver.BucketLoad{Index: b, Load: perBucket}
			}
		}
		overloaded[i] = solver.OverloadedCore{Buckets: bl, Load: load}
	}

	underloaded := make([]solver.UnderloadedCore, len(underloadedCores))
	for i, c := range underloadedCores {
		underloaded[i] = solver.UnderloadedCore{Load: smoothed[c]}
	}

	plan, sq := solver.Rebalance(overloaded, underloaded, target)
	for srcIdx, mvs := range plan {
		from := overloadedCores[srcIdx]
		for _, mv := range mvs {
			bucket := mv.Bucket
			to := underloadedCores[mv.Dest]
			s.table[bucket] = to
			moves[from] = append(moves[from], BucketMove{Bucket: bucket, ToCore: to})
		}
	}
	return sq
}

// squareImbalance computes the sum of squared per-core deviations from
// target without attempting any move, used when nothing is over- or
// under-loaded enough to act on.
func squareImbalance(smoothed map[CoreID]float64, cores []CoreID, target float64) float64 {
	var sq float64
	for _, c := range cores {
		d := smoothed[c] - target
		sq += d * d
	}
	return sq
}

// adaptTick adjusts the next tick interval per spec.md §4.8 step 7: a
// badly imbalanced result shortens the interval so the next pass can
// correct sooner; a quiet pass with no moves lets it grow, bounded by
// [TickMin, TickMax].
func (s *Scheduler) adaptTick(squareImbalance float64, movedAny bool) {
	switch {
	case squareImbalance > 0.4:
		s.tick = s.cfg.TickMin
	case squareImbalance > 0.2:
		s.tick /= 2
	case !movedAny:
		s.tick *= 2
	}
	if s.tick < s.cfg.TickMin {
		s.tick = s.cfg.TickMin
	}
	if s.tick > s.cfg.TickMax {
		s.tick = s.cfg.TickMax
	}
}
