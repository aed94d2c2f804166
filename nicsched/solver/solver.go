// Package solver assigns RSS buckets to cores so that post-move load is as
// balanced as possible. It is the Go counterpart of nicscheduler's
// solver.hh: ScaleDown asks a simple greedy question ("which core should
// take each of these orphaned buckets"), Rebalance asks a harder one
// ("move buckets from overloaded cores to underloaded ones so the sum of
// squared imbalances is minimized").
package solver

import "container/heap"

// bucketItem is one RSS bucket waiting to be assigned to a destination
// core, ordered by descending load.
type bucketItem struct {
	index int
	load  float64
}

type bucketHeap []bucketItem

func (h bucketHeap) Len() int            { return len(h) }
func (h bucketHeap) Less(i, j int) bool  { return h[i].load > h[j].load }
func (h bucketHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bucketHeap) Push(x interface{}) { *h = append(*h, x.(bucketItem)) }
func (h *bucketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// coreItem is a destination core, ordered by descending need (the core
// furthest below its target load sorts first).
type coreItem struct {
	phys float64
	need float64
}

type coreHeap []coreItem

func (h coreHeap) Len() int            { return len(h) }
func (h coreHeap) Less(i, j int) bool  { return h[i].need > h[j].need }
func (h coreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *coreHeap) Push(x interface{}) { *h = append(*h, x.(coreItem)) }
func (h *coreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Move describes one bucket being reassigned to a destination core index
// (an index into the destination-core slice passed to the solver, not a
// physical core id).
type Move struct {
	Bucket int
	Dest   int
}

// ScaleDown is the greedy solver used when a core is removed
// (BucketMapProblem): every one of its buckets, identified by index and
// current load, must land on one of the surviving destCoreLoad cores.
// Buckets are handed out biggest-first to whichever destination core is
// currently least loaded, mirroring the C++ solver's two max-heaps.
func ScaleDown(bucketLoad []float64, destCoreLoad []float64) (moves []Move, imbalance float64) {
	if len(destCoreLoad) == 0 {
		return nil, 0
	}

	buckets := make(bucketHeap, 0, len(bucketLoad))
	for i, l := range bucketLoad {
		buckets = append(buckets, bucketItem{index: i, load: l})
	}
	heap.Init(&buckets)

	mean := 0.0
	for _, l := range destCoreLoad {
		mean += l
	}
	mean /= float64(len(destCoreLoad))

	cores := make(coreHeap, 0, len(destCoreLoad))
	accumulated := make([]float64, len(destCoreLoad))
	for i, l := range destCoreLoad {
		accumulated[i] = l
		cores = append(cores, coreItem{phys: float64(i), need: mean - l})
	}
	heap.Init(&cores)

	for buckets.Len() > 0 {
		b := heap.Pop(&buckets).(bucketItem)
		c := heap.Pop(&cores).(coreItem)
		dest := int(c.phys)

		moves = append(moves, Move{Bucket: b.index, Dest: dest})
		accumulated[dest] += b.load

		heap.Push(&cores, coreItem{phys: c.phys, need: mean - accumulated[dest]})
	}

	for _, l := range accumulated {
		d := l - mean
		imbalance += d * d
	}
	return moves, imbalance
}

// OverloadedCore is one core with buckets available to give away, sorted
// by load descending within the slice it backs (Rebalance re-sorts it
// internally, so callers need not pre-sort).
type OverloadedCore struct {
	// Buckets holds this core's bucket indices together with their
	// load, biggest first is not required.
	Buckets []BucketLoad
	// Load is this core's current total load.
	Load float64
}

// BucketLoad pairs a bucket index with its load.
type BucketLoad struct {
	Index int
	Load  float64
}

// UnderloadedCore is a destination core with spare capacity.
type UnderloadedCore struct {
	Load float64
}

// rebalancePlan runs one pass of the greedy assignment for a given pair of
// tolerances and returns the resulting moves and the sum of squared
// post-move imbalances against target.
func rebalancePlan(overloaded []OverloadedCore, underloaded []UnderloadedCore, target float64, overloadAllowed, underloadAllowed float64) (moves map[int][]Move, squareImbalance float64) {
	moves = make(map[int][]Move)

	overLoad := make([]float64, len(overloaded))
	overStacks := make([]bucketHeap, len(overloaded))
	for i, oc := range overloaded {
		overLoad[i] = oc.Load
		stack := make(bucketHeap, 0, len(oc.Buckets))
		for _, b := range oc.Buckets {
			stack = append(stack, bucketItem{index: b.Index, load: b.Load})
		}
		heap.Init(&stack)
		overStacks[i] = stack
	}

	underLoad := make([]float64, len(underloaded))
	for i, uc := range underloaded {
		underLoad[i] = uc.Load
	}

	overHeap := make(coreHeap, 0, len(overloaded))
	for i, l := range overLoad {
		overHeap = append(overHeap, coreItem{phys: float64(i), need: l - target})
	}
	heap.Init(&overHeap)

	underHeap := make(coreHeap, 0, len(underloaded))
	for i, l := range underLoad {
		underHeap = append(underHeap, coreItem{phys: float64(i), need: target - l})
	}
	heap.Init(&underHeap)

	for overHeap.Len() > 0 && underHeap.Len() > 0 {
		over := heap.Pop(&overHeap).(coreItem)
		oi := int(over.phys)
		if overLoad[oi]-target <= overloadAllowed || overStacks[oi].Len() == 0 {
			continue
		}

		under := heap.Pop(&underHeap).(coreItem)
		ui := int(under.phys)
		if target-underLoad[ui] <= underloadAllowed {
			continue
		}

		b := heap.Pop(&overStacks[oi]).(bucketItem)
		moves[oi] = append(moves[oi], Move{Bucket: b.index, Dest: ui})
		overLoad[oi] -= b.load
		underLoad[ui] += b.load

		heap.Push(&overHeap, coreItem{phys: over.phys, need: overLoad[oi] - target})
		heap.Push(&underHeap, coreItem{phys: under.phys, need: target - underLoad[ui]})
	}

	for _, l := range overLoad {
		d := l - target
		squareImbalance += d * d
	}
	for _, l := range underLoad {
		d := l - target
		squareImbalance += d * d
	}
	return moves, squareImbalance
}

// Rebalance assigns buckets from overloaded cores to underloaded cores
// (BucketMapTargetProblem). It hill-climbs the two tolerance parameters
// (how much residual overload/underload a core may keep) with a
// three-phase binary search across at most 10 runs, keeping the best
// square-imbalance result seen, exactly as the C++ solver's main loop
// does. moves is keyed by the index into the overloaded slice (the
// source core); each entry lists buckets leaving that core and the index
// into the underloaded slice they land on.
func Rebalance(overloaded []OverloadedCore, underloaded []UnderloadedCore, target float64) (moves map[int][]Move, squareImbalance float64) {
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return nil, 0
	}

	const maxRuns = 10
	const convergedBelow = 0.01

	overAllowed := 0.0
	underAllowed := 0.0
	step := target / 2
	if step <= 0 {
		step = 0.05
	}

	bestMoves, bestSquare := rebalancePlan(overloaded, underloaded, target, overAllowed, underAllowed)

	for run := 1; run < maxRuns && bestSquare >= convergedBelow; run++ {
		// Phase 1: relax the overload tolerance; phase 2: relax the
		// underload tolerance; phase 3: tighten both back down. Each
		// phase tries one candidate and keeps it only if it improves
		// on the best square imbalance seen so far.
		phase := run % 3
		var tryOver, tryUnder float64
		switch phase {
		case 1:
			tryOver, tryUnder = overAllowed+step, underAllowed
		case 2:
			tryOver, tryUnder = overAllowed, underAllowed+step
		default:
			tryOver, tryUnder = overAllowed/2, underAllowed/2
		}

		moves, square := rebalancePlan(overloaded, underloaded, target, tryOver, tryUnder)
		if square < bestSquare {
			bestMoves, bestSquare = moves, square
			overAllowed, underAllowed = tryOver, tryUnder
		}
		step /= 2
	}

	return bestMoves, bestSquare
}
