// Package sfmaker implements a per-flow superframe reframer: it delays
// packets up to a configurable budget in the hope that more packets of
// the same flow will arrive in the meantime, then releases merged
// bursts ordered by flow priority so that downstream elements (and the
// NIC transmit queue beyond them) see better spatial locality, the Go
// counterpart of sfmaker.{hh,cc}.
package sfmaker

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/tbarbette/go-middlebox/bytestream"
	"github.com/tbarbette/go-middlebox/metrics"
	"github.com/tbarbette/go-middlebox/packet"
	"github.com/tbarbette/go-middlebox/printer"
)

// Priority selects how SFMaker orders flows against each other once more
// than one is ready to be drained in the same pass.
type Priority int

const (
	// PriorityFirstSeen serves the flow that has been active longest
	// first.
	PriorityFirstSeen Priority = iota
	// PrioritySent serves the flow that has already pushed the most
	// packets first, favoring flows already warm in caches downstream.
	PrioritySent
	// PriorityDelay serves the flow that has been waiting longest
	// since its current burst started buffering.
	PriorityDelay
)

// Model selects how the very first burst of a newly active flow is
// treated.
type Model int

const (
	// ModelNone buffers even a flow's first burst for the full delay.
	ModelNone Model = iota
	// ModelSecond lets a flow's first burst through immediately (or
	// bypasses it outright when Passthrough is set) and only starts
	// delaying from the second burst onward.
	ModelSecond
)

// Config holds SFMaker's tuning parameters, mirroring the element's
// configure() arguments.
type Config struct {
	// Delay is how long a burst is held in the hope of merging more
	// packets of the same flow into it.
	Delay time.Duration
	// DelayLast, when positive, raises the expiry of a burst so it
	// never fires sooner than DelayLast after the most recently
	// enqueued packet.
	DelayLast time.Duration
	// DelayHard, when positive, caps the expiry of a burst so it never
	// waits longer than DelayHard past when it started buffering.
	DelayHard time.Duration

	Priority Priority
	Model    Model

	// Passthrough lets a flow's very first packet go straight through
	// without ever being buffered, when Model is ModelSecond.
	Passthrough bool

	// ProtoCompress enables best-effort TCP ACK compression across a
	// drained burst.
	ProtoCompress bool
	// Reorder sorts a burst's packets by sequence number before
	// emitting it, undoing any reordering the buffering introduced.
	Reorder bool

	// BypassSyn sends SYN packets straight through unbuffered, since
	// the odds of another packet of the same flow landing within the
	// buffering window right after a SYN are close to nil.
	BypassSyn bool
	// BypassAfterFail sends a flow's packets straight through once it
	// has produced this many consecutive single-packet bursts in a
	// row, meaning buffering bought it nothing. Zero disables this.
	BypassAfterFail int

	// MaxBurst forces a burst to flush as soon as it holds more than
	// this many packets, regardless of delay.
	MaxBurst int
	// MaxTxBurst caps how many packets a single emitted batch contains;
	// larger drains are split.
	MaxTxBurst int
	// MinTxBurst withholds a small leftover batch from a drain pass,
	// carrying it over to the next one, unless MaxTxDelay has elapsed
	// since the last time anything was emitted.
	MinTxBurst int
	MaxTxDelay time.Duration

	// MaxCap bounds how many flows may be actively buffering at once;
	// negative means unlimited. Once exceeded, the oldest active flow
	// is forced to flush on its next readiness check.
	MaxCap int

	// AlwaysUp disables the idle timer and instead expects the caller
	// to invoke Drain continuously (e.g. from a tight poll loop), the
	// Go equivalent of run_task's fast_reschedule spin mode.
	AlwaysUp bool
}

// DefaultConfig returns the element's documented defaults.
func DefaultConfig() Config {
	return Config{
		Delay:       100 * time.Microsecond,
		Priority:    PrioritySent,
		Model:       ModelSecond,
		Passthrough: true,
		Reorder:     true,
		MaxBurst:    1024,
		MaxTxBurst:  32,
		MinTxBurst:  1,
		MaxCap:      -1,
	}
}

// slot is all the state SFMaker remembers per flow, the Go counterpart
// of SFSlot with SF_LLDS_SP left disabled: one flat ready-list, no
// separate single-packet list.
type slot struct {
	tuple packet.FiveTuple

	mu           sync.Mutex
	firstSeen    time.Time
	waitingSince time.Time
	lastSeen     time.Time
	batch        []*packet.Packet
	burstSent    int
	packetSent   int
	forcedFlush  bool
	// fails counts consecutive single-packet bursts, incremented when a
	// burst of exactly one packet is sent and decremented otherwise;
	// it never floors at zero, matching SFSlot::fail.
	fails int

	inList     bool
	prev, next *slot
}

func (sl *slot) ready(now time.Time, cfg Config) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.waitingSince.IsZero() || len(sl.batch) == 0 {
		return false
	}
	if len(sl.batch) > cfg.MaxBurst {
		return true
	}
	if sl.forcedFlush {
		return true
	}
	if cfg.Model == ModelSecond && sl.packetSent < 1 {
		return true
	}
	return !now.Before(sl.expiryLocked(cfg))
}

// expiryLocked computes when this burst must flush at the latest,
// mirroring SFSlot::expiry's waiting_since+DELAY clamped into
// [last_seen+DELAY_LAST, waiting_since+DELAY_HARD]. Caller holds sl.mu.
func (sl *slot) expiryLocked(cfg Config) time.Time {
	exp := sl.waitingSince.Add(cfg.Delay)
	if cfg.DelayLast > 0 {
		if floor := sl.lastSeen.Add(cfg.DelayLast); exp.Before(floor) {
			exp = floor
		}
	}
	if cfg.DelayHard > 0 {
		if ceil := sl.waitingSince.Add(cfg.DelayHard); exp.After(ceil) {
			exp = ceil
		}
	}
	return exp
}

func (sl *slot) expiry(cfg Config) time.Time {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.expiryLocked(cfg)
}

func (sl *slot) priority(now time.Time, cfg Config) float64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	switch cfg.Priority {
	case PriorityFirstSeen:
		return now.Sub(sl.firstSeen).Seconds()
	case PriorityDelay:
		return now.Sub(sl.waitingSince).Seconds()
	default: // PrioritySent
		return -float64(sl.packetSent)
	}
}

// SFMaker buffers packets per flow and drains them as priority-ordered,
// merged bursts, the Go counterpart of the SFMaker element. The ready
// list is a flat FIFO (tail-inserted, head-drained), with slots that
// outgrow MaxBurst promoted straight to the head. All list pointers and
// the slot map are guarded by mu; each slot's own fields are guarded by
// its own mutex, always acquired after mu when both are needed.
type SFMaker struct {
	cfg  Config
	emit func([]*packet.Packet)

	mu         sync.Mutex
	slots      map[packet.FiveTuple]*slot
	head, tail *slot
	active     int
	timer      *time.Timer

	lastTxTime time.Time
	carry      []*packet.Packet

	sent, pushed, killed, reordered uint64
	superframes, flowsInSuperframe  uint64
	// lastToken is a compact sortable id stamped on the most recent
	// superframe, for correlating log lines and metrics with a
	// particular drain pass without carrying the whole merged batch
	// around.
	lastToken xid.ID
}

// New returns an SFMaker draining ready bursts to emit.
func New(cfg Config, emit func([]*packet.Packet)) *SFMaker {
	return &SFMaker{
		cfg:   cfg,
		emit:  emit,
		slots: make(map[packet.FiveTuple]*slot),
	}
}

// Active reports how many flows currently hold a buffered, undrained
// burst.
func (s *SFMaker) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stats is a snapshot of SFMaker's running counters, the Go counterpart
// of the element's read handlers (pushed, sent, dropped, reordered).
type Stats struct {
	Pushed      uint64
	Sent        uint64
	AcksKilled  uint64
	Reordered   uint64
	Superframes uint64
	// LastToken identifies the most recent superframe Drain produced,
	// or the zero id if none has been produced yet.
	LastToken string
}

// Stats returns a snapshot of the running counters.
func (s *SFMaker) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pushed:      s.pushed,
		Sent:        s.sent,
		AcksKilled:  s.killed,
		Reordered:   s.reordered,
		Superframes: s.superframes,
		LastToken:   s.lastToken.String(),
	}
}

func (s *SFMaker) detach(sl *slot) {
	if sl.prev != nil {
		sl.prev.next = sl.next
	} else {
		s.head = sl.next
	}
	if sl.next != nil {
		sl.next.prev = sl.prev
	} else {
		s.tail = sl.prev
	}
	sl.prev, sl.next = nil, nil
	sl.inList = false
}

func (s *SFMaker) linkTail(sl *slot) {
	sl.prev, sl.next = s.tail, nil
	if s.tail != nil {
		s.tail.next = sl
	} else {
		s.head = sl
	}
	s.tail = sl
	sl.inList = true
}

func (s *SFMaker) linkHead(sl *slot) {
	sl.next, sl.prev = s.head, nil
	if s.head != nil {
		s.head.prev = sl
	} else {
		s.tail = sl
	}
	s.head = sl
	sl.inList = true
}

func (s *SFMaker) promoteToHead(sl *slot) {
	if sl.prev == nil {
		return
	}
	s.detach(sl)
	s.linkHead(sl)
}

func (s *SFMaker) unlink(sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sl.inList {
		return
	}
	s.detach(sl)
	s.active--
	metrics.SFMakerActiveFlows.Set(float64(s.active))
}

// Enqueue hands a newly arrived batch for tuple's flow to SFMaker,
// mirroring SFMaker::push_flow: the batch is either bypassed straight
// through, or appended to the flow's buffered burst and the flow linked
// (or relinked) into the ready list.
func (s *SFMaker) Enqueue(tuple packet.FiveTuple, batch []*packet.Packet) {
	if len(batch) == 0 {
		return
	}
	now := time.Now()
	s.pushedStat(len(batch))

	s.mu.Lock()
	sl, ok := s.slots[tuple]
	if !ok {
		sl = &slot{tuple: tuple, firstSeen: now}
		s.slots[tuple] = sl
	}
	s.mu.Unlock()

	sl.mu.Lock()
	first := batch[0]
	bypass := false
	switch {
	case sl.lastSeen.IsZero():
		bypass = s.cfg.Passthrough && s.cfg.Model == ModelSecond
	case s.cfg.BypassAfterFail > 0 && sl.fails >= s.cfg.BypassAfterFail:
		bypass = true
	}
	if s.cfg.BypassSyn && first.IsSYN() {
		bypass = true
	}
	sl.lastSeen = now
	sl.mu.Unlock()

	if bypass {
		s.unlink(sl)
		s.prepareBurst(sl, batch)
		s.emit(s.processBurst(batch))
		return
	}

	sl.mu.Lock()
	sl.batch = append(sl.batch, batch...)
	if sl.waitingSince.IsZero() {
		sl.waitingSince = now
	}
	count := len(sl.batch)
	sl.mu.Unlock()

	s.mu.Lock()
	if !sl.inList {
		s.linkTail(sl)
		s.active++
	}
	if count > s.cfg.MaxBurst {
		s.promoteToHead(sl)
	}
	if s.cfg.MaxCap >= 0 && s.active > s.cfg.MaxCap && s.head != nil {
		s.head.mu.Lock()
		s.head.forcedFlush = true
		s.head.mu.Unlock()
	}
	metrics.SFMakerActiveFlows.Set(float64(s.active))
	s.rescheduleLocked(now)
	s.mu.Unlock()
}

func (s *SFMaker) pushedStat(n int) {
	s.mu.Lock()
	s.pushed += uint64(n)
	s.mu.Unlock()
}

// prepareBurst updates a flow's per-burst counters once a batch of
// batch's size is about to leave it, mirroring SFMaker::prepareBurst.
func (s *SFMaker) prepareBurst(sl *slot, batch []*packet.Packet) {
	sl.mu.Lock()
	sl.packetSent += len(batch)
	sl.burstSent++
	if len(batch) == 1 {
		sl.fails++
	} else {
		sl.fails--
	}
	sl.mu.Unlock()

	s.mu.Lock()
	s.sent += uint64(len(batch))
	s.mu.Unlock()
	metrics.SFMakerPacketsSent.Add(float64(len(batch)))
}

// Release drops tuple's slot, flushing whatever it still holds first,
// for use when the owning flow tears down, mirroring
// SFMaker::release_flow.
func (s *SFMaker) Release(tuple packet.FiveTuple) {
	s.mu.Lock()
	sl, ok := s.slots[tuple]
	if ok {
		delete(s.slots, tuple)
		if sl.inList {
			s.detach(sl)
			s.active--
			metrics.SFMakerActiveFlows.Set(float64(s.active))
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	sl.mu.Lock()
	batch := sl.batch
	sl.batch = nil
	sl.mu.Unlock()

	if len(batch) > 0 {
		printer.Warningln("sfmaker: flow released with packets still queued, flushing")
		s.emit(s.processBurst(batch))
	}
}

// pqItem is one flow's drained burst waiting to be merged into the
// output, ordered by priority.
type pqItem struct {
	batch    []*packet.Packet
	priority float64
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].priority < pq[j].priority }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(*pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Drain checks every linked flow for readiness at now and emits
// whatever is ready, merged and ordered by priority across flows,
// chunked into MaxTxBurst-sized batches and subject to MinTxBurst /
// MaxTxDelay for the final leftover, mirroring SFMaker::run_task.
func (s *SFMaker) Drain(now time.Time) {
	s.mu.Lock()
	var ready []*slot
	for sl := s.head; sl != nil; {
		next := sl.next
		if sl.ready(now, s.cfg) {
			s.detach(sl)
			s.active--
			ready = append(ready, sl)
		}
		sl = next
	}
	if len(ready) > 0 {
		metrics.SFMakerActiveFlows.Set(float64(s.active))
	}
	s.mu.Unlock()

	if len(ready) == 0 {
		s.rescheduleTimer()
		return
	}

	pq := make(priorityQueue, 0, len(ready))
	for _, sl := range ready {
		sl.mu.Lock()
		batch := sl.batch
		sl.batch = nil
		sl.forcedFlush = false
		sl.waitingSince = time.Time{}
		sl.mu.Unlock()

		s.prepareBurst(sl, batch)
		batch = s.processBurst(batch)
		pq = append(pq, &pqItem{batch: batch, priority: sl.priority(now, s.cfg)})
	}
	heap.Init(&pq)

	token := xid.New()
	s.mu.Lock()
	s.superframes++
	s.flowsInSuperframe += uint64(len(ready))
	s.lastToken = token
	s.mu.Unlock()
	metrics.SFMakerSuperframes.Inc()
	if len(ready) > 1 {
		printer.Debugf("sfmaker: superframe %s merges %d flows", token, len(ready))
	}

	pending := s.carry
	s.carry = nil
	for pq.Len() > 0 {
		item := heap.Pop(&pq).(*pqItem)
		pending = append(pending, item.batch...)
		for len(pending) > s.cfg.MaxTxBurst {
			s.emit(pending[:s.cfg.MaxTxBurst])
			pending = pending[s.cfg.MaxTxBurst:]
			s.lastTxTime = now
		}
	}

	if len(pending) > 0 {
		if len(pending) >= s.cfg.MinTxBurst || now.Sub(s.lastTxTime) > s.cfg.MaxTxDelay {
			s.emit(pending)
			s.lastTxTime = now
		} else {
			s.carry = pending
		}
	}

	s.rescheduleTimer()
}

// processBurst applies optional reordering and ACK compression to one
// flow's just-dequeued burst, before it either goes out on its own
// (bypass, release) or is merged with other flows' bursts into a
// superframe, mirroring prepareBurst's call into handleTCP.
func (s *SFMaker) processBurst(batch []*packet.Packet) []*packet.Packet {
	if len(batch) == 0 {
		return batch
	}
	if s.cfg.Reorder {
		reordered, wasReordered := reorderBySeq(batch)
		batch = reordered
		if wasReordered {
			s.mu.Lock()
			s.reordered++
			s.mu.Unlock()
		}
	}
	if s.cfg.ProtoCompress {
		before := len(batch)
		batch = compressAcks(batch)
		if dropped := before - len(batch); dropped > 0 {
			s.mu.Lock()
			s.killed += uint64(dropped)
			s.mu.Unlock()
			metrics.SFMakerAcksCompressed.Add(float64(dropped))
		}
	}
	return batch
}

func reorderBySeq(batch []*packet.Packet) (out []*packet.Packet, wasReordered bool) {
	out = append([]*packet.Packet(nil), batch...)
	ordered := true
	for i := 1; i < len(out); i++ {
		if bytestream.Seq32(out[i].Seq()).Less(bytestream.Seq32(out[i-1].Seq())) {
			ordered = false
			break
		}
	}
	if ordered {
		return out, false
	}
	sort.SliceStable(out, func(i, j int) bool {
		return bytestream.Seq32(out[i].Seq()).Less(bytestream.Seq32(out[j].Seq()))
	})
	return out, true
}

// compressAcks drops redundant pure-ACK packets from a batch, keeping
// every packet that carries payload or a SYN/FIN/RST, always keeping
// the first and last packets, and stamping every surviving ACK-bearing
// packet with the largest ACK seen in the batch, a simplified rendition
// of SFMaker::handleTCP's per-packet dedup logic.
func compressAcks(batch []*packet.Packet) []*packet.Packet {
	if len(batch) < 2 {
		return batch
	}

	var maxAck bytestream.Seq32
	haveMax := false
	for _, p := range batch {
		ack := bytestream.Seq32(p.Ack())
		if !haveMax || maxAck.Less(ack) {
			maxAck, haveMax = ack, true
		}
	}

	out := make([]*packet.Packet, 0, len(batch))
	for i, p := range batch {
		last := i == len(batch)-1
		if !last && p.IsJustAnAck() {
			continue
		}
		if p.IsACK() {
			p.SetAck(uint32(maxAck))
		}
		out = append(out, p)
	}
	return out
}

// rescheduleTimer re-arms the idle timer, locking mu itself.
func (s *SFMaker) rescheduleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduleLocked(time.Now())
}

// rescheduleLocked arms the timer for the head flow's expiry, the
// earliest any linked flow can become ready since new flows are always
// appended at the tail and a flow promoted to the head by MAX_BURST
// overflow is already unconditionally ready. Caller holds mu.
func (s *SFMaker) rescheduleLocked(now time.Time) {
	if s.cfg.AlwaysUp {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.head == nil {
		return
	}
	d := s.head.expiry(s.cfg).Sub(now)
	if d < 0 {
		d = 0
	}
	s.timer = time.AfterFunc(d, func() { s.Drain(time.Now()) })
}
