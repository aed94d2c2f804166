package packet

// Batch is a singly-linked list of packets passed between pipeline
// stages (spec.md §3, "PacketBatch abstraction"): O(1) append,
// concatenation and count via a cached tail pointer and length.
// SplitAfter is not O(1): it walks the list up to the split point.
type Batch struct {
	head  *Packet
	tail  *Packet
	count int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// BatchOf builds a batch from a slice, in order.
func BatchOf(pkts ...*Packet) *Batch {
	b := NewBatch()
	for _, p := range pkts {
		b.Append(p)
	}
	return b
}

// Empty reports whether the batch holds no packets.
func (b *Batch) Empty() bool { return b.head == nil }

// Count returns the number of packets in the batch in O(1).
func (b *Batch) Count() int { return b.count }

// Head returns the first packet, or nil if the batch is empty.
func (b *Batch) Head() *Packet { return b.head }

// Append adds p to the tail of the batch in O(1).
func (b *Batch) Append(p *Packet) {
	p.next = nil
	if b.tail == nil {
		b.head = p
		b.tail = p
	} else {
		b.tail.next = p
		b.tail = p
	}
	b.count++
}

// AppendBatch concatenates other onto b in O(1), leaving other empty.
func (b *Batch) AppendBatch(other *Batch) {
	if other.Empty() {
		return
	}
	if b.tail == nil {
		b.head = other.head
	} else {
		b.tail.next = other.head
	}
	b.tail = other.tail
	b.count += other.count
	other.head, other.tail, other.count = nil, nil, 0
}

// PopFront removes and returns the first packet, or nil if empty.
func (b *Batch) PopFront() *Packet {
	if b.head == nil {
		return nil
	}
	p := b.head
	b.head = p.next
	if b.head == nil {
		b.tail = nil
	}
	p.next = nil
	b.count--
	return p
}

// SplitAfter splits the batch in two before the node for which keep
// returns false for the first time: everything up to (but not
// including) that node stays in b, and the rest becomes the returned
// batch. This backs the reorderer's "the first gap splits the batch"
// fast path (§4.1).
func (b *Batch) SplitAfter(keep func(p *Packet) bool) *Batch {
	if b.head == nil {
		return NewBatch()
	}

	var prev *Packet
	cur := b.head
	n := 0
	for cur != nil && keep(cur) {
		prev = cur
		cur = cur.next
		n++
	}

	if cur == nil {
		return NewBatch()
	}

	rest := &Batch{head: cur, tail: b.tail, count: b.count - n}
	if prev == nil {
		b.head, b.tail, b.count = nil, nil, 0
	} else {
		prev.next = nil
		b.tail = prev
		b.count = n
	}
	return rest
}

// Each calls fn for every packet in order.
func (b *Batch) Each(fn func(p *Packet)) {
	for p := b.head; p != nil; p = p.next {
		fn(p)
	}
}

// ToSlice returns a defensive copy of the batch's packets in order.
func (b *Batch) ToSlice() []*Packet {
	out := make([]*Packet, 0, b.count)
	b.Each(func(p *Packet) { out = append(out, p) })
	return out
}
