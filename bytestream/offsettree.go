package bytestream

import "sort"

// offsetNode is one (position -> offset) entry. Arena-allocated in a single
// backing slice owned by offsetTree, replacing fastclick's
// RBTMemoryPoolStreamManager-backed red-black tree (see original_source's
// rbt.hh / bytestreammaintainer.hh) with a flat ordered structure: flows
// carry at most a few dozen live modifications at a time, so a sorted slice
// with binary search is both simpler and more cache-friendly than a tree.
type offsetNode struct {
	key    Seq32
	offset int32
}

// offsetTree is an ordered map keyed by wrapping TCP sequence number. It
// plays the role of one of ByteStreamMaintainer's two RBTs.
type offsetTree struct {
	nodes []offsetNode
}

func newOffsetTree() *offsetTree {
	return &offsetTree{}
}

// indexOf returns the index of the first node with key >= k (lower bound),
// and whether that node's key equals k exactly.
func (t *offsetTree) indexOf(k Seq32) (idx int, exact bool) {
	idx = sort.Search(len(t.nodes), func(i int) bool {
		return !t.nodes[i].key.Less(k)
	})
	exact = idx < len(t.nodes) && t.nodes[idx].key == k
	return idx, exact
}

// insert replaces the offset of an existing node at position, or inserts a
// new one, keeping nodes sorted by key.
func (t *offsetTree) insert(position Seq32, offset int32) {
	idx, exact := t.indexOf(position)
	if exact {
		t.nodes[idx].offset = offset
		return
	}
	t.nodes = append(t.nodes, offsetNode{})
	copy(t.nodes[idx+1:], t.nodes[idx:])
	t.nodes[idx] = offsetNode{key: position, offset: offset}
}

// greatestBelowOrEqual returns the node with the greatest key <= position,
// mirroring RBFindElementGreatestBelow.
func (t *offsetTree) greatestBelowOrEqual(position Seq32) (node offsetNode, ok bool) {
	idx, exact := t.indexOf(position)
	if exact {
		return t.nodes[idx], true
	}
	if idx == 0 {
		return offsetNode{}, false
	}
	return t.nodes[idx-1], true
}

// predecessor returns the node immediately below key, if any.
func (t *offsetTree) predecessor(key Seq32) (node offsetNode, ok bool) {
	idx, _ := t.indexOf(key)
	if idx == 0 {
		return offsetNode{}, false
	}
	return t.nodes[idx-1], true
}

// successor returns the node immediately above key, if any.
func (t *offsetTree) successor(key Seq32) (node offsetNode, ok bool) {
	idx, exact := t.indexOf(key)
	if exact {
		idx++
	}
	if idx >= len(t.nodes) {
		return offsetNode{}, false
	}
	return t.nodes[idx], true
}

// max returns the node with the greatest key, if any.
func (t *offsetTree) max() (node offsetNode, ok bool) {
	if len(t.nodes) == 0 {
		return offsetNode{}, false
	}
	return t.nodes[len(t.nodes)-1], true
}

// prune drops every node with key strictly less than position.
func (t *offsetTree) prune(position Seq32) {
	idx, _ := t.indexOf(position)
	if idx == 0 {
		return
	}
	t.nodes = append([]offsetNode(nil), t.nodes[idx:]...)
}

func (t *offsetTree) len() int { return len(t.nodes) }
