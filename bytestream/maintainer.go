package bytestream

import (
	"net"

	"github.com/pkg/errors"
)

// PruneThreshold mirrors BS_PRUNE_THRESHOLD: the maintainer prunes its
// trees only every PruneThreshold-th call to Prune.
const PruneThreshold = 10

// Minimum IPv4 MSS and RFC 2001's initial slow-start threshold, carried
// over verbatim from ByteStreamMaintainer's constructor defaults.
const (
	DefaultMSS             = 536
	DefaultSsthresh  uint64 = 65535
	DefaultWindow    uint16 = 32120
	DefaultWindowScl uint16 = 1
)

// Maintainer is the Go counterpart of ByteStreamMaintainer: it maps
// between original and rewritten byte-stream positions for one direction
// of one TCP flow, and carries the scalar per-direction TCP state spec.md
// §3.2 lists alongside it.
type Maintainer struct {
	treeAck *offsetTree
	treeSeq *offsetTree

	initialized  bool
	pruneCounter int

	lastAckSent      Seq32
	lastAckSentSet   bool
	lastSeqSent      Seq32
	lastSeqSentSet   bool
	lastAckReceived  Seq32
	lastAckRecvSet   bool
	windowSize       uint16
	windowScale      uint16
	useWindowScale   bool
	mss              uint16
	congestionWindow uint64
	ssthresh         uint64
	dupAcks          uint8

	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
}

// New constructs an uninitialized Maintainer with fastclick's defaults.
func New() *Maintainer {
	return &Maintainer{
		windowSize:       DefaultWindow,
		windowScale:      DefaultWindowScl,
		mss:              DefaultMSS,
		congestionWindow: DefaultMSS,
		ssthresh:         DefaultSsthresh,
	}
}

// Initialize must be called once, with the first sequence number of the
// flow, before any mapping operation. It plants a guard node in both
// trees at flowStart, exactly like the original's initialize().
func (m *Maintainer) Initialize(flowStart Seq32) error {
	if m.initialized {
		return errors.New("bytestream: maintainer already initialized")
	}
	m.treeAck = newOffsetTree()
	m.treeSeq = newOffsetTree()
	m.treeAck.insert(flowStart, 0)
	m.treeSeq.insert(flowStart, 0)
	m.initialized = true
	return nil
}

func (m *Maintainer) Initialized() bool { return m.initialized }

// MapAck maps an ACK number through the ACK tree: lookup the node with
// greatest key <= p, apply its offset, then clamp between the
// predecessor's and successor's bound.
func (m *Maintainer) MapAck(position Seq32) (Seq32, error) {
	if !m.initialized {
		return 0, errors.New("bytestream: maintainer not initialized")
	}
	node, ok := m.treeAck.greatestBelowOrEqual(position)
	if !ok {
		return position, nil
	}
	newPosition := position.Add(node.offset)

	if pred, ok := m.treeAck.predecessor(node.key); ok {
		predBound := pred.key.Add(pred.offset)
		if newPosition.Less(predBound) {
			newPosition = predBound
		}
	}

	if succ, ok := m.treeAck.successor(node.key); ok && succ.offset > 0 {
		succBound := succ.key.Add(succ.offset)
		if newPosition.Greater(succBound) {
			newPosition = succBound
		}
	}

	return newPosition, nil
}

// MapSeq maps a sequence number through the SEQ tree. It deliberately
// searches on position-1: a modification recorded at position applies to
// bytes that come after it, not to a packet that begins exactly there.
func (m *Maintainer) MapSeq(position Seq32) (Seq32, error) {
	if !m.initialized {
		return 0, errors.New("bytestream: maintainer not initialized")
	}
	node, ok := m.treeSeq.greatestBelowOrEqual(position - 1)
	if !ok {
		return position, nil
	}
	newPosition := position.Add(node.offset)

	if pred, ok := m.treeSeq.predecessor(node.key); ok {
		predBound := pred.key.Add(pred.offset)
		if newPosition.Less(predBound) {
			newPosition = predBound
		}
	}

	return newPosition, nil
}

// insertAck and insertSeq are used only by ModificationList.Commit, which
// is why they're unexported: fastclick's ModificationList is declared a
// friend of ByteStreamMaintainer for the same reason (§3.3).
func (m *Maintainer) insertAck(position Seq32, offset int32) { m.treeAck.insert(position, offset) }
func (m *Maintainer) insertSeq(position Seq32, offset int32) { m.treeSeq.insert(position, offset) }

// Prune drops nodes with key strictly less than position from both trees,
// but only every PruneThreshold-th call (§3.2, §4.5). position is the
// ACK watermark; the SEQ watermark is obtained by mapping it through the
// ACK tree first, because the SEQ tree is keyed by the untranslated
// sequence space.
func (m *Maintainer) Prune(position Seq32) error {
	if !m.initialized {
		return errors.New("bytestream: maintainer not initialized")
	}
	m.pruneCounter++
	if m.pruneCounter < PruneThreshold {
		return nil
	}
	m.pruneCounter = 0

	seqWatermark, err := m.MapAck(position)
	if err != nil {
		return err
	}
	m.treeAck.prune(position)
	m.treeSeq.prune(seqWatermark)
	return nil
}

// LastOffsetInAckTree returns the offset of the greatest-keyed node in the
// ACK tree, or 0 if the tree is empty/uninitialized.
func (m *Maintainer) LastOffsetInAckTree() int32 {
	if !m.initialized {
		return 0
	}
	node, ok := m.treeAck.max()
	if !ok {
		return 0
	}
	return node.offset
}

func (m *Maintainer) SetLastAckSent(ack Seq32) {
	if !m.lastAckSentSet || ack.Greater(m.lastAckSent) {
		m.lastAckSent = ack
	}
	m.lastAckSentSet = true
}

func (m *Maintainer) LastAckSent() (Seq32, bool) { return m.lastAckSent, m.lastAckSentSet }

func (m *Maintainer) SetLastSeqSent(seq Seq32) {
	if !m.lastSeqSentSet || seq.Greater(m.lastSeqSent) {
		m.lastSeqSent = seq
	}
	m.lastSeqSentSet = true
}

func (m *Maintainer) LastSeqSent() (Seq32, bool) { return m.lastSeqSent, m.lastSeqSentSet }

func (m *Maintainer) SetLastAckReceived(ack Seq32) {
	if !m.lastAckRecvSet || ack.Greater(m.lastAckReceived) {
		m.lastAckReceived = ack
	}
	m.lastAckRecvSet = true
}

func (m *Maintainer) LastAckReceived() (Seq32, bool) { return m.lastAckReceived, m.lastAckRecvSet }

func (m *Maintainer) WindowSize() uint16     { return m.windowSize }
func (m *Maintainer) SetWindowSize(w uint16) { m.windowSize = w }

func (m *Maintainer) WindowScale() uint16        { return m.windowScale }
func (m *Maintainer) SetWindowScale(s uint16)    { m.windowScale = s }
func (m *Maintainer) UseWindowScale() bool       { return m.useWindowScale }
func (m *Maintainer) SetUseWindowScale(use bool) { m.useWindowScale = use }

func (m *Maintainer) MSS() uint16     { return m.mss }
func (m *Maintainer) SetMSS(mss uint16) { m.mss = mss }

func (m *Maintainer) CongestionWindow() uint64     { return m.congestionWindow }
func (m *Maintainer) SetCongestionWindow(cwnd uint64) { m.congestionWindow = cwnd }

func (m *Maintainer) Ssthresh() uint64         { return m.ssthresh }
func (m *Maintainer) SetSsthresh(ss uint64)    { m.ssthresh = ss }

func (m *Maintainer) DupAcks() uint8      { return m.dupAcks }
func (m *Maintainer) SetDupAcks(n uint8)  { m.dupAcks = n }
func (m *Maintainer) IncDupAcks() uint8   { m.dupAcks++; return m.dupAcks }
func (m *Maintainer) ResetDupAcks()       { m.dupAcks = 0 }
