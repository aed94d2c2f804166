// Package device programs a NIC's RSS indirection table (RETA), the Go
// counterpart of fastclick's EthernetDevice/DPDKEthernetDevice RETA calls
// (spec.md §6.3). Two programming paths are exposed because NICs differ
// in what they support:
//
//   - a direct RETA table write, vendor-agnostic;
//   - an epoch-indexed flow-rule double buffer, for NICs that only
//     expose RSS redirection through flow-rule groups.
//
// Device picks between them at construction time based on a capability
// probe, mirroring MethodRSS::initialize's fallback from flow-rule RETA
// update to the global ioctl.
package device

import (
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/tbarbette/go-middlebox/printer"
)

// RetaWriter is the vendor-agnostic direct RETA table interface a NIC
// driver must expose, mirroring EthernetDevice::set_rss_reta/get_rss_reta.
type RetaWriter interface {
	// RetaSize returns the number of entries the RSS indirection table
	// holds, or an error if RSS is unavailable or misconfigured.
	RetaSize() (int, error)
	// GetReta reads back the currently programmed table.
	GetReta() ([]int, error)
	// SetReta programs the table wholesale.
	SetReta(table []int) error
}

// FlowRuleWriter is the alternative RSS programming path for NICs that
// expose RSS only through flow rules rather than a direct RETA API,
// mirroring MethodRSS::update_reta_flow's group-swap logic.
type FlowRuleWriter interface {
	// SupportsFlowGroups reports whether the device accepts a rule in
	// a non-zero flow group (validated with a throwaway redirect rule,
	// as update_reta_flow does on its first call).
	SupportsFlowGroups() bool
	// ProgramGroup installs an RSS-over-queues rule in the given flow
	// group, tagging matched packets with the mark action carrying
	// epoch when withMark is true.
	ProgramGroup(group int, queues []int, epoch xid.ID, withMark bool) error
	// SwapJump atomically redirects the top-level group-0 rule to jump
	// into newGroup instead of whatever it currently targets.
	SwapJump(newGroup int) error
	// ReleaseGroup tears down a previously programmed group once it is
	// no longer the active target of the group-0 jump.
	ReleaseGroup(group int) error
}

// Device is the capability-probed union a NICScheduler programs against.
// Exactly one of the two paths is used for a given device instance,
// decided once at construction.
type Device struct {
	reta  RetaWriter
	flow  FlowRuleWriter
	useFlow bool

	// epoch alternates between the two inactive flow groups (2 and 3)
	// on every flow-rule update, matching _epoch in MethodRSS.
	epoch    int
	groupLow int
}

// New selects the flow-rule double-buffer path when flow is non-nil and
// reports support for non-zero flow groups; otherwise it falls back to
// the direct RETA writer. At least one of reta, flow must be non-nil.
func New(reta RetaWriter, flow FlowRuleWriter) (*Device, error) {
	if reta == nil && flow == nil {
		return nil, errors.New("nicsched/device: no RETA programming path available")
	}

	d := &Device{reta: reta, flow: flow, groupLow: 2}
	if flow != nil && flow.SupportsFlowGroups() {
		d.useFlow = true
		printer.Infoln("nicsched/device: using flow-rule RETA update")
	} else {
		if reta == nil {
			return nil, errors.New("nicsched/device: flow groups unsupported and no direct RETA path given")
		}
		printer.Infoln("nicsched/device: using direct RETA update")
	}
	return d, nil
}

// RetaSize delegates to the direct RETA path when available, otherwise
// returns an error: flow-rule-only devices don't expose an RSS table
// size independent of the table the caller maintains itself.
func (d *Device) RetaSize() (int, error) {
	if d.reta != nil {
		return d.reta.RetaSize()
	}
	return 0, errors.New("nicsched/device: RETA size unavailable without a direct RETA path")
}

// UsesFlowRules reports whether this device programs RSS through flow
// groups rather than a direct RETA write.
func (d *Device) UsesFlowRules() bool {
	return d.useFlow
}

// Program writes table (a slice of core indices, one per RETA bucket) to
// the device. withMark requests the flow-rule mark action (stamping the
// epoch into packet metadata) when the flow-rule path is in use; it is
// ignored on the direct path.
func (d *Device) Program(table []int, withMark bool) (epoch xid.ID, err error) {
	if !d.useFlow {
		if err := d.reta.SetReta(table); err != nil {
			return xid.ID{}, errors.Wrap(err, "nicsched/device: direct RETA write failed")
		}
		return xid.ID{}, nil
	}
	return d.programFlowGroup(table, withMark)
}

// programFlowGroup implements the double-buffered group swap: the
// inactive group (alternating between groupLow and groupLow+1 by epoch
// parity) is programmed first, the group-0 jump is then atomically
// swapped to it, and finally the now-inactive previous group is
// reclaimed, mirroring update_reta_flow.
func (d *Device) programFlowGroup(table []int, withMark bool) (xid.ID, error) {
	token := xid.New()
	d.epoch++

	newGroup := d.groupLow + (d.epoch % 2)
	oldGroup := d.groupLow + ((d.epoch + 1) % 2)

	if err := d.flow.ProgramGroup(newGroup, table, token, withMark); err != nil {
		return xid.ID{}, errors.Wrapf(err, "nicsched/device: programming flow group %d failed", newGroup)
	}
	if err := d.flow.SwapJump(newGroup); err != nil {
		return xid.ID{}, errors.Wrap(err, "nicsched/device: swapping group-0 jump failed")
	}
	if err := d.flow.ReleaseGroup(oldGroup); err != nil {
		printer.Warningf("nicsched/device: failed to release flow group %d: %v", oldGroup, err)
	}

	printer.Debugf("nicsched/device: epoch %s active group now %d", token, newGroup)
	return token, nil
}
