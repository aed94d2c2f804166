//go:build !linux

package device

import "github.com/pkg/errors"

// IoctlReta is unavailable outside Linux; ethtool ioctls are a Linux
// network-driver interface. Devices on other platforms must supply a
// FlowRuleWriter instead.
type IoctlReta struct{}

// NewIoctlReta always fails on non-Linux platforms.
func NewIoctlReta(ifname string) (*IoctlReta, error) {
	return nil, errors.New("nicsched/device: ioctl RETA path requires linux")
}

func (r *IoctlReta) Close() error                { return nil }
func (r *IoctlReta) RetaSize() (int, error)      { return 0, errors.New("nicsched/device: unsupported platform") }
func (r *IoctlReta) GetReta() ([]int, error)     { return nil, errors.New("nicsched/device: unsupported platform") }
func (r *IoctlReta) SetReta(table []int) error   { return errors.New("nicsched/device: unsupported platform") }
