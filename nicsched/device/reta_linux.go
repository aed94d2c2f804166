//go:build linux

package device

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Linux ethtool ioctl constants (linux/ethtool.h, linux/sockios.h). Not
// exposed by golang.org/x/sys/unix, so laid out manually here the same
// way the retrieved pack lays out raw kernel ABI structs it needs but
// that aren't wrapped (see RawTCPInfo in the sockstats tcpinfo reader).
const (
	siocEthtool        = 0x8946
	ethtoolGrxfhIndir  = 0x00000038
	ethtoolSrxfhIndir  = 0x00000039
)

// ethtoolRxfhIndirHeader mirrors struct ethtool_rxfh_indir's fixed
// header; the ring_index table follows immediately after in memory.
type ethtoolRxfhIndirHeader struct {
	Cmd  uint32
	Size uint32
}

// ifreqData is the ifr_name/ifr_data shape ioctl(SIOCETHTOOL) expects,
// matching struct ifreq with the data union arm used.
type ifreqData struct {
	Name [unix.IFNAMSIZ]byte
	Data uintptr
	_    [16]byte // pad to match the kernel's ifreq union size on amd64
}

// IoctlReta programs and reads back a device's RSS indirection table
// through the vendor-agnostic ethtool ioctl, the fallback RETA path
// MethodRSS::initialize takes when flow-rule RETA update is unavailable.
type IoctlReta struct {
	ifname string
	fd     int
}

// NewIoctlReta opens a throwaway UDP socket bound to ifname's ioctl
// namespace; ethtool ioctls work on any socket fd, not just one attached
// to traffic.
func NewIoctlReta(ifname string) (*IoctlReta, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "nicsched/device: opening ioctl socket failed")
	}
	return &IoctlReta{ifname: ifname, fd: fd}, nil
}

// Close releases the ioctl socket.
func (r *IoctlReta) Close() error {
	return unix.Close(r.fd)
}

func (r *IoctlReta) ioctl(cmd uint32, size int) ([]byte, error) {
	buf := make([]byte, 8+size*4)
	hdr := (*ethtoolRxfhIndirHeader)(unsafe.Pointer(&buf[0]))
	hdr.Cmd = cmd
	hdr.Size = uint32(size)

	var ifr ifreqData
	copy(ifr.Name[:], r.ifname)
	ifr.Data = uintptr(unsafe.Pointer(&buf[0]))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(r.fd), uintptr(siocEthtool), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return nil, errors.Wrapf(errno, "nicsched/device: SIOCETHTOOL cmd %#x on %s failed", cmd, r.ifname)
	}
	return buf, nil
}

// RetaSize returns the number of RETA entries reported by the driver.
func (r *IoctlReta) RetaSize() (int, error) {
	buf, err := r.ioctl(ethtoolGrxfhIndir, 0)
	if err != nil {
		return 0, err
	}
	hdr := (*ethtoolRxfhIndirHeader)(unsafe.Pointer(&buf[0]))
	return int(hdr.Size), nil
}

// GetReta reads the currently programmed table.
func (r *IoctlReta) GetReta() ([]int, error) {
	size, err := r.RetaSize()
	if err != nil {
		return nil, err
	}
	buf, err := r.ioctl(ethtoolGrxfhIndir, size)
	if err != nil {
		return nil, err
	}
	out := make([]int, size)
	for i := 0; i < size; i++ {
		off := 8 + i*4
		out[i] = int(buf[off]) | int(buf[off+1])<<8 | int(buf[off+2])<<16 | int(buf[off+3])<<24
	}
	return out, nil
}

// SetReta programs the table wholesale.
func (r *IoctlReta) SetReta(table []int) error {
	buf := make([]byte, 8+len(table)*4)
	hdr := (*ethtoolRxfhIndirHeader)(unsafe.Pointer(&buf[0]))
	hdr.Cmd = ethtoolSrxfhIndir
	hdr.Size = uint32(len(table))
	for i, v := range table {
		off := 8 + i*4
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}

	var ifr ifreqData
	copy(ifr.Name[:], r.ifname)
	ifr.Data = uintptr(unsafe.Pointer(&buf[0]))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(r.fd), uintptr(siocEthtool), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return errors.Wrapf(errno, "nicsched/device: SIOCETHTOOL SRXFHINDIR on %s failed", r.ifname)
	}
	return nil
}
