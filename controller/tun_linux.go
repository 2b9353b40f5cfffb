//go:build linux

package controller

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TunAlloc opens the TUN clone device and creates an interface from the name
// template (a trailing %d is filled in by the kernel). The returned fd
// yields one IP packet per read and accepts one per write; no extra framing.
func TunAlloc(dev string) (int, string, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, "", errors.Wrap(err, "open /dev/net/tun")
	}

	ifr, err := unix.NewIfreq(dev)
	if err != nil {
		unix.Close(fd)
		return -1, "", errors.Wrapf(err, "bad device name %q", dev)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, "", errors.Wrap(err, "ioctl TUNSETIFF")
	}

	// reads from the device must block
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return -1, "", errors.Wrap(err, "clearing O_NONBLOCK")
	}

	return fd, ifr.Name(), nil
}
