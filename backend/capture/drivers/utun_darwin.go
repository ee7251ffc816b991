//go:build darwin

package drivers

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	utunControlName = "com.apple.net.utun_control"
	utunOptIfname   = 2
)

func utunSupported() bool { return true }

// openUtun 通过内核控制 socket 分配下一个可用的 utun 设备，
// 返回持有设备的描述符和接口名。
func openUtun() (int, string, error) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return -1, "", fmt.Errorf("open control socket: %w", err)
	}

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("resolve %s: %w", utunControlName, err)
	}

	// Unit 0 表示让内核挑选下一个空闲的 utun 序号
	if err := unix.Connect(fd, &unix.SockaddrCtl{ID: info.Id, Unit: 0}); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("connect utun control: %w", err)
	}

	name, err := unix.GetsockoptString(fd, unix.SYSPROTO_CONTROL, utunOptIfname)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("read utun interface name: %w", err)
	}
	return fd, name, nil
}

func closeUtun(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
