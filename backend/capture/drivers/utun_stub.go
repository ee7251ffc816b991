//go:build !darwin

package drivers

import "kiri/backend/domain"

// utun 是 darwin 专有机制；其他平台上驱动报告不可用。

func utunSupported() bool { return false }

func openUtun() (int, string, error) {
	return -1, "", domain.ErrTunDeviceUnavailable
}

func closeUtun(int) {}
