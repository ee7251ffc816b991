package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kiri/backend/domain"
	"kiri/backend/netinspect"
	"kiri/backend/shared"
)

// 点对点地址对与子网取自 198.18.0.0/15（RFC 2544 基准测试段，
// 不会与真实网络冲突）
const (
	tunLocalAddr = "198.18.0.1"
	tunPeerAddr  = "198.18.0.2"
	tunSubnet    = "198.18.0.0/15"
	tunMTU       = "9000"
)

// TunDeviceDriver 分配一个 utun 虚拟设备，配置点对点地址并把子网路由
// 指过去（tun 模式的首选机制）。设备由打开的控制 socket 持有，关闭
// 描述符即释放设备。
type TunDeviceDriver struct {
	runner    shared.Runner
	inspector *netinspect.Inspector
	log       *slog.Logger

	mu   sync.Mutex
	fd   int
	name string
}

// NewTunDeviceDriver 创建驱动
func NewTunDeviceDriver(deps Deps) *TunDeviceDriver {
	return &TunDeviceDriver{
		runner:    deps.Runner,
		inspector: deps.Inspector,
		log:       deps.logger(),
		fd:        -1,
	}
}

func (d *TunDeviceDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:           "utun-device",
		Name:         "TUN Device",
		Kind:         domain.KindTUNDevice,
		Modes:        []domain.CaptureMode{domain.ModeTUN},
		RequiresRoot: true,
	}
}

func (d *TunDeviceDriver) FallbackPriority(domain.CaptureMode) int { return 0 }

func (d *TunDeviceDriver) IsAvailable(mode domain.CaptureMode) bool {
	return mode == domain.ModeTUN && utunSupported()
}

func (d *TunDeviceDriver) Activate(ctx context.Context, _ domain.CaptureMode, _ domain.ActivationContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.name != "" {
		return fmt.Errorf("tun device %s already active", d.name)
	}

	fd, name, err := openUtun()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTunDeviceUnavailable, err)
	}

	if _, err := d.runner.Run(ctx, "ifconfig", []string{name, tunLocalAddr, tunPeerAddr, "mtu", tunMTU, "up"}, nil); err != nil {
		closeUtun(fd)
		return fmt.Errorf("bring up %s: %w", name, err)
	}
	if _, err := d.runner.Run(ctx, "route", []string{"-n", "add", "-net", tunSubnet, "-interface", name}, nil); err != nil {
		closeUtun(fd)
		return fmt.Errorf("route %s via %s: %w", tunSubnet, name, err)
	}

	d.fd = fd
	d.name = name
	d.log.Info("tun device up", "interface", name, "subnet", tunSubnet)
	return nil
}

func (d *TunDeviceDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	d.mu.Lock()
	fd, name := d.fd, d.name
	d.fd, d.name = -1, ""
	d.mu.Unlock()

	if name == "" {
		d.log.Debug("tun device not active, nothing to tear down")
		return nil
	}

	if _, err := d.runner.Run(ctx, "route", []string{"-n", "delete", "-net", tunSubnet}, nil); err != nil {
		d.log.Warn("delete tun route failed", "interface", name, "error", err)
	}
	// 关闭控制 socket 即销毁 utun 设备
	closeUtun(fd)
	d.log.Info("tun device released", "interface", name)
	return nil
}

func (d *TunDeviceDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	name := d.name
	d.mu.Unlock()

	if name == "" {
		return domain.DriverStatus{Summary: "tun device not allocated"}
	}
	summary := fmt.Sprintf("tun device %s (%s -> %s)", name, tunLocalAddr, tunPeerAddr)
	if d.inspector != nil && !d.inspector.InterfaceExists(ctx, name) {
		return domain.DriverStatus{Summary: summary, Diagnostics: "interface missing from system"}
	}
	return domain.DriverStatus{Active: true, Summary: summary}
}
