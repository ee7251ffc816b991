package drivers

import (
	"context"
	"fmt"
	"sync"

	"kiri/backend/domain"
	"kiri/backend/helper"
	"kiri/backend/netinspect"
)

// HelperProxyDriver 通过特权助手把 HTTP/HTTPS/SOCKS 代理写入系统网络
// 偏好（global 模式的首选机制）。
type HelperProxyDriver struct {
	helper    HelperClient
	inspector *netinspect.Inspector
	filter    bool
	ignore    []string

	mu          sync.Mutex
	lastApplied *helper.ProxySettings
}

// NewHelperProxyDriver 创建驱动
func NewHelperProxyDriver(deps Deps) *HelperProxyDriver {
	return &HelperProxyDriver{
		helper:    deps.Helper,
		inspector: deps.Inspector,
		filter:    deps.FilterInterface,
		ignore:    deps.IgnoreList,
	}
}

func (d *HelperProxyDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:           "helper-proxy",
		Name:         "Privileged Helper Proxy",
		Kind:         domain.KindSystemConfig,
		Modes:        []domain.CaptureMode{domain.ModeGlobal},
		RequiresRoot: true,
	}
}

func (d *HelperProxyDriver) FallbackPriority(domain.CaptureMode) int { return 0 }

func (d *HelperProxyDriver) IsAvailable(mode domain.CaptureMode) bool {
	return mode == domain.ModeGlobal && d.helper != nil
}

func (d *HelperProxyDriver) Activate(ctx context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	if d.helper == nil {
		return domain.ErrSystemConfigurationUnavailable
	}
	settings := helper.ProxySettings{
		HTTPPort:        actx.HTTPPort,
		SocksPort:       actx.SocksPort,
		FilterInterface: d.filter,
		IgnoreList:      d.ignore,
	}
	if err := d.helper.EnableProxy(ctx, settings); err != nil {
		return err
	}
	d.mu.Lock()
	d.lastApplied = &settings
	d.mu.Unlock()
	return nil
}

func (d *HelperProxyDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	if d.helper == nil {
		return nil
	}
	err := d.helper.DisableProxy(ctx, d.filter)
	d.mu.Lock()
	d.lastApplied = nil
	d.mu.Unlock()
	return err
}

func (d *HelperProxyDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	applied := d.lastApplied
	d.mu.Unlock()

	if applied == nil {
		return domain.DriverStatus{Summary: "system proxy not applied by this driver"}
	}
	summary := fmt.Sprintf("system proxy -> 127.0.0.1:%d (http) / :%d (socks)", applied.HTTPPort, applied.SocksPort)
	if d.inspector == nil {
		return domain.DriverStatus{Active: true, Summary: summary}
	}
	ok, err := d.inspector.IsProxySetToExpected(ctx, applied.HTTPPort, applied.SocksPort, true)
	if err != nil {
		return domain.DriverStatus{Active: true, Summary: summary, Diagnostics: err.Error()}
	}
	if !ok {
		return domain.DriverStatus{Summary: summary, Diagnostics: "system proxy drifted from expected settings"}
	}
	return domain.DriverStatus{Active: true, Summary: summary}
}

// HelperPACDriver 通过特权助手写入 PAC URL 与自动配置开关（pac 模式的
// 首选机制）。其余代理类型开关由助手侧清除。
type HelperPACDriver struct {
	helper    HelperClient
	inspector *netinspect.Inspector
	filter    bool

	mu         sync.Mutex
	lastPACURL string
}

// NewHelperPACDriver 创建驱动
func NewHelperPACDriver(deps Deps) *HelperPACDriver {
	return &HelperPACDriver{
		helper:    deps.Helper,
		inspector: deps.Inspector,
		filter:    deps.FilterInterface,
	}
}

func (d *HelperPACDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:           "helper-pac",
		Name:         "Privileged Helper PAC",
		Kind:         domain.KindSystemConfig,
		Modes:        []domain.CaptureMode{domain.ModePAC},
		RequiresRoot: true,
	}
}

func (d *HelperPACDriver) FallbackPriority(domain.CaptureMode) int { return 0 }

func (d *HelperPACDriver) IsAvailable(mode domain.CaptureMode) bool {
	return mode == domain.ModePAC && d.helper != nil
}

func (d *HelperPACDriver) Activate(ctx context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	if d.helper == nil {
		return domain.ErrSystemConfigurationUnavailable
	}
	if actx.PACURL == "" {
		return fmt.Errorf("pac mode requires a PAC URL in the activation context")
	}
	err := d.helper.EnableProxy(ctx, helper.ProxySettings{
		HTTPPort:        actx.HTTPPort,
		SocksPort:       actx.SocksPort,
		PACURL:          actx.PACURL,
		FilterInterface: d.filter,
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.lastPACURL = actx.PACURL
	d.mu.Unlock()
	return nil
}

func (d *HelperPACDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	if d.helper == nil {
		return nil
	}
	err := d.helper.DisableProxy(ctx, d.filter)
	d.mu.Lock()
	d.lastPACURL = ""
	d.mu.Unlock()
	return err
}

func (d *HelperPACDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	pacURL := d.lastPACURL
	d.mu.Unlock()

	if pacURL == "" {
		return domain.DriverStatus{Summary: "PAC not applied by this driver"}
	}
	summary := "PAC -> " + pacURL
	if d.inspector == nil {
		return domain.DriverStatus{Active: true, Summary: summary}
	}
	ok, err := d.inspector.IsPACSetTo(ctx, pacURL)
	if err != nil {
		return domain.DriverStatus{Active: true, Summary: summary, Diagnostics: err.Error()}
	}
	if !ok {
		return domain.DriverStatus{Summary: summary, Diagnostics: "system PAC drifted from expected URL"}
	}
	return domain.DriverStatus{Active: true, Summary: summary}
}
