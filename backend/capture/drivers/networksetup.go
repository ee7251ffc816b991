package drivers

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"kiri/backend/domain"
	"kiri/backend/netinspect"
	"kiri/backend/shared"
)

const networksetupBin = "networksetup"

// listNetworkServices 解析 networksetup -listallnetworkservices 的输出。
// 首行说明文字跳过；被禁用的服务带 "*" 前缀，剥掉后保留。
func listNetworkServices(ctx context.Context, runner shared.Runner) ([]string, error) {
	out, err := runner.Run(ctx, networksetupBin, []string{"-listallnetworkservices"}, nil)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(out, "\n")
	services := make([]string, 0, len(lines))
	for _, line := range lines {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, "An asterisk") {
			continue
		}
		s = strings.TrimSpace(strings.TrimPrefix(s, "*"))
		if s == "" {
			continue
		}
		services = append(services, s)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("no network services found")
	}
	return services, nil
}

// filterServices 限定只改有线/Wi-Fi 服务（虚拟接口、VPN 服务等跳过）
func filterServices(services []string, filter bool) []string {
	if !filter {
		return services
	}
	out := make([]string, 0, len(services))
	for _, s := range services {
		if strings.Contains(s, "Wi-Fi") || strings.Contains(s, "Ethernet") || strings.Contains(s, "LAN") || strings.Contains(s, "AirPort") {
			out = append(out, s)
		}
	}
	return out
}

func networksetupAvailable() bool {
	_, err := exec.LookPath(networksetupBin)
	return err == nil
}

// NetworksetupProxyDriver 用 networksetup 对每个网络服务做等价的
// set*proxy / set*proxystate 调用（global 模式的 CLI 回退机制）。
//
// 多服务循环没有跨服务的原子性：中途失败时已改过的服务不回滚。
type NetworksetupProxyDriver struct {
	runner    shared.Runner
	inspector *netinspect.Inspector
	filter    bool
	ignore    []string

	mu        sync.Mutex
	lastHTTP  int
	lastSocks int
}

// NewNetworksetupProxyDriver 创建驱动
func NewNetworksetupProxyDriver(deps Deps) *NetworksetupProxyDriver {
	return &NetworksetupProxyDriver{
		runner:    deps.Runner,
		inspector: deps.Inspector,
		filter:    deps.FilterInterface,
		ignore:    deps.IgnoreList,
	}
}

func (d *NetworksetupProxyDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:    "networksetup-proxy",
		Name:  "networksetup Proxy",
		Kind:  domain.KindCLITool,
		Modes: []domain.CaptureMode{domain.ModeGlobal},
	}
}

func (d *NetworksetupProxyDriver) FallbackPriority(domain.CaptureMode) int { return 1 }

func (d *NetworksetupProxyDriver) IsAvailable(mode domain.CaptureMode) bool {
	return mode == domain.ModeGlobal && networksetupAvailable()
}

func (d *NetworksetupProxyDriver) Activate(ctx context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	services, err := listNetworkServices(ctx, d.runner)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkSetupUnavailable, err)
	}
	services = filterServices(services, d.filter)

	httpPort := strconv.Itoa(actx.HTTPPort)
	socksPort := strconv.Itoa(actx.SocksPort)
	for _, svc := range services {
		steps := [][]string{
			{"-setwebproxy", svc, "127.0.0.1", httpPort},
			{"-setwebproxystate", svc, "on"},
			{"-setsecurewebproxy", svc, "127.0.0.1", httpPort},
			{"-setsecurewebproxystate", svc, "on"},
			{"-setsocksfirewallproxy", svc, "127.0.0.1", socksPort},
			{"-setsocksfirewallproxystate", svc, "on"},
		}
		if len(d.ignore) > 0 {
			steps = append(steps, append([]string{"-setproxybypassdomains", svc}, d.ignore...))
		}
		for _, args := range steps {
			if _, err := d.runner.Run(ctx, networksetupBin, args, nil); err != nil {
				return err
			}
		}
	}

	d.mu.Lock()
	d.lastHTTP = actx.HTTPPort
	d.lastSocks = actx.SocksPort
	d.mu.Unlock()
	return nil
}

func (d *NetworksetupProxyDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	services, err := listNetworkServices(ctx, d.runner)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkSetupUnavailable, err)
	}
	services = filterServices(services, d.filter)

	var firstErr error
	for _, svc := range services {
		for _, args := range [][]string{
			{"-setwebproxystate", svc, "off"},
			{"-setsecurewebproxystate", svc, "off"},
			{"-setsocksfirewallproxystate", svc, "off"},
		} {
			if _, err := d.runner.Run(ctx, networksetupBin, args, nil); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	d.mu.Lock()
	d.lastHTTP, d.lastSocks = 0, 0
	d.mu.Unlock()
	return firstErr
}

func (d *NetworksetupProxyDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	httpPort, socksPort := d.lastHTTP, d.lastSocks
	d.mu.Unlock()

	if httpPort == 0 {
		return domain.DriverStatus{Summary: "system proxy not applied by this driver"}
	}
	summary := fmt.Sprintf("networksetup proxy -> 127.0.0.1:%d (http) / :%d (socks)", httpPort, socksPort)
	if d.inspector == nil {
		return domain.DriverStatus{Active: true, Summary: summary}
	}
	ok, err := d.inspector.IsProxySetToExpected(ctx, httpPort, socksPort, false)
	if err != nil {
		return domain.DriverStatus{Active: true, Summary: summary, Diagnostics: err.Error()}
	}
	if !ok {
		return domain.DriverStatus{Summary: summary, Diagnostics: "system proxy drifted from expected settings"}
	}
	return domain.DriverStatus{Active: true, Summary: summary}
}

// NetworksetupPACDriver 用 networksetup 逐服务设置 PAC（pac 模式的 CLI
// 回退机制）。激活时顺带关掉手动代理开关，避免两类设置叠加。
type NetworksetupPACDriver struct {
	runner    shared.Runner
	inspector *netinspect.Inspector
	filter    bool

	mu         sync.Mutex
	lastPACURL string
}

// NewNetworksetupPACDriver 创建驱动
func NewNetworksetupPACDriver(deps Deps) *NetworksetupPACDriver {
	return &NetworksetupPACDriver{
		runner:    deps.Runner,
		inspector: deps.Inspector,
		filter:    deps.FilterInterface,
	}
}

func (d *NetworksetupPACDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:    "networksetup-pac",
		Name:  "networksetup PAC",
		Kind:  domain.KindCLITool,
		Modes: []domain.CaptureMode{domain.ModePAC},
	}
}

func (d *NetworksetupPACDriver) FallbackPriority(domain.CaptureMode) int { return 1 }

func (d *NetworksetupPACDriver) IsAvailable(mode domain.CaptureMode) bool {
	return mode == domain.ModePAC && networksetupAvailable()
}

func (d *NetworksetupPACDriver) Activate(ctx context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	if actx.PACURL == "" {
		return fmt.Errorf("pac mode requires a PAC URL in the activation context")
	}
	services, err := listNetworkServices(ctx, d.runner)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkSetupUnavailable, err)
	}
	services = filterServices(services, d.filter)

	for _, svc := range services {
		for _, args := range [][]string{
			{"-setautoproxyurl", svc, actx.PACURL},
			{"-setautoproxystate", svc, "on"},
			{"-setwebproxystate", svc, "off"},
			{"-setsecurewebproxystate", svc, "off"},
			{"-setsocksfirewallproxystate", svc, "off"},
		} {
			if _, err := d.runner.Run(ctx, networksetupBin, args, nil); err != nil {
				return err
			}
		}
	}

	d.mu.Lock()
	d.lastPACURL = actx.PACURL
	d.mu.Unlock()
	return nil
}

func (d *NetworksetupPACDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	services, err := listNetworkServices(ctx, d.runner)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkSetupUnavailable, err)
	}
	services = filterServices(services, d.filter)

	var firstErr error
	for _, svc := range services {
		if _, err := d.runner.Run(ctx, networksetupBin, []string{"-setautoproxystate", svc, "off"}, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.mu.Lock()
	d.lastPACURL = ""
	d.mu.Unlock()
	return firstErr
}

func (d *NetworksetupPACDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	pacURL := d.lastPACURL
	d.mu.Unlock()

	if pacURL == "" {
		return domain.DriverStatus{Summary: "PAC not applied by this driver"}
	}
	summary := "networksetup PAC -> " + pacURL
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
