package drivers

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"kiri/backend/domain"
	"kiri/backend/shared"
)

// 两条半程路由合起来覆盖整个 IPv4 地址空间，又比默认路由更精确，
// 所以无需改动系统默认路由即可接管全部流量
var halfRangeRoutes = []string{"0.0.0.0/1", "128.0.0.0/1"}

const routeGateway = "127.0.0.1"

// RouteOverrideDriver 添加两条半程路由把全部 IPv4 流量指向回环网关
// （tun 模式的最终回退机制，粒度最粗但几乎总能生效）。
type RouteOverrideDriver struct {
	runner shared.Runner
	log    *slog.Logger

	mu        sync.Mutex
	installed bool
}

// NewRouteOverrideDriver 创建驱动
func NewRouteOverrideDriver(deps Deps) *RouteOverrideDriver {
	return &RouteOverrideDriver{runner: deps.Runner, log: deps.logger()}
}

func (d *RouteOverrideDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:           "route-override",
		Name:         "Route Override",
		Kind:         domain.KindRoutingOverride,
		Modes:        []domain.CaptureMode{domain.ModeTUN},
		RequiresRoot: true,
	}
}

func (d *RouteOverrideDriver) FallbackPriority(domain.CaptureMode) int { return 3 }

func (d *RouteOverrideDriver) Activate(ctx context.Context, _ domain.CaptureMode, _ domain.ActivationContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, net := range halfRangeRoutes {
		out, err := d.runner.Run(ctx, "route", []string{"-n", "add", "-net", net, routeGateway}, nil)
		if err == nil {
			continue
		}
		// 第二条失败时撤掉第一条，绝不留下半套路由
		for _, added := range halfRangeRoutes[:i] {
			if _, derr := d.runner.Run(ctx, "route", []string{"-n", "delete", "-net", added}, nil); derr != nil {
				d.log.Warn("rollback route failed", "net", added, "error", derr)
			}
		}
		return &domain.ConfigStepError{Subsystem: "routing", Message: "add " + net + ": " + strings.TrimSpace(out), Err: err}
	}

	d.installed = true
	d.log.Info("half-range routes installed", "gateway", routeGateway)
	return nil
}

func (d *RouteOverrideDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	d.mu.Lock()
	installed := d.installed
	d.installed = false
	d.mu.Unlock()

	if !installed {
		d.log.Debug("half-range routes not installed, nothing to tear down")
		return nil
	}

	var firstErr error
	for _, net := range halfRangeRoutes {
		out, err := d.runner.Run(ctx, "route", []string{"-n", "delete", "-net", net}, nil)
		if err == nil {
			continue
		}
		// 路由可能已被系统(如网络切换)清掉；缺失不算失败
		if strings.Contains(out, "not in table") || strings.Contains(err.Error(), "not in table") {
			continue
		}
		if firstErr == nil {
			firstErr = &domain.ConfigStepError{Subsystem: "routing", Message: "delete " + net, Err: err}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	d.log.Info("half-range routes removed")
	return nil
}

func (d *RouteOverrideDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	installed := d.installed
	d.mu.Unlock()

	if !installed {
		return domain.DriverStatus{Summary: "half-range routes not installed"}
	}
	summary := "0.0.0.0/1 and 128.0.0.0/1 via " + routeGateway
	out, err := d.runner.Run(ctx, "route", []string{"-n", "get", halfRangeRoutes[0]}, nil)
	if err != nil {
		return domain.DriverStatus{Summary: summary, Diagnostics: err.Error()}
	}
	if !strings.Contains(out, routeGateway) {
		return domain.DriverStatus{Summary: summary, Diagnostics: "route no longer points at gateway"}
	}
	return domain.DriverStatus{Active: true, Summary: summary}
}
