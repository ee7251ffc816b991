// Package drivers 提供四种捕获模式的十个具体驱动实现。
//
// 模式与机制：
//
//	global  系统偏好代理（特权助手） → networksetup 逐服务设置
//	pac     系统偏好 PAC（特权助手） → networksetup setautoproxyurl
//	manual  内核子进程监管          → 低层 spawn
//	tun     utun 设备 + 路由        → pf 重定向 → ipfw divert → 半域路由覆盖
//
// 每个驱动的 Deactivate 对称撤销自己的 Activate，并容忍未激活/部分激活
// 时被调用。
package drivers

import (
	"context"
	"log/slog"

	"kiri/backend/applog"
	"kiri/backend/capture"
	"kiri/backend/helper"
	"kiri/backend/netinspect"
	"kiri/backend/shared"
)

// HelperClient 特权助手操作子集（见 backend/helper）
type HelperClient interface {
	EnableProxy(ctx context.Context, settings helper.ProxySettings) error
	DisableProxy(ctx context.Context, filterInterface bool) error
	StartProcess(ctx context.Context, spec helper.ProcessSpec) error
	StopProcess(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Deps 驱动共享的外部协作者
type Deps struct {
	Runner    shared.Runner
	Helper    HelperClient
	Inspector *netinspect.Inspector
	CoreLog   *applog.CoreLog
	Log       *slog.Logger

	// CorePath 内核可执行文件路径（manual 模式）
	CorePath string
	// ExtraCoreArgs 附加给内核的参数（已按 shell 规则切分）
	ExtraCoreArgs []string
	// FilterInterface 限定只改有线/Wi-Fi 网络服务
	FilterInterface bool
	// IgnoreList 代理例外主机列表
	IgnoreList []string
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// RegisterAll 把全部内建驱动注册进编排器
func RegisterAll(o *capture.Orchestrator, deps Deps) {
	o.Register(NewHelperProxyDriver(deps))
	o.Register(NewNetworksetupProxyDriver(deps))
	o.Register(NewHelperPACDriver(deps))
	o.Register(NewNetworksetupPACDriver(deps))
	o.Register(NewCoreSupervisorDriver(deps))
	o.Register(NewCoreSpawnDriver(deps))
	o.Register(NewTunDeviceDriver(deps))
	o.Register(NewPFRedirectDriver(deps))
	o.Register(NewIPFWDivertDriver(deps))
	o.Register(NewRouteOverrideDriver(deps))
}
