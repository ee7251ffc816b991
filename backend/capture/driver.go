package capture

import (
	"context"

	"kiri/backend/domain"
)

// Driver 单个底层捕获机制的能力抽象。
// Activate/Deactivate 的副作用是真实的系统级变更（网络偏好写入、进程
// 拉起、设备分配、防火墙规则插入）；实现必须能用自己的 Deactivate 撤销
// 自己的 Activate，并容忍在未激活/部分激活时被调用（记日志而不是报错）。
type Driver interface {
	// Descriptor 返回静态描述（ID、显示名、机制分类、支持的模式）
	Descriptor() domain.DriverDescriptor

	// Activate 为指定模式接入捕获；失败返回错误
	Activate(ctx context.Context, mode domain.CaptureMode, actx domain.ActivationContext) error

	// Deactivate 对称撤销 Activate 所做的一切
	Deactivate(ctx context.Context, mode domain.CaptureMode) error

	// Status 尽力自检，不返回错误
	Status(ctx context.Context, mode domain.CaptureMode) domain.DriverStatus
}

// FallbackPrioritizer 可选实现：声明回退链内的排序优先级（越小越靠前）。
// 未实现时按默认值 0 处理。
type FallbackPrioritizer interface {
	FallbackPriority(mode domain.CaptureMode) int
}

// AvailabilityChecker 可选实现：激活前的可用性预检。
// 未实现时默认等同于"声明支持该模式"。
type AvailabilityChecker interface {
	IsAvailable(mode domain.CaptureMode) bool
}

func fallbackPriority(d Driver, mode domain.CaptureMode) int {
	if p, ok := d.(FallbackPrioritizer); ok {
		return p.FallbackPriority(mode)
	}
	return 0
}

func isAvailable(d Driver, mode domain.CaptureMode) bool {
	if c, ok := d.(AvailabilityChecker); ok {
		return c.IsAvailable(mode)
	}
	return d.Descriptor().Supports(mode)
}
