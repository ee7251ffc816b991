package capture

import (
	"sync"

	"kiri/backend/domain"
)

// Registry 以 ID 为键持有全部已注册驱动。
// 驱动注册是程序化的（编排器的 Register/Unregister），没有插件发现机制。
type Registry struct {
	mu      sync.RWMutex
	drivers map[domain.DriverID]Driver
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[domain.DriverID]Driver)}
}

// Add 插入驱动；同 ID 覆盖旧注册。
func (r *Registry) Add(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Descriptor().ID] = d
}

// Remove 按 ID 移除驱动，返回是否存在。
func (r *Registry) Remove(id domain.DriverID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[id]; !ok {
		return false
	}
	delete(r.drivers, id)
	return true
}

// Get 按 ID 查找驱动
func (r *Registry) Get(id domain.DriverID) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	return d, ok
}

// All 返回全部驱动（无序副本）
func (r *Registry) All() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	return out
}

// Supporting 返回声明支持指定模式的驱动（无序副本）
func (r *Registry) Supporting(mode domain.CaptureMode) []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		if d.Descriptor().Supports(mode) {
			out = append(out, d)
		}
	}
	return out
}

// Descriptors 按模式分组返回驱动描述，每个模式都有条目（可能为空表）。
// 列表按显示名排序。
func (r *Registry) Descriptors() map[domain.CaptureMode][]domain.DriverDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.CaptureMode][]domain.DriverDescriptor, 4)
	for _, mode := range domain.AllCaptureModes() {
		list := make([]domain.DriverDescriptor, 0)
		for _, d := range r.drivers {
			if desc := d.Descriptor(); desc.Supports(mode) {
				list = append(list, desc)
			}
		}
		domain.SortDescriptorsByName(list)
		out[mode] = list
	}
	return out
}
