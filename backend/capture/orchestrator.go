package capture

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiri/backend/domain"
	"kiri/backend/events"
	"kiri/backend/persist"
)

// SettingsStore 外部设置存储（模式/偏好跨重启保留）
type SettingsStore interface {
	Load() (persist.Settings, error)
	Save(persist.Settings) error
}

// Metrics 编排器埋点（可选观察者，全部回调都在持锁路径上，必须快）
type Metrics interface {
	ActivationAttempt(mode domain.CaptureMode)
	DriverFailure(mode domain.CaptureMode, id domain.DriverID)
	Fallback(mode domain.CaptureMode)
	ActiveChanged(active bool)
}

// Orchestrator 捕获编排器：持有选中模式、活动驱动、每模式偏好驱动与
// 自动回退开关，实现回退链解析与激活/停用算法，发布不可变状态快照。
//
// 全部状态变更由内部互斥锁串行化；快照发布因此是全序的。
//
// 已知并保留的源行为：在旧模式的驱动仍处于激活状态时 Activate 新模式
// 不会先停用旧驱动，调用方需要自行先 DeactivateCurrent。
type Orchestrator struct {
	registry *Registry
	store    SettingsStore
	bus      *events.Bus
	log      *slog.Logger

	attemptTimeout time.Duration
	metrics        Metrics

	mu    sync.Mutex
	state domain.CaptureState
}

// Option 编排器构造选项
type Option func(*Orchestrator)

// WithAttemptTimeout 给单个驱动的激活/停用尝试加上限时。
// 零值保持源契约：不限时，慢的外部工具会一直阻塞激活。
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.attemptTimeout = d }
}

// WithMetrics 挂接埋点观察者
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator 创建编排器并从设置存储恢复模式/偏好。
// 未知驱动 ID 的偏好在此处对照注册表丢弃。
func NewOrchestrator(registry *Registry, store SettingsStore, bus *events.Bus, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		registry: registry,
		store:    store,
		bus:      bus,
		log:      log,
		state: domain.CaptureState{
			SelectedMode:     domain.ModeGlobal,
			PreferredDrivers: make(map[domain.CaptureMode]domain.DriverID),
			AutoFallback:     true,
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	if store != nil {
		st, err := store.Load()
		if err != nil {
			log.Warn("load capture settings failed, using defaults", "error", err)
		} else {
			if mode, ok := domain.ParseCaptureMode(st.SelectedMode); ok {
				o.state.SelectedMode = mode
			}
			o.state.AutoFallback = st.AutoFallback
			for modeStr, driverStr := range st.PreferredDrivers {
				mode, ok := domain.ParseCaptureMode(modeStr)
				if !ok {
					continue
				}
				id := domain.DriverID(driverStr)
				if _, ok := registry.Get(id); !ok {
					log.Warn("dropping preference for unknown driver", "mode", mode, "driver", id)
					continue
				}
				o.state.PreferredDrivers[mode] = id
			}
		}
	}

	o.state.AvailableDrivers = registry.Descriptors()
	return o
}

// State 返回当前状态快照（深拷贝）
func (o *Orchestrator) State() domain.CaptureState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// ResolveChain 返回指定模式的有效回退链（驱动 ID 序）。
// 排序：该模式的偏好驱动绝对靠前（仅当它支持该模式）；其余按
// FallbackPriority 升序，相同时按显示名升序。自动回退关闭时链只含首个
// 元素（单次尝试，不跨驱动重试）。
func (o *Orchestrator) ResolveChain(mode domain.CaptureMode) []domain.DriverID {
	o.mu.Lock()
	defer o.mu.Unlock()
	chain := o.resolveChainLocked(mode)
	ids := make([]domain.DriverID, 0, len(chain))
	for _, d := range chain {
		ids = append(ids, d.Descriptor().ID)
	}
	return ids
}

func (o *Orchestrator) resolveChainLocked(mode domain.CaptureMode) []Driver {
	candidates := o.registry.Supporting(mode)
	if len(candidates) == 0 {
		return nil
	}

	preferred, hasPreferred := o.state.PreferredDrivers[mode]
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := candidates[i].Descriptor(), candidates[j].Descriptor()
		if hasPreferred {
			if di.ID == preferred && dj.ID != preferred {
				return true
			}
			if dj.ID == preferred && di.ID != preferred {
				return false
			}
		}
		pi, pj := fallbackPriority(candidates[i], mode), fallbackPriority(candidates[j], mode)
		if pi != pj {
			return pi < pj
		}
		if di.Name != dj.Name {
			return di.Name < dj.Name
		}
		return di.ID < dj.ID
	})

	if !o.state.AutoFallback {
		return candidates[:1]
	}
	return candidates
}

// Activate 为指定模式解析回退链并依序尝试激活。
// 驱动级失败不会单独外泄：要么成功，要么聚合为 *domain.ActivationError，
// 要么（无驱动时）返回 *domain.NoDriversAvailableError。
func (o *Orchestrator) Activate(ctx context.Context, mode domain.CaptureMode, actx domain.ActivationContext) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	attempt := uuid.NewString()
	if o.metrics != nil {
		o.metrics.ActivationAttempt(mode)
	}

	o.state.SelectedMode = mode
	o.state.LastError = ""
	o.saveSettingsLocked()

	chain := o.resolveChainLocked(mode)
	if len(chain) == 0 {
		o.publishLocked()
		o.log.Warn("no drivers available", "mode", mode, "attempt", attempt)
		return &domain.NoDriversAvailableError{Mode: mode}
	}

	o.state.Activating = true
	o.publishLocked()
	defer func() {
		// 任何退出路径都要清掉 activating
		if o.state.Activating {
			o.state.Activating = false
			o.publishLocked()
		}
	}()

	var failures []domain.DriverFailure
	for i, d := range chain {
		id := d.Descriptor().ID
		if !isAvailable(d, mode) {
			o.log.Debug("driver unavailable, skipping", "driver", id, "mode", mode, "attempt", attempt)
			continue
		}

		o.log.Info("activating driver", "driver", id, "mode", mode, "attempt", attempt)
		err := o.attemptLocked(ctx, func(c context.Context) error {
			return d.Activate(c, mode, actx)
		})
		if err == nil {
			o.state.ActiveDriver = id
			o.state.Active = true
			o.state.Activating = false
			o.publishLocked()
			if o.metrics != nil {
				if i > 0 {
					o.metrics.Fallback(mode)
				}
				o.metrics.ActiveChanged(true)
			}
			o.log.Info("driver active", "driver", id, "mode", mode, "attempt", attempt)
			return nil
		}

		o.log.Warn("driver activation failed", "driver", id, "mode", mode, "attempt", attempt, "error", err)
		failures = append(failures, domain.DriverFailure{Driver: id, Message: err.Error()})
		o.state.LastError = err.Error()
		if o.metrics != nil {
			o.metrics.DriverFailure(mode, id)
		}
	}

	o.state.ActiveDriver = ""
	o.state.Active = false
	o.state.Activating = false
	actErr := &domain.ActivationError{Mode: mode, Failures: failures}
	o.state.LastError = actErr.Error()
	o.publishLocked()
	if o.metrics != nil {
		o.metrics.ActiveChanged(false)
	}
	return actErr
}

// DeactivateCurrent 停用当前活动驱动。
// 停用是尽力而为：失败只记入 LastError 和日志，从不向调用方抛出；
// 无活动驱动时是幂等空操作。
func (o *Orchestrator) DeactivateCurrent(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.ActiveDriver == "" {
		o.state.Active = false
		return
	}

	id := o.state.ActiveDriver
	if d, ok := o.registry.Get(id); ok {
		err := o.attemptLocked(ctx, func(c context.Context) error {
			return d.Deactivate(c, o.state.SelectedMode)
		})
		if err != nil {
			o.state.LastError = err.Error()
			o.log.Warn("driver deactivation failed", "driver", id, "mode", o.state.SelectedMode, "error", err)
		} else {
			o.state.LastError = ""
		}
	}

	o.state.ActiveDriver = ""
	o.state.Active = false
	o.publishLocked()
	if o.metrics != nil {
		o.metrics.ActiveChanged(false)
	}
}

// SetPreferredDriver 设置/清除某模式的偏好驱动（空 ID 清除）。
// 偏好只影响链排序，不影响资格。
func (o *Orchestrator) SetPreferredDriver(mode domain.CaptureMode, id domain.DriverID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id == "" {
		delete(o.state.PreferredDrivers, mode)
	} else {
		o.state.PreferredDrivers[mode] = id
	}
	o.saveSettingsLocked()
	o.publishLocked()
	if o.bus != nil {
		o.bus.PublishSync(events.SettingsEvent{EventType: events.EventSettingsChanged})
	}
}

// SetAutoFallback 开关自动回退策略
func (o *Orchestrator) SetAutoFallback(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.AutoFallback = enabled
	o.saveSettingsLocked()
	o.publishLocked()
	if o.bus != nil {
		o.bus.PublishSync(events.SettingsEvent{EventType: events.EventSettingsChanged})
	}
}

// Register 注册驱动（同 ID 覆盖）并重新发布可用驱动列表
func (o *Orchestrator) Register(d Driver) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.registry.Add(d)
	o.state.AvailableDrivers = o.registry.Descriptors()
	o.publishLocked()
	if o.bus != nil {
		o.bus.PublishSync(events.DriverEvent{EventType: events.EventDriverRegistered, DriverID: d.Descriptor().ID})
	}
}

// Unregister 注销驱动。
// 保留的源行为：若注销的是活动驱动，状态直接置为未激活而不调用其
// Deactivate，底层系统变更会失去归属（记一条警告日志）。
func (o *Orchestrator) Unregister(id domain.DriverID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.registry.Remove(id) {
		return
	}
	if o.state.ActiveDriver == id {
		o.log.Warn("unregistered driver was active; system state left as-is", "driver", id)
		o.state.ActiveDriver = ""
		o.state.Active = false
		if o.metrics != nil {
			o.metrics.ActiveChanged(false)
		}
	}
	o.state.AvailableDrivers = o.registry.Descriptors()
	o.publishLocked()
	if o.bus != nil {
		o.bus.PublishSync(events.DriverEvent{EventType: events.EventDriverUnregistered, DriverID: id})
	}
}

// DriverStatus 查询指定驱动对指定模式的自检状态
func (o *Orchestrator) DriverStatus(ctx context.Context, id domain.DriverID, mode domain.CaptureMode) (domain.DriverStatus, bool) {
	d, ok := o.registry.Get(id)
	if !ok {
		return domain.DriverStatus{}, false
	}
	return d.Status(ctx, mode), true
}

func (o *Orchestrator) attemptLocked(ctx context.Context, fn func(context.Context) error) error {
	if o.attemptTimeout <= 0 {
		return fn(ctx)
	}
	c, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()
	return fn(c)
}

func (o *Orchestrator) publishLocked() {
	if o.bus == nil {
		return
	}
	o.bus.PublishSync(events.StateEvent{EventType: events.EventStateChanged, State: o.state.Clone()})
}

func (o *Orchestrator) saveSettingsLocked() {
	if o.store == nil {
		return
	}
	st := persist.Settings{
		SelectedMode:     o.state.SelectedMode.String(),
		PreferredDrivers: make(map[string]string, len(o.state.PreferredDrivers)),
		AutoFallback:     o.state.AutoFallback,
	}
	for mode, id := range o.state.PreferredDrivers {
		st.PreferredDrivers[mode.String()] = string(id)
	}
	if err := o.store.Save(st); err != nil {
		o.log.Warn("persist capture settings failed", "error", err)
	}
}
