package events

import "kiri/backend/domain"

// EventType 事件类型
type EventType string

const (
	// 捕获状态事件
	EventStateChanged EventType = "capture.state_changed"

	// 驱动注册事件
	EventDriverRegistered   EventType = "driver.registered"
	EventDriverUnregistered EventType = "driver.unregistered"

	// 设置事件
	EventSettingsChanged EventType = "settings.changed"

	// 通配符事件（用于订阅所有事件）
	EventAll EventType = "*"
)

// Event 事件接口
type Event interface {
	Type() EventType
}

// StateEvent 捕获状态快照事件。
// 每次逻辑状态迁移显式发布一次，快照为深拷贝，订阅方可直接持有。
type StateEvent struct {
	EventType EventType
	State     domain.CaptureState
}

func (e StateEvent) Type() EventType { return e.EventType }

// DriverEvent 驱动注册/注销事件
type DriverEvent struct {
	EventType EventType
	DriverID  domain.DriverID
}

func (e DriverEvent) Type() EventType { return e.EventType }

// SettingsEvent 设置变更事件
type SettingsEvent struct {
	EventType EventType
}

func (e SettingsEvent) Type() EventType { return e.EventType }
