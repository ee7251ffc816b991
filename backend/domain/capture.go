package domain

import "sort"

// CaptureMode 流量捕获模式
type CaptureMode string

const (
	ModeGlobal CaptureMode = "global"
	ModePAC    CaptureMode = "pac"
	ModeManual CaptureMode = "manual"
	ModeTUN    CaptureMode = "tun"
)

// AllCaptureModes 返回全部捕获模式（固定顺序）
func AllCaptureModes() []CaptureMode {
	return []CaptureMode{ModeGlobal, ModePAC, ModeManual, ModeTUN}
}

// ParseCaptureMode 解析模式字符串；未知字符串返回 false。
func ParseCaptureMode(s string) (CaptureMode, bool) {
	switch CaptureMode(s) {
	case ModeGlobal, ModePAC, ModeManual, ModeTUN:
		return CaptureMode(s), true
	}
	return "", false
}

func (m CaptureMode) String() string { return string(m) }

// DriverID 驱动标识（注册后保持稳定，用于持久化偏好）
type DriverID string

// DriverKind 驱动底层机制分类
type DriverKind string

const (
	KindSystemConfig      DriverKind = "system-config"
	KindCLITool           DriverKind = "cli-tool"
	KindProcessSupervisor DriverKind = "process-supervisor"
	KindLowLevelSpawn     DriverKind = "low-level-spawn"
	KindTUNDevice         DriverKind = "tun-device"
	KindPacketFilter      DriverKind = "packet-filter"
	KindDivertSocket      DriverKind = "divert-socket"
	KindRoutingOverride   DriverKind = "routing-override"
)

// DriverDescriptor 驱动静态描述（注册后不可变）
type DriverDescriptor struct {
	ID           DriverID      `json:"id"`
	Name         string        `json:"name"`
	Kind         DriverKind    `json:"kind"`
	Modes        []CaptureMode `json:"modes"`
	RequiresRoot bool          `json:"requiresRoot"`
}

// Supports 检查描述的驱动是否声明支持指定模式
func (d DriverDescriptor) Supports(mode CaptureMode) bool {
	for _, m := range d.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// DriverStatus 驱动自检结果（按需计算，不持久化）
type DriverStatus struct {
	Active      bool   `json:"active"`
	Summary     string `json:"summary"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// ActivationContext 单次激活尝试的参数。
// 构造策略：PAC URL 仅在 pac 模式携带；继承环境覆盖仅在 manual 模式携带；
// 端口与配置目录始终存在。
type ActivationContext struct {
	HTTPPort  int
	SocksPort int
	PACURL    string
	ConfigDir string
	Env       map[string]string
}

// DriverFailure 激活链中单个驱动的失败记录
type DriverFailure struct {
	Driver  DriverID `json:"driver"`
	Message string   `json:"message"`
}

// CaptureState 编排器发布的不可变状态快照
type CaptureState struct {
	SelectedMode     CaptureMode                        `json:"selectedMode"`
	ActiveDriver     DriverID                           `json:"activeDriver,omitempty"`
	PreferredDrivers map[CaptureMode]DriverID           `json:"preferredDrivers"`
	AutoFallback     bool                               `json:"autoFallback"`
	Activating       bool                               `json:"activating"`
	Active           bool                               `json:"active"`
	AvailableDrivers map[CaptureMode][]DriverDescriptor `json:"availableDrivers"`
	LastError        string                             `json:"lastError,omitempty"`
}

// Clone 深拷贝快照，供发布使用
func (s CaptureState) Clone() CaptureState {
	out := s
	out.PreferredDrivers = make(map[CaptureMode]DriverID, len(s.PreferredDrivers))
	for k, v := range s.PreferredDrivers {
		out.PreferredDrivers[k] = v
	}
	out.AvailableDrivers = make(map[CaptureMode][]DriverDescriptor, len(s.AvailableDrivers))
	for k, v := range s.AvailableDrivers {
		list := make([]DriverDescriptor, len(v))
		copy(list, v)
		out.AvailableDrivers[k] = list
	}
	return out
}

// SortDescriptorsByName 按显示名排序（名称相同时按 ID，保证确定性）
func SortDescriptorsByName(list []DriverDescriptor) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
}
