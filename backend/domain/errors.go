package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 驱动级错误哨兵
var (
	ErrProcessAlreadyRunning = errors.New("core process already running")
	ErrProcessNotRunning     = errors.New("core process not running")
	ErrExecutableNotFound    = errors.New("executable not found")
	ErrTunDeviceUnavailable  = errors.New("tun device unavailable")

	// ErrSystemConfigurationUnavailable 特权助手不可达或拒绝写系统网络偏好
	ErrSystemConfigurationUnavailable = errors.New("system configuration unavailable")
	// ErrNetworkSetupUnavailable networksetup 工具缺失
	ErrNetworkSetupUnavailable = errors.New("networksetup unavailable")
)

// NoDriversAvailableError 指定模式没有任何已注册驱动声明支持
type NoDriversAvailableError struct {
	Mode CaptureMode
}

func (e *NoDriversAvailableError) Error() string {
	return fmt.Sprintf("no capture drivers available for mode %q", e.Mode)
}

// ActivationError 激活链上所有被尝试的驱动都失败了
type ActivationError struct {
	Mode     CaptureMode
	Failures []DriverFailure
}

func (e *ActivationError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("activation failed for mode %q", e.Mode)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Driver, f.Message))
	}
	return fmt.Sprintf("activation failed for mode %q: %s", e.Mode, strings.Join(parts, "; "))
}

// CommandError 外部命令非零退出；Output 为 stdout+stderr 合并文本，
// 直接进入驱动错误消息用于诊断。
type CommandError struct {
	Executable string
	Args       []string
	Output     string
	Err        error
}

func (e *CommandError) Error() string {
	cmd := e.Executable
	if len(e.Args) > 0 {
		cmd += " " + strings.Join(e.Args, " ")
	}
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("command %q failed: %v", cmd, e.Err)
	}
	return fmt.Sprintf("command %q failed: %v (%s)", cmd, e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// SpawnError 低层进程创建失败（errno / 平台错误码）
type SpawnError struct {
	Code int
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed (code %d): %v", e.Code, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ConfigStepError pf / divert / routing 配置步骤失败，携带工具输出。
type ConfigStepError struct {
	Subsystem string // "pf" | "divert" | "routing"
	Message   string
	Err       error
}

func (e *ConfigStepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s configuration failed: %s: %v", e.Subsystem, e.Message, e.Err)
	}
	return fmt.Sprintf("%s configuration failed: %s", e.Subsystem, e.Message)
}

func (e *ConfigStepError) Unwrap() error { return e.Err }
