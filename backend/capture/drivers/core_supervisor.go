package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"kiri/backend/applog"
	"kiri/backend/domain"
	"kiri/backend/shared"
)

const coreStopTimeout = 10 * time.Second

// CoreSupervisorDriver 以子进程方式拉起内核并监管其生命周期
// （manual 模式的首选机制）。stdout/stderr 接入内核日志收集器；
// 同一驱动实例同时只允许一个内核进程。
type CoreSupervisorDriver struct {
	corePath  string
	extraArgs []string
	coreLog   *applog.CoreLog
	log       *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	done      chan struct{}
	startedAt time.Time
	lastExit  string
}

// NewCoreSupervisorDriver 创建驱动
func NewCoreSupervisorDriver(deps Deps) *CoreSupervisorDriver {
	return &CoreSupervisorDriver{
		corePath:  deps.CorePath,
		extraArgs: deps.ExtraCoreArgs,
		coreLog:   deps.CoreLog,
		log:       deps.logger(),
	}
}

func (d *CoreSupervisorDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:    "core-supervisor",
		Name:  "Core Supervisor",
		Kind:  domain.KindProcessSupervisor,
		Modes: []domain.CaptureMode{domain.ModeManual},
	}
}

func (d *CoreSupervisorDriver) FallbackPriority(domain.CaptureMode) int { return 0 }

func (d *CoreSupervisorDriver) IsAvailable(mode domain.CaptureMode) bool {
	if mode != domain.ModeManual || d.corePath == "" {
		return false
	}
	_, err := os.Stat(d.corePath)
	return err == nil
}

func (d *CoreSupervisorDriver) Activate(_ context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return domain.ErrProcessAlreadyRunning
	}
	if _, err := os.Stat(d.corePath); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, d.corePath)
	}

	args := coreArgs(actx, d.extraArgs)
	// 进程要活过激活调用，因此不用 CommandContext 绑定 ctx
	cmd := exec.Command(d.corePath, args...)
	cmd.Dir = actx.ConfigDir
	if len(actx.Env) > 0 {
		cmd.Env = shared.MergeEnv(os.Environ(), actx.Env)
	}
	if d.coreLog != nil {
		cmd.Stdout = d.coreLog.Writer()
		cmd.Stderr = d.coreLog.Writer()
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	done := make(chan struct{})
	d.cmd = cmd
	d.done = done
	d.startedAt = time.Now()
	d.lastExit = ""
	d.log.Info("core started", "pid", cmd.Process.Pid, "path", d.corePath, "args", args)

	go func() {
		err := cmd.Wait()
		close(done)
		d.mu.Lock()
		if d.cmd == cmd {
			d.cmd = nil
			d.done = nil
			if err != nil {
				d.lastExit = err.Error()
			} else {
				d.lastExit = "exited cleanly"
			}
		}
		d.mu.Unlock()
		if err != nil {
			d.log.Warn("core exited", "error", err)
		} else {
			d.log.Info("core exited cleanly")
		}
	}()
	return nil
}

func (d *CoreSupervisorDriver) Deactivate(context.Context, domain.CaptureMode) error {
	d.mu.Lock()
	cmd := d.cmd
	done := d.done
	d.cmd = nil
	d.done = nil
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		d.log.Debug("core already stopped")
		return nil
	}

	// 先 SIGTERM 给内核清理自身状态的机会；超时再强杀
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(coreStopTimeout):
	}
	_ = cmd.Process.Kill()
	<-done
	return nil
}

func (d *CoreSupervisorDriver) Status(context.Context, domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil && d.cmd.Process != nil {
		return domain.DriverStatus{
			Active:  true,
			Summary: fmt.Sprintf("core running (pid %d, up %s)", d.cmd.Process.Pid, time.Since(d.startedAt).Round(time.Second)),
		}
	}
	st := domain.DriverStatus{Summary: "core not running"}
	if d.lastExit != "" {
		st.Diagnostics = "last exit: " + d.lastExit
	}
	return st
}

// coreArgs 拼内核命令行：数据/配置目录参数 + 用户附加参数
func coreArgs(actx domain.ActivationContext, extra []string) []string {
	args := make([]string, 0, 2+len(extra))
	if actx.ConfigDir != "" {
		args = append(args, "-d", actx.ConfigDir)
	}
	return append(args, extra...)
}
