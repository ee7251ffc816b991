package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"kiri/backend/applog"
	"kiri/backend/domain"
	"kiri/backend/shared"
)

// CoreSpawnDriver 用低层进程创建原语拉起内核（manual 模式的回退机制）。
// argv/envp 由 os.StartProcess 托管构造，所有退出路径自动释放；
// 单实例与信号终止契约与监管驱动一致。
type CoreSpawnDriver struct {
	corePath  string
	extraArgs []string
	coreLog   *applog.CoreLog
	log       *slog.Logger

	mu        sync.Mutex
	proc      *os.Process
	done      chan struct{}
	startedAt time.Time
	lastExit  string
}

// NewCoreSpawnDriver 创建驱动
func NewCoreSpawnDriver(deps Deps) *CoreSpawnDriver {
	return &CoreSpawnDriver{
		corePath:  deps.CorePath,
		extraArgs: deps.ExtraCoreArgs,
		coreLog:   deps.CoreLog,
		log:       deps.logger(),
	}
}

func (d *CoreSpawnDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:    "core-spawn",
		Name:  "Core Spawn",
		Kind:  domain.KindLowLevelSpawn,
		Modes: []domain.CaptureMode{domain.ModeManual},
	}
}

func (d *CoreSpawnDriver) FallbackPriority(domain.CaptureMode) int { return 1 }

func (d *CoreSpawnDriver) IsAvailable(mode domain.CaptureMode) bool {
	if mode != domain.ModeManual || d.corePath == "" {
		return false
	}
	_, err := os.Stat(d.corePath)
	return err == nil
}

func (d *CoreSpawnDriver) Activate(_ context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proc != nil {
		return domain.ErrProcessAlreadyRunning
	}
	if _, err := os.Stat(d.corePath); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, d.corePath)
	}

	argv := append([]string{d.corePath}, coreArgs(actx, d.extraArgs)...)
	env := os.Environ()
	if len(actx.Env) > 0 {
		env = shared.MergeEnv(env, actx.Env)
	}

	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	out := d.openLogFile()
	files := []*os.File{stdin, out, out}

	proc, err := os.StartProcess(d.corePath, argv, &os.ProcAttr{
		Dir:   actx.ConfigDir,
		Env:   env,
		Files: files,
	})
	// 父进程侧的描述符用完即关；子进程持有自己的副本
	stdin.Close()
	if out != nil {
		out.Close()
	}
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return &domain.SpawnError{Code: int(errno), Err: err}
		}
		return &domain.SpawnError{Code: -1, Err: err}
	}

	done := make(chan struct{})
	d.proc = proc
	d.done = done
	d.startedAt = time.Now()
	d.lastExit = ""
	d.log.Info("core spawned", "pid", proc.Pid, "path", d.corePath)

	go func() {
		state, waitErr := proc.Wait()
		close(done)
		d.mu.Lock()
		if d.proc == proc {
			d.proc = nil
			d.done = nil
			switch {
			case waitErr != nil:
				d.lastExit = waitErr.Error()
			case state != nil:
				d.lastExit = state.String()
			}
		}
		d.mu.Unlock()
	}()
	return nil
}

func (d *CoreSpawnDriver) Deactivate(context.Context, domain.CaptureMode) error {
	d.mu.Lock()
	proc := d.proc
	done := d.done
	d.proc = nil
	d.done = nil
	d.mu.Unlock()

	if proc == nil {
		d.log.Debug("core already stopped")
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(coreStopTimeout):
	}
	_ = proc.Kill()
	<-done
	return nil
}

func (d *CoreSpawnDriver) Status(context.Context, domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proc != nil {
		return domain.DriverStatus{
			Active:  true,
			Summary: fmt.Sprintf("core running (pid %d, up %s)", d.proc.Pid, time.Since(d.startedAt).Round(time.Second)),
		}
	}
	st := domain.DriverStatus{Summary: "core not running"}
	if d.lastExit != "" {
		st.Diagnostics = "last exit: " + d.lastExit
	}
	return st
}

// openLogFile 打开内核日志文件用作子进程的 stdout/stderr；失败时返回 nil
// （对应描述符关闭，输出被丢弃）。
func (d *CoreSpawnDriver) openLogFile() *os.File {
	if d.coreLog == nil {
		return nil
	}
	f, err := os.OpenFile(d.coreLog.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.log.Warn("open core log for spawn failed", "error", err)
		return nil
	}
	return f
}
