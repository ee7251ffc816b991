package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"kiri/backend/domain"
	"kiri/backend/shared"
)

// pfAnchor 应用专属的 pf 锚点；全部规则都挂在它下面，
// 冲洗锚点即可完整撤销。
const pfAnchor = "kiri"

// PFRedirectDriver 用 pf 重定向规则把出站 TCP 导进内核的入站端口
// （tun 模式的第一回退机制）。规则写入锚点文件后 load + enable。
type PFRedirectDriver struct {
	runner shared.Runner
	log    *slog.Logger

	mu          sync.Mutex
	rulesPath   string
	enabledByUs bool
	loaded      bool
}

// NewPFRedirectDriver 创建驱动
func NewPFRedirectDriver(deps Deps) *PFRedirectDriver {
	return &PFRedirectDriver{runner: deps.Runner, log: deps.logger()}
}

func (d *PFRedirectDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:           "pf-redirect",
		Name:         "PF Redirect",
		Kind:         domain.KindPacketFilter,
		Modes:        []domain.CaptureMode{domain.ModeTUN},
		RequiresRoot: true,
	}
}

func (d *PFRedirectDriver) FallbackPriority(domain.CaptureMode) int { return 1 }

func (d *PFRedirectDriver) IsAvailable(mode domain.CaptureMode) bool {
	if mode != domain.ModeTUN {
		return false
	}
	_, err := exec.LookPath("pfctl")
	return err == nil
}

func (d *PFRedirectDriver) Activate(ctx context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := actx.ConfigDir
	if dir == "" {
		dir = os.TempDir()
	}
	rulesPath := filepath.Join(dir, "pf-redirect.conf")
	if err := os.WriteFile(rulesPath, []byte(pfRules(actx)), 0o644); err != nil {
		return &domain.ConfigStepError{Subsystem: "pf", Message: "write anchor rules", Err: err}
	}

	if out, err := d.runner.Run(ctx, "pfctl", []string{"-a", pfAnchor, "-f", rulesPath}, nil); err != nil {
		os.Remove(rulesPath)
		return &domain.ConfigStepError{Subsystem: "pf", Message: "load anchor rules: " + strings.TrimSpace(out), Err: err}
	}
	d.loaded = true
	d.rulesPath = rulesPath

	out, err := d.runner.Run(ctx, "pfctl", []string{"-e"}, nil)
	switch {
	case err == nil:
		d.enabledByUs = true
	case strings.Contains(out, "already enabled") || strings.Contains(err.Error(), "already enabled"):
		// pf 本来就开着：不归我们关
		d.enabledByUs = false
	default:
		d.flushLocked(ctx)
		return &domain.ConfigStepError{Subsystem: "pf", Message: "enable pf: " + strings.TrimSpace(out), Err: err}
	}

	d.log.Info("pf redirect active", "anchor", pfAnchor, "rules", rulesPath)
	return nil
}

func (d *PFRedirectDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		d.log.Debug("pf anchor not loaded, nothing to tear down")
		return nil
	}
	d.flushLocked(ctx)
	return nil
}

func (d *PFRedirectDriver) flushLocked(ctx context.Context) {
	if _, err := d.runner.Run(ctx, "pfctl", []string{"-a", pfAnchor, "-F", "all"}, nil); err != nil {
		d.log.Warn("flush pf anchor failed", "anchor", pfAnchor, "error", err)
	}
	if d.enabledByUs {
		if _, err := d.runner.Run(ctx, "pfctl", []string{"-d"}, nil); err != nil {
			d.log.Warn("disable pf failed", "error", err)
		}
	}
	if d.rulesPath != "" {
		os.Remove(d.rulesPath)
	}
	d.loaded = false
	d.enabledByUs = false
	d.rulesPath = ""
}

func (d *PFRedirectDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()

	if !loaded {
		return domain.DriverStatus{Summary: "pf anchor not loaded"}
	}
	out, err := d.runner.Run(ctx, "pfctl", []string{"-a", pfAnchor, "-s", "rules"}, nil)
	if err != nil {
		return domain.DriverStatus{Summary: "pf anchor " + pfAnchor, Diagnostics: err.Error()}
	}
	if strings.TrimSpace(out) == "" {
		return domain.DriverStatus{Summary: "pf anchor " + pfAnchor, Diagnostics: "anchor is empty"}
	}
	return domain.DriverStatus{Active: true, Summary: "pf anchor " + pfAnchor + " loaded"}
}

func pfRules(actx domain.ActivationContext) string {
	return fmt.Sprintf(`# kiri pf redirect rules (generated)
rdr pass on lo0 inet proto tcp from any to any port 80 -> 127.0.0.1 port %d
rdr pass on lo0 inet proto tcp from any to any port 443 -> 127.0.0.1 port %d
pass out route-to lo0 inet proto tcp from any to any port {80, 443} keep state
`, actx.HTTPPort, actx.HTTPPort)
}
