package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"kiri/backend/domain"
	"kiri/backend/shared"
)

// divert 规则号保留段；随机取号避免与上次未清理干净的规则撞号
const (
	divertRuleBase = 46000
	divertRuleSpan = 1000
)

// IPFWDivertDriver 插入一条 divert 规则把 TCP 流量导进内核的 divert
// socket（tun 模式的第二回退机制）。现代系统上 ipfw 已移除，
// IsAvailable 会如实报告。
type IPFWDivertDriver struct {
	runner shared.Runner
	log    *slog.Logger

	mu     sync.Mutex
	ruleNo int
}

// NewIPFWDivertDriver 创建驱动
func NewIPFWDivertDriver(deps Deps) *IPFWDivertDriver {
	return &IPFWDivertDriver{runner: deps.Runner, log: deps.logger()}
}

func (d *IPFWDivertDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{
		ID:           "ipfw-divert",
		Name:         "IPFW Divert",
		Kind:         domain.KindDivertSocket,
		Modes:        []domain.CaptureMode{domain.ModeTUN},
		RequiresRoot: true,
	}
}

func (d *IPFWDivertDriver) FallbackPriority(domain.CaptureMode) int { return 2 }

func (d *IPFWDivertDriver) IsAvailable(mode domain.CaptureMode) bool {
	if mode != domain.ModeTUN {
		return false
	}
	_, err := exec.LookPath("ipfw")
	return err == nil
}

func (d *IPFWDivertDriver) Activate(ctx context.Context, _ domain.CaptureMode, actx domain.ActivationContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ruleNo != 0 {
		return fmt.Errorf("divert rule %d already installed", d.ruleNo)
	}

	ruleNo := divertRuleBase + rand.Intn(divertRuleSpan)
	args := []string{"-q", "add", strconv.Itoa(ruleNo),
		"divert", strconv.Itoa(actx.HTTPPort), "tcp", "from", "any", "to", "any"}
	if out, err := d.runner.Run(ctx, "ipfw", args, nil); err != nil {
		return &domain.ConfigStepError{Subsystem: "divert", Message: "install rule: " + strings.TrimSpace(out), Err: err}
	}

	d.ruleNo = ruleNo
	d.log.Info("divert rule installed", "rule", ruleNo, "port", actx.HTTPPort)
	return nil
}

func (d *IPFWDivertDriver) Deactivate(ctx context.Context, _ domain.CaptureMode) error {
	d.mu.Lock()
	ruleNo := d.ruleNo
	d.ruleNo = 0
	d.mu.Unlock()

	if ruleNo == 0 {
		d.log.Debug("no divert rule installed, nothing to tear down")
		return nil
	}
	if _, err := d.runner.Run(ctx, "ipfw", []string{"-q", "delete", strconv.Itoa(ruleNo)}, nil); err != nil {
		return &domain.ConfigStepError{Subsystem: "divert", Message: fmt.Sprintf("delete rule %d", ruleNo), Err: err}
	}
	d.log.Info("divert rule removed", "rule", ruleNo)
	return nil
}

func (d *IPFWDivertDriver) Status(ctx context.Context, _ domain.CaptureMode) domain.DriverStatus {
	d.mu.Lock()
	ruleNo := d.ruleNo
	d.mu.Unlock()

	if ruleNo == 0 {
		return domain.DriverStatus{Summary: "no divert rule installed"}
	}
	summary := fmt.Sprintf("divert rule %d", ruleNo)
	out, err := d.runner.Run(ctx, "ipfw", []string{"list", strconv.Itoa(ruleNo)}, nil)
	if err != nil {
		return domain.DriverStatus{Summary: summary, Diagnostics: err.Error()}
	}
	if !strings.Contains(out, strconv.Itoa(ruleNo)) {
		return domain.DriverStatus{Summary: summary, Diagnostics: "rule missing from ipfw list"}
	}
	return domain.DriverStatus{Active: true, Summary: summary}
}
