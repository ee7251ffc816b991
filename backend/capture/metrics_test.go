package capture

import (
	"context"
	"errors"
	"testing"

	"kiri/backend/domain"
	"kiri/backend/events"
)

type recordingMetrics struct {
	attempts  []domain.CaptureMode
	failures  []domain.DriverID
	fallbacks []domain.CaptureMode
	active    []bool
}

func (m *recordingMetrics) ActivationAttempt(mode domain.CaptureMode) {
	m.attempts = append(m.attempts, mode)
}

func (m *recordingMetrics) DriverFailure(_ domain.CaptureMode, id domain.DriverID) {
	m.failures = append(m.failures, id)
}

func (m *recordingMetrics) Fallback(mode domain.CaptureMode) {
	m.fallbacks = append(m.fallbacks, mode)
}

func (m *recordingMetrics) ActiveChanged(active bool) {
	m.active = append(m.active, active)
}

func TestMetricsObserverSeesFallbackActivation(t *testing.T) {
	a := &fakeDriver{id: "a", name: "Alpha", modes: []domain.CaptureMode{domain.ModeGlobal},
		priority: 0, activateErr: errors.New("nope")}
	b := &fakeDriver{id: "b", name: "Beta", modes: []domain.CaptureMode{domain.ModeGlobal}, priority: 1}

	reg := NewRegistry()
	reg.Add(a)
	reg.Add(b)
	rec := &recordingMetrics{}
	o := NewOrchestrator(reg, nil, events.NewBus(), testLogger(), WithMetrics(rec))

	if err := o.Activate(context.Background(), domain.ModeGlobal, domain.ActivationContext{}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if len(rec.attempts) != 1 || rec.attempts[0] != domain.ModeGlobal {
		t.Errorf("attempts = %v, want one for global", rec.attempts)
	}
	if len(rec.failures) != 1 || rec.failures[0] != "a" {
		t.Errorf("failures = %v, want [a]", rec.failures)
	}
	if len(rec.fallbacks) != 1 {
		t.Errorf("fallbacks = %v, want one", rec.fallbacks)
	}
	if len(rec.active) != 1 || !rec.active[0] {
		t.Errorf("active transitions = %v, want [true]", rec.active)
	}

	o.DeactivateCurrent(context.Background())
	if got := rec.active[len(rec.active)-1]; got {
		t.Error("deactivate should report active=false")
	}
}

func TestMetricsObserverAllFail(t *testing.T) {
	a := &fakeDriver{id: "a", name: "Alpha", modes: []domain.CaptureMode{domain.ModeTUN},
		activateErr: errors.New("nope")}

	reg := NewRegistry()
	reg.Add(a)
	rec := &recordingMetrics{}
	o := NewOrchestrator(reg, nil, events.NewBus(), testLogger(), WithMetrics(rec))

	if err := o.Activate(context.Background(), domain.ModeTUN, domain.ActivationContext{}); err == nil {
		t.Fatal("activation should fail")
	}
	if len(rec.fallbacks) != 0 {
		t.Errorf("fallbacks = %v, want none on total failure", rec.fallbacks)
	}
	if len(rec.active) != 1 || rec.active[0] {
		t.Errorf("active transitions = %v, want [false]", rec.active)
	}
}
