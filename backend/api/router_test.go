package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"kiri/backend/capture"
	"kiri/backend/config"
	"kiri/backend/domain"
	"kiri/backend/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptDriver is a minimal driver whose activation outcome is scripted.
type scriptDriver struct {
	id          domain.DriverID
	name        string
	modes       []domain.CaptureMode
	activateErr error
	active      bool
}

func (d *scriptDriver) Descriptor() domain.DriverDescriptor {
	return domain.DriverDescriptor{ID: d.id, Name: d.name, Kind: domain.KindCLITool, Modes: d.modes}
}

func (d *scriptDriver) Activate(context.Context, domain.CaptureMode, domain.ActivationContext) error {
	if d.activateErr != nil {
		return d.activateErr
	}
	d.active = true
	return nil
}

func (d *scriptDriver) Deactivate(context.Context, domain.CaptureMode) error {
	d.active = false
	return nil
}

func (d *scriptDriver) Status(context.Context, domain.CaptureMode) domain.DriverStatus {
	return domain.DriverStatus{Active: d.active, Summary: d.name}
}

func testEngine(t *testing.T, drivers ...capture.Driver) (*gin.Engine, *capture.Orchestrator, *events.Bus) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()
	o := capture.NewOrchestrator(capture.NewRegistry(), nil, bus, log)
	for _, d := range drivers {
		o.Register(d)
	}
	cfg := &config.Config{
		Proxy: config.ProxyConfig{HTTPPort: 7890, SocksPort: 7891, PACURL: "http://127.0.0.1:9090/proxy.pac"},
		Core:  config.CoreConfig{ConfigDir: t.TempDir()},
	}
	engine := NewRouter(Deps{Orchestrator: o, Config: cfg, Bus: bus, Log: log})
	return engine, o, bus
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	engine, _, _ := testEngine(t)
	w := doJSON(t, engine, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestActivateSuccess(t *testing.T) {
	d := &scriptDriver{id: "d1", name: "Driver One", modes: []domain.CaptureMode{domain.ModeGlobal}}
	engine, _, _ := testEngine(t, d)

	w := doJSON(t, engine, http.MethodPost, "/capture/activate", `{"mode":"global"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var state domain.CaptureState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !state.Active || state.ActiveDriver != "d1" {
		t.Errorf("state = %+v, want d1 active", state)
	}
	if !d.active {
		t.Error("driver should have been activated")
	}
}

func TestActivateUnknownMode(t *testing.T) {
	engine, _, _ := testEngine(t)
	w := doJSON(t, engine, http.MethodPost, "/capture/activate", `{"mode":"stealth"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestActivateNoDrivers(t *testing.T) {
	engine, _, _ := testEngine(t)
	w := doJSON(t, engine, http.MethodPost, "/capture/activate", `{"mode":"tun"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestActivateAllDriversFail(t *testing.T) {
	d := &scriptDriver{id: "d1", name: "Driver One", modes: []domain.CaptureMode{domain.ModeGlobal}, activateErr: errors.New("boom")}
	engine, _, _ := testEngine(t, d)

	w := doJSON(t, engine, http.MethodPost, "/capture/activate", `{"mode":"global"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Failures []domain.DriverFailure `json:"failures"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].Driver != "d1" {
		t.Errorf("failures = %+v, want one entry for d1", resp.Failures)
	}
}

func TestDeactivate(t *testing.T) {
	d := &scriptDriver{id: "d1", name: "Driver One", modes: []domain.CaptureMode{domain.ModeGlobal}}
	engine, o, _ := testEngine(t, d)

	if err := o.Activate(context.Background(), domain.ModeGlobal, domain.ActivationContext{}); err != nil {
		t.Fatal(err)
	}
	w := doJSON(t, engine, http.MethodPost, "/capture/deactivate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var state domain.CaptureState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.Active || state.ActiveDriver != "" {
		t.Errorf("state = %+v, want inactive", state)
	}
}

func TestPreferredDriverAndChain(t *testing.T) {
	d1 := &scriptDriver{id: "d1", name: "Alpha", modes: []domain.CaptureMode{domain.ModeGlobal}}
	d2 := &scriptDriver{id: "d2", name: "Beta", modes: []domain.CaptureMode{domain.ModeGlobal}}
	engine, _, _ := testEngine(t, d1, d2)

	w := doJSON(t, engine, http.MethodPut, "/capture/preferred-driver", `{"mode":"global","driver":"d2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodGet, "/capture/chain?mode=global", "")
	if w.Code != http.StatusOK {
		t.Fatalf("chain status = %d", w.Code)
	}
	var resp struct {
		Chain []domain.DriverID `json:"chain"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Chain) != 2 || resp.Chain[0] != "d2" {
		t.Errorf("chain = %v, want preferred d2 first", resp.Chain)
	}
}

func TestAutoFallbackValidation(t *testing.T) {
	engine, o, _ := testEngine(t)

	if w := doJSON(t, engine, http.MethodPut, "/capture/auto-fallback", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing enabled: status = %d, want 400", w.Code)
	}
	if w := doJSON(t, engine, http.MethodPut, "/capture/auto-fallback", `{"enabled":false}`); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if o.State().AutoFallback {
		t.Error("auto fallback should be off")
	}
}

func TestListDriversGroupsAllModes(t *testing.T) {
	d := &scriptDriver{id: "d1", name: "Driver One", modes: []domain.CaptureMode{domain.ModePAC}}
	engine, _, _ := testEngine(t, d)

	w := doJSON(t, engine, http.MethodGet, "/drivers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Drivers map[domain.CaptureMode][]domain.DriverDescriptor `json:"drivers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Drivers) != 4 {
		t.Errorf("modes in listing = %d, want 4", len(resp.Drivers))
	}
	if len(resp.Drivers[domain.ModePAC]) != 1 {
		t.Errorf("pac drivers = %v, want d1", resp.Drivers[domain.ModePAC])
	}
}

func TestDriverStatusEndpoint(t *testing.T) {
	d := &scriptDriver{id: "d1", name: "Driver One", modes: []domain.CaptureMode{domain.ModeGlobal}}
	engine, _, _ := testEngine(t, d)

	w := doJSON(t, engine, http.MethodGet, "/drivers/d1/status?mode=global", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	w = doJSON(t, engine, http.MethodGet, "/drivers/ghost/status?mode=global", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown driver: status = %d, want 404", w.Code)
	}
}

func TestCoreLogsBadSince(t *testing.T) {
	engine, _, _ := testEngine(t)
	w := doJSON(t, engine, http.MethodGet, "/logs/core?since=-3", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
