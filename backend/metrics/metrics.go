// Package metrics 捕获子系统的 Prometheus 埋点。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kiri/backend/domain"
)

// Capture 实现编排器的埋点观察者，自带独立 registry
type Capture struct {
	registry  *prometheus.Registry
	attempts  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	active    prometheus.Gauge
}

// NewCapture 创建并注册全部指标
func NewCapture() *Capture {
	c := &Capture{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiri_capture_activation_attempts_total",
			Help: "Activation attempts per capture mode",
		}, []string{"mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiri_capture_driver_failures_total",
			Help: "Per-driver activation failures",
		}, []string{"mode", "driver"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiri_capture_fallbacks_total",
			Help: "Activations that succeeded on a non-primary driver",
		}, []string{"mode"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiri_capture_active",
			Help: "Whether a capture driver is currently active",
		}),
	}
	c.registry.MustRegister(c.attempts, c.failures, c.fallbacks, c.active)
	c.registry.MustRegister(collectors.NewGoCollector())
	c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return c
}

func (c *Capture) ActivationAttempt(mode domain.CaptureMode) {
	c.attempts.WithLabelValues(mode.String()).Inc()
}

func (c *Capture) DriverFailure(mode domain.CaptureMode, id domain.DriverID) {
	c.failures.WithLabelValues(mode.String(), string(id)).Inc()
}

func (c *Capture) Fallback(mode domain.CaptureMode) {
	c.fallbacks.WithLabelValues(mode.String()).Inc()
}

func (c *Capture) ActiveChanged(active bool) {
	if active {
		c.active.Set(1)
	} else {
		c.active.Set(0)
	}
}

// Handler 暴露 /metrics
func (c *Capture) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
