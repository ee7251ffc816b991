// Package api 提供守护进程的 HTTP 接口：状态查询、捕获控制、
// 状态快照 SSE 流与指标暴露。
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kiri/backend/applog"
	"kiri/backend/capture"
	"kiri/backend/config"
	"kiri/backend/domain"
	"kiri/backend/events"
)

// Deps 路由依赖
type Deps struct {
	Orchestrator *capture.Orchestrator
	Config       *config.Config
	Bus          *events.Bus
	CoreLog      *applog.CoreLog
	// Metrics /metrics 的处理器；为 nil 时不挂载
	Metrics http.Handler
	Log     *slog.Logger
}

type Router struct {
	orchestrator *capture.Orchestrator
	cfg          *config.Config
	bus          *events.Bus
	coreLog      *applog.CoreLog
	log          *slog.Logger
}

// NewRouter 构建 gin 引擎并挂载全部路由
func NewRouter(deps Deps) *gin.Engine {
	r := &Router{
		orchestrator: deps.Orchestrator,
		cfg:          deps.Config,
		bus:          deps.Bus,
		coreLog:      deps.CoreLog,
		log:          deps.Log,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.register(engine, deps.Metrics)
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (r *Router) register(engine *gin.Engine, metricsHandler http.Handler) {
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})

	engine.GET("/state", r.getState)
	engine.GET("/state/stream", r.streamState)

	drivers := engine.Group("/drivers")
	{
		drivers.GET("", r.listDrivers)
		drivers.GET(":id/status", r.getDriverStatus)
	}

	ctl := engine.Group("/capture")
	{
		ctl.POST("/activate", r.activate)
		ctl.POST("/deactivate", r.deactivate)
		ctl.PUT("/preferred-driver", r.setPreferredDriver)
		ctl.PUT("/auto-fallback", r.setAutoFallback)
		ctl.GET("/chain", r.getChain)
	}

	engine.GET("/logs/core", r.getCoreLogs)

	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
}

func (r *Router) getState(c *gin.Context) {
	c.JSON(http.StatusOK, r.orchestrator.State())
}

// streamState 把状态快照以 SSE 推给客户端；连接建立时先推一帧当前状态。
func (r *Router) streamState(c *gin.Context) {
	ch, cancel := r.bus.SubscribeStates(16)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("state", r.orchestrator.State())
	c.Writer.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("state", ev.State)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (r *Router) listDrivers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"drivers": r.orchestrator.State().AvailableDrivers})
}

func (r *Router) getDriverStatus(c *gin.Context) {
	mode, ok := parseMode(c, c.Query("mode"))
	if !ok {
		return
	}
	status, found := r.orchestrator.DriverStatus(c.Request.Context(), domain.DriverID(c.Param("id")), mode)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "driver not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

type activateRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (r *Router) activate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	mode, ok := parseMode(c, req.Mode)
	if !ok {
		return
	}

	actx := r.cfg.ActivationContext(mode)
	if err := r.orchestrator.Activate(c.Request.Context(), mode, actx); err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.orchestrator.State())
}

func (r *Router) deactivate(c *gin.Context) {
	r.orchestrator.DeactivateCurrent(c.Request.Context())
	c.JSON(http.StatusOK, r.orchestrator.State())
}

type preferredDriverRequest struct {
	Mode string `json:"mode" binding:"required"`
	// Driver 为空表示清除偏好
	Driver string `json:"driver"`
}

func (r *Router) setPreferredDriver(c *gin.Context) {
	var req preferredDriverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	mode, ok := parseMode(c, req.Mode)
	if !ok {
		return
	}
	r.orchestrator.SetPreferredDriver(mode, domain.DriverID(req.Driver))
	c.JSON(http.StatusOK, r.orchestrator.State())
}

type autoFallbackRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (r *Router) setAutoFallback(c *gin.Context) {
	var req autoFallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r.orchestrator.SetAutoFallback(*req.Enabled)
	c.JSON(http.StatusOK, r.orchestrator.State())
}

func (r *Router) getChain(c *gin.Context) {
	mode, ok := parseMode(c, c.Query("mode"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "chain": r.orchestrator.ResolveChain(mode)})
}

func parseMode(c *gin.Context, raw string) (domain.CaptureMode, bool) {
	mode, ok := domain.ParseCaptureMode(raw)
	if !ok {
		badRequest(c, fmt.Errorf("unknown capture mode %q", raw))
		return "", false
	}
	return mode, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (r *Router) handleError(c *gin.Context, err error) {
	var noDrivers *domain.NoDriversAvailableError
	if errors.As(err, &noDrivers) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	var actErr *domain.ActivationError
	if errors.As(err, &actErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    actErr.Error(),
			"failures": actErr.Failures,
		})
		return
	}

	if errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
