package serve

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"kiri/backend/api"
	"kiri/backend/applog"
	"kiri/backend/capture"
	"kiri/backend/capture/drivers"
	"kiri/backend/config"
	"kiri/backend/events"
	"kiri/backend/helper"
	"kiri/backend/metrics"
	"kiri/backend/netinspect"
	"kiri/backend/persist"
	"kiri/backend/shared"
	"kiri/cmd/root"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动守护进程",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	root.RootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return err
	}
	if root.Dev {
		cfg.Dev = true
	}

	level := slog.LevelInfo
	if cfg.Dev {
		level = slog.LevelDebug
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 组件装配：总线 → 设置存储 → 编排器 → 驱动 → 路由
	bus := events.NewBus()
	store := persist.NewFileStore(cfg.Capture.SettingsPath)
	runner := shared.NewExecRunner()
	inspector := netinspect.NewInspector(runner)
	coreLog := applog.NewCoreLog(cfg.CoreLogPath())
	defer coreLog.Close()

	captureMetrics := metrics.NewCapture()
	orchestrator := capture.NewOrchestrator(capture.NewRegistry(), store, bus, log,
		capture.WithAttemptTimeout(cfg.Capture.AttemptTimeout),
		capture.WithMetrics(captureMetrics),
	)

	extraArgs, err := cfg.CoreExtraArgs()
	if err != nil {
		return err
	}
	deps := drivers.Deps{
		Runner:          runner,
		Inspector:       inspector,
		CoreLog:         coreLog,
		Log:             log,
		CorePath:        cfg.Core.BinaryPath,
		ExtraCoreArgs:   extraArgs,
		FilterInterface: cfg.Proxy.FilterInterface,
		IgnoreList:      cfg.Proxy.IgnoreList,
	}
	if cfg.Helper.SocketPath != "" {
		deps.Helper = helper.NewClient(cfg.Helper.SocketPath)
	}
	drivers.RegisterAll(orchestrator, deps)

	router := api.NewRouter(api.Deps{
		Orchestrator: orchestrator,
		Config:       cfg,
		Bus:          bus,
		CoreLog:      coreLog,
		Metrics:      captureMetrics.Handler(),
		Log:          log,
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: router}

	cleanupDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, cleaning up")

		// 退出前撤销系统级变更（尽力而为）
		deactivateCtx, deactivateCancel := context.WithTimeout(context.Background(), 15*time.Second)
		orchestrator.DeactivateCurrent(deactivateCtx)
		deactivateCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "error", err)
		}
		close(cleanupDone)
	}()

	log.Info("server listening", "addr", cfg.Listen, "dataDir", cfg.DataDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cancel()
		<-cleanupDone
		return err
	}
	<-cleanupDone
	return nil
}
