package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/config"
	"fms-cell/internal/engine"
	"fms-cell/internal/event"
	"fms-cell/internal/handlers"
	"fms-cell/internal/jobdb"
	"fms-cell/internal/persistence"
	"fms-cell/internal/status"
	"fms-cell/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是应用程序的主入口
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	hub := web.NewHub(logger)
	go hub.Run()
	tracker := web.NewStatusTracker(hub)

	eventBus := event.NewBus()

	store, err := jobdb.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("无法打开作业数据库", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	eventLog, err := persistence.NewEventLog(cfg.EventLogPath)
	if err != nil {
		logger.Error("无法初始化事件日志", "error", err)
		os.Exit(1)
	}
	defer eventLog.Close()

	ctrl := newController(cfg, logger)

	filter, err := engine.NewDownloadFilter(cfg.Sync.DownloadFilter)
	if err != nil {
		logger.Error("下发过滤规则无效", "error", err, "rule", cfg.Sync.DownloadFilter)
		os.Exit(1)
	}

	// 2. 初始化同步循环和状态轮询
	cellSync := engine.NewCellSync(store, ctrl, eventBus, engine.SyncSettings{
		Interval:             cfg.SyncInterval(),
		UseDateBasedPriority: cfg.Sync.UseDateBasedPriority,
		Mapping:              cfg.MappingOptions(),
		Filter:               filter,
	}, logger)
	poller := engine.NewStatusPoller(ctrl, store, eventLog, eventBus, status.Settings{Queues: cfg.Queues}, cfg.StatusInterval(), logger)

	// 3. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, tracker, cellSync, logger)

	// 4. 导入种子作业
	if cfg.SeedJobsFile != "" {
		seedJobs(cfg.SeedJobsFile, store, eventBus, logger)
	}

	logger.Info("=== FMS 单元调度系统启动 ===", "cell_mode", cfg.Cell.Mode, "pallet_schema", cfg.Cell.PalletSchema)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); cellSync.Start(ctx) }()
	go func() { defer wg.Done(); poller.Start(ctx) }()
	cellSync.Trigger()

	srv := startAPIServer(cfg.HTTPAddr, store, hub, tracker, eventBus, logger)

	// 5. 优雅停机
	waitForShutdown(logger, cancel, srv, &wg)
}

// newController 根据配置选择内存模拟控制器或远程适配服务
func newController(cfg *config.Config, logger *slog.Logger) cell.Controller {
	if cfg.Cell.Mode == "remote" {
		return cell.NewRemoteController(cfg.Cell.Endpoint, cfg.CellTimeout(), logger)
	}
	return cell.NewSimController(cell.PalletSchema(cfg.Cell.PalletSchema))
}

// seedJobs 导入 YAML 种子作业，已存在的作业会被拒绝，不影响启动
func seedJobs(path string, store *jobdb.Store, bus *event.Bus, logger *slog.Logger) {
	nj, err := config.LoadJobsFile(path)
	if err != nil {
		logger.Warn("读取种子作业失败", "error", err, "path", path)
		return
	}
	if err := store.AddJobs(context.Background(), *nj, "", false); err != nil {
		logger.Warn("导入种子作业失败", "error", err, "path", path)
		return
	}
	uniques := make([]string, 0, len(nj.Jobs))
	for _, j := range nj.Jobs {
		uniques = append(uniques, j.UniqueStr)
	}
	bus.Publish(event.Event{Type: event.JobsAdded, Jobs: uniques})
}

// startAPIServer 启动 API 和 WebSocket 服务器
func startAPIServer(addr string, store *jobdb.Store, hub *web.Hub, tracker *web.StatusTracker, bus *event.Bus, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	web.NewAPI(store, tracker, bus, logger).Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("API 服务器启动", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
		}
	}()
	return srv
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, srv *http.Server, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 API 服务器失败", "error", err)
	}
	cancel()
	wg.Wait()
	logger.Info("系统已安全退出。")
}
