package handlers

import (
	"log/slog"

	"fms-cell/internal/cell"
	"fms-cell/internal/event"
	"fms-cell/internal/metrics"
	"fms-cell/internal/web"
)

// Triggerer 可以被请求立即执行一次同步
type Triggerer interface {
	Trigger()
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、UI、同步、日志）解耦
func RegisterEventHandlers(bus *event.Bus, tracker *web.StatusTracker, sync Triggerer, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(event.JobsDownloaded, func(e event.Event) {
		metrics.SyncPassesTotal.WithLabelValues("success").Inc()
		metrics.SyncDuration.Observe(e.Duration.Seconds())
		if e.Diff != nil {
			countRows(*e.Diff)
		}
	})
	bus.Subscribe(event.SyncFailed, func(e event.Event) {
		metrics.SyncPassesTotal.WithLabelValues("failed").Inc()
		metrics.SyncDuration.Observe(e.Duration.Seconds())
	})
	bus.Subscribe(event.StatusUpdated, func(e event.Event) {
		metrics.StatusBuildDuration.Observe(e.Duration.Seconds())
		if e.Status != nil {
			metrics.ActiveJobs.Set(float64(len(e.Status.Jobs)))
			metrics.ActiveAlarms.Set(float64(len(e.Status.Alarms)))
		}
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	if tracker != nil {
		bus.Subscribe(event.StatusUpdated, func(e event.Event) {
			tracker.Update(e.Status)
		})
	}

	// --- 同步触发 (Sync Trigger) ---
	// 新作业写入后不必等到下一个周期
	if sync != nil {
		bus.Subscribe(event.JobsAdded, func(e event.Event) {
			sync.Trigger()
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.SyncFailed, func(e event.Event) {
		logger.Error("下发作业失败", "trace_id", e.TraceID, "error", e.Error)
	})
	bus.Subscribe(event.JobsDownloaded, func(e event.Event) {
		if len(e.Jobs) > 0 {
			logger.Info("作业已下发到控制器", "trace_id", e.TraceID, "jobs", e.Jobs)
		}
	})
	bus.Subscribe(event.JobsAdded, func(e event.Event) {
		logger.Info("接收到新作业", "jobs", e.Jobs)
	})
	bus.Subscribe(event.JobsArchived, func(e event.Event) {
		logger.Info("作业已归档", "jobs", e.Jobs, "decrements", len(e.Decrements))
	})
	bus.Subscribe(event.DecrementsAdded, func(e event.Event) {
		for _, d := range e.Decrements {
			logger.Info("计划数量已扣减", "job", d.JobUnique, "path", d.Proc1Path, "quantity", d.Quantity, "decrement_id", d.DecrementID)
		}
	})
}

// countRows 按表和操作统计写入控制器的行数
func countRows(w cell.WriteData) {
	for _, r := range w.Schedules {
		metrics.RowsWrittenTotal.WithLabelValues("schedule", string(r.Command)).Inc()
	}
	for _, r := range w.Parts {
		metrics.RowsWrittenTotal.WithLabelValues("part", string(r.Command)).Inc()
	}
	for _, r := range w.Fixtures {
		metrics.RowsWrittenTotal.WithLabelValues("fixture", string(r.Command)).Inc()
	}
	for _, r := range w.Pallets {
		metrics.RowsWrittenTotal.WithLabelValues("pallet", string(r.Command)).Inc()
	}
}
