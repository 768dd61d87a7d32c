package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// SyncPassesTotal 计数器：同步次数，按结果 (success/failed) 分类
	SyncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_sync_passes_total",
		Help: "The total number of job download passes",
	}, []string{"result"})

	// SyncDuration 直方图：一次同步 (读取控制器、映射、排程、写入) 的耗时
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cell_sync_duration_seconds",
		Help:    "Time spent in one job download pass",
		Buckets: prometheus.DefBuckets,
	})

	// RowsWrittenTotal 计数器：写入控制器的行数，按表和操作分类
	RowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_rows_written_total",
		Help: "Rows written to the cell controller",
	}, []string{"table", "command"})

	// StatusBuildDuration 直方图：状态快照构建耗时
	StatusBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "status_build_duration_seconds",
		Help:    "Time spent building the current status",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveJobs 仪表盘：当前状态中的未归档作业数
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status_active_jobs",
		Help: "The number of unarchived jobs in the current status",
	})

	// ActiveAlarms 仪表盘：当前报警数
	ActiveAlarms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status_active_alarms",
		Help: "The number of alarms in the current status",
	})
)
