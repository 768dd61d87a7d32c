package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/event"
	"fms-cell/internal/mapping"
	"fms-cell/internal/schedule"
	"fms-cell/internal/types"
	"fms-cell/internal/util"
)

var timeNow = time.Now

// JobStore 是同步循环所需的作业存储接口
type JobStore interface {
	LoadJobsNotCopiedToSystem(ctx context.Context) ([]*types.Job, error)
	MarkJobsCopiedToSystem(ctx context.Context, uniques []string) error
}

// SyncSettings 同步循环的参数
type SyncSettings struct {
	Interval             time.Duration
	UseDateBasedPriority bool
	Mapping              mapping.Options
	Filter               *DownloadFilter
}

// SyncResult 是一次同步的结果
type SyncResult struct {
	TraceID    string
	Downloaded []string
	Diff       cell.WriteData
}

// CellSync 负责把尚未下发的作业同步到控制器
// 每次同步先在内存中算出完整的批次，再一次性写入，失败时控制器保持不变
type CellSync struct {
	store    JobStore
	ctrl     cell.Controller
	bus      *event.Bus
	settings SyncSettings
	trigger  chan struct{}
	mu       sync.Mutex // 同一时刻只有一次同步
	logger   *slog.Logger
}

// NewCellSync 创建一个新的 CellSync 实例
func NewCellSync(store JobStore, ctrl cell.Controller, bus *event.Bus, settings SyncSettings, logger *slog.Logger) *CellSync {
	if settings.Interval <= 0 {
		settings.Interval = time.Minute
	}
	return &CellSync{
		store:    store,
		ctrl:     ctrl,
		bus:      bus,
		settings: settings,
		trigger:  make(chan struct{}, 1),
		logger:   logger.With("component", "cell-sync"),
	}
}

// Trigger 请求尽快执行一次同步，已有待执行的请求时合并
func (s *CellSync) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start 启动同步循环，直到 ctx 被取消
func (s *CellSync) Start(ctx context.Context) {
	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("同步失败，等待下一次重试", "error", err)
		}
	}
}

// SyncOnce 执行一次完整的同步
func (s *CellSync) SyncOnce(ctx context.Context) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 生成 Trace ID 并注入 Context，用于全链路追踪
	traceID := util.NewTraceID()
	ctx = util.ContextWithTraceID(ctx, traceID)
	logger := s.logger.With("trace_id", traceID)
	start := time.Now()

	res, err := s.sync(ctx, logger)
	if err != nil {
		logger.Error("同步失败", "error", err)
		if s.bus != nil {
			s.bus.Publish(event.Event{Type: event.SyncFailed, TraceID: traceID, Duration: time.Since(start), Error: err})
		}
		return nil, err
	}
	res.TraceID = traceID

	if s.bus != nil {
		diff := res.Diff
		s.bus.Publish(event.Event{Type: event.JobsDownloaded, TraceID: traceID, Jobs: res.Downloaded, Diff: &diff, Duration: time.Since(start)})
	}
	return res, nil
}

func (s *CellSync) sync(ctx context.Context, logger *slog.Logger) (*SyncResult, error) {
	state, err := s.ctrl.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cell state: %w", err)
	}

	removeDiff, saved := schedule.RemoveCompletedSchedules(*state)
	afterRemove := state.Apply(removeDiff)

	pending, err := s.store.LoadJobsNotCopiedToSystem(ctx)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	now := timeNow()
	jobs := s.filter(pending, now, logger)

	offset := 0
	if len(jobs) > 0 {
		offset, err = cell.NextOffset(afterRemove)
		if err != nil {
			return nil, err
		}
	}

	mapped, err := mapping.Map(jobs, afterRemove, saved, offset, s.settings.Mapping)
	if err != nil {
		return nil, err
	}
	afterMap := afterRemove.Apply(mapped.Diff)

	schedDiff, err := schedule.AddSchedules(afterMap, jobs, s.settings.UseDateBasedPriority, now)
	if err != nil {
		return nil, err
	}

	diff := cell.Merge(removeDiff, mapped.Diff, schedDiff)
	res := &SyncResult{Diff: diff}
	if diff.Empty() && len(jobs) == 0 {
		logger.Debug("控制器已是最新状态")
		return res, nil
	}

	if !diff.Empty() {
		if err := s.ctrl.Write(ctx, diff); err != nil {
			return nil, fmt.Errorf("write to cell: %w", err)
		}
	}

	for _, j := range jobs {
		res.Downloaded = append(res.Downloaded, j.UniqueStr)
	}
	if len(res.Downloaded) > 0 {
		if err := s.store.MarkJobsCopiedToSystem(ctx, res.Downloaded); err != nil {
			return nil, fmt.Errorf("mark jobs copied: %w", err)
		}
	}

	logger.Info("同步完成",
		"offset", offset,
		"jobs", res.Downloaded,
		"schedules", len(diff.Schedules),
		"parts", len(diff.Parts),
		"fixtures", len(diff.Fixtures),
		"pallets", len(diff.Pallets),
	)
	return res, nil
}

// filter 过滤掉不满足下发规则的作业，规则执行出错的作业本次不下发
func (s *CellSync) filter(jobs []*types.Job, now time.Time, logger *slog.Logger) []*types.Job {
	if s.settings.Filter == nil {
		return jobs
	}
	out := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		ok, err := s.settings.Filter.Allow(j, now)
		if err != nil {
			logger.Error("规则引擎评估失败", "error", err, "rule", s.settings.Filter.String(), "job", j.UniqueStr)
			continue
		}
		if !ok {
			logger.Info("作业暂不下发", "rule", s.settings.Filter.String(), "job", j.UniqueStr)
			continue
		}
		out = append(out, j)
	}
	return out
}
