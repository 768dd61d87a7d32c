package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/event"
	"fms-cell/internal/status"
	"fms-cell/internal/types"
	"fms-cell/internal/util"
)

// EventRecorder 是事件日志的读写接口
type EventRecorder interface {
	status.EventLog
	Append(e types.LogEntry) (types.LogEntry, error)
	RecordMaterialPath(p types.MaterialPath) error
}

// StatusPoller 周期性读取控制器实时状态，记录新事件并重建当前状态快照
type StatusPoller struct {
	ctrl     cell.Controller
	jobs     status.JobSource
	log      EventRecorder
	bus      *event.Bus
	settings status.Settings
	interval time.Duration
	logger   *slog.Logger

	// 控制器交付后尚未写入事件日志的路径和事件，下一次轮询重试
	pollMu        sync.Mutex
	pendingPaths  []types.MaterialPath
	pendingEvents []types.LogEntry

	mu      sync.RWMutex
	current *types.CurrentStatus
}

// NewStatusPoller 创建一个新的 StatusPoller 实例
func NewStatusPoller(ctrl cell.Controller, jobs status.JobSource, log EventRecorder, bus *event.Bus, settings status.Settings, interval time.Duration, logger *slog.Logger) *StatusPoller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &StatusPoller{
		ctrl:     ctrl,
		jobs:     jobs,
		log:      log,
		bus:      bus,
		settings: settings,
		interval: interval,
		logger:   logger.With("component", "status-poller"),
	}
}

// Start 启动轮询循环，直到 ctx 被取消
func (p *StatusPoller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("状态轮询失败", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce 执行一次轮询并返回新的状态快照
func (p *StatusPoller) PollOnce(ctx context.Context) (*types.CurrentStatus, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	traceID := util.NewTraceID()
	ctx = util.ContextWithTraceID(ctx, traceID)
	logger := p.logger.With("trace_id", traceID)
	start := time.Now()

	cs, err := p.ctrl.LoadCellState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cell state: %w", err)
	}

	if cs != nil {
		p.pendingPaths = append(p.pendingPaths, cs.NewMaterialPaths...)
		p.pendingEvents = append(p.pendingEvents, cs.NewEvents...)
	}
	if err := p.flush(logger); err != nil {
		return nil, err
	}

	st, err := status.Build(ctx, p.jobs, p.log, cs, p.settings)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = st
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(event.Event{Type: event.StatusUpdated, TraceID: traceID, Status: st, Duration: time.Since(start)})
	}
	return st, nil
}

// flush 先记录路径，再记录周期事件，完成数统计才能查到路径
// 每写入一条就从待写列表中移除，失败时剩余部分留到下一次轮询
func (p *StatusPoller) flush(logger *slog.Logger) error {
	for len(p.pendingPaths) > 0 {
		if err := p.log.RecordMaterialPath(p.pendingPaths[0]); err != nil {
			return fmt.Errorf("record material path: %w", err)
		}
		p.pendingPaths = p.pendingPaths[1:]
	}
	n := len(p.pendingEvents)
	for len(p.pendingEvents) > 0 {
		if _, err := p.log.Append(p.pendingEvents[0]); err != nil {
			logger.Warn("事件日志写入失败，下一次轮询重试", "error", err, "pending", len(p.pendingEvents))
			return fmt.Errorf("append event: %w", err)
		}
		p.pendingEvents = p.pendingEvents[1:]
	}
	if n > 0 {
		logger.Info("记录新的周期事件", "count", n)
	}
	p.pendingPaths = nil
	p.pendingEvents = nil
	return nil
}

// Current 返回最近一次构建的状态，尚未构建时返回 nil
func (p *StatusPoller) Current() *types.CurrentStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}
