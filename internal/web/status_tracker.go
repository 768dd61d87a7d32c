package web

import (
	"sync"
	"time"

	"fms-cell/internal/types"
)

// StatusTracker 保存最新的当前状态快照，并通知前端更新
type StatusTracker struct {
	mu      sync.RWMutex
	current *types.CurrentStatus
	hub     *Hub
}

// NewStatusTracker 创建一个新的 StatusTracker 实例，hub 可以为 nil
func NewStatusTracker(hub *Hub) *StatusTracker {
	return &StatusTracker{hub: hub}
}

// Update 替换当前快照，并向所有客户端广播
// 时间早于当前快照的更新会被忽略
func (st *StatusTracker) Update(s *types.CurrentStatus) {
	if s == nil {
		return
	}
	st.mu.Lock()
	if st.current != nil && s.TimeOfCurrentStatusUTC.Before(st.current.TimeOfCurrentStatusUTC) {
		st.mu.Unlock()
		return
	}
	st.current = s
	st.mu.Unlock()

	if st.hub != nil {
		st.hub.Broadcast(s)
	}
}

// Snapshot 返回最新快照，尚未轮询到控制器时返回空状态
// 快照构建后只读，可以直接共享
func (st *StatusTracker) Snapshot() *types.CurrentStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.current == nil {
		return types.EmptyStatus(time.Now().UTC())
	}
	return st.current
}
