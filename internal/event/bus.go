package event

import (
	"sync"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	JobsAdded       EventType = "JobsAdded"       // 新作业已写入存储
	JobsArchived    EventType = "JobsArchived"    // 作业已归档
	DecrementsAdded EventType = "DecrementsAdded" // 计划数量已扣减
	JobsDownloaded  EventType = "JobsDownloaded"  // 一次同步成功写入控制器
	SyncFailed      EventType = "SyncFailed"      // 同步失败，控制器未被修改
	StatusUpdated   EventType = "StatusUpdated"   // 当前状态快照已重建
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type       EventType            // 事件类型
	TraceID    string               // 同步或轮询的 Trace ID
	Jobs       []string             // 关联的作业唯一号
	Diff       *cell.WriteData      // 写入控制器的批次 (仅 JobsDownloaded)
	Status     *types.CurrentStatus // 最新状态 (仅 StatusUpdated)
	Decrements []types.Decrement    // 扣减记录
	Duration   time.Duration        // 同步或状态构建耗时
	Error      error                // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 处理器异步执行，慢的处理器不会拖住同步循环
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
