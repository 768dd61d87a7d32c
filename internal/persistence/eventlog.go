package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"fms-cell/internal/types"
)

// record 代表日志文件中的一行
type record struct {
	Type  string              `json:"type"`            // "CYCLE" (周期事件) 或 "PATH" (物料路径)
	Entry *types.LogEntry     `json:"entry,omitempty"` // 周期事件
	Path  *types.MaterialPath `json:"path,omitempty"`  // 物料在某道工序上的路径
}

type matProc struct {
	mat  int64
	proc int
}

// EventLog 是只追加的周期事件日志，打开时重放到内存索引
type EventLog struct {
	file     *os.File
	mu       sync.RWMutex
	counter  int64
	byUnique map[string][]types.LogEntry
	paths    map[matProc]int
}

// NewEventLog 创建或打开一个事件日志文件并重放已有记录
func NewEventLog(path string) (*EventLog, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	l := &EventLog{
		file:     file,
		byUnique: make(map[string][]types.LogEntry),
		paths:    make(map[matProc]int),
	}
	if err := l.replay(); err != nil {
		file.Close()
		return nil, fmt.Errorf("重放事件日志失败: %w", err)
	}
	return l, nil
}

func (l *EventLog) replay() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			// 跳过损坏的行，通常是写入中途断电留下的半行
			continue
		}
		switch r.Type {
		case "CYCLE":
			if r.Entry != nil {
				l.index(*r.Entry)
			}
		case "PATH":
			if r.Path != nil {
				l.paths[matProc{r.Path.MaterialID, r.Path.Process}] = r.Path.Path
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// 恢复文件指针到末尾，以便后续追加写入
	size, err := l.file.Seek(0, io.SeekEnd)
	if err != nil || size == 0 {
		return err
	}
	// 半行之后的新记录必须另起一行
	last := make([]byte, 1)
	if _, err := l.file.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		_, err = l.file.Write([]byte{'\n'})
	}
	return err
}

func (l *EventLog) index(e types.LogEntry) {
	if e.Counter > l.counter {
		l.counter = e.Counter
	}
	seen := make(map[string]bool)
	for _, m := range e.Material {
		if m.JobUniqueStr == "" || seen[m.JobUniqueStr] {
			continue
		}
		seen[m.JobUniqueStr] = true
		l.byUnique[m.JobUniqueStr] = append(l.byUnique[m.JobUniqueStr], e)
	}
}

func (l *EventLog) write(r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return l.file.Sync()
}

// Append 写入一条周期事件并分配递增的计数器
func (l *EventLog) Append(e types.LogEntry) (types.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Counter = l.counter + 1
	if err := l.write(record{Type: "CYCLE", Entry: &e}); err != nil {
		return types.LogEntry{}, err
	}
	l.index(e)
	return e, nil
}

// RecordMaterialPath 记录物料在某道工序上走的路径
func (l *EventLog) RecordMaterialPath(p types.MaterialPath) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.write(record{Type: "PATH", Path: &p}); err != nil {
		return err
	}
	l.paths[matProc{p.MaterialID, p.Process}] = p.Path
	return nil
}

// GetLogForJobUnique 按写入顺序返回涉及该作业的所有事件
func (l *EventLog) GetLogForJobUnique(unique string) []types.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.LogEntry(nil), l.byUnique[unique]...)
}

// MaterialPath 查询物料在某道工序上的路径
func (l *EventLog) MaterialPath(materialID int64, proc int) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.paths[matProc{materialID, proc}]
	return p, ok
}

// WorkordersForUnique 返回该作业物料上出现过的工单号，已排序去重
func (l *EventLog) WorkordersForUnique(unique string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := make(map[string]bool)
	for _, e := range l.byUnique[unique] {
		for _, m := range e.Material {
			if m.JobUniqueStr == unique && m.Workorder != "" {
				set[m.Workorder] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Close 关闭日志文件
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
