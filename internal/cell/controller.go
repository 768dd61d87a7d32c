package cell

import (
	"context"
	"sync"

	"fms-cell/internal/types"
)

// Controller 是控制器适配层的接口
// 映射和排程只产生内存中的批次，由 Write 一次性提交
type Controller interface {
	LoadState(ctx context.Context) (*State, error)
	LoadCellState(ctx context.Context) (*types.CellState, error)
	Write(ctx context.Context, w WriteData) error
}

// SimController 内存中的模拟控制器，供测试和 cell-sim 使用
type SimController struct {
	mu     sync.Mutex
	state  State
	cell   *types.CellState
	writes int
}

// NewSimController 创建一个指定托盘组编码方式的模拟控制器
func NewSimController(schema PalletSchema) *SimController {
	return &SimController{state: State{PalletSchema: schema}}
}

func (c *SimController) LoadState(ctx context.Context) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state.Apply(WriteData{})
	return &s, nil
}

// LoadCellState 返回实时状态的副本，并清空其中已交付的新事件
func (c *SimController) LoadCellState(ctx context.Context) (*types.CellState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cell == nil {
		return nil, nil
	}
	cs := c.cell.Clone()
	c.cell.NewEvents = nil
	c.cell.NewMaterialPaths = nil
	return cs, nil
}

// Write 先校验整个批次，校验失败时不做任何修改
func (c *SimController) Write(ctx context.Context, w WriteData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.Validate(w); err != nil {
		return err
	}
	c.state = c.state.Apply(w)
	c.writes++
	return nil
}

// SetCellState 替换实时状态
func (c *SimController) SetCellState(cs *types.CellState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cell = cs
}

// SetState 替换已下载的表数据
func (c *SimController) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s.Apply(WriteData{})
}

// CompleteSchedule 模拟排程完成若干数量
func (c *SimController) CompleteSchedule(id, qty int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.state.Schedules {
		if c.state.Schedules[i].ID == id {
			s := &c.state.Schedules[i]
			s.CompleteQuantity = min(s.PlanQuantity, s.CompleteQuantity+qty)
			return true
		}
	}
	return false
}

// Writes 返回成功执行的写入批次数
func (c *SimController) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// UpdateCellState 修改实时状态，尚未交付的事件保持不变
func (c *SimController) UpdateCellState(update func(cs *types.CellState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cell == nil {
		c.cell = &types.CellState{}
	}
	update(c.cell)
}

// AddEvents 追加新的周期事件和物料路径，在下一次 LoadCellState 时交付
func (c *SimController) AddEvents(events []types.LogEntry, paths []types.MaterialPath) {
	c.UpdateCellState(func(cs *types.CellState) {
		cs.NewEvents = append(cs.NewEvents, events...)
		cs.NewMaterialPaths = append(cs.NewMaterialPaths, paths...)
	})
}
