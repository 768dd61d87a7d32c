package types

import "time"

// QueueSize 队列容量设置
type QueueSize struct {
	MaxSizeBeforeStopUnloading int `json:"maxSizeBeforeStopUnloading,omitempty" mapstructure:"max_size_before_stop_unloading"`
}

// ActiveJob 是 CurrentStatus 中的作业实时视图
// Completed 和 Precedence 按 [工序-1][路径-1] 索引
type ActiveJob struct {
	Job
	Completed  [][]int     `json:"completed"`
	Precedence [][]int     `json:"precedence"`
	Decrements []Decrement `json:"decrements,omitempty"`
	Workorders []string    `json:"workorders,omitempty"`
}

// PalletStatus 是 CurrentStatus 中的托盘摘要
type PalletStatus struct {
	Pallet                string         `json:"pal"`
	PalletNum             int            `json:"palletNum"`
	FixtureOnPallet       string         `json:"fixtureOnPallet,omitempty"`
	OnHold                bool           `json:"onHold"`
	CurrentPalletLocation PalletLocation `json:"curPalletLoc"`
	NumFaces              int            `json:"numFaces"`
}

// CurrentStatus 是对外提供的统一当前状态快照，每次轮询重新生成
type CurrentStatus struct {
	TimeOfCurrentStatusUTC time.Time               `json:"timeOfCurrentStatusUTC"`
	Jobs                   map[string]*ActiveJob   `json:"jobs"`
	Pallets                map[string]PalletStatus `json:"pallets"`
	Material               []InProcessMaterial     `json:"material"`
	Alarms                 []string                `json:"alarms"`
	QueueSizes             map[string]QueueSize    `json:"queues"`
}

// EmptyStatus 返回尚未轮询到控制器时的默认状态
func EmptyStatus(now time.Time) *CurrentStatus {
	return &CurrentStatus{
		TimeOfCurrentStatusUTC: now,
		Jobs:                   map[string]*ActiveJob{},
		Pallets:                map[string]PalletStatus{},
		Material:               []InProcessMaterial{},
		Alarms:                 []string{},
		QueueSizes:             map[string]QueueSize{},
	}
}
