package types

import "time"

// LogType 事件日志条目类型
type LogType int

const (
	LogLoadUnloadCycle LogType = 1
	LogMachineCycle    LogType = 2
	LogPartMark        LogType = 6
	LogInspection      LogType = 7
	LogOrderAssignment LogType = 10
	LogAddToQueue      LogType = 13
	LogRemoveFromQueue LogType = 14
	LogPalletCycle     LogType = 15
)

// LogMaterial 是日志条目中涉及的一个物料
type LogMaterial struct {
	MaterialID   int64  `json:"id"`
	JobUniqueStr string `json:"uniq"`
	PartName     string `json:"part"`
	Process      int    `json:"proc"`
	NumProcesses int    `json:"numproc"`
	Face         string `json:"face,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Workorder    string `json:"workorder,omitempty"`
}

// LogEntry 是一条周期事件记录
type LogEntry struct {
	Counter      int64         `json:"counter"`
	Material     []LogMaterial `json:"material"`
	Type         LogType       `json:"type"`
	StartOfCycle bool          `json:"startofcycle"`
	EndTimeUTC   time.Time     `json:"endUTC"`
	LocationName string        `json:"loc"`
	LocationNum  int           `json:"locnum"`
	Pallet       string        `json:"pal,omitempty"`
	Program      string        `json:"program,omitempty"`
	Result       string        `json:"result,omitempty"`
	ElapsedTime  time.Duration `json:"elapsed,omitempty"`
	ActiveTime   time.Duration `json:"active,omitempty"`
}

// IsUnload 判断是否为装卸站上的卸载完成事件
func (e LogEntry) IsUnload() bool {
	return e.Type == LogLoadUnloadCycle && !e.StartOfCycle && e.Result == "UNLOAD"
}
