package types

import (
	"time"
)

// Job 定义一个生产订单：一个零件，按顺序经过 1..N 道工序
type Job struct {
	UniqueStr       string       `json:"unique" yaml:"unique"`
	PartName        string       `json:"part" yaml:"part"`
	Comment         string       `json:"comment,omitempty" yaml:"comment"`
	RouteStartUTC   time.Time    `json:"routeStartUTC" yaml:"routeStartUTC"`
	RouteEndUTC     time.Time    `json:"routeEndUTC" yaml:"routeEndUTC"`
	Archived        bool         `json:"archived" yaml:"archived"`
	CopiedToSystem  bool         `json:"copiedToSystem" yaml:"copiedToSystem"`
	ScheduleID      string       `json:"scheduleId,omitempty" yaml:"scheduleId"`
	ManuallyCreated bool         `json:"manuallyCreated" yaml:"manuallyCreated"`
	HoldJob         *HoldPattern `json:"holdJob,omitempty" yaml:"holdJob"`
	Processes       []Process    `json:"processes" yaml:"processes"`
}

// Process 是一道工序，包含 1..M 条可选路径
type Process struct {
	Paths []Path `json:"paths" yaml:"paths"`
}

// Path 是某道工序的一条加工路线
type Path struct {
	Pallets                  []int                 `json:"pallets" yaml:"pallets"`
	Fixture                  string                `json:"fixture,omitempty" yaml:"fixture"`
	Face                     int                   `json:"face,omitempty" yaml:"face"`
	Load                     []int                 `json:"load" yaml:"load"`
	Unload                   []int                 `json:"unload" yaml:"unload"`
	ExpectedLoadTime         time.Duration         `json:"expectedLoadTime,omitempty" yaml:"expectedLoadTime"`
	ExpectedUnloadTime       time.Duration         `json:"expectedUnloadTime,omitempty" yaml:"expectedUnloadTime"`
	Stops                    []MachiningStop       `json:"stops" yaml:"stops"`
	InputQueue               string                `json:"inputQueue,omitempty" yaml:"inputQueue"`
	OutputQueue              string                `json:"outputQueue,omitempty" yaml:"outputQueue"`
	PartsPerPallet           int                   `json:"partsPerPallet" yaml:"partsPerPallet"`
	PathGroup                int                   `json:"pathGroup" yaml:"pathGroup"`
	PlannedCycles            int                   `json:"plannedCycles,omitempty" yaml:"plannedCycles"`
	SimulatedStartingUTC     time.Time             `json:"simulatedStartingUTC,omitempty" yaml:"simulatedStartingUTC"`
	SimulatedProduction      []SimulatedProduction `json:"simulatedProduction,omitempty" yaml:"simulatedProduction"`
	SimulatedAverageFlowTime time.Duration         `json:"simulatedAverageFlowTime,omitempty" yaml:"simulatedAverageFlowTime"`
	Casting                  string                `json:"casting,omitempty" yaml:"casting"`
	HoldMachining            *HoldPattern          `json:"holdMachining,omitempty" yaml:"holdMachining"`
	HoldLoadUnload           *HoldPattern          `json:"holdLoadUnload,omitempty" yaml:"holdLoadUnload"`
}

// MachiningStop 是路径上的一个加工站点
// ProgramRevision 为 nil 或 <=0 时，写入数据库时解析为具体版本
type MachiningStop struct {
	StationGroup      string                   `json:"stationGroup" yaml:"stationGroup"`
	Stations          []int                    `json:"stations" yaml:"stations"`
	Program           string                   `json:"program,omitempty" yaml:"program"`
	ProgramRevision   *int64                   `json:"programRevision,omitempty" yaml:"programRevision"`
	Tools             map[string]time.Duration `json:"tools,omitempty" yaml:"tools"`
	ExpectedCycleTime time.Duration            `json:"expectedCycleTime" yaml:"expectedCycleTime"`
}

// SimulatedProduction 是模拟排产给出的累计产量曲线上的一个点
type SimulatedProduction struct {
	TimeUTC  time.Time `json:"timeUTC" yaml:"timeUTC"`
	Quantity int       `json:"quantity" yaml:"quantity"`
}

// NumProcesses 返回工序数
func (j *Job) NumProcesses() int {
	return len(j.Processes)
}

// NumPaths 返回某道工序 (从 1 开始) 的路径数
func (j *Job) NumPaths(proc int) int {
	if proc < 1 || proc > len(j.Processes) {
		return 0
	}
	return len(j.Processes[proc-1].Paths)
}

// PathAt 返回 (工序, 路径) 对应的路径，两者都从 1 开始
func (j *Job) PathAt(proc, path int) *Path {
	if proc < 1 || proc > len(j.Processes) {
		return nil
	}
	paths := j.Processes[proc-1].Paths
	if path < 1 || path > len(paths) {
		return nil
	}
	return &paths[path-1]
}

// PlannedCyclesOnFirstProcess 汇总第一道工序所有路径的计划数量
func (j *Job) PlannedCyclesOnFirstProcess() int {
	total := 0
	if len(j.Processes) == 0 {
		return 0
	}
	for _, p := range j.Processes[0].Paths {
		total += p.PlannedCycles
	}
	return total
}

// Clone 深拷贝一个 Job，实时视图上的调整不会影响持久化的计划
func (j *Job) Clone() *Job {
	c := *j
	c.HoldJob = j.HoldJob.Clone()
	c.Processes = make([]Process, len(j.Processes))
	for i, proc := range j.Processes {
		paths := make([]Path, len(proc.Paths))
		for k, p := range proc.Paths {
			cp := p
			cp.Pallets = append([]int(nil), p.Pallets...)
			cp.Load = append([]int(nil), p.Load...)
			cp.Unload = append([]int(nil), p.Unload...)
			cp.Stops = make([]MachiningStop, len(p.Stops))
			for s, st := range p.Stops {
				cs := st
				cs.Stations = append([]int(nil), st.Stations...)
				if st.ProgramRevision != nil {
					rev := *st.ProgramRevision
					cs.ProgramRevision = &rev
				}
				if st.Tools != nil {
					cs.Tools = make(map[string]time.Duration, len(st.Tools))
					for k, v := range st.Tools {
						cs.Tools[k] = v
					}
				}
				cp.Stops[s] = cs
			}
			cp.SimulatedProduction = append([]SimulatedProduction(nil), p.SimulatedProduction...)
			cp.HoldMachining = p.HoldMachining.Clone()
			cp.HoldLoadUnload = p.HoldLoadUnload.Clone()
			paths[k] = cp
		}
		c.Processes[i] = Process{Paths: paths}
	}
	return &c
}

// NewJobs 是一次下发的批量任务
type NewJobs struct {
	ScheduleID string         `json:"scheduleId" yaml:"scheduleId"`
	Jobs       []*Job         `json:"jobs" yaml:"jobs"`
	Programs   []ProgramEntry `json:"programs,omitempty" yaml:"programs"`
}

// Decrement 从某条第一工序路径的计划数量中永久扣减的数量
type Decrement struct {
	DecrementID int64     `json:"decrementId"`
	JobUnique   string    `json:"jobUnique"`
	Proc1Path   int       `json:"proc1Path"`
	TimeUTC     time.Time `json:"timeUTC"`
	Part        string    `json:"part"`
	Quantity    int       `json:"quantity"`
}

// NewDecrement 是扣减请求
type NewDecrement struct {
	JobUnique string `json:"jobUnique"`
	Proc1Path int    `json:"proc1Path"`
	Part      string `json:"part"`
	Quantity  int    `json:"quantity"`
}

// ProgramEntry 是待写入的程序，Revision <= 0 表示占位版本
type ProgramEntry struct {
	ProgramName    string `json:"programName" yaml:"programName"`
	Revision       int64  `json:"revision" yaml:"revision"`
	Comment        string `json:"comment,omitempty" yaml:"comment"`
	ProgramContent string `json:"programContent" yaml:"programContent"`
}

// ProgramRevision 是已保存的程序版本
type ProgramRevision struct {
	ProgramName               string `json:"programName"`
	Revision                  int64  `json:"revision"`
	Comment                   string `json:"comment,omitempty"`
	CellControllerProgramName string `json:"cellControllerProgramName,omitempty"`
}
