// Package schedule 根据映射好的零件生成控制器排程行
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/types"
)

const (
	// MaxScheduleID 控制器排程号上限
	MaxScheduleID = 9999
	// DefaultPriority 不按日期排优先级时使用的固定优先级
	DefaultPriority = 75
	// MaxPriority 按日期排优先级时的上限
	MaxPriority = 100
	// basePriorityFloor 同一天没有已有排程时，基准优先级从它加一开始
	basePriorityFloor = 9
)

// ErrNoScheduleID 1..9999 的排程号已全部占用
var ErrNoScheduleID = errors.New("All Schedule Ids are currently being used")

// MissingPartError 作业还没有对应的已下载零件
type MissingPartError struct {
	Unique string
}

func (e *MissingPartError) Error() string {
	return fmt.Sprintf("Attempting to create schedule for %s but a part does not exist", e.Unique)
}

// defaultDueDate 不按日期排优先级时的交期
func defaultDueDate(loc *time.Location) time.Time {
	return time.Date(2008, time.January, 1, 0, 0, 0, 0, loc)
}

// CalculateHoldMode 合并整个作业的保持和第一条路径的加工保持
func CalculateHoldMode(entireHold, machiningHold bool) types.HoldMode {
	switch {
	case entireHold:
		return types.HoldFull
	case machiningHold:
		return types.HoldMachining
	default:
		return types.HoldNone
	}
}

// RemoveCompletedSchedules 删除计划数等于完成数的排程
// 返回仍在运行的排程所用的零件名，后续映射不能改动它们
func RemoveCompletedSchedules(state cell.State) (cell.WriteData, map[string]bool) {
	var w cell.WriteData
	saved := make(map[string]bool)
	for _, s := range state.Schedules {
		if s.PlanQuantity == s.CompleteQuantity {
			s.Command = cell.CmdDelete
			w.Schedules = append(w.Schedules, s)
			continue
		}
		saved[s.PartName] = true
	}
	return w, saved
}

// AddSchedules 为尚未排程的作业生成排程行
// state 应当已经包含本批次映射新增的零件
func AddSchedules(state cell.State, jobs []*types.Job, useDateBasedPriority bool, now time.Time) (cell.WriteData, error) {
	var w cell.WriteData
	if len(jobs) == 0 {
		return w, nil
	}
	loc := time.Local

	routeStart := jobs[0].RouteStartUTC
	for _, j := range jobs[1:] {
		if j.RouteStartUTC.Before(routeStart) {
			routeStart = j.RouteStartUTC
		}
	}
	local := routeStart.In(loc)
	routeStartDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	usedIDs := make(map[int]bool)
	scheduledParts := make(map[string]bool)
	maxPriMatchingDate := basePriorityFloor
	for _, s := range state.Schedules {
		usedIDs[s.ID] = true
		scheduledParts[s.PartName] = true
		if s.DueDate.Equal(routeStartDate) && s.Priority > maxPriMatchingDate {
			maxPriMatchingDate = s.Priority
		}
	}
	basePriority := maxPriMatchingDate + 1

	var rows []cell.Schedule
	for _, job := range jobs {
		if job.NumProcesses() == 0 {
			continue
		}
		if n := job.NumPaths(1); n != 1 {
			return cell.WriteData{}, fmt.Errorf("job %s has %d paths on the first process, scheduling requires exactly one", job.UniqueStr, n)
		}
		planned := job.PlannedCyclesOnFirstProcess()
		if planned <= 0 {
			continue
		}

		part, ok := findPart(state, job.UniqueStr)
		if !ok {
			return cell.WriteData{}, &MissingPartError{Unique: job.UniqueStr}
		}
		if scheduledParts[part.PartName] {
			continue
		}

		id, err := nextScheduleID(usedIDs)
		if err != nil {
			return cell.WriteData{}, err
		}
		usedIDs[id] = true
		scheduledParts[part.PartName] = true

		row := cell.Schedule{
			Command:      cell.CmdAdd,
			ID:           id,
			PartName:     part.PartName,
			Comment:      part.Comment,
			PlanQuantity: planned,
			Priority:     DefaultPriority,
			DueDate:      defaultDueDate(loc),
		}
		if useDateBasedPriority {
			row.DueDate = routeStartDate
			row.Priority = basePriority
			if !job.PathAt(1, 1).SimulatedStartingUTC.IsZero() {
				row.Priority = min(MaxPriority, basePriority+CountEarlierConflicts(job, jobs))
			}
		}

		first := job.PathAt(1, 1)
		row.HoldMode = CalculateHoldMode(job.HoldJob.IsOnHold(now), first.HoldMachining.IsOnHold(now))

		matQty := planned
		if first.InputQueue != "" {
			matQty = 0
		}
		for proc := 1; proc <= job.NumProcesses(); proc++ {
			sp := cell.ScheduleProcess{ScheduleID: id, ProcessNumber: proc}
			if proc == 1 {
				sp.ProcessMaterialQuantity = matQty
			}
			row.Processes = append(row.Processes, sp)
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].DueDate.Equal(rows[j].DueDate) {
			return rows[i].DueDate.Before(rows[j].DueDate)
		}
		return rows[i].Priority > rows[j].Priority
	})
	w.Schedules = rows
	return w, nil
}

// findPart 通过零件注释找到作业第一条路径对应的零件
func findPart(state cell.State, unique string) (cell.Part, bool) {
	for _, p := range state.Parts {
		u, path, _, ok := cell.ParseComment(p.Comment)
		if ok && u == unique && path == 1 {
			return p, true
		}
	}
	return cell.Part{}, false
}

func nextScheduleID(used map[int]bool) (int, error) {
	for id := 1; id <= MaxScheduleID; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, ErrNoScheduleID
}

type fixtureFace struct {
	fixture string
	face    int
}

// CountEarlierConflicts 统计模拟开工时间更早、且与该作业共用夹具面或托盘的其他作业数
// 只比较各工序的第一条路径
func CountEarlierConflicts(job *types.Job, jobs []*types.Job) int {
	start := job.PathAt(1, 1).SimulatedStartingUTC
	if start.IsZero() {
		return 0
	}

	fixtures := make(map[fixtureFace]bool)
	pallets := make(map[int]bool)
	for proc := 1; proc <= job.NumProcesses(); proc++ {
		path := job.PathAt(proc, 1)
		if path.Fixture != "" {
			fixtures[fixtureFace{path.Fixture, path.Face}] = true
		} else {
			for _, p := range path.Pallets {
				pallets[p] = true
			}
		}
	}

	count := 0
	for _, other := range jobs {
		if other.UniqueStr == job.UniqueStr || other.NumProcesses() == 0 {
			continue
		}
		otherStart := other.PathAt(1, 1).SimulatedStartingUTC
		if otherStart.IsZero() || !otherStart.Before(start) {
			continue
		}
		if conflicts(other, fixtures, pallets) {
			count++
		}
	}
	return count
}

func conflicts(other *types.Job, fixtures map[fixtureFace]bool, pallets map[int]bool) bool {
	for proc := 1; proc <= other.NumProcesses(); proc++ {
		path := other.PathAt(proc, 1)
		if path == nil {
			continue
		}
		if path.Fixture != "" && fixtures[fixtureFace{path.Fixture, path.Face}] {
			return true
		}
		for _, p := range path.Pallets {
			if pallets[p] {
				return true
			}
		}
	}
	return false
}
