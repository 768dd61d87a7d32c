// Package status 将作业定义、事件日志、扣减记录和控制器实时状态合并为当前状态快照
package status

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"fms-cell/internal/types"
)

// LongToolMaterialID 长刀具维护占位物料的物料号
const LongToolMaterialID int64 = -1

// LongToolPartName 长刀具维护占位物料的零件名
const LongToolPartName = "LongTool"

// JobSource 是构建状态所需的作业存储读接口
type JobSource interface {
	LoadUnarchivedJobs(ctx context.Context) ([]*types.Job, error)
	LoadDecrementsForJob(ctx context.Context, unique string) ([]types.Decrement, error)
}

// EventLog 是构建状态所需的事件日志读接口
type EventLog interface {
	GetLogForJobUnique(unique string) []types.LogEntry
	MaterialPath(materialID int64, proc int) (int, bool)
	WorkordersForUnique(unique string) []string
}

// Settings 状态构建参数
type Settings struct {
	Queues map[string]types.QueueSize
}

// Build 生成当前状态快照；cell 为 nil 表示控制器还没有轮询到，返回空状态
func Build(ctx context.Context, jobs JobSource, log EventLog, cell *types.CellState, settings Settings) (*types.CurrentStatus, error) {
	if cell == nil {
		return types.EmptyStatus(timeNow()), nil
	}

	st := types.EmptyStatus(cell.TimeOfStatusUTC)
	for name, q := range settings.Queues {
		st.QueueSizes[name] = q
	}

	unarchived, err := jobs.LoadUnarchivedJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load unarchived jobs: %w", err)
	}

	for _, job := range unarchived {
		active := newActiveJob(job)
		countCompleted(active, log)

		decrs, err := jobs.LoadDecrementsForJob(ctx, job.UniqueStr)
		if err != nil {
			return nil, fmt.Errorf("load decrements for %s: %w", job.UniqueStr, err)
		}
		applyDecrements(active, decrs)

		active.Workorders = log.WorkordersForUnique(job.UniqueStr)
		st.Jobs[job.UniqueStr] = active
	}
	assignPrecedence(st.Jobs)

	addPallets(st, cell)
	st.Alarms = Alarms(cell)
	return st, nil
}

func newActiveJob(job *types.Job) *types.ActiveJob {
	a := &types.ActiveJob{Job: *job.Clone()}
	a.Completed = make([][]int, job.NumProcesses())
	a.Precedence = make([][]int, job.NumProcesses())
	for proc := 1; proc <= job.NumProcesses(); proc++ {
		a.Completed[proc-1] = make([]int, job.NumPaths(proc))
		a.Precedence[proc-1] = make([]int, job.NumPaths(proc))
	}
	return a
}

// countCompleted 根据卸载事件重新计算每个 (工序, 路径) 的完成数
func countCompleted(a *types.ActiveJob, log EventLog) {
	for _, e := range log.GetLogForJobUnique(a.UniqueStr) {
		if !e.IsUnload() {
			continue
		}
		for _, m := range e.Material {
			if m.JobUniqueStr != a.UniqueStr {
				continue
			}
			proc := m.Process
			if proc < 1 || proc > len(a.Completed) {
				continue
			}
			path, ok := log.MaterialPath(m.MaterialID, proc)
			if !ok {
				path = 1
			}
			if path < 1 || path > len(a.Completed[proc-1]) {
				continue
			}
			a.Completed[proc-1][path-1]++
		}
	}
}

// applyDecrements 只调整实时视图中第一道工序各路径的计划数，最低为 0
func applyDecrements(a *types.ActiveJob, decrs []types.Decrement) {
	a.Decrements = decrs
	if len(a.Processes) == 0 {
		return
	}
	paths := a.Processes[0].Paths
	for i := range paths {
		removed := 0
		for _, d := range decrs {
			p := d.Proc1Path
			if p == 0 {
				p = 1
			}
			if p == i+1 {
				removed += d.Quantity
			}
		}
		paths[i].PlannedCycles = max(0, paths[i].PlannedCycles-removed)
	}
}

type seed struct {
	job  *types.ActiveJob
	path int
}

// assignPrecedence 按 (作业开始时间, 路径模拟开始时间) 为第一工序路径编号，
// 再传播给后续工序中同一路径组、尚未编号的路径
func assignPrecedence(jobs map[string]*types.ActiveJob) {
	var seeds []seed
	for _, j := range jobs {
		for path := 1; path <= j.NumPaths(1); path++ {
			seeds = append(seeds, seed{j, path})
		}
	}
	sort.SliceStable(seeds, func(a, b int) bool {
		sa, sb := seeds[a], seeds[b]
		if !sa.job.RouteStartUTC.Equal(sb.job.RouteStartUTC) {
			return sa.job.RouteStartUTC.Before(sb.job.RouteStartUTC)
		}
		simA := sa.job.PathAt(1, sa.path).SimulatedStartingUTC
		simB := sb.job.PathAt(1, sb.path).SimulatedStartingUTC
		if !simA.Equal(simB) {
			return simA.Before(simB)
		}
		if sa.job.UniqueStr != sb.job.UniqueStr {
			return sa.job.UniqueStr < sb.job.UniqueStr
		}
		return sa.path < sb.path
	})

	for i, s := range seeds {
		prec := i + 1
		s.job.Precedence[0][s.path-1] = prec
		group := s.job.PathAt(1, s.path).PathGroup
		for proc := 2; proc <= s.job.NumProcesses(); proc++ {
			for path := 1; path <= s.job.NumPaths(proc); path++ {
				if s.job.PathAt(proc, path).PathGroup != group {
					continue
				}
				if s.job.Precedence[proc-1][path-1] <= 0 {
					s.job.Precedence[proc-1][path-1] = prec
				}
			}
		}
	}
}

func addPallets(st *types.CurrentStatus, cell *types.CellState) {
	for _, pal := range cell.Pallets {
		name := strconv.Itoa(pal.Master.PalletNum)
		faces := 0
		for _, m := range pal.Material {
			// 没有面号的物料按第 1 面计
			faces = max(faces, m.Location.Face, 1)
		}
		st.Pallets[name] = types.PalletStatus{
			Pallet:                name,
			PalletNum:             pal.Master.PalletNum,
			OnHold:                pal.Master.Skip,
			CurrentPalletLocation: pal.CurStation,
			NumFaces:              faces,
		}
		st.Material = append(st.Material, pal.Material...)
	}
	st.Material = append(st.Material, cell.QueuedMaterial...)

	// 长刀具占位物料排在所有托盘和队列物料之后
	for _, pal := range cell.Pallets {
		if m, ok := longToolMaterial(pal); ok {
			st.Material = append(st.Material, m)
		}
	}
}

// longToolMaterial 为长刀具维护托盘生成展示用的占位物料
func longToolMaterial(pal types.PalletState) (types.InProcessMaterial, bool) {
	if !pal.Master.ForLongToolMaintenance || pal.Master.NoWork || !pal.Tracking.BeforeCurrentStep {
		return types.InProcessMaterial{}, false
	}
	name := strconv.Itoa(pal.Master.PalletNum)
	m := types.InProcessMaterial{
		MaterialID: LongToolMaterialID,
		PartName:   LongToolPartName,
		Process:    1,
		Path:       1,
	}
	switch pal.CurrentStep {
	case types.StepLoad:
		m.Location = types.MaterialLocation{Type: types.MatFree}
		m.Action = types.MaterialAction{
			Type:             types.ActionLoading,
			LoadOntoPallet:   name,
			LoadOntoFace:     1,
			ProcessAfterLoad: 1,
			PathAfterLoad:    1,
		}
	case types.StepUnload:
		m.Location = types.MaterialLocation{Type: types.MatOnPallet, Pallet: name, Face: 1}
		m.Action = types.MaterialAction{Type: types.ActionUnloadToCompletedMaterial}
	default:
		return types.InProcessMaterial{}, false
	}
	return m, true
}
