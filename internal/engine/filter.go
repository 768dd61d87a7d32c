package engine

import (
	"fmt"
	"time"

	"fms-cell/internal/types"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// filterJob 是下发过滤规则中 job 变量的视图
type filterJob struct {
	Unique     string
	Part       string
	Processes  int
	Paths      int
	Planned    int
	Manual     bool
	OnHold     bool
	Pallets    []int
	RouteStart time.Time
}

// DownloadFilter 决定哪些作业可以在本次同步中下发
// 规则为空时所有作业都下发
type DownloadFilter struct {
	rule    string
	program *vm.Program
}

func filterEnv(job *types.Job, now time.Time) map[string]interface{} {
	fj := filterJob{}
	if job != nil {
		fj = filterJob{
			Unique:     job.UniqueStr,
			Part:       job.PartName,
			Processes:  job.NumProcesses(),
			Paths:      job.NumPaths(1),
			Planned:    job.PlannedCyclesOnFirstProcess(),
			Manual:     job.ManuallyCreated,
			OnHold:     job.HoldJob.IsOnHold(now),
			RouteStart: job.RouteStartUTC,
		}
		seen := make(map[int]bool)
		for _, proc := range job.Processes {
			for _, p := range proc.Paths {
				for _, pal := range p.Pallets {
					if !seen[pal] {
						seen[pal] = true
						fj.Pallets = append(fj.Pallets, pal)
					}
				}
			}
		}
	}
	return map[string]interface{}{"job": fj}
}

// NewDownloadFilter 编译过滤规则，规则必须返回布尔值
func NewDownloadFilter(rule string) (*DownloadFilter, error) {
	f := &DownloadFilter{rule: rule}
	if rule == "" {
		return f, nil
	}
	program, err := expr.Compile(rule, expr.Env(filterEnv(nil, time.Time{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule compilation failed: %w", err)
	}
	f.program = program
	return f, nil
}

// Allow 判断作业是否满足过滤规则
func (f *DownloadFilter) Allow(job *types.Job, now time.Time) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	result, err := expr.Run(f.program, filterEnv(job, now))
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return allowed, nil
}

// String 返回原始规则
func (f *DownloadFilter) String() string {
	if f == nil {
		return ""
	}
	return f.rule
}
