// Package jobdb 是作业、程序版本、保持和扣减记录的持久化存储 (gorm + sqlite)
package jobdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fms-cell/internal/types"

	"github.com/hashicorp/go-multierror"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrScheduleMismatch = errors.New("schedule mismatch")
)

var timeNow = time.Now

// ScheduleMismatchError 上一次排程号与期望值不一致
type ScheduleMismatchError struct {
	Expected string
	Actual   string
}

func (e *ScheduleMismatchError) Error() string {
	return fmt.Sprintf("Mismatch in previous schedule: expected '%s' but got '%s'", e.Expected, e.Actual)
}

func (e *ScheduleMismatchError) Unwrap() error { return ErrScheduleMismatch }

// Store 是作业存储。所有结构性写操作由同一把锁串行化，并各自在一个事务中完成
type Store struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// Open 打开 (或创建) sqlite 数据库并迁移表结构
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite 只允许一个写连接
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&jobRow{}, &pathRow{}, &holdRow{}, &decrementRow{}, &programRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("作业数据库已打开", "path", path)
	return &Store{db: db, logger: log}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRows(j *types.Job, copied bool) (jobRow, []pathRow, []holdRow) {
	jr := jobRow{
		JobUnique:       j.UniqueStr,
		Part:            j.PartName,
		Comment:         j.Comment,
		RouteStartUTC:   j.RouteStartUTC.UTC(),
		RouteEndUTC:     j.RouteEndUTC.UTC(),
		Archived:        j.Archived,
		CopiedToSystem:  copied,
		ScheduleID:      j.ScheduleID,
		ManuallyCreated: j.ManuallyCreated,
		NumProcesses:    len(j.Processes),
	}
	var paths []pathRow
	var holds []holdRow
	if j.HoldJob != nil {
		holds = append(holds, holdRow{JobUnique: j.UniqueStr, Process: -1, Path: -1, Kind: holdJob, Pattern: *j.HoldJob})
	}
	for pi, proc := range j.Processes {
		for ki, p := range proc.Paths {
			paths = append(paths, pathRow{
				JobUnique:                j.UniqueStr,
				Process:                  pi + 1,
				Path:                     ki + 1,
				PathGroup:                p.PathGroup,
				PlannedCycles:            p.PlannedCycles,
				Pallets:                  p.Pallets,
				Fixture:                  p.Fixture,
				Face:                     p.Face,
				Load:                     p.Load,
				Unload:                   p.Unload,
				Stops:                    p.Stops,
				SimulatedProduction:      p.SimulatedProduction,
				InputQueue:               p.InputQueue,
				OutputQueue:              p.OutputQueue,
				PartsPerPallet:           p.PartsPerPallet,
				Casting:                  p.Casting,
				ExpectedLoadTime:         p.ExpectedLoadTime,
				ExpectedUnloadTime:       p.ExpectedUnloadTime,
				SimulatedStartingUTC:     p.SimulatedStartingUTC.UTC(),
				SimulatedAverageFlowTime: p.SimulatedAverageFlowTime,
			})
			if p.HoldMachining != nil {
				holds = append(holds, holdRow{JobUnique: j.UniqueStr, Process: pi + 1, Path: ki + 1, Kind: holdMachining, Pattern: *p.HoldMachining})
			}
			if p.HoldLoadUnload != nil {
				holds = append(holds, holdRow{JobUnique: j.UniqueStr, Process: pi + 1, Path: ki + 1, Kind: holdLoadUnload, Pattern: *p.HoldLoadUnload})
			}
		}
	}
	return jr, paths, holds
}

func fromRows(jr jobRow, paths []pathRow, holds []holdRow) *types.Job {
	j := &types.Job{
		UniqueStr:       jr.JobUnique,
		PartName:        jr.Part,
		Comment:         jr.Comment,
		RouteStartUTC:   jr.RouteStartUTC.UTC(),
		RouteEndUTC:     jr.RouteEndUTC.UTC(),
		Archived:        jr.Archived,
		CopiedToSystem:  jr.CopiedToSystem,
		ScheduleID:      jr.ScheduleID,
		ManuallyCreated: jr.ManuallyCreated,
		Processes:       make([]types.Process, jr.NumProcesses),
	}
	sort.Slice(paths, func(a, b int) bool {
		if paths[a].Process != paths[b].Process {
			return paths[a].Process < paths[b].Process
		}
		return paths[a].Path < paths[b].Path
	})
	for _, r := range paths {
		if r.Process < 1 || r.Process > len(j.Processes) {
			continue
		}
		proc := &j.Processes[r.Process-1]
		for len(proc.Paths) < r.Path {
			proc.Paths = append(proc.Paths, types.Path{})
		}
		proc.Paths[r.Path-1] = types.Path{
			Pallets:                  r.Pallets,
			Fixture:                  r.Fixture,
			Face:                     r.Face,
			Load:                     r.Load,
			Unload:                   r.Unload,
			ExpectedLoadTime:         r.ExpectedLoadTime,
			ExpectedUnloadTime:       r.ExpectedUnloadTime,
			Stops:                    r.Stops,
			InputQueue:               r.InputQueue,
			OutputQueue:              r.OutputQueue,
			PartsPerPallet:           r.PartsPerPallet,
			PathGroup:                r.PathGroup,
			PlannedCycles:            r.PlannedCycles,
			SimulatedStartingUTC:     r.SimulatedStartingUTC.UTC(),
			SimulatedProduction:      r.SimulatedProduction,
			SimulatedAverageFlowTime: r.SimulatedAverageFlowTime,
			Casting:                  r.Casting,
		}
	}
	for _, h := range holds {
		pattern := h.Pattern
		if h.Kind == holdJob {
			j.HoldJob = &pattern
			continue
		}
		p := j.PathAt(h.Process, h.Path)
		if p == nil {
			continue
		}
		switch h.Kind {
		case holdMachining:
			p.HoldMachining = &pattern
		case holdLoadUnload:
			p.HoldLoadUnload = &pattern
		}
	}
	return j
}

// assemble 为一组作业行加载路径和保持数据
func assemble(tx *gorm.DB, rows []jobRow) ([]*types.Job, error) {
	jobs := make([]*types.Job, 0, len(rows))
	if len(rows) == 0 {
		return jobs, nil
	}
	uniques := make([]string, len(rows))
	for i, r := range rows {
		uniques[i] = r.JobUnique
	}

	var paths []pathRow
	if err := tx.Where("job_unique IN ?", uniques).Find(&paths).Error; err != nil {
		return nil, err
	}
	var holds []holdRow
	if err := tx.Where("job_unique IN ?", uniques).Find(&holds).Error; err != nil {
		return nil, err
	}
	pathsBy := make(map[string][]pathRow)
	for _, p := range paths {
		pathsBy[p.JobUnique] = append(pathsBy[p.JobUnique], p)
	}
	holdsBy := make(map[string][]holdRow)
	for _, h := range holds {
		holdsBy[h.JobUnique] = append(holdsBy[h.JobUnique], h)
	}
	for _, r := range rows {
		jobs = append(jobs, fromRows(r, pathsBy[r.JobUnique], holdsBy[r.JobUnique]))
	}
	return jobs, nil
}

func (s *Store) loadWhere(ctx context.Context, query string, args ...interface{}) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []jobRow
		if err := tx.Where(query, args...).Order("route_start_utc, job_unique").Find(&rows).Error; err != nil {
			return err
		}
		var err error
		jobs, err = assemble(tx, rows)
		return err
	})
	return jobs, err
}

// LoadUnarchivedJobs 加载所有未归档的作业
func (s *Store) LoadUnarchivedJobs(ctx context.Context) ([]*types.Job, error) {
	return s.loadWhere(ctx, "archived = ?", false)
}

// LoadJobsNotCopiedToSystem 加载还没有下发到控制器的未归档作业
func (s *Store) LoadJobsNotCopiedToSystem(ctx context.Context) ([]*types.Job, error) {
	return s.loadWhere(ctx, "archived = ? AND copied_to_system = ?", false, false)
}

// LoadJobHistory 加载与 [start, end] 时间段有交集的所有作业，包括已归档的
func (s *Store) LoadJobHistory(ctx context.Context, start, end time.Time) ([]*types.Job, error) {
	return s.loadWhere(ctx, "route_start_utc <= ? AND route_end_utc >= ?", end.UTC(), start.UTC())
}

// LoadMostRecentSchedule 返回最近一次批次的排程号以及该批次的作业
// 还没有带排程号的批次时返回空串和 nil
func (s *Store) LoadMostRecentSchedule(ctx context.Context) (string, []*types.Job, error) {
	id, err := s.LatestScheduleID(ctx)
	if err != nil || id == "" {
		return "", nil, err
	}
	jobs, err := s.loadWhere(ctx, "schedule_id = ?", id)
	if err != nil {
		return "", nil, err
	}
	return id, jobs, nil
}

// LoadJob 按唯一号加载作业
func (s *Store) LoadJob(ctx context.Context, unique string) (*types.Job, error) {
	jobs, err := s.loadWhere(ctx, "job_unique = ?", unique)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %s: %w", unique, ErrNotFound)
	}
	return jobs[0], nil
}

// LatestScheduleID 返回最近一次下发批次的排程号，没有时返回空串
func (s *Store) LatestScheduleID(ctx context.Context) (string, error) {
	return latestScheduleID(s.db.WithContext(ctx))
}

func latestScheduleID(tx *gorm.DB) (string, error) {
	var rows []jobRow
	err := tx.Where("schedule_id <> ?", "").Order("schedule_id DESC").Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return "", err
	}
	return rows[0].ScheduleID, nil
}

func validateJobs(jobs []*types.Job) error {
	var result error
	seen := make(map[string]bool)
	for _, j := range jobs {
		if j.UniqueStr == "" {
			result = multierror.Append(result, fmt.Errorf("job for part %s has no unique id", j.PartName))
			continue
		}
		if seen[j.UniqueStr] {
			result = multierror.Append(result, fmt.Errorf("job %s appears more than once", j.UniqueStr))
		}
		seen[j.UniqueStr] = true
		if len(j.Processes) == 0 {
			result = multierror.Append(result, fmt.Errorf("job %s has no processes", j.UniqueStr))
		}
		for i, proc := range j.Processes {
			if len(proc.Paths) == 0 {
				result = multierror.Append(result, fmt.Errorf("job %s process %d has no paths", j.UniqueStr, i+1))
			}
		}
	}
	return result
}

// AddJobs 在一个事务中写入一批作业及其程序。
// expectedPreviousScheduleID 非空时必须等于数据库中最近的排程号
func (s *Store) AddJobs(ctx context.Context, nj types.NewJobs, expectedPreviousScheduleID string, copiedToSystem bool) error {
	if err := validateJobs(nj.Jobs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeNow().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expectedPreviousScheduleID != "" {
			latest, err := latestScheduleID(tx)
			if err != nil {
				return err
			}
			if latest != expectedPreviousScheduleID {
				return &ScheduleMismatchError{Expected: expectedPreviousScheduleID, Actual: latest}
			}
		}

		placeholders, err := addPrograms(tx, nj.Programs, now)
		if err != nil {
			return err
		}

		var existing error
		for _, j := range nj.Jobs {
			var count int64
			if err := tx.Model(&jobRow{}).Where("job_unique = ?", j.UniqueStr).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				existing = multierror.Append(existing, fmt.Errorf("job %s already exists", j.UniqueStr))
			}
		}
		if existing != nil {
			return existing
		}

		for _, orig := range nj.Jobs {
			j := orig.Clone()
			if j.ScheduleID == "" {
				j.ScheduleID = nj.ScheduleID
			}
			if err := resolveStopRevisions(tx, j, placeholders); err != nil {
				return err
			}
			jr, paths, holds := toRows(j, copiedToSystem)
			if err := tx.Create(&jr).Error; err != nil {
				return err
			}
			if len(paths) > 0 {
				if err := tx.Create(&paths).Error; err != nil {
					return err
				}
			}
			if len(holds) > 0 {
				if err := tx.Create(&holds).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("作业已保存", "count", len(nj.Jobs), "schedule_id", nj.ScheduleID, "programs", len(nj.Programs))
	return nil
}

// resolveStopRevisions 把占位或缺失的程序版本解析为具体版本
func resolveStopRevisions(tx *gorm.DB, j *types.Job, placeholders map[ProgramKey]int64) error {
	for pi := range j.Processes {
		for ki := range j.Processes[pi].Paths {
			stops := j.Processes[pi].Paths[ki].Stops
			for si := range stops {
				stop := &stops[si]
				if stop.Program == "" {
					continue
				}
				if stop.ProgramRevision != nil && *stop.ProgramRevision > 0 {
					continue
				}
				if stop.ProgramRevision != nil {
					if rev, ok := placeholders[ProgramKey{stop.Program, *stop.ProgramRevision}]; ok {
						stop.ProgramRevision = &rev
						continue
					}
				}
				latest, err := mostRecentProgram(tx, stop.Program)
				if errors.Is(err, ErrNotFound) {
					stop.ProgramRevision = nil
					continue
				}
				if err != nil {
					return err
				}
				rev := latest.Revision
				stop.ProgramRevision = &rev
			}
		}
	}
	return nil
}

// MarkJobsCopiedToSystem 标记作业已下发到控制器
func (s *Store) MarkJobsCopiedToSystem(ctx context.Context, uniques []string) error {
	if len(uniques) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&jobRow{}).Where("job_unique IN ?", uniques).Update("copied_to_system", true).Error
	})
}

// ArchiveJobs 归档作业，可同时写入一批扣减
func (s *Store) ArchiveJobs(ctx context.Context, uniques []string, decrements []types.NewDecrement) ([]types.Decrement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []types.Decrement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		added, err = addDecrements(tx, decrements, timeNow().UTC())
		if err != nil {
			return err
		}
		if len(uniques) == 0 {
			return nil
		}
		return tx.Model(&jobRow{}).Where("job_unique IN ?", uniques).Update("archived", true).Error
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("作业已归档", "jobs", uniques, "decrements", len(added))
	return added, nil
}

// UnarchiveJobs 取消归档
func (s *Store) UnarchiveJobs(ctx context.Context, uniques []string) error {
	if len(uniques) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&jobRow{}).Where("job_unique IN ?", uniques).Update("archived", false).Error
	})
}
