package jobdb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"fms-cell/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rev(r int64) *int64 { return &r }

func sampleJob(unique string) *types.Job {
	start := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	return &types.Job{
		UniqueStr:     unique,
		PartName:      "Part" + unique,
		RouteStartUTC: start,
		RouteEndUTC:   start.Add(8 * time.Hour),
		Processes: []types.Process{
			{Paths: []types.Path{
				{
					Pallets: []int{4, 5}, Load: []int{1}, Unload: []int{2}, Face: 1, PathGroup: 1, PlannedCycles: 10,
					PartsPerPallet: 1, SimulatedStartingUTC: start.Add(time.Hour),
					Stops: []types.MachiningStop{{
						StationGroup: "MC", Stations: []int{1, 3}, Program: "prog1", ProgramRevision: rev(0),
						Tools: map[string]time.Duration{"T1": 5 * time.Minute}, ExpectedCycleTime: 30 * time.Minute,
					}},
					SimulatedProduction: []types.SimulatedProduction{{TimeUTC: start.Add(2 * time.Hour), Quantity: 3}},
					HoldMachining:       &types.HoldPattern{UserHold: true, ReasonForUserHold: "tooling"},
				},
				{Pallets: []int{6}, Load: []int{2}, Unload: []int{2}, PathGroup: 2, PlannedCycles: 5, InputQueue: "castings"},
			}},
			{Paths: []types.Path{
				{Pallets: []int{4, 5}, Load: []int{1}, Unload: []int{1}, Face: 2, PathGroup: 1},
			}},
		},
	}
}

func TestStore_AddAndLoadJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := sampleJob("J1")
	j.HoldJob = &types.HoldPattern{HoldUnholdPattern: []time.Duration{time.Hour, 2 * time.Hour}, HoldUnholdPatternRepeats: true}
	err := s.AddJobs(ctx, types.NewJobs{
		ScheduleID: "sch1",
		Jobs:       []*types.Job{j},
		Programs:   []types.ProgramEntry{{ProgramName: "prog1", Revision: 0, ProgramContent: "G01"}},
	}, "", false)
	require.NoError(t, err)

	loaded, err := s.LoadJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, "PartJ1", loaded.PartName)
	assert.Equal(t, "sch1", loaded.ScheduleID)
	assert.True(t, loaded.RouteStartUTC.Equal(j.RouteStartUTC))
	require.Equal(t, 2, loaded.NumProcesses())
	require.Equal(t, 2, loaded.NumPaths(1))
	assert.Equal(t, 1, loaded.NumPaths(2))

	p := loaded.PathAt(1, 1)
	assert.Equal(t, []int{4, 5}, p.Pallets)
	assert.Equal(t, 10, p.PlannedCycles)
	require.Len(t, p.Stops, 1)
	require.NotNil(t, p.Stops[0].ProgramRevision)
	assert.Equal(t, int64(1), *p.Stops[0].ProgramRevision)
	assert.Equal(t, 5*time.Minute, p.Stops[0].Tools["T1"])
	require.Len(t, p.SimulatedProduction, 1)
	assert.Equal(t, 3, p.SimulatedProduction[0].Quantity)
	require.NotNil(t, p.HoldMachining)
	assert.Equal(t, "tooling", p.HoldMachining.ReasonForUserHold)
	assert.Nil(t, p.HoldLoadUnload)
	assert.Equal(t, "castings", loaded.PathAt(1, 2).InputQueue)
	assert.Equal(t, 2, loaded.PathAt(2, 1).Face)
	require.NotNil(t, loaded.HoldJob)
	assert.True(t, loaded.HoldJob.HoldUnholdPatternRepeats)

	// 原始作业不受存储时版本解析的影响
	assert.Equal(t, int64(0), *j.Processes[0].Paths[0].Stops[0].ProgramRevision)

	_, err = s.LoadJob(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	latest, err := s.LatestScheduleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sch1", latest)
}

func TestStore_AddJobsValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bad := &types.Job{UniqueStr: "B"}
	noPaths := &types.Job{UniqueStr: "C", Processes: []types.Process{{}}}
	err := s.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{bad, noPaths, sampleJob("A"), sampleJob("A")}}, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job B has no processes")
	assert.Contains(t, err.Error(), "job C process 1 has no paths")
	assert.Contains(t, err.Error(), "job A appears more than once")

	jobs, err := s.LoadUnarchivedJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{sampleJob("A")}}, "", false))
	err = s.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{sampleJob("A")}}, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job A already exists")
}

func TestStore_ScheduleMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddJobs(ctx, types.NewJobs{ScheduleID: "s1", Jobs: []*types.Job{sampleJob("J1")}}, "", false))

	err := s.AddJobs(ctx, types.NewJobs{ScheduleID: "s2", Jobs: []*types.Job{sampleJob("J2")}}, "s0", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScheduleMismatch))
	assert.Equal(t, "Mismatch in previous schedule: expected 's0' but got 's1'", err.Error())

	// 失败的写入不会留下任何作业
	_, err = s.LoadJob(ctx, "J2")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.AddJobs(ctx, types.NewJobs{ScheduleID: "s2", Jobs: []*types.Job{sampleJob("J2")}}, "s1", false))
}

func TestStore_Programs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.AddPrograms(ctx, []types.ProgramEntry{
		{ProgramName: "a", Revision: 1, ProgramContent: "a1"},
		{ProgramName: "a", Revision: 2, Comment: "second", ProgramContent: "a2"},
	}, now)
	require.NoError(t, err)

	_, err = s.AddPrograms(ctx, []types.ProgramEntry{{ProgramName: "a", Revision: 2, ProgramContent: "different"}}, now)
	require.Error(t, err)
	assert.Equal(t, "Program a rev2 has already been used and the program contents do not match.", err.Error())

	// 相同内容的正版本可以重复写入
	_, err = s.AddPrograms(ctx, []types.ProgramEntry{{ProgramName: "a", Revision: 2, ProgramContent: "a2"}}, now)
	require.NoError(t, err)

	placeholders, err := s.AddPrograms(ctx, []types.ProgramEntry{
		{ProgramName: "a", Revision: 0, Comment: "x", ProgramContent: "a2"},
		{ProgramName: "a", Revision: -1, ProgramContent: "a1"},
		{ProgramName: "a", Revision: -2, ProgramContent: "new"},
		{ProgramName: "a", Revision: -3, Comment: "second", ProgramContent: "a2"},
		{ProgramName: "b", Revision: 0, ProgramContent: "b"},
	}, now)
	require.NoError(t, err)
	// 与最新版本内容相同
	assert.Equal(t, int64(2), placeholders[ProgramKey{"a", 0}])
	// 没有注释时不按注释匹配旧版本 1，插入新版本
	assert.Equal(t, int64(3), placeholders[ProgramKey{"a", -1}])
	assert.Equal(t, int64(4), placeholders[ProgramKey{"a", -2}])
	// 注释和内容都与版本 2 相同
	assert.Equal(t, int64(2), placeholders[ProgramKey{"a", -3}])
	assert.Equal(t, int64(1), placeholders[ProgramKey{"b", 0}])

	content, err := s.LoadProgramContent(ctx, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, "a1", content)

	recent, err := s.LoadMostRecentProgram(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), recent.Revision)

	prog, err := s.LoadProgram(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, "second", prog.Comment)

	_, err = s.LoadMostRecentProgram(ctx, "zzz")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.LoadProgramContent(ctx, "a", 9)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_CellControllerProgram(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddPrograms(ctx, []types.ProgramEntry{
		{ProgramName: "a", Revision: 1, ProgramContent: "a1"},
		{ProgramName: "b", Revision: 1, ProgramContent: "b1"},
	}, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.SetCellControllerProgramForProgram(ctx, "a", 1, "O1000"))
	err = s.SetCellControllerProgramForProgram(ctx, "b", 1, "O1000")
	require.Error(t, err)
	assert.Equal(t, "Cell program name O1000 already in use", err.Error())

	// 同一个版本重复设置不算冲突
	require.NoError(t, s.SetCellControllerProgramForProgram(ctx, "a", 1, "O1000"))

	prog, err := s.ProgramFromCellControllerProgram(ctx, "O1000")
	require.NoError(t, err)
	assert.Equal(t, "a", prog.ProgramName)

	inCell, err := s.LoadProgramsInCellController(ctx)
	require.NoError(t, err)
	require.Len(t, inCell, 1)
	assert.Equal(t, "O1000", inCell[0].CellControllerProgramName)

	require.NoError(t, s.SetCellControllerProgramForProgram(ctx, "a", 1, ""))
	inCell, err = s.LoadProgramsInCellController(ctx)
	require.NoError(t, err)
	assert.Empty(t, inCell)

	err = s.SetCellControllerProgramForProgram(ctx, "c", 1, "O2000")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_DecrementsAndArchive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	t.Cleanup(func() { timeNow = time.Now })

	require.NoError(t, s.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{sampleJob("J1"), sampleJob("J2")}}, "", false))

	first, err := s.AddNewDecrement(ctx, []types.NewDecrement{
		{JobUnique: "J1", Proc1Path: 1, Part: "PartJ1", Quantity: 3},
		{JobUnique: "J2", Proc1Path: 0, Part: "PartJ2", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(1), first[0].DecrementID)
	assert.Equal(t, int64(1), first[1].DecrementID)
	assert.Equal(t, 1, first[1].Proc1Path)

	archived, err := s.ArchiveJobs(ctx, []string{"J1"}, []types.NewDecrement{{JobUnique: "J1", Proc1Path: 2, Part: "PartJ1", Quantity: 1}})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, int64(2), archived[0].DecrementID)

	decs, err := s.LoadDecrementsForJob(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, decs, 2)
	assert.Equal(t, 3, decs[0].Quantity)
	assert.Equal(t, 2, decs[1].Proc1Path)
	assert.True(t, decs[0].TimeUTC.Equal(fixed))

	after, err := s.LoadDecrementQuantitiesAfter(ctx, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "J1", after[0].JobUnique)

	jobs, err := s.LoadUnarchivedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "J2", jobs[0].UniqueStr)

	history, err := s.LoadJobHistory(ctx, fixed.Add(-48*time.Hour), fixed)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, s.UnarchiveJobs(ctx, []string{"J1"}))
	jobs, err = s.LoadUnarchivedJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestStore_CopiedToSystem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{sampleJob("J1")}}, "", true))
	require.NoError(t, s.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{sampleJob("J2"), sampleJob("J3")}}, "", false))

	pending, err := s.LoadJobsNotCopiedToSystem(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkJobsCopiedToSystem(ctx, []string{"J2"}))
	pending, err = s.LoadJobsNotCopiedToSystem(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "J3", pending[0].UniqueStr)
	assert.False(t, pending[0].CopiedToSystem)
}

func TestStore_Holds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{sampleJob("J1")}}, "", false))

	hold := &types.HoldPattern{UserHold: true, ReasonForUserHold: "quality"}
	require.NoError(t, s.UpdateJobHold(ctx, "J1", hold))
	require.NoError(t, s.UpdateJobLoadUnloadHold(ctx, "J1", 2, 1, hold))
	require.NoError(t, s.UpdateJobMachiningHold(ctx, "J1", 1, 1, nil))

	j, err := s.LoadJob(ctx, "J1")
	require.NoError(t, err)
	require.NotNil(t, j.HoldJob)
	assert.Equal(t, "quality", j.HoldJob.ReasonForUserHold)
	assert.Nil(t, j.PathAt(1, 1).HoldMachining)
	require.NotNil(t, j.PathAt(2, 1).HoldLoadUnload)
	assert.True(t, j.PathAt(2, 1).HoldLoadUnload.UserHold)

	require.NoError(t, s.UpdateJobHold(ctx, "J1", nil))
	j, err = s.LoadJob(ctx, "J1")
	require.NoError(t, err)
	assert.Nil(t, j.HoldJob)

	assert.True(t, errors.Is(s.UpdateJobHold(ctx, "nope", hold), ErrNotFound))
	assert.True(t, errors.Is(s.UpdateJobMachiningHold(ctx, "J1", 3, 1, hold), ErrNotFound))
}
