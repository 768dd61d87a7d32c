package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/event"
	"fms-cell/internal/jobdb"
	"fms-cell/internal/mapping"
	"fms-cell/internal/persistence"
	"fms-cell/internal/status"
	"fms-cell/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *jobdb.Store {
	t.Helper()
	s, err := jobdb.Open(filepath.Join(t.TempDir(), "jobs.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func simpleJob(unique string, planned int, pallets ...int) *types.Job {
	start := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	return &types.Job{
		UniqueStr:     unique,
		PartName:      "Part" + unique,
		RouteStartUTC: start,
		RouteEndUTC:   start.Add(8 * time.Hour),
		Processes: []types.Process{{Paths: []types.Path{{
			Pallets:        pallets,
			Load:           []int{1},
			Unload:         []int{2},
			PathGroup:      1,
			PartsPerPallet: 1,
			PlannedCycles:  planned,
			Stops:          []types.MachiningStop{{StationGroup: "MC", Stations: []int{1}, Program: "100"}},
		}}}},
	}
}

func waitEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超时")
		return event.Event{}
	}
}

func subscribe(bus *event.Bus, typ event.EventType) <-chan event.Event {
	ch := make(chan event.Event, 10)
	bus.Subscribe(typ, func(e event.Event) { ch <- e })
	return ch
}

func TestCellSync_DownloadAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ctrl := cell.NewSimController(cell.PalletSchemaGroup)
	bus := event.NewBus()
	downloaded := subscribe(bus, event.JobsDownloaded)

	require.NoError(t, store.AddJobs(ctx, types.NewJobs{ScheduleID: "s1", Jobs: []*types.Job{simpleJob("J1", 5, 1, 2)}}, "", false))

	sync := NewCellSync(store, ctrl, bus, SyncSettings{Mapping: mapping.Options{CheckPalletsUsedOnce: true}}, testLogger())
	res, err := sync.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"J1"}, res.Downloaded)
	assert.NotEmpty(t, res.TraceID)

	e := waitEvent(t, downloaded)
	assert.Equal(t, res.TraceID, e.TraceID)
	require.NotNil(t, e.Diff)

	state, err := ctrl.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, state.Parts, 1)
	assert.Equal(t, "PartJ1:1:1", state.Parts[0].PartName)
	assert.Len(t, state.Fixtures, 1)
	assert.Len(t, state.Pallets, 2)
	require.Len(t, state.Schedules, 1)
	assert.Equal(t, 5, state.Schedules[0].PlanQuantity)
	assert.Equal(t, state.Parts[0].PartName, state.Schedules[0].PartName)

	pending, err := store.LoadJobsNotCopiedToSystem(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// 没有变化时不写入控制器
	writes := ctrl.Writes()
	res, err = sync.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Downloaded)
	assert.True(t, res.Diff.Empty())
	assert.Equal(t, writes, ctrl.Writes())

	// 排程完成后删除排程、零件、夹具和托盘
	require.True(t, ctrl.CompleteSchedule(state.Schedules[0].ID, 5))
	res, err = sync.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Diff.Schedules, 1)
	assert.Equal(t, cell.CmdDelete, res.Diff.Schedules[0].Command)

	state, err = ctrl.LoadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Schedules)
	assert.Empty(t, state.Parts)
	assert.Empty(t, state.Fixtures)
	assert.Empty(t, state.Pallets)
}

func TestCellSync_ConflictLeavesCellUntouched(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ctrl := cell.NewSimController(cell.PalletSchemaAngle)
	bus := event.NewBus()
	failed := subscribe(bus, event.SyncFailed)

	require.NoError(t, store.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{
		simpleJob("J1", 5, 4, 5),
		simpleJob("J2", 5, 4, 5, 6),
	}}, "", false))

	sync := NewCellSync(store, ctrl, bus, SyncSettings{Mapping: mapping.Options{CheckPalletsUsedOnce: true}}, testLogger())
	_, err := sync.SyncOnce(ctx)
	require.Error(t, err)
	var conflict *mapping.PalletConflictError
	assert.ErrorAs(t, err, &conflict)

	e := waitEvent(t, failed)
	assert.Error(t, e.Error)
	assert.Equal(t, 0, ctrl.Writes())

	pending, err := store.LoadJobsNotCopiedToSystem(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCellSync_MultiplePathsOnFirstProcessFails(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ctrl := cell.NewSimController(cell.PalletSchemaGroup)

	job := simpleJob("M1", 5, 1)
	second := job.Processes[0].Paths[0]
	second.Pallets = []int{2}
	job.Processes[0].Paths = append(job.Processes[0].Paths, second)
	require.NoError(t, store.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{job, simpleJob("J1", 5, 3)}}, "", false))

	sync := NewCellSync(store, ctrl, nil, SyncSettings{Mapping: mapping.Options{CheckPalletsUsedOnce: true}}, testLogger())
	for i := 0; i < 2; i++ {
		_, err := sync.SyncOnce(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job M1 has 2 paths on the first process")
	}

	// 控制器不变，作业仍然等待下发
	assert.Equal(t, 0, ctrl.Writes())
	pending, err := store.LoadJobsNotCopiedToSystem(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCellSync_DownloadFilter(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ctrl := cell.NewSimController(cell.PalletSchemaGroup)

	require.NoError(t, store.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{
		simpleJob("J1", 5, 1, 2),
		simpleJob("J2", 10, 3),
	}}, "", false))

	filter, err := NewDownloadFilter("job.Planned >= 10")
	require.NoError(t, err)
	sync := NewCellSync(store, ctrl, nil, SyncSettings{Filter: filter}, testLogger())

	res, err := sync.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"J2"}, res.Downloaded)

	pending, err := store.LoadJobsNotCopiedToSystem(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "J1", pending[0].UniqueStr)
}

func TestCellSync_Trigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(t)
	ctrl := cell.NewSimController(cell.PalletSchemaGroup)
	bus := event.NewBus()
	downloaded := subscribe(bus, event.JobsDownloaded)

	sync := NewCellSync(store, ctrl, bus, SyncSettings{Interval: time.Hour}, testLogger())
	go sync.Start(ctx)

	require.NoError(t, store.AddJobs(context.Background(), types.NewJobs{Jobs: []*types.Job{simpleJob("J1", 5, 1)}}, "", false))
	sync.Trigger()
	sync.Trigger()

	e := waitEvent(t, downloaded)
	assert.Equal(t, []string{"J1"}, e.Jobs)
}

func TestDownloadFilter(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	job := simpleJob("J1", 5, 1, 2)
	job.ManuallyCreated = true

	cases := []struct {
		rule string
		want bool
	}{
		{"", true},
		{"job.Manual", true},
		{"job.Planned > 5", false},
		{"job.Unique startsWith 'J'", true},
		{"2 in job.Pallets", true},
		{"job.Paths == 1 && !job.OnHold", true},
	}
	for _, c := range cases {
		f, err := NewDownloadFilter(c.rule)
		require.NoError(t, err, c.rule)
		got, err := f.Allow(job, now)
		require.NoError(t, err, c.rule)
		assert.Equal(t, c.want, got, c.rule)
	}

	job.HoldJob = &types.HoldPattern{UserHold: true}
	f, err := NewDownloadFilter("!job.OnHold")
	require.NoError(t, err)
	got, err := f.Allow(job, now)
	require.NoError(t, err)
	assert.False(t, got)

	_, err = NewDownloadFilter("job.Planned +")
	assert.Error(t, err)
	_, err = NewDownloadFilter("job.Planned")
	assert.Error(t, err)
}

func TestStatusPoller(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	log, err := persistence.NewEventLog(filepath.Join(t.TempDir(), "events.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	ctrl := cell.NewSimController(cell.PalletSchemaGroup)
	bus := event.NewBus()
	updated := subscribe(bus, event.StatusUpdated)

	job := simpleJob("J1", 5, 1)
	job.Processes[0].Paths = append(job.Processes[0].Paths, job.Processes[0].Paths[0])
	require.NoError(t, store.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{job}}, "", true))

	settings := status.Settings{Queues: map[string]types.QueueSize{"q": {MaxSizeBeforeStopUnloading: 3}}}
	poller := NewStatusPoller(ctrl, store, log, bus, settings, time.Hour, testLogger())

	// 控制器还没有实时状态
	st, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Jobs)
	waitEvent(t, updated)

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ctrl.SetCellState(&types.CellState{
		TimeOfStatusUTC: now,
		Pallets: []types.PalletState{{
			Master:     types.PalletMaster{PalletNum: 1},
			Tracking:   types.TrackingInfo{Alarm: true, AlarmCode: types.AlarmM165},
			CurStation: types.PalletLocation{Num: 1},
		}},
		NewMaterialPaths: []types.MaterialPath{{MaterialID: 11, Process: 1, Path: 2}},
		NewEvents: []types.LogEntry{{
			Type:       types.LogLoadUnloadCycle,
			Result:     "UNLOAD",
			EndTimeUTC: now,
			Material: []types.LogMaterial{
				{MaterialID: 10, JobUniqueStr: "J1", Process: 1},
				{MaterialID: 11, JobUniqueStr: "J1", Process: 1},
			},
		}},
	})

	st, err = poller.PollOnce(ctx)
	require.NoError(t, err)
	require.Contains(t, st.Jobs, "J1")
	assert.Equal(t, [][]int{{1, 1}}, st.Jobs["J1"].Completed)
	assert.Equal(t, []string{"Pallet 1 has alarm M165"}, st.Alarms)
	assert.Equal(t, 3, st.QueueSizes["q"].MaxSizeBeforeStopUnloading)
	assert.Same(t, st, poller.Current())
	assert.Len(t, log.GetLogForJobUnique("J1"), 1)

	// 已交付的事件不会被重复记录
	st, err = poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 1}}, st.Jobs["J1"].Completed)
	assert.Len(t, log.GetLogForJobUnique("J1"), 1)
}

// flakyLog 第一次写入事件时失败
type flakyLog struct {
	*persistence.EventLog
	failed bool
}

func (f *flakyLog) Append(e types.LogEntry) (types.LogEntry, error) {
	if !f.failed {
		f.failed = true
		return types.LogEntry{}, errors.New("disk full")
	}
	return f.EventLog.Append(e)
}

func TestStatusPoller_RetriesEventsAfterAppendFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	wal, err := persistence.NewEventLog(filepath.Join(t.TempDir(), "events.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	log := &flakyLog{EventLog: wal}

	require.NoError(t, store.AddJobs(ctx, types.NewJobs{Jobs: []*types.Job{simpleJob("J1", 5, 1)}}, "", true))

	ctrl := cell.NewSimController(cell.PalletSchemaGroup)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ctrl.SetCellState(&types.CellState{TimeOfStatusUTC: now})
	ctrl.AddEvents([]types.LogEntry{{
		Type:       types.LogLoadUnloadCycle,
		Result:     "UNLOAD",
		EndTimeUTC: now,
		Material:   []types.LogMaterial{{MaterialID: 1, JobUniqueStr: "J1", Process: 1}},
	}}, []types.MaterialPath{{MaterialID: 1, Process: 1, Path: 1}})

	poller := NewStatusPoller(ctrl, store, log, nil, status.Settings{}, time.Hour, testLogger())

	_, err = poller.PollOnce(ctx)
	require.EqualError(t, err, "append event: disk full")
	assert.Empty(t, wal.GetLogForJobUnique("J1"))

	// 控制器不会再次交付，事件从待写列表中补写
	st, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}}, st.Jobs["J1"].Completed)
	assert.Len(t, wal.GetLogForJobUnique("J1"), 1)

	st, err = poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}}, st.Jobs["J1"].Completed)
	assert.Len(t, wal.GetLogForJobUnique("J1"), 1)
}
