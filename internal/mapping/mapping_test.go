package mapping

import (
	"errors"
	"sort"
	"testing"

	"fms-cell/internal/cell"
	"fms-cell/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkPath(group int, pallets ...int) types.Path {
	return types.Path{
		Pallets:        pallets,
		PathGroup:      group,
		Load:           []int{1},
		Unload:         []int{1},
		PartsPerPallet: 1,
		PlannedCycles:  10,
		Stops:          []types.MachiningStop{{StationGroup: "MC", Stations: []int{1, 2}, Program: "1234"}},
	}
}

func mkJob(unique, part string, procs ...[]types.Path) *types.Job {
	j := &types.Job{UniqueStr: unique, PartName: part}
	for _, paths := range procs {
		j.Processes = append(j.Processes, types.Process{Paths: paths})
	}
	return j
}

// canonicalJobs 两个作业共用 {4,5} 与 {10,11,12} 两条双工序路径，两个作业共用单工序 {20,21}
func canonicalJobs() []*types.Job {
	job1 := mkJob("Job1", "Part1",
		[]types.Path{mkPath(1, 4, 5), mkPath(2, 10, 11, 12)},
		[]types.Path{mkPath(1, 4, 5), mkPath(2, 10, 11, 12)},
	)
	// 第二道工序的路径顺序交换，通过路径组对应
	job2 := mkJob("Job2", "Part2",
		[]types.Path{mkPath(1, 4, 5), mkPath(2, 10, 11, 12)},
		[]types.Path{mkPath(2, 12, 11, 10), mkPath(1, 5, 4)},
	)
	job3 := mkJob("Job3", "Part3", []types.Path{mkPath(1, 20, 21)})
	job4 := mkJob("Job4", "Part4", []types.Path{mkPath(1, 21, 20)})
	return []*types.Job{job1, job2, job3, job4}
}

func added[T any](rows []T, cmd func(T) cell.Command) []T {
	var out []T
	for _, r := range rows {
		if cmd(r) == cell.CmdAdd {
			out = append(out, r)
		}
	}
	return out
}

func fixtureNames(w cell.WriteData, c cell.Command) []string {
	var out []string
	for _, f := range w.Fixtures {
		if f.Command == c {
			out = append(out, f.Name)
		}
	}
	sort.Strings(out)
	return out
}

type palRow struct {
	pal     int
	fixture string
	group   int
}

func palletRows(w cell.WriteData, c cell.Command) []palRow {
	var out []palRow
	for _, p := range w.Pallets {
		if p.Command == c {
			out = append(out, palRow{p.PalletNumber, p.Fixture, p.Group()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].fixture != out[j].fixture {
			return out[i].fixture < out[j].fixture
		}
		return out[i].pal < out[j].pal
	})
	return out
}

func partFixtures(w cell.WriteData) map[string][]string {
	out := make(map[string][]string)
	for _, p := range w.Parts {
		if p.Command != cell.CmdAdd {
			continue
		}
		for _, proc := range p.Processes {
			out[p.PartName] = append(out[p.PartName], proc.Fixture)
		}
	}
	return out
}

func TestMap_CanonicalFourJobs(t *testing.T) {
	state := cell.State{PalletSchema: cell.PalletSchemaGroup}
	res, err := Map(canonicalJobs(), state, nil, 3, Options{CheckPalletsUsedOnce: true, AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Fixt:3:0:4:1", "Fixt:3:0:4:2",
		"Fixt:3:1:10:1", "Fixt:3:1:10:2",
		"Fixt:3:2:20:1",
	}, fixtureNames(res.Diff, cell.CmdAdd))
	assert.Len(t, res.Groups, 3)

	assert.Equal(t, []palRow{
		{4, "Fixt:3:0:4:1", 31}, {5, "Fixt:3:0:4:1", 31},
		{4, "Fixt:3:0:4:2", 31}, {5, "Fixt:3:0:4:2", 31},
		{10, "Fixt:3:1:10:1", 32}, {11, "Fixt:3:1:10:1", 32}, {12, "Fixt:3:1:10:1", 32},
		{10, "Fixt:3:1:10:2", 32}, {11, "Fixt:3:1:10:2", 32}, {12, "Fixt:3:1:10:2", 32},
		{20, "Fixt:3:2:20:1", 33}, {21, "Fixt:3:2:20:1", 33},
	}, palletRows(res.Diff, cell.CmdAdd))

	assert.Equal(t, map[string][]string{
		"Part1:3:1": {"Fixt:3:0:4:1", "Fixt:3:0:4:2"},
		"Part1:3:2": {"Fixt:3:1:10:1", "Fixt:3:1:10:2"},
		"Part2:3:1": {"Fixt:3:0:4:1", "Fixt:3:0:4:2"},
		"Part2:3:2": {"Fixt:3:1:10:1", "Fixt:3:1:10:2"},
		"Part3:3:1": {"Fixt:3:2:20:1"},
		"Part4:3:1": {"Fixt:3:2:20:1"},
	}, partFixtures(res.Diff))

	b, ok := res.Binding("Job2", 1)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, b.Paths)
	assert.Equal(t, "Job2-Path1-0", b.Comment)
	assert.Equal(t, 3, res.NextGroupIndex)
}

func TestMap_AngleSchema(t *testing.T) {
	state := cell.State{PalletSchema: cell.PalletSchemaAngle}
	jobs := []*types.Job{mkJob("Job3", "Part3", []types.Path{mkPath(1, 20, 21)})}
	res, err := Map(jobs, state, nil, 3, Options{AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)
	require.Len(t, res.Diff.Pallets, 2)
	for _, p := range res.Diff.Pallets {
		assert.Equal(t, 31000, p.Angle)
		assert.Zero(t, p.FixtureGroup)
	}
}

func TestMap_DifferentProcessCountsAreSeparateGroups(t *testing.T) {
	jobs := []*types.Job{
		mkJob("Job1", "Part1", []types.Path{mkPath(1, 4, 5)}, []types.Path{mkPath(1, 4, 5)}),
		mkJob("Job2", "Part2", []types.Path{mkPath(1, 4, 5)}, []types.Path{mkPath(1, 4, 5)}, []types.Path{mkPath(1, 4, 5)}),
	}
	res, err := Map(jobs, cell.State{}, nil, 3, Options{CheckPalletsUsedOnce: true, AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Fixt:3:0:4:1", "Fixt:3:0:4:2",
		"Fixt:3:1:4:1", "Fixt:3:1:4:2", "Fixt:3:1:4:3",
	}, fixtureNames(res.Diff, cell.CmdAdd))
	assert.Len(t, res.Groups, 2)
}

func TestMap_DifferentPalletsPerProcess(t *testing.T) {
	jobs := []*types.Job{
		mkJob("Job1", "Part1", []types.Path{mkPath(1, 4, 5)}, []types.Path{mkPath(1, 30, 31)}),
	}
	res, err := Map(jobs, cell.State{}, nil, 3, Options{AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Fixt:3:0:4:1", "Fixt:3:1:30:2"}, fixtureNames(res.Diff, cell.CmdAdd))
	assert.Equal(t, []palRow{
		{4, "Fixt:3:0:4:1", 31}, {5, "Fixt:3:0:4:1", 31},
		{30, "Fixt:3:1:30:2", 32}, {31, "Fixt:3:1:30:2", 32},
	}, palletRows(res.Diff, cell.CmdAdd))
	assert.Equal(t, []string{"Fixt:3:0:4:1", "Fixt:3:1:30:2"}, partFixtures(res.Diff)["Part1:3:1"])
}

func TestMap_PalletConflict(t *testing.T) {
	jobs := []*types.Job{
		mkJob("Job1", "Part1", []types.Path{mkPath(1, 4, 5)}),
		mkJob("Job2", "Part2", []types.Path{mkPath(1, 4, 5, 6)}),
	}

	_, err := Map(jobs, cell.State{}, nil, 3, Options{CheckPalletsUsedOnce: true, AllowMultiplePathsOnFirstProcess: true})
	require.Error(t, err)
	assert.Equal(t, "Invalid pallet->part mapping. Part1 and Part2 do not have matching pallet lists.  Part1 is assigned to 4,5 and Part2 is assigned to 4,5,6", err.Error())
	var conflict *PalletConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []int{4, 5, 6}, conflict.Pallets2)

	// 关闭检查时两个托盘列表各自成组
	res, err := Map(jobs, cell.State{}, nil, 3, Options{CheckPalletsUsedOnce: false, AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Fixt:3:0:4:1", "Fixt:3:1:4:1"}, fixtureNames(res.Diff, cell.CmdAdd))
}

func existingState() cell.State {
	s := cell.State{PalletSchema: cell.PalletSchemaGroup}
	for _, f := range []string{"Fixt:2:0:4:1", "Fixt:2:0:4:2", "Fixt:2:1:10:1", "Fixt:2:1:10:2", "Test"} {
		s.Fixtures = append(s.Fixtures, cell.Fixture{Name: f})
	}
	for _, p := range []int{4, 5} {
		s.Pallets = append(s.Pallets,
			cell.Pallet{PalletNumber: p, Fixture: "Fixt:2:0:4:1", FixtureGroup: 21},
			cell.Pallet{PalletNumber: p, Fixture: "Fixt:2:0:4:2", FixtureGroup: 21})
	}
	for _, p := range []int{10, 11, 12} {
		s.Pallets = append(s.Pallets,
			cell.Pallet{PalletNumber: p, Fixture: "Fixt:2:1:10:1", FixtureGroup: 22},
			cell.Pallet{PalletNumber: p, Fixture: "Fixt:2:1:10:2", FixtureGroup: 22})
	}
	s.Parts = append(s.Parts,
		cell.Part{PartName: "Part1:2:1", Comment: "Old1-Path1-0", Processes: []cell.PartProcess{
			{ProcessNumber: 1, Fixture: "Fixt:2:0:4:1"}, {ProcessNumber: 2, Fixture: "Fixt:2:0:4:2"}}},
		cell.Part{PartName: "Part1:2:2", Comment: "Old1-Path2-0", Processes: []cell.PartProcess{
			{ProcessNumber: 1, Fixture: "Fixt:2:1:10:1"}, {ProcessNumber: 2, Fixture: "Fixt:2:1:10:2"}}},
		cell.Part{PartName: "Manual", Comment: "operator part", Processes: []cell.PartProcess{
			{ProcessNumber: 1, Fixture: "Test"}}},
	)
	return s
}

func TestMap_ReusesExistingFixtures(t *testing.T) {
	jobs := []*types.Job{
		mkJob("Job1", "Part1",
			[]types.Path{mkPath(1, 4, 5), mkPath(2, 10, 11, 12)},
			[]types.Path{mkPath(1, 4, 5), mkPath(2, 10, 11, 12)}),
		mkJob("Job3", "Part3", []types.Path{mkPath(1, 20, 21)}),
	}
	saved := map[string]bool{"Part1:2:1": true, "Part1:2:2": true}
	res, err := Map(jobs, existingState(), saved, 3, Options{CheckPalletsUsedOnce: true, AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"Fixt:3:2:20:1"}, fixtureNames(res.Diff, cell.CmdAdd))
	assert.Empty(t, fixtureNames(res.Diff, cell.CmdDelete))
	assert.Equal(t, []palRow{{20, "Fixt:3:2:20:1", 33}, {21, "Fixt:3:2:20:1", 33}}, palletRows(res.Diff, cell.CmdAdd))
	assert.Equal(t, map[string][]string{
		"Part1:3:1": {"Fixt:2:0:4:1", "Fixt:2:0:4:2"},
		"Part1:3:2": {"Fixt:2:1:10:1", "Fixt:2:1:10:2"},
		"Part3:3:1": {"Fixt:3:2:20:1"},
	}, partFixtures(res.Diff))
	for _, p := range res.Diff.Parts {
		assert.Equal(t, cell.CmdAdd, p.Command, p.PartName)
	}
}

func TestMap_ExistingFixtureMustMatchExactly(t *testing.T) {
	cases := []struct {
		name string
		job  *types.Job
	}{
		{"extra pallet", mkJob("Job1", "Part1", []types.Path{mkPath(1, 4, 5, 6)}, []types.Path{mkPath(1, 4, 5, 6)})},
		{"missing pallet", mkJob("Job1", "Part1", []types.Path{mkPath(1, 4)}, []types.Path{mkPath(1, 4)})},
		{"different process count", mkJob("Job1", "Part1", []types.Path{mkPath(1, 4, 5)})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Map([]*types.Job{tc.job}, existingState(), nil, 3, Options{AllowMultiplePathsOnFirstProcess: true})
			require.NoError(t, err)
			require.Len(t, res.Groups, 1)
			assert.False(t, res.Groups[0].Reused)
			assert.Contains(t, res.Groups[0].Base, "Fixt:3:0:")
		})
	}
}

func TestMap_Idempotent(t *testing.T) {
	state := cell.State{PalletSchema: cell.PalletSchemaGroup}
	res, err := Map(canonicalJobs(), state, nil, 3, Options{CheckPalletsUsedOnce: true, AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)
	require.NoError(t, state.Validate(res.Diff))
	after := state.Apply(res.Diff)

	again, err := Map(canonicalJobs(), after, nil, 3, Options{CheckPalletsUsedOnce: true, AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)
	assert.True(t, again.Diff.Empty(), "%+v", again.Diff)
	for _, g := range again.Groups {
		assert.True(t, g.Reused)
	}
}

func TestMap_DeletesUnreferencedRows(t *testing.T) {
	jobs := []*types.Job{mkJob("Job3", "Part3", []types.Path{mkPath(1, 20, 21)})}
	saved := map[string]bool{"Part1:2:1": true}

	res, err := Map(jobs, existingState(), saved, 3, Options{AllowMultiplePathsOnFirstProcess: true})
	require.NoError(t, err)

	var deletedParts []string
	for _, p := range res.Diff.Parts {
		if p.Command == cell.CmdDelete {
			deletedParts = append(deletedParts, p.PartName)
		}
	}
	// Part1:2:1 仍在排程中，Manual 不是受管零件
	assert.Equal(t, []string{"Part1:2:2"}, deletedParts)
	assert.Equal(t, []string{"Fixt:2:1:10:1", "Fixt:2:1:10:2"}, fixtureNames(res.Diff, cell.CmdDelete))
	assert.Len(t, palletRows(res.Diff, cell.CmdDelete), 6)

	s := existingState()
	require.NoError(t, s.Validate(res.Diff))
}

func TestMap_RejectsMultiplePathsOnFirstProcess(t *testing.T) {
	jobs := canonicalJobs()
	// 默认拒绝
	_, err := Map(jobs, cell.State{}, nil, 3, Options{CheckPalletsUsedOnce: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job Job1 has 2 paths")
	assert.Contains(t, err.Error(), "job Job2 has 2 paths")
	assert.NotContains(t, err.Error(), "Job3")

	_, err = Map(jobs, cell.State{}, nil, 3, Options{CheckPalletsUsedOnce: true, AllowMultiplePathsOnFirstProcess: true})
	assert.NoError(t, err)
}

func TestMap_PartRowStationStrings(t *testing.T) {
	p := mkPath(1, 4)
	p.Load = []int{1, 2}
	p.Unload = []int{4}
	p.Stops = []types.MachiningStop{{Stations: []int{3}, Program: "prog1"}, {Stations: []int{4}, Program: "prog2"}}
	res, err := Map([]*types.Job{mkJob("Job1", "Part1", []types.Path{p})}, cell.State{}, nil, 1, Options{})
	require.NoError(t, err)

	parts := added(res.Diff.Parts, func(p cell.Part) cell.Command { return p.Command })
	require.Len(t, parts, 1)
	proc := parts[0].Processes[0]
	assert.Equal(t, "1200000000", proc.FixLDS)
	assert.Equal(t, "0004000000", proc.RemoveLDS)
	assert.Equal(t, "00340000", proc.CutMc)
	assert.Equal(t, "prog1", proc.MainProgram)
	assert.Equal(t, "Part1:1:1", parts[0].PartName)
}

func TestStationMask(t *testing.T) {
	tests := []struct {
		stations []int
		width    int
		want     string
	}{
		{[]int{1}, 8, "10000000"},
		{nil, 10, "0000000000"},
		{[]int{4, 3, 2, 1}, 4, "1234"},
		{[]int{9}, 10, "0000000090"},
	}
	for _, tt := range tests {
		got, err := StationMask(tt.stations, tt.width)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	// 超出宽度或无法用一位数字表示的站号
	for _, bad := range [][]int{{9}, {10}, {0}, {-1}} {
		width := 8
		if bad[0] == 10 {
			width = 10
		}
		_, err := StationMask(bad, width)
		assert.Error(t, err, "%v", bad)
	}
}

func TestMap_UnencodableStationFails(t *testing.T) {
	p := mkPath(1, 4)
	p.Load = []int{10}
	_, err := Map([]*types.Job{mkJob("Job1", "Part1", []types.Path{p})}, cell.State{}, nil, 1, Options{LoadStations: 10})
	require.Error(t, err)
	assert.Equal(t, "job Job1 process 1 load stations: station 10 cannot be encoded in a 10-character station string", err.Error())

	p = mkPath(1, 4)
	p.Stops = []types.MachiningStop{{Stations: []int{9}, Program: "prog"}}
	_, err = Map([]*types.Job{mkJob("Job1", "Part1", []types.Path{p})}, cell.State{}, nil, 1, Options{Machines: 8})
	assert.ErrorContains(t, err, "machines: station 9")
}
