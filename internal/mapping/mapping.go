// Package mapping 计算控制器上零件、夹具和托盘组的增量
//
// 整个计算只在内存快照上进行：先构建期望状态，再与控制器当前状态比较，
// 产生一个新增/删除列表。任何错误都会丢弃整个结果。
package mapping

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"fms-cell/internal/cell"
	"fms-cell/internal/types"

	"github.com/hashicorp/go-multierror"
)

// Options 控制映射行为
type Options struct {
	// CheckPalletsUsedOnce 为 true 时，不同托盘列表共用同一托盘会报错
	CheckPalletsUsedOnce bool
	// AllowMultiplePathsOnFirstProcess 为 true 时接受第一道工序有多条路径的作业
	// 这类作业只能计算夹具映射，排程时仍会报错
	AllowMultiplePathsOnFirstProcess bool
	// LoadStations 和 Machines 是 FixLDS/RemoveLDS 与 CutMc 字符串的位数
	LoadStations   int
	Machines       int
	FixtureComment string
}

func (o Options) withDefaults() Options {
	if o.LoadStations <= 0 {
		o.LoadStations = 10
	}
	if o.Machines <= 0 {
		o.Machines = 8
	}
	if o.FixtureComment == "" {
		o.FixtureComment = "Managed"
	}
	return o
}

// PalletGroup 是共用同一夹具标识的一组托盘
type PalletGroup struct {
	Pallets   []int
	Processes []int
	Index     int
	Number    int
	Base      string
	Reused    bool
	FirstPart string
}

// FixtureFor 返回托盘组在某道工序上的夹具名
func (g *PalletGroup) FixtureFor(proc int) string {
	return cell.FixtureName(g.Base, proc)
}

// Binding 是作业的一条第一工序路径解析出的零件和夹具
// Paths 和 Fixtures 按 工序-1 索引
type Binding struct {
	JobUnique string
	Proc1Path int
	PartName  string
	Comment   string
	Paths     []int
	Fixtures  []string

	job *types.Job
}

// Result 映射结果
type Result struct {
	Diff     cell.WriteData
	Groups   []*PalletGroup
	Bindings []Binding
	// NextGroupIndex 是该偏移下下一个可分配的组序号
	NextGroupIndex int
}

// Binding 查找作业某条第一工序路径的绑定
func (r *Result) Binding(unique string, proc1Path int) (Binding, bool) {
	for _, b := range r.Bindings {
		if b.JobUnique == unique && b.Proc1Path == proc1Path {
			return b, true
		}
	}
	return Binding{}, false
}

// PalletConflictError 两个托盘组的托盘列表不同却共用了托盘
type PalletConflictError struct {
	Part1    string
	Pallets1 []int
	Part2    string
	Pallets2 []int
}

func (e *PalletConflictError) Error() string {
	return fmt.Sprintf("Invalid pallet->part mapping. %s and %s do not have matching pallet lists.  %s is assigned to %s and %s is assigned to %s",
		e.Part1, e.Part2, e.Part1, joinInts(e.Pallets1), e.Part2, joinInts(e.Pallets2))
}

// Map 计算使控制器与作业集合一致所需的增量
// saved 中的零件仍有排程在运行，它们以及它们引用的夹具不会被删除
func Map(jobs []*types.Job, current cell.State, saved map[string]bool, offset int, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if err := validate(jobs, opts); err != nil {
		return nil, err
	}

	m := &mapper{
		opts:        opts,
		offset:      offset,
		existing:    existingGroups(current),
		usedIdx:     usedIndexes(current, offset),
		byKey:       make(map[string]*PalletGroup),
		palletOwner: make(map[int]*PalletGroup),
	}
	res := &Result{}
	for _, job := range jobs {
		for p := 1; p <= job.NumPaths(1); p++ {
			b, err := m.bind(job, p)
			if err != nil {
				return nil, err
			}
			res.Bindings = append(res.Bindings, b)
		}
	}
	diff, err := m.diff(current, saved, res.Bindings)
	if err != nil {
		return nil, err
	}
	res.Diff = diff
	res.Groups = m.groups
	res.NextGroupIndex = m.nextIdx
	return res, nil
}

func validate(jobs []*types.Job, opts Options) error {
	var result *multierror.Error
	for _, job := range jobs {
		if job.NumProcesses() == 0 {
			result = multierror.Append(result, fmt.Errorf("job %s has no processes", job.UniqueStr))
			continue
		}
		if !opts.AllowMultiplePathsOnFirstProcess && job.NumPaths(1) > 1 {
			result = multierror.Append(result, fmt.Errorf("job %s has %d paths on the first process but only one is supported", job.UniqueStr, job.NumPaths(1)))
		}
		for proc := 1; proc <= job.NumProcesses(); proc++ {
			if job.NumPaths(proc) == 0 {
				result = multierror.Append(result, fmt.Errorf("job %s process %d has no paths", job.UniqueStr, proc))
				continue
			}
			for path := 1; path <= job.NumPaths(proc); path++ {
				if len(job.PathAt(proc, path).Pallets) == 0 {
					result = multierror.Append(result, fmt.Errorf("job %s process %d path %d has no pallets", job.UniqueStr, proc, path))
				}
			}
		}
	}
	return result.ErrorOrNil()
}

type existingGroup struct {
	base    string
	pallets []int
	procs   []int
	number  int
}

type mapper struct {
	opts        Options
	offset      int
	existing    []existingGroup
	usedIdx     map[int]bool
	nextIdx     int
	groups      []*PalletGroup
	byKey       map[string]*PalletGroup
	palletOwner map[int]*PalletGroup
}

// LanePath 找到第 proc 道工序上与第一工序路径 proc1Path 同一路径组的路径
func LanePath(job *types.Job, proc, proc1Path int) int {
	if proc == 1 {
		return proc1Path
	}
	first := job.PathAt(1, proc1Path)
	if first == nil {
		return 1
	}
	if p := job.PathAt(proc, proc1Path); p != nil && p.PathGroup == first.PathGroup {
		return proc1Path
	}
	for i, p := range job.Processes[proc-1].Paths {
		if p.PathGroup == first.PathGroup {
			return i + 1
		}
	}
	if proc1Path <= job.NumPaths(proc) {
		return proc1Path
	}
	return 1
}

func (m *mapper) bind(job *types.Job, proc1Path int) (Binding, error) {
	numProc := job.NumProcesses()
	b := Binding{
		JobUnique: job.UniqueStr,
		Proc1Path: proc1Path,
		PartName:  cell.PartName(job.PartName, m.offset, proc1Path),
		Comment:   cell.PartComment(job.UniqueStr, proc1Path, job.ManuallyCreated),
		Paths:     make([]int, numProc),
		Fixtures:  make([]string, numProc),
		job:       job,
	}
	lanes := make([][]int, numProc)
	same := true
	for proc := 1; proc <= numProc; proc++ {
		b.Paths[proc-1] = LanePath(job, proc, proc1Path)
		lanes[proc-1] = sortedPallets(job.PathAt(proc, b.Paths[proc-1]).Pallets)
		if !slices.Equal(lanes[proc-1], lanes[0]) {
			same = false
		}
	}

	if same {
		procs := make([]int, numProc)
		for i := range procs {
			procs[i] = i + 1
		}
		g, err := m.group(job.PartName, lanes[0], procs)
		if err != nil {
			return Binding{}, err
		}
		for proc := 1; proc <= numProc; proc++ {
			b.Fixtures[proc-1] = g.FixtureFor(proc)
		}
		return b, nil
	}

	// 各工序托盘不同，每道工序单独成组
	for proc := 1; proc <= numProc; proc++ {
		g, err := m.group(job.PartName, lanes[proc-1], []int{proc})
		if err != nil {
			return Binding{}, err
		}
		b.Fixtures[proc-1] = g.FixtureFor(proc)
	}
	return b, nil
}

func (m *mapper) group(part string, pallets, procs []int) (*PalletGroup, error) {
	key := joinInts(pallets) + "|" + joinInts(procs)
	if g, ok := m.byKey[key]; ok {
		return g, nil
	}

	if m.opts.CheckPalletsUsedOnce {
		for _, pal := range pallets {
			if other, ok := m.palletOwner[pal]; ok && !slices.Equal(other.Pallets, pallets) {
				return nil, &PalletConflictError{
					Part1:    other.FirstPart,
					Pallets1: other.Pallets,
					Part2:    part,
					Pallets2: pallets,
				}
			}
		}
	}

	g := &PalletGroup{Pallets: pallets, Processes: procs, FirstPart: part, Index: m.allocIndex()}
	if ex := m.findExisting(pallets, procs); ex != nil {
		g.Base = ex.base
		g.Number = ex.number
		g.Reused = true
	} else {
		g.Base = cell.FixtureGroupBase(m.offset, g.Index, pallets[0])
		g.Number = m.offset*10 + g.Index + 1
	}

	for _, pal := range pallets {
		if _, ok := m.palletOwner[pal]; !ok {
			m.palletOwner[pal] = g
		}
	}
	m.byKey[key] = g
	m.groups = append(m.groups, g)
	return g, nil
}

// allocIndex 跳过控制器上该偏移已占用的组序号
func (m *mapper) allocIndex() int {
	for m.usedIdx[m.nextIdx] {
		m.nextIdx++
	}
	idx := m.nextIdx
	m.nextIdx++
	return idx
}

func (m *mapper) findExisting(pallets, procs []int) *existingGroup {
	for i := range m.existing {
		ex := &m.existing[i]
		if slices.Equal(ex.pallets, pallets) && slices.Equal(ex.procs, procs) {
			return ex
		}
	}
	return nil
}

func (m *mapper) diff(current cell.State, saved map[string]bool, bindings []Binding) (cell.WriteData, error) {
	var w cell.WriteData

	needed := make(map[string]bool)
	for _, g := range m.groups {
		for _, proc := range g.Processes {
			name := g.FixtureFor(proc)
			needed[name] = true
			if g.Reused {
				continue
			}
			w.Fixtures = append(w.Fixtures, cell.Fixture{Command: cell.CmdAdd, Name: name, Comment: m.opts.FixtureComment})
			for _, pal := range g.Pallets {
				w.Pallets = append(w.Pallets, current.PalletSchema.Row(pal, name, g.Number))
			}
		}
	}

	existingParts := make(map[string]cell.Part, len(current.Parts))
	for _, p := range current.Parts {
		existingParts[p.PartName] = p
	}
	deletedParts := make(map[string]bool)
	neededParts := make(map[string]bool)
	for _, b := range bindings {
		neededParts[b.PartName] = true
		row, err := m.partRow(b)
		if err != nil {
			return cell.WriteData{}, err
		}
		if ex, ok := existingParts[b.PartName]; ok {
			if samePart(ex, row) {
				continue
			}
			if saved[b.PartName] {
				return cell.WriteData{}, fmt.Errorf("part %s is still scheduled and its definition has changed", b.PartName)
			}
			ex.Command = cell.CmdDelete
			w.Parts = append(w.Parts, ex)
			deletedParts[ex.PartName] = true
		}
		w.Parts = append(w.Parts, row)
	}
	for _, p := range sortedParts(current.Parts) {
		if neededParts[p.PartName] || saved[p.PartName] || !cell.IsManagedPart(p) {
			continue
		}
		p.Command = cell.CmdDelete
		w.Parts = append(w.Parts, p)
		deletedParts[p.PartName] = true
	}

	// 仍保留的零件引用的夹具不能删除
	for _, p := range current.Parts {
		if deletedParts[p.PartName] {
			continue
		}
		for _, proc := range p.Processes {
			needed[proc.Fixture] = true
		}
	}
	deletedFixtures := make(map[string]bool)
	fixtures := append([]cell.Fixture(nil), current.Fixtures...)
	sort.Slice(fixtures, func(i, j int) bool { return fixtures[i].Name < fixtures[j].Name })
	for _, f := range fixtures {
		if needed[f.Name] {
			continue
		}
		if _, ok := cell.ParseFixtureName(f.Name); !ok {
			continue
		}
		f.Command = cell.CmdDelete
		w.Fixtures = append(w.Fixtures, f)
		deletedFixtures[f.Name] = true
	}
	for _, pal := range current.Pallets {
		if deletedFixtures[pal.Fixture] {
			pal.Command = cell.CmdDelete
			w.Pallets = append(w.Pallets, pal)
		}
	}
	return w, nil
}

func (m *mapper) partRow(b Binding) (cell.Part, error) {
	job := b.job
	part := cell.Part{Command: cell.CmdAdd, PartName: b.PartName, Comment: b.Comment}
	for proc := 1; proc <= job.NumProcesses(); proc++ {
		path := job.PathAt(proc, b.Paths[proc-1])
		var machines []int
		program := ""
		for _, stop := range path.Stops {
			machines = append(machines, stop.Stations...)
			if program == "" {
				program = stop.Program
			}
		}
		fixLDS, err := StationMask(path.Load, m.opts.LoadStations)
		if err != nil {
			return cell.Part{}, fmt.Errorf("job %s process %d load stations: %w", job.UniqueStr, proc, err)
		}
		removeLDS, err := StationMask(path.Unload, m.opts.LoadStations)
		if err != nil {
			return cell.Part{}, fmt.Errorf("job %s process %d unload stations: %w", job.UniqueStr, proc, err)
		}
		cutMc, err := StationMask(machines, m.opts.Machines)
		if err != nil {
			return cell.Part{}, fmt.Errorf("job %s process %d machines: %w", job.UniqueStr, proc, err)
		}
		part.Processes = append(part.Processes, cell.PartProcess{
			ProcessNumber: proc,
			Fixture:       b.Fixtures[proc-1],
			FixQuantity:   max(1, path.PartsPerPallet),
			FixLDS:        fixLDS,
			RemoveLDS:     removeLDS,
			CutMc:         cutMc,
			MainProgram:   program,
		})
	}
	return part, nil
}

// StationMask 生成每站一位的字符串，第 n 位为站号数字，未使用的站为 '0'
// 每位只能写一个数字，站号必须在 1..min(width, 9) 之间
func StationMask(stations []int, width int) (string, error) {
	b := []byte(strings.Repeat("0", width))
	for _, s := range stations {
		if s < 1 || s > width || s > 9 {
			return "", fmt.Errorf("station %d cannot be encoded in a %d-character station string", s, width)
		}
		b[s-1] = byte('0' + s)
	}
	return string(b), nil
}

func existingGroups(current cell.State) []existingGroup {
	type acc struct {
		pallets map[int]bool
		procs   map[int]bool
		number  int
	}
	byBase := make(map[string]*acc)
	for _, pal := range current.Pallets {
		info, ok := cell.ParseFixtureName(pal.Fixture)
		if !ok {
			continue
		}
		a, ok := byBase[info.Base]
		if !ok {
			a = &acc{pallets: map[int]bool{}, procs: map[int]bool{}, number: pal.Group()}
			byBase[info.Base] = a
		}
		a.pallets[pal.PalletNumber] = true
		a.procs[info.Process] = true
	}
	out := make([]existingGroup, 0, len(byBase))
	for base, a := range byBase {
		out = append(out, existingGroup{base: base, pallets: sortedKeys(a.pallets), procs: sortedKeys(a.procs), number: a.number})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].base < out[j].base })
	return out
}

func usedIndexes(current cell.State, offset int) map[int]bool {
	used := make(map[int]bool)
	for _, f := range current.Fixtures {
		if info, ok := cell.ParseFixtureName(f.Name); ok && info.Offset == offset {
			used[info.Group] = true
		}
	}
	for _, p := range current.Pallets {
		if info, ok := cell.ParseFixtureName(p.Fixture); ok && info.Offset == offset {
			used[info.Group] = true
		}
	}
	return used
}

func samePart(a, b cell.Part) bool {
	return a.PartName == b.PartName && a.Comment == b.Comment && slices.Equal(a.Processes, b.Processes)
}

func sortedParts(parts []cell.Part) []cell.Part {
	out := append([]cell.Part(nil), parts...)
	sort.Slice(out, func(i, j int) bool { return out[i].PartName < out[j].PartName })
	return out
}

func sortedPallets(pallets []int) []int {
	set := make(map[int]bool, len(pallets))
	for _, p := range pallets {
		set[p] = true
	}
	return sortedKeys(set)
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func joinInts(xs []int) string {
	s := make([]string, len(xs))
	for i, x := range xs {
		s[i] = strconv.Itoa(x)
	}
	return strings.Join(s, ",")
}
