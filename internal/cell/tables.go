package cell

import (
	"fmt"
	"time"

	"fms-cell/internal/types"
)

// Command 是一行数据随写入批次一起下发的动作
type Command string

const (
	CmdNone   Command = ""
	CmdAdd    Command = "Add"
	CmdDelete Command = "Delete"
	CmdEdit   Command = "Edit"
)

// ScheduleProcess 排程行下的工序行
type ScheduleProcess struct {
	ScheduleID              int `json:"scheduleId"`
	ProcessNumber           int `json:"processNumber"`
	ProcessMaterialQuantity int `json:"processMaterialQuantity"`
	ProcessExecuteQuantity  int `json:"processExecuteQuantity"`
	ProcessBadQuantity      int `json:"processBadQuantity"`
}

// Schedule 控制器上的排程行
type Schedule struct {
	Command          Command           `json:"command,omitempty"`
	ID               int               `json:"id"`
	PartName         string            `json:"partName"`
	Comment          string            `json:"comment"`
	PlanQuantity     int               `json:"planQuantity"`
	CompleteQuantity int               `json:"completeQuantity"`
	Priority         int               `json:"priority"`
	DueDate          time.Time         `json:"dueDate"`
	HoldMode         types.HoldMode    `json:"holdMode"`
	Processes        []ScheduleProcess `json:"processes"`
}

// PartProcess 零件在某道工序上的夹具及工站绑定
type PartProcess struct {
	ProcessNumber int    `json:"processNumber"`
	Fixture       string `json:"fixture"`
	FixQuantity   int    `json:"fixQuantity"`
	FixLDS        string `json:"fixLDS"`
	RemoveLDS     string `json:"removeLDS"`
	CutMc         string `json:"cutMc"`
	MainProgram   string `json:"mainProgram"`
}

// Part 控制器上的零件行
type Part struct {
	Command   Command       `json:"command,omitempty"`
	PartName  string        `json:"partName"`
	Comment   string        `json:"comment"`
	Processes []PartProcess `json:"processes"`
}

// Fixture 控制器上的夹具行
type Fixture struct {
	Command Command `json:"command,omitempty"`
	Name    string  `json:"name"`
	Comment string  `json:"comment"`
}

// Pallet 托盘与夹具的绑定行
// 老版本控制器用 Angle 区分托盘组，新版本用 FixtureGroup
type Pallet struct {
	Command      Command `json:"command,omitempty"`
	PalletNumber int     `json:"palletNumber"`
	Fixture      string  `json:"fixture"`
	Angle        int     `json:"angle,omitempty"`
	FixtureGroup int     `json:"fixtureGroup,omitempty"`
}

// Group 返回托盘行所属的托盘组编号
func (p Pallet) Group() int {
	if p.FixtureGroup != 0 {
		return p.FixtureGroup
	}
	return p.Angle / 1000
}

// PalletSchema 控制器对托盘组的编码方式
type PalletSchema string

const (
	PalletSchemaAngle PalletSchema = "angle"
	PalletSchemaGroup PalletSchema = "group"
)

// Row 按控制器的编码方式生成一条新增的托盘行
func (s PalletSchema) Row(pallet int, fixture string, group int) Pallet {
	row := Pallet{Command: CmdAdd, PalletNumber: pallet, Fixture: fixture}
	if s == PalletSchemaAngle {
		row.Angle = group * 1000
	} else {
		row.FixtureGroup = group
	}
	return row
}

// State 是控制器当前已下载的表数据
type State struct {
	PalletSchema PalletSchema `json:"palletSchema"`
	Schedules    []Schedule   `json:"schedules"`
	Parts        []Part       `json:"parts"`
	Fixtures     []Fixture    `json:"fixtures"`
	Pallets      []Pallet     `json:"pallets"`
}

// WriteData 是一次原子写入批次
type WriteData struct {
	Schedules []Schedule `json:"schedules,omitempty"`
	Parts     []Part     `json:"parts,omitempty"`
	Fixtures  []Fixture  `json:"fixtures,omitempty"`
	Pallets   []Pallet   `json:"pallets,omitempty"`
}

// Empty 判断批次中是否没有任何行
func (w WriteData) Empty() bool {
	return len(w.Schedules) == 0 && len(w.Parts) == 0 && len(w.Fixtures) == 0 && len(w.Pallets) == 0
}

// Merge 按顺序拼接多个批次
func Merge(diffs ...WriteData) WriteData {
	var out WriteData
	for _, d := range diffs {
		out.Schedules = append(out.Schedules, d.Schedules...)
		out.Parts = append(out.Parts, d.Parts...)
		out.Fixtures = append(out.Fixtures, d.Fixtures...)
		out.Pallets = append(out.Pallets, d.Pallets...)
	}
	return out
}

func palletKey(p Pallet) string {
	return fmt.Sprintf("%d|%s", p.PalletNumber, p.Fixture)
}

// Apply 返回控制器执行该批次之后的状态，不修改接收者
// 同一张表中删除先于新增执行
func (s State) Apply(w WriteData) State {
	out := State{PalletSchema: s.PalletSchema}
	out.Schedules = applyRows(s.Schedules, w.Schedules,
		func(r Schedule) string { return fmt.Sprint(r.ID) },
		func(r Schedule) Command { return r.Command },
		func(r Schedule) Schedule { r.Command = CmdNone; return r })
	out.Parts = applyRows(s.Parts, w.Parts,
		func(r Part) string { return r.PartName },
		func(r Part) Command { return r.Command },
		func(r Part) Part { r.Command = CmdNone; return r })
	out.Fixtures = applyRows(s.Fixtures, w.Fixtures,
		func(r Fixture) string { return r.Name },
		func(r Fixture) Command { return r.Command },
		func(r Fixture) Fixture { r.Command = CmdNone; return r })
	out.Pallets = applyRows(s.Pallets, w.Pallets, palletKey,
		func(r Pallet) Command { return r.Command },
		func(r Pallet) Pallet { r.Command = CmdNone; return r })
	return out
}

func applyRows[T any](current, changes []T, key func(T) string, cmd func(T) Command, clear func(T) T) []T {
	deleted := make(map[string]bool)
	edited := make(map[string]T)
	for _, c := range changes {
		switch cmd(c) {
		case CmdDelete:
			deleted[key(c)] = true
		case CmdEdit:
			edited[key(c)] = clear(c)
		}
	}
	out := make([]T, 0, len(current)+len(changes))
	for _, r := range current {
		k := key(r)
		if deleted[k] {
			continue
		}
		if e, ok := edited[k]; ok {
			out = append(out, e)
			continue
		}
		out = append(out, r)
	}
	for _, c := range changes {
		if cmd(c) == CmdAdd {
			out = append(out, clear(c))
		}
	}
	return out
}

// Validate 检查批次能否在当前状态上完整执行
// 删除/修改的行必须存在，新增的行在删除之后不能重复
func (s State) Validate(w WriteData) error {
	if err := validateRows("schedule", s.Schedules, w.Schedules,
		func(r Schedule) string { return fmt.Sprint(r.ID) },
		func(r Schedule) Command { return r.Command }); err != nil {
		return err
	}
	if err := validateRows("part", s.Parts, w.Parts,
		func(r Part) string { return r.PartName },
		func(r Part) Command { return r.Command }); err != nil {
		return err
	}
	if err := validateRows("fixture", s.Fixtures, w.Fixtures,
		func(r Fixture) string { return r.Name },
		func(r Fixture) Command { return r.Command }); err != nil {
		return err
	}
	return validateRows("pallet", s.Pallets, w.Pallets, palletKey,
		func(r Pallet) Command { return r.Command })
}

func validateRows[T any](table string, current, changes []T, key func(T) string, cmd func(T) Command) error {
	exists := make(map[string]bool, len(current))
	for _, r := range current {
		exists[key(r)] = true
	}
	for _, c := range changes {
		k := key(c)
		switch cmd(c) {
		case CmdDelete, CmdEdit:
			if !exists[k] {
				return fmt.Errorf("%s %s does not exist", table, k)
			}
		}
	}
	for _, c := range changes {
		if cmd(c) == CmdDelete {
			exists[key(c)] = false
		}
	}
	for _, c := range changes {
		k := key(c)
		if cmd(c) == CmdAdd {
			if exists[k] {
				return fmt.Errorf("%s %s already exists", table, k)
			}
			exists[k] = true
		}
	}
	return nil
}
