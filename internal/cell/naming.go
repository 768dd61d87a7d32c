package cell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 由本系统管理的夹具名前缀
const fixturePrefix = "Fixt"

// MaxOffset 是夹具/零件编号偏移的上限，托盘组号 = offset*10 + 组序号 + 1
const MaxOffset = 9

// ErrNoFreeOffset 所有偏移都被控制器上仍在使用的零件或夹具占用
var ErrNoFreeOffset = errors.New("all fixture offsets are currently being used")

// FixtureGroupBase 生成托盘组的夹具基名 Fixt:<offset>:<group>:<firstPallet>
func FixtureGroupBase(offset, group, firstPallet int) string {
	return fmt.Sprintf("%s:%d:%d:%d", fixturePrefix, offset, group, firstPallet)
}

// FixtureName 在基名后追加工序号
func FixtureName(base string, proc int) string {
	return base + ":" + strconv.Itoa(proc)
}

// FixtureInfo 是解析后的受管夹具名
type FixtureInfo struct {
	Base        string
	Offset      int
	Group       int
	FirstPallet int
	Process     int
}

// ParseFixtureName 解析 Fixt:<offset>:<group>:<firstPallet>:<proc>
func ParseFixtureName(name string) (FixtureInfo, bool) {
	parts := strings.Split(name, ":")
	if len(parts) != 5 || parts[0] != fixturePrefix {
		return FixtureInfo{}, false
	}
	nums := make([]int, 4)
	for i, s := range parts[1:] {
		n, err := strconv.Atoi(s)
		if err != nil {
			return FixtureInfo{}, false
		}
		nums[i] = n
	}
	return FixtureInfo{
		Base:        strings.Join(parts[:4], ":"),
		Offset:      nums[0],
		Group:       nums[1],
		FirstPallet: nums[2],
		Process:     nums[3],
	}, true
}

// PartName 生成受管零件名 <part>:<offset>:<path>
func PartName(part string, offset, path int) string {
	return fmt.Sprintf("%s:%d:%d", part, offset, path)
}

// ParsePartName 从右侧拆出偏移和路径号
func ParsePartName(name string) (part string, offset, path int, ok bool) {
	last := strings.LastIndex(name, ":")
	if last <= 0 {
		return "", 0, 0, false
	}
	mid := strings.LastIndex(name[:last], ":")
	if mid <= 0 {
		return "", 0, 0, false
	}
	var err error
	if offset, err = strconv.Atoi(name[mid+1 : last]); err != nil {
		return "", 0, 0, false
	}
	if path, err = strconv.Atoi(name[last+1:]); err != nil {
		return "", 0, 0, false
	}
	return name[:mid], offset, path, true
}

// PartComment 零件注释记录作业唯一标识和路径号，<unique>-Path<path>-<0|1>
func PartComment(unique string, path int, manual bool) string {
	m := 0
	if manual {
		m = 1
	}
	return fmt.Sprintf("%s-Path%d-%d", unique, path, m)
}

// ParseComment 解析 PartComment 生成的注释
func ParseComment(comment string) (unique string, path int, manual bool, ok bool) {
	idx := strings.LastIndex(comment, "-Path")
	if idx <= 0 {
		return "", 0, false, false
	}
	rest := strings.Split(comment[idx+len("-Path"):], "-")
	if len(rest) != 2 {
		return "", 0, false, false
	}
	path, err := strconv.Atoi(rest[0])
	if err != nil {
		return "", 0, false, false
	}
	switch rest[1] {
	case "0":
	case "1":
		manual = true
	default:
		return "", 0, false, false
	}
	return comment[:idx], path, manual, true
}

// IsManagedPart 判断零件是否由本系统下发
func IsManagedPart(p Part) bool {
	if _, _, _, ok := ParsePartName(p.PartName); !ok {
		return false
	}
	_, _, _, ok := ParseComment(p.Comment)
	return ok
}

// NextOffset 返回控制器上未被受管零件和夹具占用的最小偏移
func NextOffset(s State) (int, error) {
	used := make(map[int]bool)
	for _, p := range s.Parts {
		if !IsManagedPart(p) {
			continue
		}
		_, offset, _, _ := ParsePartName(p.PartName)
		used[offset] = true
	}
	for _, f := range s.Fixtures {
		if info, ok := ParseFixtureName(f.Name); ok {
			used[info.Offset] = true
		}
	}
	for offset := 1; offset <= MaxOffset; offset++ {
		if !used[offset] {
			return offset, nil
		}
	}
	return 0, ErrNoFreeOffset
}
