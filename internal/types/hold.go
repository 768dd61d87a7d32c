package types

import "time"

// HoldPattern 描述人工保持标志以及一段交替的 保持/放行 时间序列
type HoldPattern struct {
	UserHold                  bool            `json:"userHold" yaml:"userHold"`
	ReasonForUserHold         string          `json:"reasonForUserHold,omitempty" yaml:"reasonForUserHold"`
	HoldUnholdPattern         []time.Duration `json:"holdUnholdPattern,omitempty" yaml:"holdUnholdPattern"`
	HoldUnholdPatternStartUTC time.Time       `json:"holdUnholdPatternStartUTC" yaml:"holdUnholdPatternStartUTC"`
	HoldUnholdPatternRepeats  bool            `json:"holdUnholdPatternRepeats" yaml:"holdUnholdPatternRepeats"`
}

// Clone 拷贝 HoldPattern，nil 安全
func (h *HoldPattern) Clone() *HoldPattern {
	if h == nil {
		return nil
	}
	c := *h
	c.HoldUnholdPattern = append([]time.Duration(nil), h.HoldUnholdPattern...)
	return &c
}

// HoldInformation 计算 now 时刻是否处于保持状态，以及下一次切换的时间
// 没有后续切换时 next 为零值
func (h *HoldPattern) HoldInformation(now time.Time) (onHold bool, next time.Time) {
	if h == nil {
		return false, time.Time{}
	}
	if h.UserHold {
		return true, time.Time{}
	}
	var total time.Duration
	for _, span := range h.HoldUnholdPattern {
		total += span
	}
	if total <= 0 {
		return false, time.Time{}
	}
	if now.Before(h.HoldUnholdPatternStartUTC) {
		return false, h.HoldUnholdPatternStartUTC
	}

	cur := h.HoldUnholdPatternStartUTC
	if h.HoldUnholdPatternRepeats {
		// 跳过已经完整走完的周期
		cycles := now.Sub(cur) / total
		cur = cur.Add(cycles * total)
	}
	hold := true
	for _, span := range h.HoldUnholdPattern {
		end := cur.Add(span)
		if now.Before(end) {
			return hold, end
		}
		cur = end
		hold = !hold
	}
	return false, time.Time{}
}

// IsOnHold 是 HoldInformation 的简写
func (h *HoldPattern) IsOnHold(now time.Time) bool {
	hold, _ := h.HoldInformation(now)
	return hold
}

// HoldMode 是写入控制器排程行的保持模式
type HoldMode int

const (
	HoldNone       HoldMode = 0
	HoldMachining  HoldMode = 1 << 0
	HoldLoadUnload HoldMode = 1 << 1
	HoldFull                = HoldMachining | HoldLoadUnload
)

func (m HoldMode) String() string {
	switch m {
	case HoldNone:
		return "None"
	case HoldMachining:
		return "Machining"
	case HoldLoadUnload:
		return "LoadUnload"
	case HoldFull:
		return "Full"
	default:
		return "Unknown"
	}
}
