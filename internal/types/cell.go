package types

import (
	"slices"
	"time"
)

// PalletLocationType 托盘所在位置类型
type PalletLocationType string

const (
	LocLoadUnload   PalletLocationType = "LoadUnload"
	LocMachine      PalletLocationType = "Machine"
	LocMachineQueue PalletLocationType = "MachineQueue"
	LocBuffer       PalletLocationType = "Buffer"
	LocCart         PalletLocationType = "Cart"
)

// PalletLocation 托盘的当前位置
type PalletLocation struct {
	Location     PalletLocationType `json:"loc"`
	StationGroup string             `json:"group"`
	Num          int                `json:"num"`
}

// PalletStepType 托盘路线上当前步骤的类型
type PalletStepType string

const (
	StepNone      PalletStepType = ""
	StepLoad      PalletStepType = "Load"
	StepMachining PalletStepType = "Machining"
	StepUnload    PalletStepType = "Unload"
	StepReclamp   PalletStepType = "Reclamp"
)

// PalletAlarmCode 托盘跟踪报警代码
type PalletAlarmCode int

const (
	AlarmNone                    PalletAlarmCode = 0
	AlarmSetOnScreen             PalletAlarmCode = 1
	AlarmM165                    PalletAlarmCode = 2
	AlarmRoutingFault            PalletAlarmCode = 3
	AlarmLoadingFromAutoLUL      PalletAlarmCode = 4
	AlarmProgramRequest          PalletAlarmCode = 5
	AlarmProgramResponding       PalletAlarmCode = 6
	AlarmProgramTransfer         PalletAlarmCode = 7
	AlarmProgramTransferFin      PalletAlarmCode = 8
	AlarmMachineAutoOff          PalletAlarmCode = 9
	AlarmMachinePowerOff         PalletAlarmCode = 10
	AlarmIccCommunicationStopped PalletAlarmCode = 11
)

// PalletMaster 控制器上托盘的主数据
type PalletMaster struct {
	PalletNum              int    `json:"palletNum"`
	Comment                string `json:"comment,omitempty"`
	Skip                   bool   `json:"skip"`
	NoWork                 bool   `json:"noWork"`
	ForLongToolMaintenance bool   `json:"forLongToolMaintenance"`
}

// TrackingInfo 托盘的跟踪信息
type TrackingInfo struct {
	Alarm             bool            `json:"alarm"`
	AlarmCode         PalletAlarmCode `json:"alarmCode"`
	BeforeCurrentStep bool            `json:"beforeCurrentStep"`
	CurrentStepNum    int             `json:"currentStepNum"`
}

// PalletState 托盘的实时状态
type PalletState struct {
	Master      PalletMaster        `json:"master"`
	Tracking    TrackingInfo        `json:"tracking"`
	CurStation  PalletLocation      `json:"curStation"`
	CurrentStep PalletStepType      `json:"currentStep"`
	Material    []InProcessMaterial `json:"material"`
}

// MachineStatus 机床状态
type MachineStatus struct {
	MachineNumber int  `json:"machineNumber"`
	Alarm         bool `json:"alarm"`
}

// MaterialPath 记录某个物料在某道工序上走的路径
type MaterialPath struct {
	MaterialID int64 `json:"materialId"`
	Process    int   `json:"process"`
	Path       int   `json:"path"`
}

// CellState 是轮询驱动从控制器读取的实时状态
type CellState struct {
	TimeOfStatusUTC  time.Time           `json:"timeOfStatusUTC"`
	Pallets          []PalletState       `json:"pallets"`
	Machines         []MachineStatus     `json:"machines"`
	Alarm            bool                `json:"alarm"`
	QueuedMaterial   []InProcessMaterial `json:"queuedMaterial"`
	NewEvents        []LogEntry          `json:"newEvents,omitempty"`
	NewMaterialPaths []MaterialPath      `json:"newMaterialPaths,omitempty"`
}

// Clone 深拷贝，托盘上的物料和事件中的物料列表也各自复制
func (cs *CellState) Clone() *CellState {
	if cs == nil {
		return nil
	}
	c := *cs
	c.Pallets = slices.Clone(cs.Pallets)
	for i := range c.Pallets {
		c.Pallets[i].Material = slices.Clone(c.Pallets[i].Material)
	}
	c.Machines = slices.Clone(cs.Machines)
	c.QueuedMaterial = slices.Clone(cs.QueuedMaterial)
	c.NewEvents = slices.Clone(cs.NewEvents)
	for i := range c.NewEvents {
		c.NewEvents[i].Material = slices.Clone(c.NewEvents[i].Material)
	}
	c.NewMaterialPaths = slices.Clone(cs.NewMaterialPaths)
	return &c
}

// MaterialLocationType 物料所在位置类型
type MaterialLocationType string

const (
	MatFree     MaterialLocationType = "Free"
	MatOnPallet MaterialLocationType = "OnPallet"
	MatInQueue  MaterialLocationType = "InQueue"
)

// MaterialLocation 物料的位置
type MaterialLocation struct {
	Type          MaterialLocationType `json:"type"`
	Pallet        string               `json:"pallet,omitempty"`
	Face          int                  `json:"face,omitempty"`
	CurrentQueue  string               `json:"currentQueue,omitempty"`
	QueuePosition int                  `json:"queuePosition,omitempty"`
}

// ActionType 物料上正在进行的动作
type ActionType string

const (
	ActionWaiting                   ActionType = "Waiting"
	ActionLoading                   ActionType = "Loading"
	ActionUnloadToInProcess         ActionType = "UnloadToInProcess"
	ActionUnloadToCompletedMaterial ActionType = "UnloadToCompletedMaterial"
	ActionMachining                 ActionType = "Machining"
)

// MaterialAction 物料动作
type MaterialAction struct {
	Type             ActionType `json:"type"`
	LoadOntoPallet   string     `json:"loadOntoPallet,omitempty"`
	LoadOntoFace     int        `json:"loadOntoFace,omitempty"`
	ProcessAfterLoad int        `json:"processAfterLoad,omitempty"`
	PathAfterLoad    int        `json:"pathAfterLoad,omitempty"`
	UnloadIntoQueue  string     `json:"unloadIntoQueue,omitempty"`
	Program          string     `json:"program,omitempty"`
}

// InProcessMaterial 在制物料
type InProcessMaterial struct {
	MaterialID  int64            `json:"materialID"`
	JobUnique   string           `json:"jobUnique"`
	PartName    string           `json:"partName"`
	Process     int              `json:"process"`
	Path        int              `json:"path"`
	Serial      string           `json:"serial,omitempty"`
	WorkorderID string           `json:"workorderId,omitempty"`
	Location    MaterialLocation `json:"location"`
	Action      MaterialAction   `json:"action"`
}
