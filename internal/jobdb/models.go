package jobdb

import (
	"time"

	"fms-cell/internal/types"
)

type jobRow struct {
	JobUnique       string    `gorm:"type:text;primaryKey"`
	Part            string    `gorm:"type:text;not null;index"`
	Comment         string    `gorm:"type:text"`
	RouteStartUTC   time.Time `gorm:"index"`
	RouteEndUTC     time.Time
	Archived        bool   `gorm:"index"`
	CopiedToSystem  bool   `gorm:"index"`
	ScheduleID      string `gorm:"type:text;index"`
	ManuallyCreated bool
	NumProcesses    int
}

func (jobRow) TableName() string { return "jobs" }

type pathRow struct {
	JobUnique                string                      `gorm:"type:text;primaryKey"`
	Process                  int                         `gorm:"primaryKey"`
	Path                     int                         `gorm:"primaryKey"`
	PathGroup                int                         `gorm:"not null"`
	PlannedCycles            int                         `gorm:"not null"`
	Pallets                  []int                       `gorm:"type:text;serializer:json"`
	Fixture                  string                      `gorm:"type:text"`
	Face                     int
	Load                     []int                       `gorm:"type:text;serializer:json"`
	Unload                   []int                       `gorm:"type:text;serializer:json"`
	Stops                    []types.MachiningStop       `gorm:"type:text;serializer:json"`
	SimulatedProduction      []types.SimulatedProduction `gorm:"type:text;serializer:json"`
	InputQueue               string                      `gorm:"type:text"`
	OutputQueue              string                      `gorm:"type:text"`
	PartsPerPallet           int
	Casting                  string `gorm:"type:text"`
	ExpectedLoadTime         time.Duration
	ExpectedUnloadTime       time.Duration
	SimulatedStartingUTC     time.Time
	SimulatedAverageFlowTime time.Duration
}

func (pathRow) TableName() string { return "job_paths" }

const (
	holdJob        = "job"
	holdMachining  = "machining"
	holdLoadUnload = "loadunload"
)

// 作业级保持用 Process = Path = -1
type holdRow struct {
	JobUnique string            `gorm:"type:text;primaryKey"`
	Process   int               `gorm:"primaryKey"`
	Path      int               `gorm:"primaryKey"`
	Kind      string            `gorm:"type:text;primaryKey"`
	Pattern   types.HoldPattern `gorm:"type:text;serializer:json"`
}

func (holdRow) TableName() string { return "job_holds" }

type decrementRow struct {
	ID          uint      `gorm:"primaryKey"`
	DecrementID int64     `gorm:"not null;index"`
	JobUnique   string    `gorm:"type:text;not null;index"`
	Proc1Path   int       `gorm:"not null"`
	TimeUTC     time.Time `gorm:"not null"`
	Part        string    `gorm:"type:text"`
	Quantity    int       `gorm:"not null"`
}

func (decrementRow) TableName() string { return "decrements" }

type programRow struct {
	ProgramName               string    `gorm:"type:text;primaryKey"`
	Revision                  int64     `gorm:"primaryKey"`
	Comment                   string    `gorm:"type:text"`
	Content                   string    `gorm:"type:text"`
	RevisionTimeUTC           time.Time
	CellControllerProgramName string    `gorm:"type:text;index"`
}

func (programRow) TableName() string { return "program_revisions" }

func (r programRow) toRevision() types.ProgramRevision {
	return types.ProgramRevision{
		ProgramName:               r.ProgramName,
		Revision:                  r.Revision,
		Comment:                   r.Comment,
		CellControllerProgramName: r.CellControllerProgramName,
	}
}

func (r decrementRow) toDecrement() types.Decrement {
	return types.Decrement{
		DecrementID: r.DecrementID,
		JobUnique:   r.JobUnique,
		Proc1Path:   r.Proc1Path,
		TimeUTC:     r.TimeUTC,
		Part:        r.Part,
		Quantity:    r.Quantity,
	}
}
