package jobdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fms-cell/internal/types"

	"gorm.io/gorm"
)

// ProgramKey 标识一个程序版本，Revision <= 0 时为占位版本
type ProgramKey struct {
	Name     string
	Revision int64
}

// AddPrograms 写入程序版本，返回占位版本到具体版本的映射
func (s *Store) AddPrograms(ctx context.Context, programs []types.ProgramEntry, startUTC time.Time) (map[ProgramKey]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var placeholders map[ProgramKey]int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		placeholders, err = addPrograms(tx, programs, startUTC.UTC())
		return err
	})
	return placeholders, err
}

func addPrograms(tx *gorm.DB, programs []types.ProgramEntry, now time.Time) (map[ProgramKey]int64, error) {
	placeholders := make(map[ProgramKey]int64)

	// 先写入指定了版本号的程序
	for _, p := range programs {
		if p.Revision <= 0 {
			continue
		}
		var existing []programRow
		if err := tx.Where("program_name = ? AND revision = ?", p.ProgramName, p.Revision).Limit(1).Find(&existing).Error; err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			if existing[0].Content != p.ProgramContent {
				return nil, fmt.Errorf("Program %s rev%d has already been used and the program contents do not match.", p.ProgramName, p.Revision)
			}
			continue
		}
		row := programRow{
			ProgramName:     p.ProgramName,
			Revision:        p.Revision,
			Comment:         p.Comment,
			Content:         p.ProgramContent,
			RevisionTimeUTC: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
	}

	// 占位版本按降序处理: 0, -1, -2 ...
	var pending []types.ProgramEntry
	for _, p := range programs {
		if p.Revision <= 0 {
			pending = append(pending, p)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool {
		if pending[a].ProgramName != pending[b].ProgramName {
			return pending[a].ProgramName < pending[b].ProgramName
		}
		return pending[a].Revision > pending[b].Revision
	})

	for _, p := range pending {
		key := ProgramKey{p.ProgramName, p.Revision}
		if _, done := placeholders[key]; done {
			continue
		}

		latest, err := mostRecentProgram(tx, p.ProgramName)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if latest != nil && latest.Content == p.ProgramContent {
			placeholders[key] = latest.Revision
			continue
		}

		// 只有带注释的程序才按注释和内容查找旧版本
		if p.Comment != "" {
			var same []programRow
			err = tx.Where("program_name = ? AND comment = ? AND content = ?", p.ProgramName, p.Comment, p.ProgramContent).
				Order("revision DESC").Limit(1).Find(&same).Error
			if err != nil {
				return nil, err
			}
			if len(same) > 0 {
				placeholders[key] = same[0].Revision
				continue
			}
		}

		var next int64 = 1
		if latest != nil {
			next = latest.Revision + 1
		}
		row := programRow{
			ProgramName:     p.ProgramName,
			Revision:        next,
			Comment:         p.Comment,
			Content:         p.ProgramContent,
			RevisionTimeUTC: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		placeholders[key] = next
	}
	return placeholders, nil
}

func mostRecentProgram(tx *gorm.DB, name string) (*programRow, error) {
	var rows []programRow
	if err := tx.Where("program_name = ?", name).Order("revision DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("program %s: %w", name, ErrNotFound)
	}
	return &rows[0], nil
}

func (s *Store) loadProgramRow(ctx context.Context, name string, rev int64) (*programRow, error) {
	var rows []programRow
	err := s.db.WithContext(ctx).Where("program_name = ? AND revision = ?", name, rev).Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("program %s rev%d: %w", name, rev, ErrNotFound)
	}
	return &rows[0], nil
}

// LoadProgramContent 返回某个程序版本的内容
func (s *Store) LoadProgramContent(ctx context.Context, name string, rev int64) (string, error) {
	row, err := s.loadProgramRow(ctx, name, rev)
	if err != nil {
		return "", err
	}
	return row.Content, nil
}

// LoadProgram 返回某个程序版本的元数据
func (s *Store) LoadProgram(ctx context.Context, name string, rev int64) (*types.ProgramRevision, error) {
	row, err := s.loadProgramRow(ctx, name, rev)
	if err != nil {
		return nil, err
	}
	r := row.toRevision()
	return &r, nil
}

// LoadMostRecentProgram 返回某个程序的最新版本
func (s *Store) LoadMostRecentProgram(ctx context.Context, name string) (*types.ProgramRevision, error) {
	row, err := mostRecentProgram(s.db.WithContext(ctx), name)
	if err != nil {
		return nil, err
	}
	r := row.toRevision()
	return &r, nil
}

// SetCellControllerProgramForProgram 记录程序版本在控制器上的程序名，空串表示清除
func (s *Store) SetCellControllerProgramForProgram(ctx context.Context, name string, rev int64, cellProgram string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cellProgram != "" {
			var count int64
			err := tx.Model(&programRow{}).
				Where("cell_controller_program_name = ? AND NOT (program_name = ? AND revision = ?)", cellProgram, name, rev).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("Cell program name %s already in use", cellProgram)
			}
		}
		res := tx.Model(&programRow{}).
			Where("program_name = ? AND revision = ?", name, rev).
			Update("cell_controller_program_name", cellProgram)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("program %s rev%d: %w", name, rev, ErrNotFound)
		}
		return nil
	})
}

// ProgramFromCellControllerProgram 按控制器程序名反查程序版本
func (s *Store) ProgramFromCellControllerProgram(ctx context.Context, cellProgram string) (*types.ProgramRevision, error) {
	var rows []programRow
	if err := s.db.WithContext(ctx).Where("cell_controller_program_name = ?", cellProgram).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("cell program %s: %w", cellProgram, ErrNotFound)
	}
	r := rows[0].toRevision()
	return &r, nil
}

// LoadProgramsInCellController 返回所有已下载到控制器的程序版本
func (s *Store) LoadProgramsInCellController(ctx context.Context) ([]types.ProgramRevision, error) {
	var rows []programRow
	err := s.db.WithContext(ctx).Where("cell_controller_program_name <> ?", "").
		Order("program_name, revision").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.ProgramRevision, len(rows))
	for i, r := range rows {
		out[i] = r.toRevision()
	}
	return out, nil
}
