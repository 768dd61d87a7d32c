package jobdb

import (
	"context"
	"fmt"

	"fms-cell/internal/types"

	"gorm.io/gorm"
)

// UpdateJobHold 替换作业级保持，hold 为 nil 时清除
func (s *Store) UpdateJobHold(ctx context.Context, unique string, hold *types.HoldPattern) error {
	return s.replaceHold(ctx, unique, -1, -1, holdJob, hold)
}

// UpdateJobMachiningHold 替换某条路径的加工保持
func (s *Store) UpdateJobMachiningHold(ctx context.Context, unique string, proc, path int, hold *types.HoldPattern) error {
	return s.replaceHold(ctx, unique, proc, path, holdMachining, hold)
}

// UpdateJobLoadUnloadHold 替换某条路径的装卸保持
func (s *Store) UpdateJobLoadUnloadHold(ctx context.Context, unique string, proc, path int, hold *types.HoldPattern) error {
	return s.replaceHold(ctx, unique, proc, path, holdLoadUnload, hold)
}

func (s *Store) replaceHold(ctx context.Context, unique string, proc, path int, kind string, hold *types.HoldPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&jobRow{}).Where("job_unique = ?", unique).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("job %s: %w", unique, ErrNotFound)
		}
		if kind != holdJob {
			if err := tx.Model(&pathRow{}).Where("job_unique = ? AND process = ? AND path = ?", unique, proc, path).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("job %s process %d path %d: %w", unique, proc, path, ErrNotFound)
			}
		}

		err := tx.Where("job_unique = ? AND process = ? AND path = ? AND kind = ?", unique, proc, path, kind).
			Delete(&holdRow{}).Error
		if err != nil || hold == nil {
			return err
		}
		return tx.Create(&holdRow{JobUnique: unique, Process: proc, Path: path, Kind: kind, Pattern: *hold}).Error
	})
	if err != nil {
		return err
	}
	s.logger.Info("保持已更新", "job", unique, "process", proc, "path", path, "kind", kind, "cleared", hold == nil)
	return nil
}
