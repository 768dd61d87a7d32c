package jobdb

import (
	"context"
	"time"

	"fms-cell/internal/types"

	"gorm.io/gorm"
)

// AddNewDecrement 写入一批扣减，同一批次共享一个扣减号
func (s *Store) AddNewDecrement(ctx context.Context, counts []types.NewDecrement) ([]types.Decrement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []types.Decrement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		added, err = addDecrements(tx, counts, timeNow().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		s.logger.Info("扣减已记录", "decrement_id", added[0].DecrementID, "count", len(added))
	}
	return added, nil
}

func addDecrements(tx *gorm.DB, counts []types.NewDecrement, now time.Time) ([]types.Decrement, error) {
	if len(counts) == 0 {
		return nil, nil
	}
	var maxID int64
	if err := tx.Model(&decrementRow{}).Select("COALESCE(MAX(decrement_id), 0)").Scan(&maxID).Error; err != nil {
		return nil, err
	}
	id := maxID + 1

	rows := make([]decrementRow, 0, len(counts))
	for _, c := range counts {
		path := c.Proc1Path
		if path <= 0 {
			path = 1
		}
		rows = append(rows, decrementRow{
			DecrementID: id,
			JobUnique:   c.JobUnique,
			Proc1Path:   path,
			TimeUTC:     now,
			Part:        c.Part,
			Quantity:    c.Quantity,
		})
	}
	if err := tx.Create(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Decrement, len(rows))
	for i, r := range rows {
		out[i] = r.toDecrement()
	}
	return out, nil
}

// LoadDecrementsForJob 按扣减号顺序返回某作业的所有扣减
func (s *Store) LoadDecrementsForJob(ctx context.Context, unique string) ([]types.Decrement, error) {
	var rows []decrementRow
	if err := s.db.WithContext(ctx).Where("job_unique = ?", unique).Order("decrement_id, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDecrements(rows), nil
}

// LoadDecrementQuantitiesAfter 返回扣减号大于 afterID 的所有扣减
func (s *Store) LoadDecrementQuantitiesAfter(ctx context.Context, afterID int64) ([]types.Decrement, error) {
	var rows []decrementRow
	if err := s.db.WithContext(ctx).Where("decrement_id > ?", afterID).Order("decrement_id, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDecrements(rows), nil
}

func toDecrements(rows []decrementRow) []types.Decrement {
	out := make([]types.Decrement, len(rows))
	for i, r := range rows {
		out[i] = r.toDecrement()
	}
	return out
}
