package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camuig/strategy-lab/internal/strategy"
)

const maxUpdateAttempts = 5

// ErrConcurrentUpdate is returned when a strategy kept changing underneath
// Update for every attempt.
var ErrConcurrentUpdate = errors.New("concurrent update")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Strategies

func (r *Repository) CreateStrategy(ctx context.Context, s *strategy.Strategy) error {
	rec := fromDomain(s)
	rec.Version = 1
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}
	s.ID = rec.ID
	s.Version = rec.Version
	s.CreatedAt = rec.CreatedAt
	s.UpdatedAt = rec.UpdatedAt
	return nil
}

// GetStrategy returns an active strategy owned by userID.
func (r *Repository) GetStrategy(ctx context.Context, id, userID uint) (*strategy.Strategy, error) {
	var rec StrategyRecord
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("strategy %d: %w", id, strategy.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %d: %w", id, err)
	}
	return rec.toDomain(), nil
}

func (r *Repository) ListStrategies(ctx context.Context, userID uint) ([]*strategy.Strategy, error) {
	var recs []StrategyRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC, id DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}

	result := make([]*strategy.Strategy, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toDomain())
	}
	return result, nil
}

// ListStrategiesByStatus returns active strategies of every user in the given
// status, oldest first.
func (r *Repository) ListStrategiesByStatus(ctx context.Context, status strategy.Status) ([]*strategy.Strategy, error) {
	var recs []StrategyRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_active = ?", string(status), true).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list %s strategies: %w", status, err)
	}

	result := make([]*strategy.Strategy, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toDomain())
	}
	return result, nil
}

// UpdateStrategy loads the strategy, applies fn and writes it back only if no
// other writer bumped the version in between. A lost race reloads and
// reapplies fn. An error from fn aborts without writing.
func (r *Repository) UpdateStrategy(ctx context.Context, id, userID uint, fn func(s *strategy.Strategy) error) (*strategy.Strategy, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		s, err := r.GetStrategy(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(s); err != nil {
			return nil, err
		}

		ok, err := r.save(ctx, s)
		if err != nil {
			return nil, err
		}
		if ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("update strategy %d: %w", id, ErrConcurrentUpdate)
}

func (r *Repository) save(ctx context.Context, s *strategy.Strategy) (bool, error) {
	revisions, err := RevisionList(s.Revisions).Value()
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&StrategyRecord{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]any{
			"name":                  s.Name,
			"status":                string(s.Status),
			"active_revision_index": s.ActiveRevisionIndex,
			"is_active":             s.IsActive,
			"revisions":             revisions,
			"last_error":            s.LastError,
			"next_revision_id":      s.NextRevisionID,
			"version":               s.Version + 1,
			"updated_at":            now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("save strategy %d: %w", s.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	s.Version++
	s.UpdatedAt = now
	return true, nil
}

// CountByStatus counts active strategies per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[strategy.Status]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&StrategyRecord{}).
		Select("status, COUNT(*) AS count").
		Where("is_active = ?", true).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count strategies by status: %w", err)
	}

	result := make(map[strategy.Status]int64, len(rows))
	for _, row := range rows {
		result[strategy.Status(row.Status)] = row.Count
	}
	return result, nil
}
