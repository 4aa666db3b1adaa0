package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/camuig/strategy-lab/internal/strategy"
)

type StrategyRecord struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time

	UserID              uint         `gorm:"index;not null"`
	Name                string       `gorm:"size:255;not null"`
	Status              string       `gorm:"size:16;not null;default:'idle';check:chk_strategies_status,status IN ('idle','queued','running','completed','failed')"`
	ActiveRevisionIndex int          `gorm:"not null;default:0"`
	IsActive            bool         `gorm:"index;not null"`
	Revisions           RevisionList `gorm:"type:text;not null"`
	LastError           *string      `gorm:"type:text"`
	NextRevisionID      int64        `gorm:"not null;default:1"`
	Version             int64        `gorm:"not null;default:0"`
}

func (StrategyRecord) TableName() string { return "strategies" }

// RevisionList stores a strategy's revisions, results included, as one JSON text column.
type RevisionList []strategy.Revision

func (l RevisionList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal revisions: %w", err)
	}
	return string(data), nil
}

func (l *RevisionList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan revisions: unsupported type %T", value)
	}
	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("unmarshal revisions: %w", err)
	}
	return nil
}

func (r *StrategyRecord) toDomain() *strategy.Strategy {
	return &strategy.Strategy{
		ID:                  r.ID,
		UserID:              r.UserID,
		Name:                r.Name,
		Status:              strategy.Status(r.Status),
		ActiveRevisionIndex: r.ActiveRevisionIndex,
		Revisions:           []strategy.Revision(r.Revisions),
		LastError:           r.LastError,
		IsActive:            r.IsActive,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		NextRevisionID:      r.NextRevisionID,
		Version:             r.Version,
	}
}

func fromDomain(s *strategy.Strategy) *StrategyRecord {
	return &StrategyRecord{
		ID:                  s.ID,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		UserID:              s.UserID,
		Name:                s.Name,
		Status:              string(s.Status),
		ActiveRevisionIndex: s.ActiveRevisionIndex,
		IsActive:            s.IsActive,
		Revisions:           RevisionList(s.Revisions),
		LastError:           s.LastError,
		NextRevisionID:      s.NextRevisionID,
		Version:             s.Version,
	}
}

// JobRecord is a row of the durable backtest queue.
type JobRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time

	StrategyID    uint   `gorm:"index;not null"`
	UserID        uint   `gorm:"not null"`
	RevisionID    int64  `gorm:"not null"`
	RevisionIndex int    `gorm:"not null"`
	Config        string `gorm:"type:text;not null"`
	Status        string `gorm:"size:16;index;not null"` // pending, active, completed, failed
	Attempts      int    `gorm:"not null;default:0"`
	Error         string `gorm:"type:text"`

	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (JobRecord) TableName() string { return "backtest_jobs" }
