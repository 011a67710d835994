package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a raw JSON column. PostgreSQL stores it as jsonb, SQLite as text.
type JSONB json.RawMessage

// TaskModel maps to the "tasks" table.
type TaskModel struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TeamID            string     `gorm:"not null;index:idx_tasks_team_status;index:idx_tasks_team_created"`
	Prompt            string     `gorm:"type:text;not null"`
	Status            string     `gorm:"not null;default:'pending';index:idx_tasks_team_status"`
	Priority          int        `gorm:"not null;default:5"`
	AssignedAgentName string     `gorm:"not null;default:''"`
	TaskRunID         *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Result            string     `gorm:"type:text;not null;default:''"`
	ErrorMessage      string     `gorm:"type:text;not null;default:''"`
	Metadata          JSONB      `gorm:"type:jsonb;not null;default:'{}'"`
	Version           int64      `gorm:"not null;default:1"`
	CreatedAt         time.Time  `gorm:"index:idx_tasks_team_created"`
	UpdatedAt         time.Time
	AssignedAt        *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time

	Dependencies []TaskDependencyModel `gorm:"foreignKey:TaskID;references:ID"`
}

func (TaskModel) TableName() string { return "tasks" }

// TaskDependencyModel maps to the "task_dependencies" join table.
// A row means TaskID depends on DependsOnID. Rows are written once, at
// task creation, and never updated.
type TaskDependencyModel struct {
	TaskID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	DependsOnID uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Position    int       `gorm:"not null;default:0"`
}

func (TaskDependencyModel) TableName() string { return "task_dependencies" }

// statusCount is the row shape of the per-status count query.
type statusCount struct {
	Status string
	Count  int
}
