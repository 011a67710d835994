package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// TeamScope returns a GORM scope that filters by team_id.
// Every team-facing query applies it; teams never see each other's tasks.
func TeamScope(teamID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("team_id = ?", teamID)
	}
}

// StatusScope narrows a query to one status when status is non-nil.
func StatusScope(status *orchestrator.TaskStatus) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if status == nil {
			return db
		}
		return db.Where("status = ?", string(*status))
	}
}

// orderedDependencies preloads dependency rows in declaration order.
func orderedDependencies(db *gorm.DB) *gorm.DB {
	return db.Preload("Dependencies", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	})
}
