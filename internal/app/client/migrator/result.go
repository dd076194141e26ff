package migrator

import (
	"time"

	"clinsync/internal/domain/change"
)

// Outcome итог переноса одной сущности
type Outcome string

const (
	OutcomeMigrated Outcome = "migrated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// ItemResult итог по одной сущности
type ItemResult struct {
	Collection string  `json:"collection"`
	EntityID   string  `json:"entityId"`
	Outcome    Outcome `json:"outcome"`
	Attempts   int     `json:"attempts,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func (i ItemResult) failed(err error) ItemResult {
	i.Outcome = OutcomeFailed
	i.Error = err.Error()
	return i
}

// Report итог запуска миграции
type Report struct {
	UserID     string                `json:"userId"`
	BackupID   string                `json:"backupId"`
	State      change.MigrationState `json:"state"`
	Total      int                   `json:"total"`
	Migrated   int                   `json:"migrated"`
	Skipped    int                   `json:"skipped"`
	Failed     int                   `json:"failed"`
	RolledBack bool                  `json:"rolledBack"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"startedAt"`
	EndedAt    time.Time             `json:"endedAt"`
	Items      []ItemResult          `json:"items"`
}

// Duration длительность миграции
func (r *Report) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

func (r *Report) add(item ItemResult) {
	switch item.Outcome {
	case OutcomeMigrated:
		r.Migrated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}
