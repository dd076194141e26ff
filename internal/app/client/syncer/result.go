package syncer

import (
	"time"

	"clinsync/internal/domain/change"
)

// State этап цикла синхронизации
type State string

const (
	StateIdle               State = "idle"
	StatePulling            State = "pulling"
	StateDetectingConflicts State = "detecting_conflicts"
	StateApplyingRemote     State = "applying_remote"
	StatePushingLocal       State = "pushing_local"
	StateProcessingQueue    State = "processing_queue"
	StateUpdatingMetadata   State = "updating_metadata"
)

// Outcome итог обработки одного изменения
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomePushed  Outcome = "pushed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeQueued  Outcome = "queued"
	OutcomeFailed  Outcome = "failed"
)

// Direction откуда пришло изменение
type Direction string

const (
	DirectionPull  Direction = "pull"
	DirectionPush  Direction = "push"
	DirectionQueue Direction = "queue"
)

// Причины пропуска
const (
	ReasonDuplicate    = "already_applied"
	ReasonOwnChange    = "own_change"
	ReasonManualReview = "manual_review"
	ReasonBlocked      = "entity_blocked"
)

// ItemResult итог по одному изменению
type ItemResult struct {
	ChangeID   string            `json:"changeId"`
	EntityType change.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Direction  Direction         `json:"direction"`
	Outcome    Outcome           `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	ConflictID string            `json:"conflictId,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Result итог цикла синхронизации
type Result struct {
	Success   bool      `json:"success"`
	IsOffline bool      `json:"isOffline"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`

	Pulled  int `json:"pulled"`
	Applied int `json:"applied"`
	Pushed  int `json:"pushed"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`

	ConflictsDetected      int `json:"conflictsDetected"`
	ConflictsResolved      int `json:"conflictsResolved"`
	ConflictsRequireReview int `json:"conflictsRequireReview"`
	PermanentFailures      int `json:"permanentFailures"`

	SyncVersion int64        `json:"syncVersion"`
	Items       []ItemResult `json:"items"`
}

// Duration длительность цикла
func (r *Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

func (r *Result) add(item ItemResult) {
	switch item.Outcome {
	case OutcomeApplied:
		r.Applied++
	case OutcomePushed:
		r.Pushed++
	case OutcomeQueued:
		r.Queued++
	case OutcomeFailed:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

func itemFor(rec *change.Record, dir Direction) ItemResult {
	return ItemResult{
		ChangeID:   rec.ID,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Direction:  dir,
	}
}

func (i ItemResult) with(outcome Outcome, reason string) ItemResult {
	i.Outcome = outcome
	i.Reason = reason
	return i
}

func (i ItemResult) failed(err error) ItemResult {
	i.Outcome = OutcomeFailed
	i.Error = err.Error()
	return i
}

// Snapshot текущее состояние оркестратора
type Snapshot struct {
	State      State   `json:"state"`
	IsSyncing  bool    `json:"isSyncing"`
	IsOffline  bool    `json:"isOffline"`
	Running    bool    `json:"running"`
	LastResult *Result `json:"lastResult,omitempty"`
}
