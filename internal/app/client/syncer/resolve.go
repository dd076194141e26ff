package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinsync/internal/domain/change"
	dsync "clinsync/internal/domain/sync"
	"clinsync/internal/utils/logger/sl"
)

// ResolveConflict применяет решение пользователя по конфликту.
// Выбор server фиксирует серверное состояние локально, local и custom
// записывают новое изменение, которое уйдет на сервер в следующем цикле.
func (s *Syncer) ResolveConflict(ctx context.Context, conflictID string, choice change.Choice, value map[string]any) (*change.ConflictRecord, error) {
	s.work.Lock()
	defer s.work.Unlock()

	cr, err := s.local.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, fmt.Errorf("конфликт %s: %w", conflictID, err)
	}

	entity, err := s.findEntity(ctx, cr.EntityType, cr.EntityID)
	if err != nil {
		return nil, err
	}
	var current map[string]any
	if entity != nil {
		current = entity.Data
	}

	res, err := s.resolver.ResolveManual(cr, choice, current, value)
	if err != nil {
		return nil, err
	}

	pendingIDs, err := s.pendingChangeIDs(ctx, cr.Key())
	if err != nil {
		return nil, err
	}
	if len(pendingIDs) > 0 {
		if err := s.local.MarkChangesSynced(ctx, pendingIDs); err != nil {
			return nil, fmt.Errorf("ошибка пометки замененных изменений: %w", err)
		}
		if err := s.queue.RemoveChanges(ctx, pendingIDs); err != nil {
			return nil, err
		}
	}

	var version int64
	if entity != nil {
		version = entity.Version
	}
	if cr.ServerChange != nil {
		version = max(version, cr.ServerChange.Version)
	}
	if cr.LocalChange != nil {
		version = max(version, cr.LocalChange.Version)
	}

	status := change.StatusPending
	if res.RemoteWins {
		status = change.StatusSynced
	}
	gone := entity == nil || (cr.ServerChange != nil && cr.ServerChange.Operation == change.OperationDelete)
	synthetic := s.syntheticChange(cr, res.Value, current, version+1, gone, status)
	if _, err := s.local.ApplyChange(ctx, synthetic); err != nil {
		return nil, fmt.Errorf("ошибка применения решения: %w", err)
	}

	if err := s.local.SaveConflict(ctx, cr); err != nil {
		return nil, fmt.Errorf("ошибка сохранения конфликта: %w", err)
	}

	s.log.Info("Конфликт разрешен пользователем",
		"conflict_id", cr.ID,
		"entity", cr.Key(),
		"choice", choice,
	)

	s.notifyRemote(ctx, cr.ID, choice, value)
	return cr, nil
}

// notifyRemote закрывает конфликт на сервере, если он там зарегистрирован
func (s *Syncer) notifyRemote(ctx context.Context, conflictID string, choice change.Choice, value map[string]any) {
	if s.isForcedOffline() {
		return
	}

	_, err := s.remote.ResolveConflict(ctx, conflictID, dsync.ResolveConflictRequest{
		DeviceID: s.deviceID,
		Choice:   choice,
		Value:    value,
	})
	switch {
	case err == nil:
		s.log.Debug("Конфликт закрыт на сервере", "conflict_id", conflictID)
	case errors.Is(err, change.ErrRejected):
		// Конфликт обнаружен на устройстве и серверу неизвестен
		s.log.Debug("Сервер не знает конфликт", "conflict_id", conflictID, sl.Err(err))
	default:
		s.log.Warn("Не удалось закрыть конфликт на сервере", "conflict_id", conflictID, sl.Err(err))
	}
}

// pendingChangeIDs неотправленные изменения устройства для сущности
func (s *Syncer) pendingChangeIDs(ctx context.Context, key string) ([]string, error) {
	changes, err := s.local.GetChangesSince(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала изменений: %w", err)
	}

	var ids []string
	for _, rec := range changes {
		if rec.DeviceID == s.deviceID && rec.SyncStatus == change.StatusPending && rec.Key() == key {
			ids = append(ids, rec.ID)
		}
	}
	for _, op := range s.queue.Operations() {
		if op.Change.Key() == key && !contains(ids, op.Change.ID) {
			ids = append(ids, op.Change.ID)
		}
	}
	return ids, nil
}
