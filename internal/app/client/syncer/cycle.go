package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"clinsync/internal/app/client/conflict"
	"clinsync/internal/domain/change"
	dsync "clinsync/internal/domain/sync"
	"clinsync/internal/utils/logger/sl"

	"github.com/google/uuid"
)

// cycle рабочее состояние одного цикла
type cycle struct {
	start  time.Time
	res    *Result
	online bool
	pulled bool
	cursor time.Time

	// blocked неразрешенные конфликты по ключу сущности
	blocked map[string]*change.ConflictRecord
	// pending последнее неотправленное изменение устройства по ключу сущности
	pending    map[string]*change.Record
	pendingIDs map[string][]string
	outgoing   []*change.Record
	lastLocal  time.Time
	// unqueued хотя бы одно изменение не попало в очередь
	unqueued bool
}

func (c *cycle) track(rec *change.Record) {
	key := rec.Key()
	if cur, ok := c.pending[key]; !ok || !rec.Timestamp.Before(cur.Timestamp) {
		c.pending[key] = rec
	}
	for _, id := range c.pendingIDs[key] {
		if id == rec.ID {
			return
		}
	}
	c.pendingIDs[key] = append(c.pendingIDs[key], rec.ID)
}

func (s *Syncer) runCycle(ctx context.Context) (*Result, error) {
	s.work.Lock()
	defer s.work.Unlock()

	start := s.now()
	c := &cycle{
		start:      start,
		res:        &Result{StartedAt: start, Attempts: 1},
		online:     !s.isForcedOffline(),
		blocked:    make(map[string]*change.ConflictRecord),
		pending:    make(map[string]*change.Record),
		pendingIDs: make(map[string][]string),
	}

	s.log.Debug("Начало цикла синхронизации", "online", c.online)

	// 1. Метаданные обеих сторон
	s.setState(StatePulling)
	localMeta, err := s.local.GetSyncMetadata(ctx)
	if err != nil {
		return s.fail(c, fmt.Errorf("ошибка чтения локальных метаданных: %w", err))
	}

	var remoteMeta *change.SyncMetadata
	if c.online {
		remoteMeta, err = s.remote.GetSyncMetadata(ctx)
		switch {
		case err == nil:
		case isFatal(err):
			return s.fail(c, err)
		case errors.Is(err, change.ErrRejected):
			s.log.Warn("Сервер не вернул метаданные", sl.Err(err))
		default:
			s.goOffline(c, err)
		}
	}

	// 2. Изменения обеих сторон после последней синхронизации
	localChanges, err := s.local.GetChangesSince(ctx, localMeta.LastSyncAt)
	if err != nil {
		return s.fail(c, fmt.Errorf("ошибка чтения журнала изменений: %w", err))
	}

	var remoteChanges []*change.Record
	var serverConflicts []*change.ConflictRecord
	c.cursor = localMeta.LastServerUpdate
	if c.online {
		remoteChanges, serverConflicts, c.cursor, err = s.pullAll(ctx, localMeta.LastServerUpdate)
		switch {
		case err == nil:
			c.pulled = true
		case isFatal(err):
			return s.fail(c, err)
		default:
			s.goOffline(c, err)
		}
	}
	c.res.Pulled = len(remoteChanges)

	// 3. Входные данные для обнаружения конфликтов
	s.setState(StateDetectingConflicts)
	if err := s.loadLocalState(ctx, c, localChanges); err != nil {
		return s.fail(c, err)
	}
	for _, sc := range serverConflicts {
		s.recordServerConflict(ctx, c, sc)
	}

	// Каждое удаленное изменение сравнивается с актуальным локальным состоянием
	s.setState(StateApplyingRemote)
	sort.SliceStable(remoteChanges, func(i, j int) bool {
		return remoteChanges[i].Timestamp.Before(remoteChanges[j].Timestamp)
	})
	for _, rec := range remoteChanges {
		if err := ctx.Err(); err != nil {
			return s.fail(c, err)
		}
		c.res.add(s.processRemote(ctx, c, rec))
	}

	// 4. Локальные изменения
	s.setState(StatePushingLocal)
	if err := s.pushLocal(ctx, c); err != nil {
		return s.fail(c, err)
	}

	// 5. Очередь повторов
	s.setState(StateProcessingQueue)
	if c.online {
		if err := s.drainQueue(ctx, c); err != nil {
			return s.fail(c, err)
		}
	}

	// 6. Метаданные фиксируются последними
	s.setState(StateUpdatingMetadata)
	if err := s.commitMetadata(ctx, c, localMeta, remoteMeta); err != nil {
		return s.fail(c, err)
	}

	c.res.Success = true
	c.res.IsOffline = !c.online
	c.res.EndedAt = s.now()
	s.finish(c.res, !c.online)

	s.log.Info("Цикл синхронизации завершен",
		"offline", c.res.IsOffline,
		"pulled", c.res.Pulled,
		"applied", c.res.Applied,
		"pushed", c.res.Pushed,
		"queued", c.res.Queued,
		"conflicts", c.res.ConflictsDetected,
		"require_review", c.res.ConflictsRequireReview,
		"sync_version", c.res.SyncVersion,
		"duration", c.res.Duration(),
	)
	return c.res, nil
}

func (s *Syncer) fail(c *cycle, err error) (*Result, error) {
	c.res.Success = false
	c.res.IsOffline = !c.online
	c.res.Error = err.Error()
	c.res.EndedAt = s.now()
	s.finish(c.res, !c.online)

	s.log.Error("Цикл синхронизации прерван", sl.Err(err))
	return c.res, err
}

func (s *Syncer) goOffline(c *cycle, err error) {
	if c.online {
		s.log.Warn("Сервер недоступен, работа в офлайн режиме", sl.Err(err))
	}
	c.online = false
}

func isFatal(err error) bool {
	return errors.Is(err, change.ErrUnauthorized) || errors.Is(err, context.Canceled)
}

// pullAll выбирает все страницы изменений после курсора сервера
func (s *Syncer) pullAll(ctx context.Context, since time.Time) ([]*change.Record, []*change.ConflictRecord, time.Time, error) {
	var changes []*change.Record
	var conflicts []*change.ConflictRecord

	cursor := since
	for {
		resp, err := s.remote.Pull(ctx, dsync.PullRequest{DeviceID: s.deviceID, Since: cursor, Limit: s.config.PullLimit})
		if err != nil {
			return nil, nil, since, err
		}
		changes = append(changes, resp.Changes...)
		conflicts = resp.Conflicts

		if !resp.ServerTime.After(cursor) {
			return changes, conflicts, cursor, nil
		}
		cursor = resp.ServerTime
		if !resp.HasMore {
			return changes, conflicts, cursor, nil
		}
	}
}

// loadLocalState собирает неразрешенные конфликты и неотправленные изменения устройства
func (s *Syncer) loadLocalState(ctx context.Context, c *cycle, localChanges []*change.Record) error {
	conflicts, err := s.local.ListConflicts(ctx, true)
	if err != nil {
		return fmt.Errorf("ошибка чтения конфликтов: %w", err)
	}
	for _, cr := range conflicts {
		c.blocked[cr.Key()] = cr
	}

	for _, op := range s.queue.Operations() {
		c.track(op.Change)
	}

	for _, rec := range localChanges {
		if rec.DeviceID != s.deviceID || rec.SyncStatus != change.StatusPending {
			continue
		}
		if rec.Timestamp.After(c.lastLocal) {
			c.lastLocal = rec.Timestamp
		}
		c.track(rec)
		if !s.queue.Has(rec.ID) {
			c.outgoing = append(c.outgoing, rec)
		}
	}
	return nil
}

func (s *Syncer) processRemote(ctx context.Context, c *cycle, rec *change.Record) ItemResult {
	item := itemFor(rec, DirectionPull)
	key := rec.Key()

	if rec.DeviceID == s.deviceID {
		return item.with(OutcomeSkipped, ReasonOwnChange)
	}

	// Сущность ждет решения человека: запоминаем последнее серверное состояние
	if cr, ok := c.blocked[key]; ok {
		cr.ServerChange = rec.Clone()
		if err := s.local.SaveConflict(ctx, cr); err != nil {
			return item.failed(err)
		}
		item.ConflictID = cr.ID
		return item.with(OutcomeSkipped, ReasonBlocked)
	}

	entity, err := s.findEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return item.failed(err)
	}

	det := s.detector.Detect(rec, conflict.LocalState{Entity: entity, Pending: c.pending[key]})
	if !det.Conflict {
		applied, err := s.applyRemote(ctx, rec)
		if err != nil {
			return item.failed(err)
		}
		if !applied {
			return item.with(OutcomeSkipped, ReasonDuplicate)
		}
		return item.with(OutcomeApplied, "")
	}

	c.res.ConflictsDetected++
	cr := &change.ConflictRecord{
		ID:           uuid.NewString(),
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		LocalChange:  c.pending[key].Clone(),
		ServerChange: rec.Clone(),
		ConflictType: det.Type,
		Fields:       det.Fields,
		Timestamp:    s.now(),
	}
	item.ConflictID = cr.ID

	resolution := s.resolver.Resolve(cr)
	if !resolution.Resolved {
		if err := s.local.SaveConflict(ctx, cr); err != nil {
			return item.failed(err)
		}
		c.blocked[key] = cr
		c.res.ConflictsRequireReview++

		s.log.Warn("Конфликт требует ручного разрешения",
			"conflict_id", cr.ID,
			"entity", key,
			"type", cr.ConflictType,
			"fields", cr.Fields,
		)
		return item.with(OutcomeSkipped, ReasonManualReview)
	}

	if err := s.applyResolution(ctx, c, cr, rec, entity, resolution); err != nil {
		return item.failed(err)
	}
	if err := s.local.SaveConflict(ctx, cr); err != nil {
		return item.failed(err)
	}
	c.res.ConflictsResolved++

	s.log.Info("Конфликт разрешен автоматически",
		"conflict_id", cr.ID,
		"entity", key,
		"type", cr.ConflictType,
		"strategy", resolution.Strategy,
		"remote_wins", resolution.RemoteWins,
	)
	return item.with(OutcomeApplied, string(resolution.Strategy))
}

// applyResolution фиксирует удаленное изменение и, если итог отличается от него,
// записывает новое локальное изменение для отправки
func (s *Syncer) applyResolution(ctx context.Context, c *cycle, cr *change.ConflictRecord, rec *change.Record, before *change.Entity, res conflict.Resolution) error {
	if _, err := s.applyRemote(ctx, rec); err != nil {
		return err
	}
	if err := s.supersede(ctx, c, cr.Key()); err != nil {
		return err
	}
	if res.RemoteWins {
		return nil
	}

	version := rec.Version
	if before != nil {
		version = max(version, before.Version)
	}
	entityGone := rec.Operation == change.OperationDelete
	synthetic := s.syntheticChange(cr, res.Value, rec.Data, version+1, entityGone, change.StatusPending)

	if _, err := s.local.ApplyChange(ctx, synthetic); err != nil {
		return fmt.Errorf("ошибка записи результата слияния: %w", err)
	}
	c.outgoing = append(c.outgoing, synthetic)
	return nil
}

// supersede помечает неотправленные изменения сущности замененными
func (s *Syncer) supersede(ctx context.Context, c *cycle, key string) error {
	ids := c.pendingIDs[key]
	if len(ids) == 0 {
		return nil
	}
	if err := s.local.MarkChangesSynced(ctx, ids); err != nil {
		return fmt.Errorf("ошибка пометки замененных изменений: %w", err)
	}
	if err := s.queue.RemoveChanges(ctx, ids); err != nil {
		return err
	}

	superseded := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		superseded[id] = struct{}{}
	}
	kept := c.outgoing[:0]
	for _, rec := range c.outgoing {
		if _, ok := superseded[rec.ID]; !ok {
			kept = append(kept, rec)
		}
	}
	c.outgoing = kept

	delete(c.pending, key)
	delete(c.pendingIDs, key)
	return nil
}

func (s *Syncer) syntheticChange(cr *change.ConflictRecord, value, previous map[string]any, version int64, entityGone bool, status change.Status) *change.Record {
	op := change.OperationUpdate
	switch {
	case value == nil:
		op = change.OperationDelete
	case entityGone:
		op = change.OperationCreate
	}

	rec := change.NewRecord(op, cr.EntityType, cr.EntityID, value, previous, s.userID, s.deviceID, version, s.now())
	rec.SyncStatus = status
	return rec
}

func (s *Syncer) applyRemote(ctx context.Context, rec *change.Record) (bool, error) {
	in := rec.Clone()
	in.SyncStatus = change.StatusSynced

	applied, err := s.local.ApplyChange(ctx, in)
	if err != nil {
		return false, fmt.Errorf("ошибка применения изменения %s: %w", rec.ID, err)
	}
	return applied, nil
}

func (s *Syncer) findEntity(ctx context.Context, entityType change.EntityType, id string) (*change.Entity, error) {
	found, err := s.local.Find(ctx, entityType.Collection(), change.ByID(id))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сущности %s: %w", change.EntityKey(entityType, id), err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// recordServerConflict сохраняет конфликт, обнаруженный сервером, и блокирует сущность
func (s *Syncer) recordServerConflict(ctx context.Context, c *cycle, cr *change.ConflictRecord) {
	if cr == nil {
		return
	}
	if _, err := s.local.GetConflict(ctx, cr.ID); err == nil {
		c.blocked[cr.Key()] = cr
		return
	}
	if err := s.local.SaveConflict(ctx, cr); err != nil {
		s.log.Error("Не удалось сохранить серверный конфликт", "conflict_id", cr.ID, sl.Err(err))
		return
	}
	c.blocked[cr.Key()] = cr
	c.res.ConflictsDetected++
	c.res.ConflictsRequireReview++

	s.log.Warn("Сервер зафиксировал конфликт",
		"conflict_id", cr.ID,
		"entity", cr.Key(),
		"type", cr.ConflictType,
	)
}

// pushLocal отправляет локальные изменения пакетами, неподтвержденные ставит в очередь
func (s *Syncer) pushLocal(ctx context.Context, c *cycle) error {
	var outgoing []*change.Record
	for _, rec := range c.outgoing {
		if _, ok := c.blocked[rec.Key()]; ok {
			continue
		}
		if s.queue.Has(rec.ID) {
			continue
		}
		outgoing = append(outgoing, rec)
	}

	if !c.online {
		for _, rec := range outgoing {
			s.enqueue(ctx, c, rec, 0, nil)
		}
		return nil
	}

	for start := 0; start < len(outgoing); start += s.config.PushBatchSize {
		end := min(start+s.config.PushBatchSize, len(outgoing))
		batch := outgoing[start:end]

		resp, err := s.remote.Push(ctx, dsync.PushRequest{DeviceID: s.deviceID, Changes: batch})
		if err != nil {
			if isFatal(err) {
				return err
			}
			if errors.Is(err, change.ErrRejected) {
				s.rejectBatch(ctx, c, batch, err)
				continue
			}

			s.goOffline(c, err)
			for _, rec := range outgoing[start:] {
				s.enqueue(ctx, c, rec, 1, err)
			}
			return nil
		}

		s.handlePushResponse(ctx, c, batch, resp)
	}
	return nil
}

func (s *Syncer) handlePushResponse(ctx context.Context, c *cycle, batch []*change.Record, resp *dsync.PushResponse) {
	acked := make(map[string]struct{}, len(resp.ProcessedChangeIDs))
	for _, id := range resp.ProcessedChangeIDs {
		acked[id] = struct{}{}
	}
	conflicted := make(map[string]*change.ConflictRecord, len(resp.Conflicts))
	for _, cr := range resp.Conflicts {
		if cr != nil && cr.LocalChange != nil {
			conflicted[cr.LocalChange.ID] = cr
		}
	}

	var ackedIDs []string
	for _, rec := range batch {
		if _, ok := acked[rec.ID]; ok {
			ackedIDs = append(ackedIDs, rec.ID)
		}
	}
	if err := s.local.MarkChangesSynced(ctx, ackedIDs); err != nil {
		s.log.Error("Не удалось пометить изменения отправленными", sl.Err(err))
	}

	notAcked := fmt.Errorf("%w: изменение не подтверждено сервером", change.ErrTransient)
	for _, rec := range batch {
		item := itemFor(rec, DirectionPush)
		if _, ok := acked[rec.ID]; ok {
			c.res.add(item.with(OutcomePushed, ""))
			continue
		}
		if cr, ok := conflicted[rec.ID]; ok {
			s.recordServerConflict(ctx, c, cr)
			item.ConflictID = cr.ID
			c.res.add(item.with(OutcomeSkipped, ReasonManualReview))
			continue
		}
		s.enqueue(ctx, c, rec, 1, notAcked)
	}
}

func (s *Syncer) rejectBatch(ctx context.Context, c *cycle, batch []*change.Record, err error) {
	ids := make([]string, 0, len(batch))
	for _, rec := range batch {
		ids = append(ids, rec.ID)
		c.res.add(itemFor(rec, DirectionPush).failed(err))
	}
	if mErr := s.local.MarkChangesFailed(ctx, ids); mErr != nil {
		s.log.Error("Не удалось пометить отклоненные изменения", sl.Err(mErr))
	}
	s.log.Error("Сервер отклонил пакет изменений", "count", len(batch), sl.Err(err))
}

// enqueue ставит изменение в очередь; attempts=0 означает, что отправка не выполнялась
func (s *Syncer) enqueue(ctx context.Context, c *cycle, rec *change.Record, attempts int, cause error) {
	item := itemFor(rec, DirectionPush)

	op := &change.PendingOperation{Change: rec, Attempts: attempts}
	if attempts > 0 {
		op.LastAttempt = s.now()
	}
	if cause != nil {
		op.LastError = cause.Error()
	}

	if _, err := s.queue.AddOperation(ctx, op); err != nil {
		c.unqueued = true
		s.log.Error("Не удалось поставить изменение в очередь", "change_id", rec.ID, sl.Err(err))
		c.res.add(item.failed(err))
		return
	}
	c.res.add(item.with(OutcomeQueued, ""))
}

// drainQueue отправляет готовые операции очереди по одной
func (s *Syncer) drainQueue(ctx context.Context, c *cycle) error {
	for _, op := range s.queue.Ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.online {
			return nil
		}

		item := itemFor(op.Change, DirectionQueue)
		if _, ok := c.blocked[op.Change.Key()]; ok {
			c.res.add(item.with(OutcomeSkipped, ReasonBlocked))
			continue
		}

		resp, pushErr := s.remote.Push(ctx, dsync.PushRequest{DeviceID: s.deviceID, Changes: []*change.Record{op.Change}})
		err := pushErr
		if pushErr == nil {
			switch {
			case contains(resp.ProcessedChangeIDs, op.Change.ID):
				if err := s.completeOperation(ctx, op); err != nil {
					c.res.add(item.failed(err))
					continue
				}
				if err := s.local.MarkChangesSynced(ctx, []string{op.Change.ID}); err != nil {
					c.res.add(item.failed(err))
					continue
				}
				c.res.add(item.with(OutcomePushed, ""))
				continue
			case len(resp.Conflicts) > 0:
				s.recordServerConflict(ctx, c, resp.Conflicts[0])
				if err := s.completeOperation(ctx, op); err != nil {
					c.res.add(item.failed(err))
					continue
				}
				item.ConflictID = resp.Conflicts[0].ID
				c.res.add(item.with(OutcomeSkipped, ReasonManualReview))
				continue
			default:
				err = fmt.Errorf("%w: изменение не подтверждено сервером", change.ErrTransient)
			}
		}

		if isFatal(err) {
			return err
		}
		if errors.Is(err, change.ErrRejected) {
			if cErr := s.completeOperation(ctx, op); cErr != nil {
				c.res.add(item.failed(cErr))
				continue
			}
			if mErr := s.local.MarkChangesFailed(ctx, []string{op.Change.ID}); mErr != nil {
				s.log.Error("Не удалось пометить отклоненное изменение", sl.Err(mErr))
			}
			c.res.add(item.failed(err))
			continue
		}

		failErr := s.queue.MarkOperationFailed(ctx, op.ID, err)
		switch {
		case errors.Is(failErr, change.ErrPermanentFailure):
			if mErr := s.local.MarkChangesFailed(ctx, []string{op.Change.ID}); mErr != nil {
				s.log.Error("Не удалось пометить изменение", sl.Err(mErr))
			}
			c.res.PermanentFailures++
			c.res.add(item.failed(failErr))
		case failErr != nil:
			c.res.add(item.failed(failErr))
		default:
			c.res.add(item.with(OutcomeQueued, ""))
		}

		// Сервер недоступен, остальные операции ждут следующего цикла
		if pushErr != nil {
			s.goOffline(c, pushErr)
		}
	}
	return nil
}

func (s *Syncer) completeOperation(ctx context.Context, op *change.PendingOperation) error {
	return s.queue.Complete(ctx, op.ID)
}

// commitMetadata продвигает метаданные локально и, если сервер доступен, удаленно
func (s *Syncer) commitMetadata(ctx context.Context, c *cycle, localMeta, remoteMeta *change.SyncMetadata) error {
	checksum, err := s.localChecksum(ctx)
	if err != nil {
		return err
	}

	meta := *localMeta
	meta.UserID = s.userID
	meta.DeviceID = s.deviceID

	var remoteVersion int64
	if remoteMeta != nil && c.online {
		remoteVersion = remoteMeta.SyncVersion
	}
	meta.Advance(remoteVersion, c.start, checksum)
	if c.unqueued {
		// Изменение вне очереди подберется следующим циклом только по старой отметке
		meta.LastSyncAt = localMeta.LastSyncAt
	}

	if c.lastLocal.After(meta.LastLocalUpdate) {
		meta.LastLocalUpdate = c.lastLocal
	}
	if c.pulled && c.cursor.After(meta.LastServerUpdate) {
		meta.LastServerUpdate = c.cursor
	}

	if err := s.local.UpdateSyncMetadata(ctx, &meta); err != nil {
		return fmt.Errorf("ошибка сохранения метаданных: %w", err)
	}
	c.res.SyncVersion = meta.SyncVersion

	if c.online {
		if err := s.remote.UpdateSyncMetadata(ctx, &meta); err != nil {
			if isFatal(err) {
				return err
			}
			s.log.Warn("Не удалось обновить метаданные на сервере", sl.Err(err))
		}
	}
	return nil
}

// localChecksum SHA-256 от контрольных сумм всех локальных сущностей
func (s *Syncer) localChecksum(ctx context.Context) (string, error) {
	sums := make(map[string]string)
	for _, et := range change.EntityTypes() {
		entities, err := s.local.Find(ctx, et.Collection(), change.Query{})
		if err != nil {
			return "", fmt.Errorf("ошибка чтения коллекции %s: %w", et.Collection(), err)
		}
		for _, e := range entities {
			sums[change.EntityKey(et, e.ID)] = change.DataChecksum(e.Data)
		}
	}
	return change.Checksum(sums)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
