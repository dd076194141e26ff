package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinsync/internal/app/server/api/http/middleware/auth"
	"clinsync/internal/domain/change"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Servicer интерфейс сервиса синхронизации
type Servicer interface {
	// Pull возвращает изменения других устройств после курсора
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)

	// Push принимает пакет изменений устройства
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)

	// Status возвращает сводку синхронизации устройства
	Status(ctx context.Context, deviceID string) (*StatusResponse, error)

	GetMetadata(ctx context.Context) (*MetadataResponse, error)
	UpdateMetadata(ctx context.Context, meta change.SyncMetadata) (*MetadataResponse, error)

	// ListConflicts возвращает список неразрешенных конфликтов
	ListConflicts(ctx context.Context) (*ConflictsResponse, error)

	// ResolveConflict разрешает конфликт решением пользователя
	ResolveConflict(ctx context.Context, conflictID string, req ResolveConflictRequest) (*ResolveConflictResponse, error)

	FindEntities(ctx context.Context, collection string, q change.Query) (*EntitiesResponse, error)
	MutateEntities(ctx context.Context, collection string, op change.Operation, req MutationRequest) (*MutationResponse, error)
}

// Service реализация сервиса синхронизации
type Service struct {
	repo   Repository
	log    *slog.Logger
	config *ServiceConfig
	now    func() time.Time
}

// NewService создает новый сервис синхронизации
func NewService(repo Repository, log *slog.Logger, config *ServiceConfig) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}

	return &Service{
		repo:   repo,
		log:    log.With(slog.String("component", "sync_service")),
		config: config,
		now:    time.Now,
	}
}

// Pull возвращает изменения других устройств после курсора
func (s *Service) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	userID, err := s.userID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, ErrDeviceRequired
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.config.PullLimit
	}
	if limit > s.config.MaxPullLimit {
		limit = s.config.MaxPullLimit
	}

	// Запрашиваем на одну запись больше, чтобы узнать о продолжении
	stored, err := s.repo.GetChangesSince(ctx, userID, req.Since, req.DeviceID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to get changes: %w", err)
	}

	hasMore := len(stored) > limit
	if hasMore {
		stored = stored[:limit]
	}

	cursor := req.Since
	changes := make([]*change.Record, 0, len(stored))
	for _, sc := range stored {
		changes = append(changes, sc.Record)
		if sc.ReceivedAt.After(cursor) {
			cursor = sc.ReceivedAt
		}
	}

	conflicts, err := s.deviceConflicts(ctx, userID, req.DeviceID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.TouchDevice(ctx, userID, req.DeviceID, cursor, s.now()); err != nil {
		s.log.Warn("Failed to update device cursor", "device_id", req.DeviceID, "error", err)
	}

	return &PullResponse{
		Status:     "Ok",
		Changes:    changes,
		Conflicts:  conflicts,
		ServerTime: cursor,
		HasMore:    hasMore,
	}, nil
}

// Push принимает пакет изменений устройства.
// Уже известные изменения подтверждаются повторно, столкновения записываются как конфликты.
func (s *Service) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	userID, err := s.userID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, ErrDeviceRequired
	}

	resp := &PushResponse{
		Status:             "Ok",
		ProcessedChangeIDs: make([]string, 0, len(req.Changes)),
		Conflicts:          make([]*change.ConflictRecord, 0),
	}

	for _, rec := range req.Changes {
		if rec == nil {
			continue
		}
		rec.UserID = userID

		if rec.DeviceID != req.DeviceID {
			resp.Errors = append(resp.Errors, fmt.Sprintf("change %s: device mismatch", rec.ID))
			continue
		}
		if err := rec.Validate(); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("change %s: %v", rec.ID, err))
			continue
		}

		exists, err := s.repo.ChangeExists(ctx, rec.ID)
		if err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("change %s: %v", rec.ID, err))
			continue
		}
		if exists {
			resp.ProcessedChangeIDs = append(resp.ProcessedChangeIDs, rec.ID)
			continue
		}

		status := rec.SyncStatus
		rec.SyncStatus = change.StatusSynced
		var collided *change.Record
		err = s.repo.ApplyChange(ctx, userID, rec, func(_, latest *change.Record) error {
			if latest != nil && collides(rec, latest) {
				collided = latest
				return ErrCollision
			}
			return nil
		})
		switch {
		case errors.Is(err, ErrCollision) && collided != nil:
			rec.SyncStatus = status
			conflict := s.newConflict(rec, collided)
			if err := s.repo.SaveConflict(ctx, userID, conflict); err != nil {
				resp.Errors = append(resp.Errors, fmt.Sprintf("change %s: save conflict: %v", rec.ID, err))
				continue
			}
			s.log.Info("Conflict recorded on push",
				"conflict_id", conflict.ID,
				"entity", rec.Key(),
				"type", conflict.ConflictType,
			)
			resp.Conflicts = append(resp.Conflicts, conflict)
		case err != nil:
			resp.Errors = append(resp.Errors, fmt.Sprintf("change %s: %v", rec.ID, err))
		default:
			resp.ProcessedChangeIDs = append(resp.ProcessedChangeIDs, rec.ID)
		}
	}

	s.log.Debug("Push processed",
		"device_id", req.DeviceID,
		"received", len(req.Changes),
		"processed", len(resp.ProcessedChangeIDs),
		"conflicts", len(resp.Conflicts),
	)

	return resp, nil
}

// Status возвращает сводку синхронизации устройства
func (s *Service) Status(ctx context.Context, deviceID string) (*StatusResponse, error) {
	userID, err := s.userID(ctx, "")
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}

	device, err := s.repo.GetDevice(ctx, userID, deviceID)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		device = &DeviceInfo{UserID: userID, DeviceID: deviceID}
	}

	pending, err := s.repo.CountChangesSince(ctx, userID, device.Cursor, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count changes: %w", err)
	}

	conflicts, err := s.deviceConflicts(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	return &StatusResponse{
		Status:              "Ok",
		LastSyncAt:          device.LastSyncAt,
		PendingChanges:      pending,
		UnresolvedConflicts: len(conflicts),
	}, nil
}

// GetMetadata возвращает метаданные синхронизации пользователя
func (s *Service) GetMetadata(ctx context.Context) (*MetadataResponse, error) {
	userID, err := s.userID(ctx, "")
	if err != nil {
		return nil, err
	}

	meta, err := s.repo.GetMetadata(ctx, userID)
	if errors.Is(err, ErrMetadataNotFound) {
		meta = change.NewSyncMetadata(userID, "")
	} else if err != nil {
		return nil, fmt.Errorf("failed to get sync metadata: %w", err)
	}

	return &MetadataResponse{Status: "Ok", Data: meta}, nil
}

// UpdateMetadata сохраняет метаданные, syncVersion на сервере только растет
func (s *Service) UpdateMetadata(ctx context.Context, meta change.SyncMetadata) (*MetadataResponse, error) {
	userID, err := s.userID(ctx, meta.UserID)
	if err != nil {
		return nil, err
	}
	meta.UserID = userID

	stored, err := s.repo.UpsertMetadata(ctx, userID, &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to update sync metadata: %w", err)
	}

	if meta.DeviceID != "" {
		if err := s.repo.TouchDevice(ctx, userID, meta.DeviceID, time.Time{}, s.now()); err != nil {
			s.log.Warn("Failed to update device sync time", "device_id", meta.DeviceID, "error", err)
		}
	}

	return &MetadataResponse{Status: "Ok", Data: stored}, nil
}

// ListConflicts возвращает список неразрешенных конфликтов
func (s *Service) ListConflicts(ctx context.Context) (*ConflictsResponse, error) {
	userID, err := s.userID(ctx, "")
	if err != nil {
		return nil, err
	}

	conflicts, err := s.repo.ListConflicts(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get conflicts: %w", err)
	}

	return &ConflictsResponse{Status: "Ok", Data: conflicts}, nil
}

// ResolveConflict разрешает конфликт решением пользователя
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, req ResolveConflictRequest) (*ResolveConflictResponse, error) {
	userID, err := s.userID(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := req.Choice.Validate(); err != nil {
		return nil, err
	}

	conflict, err := s.repo.GetConflict(ctx, userID, conflictID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	if conflict.IsResolved {
		return nil, ErrAlreadyResolved
	}

	var value map[string]any
	switch req.Choice {
	case change.ChoiceServer:
		if conflict.ServerChange != nil {
			value = conflict.ServerChange.Data
		}
	case change.ChoiceLocal:
		if conflict.LocalChange != nil {
			value = conflict.LocalChange.Data
		}
	case change.ChoiceCustom:
		value = req.Value
	}

	now := s.now()
	if req.Choice != change.ChoiceServer {
		deviceID := req.DeviceID
		if deviceID == "" && conflict.LocalChange != nil {
			deviceID = conflict.LocalChange.DeviceID
		}
		if err := s.applyResolution(ctx, userID, deviceID, conflict, value, now); err != nil {
			return nil, err
		}
	}

	conflict.MarkResolved(change.StrategyManual, value, change.ActorUser, now)
	if err := s.repo.UpdateConflict(ctx, userID, conflict); err != nil {
		return nil, fmt.Errorf("failed to resolve conflict: %w", err)
	}

	return &ResolveConflictResponse{Status: "Ok", Data: conflict}, nil
}

// FindEntities возвращает сущности коллекции пользователя
func (s *Service) FindEntities(ctx context.Context, collection string, q change.Query) (*EntitiesResponse, error) {
	userID, err := s.userID(ctx, "")
	if err != nil {
		return nil, err
	}
	entityType, err := change.EntityTypeForCollection(collection)
	if err != nil {
		return nil, err
	}

	entities, err := s.repo.FindEntities(ctx, userID, entityType, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities: %w", err)
	}

	return &EntitiesResponse{Status: "Ok", Data: entities}, nil
}

// MutateEntities создает, обновляет или удаляет сущности, добавляя записи журнала
func (s *Service) MutateEntities(ctx context.Context, collection string, op change.Operation, req MutationRequest) (*MutationResponse, error) {
	userID, err := s.userID(ctx, "")
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, ErrDeviceRequired
	}
	entityType, err := change.EntityTypeForCollection(collection)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var records []*change.Record

	switch op {
	case change.OperationCreate:
		if req.Entity == nil {
			return nil, fmt.Errorf("%w: entity is required", change.ErrInvalidChange)
		}
		id := req.Entity.ID
		if id == "" {
			id = uuid.NewString()
		}
		records = append(records, change.NewRecord(op, entityType, id, req.Entity.Data, nil, userID, req.DeviceID, req.Entity.Version+1, now))

	case change.OperationUpdate, change.OperationDelete:
		entities, err := s.repo.FindEntities(ctx, userID, entityType, req.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to find entities: %w", err)
		}
		for _, e := range entities {
			var data map[string]any
			if op == change.OperationUpdate {
				data = change.ApplyPatch(e.Data, req.Patch)
			}
			records = append(records, change.NewRecord(op, entityType, e.ID, data, e.Data, userID, req.DeviceID, e.Version+1, now))
		}

	default:
		return nil, op.Validate()
	}

	for _, rec := range records {
		rec.SyncStatus = change.StatusSynced
		if err := s.repo.ApplyChange(ctx, userID, rec, mutationGuard); err != nil {
			return nil, fmt.Errorf("failed to apply change: %w", err)
		}
	}

	return &MutationResponse{Status: "Ok", Changes: records}, nil
}

func (s *Service) applyResolution(ctx context.Context, userID, deviceID string, conflict *change.ConflictRecord, value map[string]any, at time.Time) error {
	var version int64
	if conflict.LocalChange != nil {
		version = conflict.LocalChange.Version
	}

	op := change.OperationUpdate
	if value == nil {
		op = change.OperationDelete
	}
	rec := change.NewRecord(op, conflict.EntityType, conflict.EntityID, value, nil, userID, deviceID, version+1, at)
	rec.SyncStatus = change.StatusSynced

	err := s.repo.ApplyChange(ctx, userID, rec, func(rec, latest *change.Record) error {
		if latest != nil {
			rec.Version = max(rec.Version, latest.Version+1)
			rec.PreviousData = latest.Data
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply resolution: %w", err)
	}
	return nil
}

// mutationGuard нумерует создание после последней версии сущности и отклоняет
// правку или удаление, если сущность изменилась после чтения
func mutationGuard(rec, latest *change.Record) error {
	if latest == nil {
		return nil
	}
	if rec.Operation == change.OperationCreate {
		rec.Version = max(rec.Version, latest.Version+1)
		return nil
	}
	if latest.Version >= rec.Version {
		return fmt.Errorf("%w: %s version %d", ErrCollision, rec.Key(), latest.Version)
	}
	return nil
}

func (s *Service) deviceConflicts(ctx context.Context, userID, deviceID string) ([]*change.ConflictRecord, error) {
	all, err := s.repo.ListConflicts(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get conflicts: %w", err)
	}

	out := make([]*change.ConflictRecord, 0, len(all))
	for _, c := range all {
		if c.LocalChange != nil && c.LocalChange.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) newConflict(incoming, latest *change.Record) *change.ConflictRecord {
	fields := change.DiffFields(incoming.Data, latest.Data)

	conflictType := change.ConflictFieldMerge
	switch {
	case incoming.EntityType == change.EntitySession:
		conflictType = change.ConflictUserIntent
	case change.HasClinicalPath(fields):
		conflictType = change.ConflictClinicalPriority
	case absDuration(incoming.Timestamp.Sub(latest.Timestamp)) <= s.config.ConflictWindow:
		conflictType = change.ConflictTimestamp
	}

	return &change.ConflictRecord{
		ID:           uuid.NewString(),
		EntityType:   incoming.EntityType,
		EntityID:     incoming.EntityID,
		LocalChange:  incoming,
		ServerChange: latest,
		ConflictType: conflictType,
		Fields:       fields,
		Timestamp:    s.now(),
	}
}

func (s *Service) userID(ctx context.Context, claimed string) (string, error) {
	// Получаем userID из контекста (устанавливается middleware аутентификации)
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return "", ErrNotAuthenticated
	}
	if claimed != "" && claimed != userID {
		return "", ErrForbidden
	}
	return userID, nil
}

// collides сообщает, что сущность последней изменило другое устройство
// и входящее изменение не учитывает эту версию
func collides(incoming, latest *change.Record) bool {
	return latest.DeviceID != incoming.DeviceID && latest.Version >= incoming.Version
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
