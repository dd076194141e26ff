package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/utils/logger/sl"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Store долговременное хранение операций очереди
type Store interface {
	AddPendingOperation(ctx context.Context, op *change.PendingOperation) error
	GetPendingOperations(ctx context.Context) ([]*change.PendingOperation, error)
	UpdatePendingOperation(ctx context.Context, op *change.PendingOperation) error
	MarkOperationComplete(ctx context.Context, id string) error
}

// Priorities веса приоритета по типу сущности и операции
type Priorities struct {
	Patient     int `mapstructure:"patient"`
	Analysis    int `mapstructure:"analysis"`
	Session     int `mapstructure:"session"`
	Chat        int `mapstructure:"chat"`
	File        int `mapstructure:"file"`
	Preference  int `mapstructure:"preference"`
	CreateBonus int `mapstructure:"create_bonus"`
	UpdateBonus int `mapstructure:"update_bonus"`
}

// Config параметры повторов
type Config struct {
	// MaxRetries число попыток до окончательного отказа
	MaxRetries int `mapstructure:"max_retries"`
	// BaseDelay задержка перед второй попыткой
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Priorities        Priorities    `mapstructure:"priorities"`
}

// DefaultConfig 3 попытки, 1s * 2^n, не больше 30s
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		Priorities: Priorities{
			Patient:     10,
			Analysis:    10,
			Session:     10,
			Chat:        5,
			File:        3,
			Preference:  1,
			CreateBonus: 2,
			UpdateBonus: 1,
		},
	}
}

// Validate проверяет параметры повторов
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries должен быть не меньше 1")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay должен быть положительным")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier должен быть не меньше 1")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay не может быть меньше base_delay")
	}
	return nil
}

// Delay задержка перед следующей попыткой после attempts неудач.
// Не убывает с ростом attempts и ограничена MaxDelay.
func (c Config) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempts-1))
	if d >= float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Priority приоритет изменения: чувствительность сущности плюс бонус за тип операции
func (c Config) Priority(rec *change.Record) int {
	p := c.Priorities
	var base int
	switch rec.EntityType {
	case change.EntityPatient:
		base = p.Patient
	case change.EntityAnalysis:
		base = p.Analysis
	case change.EntitySession:
		base = p.Session
	case change.EntityChat:
		base = p.Chat
	case change.EntityFile:
		base = p.File
	case change.EntityPreference:
		base = p.Preference
	}

	switch rec.Operation {
	case change.OperationCreate:
		base += p.CreateBonus
	case change.OperationUpdate:
		base += p.UpdateBonus
	}
	return base
}

// Queue очередь повторной отправки изменений, сохраняемая в хранилище
type Queue struct {
	mu       sync.Mutex
	store    Store
	config   Config
	log      *slog.Logger
	now      func() time.Time
	ops      map[string]*change.PendingOperation
	byChange map[string]string
}

// New создает очередь и загружает сохраненные операции
func New(ctx context.Context, store Store, config Config, log *slog.Logger) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация очереди: %w", err)
	}

	q := &Queue{
		store:  store,
		config: config,
		log:    log.With(slog.String("component", "sync_queue")),
		now:    time.Now,
	}
	if err := q.Reload(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// SetClock подменяет источник времени
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Config возвращает параметры очереди
func (q *Queue) Config() Config {
	return q.config
}

// Reload перечитывает операции из хранилища
func (q *Queue) Reload(ctx context.Context) error {
	ops, err := q.store.GetPendingOperations(ctx)
	if err != nil {
		return fmt.Errorf("ошибка загрузки очереди: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = make(map[string]*change.PendingOperation, len(ops))
	q.byChange = make(map[string]string, len(ops))
	for _, op := range ops {
		q.ops[op.ID] = op
		if op.Change != nil {
			q.byChange[op.Change.ID] = op.ID
		}
	}
	return nil
}

// AddOperation ставит операцию в очередь: присваивает id, приоритет и лимит попыток.
// Операция для уже поставленного изменения не дублируется, возвращается существующая.
func (q *Queue) AddOperation(ctx context.Context, op *change.PendingOperation) (*change.PendingOperation, error) {
	if op == nil || op.Change == nil {
		return nil, fmt.Errorf("%w: operation without change", change.ErrInvalidChange)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byChange[op.Change.ID]; ok {
		return cloneOp(q.ops[id]), nil
	}

	added := cloneOp(op)
	if added.ID == "" {
		added.ID = uuid.NewString()
	}
	added.Priority = q.config.Priority(added.Change)
	if added.MaxRetries <= 0 {
		added.MaxRetries = q.config.MaxRetries
	}
	if added.CreatedAt.IsZero() {
		added.CreatedAt = q.now()
	}

	if err := q.store.AddPendingOperation(ctx, added); err != nil {
		return nil, fmt.Errorf("ошибка сохранения операции: %w", err)
	}
	q.ops[added.ID] = added
	q.byChange[added.Change.ID] = added.ID

	q.log.Debug("Операция поставлена в очередь",
		"op_id", added.ID,
		"entity", added.Change.Key(),
		"priority", added.Priority,
		"attempts", added.Attempts,
	)
	return cloneOp(added), nil
}

// Enqueue ставит изменение в очередь после неудачной попытки отправки
func (q *Queue) Enqueue(ctx context.Context, rec *change.Record, cause error) (*change.PendingOperation, error) {
	op := &change.PendingOperation{Change: rec, Attempts: 1, LastAttempt: q.clock()}
	if cause != nil {
		op.LastError = cause.Error()
	}
	return q.AddOperation(ctx, op)
}

// NextRetryAt момент, начиная с которого операцию можно повторить
func (q *Queue) NextRetryAt(op *change.PendingOperation) time.Time {
	if op.Attempts == 0 || op.LastAttempt.IsZero() {
		return op.CreatedAt
	}
	return op.LastAttempt.Add(q.config.Delay(op.Attempts))
}

// GetNextOperation возвращает готовую операцию с наибольшим приоритетом или nil
func (q *Queue) GetNextOperation() *change.PendingOperation {
	ready := q.Ready()
	if len(ready) == 0 {
		return nil
	}
	return ready[0]
}

// Ready возвращает готовые к повтору операции: по убыванию приоритета, затем по времени создания
func (q *Queue) Ready() []*change.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*change.PendingOperation
	for _, op := range q.ops {
		if q.NextRetryAt(op).After(now) {
			continue
		}
		ready = append(ready, cloneOp(op))
	}
	sortOps(ready)
	return ready
}

// MarkOperationFailed увеличивает число попыток.
// При исчерпании лимита операция удаляется и возвращается ErrPermanentFailure.
func (q *Queue) MarkOperationFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, change.ErrNotFound)
	}

	next := cloneOp(op)
	next.Attempts++
	next.LastAttempt = q.now()
	if cause != nil {
		next.LastError = cause.Error()
	}

	if next.Attempts >= next.MaxRetries {
		if err := q.store.MarkOperationComplete(ctx, id); err != nil {
			return fmt.Errorf("ошибка удаления операции: %w", err)
		}
		q.forget(op)

		q.log.Error("Операция исчерпала попытки, требуется ручное вмешательство",
			"op_id", id,
			"change_id", op.Change.ID,
			"entity", op.Change.Key(),
			"attempts", next.Attempts,
			sl.Err(cause),
		)
		return fmt.Errorf("%w: change %s after %d attempts", change.ErrPermanentFailure, op.Change.ID, next.Attempts)
	}

	if err := q.store.UpdatePendingOperation(ctx, next); err != nil {
		return fmt.Errorf("ошибка обновления операции: %w", err)
	}
	q.ops[id] = next

	q.log.Debug("Операция будет повторена",
		"op_id", id,
		"attempts", next.Attempts,
		"retry_at", q.NextRetryAt(next),
	)
	return nil
}

// Complete удаляет выполненную операцию
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil
	}
	if err := q.store.MarkOperationComplete(ctx, id); err != nil {
		return fmt.Errorf("ошибка удаления операции: %w", err)
	}
	q.forget(op)
	return nil
}

// RemoveChanges удаляет операции для перечисленных изменений
func (q *Queue) RemoveChanges(ctx context.Context, changeIDs []string) error {
	var errs []error
	for _, changeID := range changeIDs {
		q.mu.Lock()
		id, ok := q.byChange[changeID]
		q.mu.Unlock()
		if !ok {
			continue
		}
		if err := q.Complete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Has сообщает, стоит ли изменение в очереди
func (q *Queue) Has(changeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byChange[changeID]
	return ok
}

// Operations возвращает все операции очереди в порядке приоритета
func (q *Queue) Operations() []*change.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*change.PendingOperation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, cloneOp(op))
	}
	sortOps(out)
	return out
}

// Len количество операций в очереди
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) clock() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now()
}

func (q *Queue) forget(op *change.PendingOperation) {
	delete(q.ops, op.ID)
	if op.Change != nil {
		delete(q.byChange, op.Change.ID)
	}
}

func sortOps(ops []*change.PendingOperation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})
}

func cloneOp(op *change.PendingOperation) *change.PendingOperation {
	c := *op
	c.Change = op.Change.Clone()
	return &c
}
