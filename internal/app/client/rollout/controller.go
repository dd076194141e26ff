// Package rollout решает, каким пользователям и когда запускать миграцию,
// и ограничивает число одновременных миграций
package rollout

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/utils/logger/sl"

	"golang.org/x/exp/slog"
)

// QueueStore долговременная очередь запросов миграции
type QueueStore interface {
	EnqueueMigration(ctx context.Context, r *change.MigrationRequest) error
	ListMigrationQueue(ctx context.Context) ([]*change.MigrationRequest, error)
	RemoveMigrationQueue(ctx context.Context, userID string) error
}

// Runner запускает миграцию пользователя
type Runner func(ctx context.Context, userID string) error

// Controller очередь миграций с ограничением параллельности
type Controller struct {
	config Config
	state  StateStore
	store  QueueStore
	run    Runner
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	queue  requestHeap
	index  map[string]*item
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создает контроллер
func New(config Config, state StateStore, store QueueStore, run Runner, log *slog.Logger) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация rollout: %w", err)
	}

	return &Controller{
		config: config,
		state:  state,
		store:  store,
		run:    run,
		log:    log.With(slog.String("component", "rollout")),
		now:    time.Now,
		index:  make(map[string]*item),
	}, nil
}

// SetClock подменяет источник времени
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Check решение по пользователю с учетом окна ожидания
func (c *Controller) Check(ctx context.Context, userID string) (Decision, error) {
	last, err := c.state.LastAttempt(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("ошибка чтения последней попытки: %w", err)
	}
	return c.config.evaluate(userID, last, c.now()), nil
}

// Enqueue ставит пользователя в очередь. Недопущенные пользователи в очередь
// не попадают, кроме ожидающих окончания окна. Повторная постановка меняет приоритет.
func (c *Controller) Enqueue(ctx context.Context, userID string, priority int) (Decision, error) {
	d, err := c.Check(ctx, userID)
	if err != nil {
		return d, err
	}
	if !d.Eligible && d.Reason != ReasonCooldown {
		c.log.Debug("Пользователь не допущен к миграции", "user_id", userID, "reason", d.Reason)
		return d, nil
	}

	req := &change.MigrationRequest{UserID: userID, Priority: priority, EnqueuedAt: c.now()}

	c.mu.Lock()
	if it, ok := c.index[userID]; ok {
		req.EnqueuedAt = it.req.EnqueuedAt
	}
	c.mu.Unlock()

	if err := c.store.EnqueueMigration(ctx, req); err != nil {
		return d, fmt.Errorf("ошибка сохранения очереди миграции: %w", err)
	}
	c.push(req)

	c.log.Info("Миграция поставлена в очередь", "user_id", userID, "priority", priority, "reason", d.Reason)
	return d, nil
}

// Restore загружает сохраненную очередь
func (c *Controller) Restore(ctx context.Context) error {
	reqs, err := c.store.ListMigrationQueue(ctx)
	if err != nil {
		return fmt.Errorf("ошибка чтения очереди миграции: %w", err)
	}
	for _, r := range reqs {
		c.push(r)
	}
	if len(reqs) > 0 {
		c.log.Info("Очередь миграции восстановлена", "pending", len(reqs))
	}
	return nil
}

// Pending запросы в порядке разбора
func (c *Controller) Pending() []change.MigrationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make(requestHeap, len(c.queue))
	for i, it := range c.queue {
		cp[i] = &item{req: it.req, index: i}
	}
	out := make([]change.MigrationRequest, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, *heap.Pop(&cp).(*item).req)
	}
	return out
}

// Drain запускает миграции из очереди, пока есть свободные слоты.
// Ожидающие окончания окна остаются в очереди, недопущенные удаляются.
func (c *Controller) Drain(ctx context.Context) (int, error) {
	now := c.now()
	active, err := c.state.ActiveSlots(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения слотов: %w", err)
	}

	var deferred []*change.MigrationRequest
	defer func() {
		for _, r := range deferred {
			c.push(r)
		}
	}()

	started := 0
	for active < c.config.MaxConcurrent {
		req := c.pop()
		if req == nil {
			break
		}

		d, err := c.Check(ctx, req.UserID)
		if err != nil {
			deferred = append(deferred, req)
			return started, err
		}
		if !d.Eligible {
			if d.Reason == ReasonCooldown {
				deferred = append(deferred, req)
				continue
			}
			c.log.Info("Запрос миграции снят", "user_id", req.UserID, "reason", d.Reason)
			if err := c.store.RemoveMigrationQueue(ctx, req.UserID); err != nil {
				return started, fmt.Errorf("ошибка удаления из очереди: %w", err)
			}
			continue
		}

		ok, err := c.state.AcquireSlot(ctx, req.UserID, c.config.MaxConcurrent, now, c.config.SlotTTL)
		if err != nil {
			deferred = append(deferred, req)
			return started, fmt.Errorf("ошибка захвата слота: %w", err)
		}
		if !ok {
			deferred = append(deferred, req)
			break
		}

		if err := c.state.RecordAttempt(ctx, req.UserID, now, c.config.Cooldown); err != nil {
			c.log.Warn("Не удалось записать попытку", "user_id", req.UserID, sl.Err(err))
		}
		if err := c.store.RemoveMigrationQueue(ctx, req.UserID); err != nil {
			c.log.Warn("Не удалось удалить запрос из очереди", "user_id", req.UserID, sl.Err(err))
		}

		active++
		started++
		c.launch(ctx, req.UserID)
	}

	return started, nil
}

// Start разбирает очередь с периодом DrainInterval
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.Restore(ctx); err != nil {
		c.Stop()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.config.DrainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Drain(ctx); err != nil {
					c.log.Error("Ошибка разбора очереди миграции", sl.Err(err))
				}
			}
		}
	}()
	return nil
}

// Stop останавливает разбор и дожидается запущенных миграций
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Wait дожидается запущенных миграций
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) launch(ctx context.Context, userID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := c.state.ReleaseSlot(context.WithoutCancel(ctx), userID); err != nil {
				c.log.Warn("Не удалось освободить слот", "user_id", userID, sl.Err(err))
			}
		}()

		c.log.Info("Миграция запущена", "user_id", userID)
		if err := c.run(ctx, userID); err != nil {
			c.log.Error("Миграция пользователя не удалась", "user_id", userID, sl.Err(err))
			return
		}
		c.log.Info("Миграция пользователя завершена", "user_id", userID)
	}()
}

func (c *Controller) push(req *change.MigrationRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.index[req.UserID]; ok {
		it.req = req
		heap.Fix(&c.queue, it.index)
		return
	}
	it := &item{req: req}
	heap.Push(&c.queue, it)
	c.index[req.UserID] = it
}

func (c *Controller) pop() *change.MigrationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue.Len() == 0 {
		return nil
	}
	it := heap.Pop(&c.queue).(*item)
	delete(c.index, it.req.UserID)
	return it.req
}
