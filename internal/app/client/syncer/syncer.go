package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinsync/internal/app/client/conflict"
	"clinsync/internal/app/client/queue"
	"clinsync/internal/domain/change"
	dsync "clinsync/internal/domain/sync"
	"clinsync/internal/infrastructure/storage"
	"clinsync/internal/utils/logger/sl"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
)

const cycleKey = "sync"

// ErrOffline сервер недоступен, изменения сохранены в очереди
var ErrOffline = errors.New("remote store unreachable")

// Remote удаленное хранилище с ручным разрешением серверных конфликтов
type Remote interface {
	storage.Remote
	ResolveConflict(ctx context.Context, conflictID string, req dsync.ResolveConflictRequest) (*change.ConflictRecord, error)
}

// Config параметры оркестратора
type Config struct {
	// Interval период фоновой синхронизации
	Interval time.Duration `mapstructure:"interval"`
	// PushBatchSize максимум изменений в одном запросе push
	PushBatchSize int `mapstructure:"push_batch_size"`
	// PullLimit размер страницы pull, 0 оставляет выбор серверу
	PullLimit int             `mapstructure:"pull_limit"`
	Conflict  conflict.Config `mapstructure:"conflict"`
}

// DefaultConfig цикл раз в 30 секунд, пакеты по 100 изменений
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		PushBatchSize: 100,
		PullLimit:     500,
		Conflict:      conflict.DefaultConfig(),
	}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("интервал синхронизации должен быть положительным")
	}
	if c.PushBatchSize < 1 {
		return fmt.Errorf("размер пакета push должен быть не меньше 1")
	}
	if c.PullLimit < 0 {
		return fmt.Errorf("размер страницы pull не может быть отрицательным")
	}
	return c.Conflict.Validate()
}

// Syncer оркестратор синхронизации устройства.
// Создается один раз на процесс, циклы никогда не перекрываются.
type Syncer struct {
	local    storage.Local
	remote   Remote
	queue    *queue.Queue
	detector *conflict.Detector
	resolver *conflict.Resolver
	config   Config
	log      *slog.Logger

	userID   string
	deviceID string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	group singleflight.Group
	// work сериализует цикл и ручное разрешение конфликтов
	work sync.Mutex

	mu            sync.Mutex
	state         State
	isSyncing     bool
	isOffline     bool
	forcedOffline bool
	lastResult    *Result
	cancel        context.CancelFunc
}

// New создает оркестратор
func New(local storage.Local, remote Remote, q *queue.Queue, config Config, userID, deviceID string, log *slog.Logger) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация синхронизации: %w", err)
	}
	if deviceID == "" {
		return nil, fmt.Errorf("не задан идентификатор устройства")
	}

	return &Syncer{
		local:    local,
		remote:   remote,
		queue:    q,
		detector: conflict.NewDetector(deviceID, config.Conflict),
		resolver: conflict.NewResolver(),
		config:   config,
		log:      log.With(slog.String("component", "syncer"), slog.String("device_id", deviceID)),
		userID:   userID,
		deviceID: deviceID,
		now:      time.Now,
		sleep:    sleepContext,
		state:    StateIdle,
	}, nil
}

// SetClock подменяет источник времени
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// SetSleeper подменяет ожидание между повторами
func (s *Syncer) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	s.sleep = sleep
}

// SetOffline принудительно включает офлайн режим: сетевые вызовы не выполняются
func (s *Syncer) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedOffline = offline
}

// Sync выполняет один цикл. Параллельные вызовы дожидаются текущего цикла.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	return s.do(ctx, s.runCycle)
}

// ForceSync выполняет цикл, повторяя его с экспоненциальной задержкой.
// Недоступность сервера считается неудачей, ошибка авторизации не повторяется.
func (s *Syncer) ForceSync(ctx context.Context) (*Result, error) {
	return s.do(ctx, s.runWithRetry)
}

func (s *Syncer) do(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	v, err, shared := s.group.Do(cycleKey, func() (any, error) {
		s.setSyncing(true)
		defer s.setSyncing(false)
		return fn(ctx)
	})
	if shared {
		s.log.Debug("Ожидание уже выполняющегося цикла")
	}

	res, _ := v.(*Result)
	return res, err
}

func (s *Syncer) runWithRetry(ctx context.Context) (*Result, error) {
	cfg := s.queue.Config()

	var res *Result
	var err error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		res, err = s.runCycle(ctx)
		if err == nil && res.IsOffline {
			err = ErrOffline
			res.Success = false
		}
		if res != nil {
			res.Attempts = attempt
		}
		if err == nil {
			return res, nil
		}
		if errors.Is(err, change.ErrUnauthorized) || errors.Is(err, context.Canceled) {
			return res, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		s.log.Warn("Цикл синхронизации не удался, повтор",
			"attempt", attempt,
			"delay", delay,
			sl.Err(err),
		)
		if serr := s.sleep(ctx, delay); serr != nil {
			return res, serr
		}
	}

	if res != nil {
		res.Error = err.Error()
	}
	return res, fmt.Errorf("синхронизация не удалась после %d попыток: %w", cfg.MaxRetries, err)
}

// Start запускает фоновые циклы с периодом Interval
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("Фоновая синхронизация запущена", "interval", s.config.Interval)

	go func() {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.IsSyncing() {
					s.log.Debug("Цикл еще выполняется, тик пропущен")
					continue
				}
				// Stop не прерывает начатый цикл
				if _, err := s.Sync(context.WithoutCancel(ctx)); err != nil {
					s.log.Error("Фоновая синхронизация не удалась", sl.Err(err))
				}
			}
		}
	}()
}

// Stop останавливает фоновые циклы и сбрасывает флаги.
// Выполняющийся сетевой вызов не прерывается.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.log.Info("Фоновая синхронизация остановлена")
	}
	s.isSyncing = false
	s.state = StateIdle
}

// ResetState возвращает оркестратор в исходное состояние, используется в тестах
func (s *Syncer) ResetState() {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOffline = false
	s.forcedOffline = false
	s.lastResult = nil
}

// Snapshot возвращает текущее состояние
func (s *Syncer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:      s.state,
		IsSyncing:  s.isSyncing,
		IsOffline:  s.isOffline,
		Running:    s.cancel != nil,
		LastResult: s.lastResult,
	}
}

// IsSyncing сообщает, выполняется ли цикл
func (s *Syncer) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSyncing
}

// PendingOperations операции, ожидающие повторной отправки
func (s *Syncer) PendingOperations() []*change.PendingOperation {
	return s.queue.Operations()
}

// Conflicts возвращает сохраненные конфликты
func (s *Syncer) Conflicts(ctx context.Context, unresolvedOnly bool) ([]*change.ConflictRecord, error) {
	return s.local.ListConflicts(ctx, unresolvedOnly)
}

// RemoteStatus серверная сводка по устройству
func (s *Syncer) RemoteStatus(ctx context.Context) (*dsync.StatusResponse, error) {
	return s.remote.Status(ctx, s.deviceID)
}

func (s *Syncer) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.log.Debug("Смена состояния", "from", prev, "to", state)
	}
}

func (s *Syncer) setSyncing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSyncing = v
}

func (s *Syncer) isForcedOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forcedOffline
}

func (s *Syncer) finish(res *Result, offline bool) {
	s.mu.Lock()
	s.lastResult = res
	s.isOffline = offline
	s.mu.Unlock()

	s.setState(StateIdle)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
