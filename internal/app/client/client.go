package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"clinsync/internal/app/client/config"
	"clinsync/internal/app/client/crypto"
	"clinsync/internal/app/client/migrator"
	"clinsync/internal/app/client/queue"
	"clinsync/internal/app/client/remote"
	"clinsync/internal/app/client/rollout"
	"clinsync/internal/app/client/syncer"
	"clinsync/internal/domain/change"
	dsync "clinsync/internal/domain/sync"
	"clinsync/internal/infrastructure/backup"
	"clinsync/internal/infrastructure/storage"
	"clinsync/internal/infrastructure/storage/memory"
	redisstore "clinsync/internal/infrastructure/storage/redis"
	"clinsync/internal/infrastructure/storage/sqlite"
	"clinsync/internal/utils/logger/sl"

	"golang.org/x/exp/slog"
)

// anonymousUser владелец данных до первого входа
const anonymousUser = "local"

var ErrNotAuthenticated = errors.New("требуется вход: clinsync auth login")

// App клиентское приложение устройства
type App struct {
	config   *config.Config
	log      *slog.Logger
	userID   string
	local    storage.Local
	remote   *remote.Client
	sessions *crypto.SessionStore
	session  *crypto.Session
	queue    *queue.Queue
	syncer   *syncer.Syncer
	migrator *migrator.Migrator
	rollout  *rollout.Controller
	closers  []io.Closer

	backupPassword string

	cancel context.CancelFunc
	mu     gosync.RWMutex
}

// New собирает приложение: локальное хранилище, клиент сервера, очередь,
// оркестратор синхронизации, мигратор и контроллер rollout
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	sessions := crypto.NewSessionStore(cfg.SessionPath)
	session, err := sessions.Load()
	if err != nil && !errors.Is(err, crypto.ErrNoSession) {
		log.Warn("Не удалось загрузить сессию", sl.Err(err))
	}

	userID := cfg.UserID
	if userID == "" && session != nil {
		userID = session.UserID
	}
	if userID == "" {
		userID = anonymousUser
	}

	app := &App{
		config:   cfg,
		log:      log,
		userID:   userID,
		sessions: sessions,
		session:  session,
	}

	sqliteStore, err := sqlite.New(cfg.DataPath, userID, cfg.DeviceID)
	if err != nil {
		log.Warn("Не удалось инициализировать SQLite, используем память", sl.Err(err))
		app.local = memory.New(userID, cfg.DeviceID)
	} else {
		app.local = sqliteStore
	}
	app.closers = append(app.closers, app.local)

	app.remote = remote.New(remote.BaseURL(cfg.ServerAddress, cfg.EnableTLS), cfg.DeviceID, log)
	app.remote.SetUserID(userID)
	if session != nil {
		app.remote.SetToken(session.Token)
		log.Debug("Токен загружен из файла")
	}

	app.queue, err = queue.New(ctx, app.local, cfg.Queue, log)
	if err != nil {
		return nil, app.closeWith(fmt.Errorf("ошибка инициализации очереди: %w", err))
	}

	app.syncer, err = syncer.New(app.local, app.remote, app.queue, cfg.Sync, userID, cfg.DeviceID, log)
	if err != nil {
		return nil, app.closeWith(err)
	}

	app.migrator, err = migrator.New(app.local, app.remote, crypto.NewAESEncryptor(crypto.DefaultKeyParams()),
		cfg.Migration, userID, cfg.DeviceID, log)
	if err != nil {
		return nil, app.closeWith(err)
	}
	if cfg.Backup.Enabled() {
		archive, err := backup.New(cfg.Backup, log)
		if err != nil {
			return nil, app.closeWith(err)
		}
		app.migrator.SetArchive(archive)
	}

	app.rollout, err = rollout.New(cfg.Rollout, app.rolloutState(), app.local, app.runMigration, log)
	if err != nil {
		return nil, app.closeWith(err)
	}

	return app, nil
}

// rolloutState общее состояние в Redis, если он настроен и доступен
func (a *App) rolloutState() rollout.StateStore {
	if a.config.RedisURL == "" {
		return rollout.NewMemoryState()
	}

	store, err := redisstore.New(a.config.RedisURL)
	if err != nil {
		a.log.Warn("Redis недоступен, состояние rollout хранится в памяти", sl.Err(err))
		return rollout.NewMemoryState()
	}
	a.closers = append(a.closers, store)
	return store
}

// Run запускает фоновую синхронизацию и разбор очереди миграций до сигнала завершения
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	go a.handleSignals()

	a.syncer.Start(ctx)
	if err := a.rollout.Start(ctx); err != nil {
		a.syncer.Stop()
		return err
	}

	a.log.Info("Клиент запущен",
		"server", a.config.ServerAddress,
		"env", a.config.Env,
		"device_id", a.config.DeviceID,
	)

	<-ctx.Done()
	a.Shutdown()
	return nil
}

func (a *App) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	a.log.Info("Получен сигнал завершения", "signal", sig.String())

	if a.cancel != nil {
		a.cancel()
	}
}

// Shutdown останавливает фоновые задачи
func (a *App) Shutdown() {
	a.log.Info("Завершение работы клиента...")

	if a.cancel != nil {
		a.cancel()
	}
	a.syncer.Stop()
	a.rollout.Stop()

	a.log.Info("Клиент завершил работу")
}

// Close освобождает хранилища
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) closeWith(err error) error {
	if cerr := a.Close(); cerr != nil {
		a.log.Warn("Ошибка закрытия хранилищ", sl.Err(cerr))
	}
	return err
}

// UserID владелец данных устройства
func (a *App) UserID() string {
	return a.userID
}

// DeviceID идентификатор устройства
func (a *App) DeviceID() string {
	return a.config.DeviceID
}

// IsAuthenticated проверяет, выполнен ли вход
func (a *App) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session != nil
}

// CheckConnection проверяет доступность сервера
func (a *App) CheckConnection(ctx context.Context) error {
	return a.remote.HealthCheck(ctx)
}

// Register регистрирует пользователя на сервере
func (a *App) Register(ctx context.Context, login, password string) (string, error) {
	return a.remote.Register(ctx, login, password)
}

// Login выполняет вход и сохраняет сессию. Новый владелец данных
// применяется при следующем запуске клиента.
func (a *App) Login(ctx context.Context, login, password string) (*crypto.Session, error) {
	token, userID, err := a.remote.Login(ctx, login, password)
	if err != nil {
		return nil, err
	}

	session := &crypto.Session{
		Token:     token,
		UserID:    userID,
		Login:     login,
		CreatedAt: time.Now(),
	}
	if err := a.sessions.Save(session); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.log.Info("Вход выполнен", "login", login, "user_id", userID)
	return session, nil
}

// Logout удаляет сессию
func (a *App) Logout() error {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	a.remote.SetToken("")
	return a.sessions.Clear()
}

// PutEntity создает сущность или применяет патч к существующей
func (a *App) PutEntity(ctx context.Context, collection, id string, data map[string]any) ([]*change.Record, error) {
	if id != "" {
		existing, err := a.local.Find(ctx, collection, change.ByID(id))
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return a.local.Update(ctx, collection, change.ByID(id), data)
		}
	}

	rec, err := a.local.Create(ctx, collection, change.Entity{ID: id, Data: data})
	if err != nil {
		return nil, err
	}
	return []*change.Record{rec}, nil
}

// ListEntities возвращает сущности коллекции
func (a *App) ListEntities(ctx context.Context, collection string, q change.Query) ([]change.Entity, error) {
	return a.local.Find(ctx, collection, q)
}

// DeleteEntity удаляет сущность
func (a *App) DeleteEntity(ctx context.Context, collection, id string) ([]*change.Record, error) {
	recs, err := a.local.Delete(ctx, collection, change.ByID(id))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", change.ErrNotFound, collection, id)
	}
	return recs, nil
}

// Sync выполняет цикл синхронизации, force повторяет его при неудаче
func (a *App) Sync(ctx context.Context, force bool) (*syncer.Result, error) {
	if !a.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if force {
		return a.syncer.ForceSync(ctx)
	}
	return a.syncer.Sync(ctx)
}

// StatusReport сводка синхронизации устройства
type StatusReport struct {
	Syncer     syncer.Snapshot            `json:"syncer"`
	Metadata   *change.SyncMetadata       `json:"metadata"`
	Pending    []*change.PendingOperation `json:"pending"`
	Conflicts  int                        `json:"unresolvedConflicts"`
	Remote     *dsync.StatusResponse      `json:"remote,omitempty"`
	RemoteErr  string                     `json:"remoteError,omitempty"`
	Authorized bool                       `json:"authorized"`
}

// Status собирает локальную и серверную сводку
func (a *App) Status(ctx context.Context) (*StatusReport, error) {
	meta, err := a.local.GetSyncMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения метаданных: %w", err)
	}
	conflicts, err := a.syncer.Conflicts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфликтов: %w", err)
	}

	report := &StatusReport{
		Syncer:     a.syncer.Snapshot(),
		Metadata:   meta,
		Pending:    a.syncer.PendingOperations(),
		Conflicts:  len(conflicts),
		Authorized: a.IsAuthenticated(),
	}

	if report.Authorized {
		remoteStatus, err := a.syncer.RemoteStatus(ctx)
		if err != nil {
			report.RemoteErr = err.Error()
		} else {
			report.Remote = remoteStatus
		}
	}
	return report, nil
}

// Conflicts возвращает конфликты, all включает разрешенные
func (a *App) Conflicts(ctx context.Context, all bool) ([]*change.ConflictRecord, error) {
	return a.syncer.Conflicts(ctx, !all)
}

// ResolveConflict применяет решение пользователя
func (a *App) ResolveConflict(ctx context.Context, id string, choice change.Choice, value map[string]any) (*change.ConflictRecord, error) {
	if err := choice.Validate(); err != nil {
		return nil, err
	}
	return a.syncer.ResolveConflict(ctx, id, choice, value)
}

// Migrate переносит локальные данные на сервер
func (a *App) Migrate(ctx context.Context, password string) (*migrator.Report, error) {
	if !a.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	return a.migrator.Run(ctx, password)
}

// RollbackMigration восстанавливает данные из резервной копии
func (a *App) RollbackMigration(ctx context.Context, backupID, password string) error {
	return a.migrator.Rollback(ctx, backupID, password)
}

// MigrationStatus статус миграции владельца устройства
func (a *App) MigrationStatus(ctx context.Context) (*change.MigrationStatus, error) {
	return a.migrator.Status(ctx)
}

// RolloutCheck решение rollout для пользователя
func (a *App) RolloutCheck(ctx context.Context, userID string) (rollout.Decision, error) {
	return a.rollout.Check(ctx, userID)
}

// RolloutEnqueue ставит пользователя в очередь миграции
func (a *App) RolloutEnqueue(ctx context.Context, userID string, priority int) (rollout.Decision, error) {
	return a.rollout.Enqueue(ctx, userID, priority)
}

// RolloutDrain разбирает очередь один раз и дожидается запущенных миграций
func (a *App) RolloutDrain(ctx context.Context, password string) (int, error) {
	a.mu.Lock()
	a.backupPassword = password
	a.mu.Unlock()

	if err := a.rollout.Restore(ctx); err != nil {
		return 0, err
	}
	started, err := a.rollout.Drain(ctx)
	a.rollout.Wait()
	return started, err
}

// RolloutPending запросы в очереди миграции
func (a *App) RolloutPending() []change.MigrationRequest {
	return a.rollout.Pending()
}

// runMigration запускает мигратор для владельца устройства.
// Данные других пользователей на устройстве отсутствуют.
func (a *App) runMigration(ctx context.Context, userID string) error {
	if userID != a.userID {
		return fmt.Errorf("миграция пользователя %s недоступна на устройстве пользователя %s", userID, a.userID)
	}

	a.mu.RLock()
	password := a.backupPassword
	a.mu.RUnlock()

	report, err := a.migrator.Run(ctx, password)
	if err != nil {
		return err
	}
	a.log.Info("Миграция по rollout завершена", "migrated", report.Migrated, "skipped", report.Skipped)
	return nil
}
