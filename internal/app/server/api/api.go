// Удаленный API синхронизации clinsync.
//
// GET    /api/v1/health                                   # Состояние сервиса (публичный)
// POST   /api/v1/auth/register                            # Регистрация (публичный)
// POST   /api/v1/auth/login                               # Логин (публичный)
// POST   /api/v1/sync/pull                                # Изменения других устройств (auth)
// POST   /api/v1/sync/push                                # Отправка изменений устройства (auth)
// GET    /api/v1/sync/status                              # Статус синхронизации (auth)
// GET    /api/v1/sync/metadata                            # Метаданные синхронизации (auth)
// PUT    /api/v1/sync/metadata                            # Сохранить метаданные (auth)
// GET    /api/v1/sync/conflicts                           # Неразрешенные конфликты (auth)
// POST   /api/v1/sync/conflicts/{id}/resolve              # Разрешить конфликт (auth)
// GET    /api/v1/collections/{collection}/entities        # Найти сущности (auth)
// POST   /api/v1/collections/{collection}/entities        # Создать сущность (auth)
// PATCH  /api/v1/collections/{collection}/entities        # Обновить сущности (auth)
// DELETE /api/v1/collections/{collection}/entities        # Удалить сущности (auth)
package api

import (
	entityAPI "clinsync/internal/app/server/api/http/entity"
	healthAPI "clinsync/internal/app/server/api/http/health"
	"clinsync/internal/app/server/api/http/middleware"
	"clinsync/internal/app/server/api/http/middleware/auth"
	"clinsync/internal/app/server/api/http/middleware/logger"
	syncAPI "clinsync/internal/app/server/api/http/sync"
	userAPI "clinsync/internal/app/server/api/http/user"
	"clinsync/internal/app/server/config"
	"clinsync/internal/domain/session"
	"clinsync/internal/domain/sync"
	"clinsync/internal/domain/user"
	"clinsync/internal/infrastructure/storage/postgres"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

type Handlers struct {
	Health *healthAPI.Handler
	User   *userAPI.Handler
	Sync   *syncAPI.Handler
	Entity *entityAPI.Handler
}

// Services сервисы домена, из которых собираются обработчики
type Services struct {
	Users    user.Servicer
	Sessions session.Servicer
	Sync     sync.Servicer
	DB       healthAPI.Pinger
}

// New создает *chi.Mux с ВСЕМИ операциями через huma.Register
func New(storage *postgres.Storage, cfg *config.Config, log *slog.Logger) *chi.Mux {
	sessionRepo := postgres.NewSessionRepository(storage, log)
	userRepo := postgres.NewUserRepository(storage.Pool(), log)
	syncRepo := postgres.NewSyncRepository(storage.Pool(), log)

	syncConfig := sync.DefaultServiceConfig()
	syncConfig.ConflictWindow = cfg.Sync.ConflictWindow
	syncConfig.PullLimit = cfg.Sync.PullLimit

	return NewWithServices(Services{
		Users:    user.NewService(userRepo, nil, log),
		Sessions: session.NewService(sessionRepo, log, cfg.Session.TTL),
		Sync:     sync.NewService(syncRepo, log, syncConfig),
		DB:       storage.Pool(),
	}, log)
}

// NewWithServices собирает роутер из готовых сервисов
func NewWithServices(services Services, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()

	humaConfig := huma.DefaultConfig("clinsync API", "1.0.0")
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer"},
	}

	API := humachi.New(mux, humaConfig)

	h := handlers(services, log)
	h.Health.SetupRoutes(API)
	h.User.SetupRoutes(API)
	h.Sync.SetupRoutes(API)
	h.Entity.SetupRoutes(API)

	return mux
}

func handlers(services Services, log *slog.Logger) *Handlers {
	authMW := auth.New(services.Sessions, log)
	loggerMW := logger.New(log)
	middlewares := middleware.NewContainer()

	healthHandler := healthAPI.NewHandler(log, services.DB, middlewares.Add(loggerMW.Middleware()).GetAllAndClear())

	userHandler := userAPI.NewHandler(services.Users, services.Sessions, log,
		middlewares.Add(loggerMW.Middleware()).GetAllAndClear())

	syncHandler := syncAPI.NewHandler(services.Sync, log,
		middlewares.Add(loggerMW.Middleware(), authMW.Middleware()).GetAllAndClear())

	entityHandler := entityAPI.NewHandler(services.Sync, log,
		middlewares.Add(loggerMW.Middleware(), authMW.Middleware()).GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		User:   userHandler,
		Sync:   syncHandler,
		Entity: entityHandler,
	}
}
