package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

var security = []map[string][]string{{"bearer": {}}}

func (h *Handler) pullOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodPost,
		Path:        "/api/v1/sync/pull",
		Summary:     "Получить изменения других устройств",
		Description: "Возвращает записи журнала, полученные сервером после курсора, кроме изменений запрашивающего устройства",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) pushOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-push",
		Method:      http.MethodPost,
		Path:        "/api/v1/sync/push",
		Summary:     "Отправить изменения устройства",
		Description: "Принимает пакет записей журнала, возвращает подтвержденные идентификаторы и конфликты",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) statusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/sync/status",
		Summary:     "Получить статус синхронизации",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) getMetadataOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-get-metadata",
		Method:      http.MethodGet,
		Path:        "/api/v1/sync/metadata",
		Summary:     "Получить метаданные синхронизации",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) updateMetadataOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-update-metadata",
		Method:      http.MethodPut,
		Path:        "/api/v1/sync/metadata",
		Summary:     "Сохранить метаданные синхронизации",
		Description: "Версия синхронизации на сервере никогда не уменьшается",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) conflictsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-get-conflicts",
		Method:      http.MethodGet,
		Path:        "/api/v1/sync/conflicts",
		Summary:     "Получить конфликты синхронизации",
		Description: "Возвращает список неразрешенных конфликтов",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) resolveConflictOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/api/v1/sync/conflicts/{id}/resolve",
		Summary:     "Разрешить конфликт синхронизации",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: h.middleware,
	}
}
