package entity

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

const entitiesPath = "/api/v1/collections/{collection}/entities"

var security = []map[string][]string{{"bearer": {}}}

func (h *Handler) findOp() huma.Operation {
	return huma.Operation{
		OperationID: "entities-find",
		Method:      http.MethodGet,
		Path:        entitiesPath,
		Summary:     "Найти сущности коллекции",
		Tags:        []string{"entities"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) createOp() huma.Operation {
	return huma.Operation{
		OperationID:   "entities-create",
		Method:        http.MethodPost,
		Path:          entitiesPath,
		Summary:       "Создать сущность",
		Description:   "Записывает сущность и добавляет запись в журнал изменений",
		Tags:          []string{"entities"},
		Security:      security,
		DefaultStatus: http.StatusCreated,
		Middlewares:   h.middleware,
	}
}

func (h *Handler) updateOp() huma.Operation {
	return huma.Operation{
		OperationID: "entities-update",
		Method:      http.MethodPatch,
		Path:        entitiesPath,
		Summary:     "Обновить сущности по фильтру",
		Tags:        []string{"entities"},
		Security:    security,
		Middlewares: h.middleware,
	}
}

func (h *Handler) deleteOp() huma.Operation {
	return huma.Operation{
		OperationID: "entities-delete",
		Method:      http.MethodDelete,
		Path:        entitiesPath,
		Summary:     "Удалить сущности по фильтру",
		Tags:        []string{"entities"},
		Security:    security,
		Middlewares: h.middleware,
	}
}
