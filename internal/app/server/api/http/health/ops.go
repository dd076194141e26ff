package health

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) healthCheckOp() huma.Operation {
	return huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/v1/health",
		Summary:     "Service and database health",
		Description: "Reports whether the sync server is up and its PostgreSQL pool answers a ping. " +
			"Clients use it to decide between online and offline mode.",
		Tags: []string{"health"},
		Responses: map[string]*huma.Response{
			"503": {Description: "Database unavailable"},
		},
		Middlewares: h.middleware,
	}
}
