package entity

import (
	"context"
	"net/http"

	syncAPI "clinsync/internal/app/server/api/http/sync"
	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// Handler адаптер коллекций сущностей поверх сервиса синхронизации
type Handler struct {
	service    sync.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service sync.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.findOp(), h.find)
	huma.Register(api, h.createOp(), h.create)
	huma.Register(api, h.updateOp(), h.update)
	huma.Register(api, h.deleteOp(), h.delete)
}

func (h *Handler) find(ctx context.Context, input *findInput) (*findOutput, error) {
	q, err := parseQuery(input.ID, input.Where, input.Limit)
	if err == nil {
		var response *sync.EntitiesResponse
		response, err = h.service.FindEntities(ctx, input.Collection, q)
		if err == nil {
			return &findOutput{Status: http.StatusOK, Body: *response}, nil
		}
	}

	return &findOutput{
		Status: h.status(err),
		Body:   sync.EntitiesResponse{Status: "Error", Error: err.Error()},
	}, nil
}

func (h *Handler) create(ctx context.Context, input *createInput) (*mutationOutput, error) {
	entity := input.Body.Entity
	return h.mutate(ctx, input.Collection, change.OperationCreate, sync.MutationRequest{
		DeviceID: input.DeviceID,
		Entity:   &entity,
	}, http.StatusCreated)
}

func (h *Handler) update(ctx context.Context, input *updateInput) (*mutationOutput, error) {
	return h.mutate(ctx, input.Collection, change.OperationUpdate, sync.MutationRequest{
		DeviceID: input.DeviceID,
		Query:    input.Body.Query,
		Patch:    input.Body.Patch,
	}, http.StatusOK)
}

func (h *Handler) delete(ctx context.Context, input *deleteInput) (*mutationOutput, error) {
	q, err := parseQuery(input.ID, input.Where, 0)
	if err != nil {
		return &mutationOutput{
			Status: h.status(err),
			Body:   sync.MutationResponse{Status: "Error", Error: err.Error()},
		}, nil
	}
	return h.mutate(ctx, input.Collection, change.OperationDelete, sync.MutationRequest{
		DeviceID: input.DeviceID,
		Query:    q,
	}, http.StatusOK)
}

func (h *Handler) mutate(ctx context.Context, collection string, op change.Operation, req sync.MutationRequest, okStatus int) (*mutationOutput, error) {
	response, err := h.service.MutateEntities(ctx, collection, op, req)
	if err != nil {
		return &mutationOutput{
			Status: h.status(err),
			Body:   sync.MutationResponse{Status: "Error", Error: err.Error()},
		}, nil
	}

	return &mutationOutput{Status: okStatus, Body: *response}, nil
}

func (h *Handler) status(err error) int {
	status := syncAPI.ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Entity request failed", "error", err)
	}
	return status
}
