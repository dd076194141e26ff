package sync

import (
	"context"
	"errors"
	"net/http"

	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

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
	huma.Register(api, h.pullOp(), h.pull)
	huma.Register(api, h.pushOp(), h.push)
	huma.Register(api, h.statusOp(), h.status)
	huma.Register(api, h.getMetadataOp(), h.getMetadata)
	huma.Register(api, h.updateMetadataOp(), h.updateMetadata)
	huma.Register(api, h.conflictsOp(), h.conflicts)
	huma.Register(api, h.resolveConflictOp(), h.resolveConflict)
}

// ErrorStatus сопоставляет ошибку домена с HTTP-статусом
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, sync.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, sync.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, sync.ErrConflictNotFound), errors.Is(err, change.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrAlreadyResolved), errors.Is(err, sync.ErrCollision):
		return http.StatusConflict
	case errors.Is(err, sync.ErrDeviceRequired),
		errors.Is(err, change.ErrInvalidChange),
		errors.Is(err, change.ErrInvalidChoice),
		errors.Is(err, change.ErrInvalidOperation),
		errors.Is(err, change.ErrInvalidEntityType),
		errors.Is(err, change.ErrUnknownCollection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(op string, err error) (int, string) {
	status := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Sync request failed", "op", op, "error", err)
	}
	return status, err.Error()
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	response, err := h.service.Pull(ctx, input.Body)
	if err != nil {
		status, msg := h.fail("pull", err)
		return &pullOutput{
			Status: status,
			Body:   sync.PullResponse{Status: "Error", Error: msg},
		}, nil
	}

	return &pullOutput{Status: http.StatusOK, Body: *response}, nil
}

func (h *Handler) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	response, err := h.service.Push(ctx, input.Body)
	if err != nil {
		status, msg := h.fail("push", err)
		return &pushOutput{
			Status: status,
			Body:   sync.PushResponse{Status: "Error", Error: msg},
		}, nil
	}

	return &pushOutput{Status: http.StatusOK, Body: *response}, nil
}

func (h *Handler) status(ctx context.Context, input *statusInput) (*statusOutput, error) {
	response, err := h.service.Status(ctx, input.DeviceID)
	if err != nil {
		status, msg := h.fail("status", err)
		return &statusOutput{
			Status: status,
			Body:   sync.StatusResponse{Status: "Error", Error: msg},
		}, nil
	}

	return &statusOutput{Status: http.StatusOK, Body: *response}, nil
}

func (h *Handler) getMetadata(ctx context.Context, _ *getMetadataInput) (*metadataOutput, error) {
	response, err := h.service.GetMetadata(ctx)
	if err != nil {
		status, msg := h.fail("get_metadata", err)
		return &metadataOutput{
			Status: status,
			Body:   sync.MetadataResponse{Status: "Error", Error: msg},
		}, nil
	}

	return &metadataOutput{Status: http.StatusOK, Body: *response}, nil
}

func (h *Handler) updateMetadata(ctx context.Context, input *updateMetadataInput) (*metadataOutput, error) {
	response, err := h.service.UpdateMetadata(ctx, input.Body)
	if err != nil {
		status, msg := h.fail("update_metadata", err)
		return &metadataOutput{
			Status: status,
			Body:   sync.MetadataResponse{Status: "Error", Error: msg},
		}, nil
	}

	return &metadataOutput{Status: http.StatusOK, Body: *response}, nil
}

func (h *Handler) conflicts(ctx context.Context, _ *conflictsInput) (*conflictsOutput, error) {
	response, err := h.service.ListConflicts(ctx)
	if err != nil {
		status, msg := h.fail("conflicts", err)
		return &conflictsOutput{
			Status: status,
			Body:   sync.ConflictsResponse{Status: "Error", Error: msg},
		}, nil
	}

	return &conflictsOutput{Status: http.StatusOK, Body: *response}, nil
}

func (h *Handler) resolveConflict(ctx context.Context, input *resolveConflictInput) (*resolveConflictOutput, error) {
	response, err := h.service.ResolveConflict(ctx, input.ID, input.Body)
	if err != nil {
		status, msg := h.fail("resolve_conflict", err)
		return &resolveConflictOutput{
			Status: status,
			Body:   sync.ResolveConflictResponse{Status: "Error", Error: msg},
		}, nil
	}

	return &resolveConflictOutput{Status: http.StatusOK, Body: *response}, nil
}
