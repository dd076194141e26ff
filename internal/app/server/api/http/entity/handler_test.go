package entity

import (
	"context"
	"net/http"
	"testing"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type MockService struct {
	mock.Mock
	sync.Servicer
}

func (m *MockService) FindEntities(ctx context.Context, collection string, q change.Query) (*sync.EntitiesResponse, error) {
	args := m.Called(ctx, collection, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sync.EntitiesResponse), args.Error(1)
}

func (m *MockService) MutateEntities(ctx context.Context, collection string, op change.Operation, req sync.MutationRequest) (*sync.MutationResponse, error) {
	args := m.Called(ctx, collection, op, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sync.MutationResponse), args.Error(1)
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		where   string
		limit   int
		want    change.Query
		wantErr bool
	}{
		{name: "empty", want: change.Query{}},
		{name: "id and limit", id: "p1", limit: 5, want: change.Query{ID: "p1", Limit: 5}},
		{name: "where", where: `{"ward":"A"}`, want: change.Query{Where: map[string]any{"ward": "A"}}},
		{name: "broken where", where: `{ward`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseQuery(tt.id, tt.where, tt.limit)
			if tt.wantErr {
				assert.ErrorIs(t, err, change.ErrInvalidChange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_find(t *testing.T) {
	// Arrange
	svc := new(MockService)
	entities := []change.Entity{{ID: "p1", Data: map[string]any{"ward": "A"}, UpdatedAt: time.Now(), Version: 1}}
	svc.On("FindEntities", mock.Anything, change.CollectionPatients, change.Query{Where: map[string]any{"ward": "A"}}).
		Return(&sync.EntitiesResponse{Status: "Ok", Data: entities}, nil)
	h := NewHandler(svc, slog.Default(), huma.Middlewares{})

	// Act
	out, err := h.find(context.Background(), &findInput{Collection: change.CollectionPatients, Where: `{"ward":"A"}`})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, entities, out.Body.Data)
}

func TestHandler_find_BadWhere(t *testing.T) {
	svc := new(MockService)
	h := NewHandler(svc, slog.Default(), huma.Middlewares{})

	out, err := h.find(context.Background(), &findInput{Collection: change.CollectionPatients, Where: "not json"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.Equal(t, "Error", out.Body.Status)
	svc.AssertNotCalled(t, "FindEntities", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_mutations(t *testing.T) {
	rec := change.NewRecord(change.OperationDelete, change.EntityChat, "c1", nil, nil, "user-1", "dev-a", 2, time.Now())

	t.Run("create", func(t *testing.T) {
		svc := new(MockService)
		svc.On("MutateEntities", mock.Anything, change.CollectionChats, change.OperationCreate, mock.MatchedBy(func(req sync.MutationRequest) bool {
			return req.DeviceID == "dev-a" && req.Entity != nil && req.Entity.ID == "c1"
		})).Return(&sync.MutationResponse{Status: "Ok", Changes: []*change.Record{rec}}, nil)
		h := NewHandler(svc, slog.Default(), huma.Middlewares{})

		input := &createInput{Collection: change.CollectionChats, DeviceID: "dev-a"}
		input.Body.Entity = change.Entity{ID: "c1", Data: map[string]any{"title": "t"}}

		out, err := h.create(context.Background(), input)

		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, out.Status)
		assert.Len(t, out.Body.Changes, 1)
	})

	t.Run("delete by id", func(t *testing.T) {
		svc := new(MockService)
		svc.On("MutateEntities", mock.Anything, change.CollectionChats, change.OperationDelete, sync.MutationRequest{
			DeviceID: "dev-a",
			Query:    change.Query{ID: "c1"},
		}).Return(&sync.MutationResponse{Status: "Ok", Changes: []*change.Record{rec}}, nil)
		h := NewHandler(svc, slog.Default(), huma.Middlewares{})

		out, err := h.delete(context.Background(), &deleteInput{Collection: change.CollectionChats, DeviceID: "dev-a", ID: "c1"})

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, out.Status)
		svc.AssertExpectations(t)
	})

	t.Run("unknown collection", func(t *testing.T) {
		svc := new(MockService)
		svc.On("MutateEntities", mock.Anything, "nope", change.OperationUpdate, mock.Anything).
			Return(nil, change.ErrUnknownCollection)
		h := NewHandler(svc, slog.Default(), huma.Middlewares{})

		out, err := h.update(context.Background(), &updateInput{Collection: "nope", DeviceID: "dev-a"})

		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, out.Status)
	})
}
