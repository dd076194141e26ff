package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/exp/slog"
)

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Create(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockSessions) Validate(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

type whoamiOutput struct {
	Body struct {
		UserID string `json:"userId"`
	}
}

func TestAuth_Middleware(t *testing.T) {
	sessions := new(MockSessions)
	sessions.On("Validate", mock.Anything, "good").Return("user-1", nil)
	sessions.On("Validate", mock.Anything, "expired").Return("", errors.New("invalid session"))

	_, api := humatest.New(t)
	a := New(sessions, slog.Default())
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/whoami",
		Middlewares: huma.Middlewares{a.Middleware()},
	}, func(ctx context.Context, _ *struct{}) (*whoamiOutput, error) {
		out := &whoamiOutput{}
		out.Body.UserID, _ = GetUserID(ctx)
		return out, nil
	})

	tests := []struct {
		name     string
		header   []any
		wantCode int
		wantBody string
	}{
		{name: "no header", wantCode: http.StatusUnauthorized, wantBody: "Unauthorized"},
		{name: "wrong scheme", header: []any{"Authorization: Basic abc"}, wantCode: http.StatusUnauthorized},
		{name: "expired token", header: []any{"Authorization: Bearer expired"}, wantCode: http.StatusUnauthorized},
		{name: "valid token", header: []any{"Authorization: Bearer good"}, wantCode: http.StatusOK, wantBody: "user-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.Get("/whoami", tt.header...)

			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.wantBody != "" {
				assert.Contains(t, resp.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestGetUserID(t *testing.T) {
	_, ok := GetUserID(context.Background())
	assert.False(t, ok)

	_, ok = GetUserID(WithUserID(context.Background(), ""))
	assert.False(t, ok)

	userID, ok := GetUserID(WithUserID(context.Background(), "user-1"))
	assert.True(t, ok)
	assert.Equal(t, "user-1", userID)
}
