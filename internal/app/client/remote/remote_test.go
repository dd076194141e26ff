package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"
	"clinsync/internal/infrastructure/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var _ storage.Remote = (*Client)(nil)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL, "dev-a", slog.Default())
	c.SetToken("tok")
	c.SetUserID("u1")
	return c
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Push(t *testing.T) {
	// Arrange
	rec := change.NewRecord(change.OperationCreate, change.EntityPatient, "p1", map[string]any{"name": "Ana"}, nil, "u1", "dev-a", 1, time.Now())

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "dev-a", r.Header.Get(deviceHeader))

		var req sync.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.UserID)
		assert.Equal(t, "dev-a", req.DeviceID)
		require.Len(t, req.Changes, 1)

		writeJSON(w, http.StatusOK, sync.PushResponse{Status: "Ok", ProcessedChangeIDs: []string{req.Changes[0].ID}})
	})

	// Act
	resp, err := c.Push(context.Background(), sync.PushRequest{Changes: []*change.Record{rec}})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, resp.ProcessedChangeIDs)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr error
	}{
		{name: "unauthorized", code: http.StatusUnauthorized, wantErr: change.ErrUnauthorized},
		{name: "forbidden", code: http.StatusForbidden, wantErr: change.ErrUnauthorized},
		{name: "server error", code: http.StatusInternalServerError, wantErr: change.ErrTransient},
		{name: "unavailable", code: http.StatusServiceUnavailable, wantErr: change.ErrTransient},
		{name: "too many requests", code: http.StatusTooManyRequests, wantErr: change.ErrTransient},
		{name: "bad request", code: http.StatusBadRequest, wantErr: change.ErrRejected},
		{name: "not found", code: http.StatusNotFound, wantErr: change.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.code, map[string]string{"status": "Error", "error": "boom"})
			})

			_, err := c.Status(context.Background(), "dev-a")

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestClient_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, "dev-a", slog.Default())

	_, err := c.Pull(context.Background(), sync.PullRequest{})

	assert.ErrorIs(t, err, change.ErrTransient)
}

func TestClient_GetChangesSince_Pages(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := change.NewRecord(change.OperationCreate, change.EntityChat, "c1", nil, nil, "u1", "dev-b", 1, t0)
	second := change.NewRecord(change.OperationCreate, change.EntityChat, "c2", nil, nil, "u1", "dev-b", 1, t0)

	var calls []time.Time
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req sync.PullRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls = append(calls, req.Since)

		if req.Since.IsZero() {
			writeJSON(w, http.StatusOK, sync.PullResponse{Status: "Ok", Changes: []*change.Record{first}, ServerTime: t0, HasMore: true})
			return
		}
		writeJSON(w, http.StatusOK, sync.PullResponse{Status: "Ok", Changes: []*change.Record{second}, ServerTime: t0.Add(time.Second)})
	})

	changes, err := c.GetChangesSince(context.Background(), time.Time{})

	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "c1", changes[0].EntityID)
	assert.Equal(t, "c2", changes[1].EntityID)
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Equal(t0))
}

func TestClient_Entities(t *testing.T) {
	rec := change.NewRecord(change.OperationDelete, change.EntityPatient, "p1", nil, nil, "u1", "dev-a", 2, time.Now())

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/patient_records/entities", r.URL.Path)

		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, `{"ward":"A"}`, r.URL.Query().Get("where"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, sync.EntitiesResponse{Status: "Ok", Data: []change.Entity{{ID: "p1", Version: 1}}})
		case http.MethodDelete:
			assert.Equal(t, "p1", r.URL.Query().Get("id"))
			writeJSON(w, http.StatusOK, sync.MutationResponse{Status: "Ok", Changes: []*change.Record{rec}})
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	entities, err := c.Find(context.Background(), change.CollectionPatients, change.Query{Where: map[string]any{"ward": "A"}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, entities, 1)

	deleted, err := c.Delete(context.Background(), change.CollectionPatients, change.ByID("p1"))
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, rec.ID, deleted[0].ID)
}

func TestClient_Login(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "Ok", "token": "new-token", "userId": "u9"})
	})
	c.SetToken("")

	token, userID, err := c.Login(context.Background(), "doc", "secret")

	require.NoError(t, err)
	assert.Equal(t, "new-token", token)
	assert.Equal(t, "u9", userID)
	assert.Equal(t, "new-token", c.token)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://example.com:8443", BaseURL("example.com:8443", true))
	assert.Equal(t, "http://localhost:8080", BaseURL("localhost:8080", false))
}
