package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// MockRepository is a mock implementation of the Repository interface for testing
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, userID string, tokenHash string, expiresAt time.Time) error {
	args := m.Called(ctx, userID, tokenHash, expiresAt)
	return args.Error(0)
}

func (m *MockRepository) Validate(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	args := m.Called(ctx, tokenHash, now)
	return args.String(0), args.Error(1)
}

func (m *MockRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func newTestService(repo Repository, now time.Time) *Service {
	s := NewService(repo, slog.Default(), time.Hour)
	s.now = func() time.Time { return now }
	return s
}

func TestService_Create(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mockRepo := new(MockRepository)
	service := newTestService(mockRepo, now)

	var savedHash string
	mockRepo.On("Create", mock.Anything, "user-1", mock.MatchedBy(func(hash string) bool {
		savedHash = hash
		return len(hash) == 64
	}), now.Add(time.Hour)).Return(nil)

	token, err := service.Create(context.Background(), "user-1")

	require.NoError(t, err)
	// base64 от 32 байт с паддингом
	assert.Len(t, token, 44)
	assert.Equal(t, hashToken(token), savedHash)
	assert.NotEqual(t, token, savedHash)
	mockRepo.AssertExpectations(t)
}

func TestService_Create_RepositoryError(t *testing.T) {
	mockRepo := new(MockRepository)
	service := newTestService(mockRepo, time.Now())

	mockRepo.On("Create", mock.Anything, "user-1", mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).Return(errors.New("database error"))

	_, err := service.Create(context.Background(), "user-1")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database error")
}

func TestService_Validate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		token   string
		repoID  string
		repoErr error
		wantID  string
		wantErr bool
	}{
		{name: "valid token", token: "token-a", repoID: "user-1", wantID: "user-1"},
		{name: "expired or unknown", token: "token-b", repoErr: errors.New("no rows"), wantErr: true},
		{name: "empty token", token: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := new(MockRepository)
			service := newTestService(mockRepo, now)
			if tt.token != "" {
				mockRepo.On("Validate", mock.Anything, hashToken(tt.token), now).Return(tt.repoID, tt.repoErr)
			}

			userID, err := service.Validate(context.Background(), tt.token)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSession)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, userID)
		})
	}
}

func TestService_Cleanup(t *testing.T) {
	now := time.Now()
	mockRepo := new(MockRepository)
	service := newTestService(mockRepo, now)

	mockRepo.On("DeleteExpired", mock.Anything, now).Return(int64(2), nil)

	service.Cleanup(context.Background())

	mockRepo.AssertExpectations(t)
}
