package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

type Servicer interface {
	Register(ctx context.Context, creds Credentials) (string, error)
	Authenticate(ctx context.Context, creds Credentials) (User, error)
}

type Service struct {
	repo      Repository
	validator Validator
	log       *slog.Logger
}

func NewService(repo Repository, validator Validator, log *slog.Logger) *Service {
	if validator == nil {
		validator = NewPolicyValidator(DefaultPolicy())
	}
	return &Service{
		repo:      repo,
		validator: validator,
		log:       log.With(slog.String("component", "user_service")),
	}
}

// Register создает учетную запись и возвращает ее идентификатор
func (s *Service) Register(ctx context.Context, creds Credentials) (string, error) {
	login := normalizeLogin(creds.Login)
	if err := s.validator.ValidateRegister(login, creds.Password); err != nil {
		s.log.Debug("Registration rejected", "login", login, "error", err)
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	u := User{
		ID:        uuid.NewString(),
		Login:     login,
		Password:  string(hash),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, u); err != nil {
		if errors.Is(err, ErrLoginTaken) {
			return "", err
		}
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	s.log.Info("User registered", "user_id", u.ID)
	return u.ID, nil
}

// Authenticate проверяет пароль пользователя
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	login := normalizeLogin(creds.Login)
	if err := s.validator.ValidateLogin(login); err != nil {
		return User{}, ErrInvalidAuth
	}

	u, err := s.repo.FindByLogin(ctx, login)
	if err != nil {
		// Не раскрываем, существует ли логин
		return User{}, ErrInvalidAuth
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(creds.Password)); err != nil {
		return User{}, ErrInvalidAuth
	}

	return u, nil
}

func normalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
