package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const sessionPermissions = 0600

var ErrNoSession = errors.New("сессия не найдена")

// Session данные входа устройства: bearer токен сервера и владелец
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Login     string    `json:"login"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStore хранит сессию в файле с правами 0600
type SessionStore struct {
	path string
}

// NewSessionStore создает хранилище сессии по пути к файлу
func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// Save сохраняет сессию
func (s *SessionStore) Save(session *Session) error {
	if session == nil || session.Token == "" {
		return fmt.Errorf("пустая сессия")
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации сессии: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("ошибка создания директории сессии: %w", err)
	}
	if err := os.WriteFile(s.path, data, sessionPermissions); err != nil {
		return fmt.Errorf("ошибка сохранения сессии: %w", err)
	}
	return nil
}

// Load загружает сессию, ErrNoSession если входа не было
func (s *SessionStore) Load() (*Session, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сессии: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		// Сессия повреждена, удаляем её
		_ = os.Remove(s.path)
		return nil, fmt.Errorf("ошибка декодирования сессии: %w", err)
	}
	if session.Token == "" {
		return nil, ErrNoSession
	}
	return &session, nil
}

// Clear удаляет файл сессии
func (s *SessionStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления сессии: %w", err)
	}
	return nil
}
