package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"
	"clinsync/internal/utils/logger/sl"

	"golang.org/x/exp/slog"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "clinsync-client/1.0"
	deviceHeader   = "X-Device-ID"
)

// Client удаленное хранилище за API синхронизации
type Client struct {
	client   *http.Client
	log      *slog.Logger
	baseURL  string
	deviceID string
	userID   string
	token    string
}

// New создает клиента API. baseURL вида http://host:port
func New(baseURL, deviceID string, log *slog.Logger) *Client {
	return &Client{
		client: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		log:      log.With(slog.String("component", "remote")),
		baseURL:  baseURL,
		deviceID: deviceID,
	}
}

// BaseURL собирает адрес сервера с учетом TLS
func BaseURL(address string, tls bool) string {
	if tls {
		return "https://" + address
	}
	return "http://" + address
}

// SetToken устанавливает токен аутентификации
func (c *Client) SetToken(token string) {
	c.token = token
}

// SetUserID устанавливает владельца изменений
func (c *Client) SetUserID(userID string) {
	c.userID = userID
}

// HealthCheck проверяет доступность сервера
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

// Register регистрирует пользователя и возвращает его id
func (c *Client) Register(ctx context.Context, login, password string) (string, error) {
	var resp struct {
		UserID string `json:"userId"`
	}
	body := map[string]string{"login": login, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/register", body, &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Login выполняет вход и запоминает токен
func (c *Client) Login(ctx context.Context, login, password string) (token, userID string, err error) {
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	body := map[string]string{"login": login, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &resp); err != nil {
		return "", "", err
	}

	c.token = resp.Token
	c.userID = resp.UserID
	return resp.Token, resp.UserID, nil
}

// Pull получает изменения других устройств после курсора
func (c *Client) Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, error) {
	req.UserID = c.userID
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}

	var resp sync.PullResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push отправляет пакет изменений одним запросом
func (c *Client) Push(ctx context.Context, req sync.PushRequest) (*sync.PushResponse, error) {
	req.UserID = c.userID
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}

	var resp sync.PushResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status возвращает серверную сводку по устройству
func (c *Client) Status(ctx context.Context, deviceID string) (*sync.StatusResponse, error) {
	var resp sync.StatusResponse
	path := "/api/v1/sync/status?" + url.Values{"deviceId": {deviceID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConflicts возвращает неразрешенные серверные конфликты
func (c *Client) ListConflicts(ctx context.Context) ([]*change.ConflictRecord, error) {
	var resp sync.ConflictsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync/conflicts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ResolveConflict отправляет решение по серверному конфликту
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, req sync.ResolveConflictRequest) (*change.ConflictRecord, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}

	var resp sync.ResolveConflictResponse
	path := "/api/v1/sync/conflicts/" + url.PathEscape(conflictID) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetChangesSince выбирает все страницы изменений других устройств после курсора сервера
func (c *Client) GetChangesSince(ctx context.Context, since time.Time) ([]*change.Record, error) {
	var all []*change.Record
	for {
		resp, err := c.Pull(ctx, sync.PullRequest{DeviceID: c.deviceID, Since: since})
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Changes...)
		if !resp.HasMore || !resp.ServerTime.After(since) {
			return all, nil
		}
		since = resp.ServerTime
	}
}

// GetSyncMetadata возвращает серверные метаданные пользователя
func (c *Client) GetSyncMetadata(ctx context.Context) (*change.SyncMetadata, error) {
	var resp sync.MetadataResponse
	path := "/api/v1/sync/metadata?" + url.Values{"deviceId": {c.deviceID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return change.NewSyncMetadata(c.userID, c.deviceID), nil
	}
	return resp.Data, nil
}

// UpdateSyncMetadata сохраняет метаданные на сервере
func (c *Client) UpdateSyncMetadata(ctx context.Context, meta *change.SyncMetadata) error {
	return c.do(ctx, http.MethodPut, "/api/v1/sync/metadata", meta, nil)
}

// Find ищет сущности коллекции на сервере
func (c *Client) Find(ctx context.Context, collection string, q change.Query) ([]change.Entity, error) {
	params, err := queryParams(q)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}

	var resp sync.EntitiesResponse
	if err := c.do(ctx, http.MethodGet, entitiesPath(collection, params), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Create создает сущность на сервере
func (c *Client) Create(ctx context.Context, collection string, e change.Entity) (*change.Record, error) {
	var resp sync.MutationResponse
	body := map[string]any{"entity": e}
	if err := c.do(ctx, http.MethodPost, entitiesPath(collection, nil), body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Changes) == 0 {
		return nil, fmt.Errorf("%w: пустой ответ на создание", change.ErrRejected)
	}
	return resp.Changes[0], nil
}

// Update применяет патч к сущностям на сервере
func (c *Client) Update(ctx context.Context, collection string, q change.Query, patch map[string]any) ([]*change.Record, error) {
	var resp sync.MutationResponse
	body := map[string]any{"query": q, "patch": patch}
	if err := c.do(ctx, http.MethodPatch, entitiesPath(collection, nil), body, &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// Delete удаляет сущности на сервере
func (c *Client) Delete(ctx context.Context, collection string, q change.Query) ([]*change.Record, error) {
	params, err := queryParams(q)
	if err != nil {
		return nil, err
	}

	var resp sync.MutationResponse
	if err := c.do(ctx, http.MethodDelete, entitiesPath(collection, params), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

func entitiesPath(collection string, params url.Values) string {
	path := "/api/v1/collections/" + url.PathEscape(collection) + "/entities"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return path
}

func queryParams(q change.Query) (url.Values, error) {
	params := url.Values{}
	if q.ID != "" {
		params.Set("id", q.ID)
	}
	if len(q.Where) > 0 {
		where, err := json.Marshal(q.Where)
		if err != nil {
			return nil, fmt.Errorf("ошибка маршалинга фильтра: %w", err)
		}
		params.Set("where", string(where))
	}
	return params, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка маршалинга тела запроса: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.deviceID != "" {
		req.Header.Set(deviceHeader, c.deviceID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Debug("Отправка запроса", "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", change.ErrTransient, err)
	}
	defer resp.Body.Close()

	return c.parseResponse(resp, result)
}

func (c *Client) parseResponse(resp *http.Response, result any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: ошибка чтения ответа: %v", change.ErrTransient, err)
	}

	c.log.Debug("Получен ответ", "status", resp.StatusCode, "size", len(raw))

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, serverMessage(raw))
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			c.log.Warn("Не удалось разобрать ответ сервера", sl.Err(err))
			return fmt.Errorf("%w: ошибка парсинга ответа: %v", change.ErrTransient, err)
		}
	}
	return nil
}

// statusError переводит HTTP статус в таксономию ошибок синхронизации
func statusError(code int, msg string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", change.ErrUnauthorized, msg)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: статус %d: %s", change.ErrTransient, code, msg)
	default:
		return fmt.Errorf("%w: статус %d: %s", change.ErrRejected, code, msg)
	}
}

func serverMessage(raw []byte) string {
	var errResp struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &errResp); err == nil {
		if errResp.Error != "" {
			return errResp.Error
		}
		if errResp.Detail != "" {
			return errResp.Detail
		}
	}
	return "нет описания"
}
