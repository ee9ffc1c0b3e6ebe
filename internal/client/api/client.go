// Package api реализует HTTP-клиент протокола синхронизации.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/pkg/api"
)

// ClientAPI определяет интерфейс API-клиента для мокирования в тестах.
type ClientAPI interface {
	Health(ctx context.Context) error
	StartSession(ctx context.Context, token string, req api.StartSessionRequest) (*api.SessionResponse, error)
	GetChanges(ctx context.Context, token, sessionID string, entityTypes []string) (*api.ChangesResponse, error)
	ApplyChanges(ctx context.Context, token, sessionID string, req api.ApplyChangesRequest) (*api.ApplyChangesResponse, error)
	ResolveConflicts(ctx context.Context, token string, req api.ResolveConflictsRequest) (*api.ResolveConflictsResponse, error)
	FinalizeSession(ctx context.Context, token, sessionID string) (*api.FinalizeResponse, error)
	Replay(ctx context.Context, req *models.QueuedRequest) error
}

// Client представляет HTTP клиент для взаимодействия с сервером
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient создает новый API клиент
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Настройка обработки редиректов
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Ограничиваем количество редиректов
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// Health проверяет доступность сервера
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/health", "", nil, nil)
}

// StartSession открывает новую sync-сессию
func (c *Client) StartSession(ctx context.Context, token string, req api.StartSessionRequest) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/sync/sessions", token, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("start session request failed: %w", err)
	}
	return &resp, nil
}

// GetChanges запрашивает инкрементальные изменения сессии
func (c *Client) GetChanges(ctx context.Context, token, sessionID string, entityTypes []string) (*api.ChangesResponse, error) {
	path := fmt.Sprintf("/api/v1/sync/sessions/%s/changes", url.PathEscape(sessionID))
	if len(entityTypes) > 0 {
		path += "?entity_types=" + url.QueryEscape(strings.Join(entityTypes, ","))
	}

	var resp api.ChangesResponse
	err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("get changes request failed: %w", err)
	}
	return &resp, nil
}

// ApplyChanges отправляет пакет клиентских изменений
func (c *Client) ApplyChanges(ctx context.Context, token, sessionID string, req api.ApplyChangesRequest) (*api.ApplyChangesResponse, error) {
	path := fmt.Sprintf("/api/v1/sync/sessions/%s/changes", url.PathEscape(sessionID))

	var resp api.ApplyChangesResponse
	err := c.doRequest(ctx, http.MethodPost, path, token, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("apply changes request failed: %w", err)
	}
	return &resp, nil
}

// ResolveConflicts запрашивает разрешение конфликтов
func (c *Client) ResolveConflicts(ctx context.Context, token string, req api.ResolveConflictsRequest) (*api.ResolveConflictsResponse, error) {
	var resp api.ResolveConflictsResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/sync/conflicts/resolve", token, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("resolve conflicts request failed: %w", err)
	}
	return &resp, nil
}

// FinalizeSession финализирует sync-сессию
func (c *Client) FinalizeSession(ctx context.Context, token, sessionID string) (*api.FinalizeResponse, error) {
	path := fmt.Sprintf("/api/v1/sync/sessions/%s/finalize", url.PathEscape(sessionID))

	var resp api.FinalizeResponse
	err := c.doRequest(ctx, http.MethodPost, path, token, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("finalize session request failed: %w", err)
	}
	return &resp, nil
}

// Replay повторяет отложенную мутацию из offline-очереди
// с сохраненными заголовками (включая bearer credential).
func (c *Client) Replay(ctx context.Context, qr *models.QueuedRequest) error {
	var bodyReader io.Reader
	if qr.Payload != nil {
		bodyReader = bytes.NewReader(qr.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, qr.Method, c.baseURL+qr.Target, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create replay request: %w", err)
	}
	for k, v := range qr.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replay request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("replay failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path, token string, body, result interface{}) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Проверяем статус код
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	// Декодируем успешный ответ
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
