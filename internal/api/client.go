// Package api is the client of the resource API: rooms, queue items, chat
// history and the track catalogue. Every call is a plain JSON request/response.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"listen-room/internal/identity"
	"listen-room/internal/models"
)

const maxErrorBody = 64 << 10

// Client talks to the resource API rooted at BaseURL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   identity.Provider
	logger     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdentity attaches the bearer credential of the current user to requests.
func WithIdentity(p identity.Provider) Option {
	return func(c *Client) { c.identity = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// Rooms
// =============================================================================

func (c *Client) GetRoom(ctx context.Context, code string) (*models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(code), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) CreateRoom(ctx context.Context, req models.CreateRoomRequest) (*models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms/", req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// =============================================================================
// Queue
// =============================================================================

func (c *Client) ListQueue(ctx context.Context, roomID int64) ([]models.QueueItem, error) {
	var items []models.QueueItem
	if err := c.do(ctx, http.MethodGet, "/api/queue/room/"+strconv.FormatInt(roomID, 10), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) AddQueueItem(ctx context.Context, req models.CreateQueueItemRequest) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodPost, "/api/queue/", req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) DeleteQueueItem(ctx context.Context, itemID int64) error {
	return c.do(ctx, http.MethodDelete, "/api/queue/"+strconv.FormatInt(itemID, 10), nil, nil)
}

func (c *Client) MoveQueueItem(ctx context.Context, itemID int64, position int) (*models.QueueItem, error) {
	var item models.QueueItem
	req := models.UpdateQueueItemRequest{Position: position}
	if err := c.do(ctx, http.MethodPut, "/api/queue/"+strconv.FormatInt(itemID, 10), req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// =============================================================================
// Chat
// =============================================================================

func (c *Client) ListMessages(ctx context.Context, roomID int64, limit int) ([]models.ChatMessage, error) {
	path := "/api/chat/room/" + strconv.FormatInt(roomID, 10)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []models.ChatMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) CreateMessage(ctx context.Context, req models.CreateChatMessageRequest) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := c.do(ctx, http.MethodPost, "/api/chat/", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// =============================================================================
// Catalogue
// =============================================================================

func (c *Client) GetTrack(ctx context.Context, musicID int64) (*models.Track, error) {
	var track models.Track
	if err := c.do(ctx, http.MethodGet, "/api/music/"+strconv.FormatInt(musicID, 10), nil, &track); err != nil {
		return nil, err
	}
	return &track, nil
}

func (c *Client) SearchTracks(ctx context.Context, query string) ([]models.Track, error) {
	var tracks []models.Track
	if err := c.do(ctx, http.MethodGet, "/api/music?search="+url.QueryEscape(query), nil, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != nil {
		if user := c.identity.CurrentUser(); user != nil && user.Token != "" {
			req.Header.Set("Authorization", "Bearer "+user.Token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := transportError(ctx, err)
		c.logger.Debug("API request failed", "method", method, "path", path, "kind", apiErr.Kind, "error", err)
		return apiErr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var payload models.ErrorResponse
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			c.logger.Debug("Error body not read", "method", method, "path", path, "status", resp.StatusCode, "error", err)
		} else if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				c.logger.Debug("Error body not decoded", "method", method, "path", path, "status", resp.StatusCode, "error", err)
			}
		}
		apiErr := statusError(resp.StatusCode, payload.Text())
		c.logger.Debug("API request rejected", "method", method, "path", path, "status", resp.StatusCode, "message", apiErr.Message)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
