package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/astromitra/consult/internal/chat"
	"github.com/astromitra/consult/internal/media"
	"github.com/astromitra/consult/internal/wallet"
	apperrors "github.com/astromitra/consult/pkg/errors"
	"github.com/astromitra/consult/pkg/logger"
	"github.com/astromitra/consult/pkg/validator"
)

const defaultTimeout = 10 * time.Second

// Client talks to the platform REST backend. Every response is wrapped in a
// success envelope; a false success flag is surfaced as an error carrying the
// server message.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient builds an authenticated REST client.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("api: baseURL is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithModule("api"),
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitiateRequest asks the backend to open a consultation with a consultant.
type InitiateRequest struct {
	CounterpartyID string          `json:"counterparty_id" validate:"required"`
	RatePerMinute  decimal.Decimal `json:"rate_per_minute"`
	MaxSeconds     int             `json:"max_seconds" validate:"gte=0"`
	// Video requests a video call; ignored for chat sessions.
	Video bool `json:"video,omitempty"`
}

func (r InitiateRequest) validate() error {
	if err := validator.ValidateStruct(r); err != nil {
		return err
	}
	if !r.RatePerMinute.IsPositive() {
		return errors.New("api: rate_per_minute must be positive")
	}
	return nil
}

// SessionInfo is the backend's view of a consultation session. Credentials is
// only present for call sessions that have been accepted.
type SessionInfo struct {
	SessionID        string             `json:"session_id"`
	OrderID          string             `json:"order_id,omitempty"`
	Status           string             `json:"status"`
	RemainingSeconds int                `json:"remaining_seconds"`
	Credentials      *media.Credentials `json:"credentials,omitempty"`
}

// InitiateChat opens a new chat consultation.
func (c *Client) InitiateChat(ctx context.Context, req InitiateRequest) (*SessionInfo, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var info SessionInfo
	if err := c.postJSON(ctx, "/sessions/chat", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// InitiateCall opens a new call consultation.
func (c *Client) InitiateCall(ctx context.Context, req InitiateRequest) (*SessionInfo, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var info SessionInfo
	if err := c.postJSON(ctx, "/sessions/call", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ContinueChat re-opens a recently ended chat with the same consultant,
// keeping the existing transcript.
func (c *Client) ContinueChat(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return nil, errors.New("api: sessionID is required")
	}
	var info SessionInfo
	if err := c.postJSON(ctx, "/sessions/"+sessionID+"/continue", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

// CancelSession withdraws a pending request before the consultant responds.
func (c *Client) CancelSession(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return errors.New("api: sessionID is required")
	}
	return c.postJSON(ctx, "/sessions/"+sessionID+"/cancel", reasonBody{Reason: reason}, nil)
}

// EndSession terminates an active session from this side.
func (c *Client) EndSession(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return errors.New("api: sessionID is required")
	}
	return c.postJSON(ctx, "/sessions/"+sessionID+"/end", reasonBody{Reason: reason}, nil)
}

// SyncState fetches the authoritative session state, used to fast-forward a
// freshly reloaded or reconnected client.
func (c *Client) SyncState(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return nil, errors.New("api: sessionID is required")
	}
	var info SessionInfo
	if err := c.getJSON(ctx, "/sessions/"+sessionID+"/sync", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ConversationMessages fetches the canonical transcript for a session.
func (c *Client) ConversationMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if sessionID == "" {
		return nil, errors.New("api: sessionID is required")
	}
	var messages []chat.Message
	if err := c.getJSON(ctx, "/sessions/"+sessionID+"/messages", &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// WalletStats fetches the current wallet figures. Satisfies
// wallet.StatsFetcher.
func (c *Client) WalletStats(ctx context.Context) (*wallet.Stats, error) {
	var stats wallet.Stats
	if err := c.getJSON(ctx, "/wallet/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(err, "api: encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(err, "api: build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, "api: "+method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.ErrAuthRequired
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Wrap(err, "api: read response")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.Wrap(
			fmt.Errorf("status %d: %w", resp.StatusCode, err),
			"api: decode response",
		)
	}

	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		}
		c.log.Debug("backend rejected request",
			zap.String("path", path), zap.String("message", msg))
		return apperrors.New("api.request_failed", msg, apperrors.CategoryTransport)
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.Wrap(err, "api: decode response data")
	}
	return nil
}
