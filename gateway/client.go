package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memoire-ai/memoire-go-sdk/core"
)

// Client is the thin HTTP wrapper around the Mémoire backend.
// Each method performs exactly one network call, attaches the active
// credential, and normalizes every failure into *APIError.
//
// The client holds no state beyond the active API key. It never
// retries; retry policy belongs to callers.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger

	mu     sync.RWMutex
	apiKey string
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpc = h
	}
}

// New creates a gateway client from the given settings.
func New(settings Settings, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(settings.BaseURL, "/"),
		httpc:   &http.Client{Timeout: settings.Timeout},
		logger:  zap.NewNop(),
		apiKey:  settings.APIKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAPIKey swaps the active credential. An empty key clears it.
// In-flight requests keep the credential they captured at dispatch.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

// Register creates a new user. The returned API key is issued exactly
// once; the backend stores only its hash afterwards. Registration is
// the one unauthenticated call.
func (c *Client) Register(ctx context.Context) (core.Credentials, error) {
	var creds core.Credentials
	err := c.do(ctx, http.MethodPost, "/v1/users", struct{}{}, &creds)
	return creds, err
}

// OpenSession creates a conversation session for the user.
func (c *Client) OpenSession(ctx context.Context, userID string) (core.Session, error) {
	req := struct {
		UserID string `json:"user_id"`
	}{UserID: userID}
	var sess core.Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &sess)
	return sess, err
}

// SubmitMessage ingests one chat message. When the message schedules a
// background extraction job, the receipt carries its job id.
func (c *Client) SubmitMessage(ctx context.Context, userID, sessionID, role, content string) (core.IngestReceipt, error) {
	req := struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}{UserID: userID, SessionID: sessionID, Role: role, Content: content}
	var receipt core.IngestReceipt
	err := c.do(ctx, http.MethodPost, "/v1/ingest", req, &receipt)
	return receipt, err
}

// History fetches the last limit messages of a session in
// chronological order. A limit of zero asks for the backend default.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]core.Message, error) {
	path := "/v1/history/" + sessionID
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Messages []core.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Recall runs a semantic search over the user's facts.
func (c *Client) Recall(ctx context.Context, userID, query string, opts core.RecallOptions) ([]core.Fact, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = 5
	}
	req := struct {
		UserID            string   `json:"user_id"`
		Query             string   `json:"query"`
		Limit             int      `json:"limit"`
		IncludeHistorical bool     `json:"include_historical"`
		CurrentViewOnly   bool     `json:"current_view_only"`
		Categories        []string `json:"categories,omitempty"`
		MaxAgeDays        int      `json:"max_age_days,omitempty"`
	}{
		UserID:            userID,
		Query:             query,
		Limit:             limit,
		IncludeHistorical: opts.IncludeHistorical,
		CurrentViewOnly:   opts.CurrentViewOnly,
		Categories:        opts.Categories,
		MaxAgeDays:        opts.MaxAgeDays,
	}
	var resp struct {
		RelevantFacts []core.Fact `json:"relevant_facts"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/recall", req, &resp); err != nil {
		return nil, err
	}
	return resp.RelevantFacts, nil
}

// Facts fetches the full fact snapshot for a user.
func (c *Client) Facts(ctx context.Context, userID string) ([]core.Fact, error) {
	var resp struct {
		Facts []core.Fact `json:"facts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/facts/"+userID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Facts, nil
}

// EssentialFacts fetches the user's "conscious memory": the always-
// relevant facts the backend has promoted to essential.
func (c *Client) EssentialFacts(ctx context.Context, userID string) ([]core.Fact, error) {
	var resp struct {
		RelevantFacts []core.Fact `json:"relevant_facts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conscious/"+userID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.RelevantFacts, nil
}

// DeleteFact soft-deletes a fact. The backend expires it rather than
// erasing it, so deletion is idempotent server-side too.
func (c *Client) DeleteFact(ctx context.Context, factID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/facts/"+factID, nil, nil)
}

// FactSource fetches the chat message a fact was extracted from.
func (c *Client) FactSource(ctx context.Context, factID string) (core.FactSource, error) {
	var src core.FactSource
	err := c.do(ctx, http.MethodGet, "/v1/facts/"+factID+"/source", nil, &src)
	return src, err
}

// Consolidate queues a memory optimization job for the user:
// duplicate merging, essential promotion, profile summary.
func (c *Client) Consolidate(ctx context.Context, userID string) (core.ConsolidationReceipt, error) {
	var receipt core.ConsolidationReceipt
	err := c.do(ctx, http.MethodPost, "/v1/users/"+userID+"/consolidate", struct{}{}, &receipt)
	return receipt, err
}

// RotateAPIKey issues a replacement API key for the user, invalidating
// the old one. The new plaintext key is returned exactly once. The
// client's own credential is not updated; the caller decides when to
// swap via SetAPIKey.
func (c *Client) RotateAPIKey(ctx context.Context, userID string) (string, error) {
	var resp struct {
		APIKey string `json:"api_key"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/users/"+userID+"/api-key/rotate", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.APIKey, nil
}

// do performs one HTTP round trip. The credential is captured here, at
// dispatch time, so a key swap mid-flight can never leak one identity's
// requests onto another's credential.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return transportError(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("request failed before response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return transportError(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// decodeError builds the normalized error from a non-2xx response.
// The backend answers in two shapes: the application error envelope
// {"error": {"code", "message"}} and FastAPI's plain {"detail"}.
func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{
		Kind:   kindForStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return apiErr
	}
	switch {
	case envelope.Error.Message != "":
		apiErr.Message = envelope.Error.Message
	case envelope.Detail != "":
		apiErr.Message = envelope.Detail
	}
	return apiErr
}
