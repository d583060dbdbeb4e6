// Package agent is the HTTP client for the conversational agent service and
// its onboarding endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/stream"
	"github.com/google/uuid"
)

const (
	ChatPath    = "/functions/v1/v2-chat-service"
	OnboardPath = "/functions/v1/v2-onboard-chat"

	// DefaultChatTimeout bounds a full streamed agent turn.
	DefaultChatTimeout = 180 * time.Second
	// FirstOnboardTimeout applies to the first onboarding message, which
	// also provisions the signup flow server-side.
	FirstOnboardTimeout = 25 * time.Second
	// OnboardTimeout applies to every later onboarding message.
	OnboardTimeout = 20 * time.Second
)

// ErrTimeout is returned when a request exceeds its deadline.
var ErrTimeout = errors.New("agent request timed out")

// ChatRequest is the body of a chat turn for an active user.
type ChatRequest struct {
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
	UserName string `json:"user_name,omitempty"`
}

// OnboardRequest is the body of an onboarding turn for a phone number that
// has no account yet.
type OnboardRequest struct {
	Phone        string               `json:"phone"`
	Message      string               `json:"message"`
	History      []models.OnboardTurn `json:"history"`
	MessageCount int                  `json:"message_count"`
	OnboardURL   string               `json:"onboard_url"`
	PDLContext   string               `json:"pdl_context,omitempty"`
}

// ChatClient performs a streamed chat turn. onAck receives interim
// acknowledgements while the turn is still running.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest, onAck stream.AckFunc) (stream.Result, error)
}

// OnboardClient performs an onboarding turn.
type OnboardClient interface {
	Onboard(ctx context.Context, req OnboardRequest) (stream.Result, error)
}

// Opts holds configuration options for the client.
type Opts struct {
	HTTPClient  *http.Client
	ChatTimeout time.Duration
	Logger      *slog.Logger
}

// Option defines a configuration option for the client.
type Option func(*Opts)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithChatTimeout overrides the chat turn timeout.
func WithChatTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ChatTimeout = d }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// Client talks to both agent endpoints.
type Client struct {
	baseURL     string
	key         string
	http        *http.Client
	chatTimeout time.Duration
	parser      *stream.Parser
	logger      *slog.Logger
}

// Ensure Client satisfies both collaborator interfaces.
var (
	_ ChatClient    = (*Client)(nil)
	_ OnboardClient = (*Client)(nil)
)

// NewClient creates a client for the service rooted at baseURL,
// authenticating with key.
func NewClient(baseURL, key string, opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client-level timeout: deadlines are per request so a long
		// streamed body is not cut off mid-read.
		httpClient = &http.Client{}
	}
	timeout := cfg.ChatTimeout
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		key:         key,
		http:        httpClient,
		chatTimeout: timeout,
		parser:      stream.NewParser(logger),
		logger:      logger,
	}
}

// Chat posts a chat turn and consumes the streamed response.
func (c *Client) Chat(ctx context.Context, req ChatRequest, onAck stream.AckFunc) (stream.Result, error) {
	start := time.Now()
	res, err := c.post(ctx, ChatPath, c.chatTimeout, req, onAck)
	if err != nil {
		c.logger.Error("Client.Chat: turn failed", "user_id", req.UserID, "elapsed", time.Since(start), "error", err)
		return stream.Result{}, err
	}
	c.logger.Info("Client.Chat: turn complete", "user_id", req.UserID, "chars", len(res.Text), "elapsed", time.Since(start))
	return res, nil
}

// Onboard posts an onboarding turn. The first message of a conversation gets
// a longer deadline.
func (c *Client) Onboard(ctx context.Context, req OnboardRequest) (stream.Result, error) {
	if req.History == nil {
		req.History = []models.OnboardTurn{}
	}
	timeout := OnboardTimeout
	if req.MessageCount <= 1 {
		timeout = FirstOnboardTimeout
	}
	res, err := c.post(ctx, OnboardPath, timeout, req, nil)
	if err != nil {
		c.logger.Error("Client.Onboard: onboarding turn failed", "phone", req.Phone, "count", req.MessageCount, "error", err)
		return stream.Result{}, err
	}
	c.logger.Info("Client.Onboard: onboarding response", "phone", req.Phone, "count", req.MessageCount, "chars", len(res.Text))
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, payload any, onAck stream.AckFunc) (stream.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return stream.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return stream.Result{}, fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Authorization", "Bearer "+c.key)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	c.logger.Debug("Client.post: sending request", "path", path, "request_id", requestID)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return stream.Result{}, c.wrapErr(ctx, path, err)
	}
	if err := stream.CheckStatus(resp); err != nil {
		return stream.Result{}, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	res, err := c.parser.Parse(reqCtx, resp.Header.Get("Content-Type"), resp.Body, onAck)
	if err != nil {
		return stream.Result{}, c.wrapErr(ctx, path, err)
	}
	return res, nil
}

// wrapErr maps deadline failures to ErrTimeout. Cancellation of the parent
// context is returned as-is so callers can absorb it.
func (c *Client) wrapErr(parent context.Context, path string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w", path, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", path, err)
}
