package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// DefaultRESTTimeout bounds a single PostgREST request.
const DefaultRESTTimeout = 15 * time.Second

// RESTStore implements Store over a PostgREST HTTP API.
type RESTStore struct {
	baseURL string
	key     string
	http    *http.Client
	logger  *slog.Logger
}

// Compile-time check that RESTStore implements Store.
var _ Store = (*RESTStore)(nil)

// NewRESTStore creates a REST-backed store. The base URL and key are required.
func NewRESTStore(opts ...Option) (*RESTStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("REST store base URL not set")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("REST store key not set")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRESTTimeout}
	}
	return &RESTStore{
		baseURL: base,
		key:     cfg.Key,
		http:    httpClient,
		logger:  loggerOrDefault(cfg.Logger),
	}, nil
}

// GetUserByPhone looks a user up by phone number.
func (s *RESTStore) GetUserByPhone(ctx context.Context, phone string) (*models.UserInfo, error) {
	q := url.Values{}
	q.Set("phone_number", "eq."+phone)
	q.Set("select", userColumns)

	var users []models.UserInfo
	if err := s.do(ctx, http.MethodGet, usersTable, q, nil, nil, &users); err != nil {
		return nil, fmt.Errorf("get user %s: %w", phone, err)
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

// CreatePendingUser inserts a pending user row.
func (s *RESTStore) CreatePendingUser(ctx context.Context, phone string) (*models.UserInfo, error) {
	body := map[string]string{"phone_number": phone, "status": string(models.StatusPending)}
	headers := map[string]string{"Prefer": "return=representation"}

	var raw json.RawMessage
	err := s.do(ctx, http.MethodPost, usersTable, nil, body, headers, &raw)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && (he.code == http.StatusConflict || strings.Contains(strings.ToLower(he.body), "duplicate")) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user %s: %w", phone, err)
	}

	// PostgREST returns an array for representation inserts; tolerate a bare object.
	var users []models.UserInfo
	if err := json.Unmarshal(raw, &users); err != nil {
		var u models.UserInfo
		if err2 := json.Unmarshal(raw, &u); err2 != nil {
			return nil, fmt.Errorf("decode created user: %w", err)
		}
		users = []models.UserInfo{u}
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("create user %s: empty representation", phone)
	}
	s.logger.Info("RESTStore.CreatePendingUser: created pending user", "phone", phone)
	return &users[0], nil
}

// ListAssistantMessages returns the newest assistant and system messages.
func (s *RESTStore) ListAssistantMessages(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("role", "in.(assistant,system)")
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("select", "id,role,content")

	var msgs []models.ChatMessage
	if err := s.do(ctx, http.MethodGet, messagesTable, q, nil, nil, &msgs); err != nil {
		return nil, fmt.Errorf("list assistant messages: %w", err)
	}
	return msgs, nil
}

// ListPendingOutbound returns queued outbound messages, oldest first.
func (s *RESTStore) ListPendingOutbound(ctx context.Context, limit int) ([]models.OutboundMessage, error) {
	q := url.Values{}
	q.Set("status", "eq."+string(OutboundPending))
	q.Set("order", "created_at.asc")
	q.Set("limit", strconv.Itoa(limit))

	var msgs []models.OutboundMessage
	if err := s.do(ctx, http.MethodGet, outboundTable, q, nil, nil, &msgs); err != nil {
		return nil, fmt.Errorf("list pending outbound: %w", err)
	}
	return msgs, nil
}

// MarkOutboundSent patches the row to sent.
func (s *RESTStore) MarkOutboundSent(ctx context.Context, id string, sentAt time.Time) error {
	body := map[string]string{
		"status":  string(OutboundSent),
		"sent_at": sentAt.UTC().Format(time.RFC3339Nano),
	}
	return s.patchOutbound(ctx, id, body)
}

// MarkOutboundFailed patches the row to failed.
func (s *RESTStore) MarkOutboundFailed(ctx context.Context, id string) error {
	return s.patchOutbound(ctx, id, map[string]string{"status": string(OutboundFailed)})
}

func (s *RESTStore) patchOutbound(ctx context.Context, id string, body map[string]string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	if err := s.do(ctx, http.MethodPatch, outboundTable, q, body, nil, nil); err != nil {
		return fmt.Errorf("update outbound %s: %w", id, err)
	}
	return nil
}

// Close is a no-op; the HTTP client holds no exclusive resources.
func (s *RESTStore) Close() error {
	return nil
}

// httpError is a non-2xx PostgREST response.
type httpError struct {
	code int
	body string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// do performs one request against /rest/v1/<table>. out may be nil.
func (s *RESTStore) do(ctx context.Context, method, table string, q url.Values, in any, headers map[string]string, out any) error {
	endpoint := s.baseURL + "/rest/v1/" + table
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("apikey", s.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(data)
		if len(text) > 200 {
			text = text[:200]
		}
		s.logger.Debug("RESTStore.do: non-2xx response", "method", method, "table", table, "status", resp.StatusCode)
		return &httpError{code: resp.StatusCode, body: text}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", table, err)
	}
	return nil
}
