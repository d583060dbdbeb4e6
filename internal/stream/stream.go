// Package stream decodes agent service responses.
//
// The service answers either with newline-delimited JSON events
// (application/x-ndjson) or with a single JSON object. NDJSON bodies are read
// incrementally while the request is still in flight, so an "ack" event can
// be forwarded to the user before the turn completes.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Event types emitted by the agent service.
const (
	EventAck      = "ack"
	EventResponse = "response"
	EventError    = "error"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 300

// ErrMalformedBody is returned when a non-streamed body is not valid JSON.
var ErrMalformedBody = errors.New("malformed response body")

// Event is one NDJSON line.
type Event struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Response   string `json:"response,omitempty"`
	ResponseID Opaque `json:"response_id,omitempty"`
	Error      Opaque `json:"error,omitempty"`
}

// Opaque is a JSON value kept as text. Strings decode to their contents,
// null to "", and any other value to its compact JSON encoding.
type Opaque string

// UnmarshalJSON implements json.Unmarshaler.
func (o *Opaque) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(raw, []byte("null")):
		*o = ""
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*o = Opaque(s)
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return err
		}
		*o = Opaque(buf.String())
	}
	return nil
}

// Result is the terminal outcome of a turn.
type Result struct {
	Text    string
	ReplyID string
}

// AckFunc receives interim acknowledgement text.
type AckFunc func(ctx context.Context, text string) error

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent service returned HTTP %d: %s", e.Code, e.Body)
}

// CheckStatus returns a *StatusError for non-2xx responses. The body is
// drained and closed in that case.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// IsNDJSON reports whether a Content-Type header denotes an event stream.
func IsNDJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "ndjson")
}

// Parser decodes response bodies.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a parser. A nil logger uses slog.Default().
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Parse is shorthand for NewParser(nil).Parse.
func Parse(ctx context.Context, contentType string, body io.Reader, onAck AckFunc) (Result, error) {
	return NewParser(nil).Parse(ctx, contentType, body, onAck)
}

// Parse consumes body according to contentType. onAck may be nil.
func (p *Parser) Parse(ctx context.Context, contentType string, body io.Reader, onAck AckFunc) (Result, error) {
	if IsNDJSON(contentType) {
		return p.parseEvents(ctx, body, onAck)
	}
	return p.parseSingle(body)
}

func (p *Parser) parseSingle(body io.Reader) (Result, error) {
	var payload struct {
		Response   string `json:"response"`
		ResponseID Opaque `json:"response_id"`
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Result{}, fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return Result{Text: payload.Response, ReplyID: string(payload.ResponseID)}, nil
}

// parseEvents reads complete lines until EOF. The last response event wins;
// a trailing line without a newline is discarded.
func (p *Parser) parseEvents(ctx context.Context, body io.Reader, onAck AckFunc) (Result, error) {
	var result Result
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if strings.TrimSpace(line) != "" {
					p.logger.Debug("Parser.parseEvents: discarding partial trailing line", "bytes", len(line))
				}
				return result, nil
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("read event stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			p.logger.Warn("Parser.parseEvents: skipping undecodable line", "error", err)
			continue
		}

		switch ev.Type {
		case EventAck:
			if ev.Text == "" || onAck == nil {
				continue
			}
			if err := onAck(ctx, ev.Text); err != nil {
				p.logger.Warn("Parser.parseEvents: ack delivery failed", "error", err)
			}
		case EventResponse:
			result = Result{Text: ev.Response, ReplyID: string(ev.ResponseID)}
		case EventError:
			p.logger.Error("Parser.parseEvents: agent reported error", "error", string(ev.Error))
		default:
			p.logger.Debug("Parser.parseEvents: ignoring unknown event", "type", ev.Type)
		}
	}
}
