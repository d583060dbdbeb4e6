// Package messaging delivers outbound text to a phone number.
//
// Sender is the single delivery abstraction used by the sequencer and the
// relays; a nil error means delivery was confirmed. Implementations cover
// iMessage via AppleScript, SMS via Twilio, a log-only sender for dry runs
// and a recording mock for tests.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrEmptyMessage is returned when there is nothing left to send after
// formatting.
var ErrEmptyMessage = errors.New("empty message")

// Sender delivers text to a recipient.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to, text string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, to, text string) error {
	return f(ctx, to, text)
}

// LogSender logs messages instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the message and reports success.
func (s LogSender) Send(ctx context.Context, to, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if text == "" {
		return ErrEmptyMessage
	}
	logger.Info("LogSender.Send: dry-run delivery", "to", to, "chars", len(text), "text", text)
	return nil
}

// SentMessage is one message recorded by MockSender.
type SentMessage struct {
	To   string
	Text string
}

// MockSender records sent messages. It is safe for concurrent use.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage

	// Err, when set, is returned by Send after recording the attempt.
	Err error
	// OnSend, when set, is called before the message is recorded.
	OnSend func(ctx context.Context, to, text string) error
}

// Ensure the senders satisfy Sender.
var (
	_ Sender = LogSender{}
	_ Sender = (*MockSender)(nil)
	_ Sender = SenderFunc(nil)
)

// NewMockSender creates an empty mock sender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// Send records the message.
func (m *MockSender) Send(ctx context.Context, to, text string) error {
	if m.OnSend != nil {
		if err := m.OnSend(ctx, to, text); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, SentMessage{To: to, Text: text})
	err := m.Err
	m.mu.Unlock()
	return err
}

// Sent returns a copy of every recorded message.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the texts recorded for one recipient, in order.
func (m *MockSender) SentTo(to string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == to {
			out = append(out, s.Text)
		}
	}
	return out
}
