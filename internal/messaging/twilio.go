package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MaxSMSLength is Twilio's per-message body limit.
const MaxSMSLength = 1600

// messageCreator is the part of the Twilio REST API the sender uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for TwilioSender.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Logger     *slog.Logger
}

// TwilioOption defines a configuration option for TwilioSender.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number in E.164 form.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithTwilioLogger sets the sender's logger.
func WithTwilioLogger(l *slog.Logger) TwilioOption {
	return func(o *TwilioOpts) { o.Logger = l }
}

// TwilioSender delivers over SMS. Markdown is flattened without the Unicode
// bold mapping, which would force UCS-2 encoding on carriers.
type TwilioSender struct {
	api    messageCreator
	from   string
	logger *slog.Logger
}

var _ Sender = (*TwilioSender)(nil)

// NewTwilioSender creates a Twilio-backed sender. Missing credentials fall
// back to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioSender(opts ...TwilioOption) (*TwilioSender, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("NewTwilioSender: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioSender(client.Api, cfg.FromNumber, logger), nil
}

func newTwilioSender(api messageCreator, from string, logger *slog.Logger) *TwilioSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioSender{api: api, from: from, logger: logger}
}

// Send delivers text as one or more SMS segments.
func (s *TwilioSender) Send(ctx context.Context, to, text string) error {
	clean := plainText(text)
	if clean == "" {
		return ErrEmptyMessage
	}
	for _, chunk := range SplitParagraphs(clean, MaxSMSLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(s.from)
		params.SetBody(chunk)

		msg, err := s.api.CreateMessage(params)
		if err != nil {
			s.logger.Error("TwilioSender.Send: create message failed", "to", to, "error", err)
			return fmt.Errorf("failed to send message to %s: %w", to, err)
		}
		if msg != nil && msg.Sid != nil {
			s.logger.Debug("TwilioSender.Send: message queued", "to", to, "sid", *msg.Sid)
		}
	}
	return nil
}

// plainText is StripMarkdown without the Unicode bold mapping.
func plainText(text string) string {
	text = boldRe.ReplaceAllString(text, "$1")
	text = nestContentRe.ReplaceAllString(text, "$1")
	return StripMarkdown(text)
}
