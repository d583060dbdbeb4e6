// Package store provides access to the bridge's backend tables: the bridged
// user directory, the assistant message log and the outbound delivery queue.
//
// Two backends exist. RESTStore talks to a PostgREST endpoint over HTTP;
// PostgresStore connects directly with lib/pq. Both satisfy Store.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

const (
	usersTable    = "imessage_users"
	messagesTable = "v2_chat_messages"
	outboundTable = "outbound_imessages"

	// userColumns is the projection used for every user lookup.
	userColumns = "id,phone_number,user_id,status,onboarding_token,display_name,onboard_messages,onboard_count,pdl_profile"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert collides with an existing row.
	ErrConflict = errors.New("already exists")
)

// OutboundStatus is the delivery state of a queued outbound message.
type OutboundStatus string

const (
	OutboundPending OutboundStatus = "pending"
	OutboundSent    OutboundStatus = "sent"
	OutboundFailed  OutboundStatus = "failed"
)

// UserRepo reads and creates bridged users.
type UserRepo interface {
	// GetUserByPhone returns ErrNotFound when the phone number is unknown.
	GetUserByPhone(ctx context.Context, phone string) (*models.UserInfo, error)

	// CreatePendingUser inserts a pending user and returns the stored row,
	// including its onboarding token. Returns ErrConflict if the phone
	// number already exists.
	CreatePendingUser(ctx context.Context, phone string) (*models.UserInfo, error)
}

// ChatMessageRepo reads the assistant side of a user's conversation log.
type ChatMessageRepo interface {
	// ListAssistantMessages returns up to limit assistant and system messages
	// for userID, newest first.
	ListAssistantMessages(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error)
}

// OutboundRepo is the queue of messages written by backend functions for the
// bridge to deliver.
type OutboundRepo interface {
	// ListPendingOutbound returns up to limit pending rows, oldest first.
	ListPendingOutbound(ctx context.Context, limit int) ([]models.OutboundMessage, error)

	// MarkOutboundSent records a successful delivery at sentAt.
	MarkOutboundSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkOutboundFailed records a failed delivery.
	MarkOutboundFailed(ctx context.Context, id string) error
}

// Store combines every repository with a Close method.
type Store interface {
	UserRepo
	ChatMessageRepo
	OutboundRepo
	Close() error
}

// DetectDSNType reports "postgres" for connection strings understood by
// lib/pq and "rest" for anything else (including an empty DSN).
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "rest"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") || strings.Contains(dsn, "user="):
		return "postgres"
	default:
		return "rest"
	}
}

// New selects a backend: PostgresStore when a Postgres DSN is configured,
// RESTStore otherwise.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewRESTStore(opts...)
}
