package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 10
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

var selectUserColumns = strings.ReplaceAll(userColumns, ",", ", ")

// PostgresStore implements Store directly against Postgres.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, pings and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := loggerOrDefault(cfg.Logger)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Debug("PostgresStore.NewPostgresStore: connected and migrated")
	return &PostgresStore{db: db, logger: logger}, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.UserInfo, error) {
	var (
		u                                  models.UserInfo
		userID, token, displayName, status sql.NullString
		onboardMessages, profile           []byte
		onboardCount                       sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.PhoneNumber, &userID, &status, &token, &displayName, &onboardMessages, &onboardCount, &profile); err != nil {
		return nil, err
	}
	u.UserID = userID.String
	u.Status = models.UserStatus(status.String)
	u.OnboardingToken = token.String
	u.DisplayName = displayName.String
	u.OnboardCount = int(onboardCount.Int64)
	if len(onboardMessages) > 0 && string(onboardMessages) != "null" {
		if err := json.Unmarshal(onboardMessages, &u.OnboardMessages); err != nil {
			return nil, fmt.Errorf("decode onboard_messages: %w", err)
		}
	}
	p, err := models.ParseProfile(profile)
	if err != nil {
		return nil, fmt.Errorf("decode pdl_profile: %w", err)
	}
	u.Profile = p
	return &u, nil
}

// GetUserByPhone looks a user up by phone number.
func (s *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*models.UserInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectUserColumns+` FROM imessage_users WHERE phone_number = $1 LIMIT 1`, phone)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", phone, err)
	}
	return u, nil
}

// CreatePendingUser inserts a pending user row.
func (s *PostgresStore) CreatePendingUser(ctx context.Context, phone string) (*models.UserInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO imessage_users (phone_number, status) VALUES ($1, $2) RETURNING `+selectUserColumns,
		phone, string(models.StatusPending))
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user %s: %w", phone, err)
	}
	s.logger.Info("PostgresStore.CreatePendingUser: created pending user", "phone", phone)
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// ListAssistantMessages returns the newest assistant and system messages.
func (s *PostgresStore) ListAssistantMessages(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content FROM v2_chat_messages
		 WHERE user_id = $1 AND role IN ('assistant', 'system')
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list assistant messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}

// ListPendingOutbound returns queued outbound messages, oldest first.
func (s *PostgresStore) ListPendingOutbound(ctx context.Context, limit int) ([]models.OutboundMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone_number, content FROM outbound_imessages
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(OutboundPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbound: %w", err)
	}
	defer rows.Close()

	var msgs []models.OutboundMessage
	for rows.Next() {
		var m models.OutboundMessage
		if err := rows.Scan(&m.ID, &m.PhoneNumber, &m.Content); err != nil {
			return nil, fmt.Errorf("scan outbound message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound messages: %w", err)
	}
	return msgs, nil
}

// MarkOutboundSent records a successful delivery.
func (s *PostgresStore) MarkOutboundSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_imessages SET status = $1, sent_at = $2 WHERE id = $3`,
		string(OutboundSent), sentAt, id)
	if err != nil {
		return fmt.Errorf("mark outbound %s sent: %w", id, err)
	}
	return nil
}

// MarkOutboundFailed records a failed delivery.
func (s *PostgresStore) MarkOutboundFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_imessages SET status = $1 WHERE id = $2`, string(OutboundFailed), id)
	if err != nil {
		return fmt.Errorf("mark outbound %s failed: %w", id, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	s.logger.Debug("PostgresStore.Close: closing database connection")
	return s.db.Close()
}
