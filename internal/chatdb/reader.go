// Package chatdb provides read-only access to the macOS Messages store
// (chat.db).
//
// The Messages app owns the database and holds its write lock; the bridge only
// ever opens it in read-only, query-only mode. Text is taken from the message
// text column, or decoded from the attributedBody blob when the column is
// NULL (rich or edited messages).
package chatdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BTreeMap/ChatBridge/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const (
	fetchQuery = `
SELECT m.ROWID, m.guid, m.text, m.attributedBody, m.date, h.id
FROM message m
JOIN handle h ON m.handle_id = h.ROWID
WHERE m.is_from_me = 0
  AND m.ROWID > ?
ORDER BY m.ROWID ASC`

	fetchQueryForSender = `
SELECT m.ROWID, m.guid, m.text, m.attributedBody, m.date, h.id
FROM message m
JOIN handle h ON m.handle_id = h.ROWID
WHERE h.id = ?
  AND m.is_from_me = 0
  AND m.ROWID > ?
ORDER BY m.ROWID ASC`

	maxPositionQuery = `SELECT COALESCE(MAX(ROWID), 0) FROM message`
)

// Batch is the result of one scan above a cursor.
type Batch struct {
	// Messages holds rows with resolvable, non-noise text in ascending
	// position order.
	Messages []models.IncomingMessage
	// HighWater is the highest position examined by the scan, including rows
	// discarded as noise. It is zero when the scan saw no rows.
	HighWater int64
}

// Opts holds configuration options for the reader.
type Opts struct {
	SenderFilter string
	Logger       *slog.Logger
}

// Option defines a configuration option for the reader.
type Option func(*Opts)

// WithSenderFilter restricts scans to a single handle (single-user mode).
func WithSenderFilter(sender string) Option {
	return func(o *Opts) { o.SenderFilter = sender }
}

// WithLogger sets the reader's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// Reader runs read-only queries against chat.db.
type Reader struct {
	db     *sql.DB
	path   string
	sender string
	logger *slog.Logger
}

// ReadOnlyDSN builds the go-sqlite3 DSN used to open path without ever taking
// a write lock.
func ReadOnlyDSN(path string) string {
	u := url.URL{Scheme: "file", Path: path}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Set("_query_only", "true")
	q.Set("_busy_timeout", "5000")
	u.RawQuery = q.Encode()
	return u.String()
}

// Open opens chat.db at path in read-only mode and verifies the connection.
func Open(path string, opts ...Option) (*Reader, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", ReadOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open chat.db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping chat.db %s: %w", path, err)
	}
	logger.Debug("Reader.Open: chat.db opened read-only", "path", path, "sender_filter", cfg.SenderFilter != "")

	return &Reader{db: db, path: path, sender: cfg.SenderFilter, logger: logger}, nil
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// MaxPosition returns the current maximum message ROWID. It is used on a cold
// start so the historical backlog is skipped.
func (r *Reader) MaxPosition(ctx context.Context) (int64, error) {
	var max int64
	if err := r.db.QueryRowContext(ctx, maxPositionQuery).Scan(&max); err != nil {
		return 0, fmt.Errorf("query max ROWID: %w", err)
	}
	r.logger.Info("Reader.MaxPosition: current chat.db max ROWID", "max_rowid", max)
	return max, nil
}

// FetchSince returns inbound rows with position strictly greater than cursor.
// Rows whose text cannot be resolved, or that are tapback artifacts or
// carrier notifications, are dropped but still counted in HighWater.
func (r *Reader) FetchSince(ctx context.Context, cursor int64) (Batch, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if r.sender != "" {
		rows, err = r.db.QueryContext(ctx, fetchQueryForSender, r.sender, cursor)
	} else {
		rows, err = r.db.QueryContext(ctx, fetchQuery, cursor)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	var batch Batch
	for rows.Next() {
		var (
			position int64
			guid     string
			text     sql.NullString
			body     []byte
			date     sql.NullInt64
			sender   string
		)
		if err := rows.Scan(&position, &guid, &text, &body, &date, &sender); err != nil {
			return Batch{}, fmt.Errorf("scan message row: %w", err)
		}
		if position > batch.HighWater {
			batch.HighWater = position
		}

		msgText := text.String
		if strings.TrimSpace(msgText) == "" && len(body) > 0 {
			if decoded, ok := DecodeAttributedBody(body); ok {
				msgText = decoded
			} else {
				r.logger.Debug("Reader.FetchSince: attributedBody had no recoverable text", "rowid", position)
			}
		}

		if noise := Classify(msgText); noise != NoiseNone {
			r.logger.Debug("Reader.FetchSince: skipping noise row", "rowid", position, "reason", noise)
			continue
		}

		batch.Messages = append(batch.Messages, models.IncomingMessage{
			Position:  position,
			GUID:      guid,
			Text:      strings.TrimSpace(msgText),
			Sender:    sender,
			Timestamp: AppleTime(date.Int64),
		})
	}
	if err := rows.Err(); err != nil {
		return Batch{}, fmt.Errorf("iterate message rows: %w", err)
	}

	r.logger.Debug("Reader.FetchSince: scan complete", "cursor", cursor, "messages", len(batch.Messages), "high_water", batch.HighWater)
	return batch, nil
}
