// Package state holds the bridge's durable ingestion position: a monotonic
// cursor over the chat.db ROWID space, a bounded set of handled message GUIDs
// and a bounded set of reply identifiers already delivered.
//
// The Tracker is the only object mutated by concurrent sender units; every
// mutation goes through its lock and is persisted with an atomic rename.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

const (
	// FileName is the state document name inside the state directory.
	FileName = "state.json"
	// MaxDedupIDs bounds the handled-GUID set.
	MaxDedupIDs = 500
	// MaxSentReplyIDs bounds the delivered-reply set.
	MaxSentReplyIDs = 200
)

// document is the persisted form. Lists are oldest first.
type document struct {
	Cursor       int64    `json:"cursor"`
	DedupIDs     []string `json:"dedup_ids"`
	SentReplyIDs []string `json:"sent_reply_ids"`
}

// Tracker is the cursor and dedup state. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	path   string
	cursor int64
	dedup  *BoundedSet
	sent   *BoundedSet
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for load and persist diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// New returns an empty tracker that persists to path. An empty path keeps the
// state in memory only.
func New(path string, opts ...Option) *Tracker {
	t := &Tracker{
		path:   path,
		dedup:  NewBoundedSet(MaxDedupIDs),
		sent:   NewBoundedSet(MaxSentReplyIDs),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load reads the state document at path. A missing or undecodable document
// is not an error: the tracker starts empty (cold start).
func Load(path string, opts ...Option) *Tracker {
	t := New(path, opts...)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("Tracker.Load: cannot read state file, starting fresh", "path", path, "error", err)
		}
		return t
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.logger.Warn("Tracker.Load: corrupt state file, starting fresh", "path", path, "error", err)
		return t
	}
	if doc.Cursor > 0 {
		t.cursor = doc.Cursor
	}
	for _, id := range doc.DedupIDs {
		t.dedup.Add(id)
	}
	for _, id := range doc.SentReplyIDs {
		t.sent.Add(id)
	}
	t.logger.Info("Tracker.Load: loaded state", "cursor", t.cursor, "dedup", t.dedup.Len(), "sent_replies", t.sent.Len())
	return t
}

// PathIn returns the state document path inside dir.
func PathIn(dir string) string {
	return filepath.Join(dir, FileName)
}

// Cursor returns the highest position accounted for.
func (t *Tracker) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// IsDuplicate reports whether guid was already handled.
func (t *Tracker) IsDuplicate(guid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dedup.Contains(guid)
}

// Advance accounts for one store row. The cursor moves to max(cursor,
// position) and, unless the outcome is a duplicate, guid joins the dedup set.
// The state is persisted when anything changed.
func (t *Tracker) Advance(position int64, guid string, outcome models.Outcome) error {
	if !models.IsValidOutcome(outcome) {
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advanceLocked(position, guid, outcome)
}

// Account classifies and advances a row in one critical section: a GUID
// already in the dedup set yields OutcomeDuplicate, otherwise junk decides
// between OutcomeJunk and OutcomeProcessed. The returned error reports a
// persist failure only; the in-memory state has been updated regardless.
func (t *Tracker) Account(position int64, guid string, junk bool) (models.Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	outcome := models.OutcomeProcessed
	switch {
	case t.dedup.Contains(guid):
		outcome = models.OutcomeDuplicate
	case junk:
		outcome = models.OutcomeJunk
	}
	return outcome, t.advanceLocked(position, guid, outcome)
}

func (t *Tracker) advanceLocked(position int64, guid string, outcome models.Outcome) error {
	changed := false
	if position > t.cursor {
		t.cursor = position
		changed = true
	}
	if outcome != models.OutcomeDuplicate && guid != "" {
		if t.dedup.Add(guid) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return t.saveLocked()
}

// Skip moves the cursor past rows the reader dropped before they could be
// classified. No identifier is recorded.
func (t *Tracker) Skip(position int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advanceLocked(position, "", models.OutcomeJunk)
}

// Bootstrap sets the cursor to max on a cold start so historical messages are
// never replayed. It reports whether the bootstrap applied.
func (t *Tracker) Bootstrap(max int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor != 0 || t.dedup.Len() != 0 {
		return false, nil
	}
	if max > 0 {
		t.cursor = max
	}
	return true, t.saveLocked()
}

// MarkReplySent records delivered reply identifiers with a single persist.
func (t *Tracker) MarkReplySent(ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, id := range ids {
		if id != "" && t.sent.Add(id) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return t.saveLocked()
}

// ReplySent reports whether a reply identifier was already delivered.
func (t *Tracker) ReplySent(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent.Contains(id)
}

// Save persists the current state.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	if t.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(document{
		Cursor:       t.cursor,
		DedupIDs:     t.dedup.Items(),
		SentReplyIDs: t.sent.Items(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(t.path, data); err != nil {
		t.logger.Error("Tracker.save: persist failed, in-memory state remains authoritative", "path", t.path, "error", err)
		return err
	}
	t.logger.Debug("Tracker.save: state saved", "cursor", t.cursor)
	return nil
}
