// Package sequencer turns newly observed inbound rows into per-sender turns.
//
// Each change notification scans the store above the cursor, accounts every
// row exactly once in the state tracker, and hands the rows that need a reply
// to a per-sender queue. One worker goroutine drains each non-empty queue, so
// turns for the same sender run strictly in arrival order, across scans as
// well as within one. Turns for different senders run concurrently, bounded
// by a global cap on in-flight agent calls.
package sequencer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/ChatBridge/internal/agent"
	"github.com/BTreeMap/ChatBridge/internal/chatdb"
	"github.com/BTreeMap/ChatBridge/internal/messaging"
	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/state"
	"github.com/BTreeMap/ChatBridge/internal/telemetry"
	"github.com/BTreeMap/ChatBridge/internal/users"
)

const (
	// DefaultMaxConcurrentTurns caps in-flight agent turns across senders.
	DefaultMaxConcurrentTurns = 20
	// DefaultSignupURLBase is the page that completes signup for a token.
	DefaultSignupURLBase = "https://nest.expert/"
)

// RowSource scans the message store above a cursor.
type RowSource interface {
	FetchSince(ctx context.Context, cursor int64) (chatdb.Batch, error)
}

var _ RowSource = (*chatdb.Reader)(nil)

// Config holds sequencer settings.
type Config struct {
	MaxConcurrentTurns int
	SignupURLBase      string
	Logger             *slog.Logger
}

// Deps are the collaborators a Sequencer drives. Telemetry may be nil.
type Deps struct {
	Rows      RowSource
	State     *state.Tracker
	Users     users.Resolver
	Agent     agent.ChatClient
	Onboard   agent.OnboardClient
	Sender    messaging.Sender
	Telemetry *telemetry.Provider
}

// Sequencer dispatches inbound rows. It is safe for concurrent use; Close
// must be called to stop outstanding sender units.
type Sequencer struct {
	rows      RowSource
	state     *state.Tracker
	users     users.Resolver
	agent     agent.ChatClient
	onboard   agent.OnboardClient
	sender    messaging.Sender
	tel       *telemetry.Provider
	signupURL string
	logger    *slog.Logger

	turns    *semaphore.Weighted
	queues   *queueTable
	fetching atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a sequencer.
func New(cfg Config, deps Deps) *Sequencer {
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if cfg.SignupURLBase == "" {
		cfg.SignupURLBase = DefaultSignupURLBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		rows:      deps.Rows,
		state:     deps.State,
		users:     deps.Users,
		agent:     deps.Agent,
		onboard:   deps.Onboard,
		sender:    deps.Sender,
		tel:       deps.Telemetry,
		signupURL: cfg.SignupURLBase,
		logger:    logger,
		turns:     semaphore.NewWeighted(int64(cfg.MaxConcurrentTurns)),
		queues:    newQueueTable(),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// OnStoreChanged scans for new rows and dispatches them. A call made while a
// scan is already running returns immediately; the running scan, or the next
// notification, picks the rows up.
func (s *Sequencer) OnStoreChanged(ctx context.Context) {
	if !s.fetching.CompareAndSwap(false, true) {
		s.logger.Debug("Sequencer.OnStoreChanged: scan already running, skipping")
		return
	}
	defer s.fetching.Store(false)

	cursor := s.state.Cursor()
	batch, err := s.rows.FetchSince(ctx, cursor)
	if err != nil {
		s.logger.Error("Sequencer.OnStoreChanged: scan failed", "cursor", cursor, "error", err)
		return
	}

	var pending []models.IncomingMessage
	for _, msg := range batch.Messages {
		outcome, err := s.state.Account(msg.Position, msg.GUID, IsJunk(msg.Text))
		if err != nil {
			s.logger.Error("Sequencer.OnStoreChanged: failed to persist state", "guid", msg.GUID, "position", msg.Position, "error", err)
		}
		s.tel.RecordRow(ctx, string(outcome))
		switch outcome {
		case models.OutcomeProcessed:
			pending = append(pending, msg)
		case models.OutcomeJunk:
			s.logger.Debug("Sequencer.OnStoreChanged: skipping junk", "sender", msg.Sender, "position", msg.Position)
		}
	}
	if batch.HighWater > cursor {
		if err := s.state.Skip(batch.HighWater); err != nil {
			s.logger.Error("Sequencer.OnStoreChanged: failed to persist state", "position", batch.HighWater, "error", err)
		}
	}
	if len(pending) == 0 {
		return
	}

	order, groups := partition(pending)
	s.logger.Info("Sequencer.OnStoreChanged: dispatching", "messages", len(pending), "senders", len(order))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("Sequencer.OnStoreChanged: sequencer closed, rows accounted but not dispatched", "messages", len(pending))
		return
	}
	// Queue under s.mu so a later scan can never overtake this one.
	for _, sender := range order {
		if !s.queues.push(sender, groups[sender]) {
			continue
		}
		s.wg.Add(1)
		go s.runSender(sender)
	}
}

// partition groups rows by sender. Both the sender order and the row order
// within a sender follow arrival order.
func partition(msgs []models.IncomingMessage) ([]string, map[string][]models.IncomingMessage) {
	var order []string
	groups := make(map[string][]models.IncomingMessage)
	for _, m := range msgs {
		if _, ok := groups[m.Sender]; !ok {
			order = append(order, m.Sender)
		}
		groups[m.Sender] = append(groups[m.Sender], m)
	}
	return order, groups
}

// runSender drains the sender's queue in order. It exits once the queue is
// empty; a later push starts a new worker.
func (s *Sequencer) runSender(sender string) {
	defer s.wg.Done()
	ctx := s.baseCtx

	for {
		if ctx.Err() != nil {
			if n := s.queues.drop(sender); n > 0 {
				s.logger.Warn("Sequencer.runSender: dropping accounted rows on shutdown", "sender", sender, "messages", n)
			}
			return
		}
		msg, ok := s.queues.next(sender)
		if !ok {
			return
		}
		s.handle(ctx, msg)
	}
}

// Close stops accepting work, cancels in-flight turns and waits for every
// sender unit to return.
func (s *Sequencer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Sequencer.Close: all sender units stopped")
}
