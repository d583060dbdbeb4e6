package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/messaging"
	"github.com/BTreeMap/ChatBridge/internal/state"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// ReplyRelay forwards assistant and system messages that appear in a user's
// conversation log without a turn, such as notifications written by backend
// triggers. It also catches replies whose fast-path delivery never happened.
//
// Deduplication against the sequencer is best effort: a message is sent only
// if its id is absent from the sent-reply set both before and after the
// claim delay.
type ReplyRelay struct {
	repo       store.ChatMessageRepo
	state      *state.Tracker
	sender     messaging.Sender
	phone      string
	userID     string
	interval   time.Duration
	limit      int
	claimDelay time.Duration
	logger     *slog.Logger
}

// NewReplyRelay creates a relay delivering userID's messages to phone.
func NewReplyRelay(repo store.ChatMessageRepo, tracker *state.Tracker, sender messaging.Sender, phone, userID string, opts ...Option) *ReplyRelay {
	cfg := buildOpts(Opts{
		Interval:   DefaultReplyInterval,
		Limit:      DefaultReplyLimit,
		ClaimDelay: DefaultClaimDelay,
	}, opts)
	return &ReplyRelay{
		repo:       repo,
		state:      tracker,
		sender:     sender,
		phone:      phone,
		userID:     userID,
		interval:   cfg.Interval,
		limit:      cfg.Limit,
		claimDelay: cfg.ClaimDelay,
		logger:     cfg.Logger,
	}
}

// Run marks the existing log as seen, then polls until ctx is cancelled.
func (r *ReplyRelay) Run(ctx context.Context) {
	r.seed(ctx)
	r.logger.Info("ReplyRelay.Run: polling", "interval", r.interval, "user_id", r.userID)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("ReplyRelay.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// seed records the newest messages as already delivered so a restart never
// replays history.
func (r *ReplyRelay) seed(ctx context.Context) {
	msgs, err := r.repo.ListAssistantMessages(ctx, r.userID, DefaultSeedLimit)
	if err != nil {
		r.logger.Error("ReplyRelay.seed: catch-up query failed", "error", err)
		return
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if err := r.state.MarkReplySent(ids...); err != nil {
		r.logger.Error("ReplyRelay.seed: failed to persist seen messages", "error", err)
	}
	r.logger.Info("ReplyRelay.seed: marked existing messages as seen", "count", len(ids))
}

func (r *ReplyRelay) poll(ctx context.Context) {
	msgs, err := r.repo.ListAssistantMessages(ctx, r.userID, r.limit)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Debug("ReplyRelay.poll: list failed", "error", err)
		}
		return
	}
	// Listed newest first; deliver oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Content == "" || r.state.ReplySent(m.ID) {
			continue
		}
		if err := r.claim(ctx, m.ID, m.Content); err != nil {
			return
		}
	}
}

// claim waits out the claim delay and delivers the message unless someone
// else sent it meanwhile. Only cancellation is returned.
func (r *ReplyRelay) claim(ctx context.Context, id, content string) error {
	if err := sleepCtx(ctx, r.claimDelay); err != nil {
		return err
	}
	if r.state.ReplySent(id) {
		r.logger.Debug("ReplyRelay.claim: already sent by the sequencer, skipping", "id", id)
		return nil
	}
	if err := r.sender.Send(ctx, r.phone, content); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Error("ReplyRelay.claim: delivery failed", "id", id, "error", err)
		return nil
	}
	if err := r.state.MarkReplySent(id); err != nil {
		r.logger.Error("ReplyRelay.claim: failed to persist sent reply", "id", id, "error", err)
	}
	r.logger.Info("ReplyRelay.claim: relayed message", "id", id, "chars", len(content))
	return nil
}
