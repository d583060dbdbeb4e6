package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/messaging"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// OutboxPoller delivers messages queued by backend functions, such as the
// welcome message sent once signup completes.
type OutboxPoller struct {
	repo     store.OutboundRepo
	sender   messaging.Sender
	interval time.Duration
	limit    int
	pause    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewOutboxPoller creates an outbox poller.
func NewOutboxPoller(repo store.OutboundRepo, sender messaging.Sender, opts ...Option) *OutboxPoller {
	cfg := buildOpts(Opts{
		Interval:  DefaultOutboxInterval,
		Limit:     DefaultOutboxLimit,
		SendPause: DefaultSendPause,
	}, opts)
	return &OutboxPoller{
		repo:     repo,
		sender:   sender,
		interval: cfg.Interval,
		limit:    cfg.Limit,
		pause:    cfg.SendPause,
		now:      time.Now,
		logger:   cfg.Logger,
	}
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) {
	p.logger.Info("OutboxPoller.Run: starting", "interval", p.interval, "limit", p.limit)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("OutboxPoller.Run: stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *OutboxPoller) poll(ctx context.Context) {
	rows, err := p.repo.ListPendingOutbound(ctx, p.limit)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("OutboxPoller.poll: list failed", "error", err)
		}
		return
	}

	for i, row := range rows {
		if row.PhoneNumber == "" || row.Content == "" {
			p.logger.Warn("OutboxPoller.poll: row missing phone or content, marking failed", "id", row.ID)
			if err := p.repo.MarkOutboundFailed(ctx, row.ID); err != nil {
				p.logger.Error("OutboxPoller.poll: mark failed error", "id", row.ID, "error", err)
			}
			continue
		}

		p.logger.Info("OutboxPoller.poll: sending outbound message", "id", row.ID, "to", row.PhoneNumber, "chars", len(row.Content))
		err := p.sender.Send(ctx, row.PhoneNumber, row.Content)
		if ctx.Err() != nil {
			// Left pending; the next run picks it up.
			return
		}
		if err != nil {
			p.logger.Error("OutboxPoller.poll: send failed", "id", row.ID, "error", err)
			if err := p.repo.MarkOutboundFailed(ctx, row.ID); err != nil {
				p.logger.Error("OutboxPoller.poll: mark failed error", "id", row.ID, "error", err)
			}
		} else {
			if err := p.repo.MarkOutboundSent(ctx, row.ID, p.now().UTC()); err != nil {
				p.logger.Error("OutboxPoller.poll: mark sent error", "id", row.ID, "error", err)
			}
			p.logger.Debug("OutboxPoller.poll: message sent", "id", row.ID)
		}

		if i < len(rows)-1 {
			if err := sleepCtx(ctx, p.pause); err != nil {
				return
			}
		}
	}
}
