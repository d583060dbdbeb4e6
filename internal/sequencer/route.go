package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/ChatBridge/internal/agent"
	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
	"github.com/BTreeMap/ChatBridge/internal/stream"
	"github.com/BTreeMap/ChatBridge/internal/telemetry"
	"github.com/BTreeMap/ChatBridge/internal/users"
)

// Route names the path a row took.
type Route string

const (
	RouteLookup     Route = "lookup"
	RouteSignup     Route = "signup"
	RouteOnboarding Route = "onboarding"
	RouteActive     Route = "active"
	RouteNoAccount  Route = "no_account"
	RouteUnknown    Route = "unknown_status"
)

// Fixed replies.
const (
	OnboardFailureText = "Hey, something went wrong on my end. Text me again in a sec."
	NoAccountText      = "Something's off with your account. Try signing in again."
)

// handle runs one row inside an error boundary. Failures are logged and never
// escape, so the next row for the sender still runs.
func (s *Sequencer) handle(ctx context.Context, msg models.IncomingMessage) {
	s.logger.Info("Sequencer.handle: new message", "sender", msg.Sender, "guid", msg.GUID, "position", msg.Position, "chars", len(msg.Text))
	ctx, span := s.tel.StartTurn(ctx, msg.Sender, msg.GUID, msg.Position)

	route, err := s.safeRoute(ctx, msg)
	result := telemetry.ResultOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		result = telemetry.ResultCancelled
		err = nil
	default:
		result = telemetry.ResultError
		s.logger.Error("Sequencer.handle: failed to process message", "sender", msg.Sender, "guid", msg.GUID, "position", msg.Position, "route", route, "error", err)
	}
	s.tel.EndTurn(ctx, span, string(route), result, err)
}

func (s *Sequencer) safeRoute(ctx context.Context, msg models.IncomingMessage) (route Route, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while routing: %v", r)
		}
	}()
	user, err := s.users.Lookup(ctx, msg.Sender)
	if err != nil {
		return RouteLookup, err
	}
	return s.dispatch(ctx, msg, user)
}

func (s *Sequencer) dispatch(ctx context.Context, msg models.IncomingMessage, user *models.UserInfo) (Route, error) {
	switch {
	case user == nil:
		return s.signup(ctx, msg)
	case user.Status.IsOnboarding():
		return s.continueOnboarding(ctx, msg, user)
	case user.Status == models.StatusActive:
		return s.processActive(ctx, msg, user)
	default:
		s.logger.Warn("Sequencer.dispatch: unknown user status, skipping", "sender", msg.Sender, "status", user.Status)
		return RouteUnknown, nil
	}
}

// signup creates a pending user for a first-time sender and opens the
// onboarding conversation.
func (s *Sequencer) signup(ctx context.Context, msg models.IncomingMessage) (Route, error) {
	s.logger.Info("Sequencer.signup: new sender", "sender", msg.Sender)
	user, err := s.users.Create(ctx, msg.Sender)
	if errors.Is(err, store.ErrConflict) {
		s.logger.Info("Sequencer.signup: sender already exists, re-fetching", "sender", msg.Sender)
		s.users.Invalidate(msg.Sender)
		fresh, err := s.users.Lookup(ctx, msg.Sender)
		if err != nil {
			return RouteSignup, err
		}
		if fresh == nil {
			return RouteSignup, fmt.Errorf("user %s conflicted on create but cannot be found", msg.Sender)
		}
		return s.dispatch(ctx, msg, fresh)
	}
	if err != nil {
		return RouteSignup, fmt.Errorf("create pending user: %w", err)
	}
	return RouteSignup, s.callOnboard(ctx, msg, agent.OnboardRequest{
		MessageCount: 1,
		OnboardURL:   s.onboardURL(user.OnboardingToken),
	})
}

// continueOnboarding carries on the signup conversation, unless the user has
// finished signup since the last snapshot.
func (s *Sequencer) continueOnboarding(ctx context.Context, msg models.IncomingMessage, user *models.UserInfo) (Route, error) {
	s.users.Invalidate(msg.Sender)
	fresh, err := s.users.Lookup(ctx, msg.Sender)
	if err != nil {
		if ctx.Err() != nil {
			return RouteOnboarding, ctx.Err()
		}
		s.logger.Warn("Sequencer.continueOnboarding: re-fetch failed, using snapshot", "sender", msg.Sender, "error", err)
		fresh = nil
	}
	if fresh != nil && fresh.Status == models.StatusActive && fresh.HasAccount() {
		s.logger.Info("Sequencer.continueOnboarding: signup completed, routing as active", "sender", msg.Sender)
		return s.processActive(ctx, msg, fresh)
	}
	info := user
	if fresh != nil {
		info = fresh
	}
	return RouteOnboarding, s.callOnboard(ctx, msg, agent.OnboardRequest{
		History:      info.OnboardMessages,
		MessageCount: info.OnboardCount + 1,
		OnboardURL:   s.onboardURL(info.OnboardingToken),
		PDLContext:   users.BuildProfileContext(info.Profile),
	})
}

func (s *Sequencer) callOnboard(ctx context.Context, msg models.IncomingMessage, req agent.OnboardRequest) error {
	req.Phone = msg.Sender
	req.Message = msg.Text
	result, err := s.onboard.Onboard(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.deliver(ctx, msg.Sender, OnboardFailureText)
		return fmt.Errorf("onboard chat: %w", err)
	}
	if result.Text == "" {
		s.logger.Error("Sequencer.callOnboard: empty onboarding response", "sender", msg.Sender, "message_count", req.MessageCount)
		return nil
	}
	s.logger.Info("Sequencer.callOnboard: onboarding reply", "sender", msg.Sender, "message_count", req.MessageCount, "chars", len(result.Text))
	s.deliver(ctx, msg.Sender, result.Text)
	return nil
}

// processActive runs one streamed agent turn for a signed-up user.
func (s *Sequencer) processActive(ctx context.Context, msg models.IncomingMessage, user *models.UserInfo) (Route, error) {
	if !user.HasAccount() {
		s.logger.Error("Sequencer.processActive: active user has no account id", "sender", msg.Sender)
		s.deliver(ctx, msg.Sender, NoAccountText)
		return RouteNoAccount, nil
	}

	result, err := s.chatTurn(ctx, msg, user)
	if err != nil {
		return RouteActive, fmt.Errorf("chat turn: %w", err)
	}

	if result.Text == "" {
		s.logger.Debug("Sequencer.processActive: agent returned empty response", "sender", msg.Sender)
		return RouteActive, nil
	}
	// Record the reply before delivery so the fallback relay never sends it
	// a second time.
	if result.ReplyID != "" {
		if err := s.state.MarkReplySent(result.ReplyID); err != nil {
			s.logger.Error("Sequencer.processActive: failed to persist sent reply", "reply_id", result.ReplyID, "error", err)
		}
	}
	s.deliver(ctx, msg.Sender, result.Text)
	return RouteActive, nil
}

// chatTurn holds a global turn slot for the duration of the agent call. Acks
// are forwarded to the sender as they arrive.
func (s *Sequencer) chatTurn(ctx context.Context, msg models.IncomingMessage, user *models.UserInfo) (stream.Result, error) {
	if err := s.turns.Acquire(ctx, 1); err != nil {
		return stream.Result{}, err
	}
	defer s.turns.Release(1)
	s.tel.TurnStarted(ctx)
	defer s.tel.TurnFinished(ctx)

	return s.agent.Chat(ctx, agent.ChatRequest{
		UserID:   user.UserID,
		Message:  msg.Text,
		UserName: user.DisplayName,
	}, func(ctx context.Context, text string) error {
		return s.sender.Send(ctx, msg.Sender, text)
	})
}

func (s *Sequencer) onboardURL(token string) string {
	return s.signupURL + "?token=" + token
}

// deliver sends text. A failure is logged and ends the row.
func (s *Sequencer) deliver(ctx context.Context, to, text string) {
	if err := s.sender.Send(ctx, to, text); err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Sequencer.deliver: failed to send reply", "to", to, "error", err)
		}
		return
	}
	s.logger.Info("Sequencer.deliver: reply sent", "to", to, "chars", len(text))
}
