// Package enforce consumes Verdicts from the verdict queue and applies the
// moderation action to disallowed users: a timed chat suspension plus a
// best-effort whisper. Applying the same suspension twice is success, which is
// what makes at-least-once delivery acceptable without a dedup store.
package enforce

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/chat-warden/db"
	"github.com/onnwee/chat-warden/event"
	"github.com/onnwee/chat-warden/queue"
	"github.com/onnwee/chat-warden/telemetry"
	"github.com/onnwee/chat-warden/twitchapi"
)

// Moderator is the slice of the platform API the executor needs.
// *twitchapi.HelixClient satisfies it.
type Moderator interface {
	GetUserID(ctx context.Context, login string) (string, error)
	BanUser(ctx context.Context, broadcasterID, moderatorID, userID string, duration time.Duration, reason string) error
	SendWhisper(ctx context.Context, fromUserID, toUserID, message string) error
}

// Worker is the enforcement loop.
type Worker struct {
	Transport    queue.Transport
	VerdictQueue string
	API          Moderator

	ChannelID string // broadcaster whose chat is moderated
	BotUserID string // whisper sender; empty disables notifications

	SuspensionDuration time.Duration
	SuspensionReason   string
	MaxAttempts        int
	ReceiveMax         int
	ReceiveWait        time.Duration

	// HeartbeatDB, when set, records job_enforce_last in the kv table.
	HeartbeatDB *sql.DB

	// OnFatal is invoked when the credential is rejected by the platform.
	// The process should stop; the token manager is broken.
	OnFatal func(error)
}

func (w *Worker) attempts() int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return 3
}

// Run loops until ctx is cancelled, finishing any in-flight batch.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("enforcement worker starting", slog.String("component", "enforce"))
	for {
		if ctx.Err() != nil {
			slog.Info("enforcement worker stopped", slog.String("component", "enforce"))
			return
		}
		msgs, err := w.Transport.Receive(ctx, w.VerdictQueue, w.ReceiveMax, w.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("receive failed", slog.Any("err", err), slog.String("component", "enforce"))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		w.heartbeat(ctx)
		start := time.Now()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		for _, msg := range msgs {
			w.processOne(bctx, msg)
		}
		cancel()
		telemetry.Observe(telemetry.EnforceBatchDuration, time.Since(start).Seconds())
	}
}

func (w *Worker) processOne(ctx context.Context, msg queue.Message) {
	v, err := event.ParseVerdict(msg.Body)
	if err != nil {
		slog.Warn("dropping malformed verdict payload", slog.Any("err", err), slog.String("component", "enforce"))
		telemetry.Inc(telemetry.EventsMalformed)
		w.ack(ctx, msg.ReceiptHandle)
		return
	}
	telemetry.Inc(telemetry.VerdictsProcessed)

	if v.IsAllowed {
		w.ack(ctx, msg.ReceiptHandle)
		return
	}

	logger := slog.Default().With(slog.String("username", v.Username), slog.String("component", "enforce"))

	var userID string
	err = w.withRetry(ctx, logger, "resolve user", func() error {
		var rerr error
		userID, rerr = w.API.GetUserID(ctx, v.Username)
		return rerr
	})
	if err != nil {
		switch {
		case errors.Is(err, twitchapi.ErrUserNotFound):
			// Reference-data miss: nothing actionable.
			logger.Info("user not found; nothing to enforce")
			w.ack(ctx, msg.ReceiptHandle)
		case errors.Is(err, twitchapi.ErrUnauthorized):
			w.fatal(err)
		default:
			w.poison(ctx, msg, logger, err)
		}
		return
	}

	err = w.withRetry(ctx, logger, "apply suspension", func() error {
		return w.API.BanUser(ctx, w.ChannelID, "", userID, w.SuspensionDuration, w.SuspensionReason)
	})
	if err != nil {
		if errors.Is(err, twitchapi.ErrUnauthorized) {
			w.fatal(err)
			return
		}
		w.poison(ctx, msg, logger, err)
		return
	}
	telemetry.Inc(telemetry.SuspensionsIssued)
	logger.Info("suspension applied", slog.Duration("duration", w.SuspensionDuration), slog.String("user_id", userID))

	// Notification is best-effort: a missing whisper is tolerable, a missing
	// suspension is not.
	if w.BotUserID != "" {
		if werr := w.API.SendWhisper(ctx, w.BotUserID, userID, w.whisperText()); werr != nil {
			telemetry.Inc(telemetry.WhisperFailures)
			logger.Warn("whisper failed", slog.Any("err", werr))
		}
	}

	w.ack(ctx, msg.ReceiptHandle)
}

func (w *Worker) whisperText() string {
	return "You have been timed out in chat: " + w.SuspensionReason + "."
}

// withRetry retries transient failures with capped backoff. Permanent errors
// (user not found, rejected credential, non-retriable 4xx) return immediately.
func (w *Worker) withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= w.attempts(); attempt++ {
		err = fn()
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
		logger.Warn(op+" failed; retrying", slog.Int("attempt", attempt), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, twitchapi.ErrUserNotFound) || errors.Is(err, twitchapi.ErrUnauthorized) {
		return false
	}
	var apiErr *twitchapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Plain transport errors (timeouts, resets) are worth retrying.
	return true
}

// poison acks a verdict whose enforcement kept failing, so it cannot block
// the queue in an unbounded redelivery loop.
func (w *Worker) poison(ctx context.Context, msg queue.Message, logger *slog.Logger, err error) {
	telemetry.Inc(telemetry.VerdictsPoisoned)
	logger.Error("enforcement failed after retries; dropping verdict", slog.Any("err", err))
	w.ack(ctx, msg.ReceiptHandle)
}

func (w *Worker) fatal(err error) {
	// No ack: after a restart with fresh credentials the verdict is
	// redelivered and enforced.
	slog.Error("credential rejected by platform", slog.Any("err", err), slog.String("component", "enforce"))
	if w.OnFatal != nil {
		w.OnFatal(err)
	}
}

func (w *Worker) ack(ctx context.Context, receiptHandle string) {
	if err := w.Transport.Ack(ctx, w.VerdictQueue, receiptHandle); err != nil {
		slog.Warn("ack failed", slog.Any("err", err), slog.String("component", "enforce"))
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	if w.HeartbeatDB == nil {
		return
	}
	_ = db.SetKV(ctx, w.HeartbeatDB, "job_enforce_last", time.Now().UTC().Format(time.RFC3339))
}
