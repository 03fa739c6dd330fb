// Package ingest converts live chat callbacks into canonical Events and
// enqueues them on the event queue. It holds no state machine: each callback
// is a synchronous conversion plus a bounded enqueue, and must never block the
// chat connection for long.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/chat-warden/event"
	"github.com/onnwee/chat-warden/queue"
	"github.com/onnwee/chat-warden/telemetry"
)

// Ingestor enqueues chat events. Events authored by the bot itself are
// suppressed so the pipeline never moderates its own traffic.
type Ingestor struct {
	Transport   queue.Transport
	QueueURL    string
	BotUsername string
	MaxAttempts int           // enqueue attempts before the event is dropped
	Timeout     time.Duration // per-attempt send timeout
}

func (i *Ingestor) attempts() int {
	if i.MaxAttempts > 0 {
		return i.MaxAttempts
	}
	return 3
}

func (i *Ingestor) timeout() time.Duration {
	if i.Timeout > 0 {
		return i.Timeout
	}
	return 2 * time.Second
}

// OnChatMessage handles one observed chat message. messageID may be empty when
// the platform did not tag the message; it is passed through as-is.
func (i *Ingestor) OnChatMessage(ctx context.Context, username, text, messageID string, at time.Time) {
	if i.isSelf(username) {
		return
	}
	i.enqueue(ctx, event.NewMessage(username, text, messageID, at))
}

// OnChatJoin handles one observed channel join.
func (i *Ingestor) OnChatJoin(ctx context.Context, username string, at time.Time) {
	if i.isSelf(username) {
		return
	}
	i.enqueue(ctx, event.NewJoin(username, at))
}

func (i *Ingestor) isSelf(username string) bool {
	return strings.EqualFold(username, i.BotUsername)
}

// enqueue sends with a short bounded retry. Exhausted retries drop the event
// and count it as a loss; chat volume is not worth stalling the live stream.
func (i *Ingestor) enqueue(ctx context.Context, e event.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		slog.Error("marshal event", slog.Any("err", err), slog.String("component", "ingest"))
		return
	}
	var lastErr error
	for attempt := 1; attempt <= i.attempts(); attempt++ {
		sctx, cancel := context.WithTimeout(ctx, i.timeout())
		lastErr = i.Transport.Send(sctx, i.QueueURL, body)
		cancel()
		if lastErr == nil {
			telemetry.Inc(telemetry.EventsIngested)
			return
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	telemetry.Inc(telemetry.EventsDropped)
	slog.Warn("event dropped after exhausted enqueue retries",
		slog.String("username", e.Username), slog.String("event_type", e.Type),
		slog.Any("err", lastErr), slog.String("component", "ingest"))
}
