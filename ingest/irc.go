package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-warden/telemetry"
	"github.com/onnwee/chat-warden/twitchapi"
)

// Reconnect backoff bounds, overridable in tests.
var (
	reconnectBase = time.Second
	reconnectMax  = time.Minute
)

// Run keeps the chat connection alive until ctx is cancelled. Every attempt
// builds a fresh client with the token read through the provider at that
// moment, so a credential renewed during an outage takes effect on the next
// connect instead of the session dying on a stale login.
func Run(ctx context.Context, ing *Ingestor, channel string, tokens twitchapi.TokenProvider) {
	if channel == "" || ing.BotUsername == "" {
		slog.Info("chat listener disabled (missing channel or bot username)", slog.String("component", "ingest"))
		return
	}
	runLoop(ctx, func(ctx context.Context) error {
		return connectOnce(ctx, ing, channel, tokens)
	})
}

// runLoop retries connect with capped backoff. A connection that stayed up for
// a while resets the backoff so a long-lived session's eventual drop
// reconnects quickly.
func runLoop(ctx context.Context, connect func(context.Context) error) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			slog.Info("chat listener stopped", slog.String("component", "ingest"))
			return
		}
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			slog.Info("chat listener stopped", slog.String("component", "ingest"))
			return
		}
		if time.Since(start) > time.Minute {
			backoff = reconnectBase
		}
		telemetry.Inc(telemetry.ChatReconnects)
		slog.Warn("chat connection ended; reconnecting",
			slog.Any("err", err), slog.Duration("backoff", backoff), slog.String("component", "ingest"))
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func connectOnce(ctx context.Context, ing *Ingestor, channel string, tokens twitchapi.TokenProvider) error {
	client := twitch.NewClient(ing.BotUsername, ircToken(tokens.Current()))

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ing.OnChatMessage(ctx, msg.User.Name, msg.Message, msg.ID, msg.Time)
	})
	client.OnUserJoinMessage(func(msg twitch.UserJoinMessage) {
		ing.OnChatJoin(ctx, msg.User, time.Now().UTC())
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			client.Disconnect()
		case <-stop:
		}
	}()

	client.Join(channel)
	slog.Info("chat listener connecting", slog.String("channel", channel), slog.String("component", "ingest"))
	return client.Connect()
}

func ircToken(token string) string {
	if strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}
