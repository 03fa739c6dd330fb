// Package classify consumes Events from the event queue, decides eligibility
// against the allow-list, and emits Verdicts on the verdict queue.
// Classification is a pure function of (username, allow-list state), so a
// redelivered Event simply yields a duplicate Verdict; collapsing duplicates
// into a single effect is the enforcement worker's job.
package classify

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/onnwee/chat-warden/db"
	"github.com/onnwee/chat-warden/event"
	"github.com/onnwee/chat-warden/queue"
	"github.com/onnwee/chat-warden/telemetry"
)

// AllowList answers read-only membership lookups.
type AllowList interface {
	IsUserAllowed(ctx context.Context, username string) (bool, error)
}

// DBAllowList implements AllowList on the allowed_users table.
type DBAllowList struct {
	DB *sql.DB
}

func (a DBAllowList) IsUserAllowed(ctx context.Context, username string) (bool, error) {
	return db.IsUserAllowed(ctx, a.DB, username)
}

// Worker is the eligibility classification loop.
type Worker struct {
	Transport    queue.Transport
	EventQueue   string
	VerdictQueue string
	Allow        AllowList
	ReceiveMax   int
	ReceiveWait  time.Duration

	// HeartbeatDB, when set, records job_classify_last in the kv table.
	HeartbeatDB *sql.DB
}

// Run loops until ctx is cancelled. A batch already received is processed to
// completion so no message ends up acked but unprocessed.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("classifier starting", slog.String("component", "classify"))
	for {
		if ctx.Err() != nil {
			slog.Info("classifier stopped", slog.String("component", "classify"))
			return
		}
		msgs, err := w.Transport.Receive(ctx, w.EventQueue, w.ReceiveMax, w.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("receive failed", slog.Any("err", err), slog.String("component", "classify"))
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
		// Finish the in-flight batch even when shutdown races it.
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		for _, msg := range msgs {
			w.processOne(bctx, msg)
		}
		cancel()
		telemetry.Observe(telemetry.ClassifyBatchDuration, time.Since(start).Seconds())
	}
}

func (w *Worker) processOne(ctx context.Context, msg queue.Message) {
	e, err := event.ParseEvent(msg.Body)
	if err != nil {
		// Malformed payloads are dropped, never redelivered indefinitely.
		slog.Warn("dropping malformed event payload", slog.Any("err", err), slog.String("component", "classify"))
		telemetry.Inc(telemetry.EventsMalformed)
		w.ack(ctx, w.EventQueue, msg.ReceiptHandle)
		return
	}

	allowed, err := w.Allow.IsUserAllowed(ctx, e.Username)
	if err != nil {
		// Leave unacked; the visibility window redelivers after the blip.
		slog.Warn("allow-list lookup failed", slog.String("username", e.Username), slog.Any("err", err), slog.String("component", "classify"))
		return
	}

	v := event.Verdict{Event: e, IsAllowed: allowed}
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal verdict", slog.Any("err", err), slog.String("component", "classify"))
		return
	}
	if err := w.Transport.Send(ctx, w.VerdictQueue, body); err != nil {
		// Not acked: the event comes back and we re-emit. The executor absorbs
		// the duplicate verdict.
		slog.Warn("verdict send failed", slog.String("username", e.Username), slog.Any("err", err), slog.String("component", "classify"))
		return
	}
	w.ack(ctx, w.EventQueue, msg.ReceiptHandle)
	telemetry.Inc(telemetry.EventsClassified)
	slog.Debug("event classified", slog.String("username", e.Username), slog.Bool("is_allowed", allowed), slog.String("component", "classify"))
}

func (w *Worker) ack(ctx context.Context, queueURL, receiptHandle string) {
	if err := w.Transport.Ack(ctx, queueURL, receiptHandle); err != nil {
		// Redelivery produces a duplicate downstream, which is safe.
		slog.Warn("ack failed", slog.Any("err", err), slog.String("component", "classify"))
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	if w.HeartbeatDB == nil {
		return
	}
	_ = db.SetKV(ctx, w.HeartbeatDB, "job_classify_last", time.Now().UTC().Format(time.RFC3339))
}
