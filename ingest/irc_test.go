package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastReconnect(t *testing.T) {
	t.Helper()
	origBase, origMax := reconnectBase, reconnectMax
	reconnectBase = 5 * time.Millisecond
	reconnectMax = 20 * time.Millisecond
	t.Cleanup(func() { reconnectBase, reconnectMax = origBase, origMax })
}

func TestRunLoopReconnectsAfterFailure(t *testing.T) {
	fastReconnect(t)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("login authentication failure")
		})
	}()

	// A failed connect must lead to further attempts, not a dead listener.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := calls.Load(); n < 3 {
		t.Fatalf("connect attempts = %d, want at least 3", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runLoop did not stop after cancellation")
	}
}

func TestRunLoopStopsWhenCancelledMidConnection(t *testing.T) {
	fastReconnect(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runLoop did not stop after cancellation")
	}
}

func TestIRCTokenPrefix(t *testing.T) {
	if got := ircToken("abc"); got != "oauth:abc" {
		t.Errorf("ircToken(abc) = %q", got)
	}
	if got := ircToken("oauth:abc"); got != "oauth:abc" {
		t.Errorf("ircToken(oauth:abc) = %q", got)
	}
}

func TestRunLoopReadsTokenPerAttempt(t *testing.T) {
	fastReconnect(t)

	// The connect closure mirrors Run's: the token is read inside each
	// attempt, so a renewal during an outage is used by the next login.
	tokens := &seqTokens{}
	var mu sync.Mutex
	var seen []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, func(ctx context.Context) error {
			mu.Lock()
			seen = append(seen, ircToken(tokens.Current()))
			mu.Unlock()
			return errors.New("connection reset")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("connect attempts = %d, want at least 2", len(seen))
	}
	if seen[0] == seen[1] {
		t.Errorf("second attempt reused token %q; want the renewed one", seen[0])
	}
}

type seqTokens struct {
	n atomic.Int32
}

func (s *seqTokens) Current() string {
	return "tok-" + string(rune('a'+s.n.Add(1)))
}
