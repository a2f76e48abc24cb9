package memory

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/conversation-orchestrator/internal/model"
)

type fakeSummariser struct {
	mu       sync.Mutex
	calls    int
	block    chan struct{}
	response string
	err      error
}

func (f *fakeSummariser) Summarise(ctx context.Context, existing string, turns []model.ConversationTurn) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeSummariser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStore_AppendNeverLossy(t *testing.T) {
	s := New(100000, &fakeSummariser{}, time.Second, zerolog.Nop())

	s.Append("hello", "hi there", "")
	s.Append("what is this", "a test", "screenshot: code editor")

	snap := s.Snapshot()
	if len(snap.RecentTurns) != 2 {
		t.Fatalf("expected 2 retained turns, got %d", len(snap.RecentTurns))
	}
}

func TestStore_SummarisesWhenBudgetExceeded(t *testing.T) {
	summariser := &fakeSummariser{response: "summary of old turns"}
	s := New(10, summariser, time.Second, zerolog.Nop()) // tiny budget forces summarisation

	s.Append(strings.Repeat("a", 100), strings.Repeat("b", 100), "")

	deadline := time.Now().Add(time.Second)
	for summariser.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if summariser.callCount() == 0 {
		t.Fatal("expected summariser to be invoked when budget exceeded")
	}
}

func TestStore_AppendDuringSummarisationNotLost(t *testing.T) {
	block := make(chan struct{})
	summariser := &fakeSummariser{response: "summary of first turn", block: block}

	// Budget 20: the first turn (50 tokens) forces summarisation, while the
	// summary (6 tokens) plus the second turn (7 tokens) fit afterwards.
	s := New(20, summariser, time.Second, zerolog.Nop())
	s.Append(strings.Repeat("a", 100), strings.Repeat("b", 100), "")

	deadline := time.Now().Add(time.Second)
	for summariser.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if summariser.callCount() == 0 {
		t.Fatal("expected summarisation to have started")
	}

	// Appended while the summariser goroutine above is still blocked on
	// block. Must survive the completion handler untouched.
	s.Append("second user turn", "second reply", "")
	close(block)

	deadline = time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		done := !s.summarising
		s.mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	snap := s.Snapshot()
	if snap.Summary == "" {
		t.Fatal("expected the first turn to have been folded into a summary")
	}
	if len(snap.RecentTurns) != 1 || snap.RecentTurns[0].UserText != "second user turn" {
		t.Fatalf("expected the concurrently appended turn to survive verbatim, got %+v", snap.RecentTurns)
	}
}

func TestStore_SnapshotFallsBackOnSummariseTimeout(t *testing.T) {
	block := make(chan struct{})
	summariser := &fakeSummariser{response: "summary", block: block}
	defer close(block)

	s := New(10, summariser, 20*time.Millisecond, zerolog.Nop())
	s.Append(strings.Repeat("a", 100), strings.Repeat("b", 100), "")

	// Give the background goroutine a moment to mark summarising=true.
	time.Sleep(5 * time.Millisecond)

	snap := s.Snapshot()
	if len(snap.RecentTurns) == 0 {
		t.Error("expected fallback snapshot to still contain pre-summary turns")
	}
}

func TestStore_Clear(t *testing.T) {
	s := New(100000, &fakeSummariser{}, time.Second, zerolog.Nop())
	s.Append("a", "b", "")
	s.Clear()

	snap := s.Snapshot()
	if len(snap.RecentTurns) != 0 || snap.Summary != "" {
		t.Error("expected Clear to discard all retained history")
	}
}

func TestStore_NeverExceedsBudgetAfterSummarisation(t *testing.T) {
	summariser := &fakeSummariser{response: "compressed"}
	s := New(20, summariser, time.Second, zerolog.Nop())

	for i := 0; i < 5; i++ {
		s.Append(strings.Repeat("x", 40), strings.Repeat("y", 40), "")
	}

	deadline := time.Now().Add(time.Second)
	for summariser.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	snap := s.Snapshot()
	if snap.EstimatedTokens() > 20*3 {
		// Loose bound: summarisation runs async and may lag one Append
		// behind, but must not grow unbounded.
		t.Errorf("expected snapshot to stay roughly within budget, got %d tokens", snap.EstimatedTokens())
	}
}
