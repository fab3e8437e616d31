package session

import (
	"fmt"
	"testing"
	"time"
)

func TestHistoryAlternatingTurns(t *testing.T) {
	h := newHistoryManager(nil)
	for i := 0; i < 5; i++ {
		h.appendUser(fmt.Sprintf("question %d", i))
		h.appendAssistant(fmt.Sprintf("answer %d", i))
	}

	turns := h.snapshot()
	if len(turns) != 10 {
		t.Fatalf("len = %d, want 10", len(turns))
	}
	for i, turn := range turns {
		wantRole := "user"
		if i%2 == 1 {
			wantRole = "assistant"
		}
		if turn.Role != wantRole {
			t.Errorf("turn %d role = %q, want %q", i, turn.Role, wantRole)
		}
	}
}

func TestHistoryWindowBounded(t *testing.T) {
	h := newHistoryManager(nil)
	for i := 0; i < 30; i++ {
		h.appendUser(fmt.Sprintf("q%d", i))
		h.appendAssistant(fmt.Sprintf("a%d", i))
	}

	msgs := h.window(10)
	if len(msgs) != 10 {
		t.Fatalf("window len = %d, want 10", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "q25" {
		t.Errorf("window starts at %s %q, want user q25", msgs[0].Role, msgs[0].Content)
	}
	if msgs[9].Content != "a29" {
		t.Errorf("window ends at %q, want a29", msgs[9].Content)
	}
}

func TestHistoryWindowStartsOnUserTurn(t *testing.T) {
	h := newHistoryManager(nil)
	h.appendAssistant("greeting")
	h.appendUser("q0")
	h.appendAssistant("a0")

	// A window cut mid-pair must skip forward to the next user turn.
	msgs := h.window(2)
	if len(msgs) != 1 {
		t.Fatalf("window len = %d, want 1", len(msgs))
	}

	msgs = h.window(0)
	if len(msgs) != 2 {
		t.Fatalf("unbounded window len = %d, want 2 (leading assistant trimmed)", len(msgs))
	}
	if msgs[0].Content != "q0" {
		t.Errorf("window starts at %q, want q0", msgs[0].Content)
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHistoryManager(func() time.Time { return now })
	h.appendUser("hello")

	snap := h.snapshot()
	snap[0].Content = "mutated"
	if h.snapshot()[0].Content != "hello" {
		t.Error("snapshot mutation leaked into history")
	}
	if !h.snapshot()[0].Timestamp.Equal(now) {
		t.Error("timestamp not taken from injected clock")
	}
}
