package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemory_RecordsInOrder(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	m.Record(context.Background(), "tok", "session_start", nil)
	m.Record(context.Background(), "tok", "prompt", map[string]any{"text": "hi"})
	m.Record(context.Background(), "tok", "session_end", nil)

	entries := m.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	want := []string{"session_start", "prompt", "session_end"}
	for i, e := range entries {
		if e.EventType != want[i] {
			t.Errorf("entry %d type = %q, want %q", i, e.EventType, want[i])
		}
		if e.SessionToken != "tok" {
			t.Errorf("entry %d token = %q", i, e.SessionToken)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("entry %d missing id or timestamp", i)
		}
	}
}

func TestRedis_RecordDoesNotBlockCaller(t *testing.T) {
	t.Parallel()

	// Unreachable backend: every write fails inside the worker, never
	// on the recording goroutine.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedis(client, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)
	defer r.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueSize*2; i++ {
			r.Record(context.Background(), "tok", "prompt", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked with the backend down")
	}
}

func TestRedis_RecordAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedis(client, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r.Record(context.Background(), "tok", "session_end", nil)
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
