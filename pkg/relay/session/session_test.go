package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workshoplabs/voicerelay/pkg/core/llm"
	"github.com/workshoplabs/voicerelay/pkg/tenant"
)

type fakeConn struct {
	in     chan inboundMessage
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inboundMessage, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) send(messageType int, data []byte) {
	c.in <- inboundMessage{messageType: messageType, data: data}
}

func (c *fakeConn) sendJSON(raw string) {
	c.send(websocket.TextMessage, []byte(raw))
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.messageType, m.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type textFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
	Error string `json:"error"`
}

func (c *fakeConn) writtenFrames(t *testing.T) []textFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]textFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f textFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal written frame %q: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) waitFrames(t *testing.T, n int) []textFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := c.writtenFrames(t)
		if len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d written frames, have %d", n, len(c.writtenFrames(t)))
	return nil
}

type fakeCompleter struct {
	mu   sync.Mutex
	reqs []*llm.Request

	reply  string
	err    error
	tokens []string

	block        bool
	started      chan struct{}
	startedOnce  sync.Once
	canceled     chan struct{}
	canceledOnce sync.Once
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{
		started:  make(chan struct{}),
		canceled: make(chan struct{}),
	}
}

func (f *fakeCompleter) record(req *llm.Request) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	f.startedOnce.Do(func() { close(f.started) })
}

func (f *fakeCompleter) lastRequest(t *testing.T) *llm.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no completion request recorded")
	}
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llm.Request) (string, error) {
	f.record(req)
	if f.block {
		<-ctx.Done()
		f.canceledOnce.Do(func() { close(f.canceled) })
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeCompleter) StreamComplete(ctx context.Context, req *llm.Request) (llm.TokenStream, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	onCancel := func() { f.canceledOnce.Do(func() { close(f.canceled) }) }
	return &fakeStream{ctx: ctx, tokens: f.tokens, blockAfter: f.block, onCancel: onCancel}, nil
}

type fakeStream struct {
	ctx        context.Context
	tokens     []string
	i          int
	blockAfter bool
	onCancel   func()
}

func (s *fakeStream) Next() (string, error) {
	if s.i < len(s.tokens) {
		tok := s.tokens[s.i]
		s.i++
		return tok, nil
	}
	if s.blockAfter {
		<-s.ctx.Done()
		s.onCancel()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

func startSession(t *testing.T, cfg Config, comp llm.Completer, ten tenant.Config) (*Session, *fakeConn) {
	t.Helper()
	if ten.SessionToken == "" {
		ten.SessionToken = "tok-test"
	}
	if ten.SystemPrompt == "" {
		ten.SystemPrompt = "You are a test assistant."
	}

	conn := newFakeConn()
	s := New(cfg, Dependencies{
		Conn:      conn,
		Completer: comp,
		Tenant:    ten,
		SessionID: "sess-test",
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	t.Cleanup(func() {
		s.Cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return s, conn
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", s.Phase(), want)
}

func waitHistoryLen(t *testing.T, s *Session, want int) []Turn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if turns := s.History(); len(turns) >= want {
			return turns
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history len = %d, want %d", len(s.History()), want)
	return nil
}

func TestSessionBufferedTurn(t *testing.T) {
	comp := newFakeCompleter()
	comp.reply = "Hi there."

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"hello","last":true}`)

	frames := conn.waitFrames(t, 1)
	if frames[0].Type != "text" || frames[0].Token != "Hi there." || !frames[0].Last {
		t.Fatalf("reply frame = %+v, want text/Hi there./last", frames[0])
	}

	turns := waitHistoryLen(t, s, 2)
	if turns[0].Role != "user" || turns[0].Content != "hello" {
		t.Errorf("turn 0 = %s %q", turns[0].Role, turns[0].Content)
	}
	if turns[1].Role != "assistant" || turns[1].Content != "Hi there." {
		t.Errorf("turn 1 = %s %q", turns[1].Role, turns[1].Content)
	}
	waitPhase(t, s, PhaseListening)

	req := comp.lastRequest(t)
	if req.System != "You are a test assistant." {
		t.Errorf("request system = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
		t.Errorf("request messages = %+v", req.Messages)
	}
}

func TestSessionPromptChunksAccumulate(t *testing.T) {
	comp := newFakeCompleter()
	comp.reply = "ok"

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"Hello, ","last":false}`)
	conn.sendJSON(`{"type":"prompt","voicePrompt":"world","last":true}`)

	conn.waitFrames(t, 1)
	req := comp.lastRequest(t)
	got := req.Messages[len(req.Messages)-1].Content
	if got != "Hello, world" {
		t.Errorf("finalized utterance = %q, want %q", got, "Hello, world")
	}
}

func TestSessionPromptWithoutLastIsFinal(t *testing.T) {
	comp := newFakeCompleter()
	comp.reply = "ok"

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"just this"}`)
	conn.waitFrames(t, 1)

	req := comp.lastRequest(t)
	if req.Messages[0].Content != "just this" {
		t.Errorf("utterance = %q", req.Messages[0].Content)
	}
}

func TestSessionGreeting(t *testing.T) {
	comp := newFakeCompleter()
	s, conn := startSession(t, Config{}, comp, tenant.Config{Greeting: "Welcome to the line."})

	frames := conn.waitFrames(t, 1)
	if frames[0].Token != "Welcome to the line." || !frames[0].Last {
		t.Fatalf("greeting frame = %+v", frames[0])
	}
	turns := waitHistoryLen(t, s, 1)
	if turns[0].Role != "assistant" || turns[0].Content != "Welcome to the line." {
		t.Errorf("greeting turn = %s %q", turns[0].Role, turns[0].Content)
	}
}

func TestSessionInterruptCancelsGeneration(t *testing.T) {
	comp := newFakeCompleter()
	comp.block = true

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"tell me a story","last":true}`)
	<-comp.started
	waitPhase(t, s, PhaseGenerating)

	conn.sendJSON(`{"type":"interrupt","utteranceUntilInterrupt":"Once upon"}`)

	select {
	case <-comp.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("backend call was not canceled")
	}
	waitPhase(t, s, PhaseListening)

	// Buffered mode released nothing, so nothing is committed.
	turns := s.History()
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("history after interrupt = %+v, want single user turn", turns)
	}
	time.Sleep(50 * time.Millisecond)
	if frames := conn.writtenFrames(t); len(frames) != 0 {
		t.Errorf("frames written after interrupt = %+v, want none", frames)
	}
}

func TestSessionInterruptWhileListeningIsNoop(t *testing.T) {
	comp := newFakeCompleter()
	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"interrupt"}`)
	time.Sleep(50 * time.Millisecond)

	if got := s.Phase(); got != PhaseListening {
		t.Errorf("phase = %s, want listening", got)
	}
	if len(s.History()) != 0 {
		t.Errorf("history = %+v, want empty", s.History())
	}
}

func TestSessionUtteranceDuringGenerationBargesIn(t *testing.T) {
	comp := newFakeCompleter()
	comp.block = true

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"first","last":true}`)
	<-comp.started
	waitPhase(t, s, PhaseGenerating)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"actually, second","last":true}`)

	select {
	case <-comp.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("first backend call was not canceled")
	}

	turns := waitHistoryLen(t, s, 2)
	if turns[1].Content != "actually, second" {
		t.Errorf("second utterance = %q", turns[1].Content)
	}
	waitPhase(t, s, PhaseGenerating)
}

func TestSessionTimeoutSendsFallback(t *testing.T) {
	comp := newFakeCompleter()
	comp.block = true

	s, conn := startSession(t, Config{TurnTimeout: 30 * time.Millisecond}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"slow question","last":true}`)

	frames := conn.waitFrames(t, 1)
	if frames[0].Token != FallbackReply || !frames[0].Last {
		t.Fatalf("fallback frame = %+v", frames[0])
	}

	turns := waitHistoryLen(t, s, 2)
	if turns[1].Content != FallbackReply {
		t.Errorf("history turn = %q, want fallback reply", turns[1].Content)
	}
	waitPhase(t, s, PhaseListening)
}

func TestSessionBackendErrorSendsFallback(t *testing.T) {
	comp := newFakeCompleter()
	comp.err = &llm.Error{Type: llm.ErrOverloaded, Message: "overloaded", Status: 529}

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"hello","last":true}`)

	frames := conn.waitFrames(t, 1)
	if frames[0].Token != FallbackReply {
		t.Fatalf("frame = %+v, want fallback", frames[0])
	}
	waitPhase(t, s, PhaseListening)
}

func TestSessionStreamingTurn(t *testing.T) {
	comp := newFakeCompleter()
	comp.tokens = []string{"Hel", "lo."}

	s, conn := startSession(t, Config{StreamTokens: true}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"hi","last":true}`)

	frames := conn.waitFrames(t, 3)
	if frames[0].Token != "Hel" || frames[0].Last {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Token != "lo." || frames[1].Last {
		t.Errorf("frame 1 = %+v", frames[1])
	}
	if frames[2].Token != "" || !frames[2].Last {
		t.Errorf("frame 2 = %+v, want terminal marker", frames[2])
	}

	turns := waitHistoryLen(t, s, 2)
	if turns[1].Content != "Hello." {
		t.Errorf("assistant turn = %q, want Hello.", turns[1].Content)
	}
}

func TestSessionStreamingInterruptCommitsHeardPrefix(t *testing.T) {
	comp := newFakeCompleter()
	comp.tokens = []string{"Once", " upon", " a time"}
	comp.block = true

	s, conn := startSession(t, Config{StreamTokens: true}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"prompt","voicePrompt":"story please","last":true}`)
	conn.waitFrames(t, 3)

	conn.sendJSON(`{"type":"interrupt","utteranceUntilInterrupt":"Once upon"}`)

	select {
	case <-comp.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not canceled")
	}

	turns := waitHistoryLen(t, s, 2)
	if turns[1].Role != "assistant" || turns[1].Content != "Once upon" {
		t.Errorf("committed turn = %s %q, want heard prefix", turns[1].Role, turns[1].Content)
	}
	waitPhase(t, s, PhaseListening)
}

func TestSessionDTMFCommitsOnHash(t *testing.T) {
	comp := newFakeCompleter()
	comp.reply = "ok"

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`{"type":"dtmf","digit":"4"}`)
	conn.sendJSON(`{"type":"dtmf","digit":"2"}`)
	time.Sleep(20 * time.Millisecond)
	if len(conn.writtenFrames(t)) != 0 {
		t.Fatal("digits alone triggered a turn")
	}

	conn.sendJSON(`{"type":"dtmf","digit":"#"}`)
	conn.waitFrames(t, 1)

	req := comp.lastRequest(t)
	if got := req.Messages[0].Content; got != "[keypad entry: 42]" {
		t.Errorf("keypad utterance = %q", got)
	}
}

func TestSessionMalformedFrameIsDiscarded(t *testing.T) {
	comp := newFakeCompleter()
	comp.reply = "still here"

	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.sendJSON(`not json at all`)
	conn.sendJSON(`{"type":"bogus"}`)
	conn.sendJSON(`{"type":"dtmf"}`)
	conn.sendJSON(`{"type":"prompt","voicePrompt":"hello","last":true}`)

	frames := conn.waitFrames(t, 1)
	if frames[0].Token != "still here" {
		t.Fatalf("frame = %+v", frames[0])
	}
}

func TestSessionBinaryFramesAssembleUtterance(t *testing.T) {
	comp := newFakeCompleter()
	comp.reply = "heard you"

	s, conn := startSession(t, Config{FrameThreshold: 3}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	for i := 0; i < 3; i++ {
		conn.send(websocket.BinaryMessage, []byte{0xAB, 0xCD})
	}

	conn.waitFrames(t, 1)
	req := comp.lastRequest(t)
	if got := req.Messages[0].Content; got == "" {
		t.Error("synthetic transcript is empty")
	}
	turns := waitHistoryLen(t, s, 2)
	if turns[0].Role != "user" {
		t.Errorf("turn 0 role = %s", turns[0].Role)
	}
}

func TestSessionHistoryWindowForwardedToBackend(t *testing.T) {
	comp := newFakeCompleter()
	comp.reply = "r"

	s, conn := startSession(t, Config{MaxHistoryTurns: 4}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	for i := 0; i < 4; i++ {
		conn.sendJSON(`{"type":"prompt","voicePrompt":"q","last":true}`)
		conn.waitFrames(t, i+1)
		waitPhase(t, s, PhaseListening)
	}

	req := comp.lastRequest(t)
	if len(req.Messages) > 4 {
		t.Errorf("request carries %d messages, want at most 4", len(req.Messages))
	}
	if req.Messages[0].Role != "user" {
		t.Errorf("window starts with %s turn, want user", req.Messages[0].Role)
	}
}

func TestSessionCancelReturnsPromptlyWhileIdle(t *testing.T) {
	comp := newFakeCompleter()
	conn := newFakeConn()
	s := New(Config{PingInterval: 10 * time.Second}, Dependencies{
		Conn:      conn,
		Completer: comp,
		Tenant:    tenant.Config{SessionToken: "tok-test", SystemPrompt: "x"},
		SessionID: "sess-test",
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitPhase(t, s, PhaseListening)

	start := time.Now()
	s.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Run returned %v after Cancel, want well under the ping interval", elapsed)
	}
	if got := s.Phase(); got != PhaseClosed {
		t.Errorf("phase = %s, want closed", got)
	}
}

func TestSessionCloseReleasesState(t *testing.T) {
	comp := newFakeCompleter()
	s, conn := startSession(t, Config{}, comp, tenant.Config{})
	waitPhase(t, s, PhaseListening)

	conn.Close()
	waitPhase(t, s, PhaseClosed)

	if err := s.machine.Transition(PhaseListening); err == nil {
		t.Error("transition out of closed succeeded")
	}
}
