// Package session implements the per-connection conversation engine:
// one event loop per websocket, owning the phase machine, the
// conversation history, the in-flight turn, and all outbound writes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/workshoplabs/voicerelay/pkg/audit"
	"github.com/workshoplabs/voicerelay/pkg/core/llm"
	"github.com/workshoplabs/voicerelay/pkg/gateway/metrics"
	"github.com/workshoplabs/voicerelay/pkg/relay/protocol"
	"github.com/workshoplabs/voicerelay/pkg/tenant"
)

// FallbackReply is spoken when the completion backend fails or times
// out mid-call. The session continues afterwards.
const FallbackReply = "I'm sorry, I'm having trouble responding right now. Could you say that again?"

const (
	defaultMaxJSONMessageBytes = 64 * 1024
	defaultTurnTimeout         = 30 * time.Second
	defaultReadTimeout         = 90 * time.Second
	defaultMaxHistoryTurns     = 40
	defaultOutboundQueueSize   = 64
)

// Conn is the subset of the websocket connection the session uses.
// *websocket.Conn satisfies it.
type Conn interface {
	wsWriter
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	ReadMessage() (messageType int, p []byte, err error)
}

// Config carries the session tunables. Zero values get defaults.
type Config struct {
	MaxJSONMessageBytes int64
	TurnTimeout         time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	MaxHistoryTurns     int
	StreamTokens        bool
	FrameThreshold      int
	OutboundQueueSize   int
}

func (c Config) withDefaults() Config {
	if c.MaxJSONMessageBytes <= 0 {
		c.MaxJSONMessageBytes = defaultMaxJSONMessageBytes
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.MaxHistoryTurns == 0 {
		c.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
	return c
}

// Dependencies carries the session collaborators, resolved by the
// gateway before the session starts.
type Dependencies struct {
	Conn      Conn
	Logger    *slog.Logger
	Completer llm.Completer
	Tenant    tenant.Config
	Audit     audit.Recorder
	Metrics   *metrics.Metrics
	SessionID string
	Now       func() time.Time
}

type inboundMessage struct {
	messageType int
	data        []byte
}

type turnResult struct {
	id   int
	text string
	err  error
}

type tokenEvent struct {
	id    int
	token string
}

// Session is one live relay conversation. All state is owned by the
// Run loop; external access goes through Cancel, Phase, and History.
type Session struct {
	cfg   Config
	conn  Conn
	log   *slog.Logger
	comp  llm.Completer
	ten   tenant.Config
	audit audit.Recorder
	mx    *metrics.Metrics
	id    string
	now   func() time.Time

	machine   *Machine
	history   *historyManager
	assembler *utteranceAssembler

	cancel context.CancelFunc

	// Loop-owned fields below; never touched outside Run.
	turnID       int
	turnActive   bool
	turnCancel   context.CancelFunc
	turnStarted  time.Time
	delivered    strings.Builder
	pendingChunk strings.Builder
	dtmfDigits   strings.Builder

	tokenCh      chan tokenEvent
	turnResultCh chan turnResult
	priorityCh   chan []byte
	normalCh     chan []byte
}

// New builds a session. It does not touch the connection until Run.
func New(cfg Config, deps Dependencies) *Session {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", deps.SessionID, "session_token", deps.Tenant.SessionToken)
	rec := deps.Audit
	if rec == nil {
		rec = audit.Noop{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Session{
		cfg:          cfg,
		conn:         deps.Conn,
		log:          logger,
		comp:         deps.Completer,
		ten:          deps.Tenant,
		audit:        rec,
		mx:           deps.Metrics,
		id:           deps.SessionID,
		now:          now,
		machine:      NewMachine(),
		history:      newHistoryManager(now),
		assembler:    newUtteranceAssembler(cfg.FrameThreshold, now),
		tokenCh:      make(chan tokenEvent, cfg.OutboundQueueSize),
		turnResultCh: make(chan turnResult, 4),
		priorityCh:   make(chan []byte, 8),
		normalCh:     make(chan []byte, cfg.OutboundQueueSize),
	}
}

// Phase returns the current conversation phase.
func (s *Session) Phase() Phase {
	return s.machine.Phase()
}

// History returns a copy of the conversation history.
func (s *Session) History() []Turn {
	return s.history.snapshot()
}

// Cancel asks the session to shut down. Safe to call from any
// goroutine, including before Run.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Notify queues an error frame from outside the event loop; the
// gateway uses it to announce drain before canceling sessions. Best
// effort: if the priority queue is full the frame is dropped.
func (s *Session) Notify(message string) {
	frame, err := json.Marshal(protocol.NewSessionError(message))
	if err != nil {
		return
	}
	select {
	case s.priorityCh <- frame:
	default:
	}
}

// Run drives the session until the connection closes, the context is
// canceled, or the session duration limit is reached. It owns the
// connection for its whole lifetime.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	writer := &outboundWriter{
		ws:       s.conn,
		ctx:      ctx,
		cfg:      s.cfg,
		priority: s.priorityCh,
		normal:   s.normalCh,
	}
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run() }()

	readCh := make(chan inboundMessage, 16)
	readErrCh := make(chan error, 1)
	go s.readLoop(ctx, readCh, readErrCh)

	if err := s.machine.Transition(PhaseListening); err != nil {
		return err
	}
	s.audit.Record(ctx, s.ten.SessionToken, "session_started", map[string]any{"session_id": s.id})
	s.mx.SessionStarted()

	if s.ten.Greeting != "" {
		s.history.appendAssistant(s.ten.Greeting)
		s.sendText(ctx, s.ten.Greeting, true)
	}

	var maxTimer <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		t := time.NewTimer(s.cfg.MaxSessionDuration)
		defer t.Stop()
		maxTimer = t.C
	}

	result := "closed"

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case <-maxTimer:
			s.log.Info("session duration limit reached")
			s.sendError(ctx, "session time limit reached")
			result = "limit"
			break loop

		case err := <-readErrCh:
			if err != nil && !isExpectedClose(err) {
				s.log.Info("connection read ended", "error", err)
			}
			break loop

		case msg := <-readCh:
			s.handleMessage(ctx, msg)

		case ev := <-s.tokenCh:
			s.handleToken(ctx, ev)

		case res := <-s.turnResultCh:
			s.handleTurnResult(ctx, res)
		}
	}

	if s.turnCancel != nil {
		s.turnCancel()
	}
	_ = s.machine.Transition(PhaseClosed)
	cancel()
	<-writerDone

	s.audit.Record(context.WithoutCancel(ctx), s.ten.SessionToken, "session_closed", map[string]any{
		"result": result,
		"turns":  s.history.len(),
	})
	s.mx.SessionEnded(result)
	s.log.Info("session closed", "result", result, "turns", s.history.len())
	return nil
}

func (s *Session) readLoop(ctx context.Context, readCh chan<- inboundMessage, readErrCh chan<- error) {
	s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		select {
		case readCh <- inboundMessage{messageType: mt, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg inboundMessage) {
	if msg.messageType == binaryMessage {
		transcript, done := s.assembler.add(msg.data)
		if done {
			s.handleUtterance(ctx, transcript)
		}
		return
	}

	frame, err := protocol.Decode(msg.data)
	if err != nil {
		s.log.Warn("discarding malformed frame", "error", err)
		s.mx.ProtocolErrorObserved()
		s.audit.Record(ctx, s.ten.SessionToken, "protocol_error", map[string]any{"error": err.Error()})
		return
	}

	switch f := frame.(type) {
	case protocol.Setup:
		s.handleSetup(ctx, f)
	case protocol.Prompt:
		s.handlePrompt(ctx, f)
	case protocol.DTMF:
		s.handleDTMF(ctx, f)
	case protocol.Interrupt:
		s.handleInterrupt(ctx, f.UtteranceUntilInterrupt)
	}
}

// handleSetup records call metadata. The session is already Listening
// when setup arrives; repeated setups are logged and ignored.
func (s *Session) handleSetup(ctx context.Context, f protocol.Setup) {
	s.log.Info("call setup",
		"from", f.From,
		"to", f.To,
		"direction", f.Direction,
		"call_sid", f.CallSID,
	)
	s.audit.Record(ctx, s.ten.SessionToken, "setup", map[string]any{
		"from":      f.From,
		"to":        f.To,
		"direction": f.Direction,
		"call_sid":  f.CallSID,
	})
}

// handlePrompt accumulates partial transcript chunks and hands the
// finalized utterance to the turn processor.
func (s *Session) handlePrompt(ctx context.Context, f protocol.Prompt) {
	s.pendingChunk.WriteString(f.VoicePrompt)
	if !f.IsLast() {
		return
	}
	utterance := strings.TrimSpace(s.pendingChunk.String())
	s.pendingChunk.Reset()
	if utterance == "" {
		return
	}
	s.handleUtterance(ctx, utterance)
}

// handleDTMF buffers keypad digits. "#" commits the buffer as a
// synthetic utterance; anything buffered without a terminator is simply
// held until one arrives.
func (s *Session) handleDTMF(ctx context.Context, f protocol.DTMF) {
	s.audit.Record(ctx, s.ten.SessionToken, "dtmf", map[string]any{"digit": f.Digit})
	if f.Digit != "#" {
		s.dtmfDigits.WriteString(f.Digit)
		return
	}
	digits := s.dtmfDigits.String()
	s.dtmfDigits.Reset()
	if digits == "" {
		return
	}
	s.handleUtterance(ctx, fmt.Sprintf("[keypad entry: %s]", digits))
}

// handleUtterance is the single entry point for a finalized caller
// utterance whatever its source: prompt frames, assembled audio, or a
// committed keypad entry. Speaking while a reply is being generated is
// an implicit barge-in.
func (s *Session) handleUtterance(ctx context.Context, utterance string) {
	if s.machine.Phase() == PhaseGenerating {
		s.interruptTurn(ctx, "")
	}
	if s.machine.Phase() != PhaseListening {
		s.log.Warn("dropping utterance outside listening phase", "phase", s.machine.Phase().String())
		return
	}

	s.audit.Record(ctx, s.ten.SessionToken, "utterance", map[string]any{"text": utterance})
	s.history.appendUser(utterance)
	if err := s.machine.Transition(PhaseGenerating); err != nil {
		s.log.Error("phase transition failed", "error", err)
		return
	}
	s.startTurn(ctx)
}

// handleInterrupt processes an explicit barge-in frame. Outside the
// Generating phase there is nothing to cancel and the frame is a no-op.
func (s *Session) handleInterrupt(ctx context.Context, heard string) {
	if s.machine.Phase() != PhaseGenerating {
		s.log.Debug("interrupt with no generation in flight")
		return
	}
	s.interruptTurn(ctx, heard)
}

// interruptTurn cancels the in-flight generation and truncates history
// to what the caller actually heard: the delivered prefix in streaming
// mode, nothing in buffered mode (no tokens were released before the
// full reply).
func (s *Session) interruptTurn(ctx context.Context, heard string) {
	if err := s.machine.Transition(PhaseInterrupted); err != nil {
		s.log.Error("phase transition failed", "error", err)
		return
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnActive = false
	s.mx.InterruptObserved()

	committed := ""
	if s.cfg.StreamTokens {
		committed = heard
		if committed == "" {
			committed = s.delivered.String()
		}
		if committed != "" {
			s.history.appendAssistant(committed)
		}
	}
	s.delivered.Reset()

	s.audit.Record(ctx, s.ten.SessionToken, "interrupt", map[string]any{"committed": committed})
	s.log.Info("generation interrupted", "committed_chars", len(committed))

	if err := s.machine.Transition(PhaseListening); err != nil {
		s.log.Error("phase transition failed", "error", err)
	}
}

// startTurn launches one completion turn against the backend. The
// history snapshot is taken here so frames arriving during generation
// cannot leak into the in-flight request.
func (s *Session) startTurn(ctx context.Context) {
	s.turnID++
	id := s.turnID
	s.turnActive = true
	s.turnStarted = s.now()
	s.delivered.Reset()

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	s.turnCancel = cancel

	req := &llm.Request{
		System:   s.ten.SystemPrompt,
		Messages: s.history.window(s.cfg.MaxHistoryTurns),
		Tools:    backendTools(s.ten.Tools),
	}
	go s.runTurn(turnCtx, id, req)
}

// runTurn executes the backend call off the loop goroutine and posts
// the result back. It never touches session state directly.
func (s *Session) runTurn(ctx context.Context, id int, req *llm.Request) {
	if !s.cfg.StreamTokens {
		text, err := s.comp.Complete(ctx, req)
		s.postResult(ctx, turnResult{id: id, text: text, err: err})
		return
	}

	stream, err := s.comp.StreamComplete(ctx, req)
	if err != nil {
		s.postResult(ctx, turnResult{id: id, err: err})
		return
	}
	defer stream.Close()

	var full strings.Builder
	for {
		token, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.postResult(ctx, turnResult{id: id, text: full.String(), err: err})
			return
		}
		full.WriteString(token)
		select {
		case s.tokenCh <- tokenEvent{id: id, token: token}:
		case <-ctx.Done():
			s.postResult(ctx, turnResult{id: id, text: full.String(), err: ctx.Err()})
			return
		}
	}
	s.postResult(ctx, turnResult{id: id, text: full.String()})
}

func (s *Session) postResult(ctx context.Context, res turnResult) {
	select {
	case s.turnResultCh <- res:
	case <-ctx.Done():
		// Result channel is buffered; a canceled turn whose slot is
		// gone is stale anyway.
		select {
		case s.turnResultCh <- res:
		default:
		}
	}
}

// handleToken releases one streamed reply token to the caller. Tokens
// from a canceled or superseded turn are dropped.
func (s *Session) handleToken(ctx context.Context, ev tokenEvent) {
	if !s.turnActive || ev.id != s.turnID || s.machine.Phase() != PhaseGenerating {
		return
	}
	s.delivered.WriteString(ev.token)
	s.sendText(ctx, ev.token, false)
}

// handleTurnResult finishes a turn: commits the reply to history and
// releases it (or the fallback) to the caller. Stale results from
// interrupted turns are discarded without touching history.
func (s *Session) handleTurnResult(ctx context.Context, res turnResult) {
	if !s.turnActive || res.id != s.turnID || s.machine.Phase() != PhaseGenerating {
		s.log.Debug("discarding stale turn result", "turn", res.id)
		return
	}
	s.turnActive = false
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	elapsed := s.now().Sub(s.turnStarted)

	if res.err != nil {
		s.log.Error("completion backend failed", "error", res.err, "elapsed", elapsed)
		s.mx.TurnObserved(turnResultLabel(res.err), elapsed)
		s.audit.Record(ctx, s.ten.SessionToken, "turn_failed", map[string]any{"error": res.err.Error()})

		s.history.appendAssistant(FallbackReply)
		s.sendText(ctx, FallbackReply, true)
		s.delivered.Reset()
		if err := s.machine.Transition(PhaseListening); err != nil {
			s.log.Error("phase transition failed", "error", err)
		}
		return
	}

	s.history.appendAssistant(res.text)
	if s.cfg.StreamTokens {
		// Tokens already went out; close the turn with the terminal marker.
		s.sendText(ctx, "", true)
	} else {
		s.sendText(ctx, res.text, true)
	}
	s.delivered.Reset()

	s.mx.TurnObserved("ok", elapsed)
	s.audit.Record(ctx, s.ten.SessionToken, "reply", map[string]any{"chars": len(res.text)})
	s.log.Info("turn completed", "elapsed", elapsed, "chars", len(res.text))

	if err := s.machine.Transition(PhaseListening); err != nil {
		s.log.Error("phase transition failed", "error", err)
	}
}

func (s *Session) sendText(ctx context.Context, token string, last bool) {
	frame, err := json.Marshal(protocol.NewText(token, last))
	if err != nil {
		s.log.Error("marshal text frame failed", "error", err)
		return
	}
	select {
	case s.normalCh <- frame:
	case <-ctx.Done():
	}
}

// sendError queues a session-fatal error frame on the priority channel
// so it preempts any backlog of reply tokens.
func (s *Session) sendError(ctx context.Context, message string) {
	frame, err := json.Marshal(protocol.NewSessionError(message))
	if err != nil {
		s.log.Error("marshal error frame failed", "error", err)
		return
	}
	select {
	case s.priorityCh <- frame:
	case <-ctx.Done():
	}
}

func backendTools(defs []tenant.ToolDefinition) []llm.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

func turnResultLabel(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var apiErr *llm.Error
	if errors.As(err, &apiErr) {
		return string(apiErr.Type)
	}
	return "error"
}
