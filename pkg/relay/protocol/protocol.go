// Package protocol defines the relay control frames exchanged with the
// telephony media layer: a bidirectional stream of JSON frames
// discriminated by "type", interleaved (in the raw-audio variant) with
// binary audio frames carried as websocket binary messages.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError is a malformed-frame error with a stable code. Decode
// failures are protocol errors: the frame is discarded and the session
// continues.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Inbound is implemented by every decoded client frame. The decoder
// returns one concrete type per variant so dispatch is an exhaustive
// type switch rather than string matching.
type Inbound interface {
	inbound()
}

// Setup announces call metadata at the start of a session.
type Setup struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	CallSID   string `json:"callSid,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`
}

// Prompt carries a finalized span of caller speech. Last marks the
// final chunk of the utterance; when absent the chunk is treated as
// complete on its own.
type Prompt struct {
	Type        string `json:"type"`
	VoicePrompt string `json:"voicePrompt"`
	Lang        string `json:"lang,omitempty"`
	Last        *bool  `json:"last,omitempty"`
	CallSID     string `json:"callSid,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Direction   string `json:"direction,omitempty"`
}

// IsLast reports whether this chunk completes the utterance.
func (p Prompt) IsLast() bool {
	return p.Last == nil || *p.Last
}

// DTMF carries one keypad digit.
type DTMF struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// Interrupt signals caller barge-in while a reply is being generated or
// delivered. UtteranceUntilInterrupt is the reply prefix the caller
// actually heard.
type Interrupt struct {
	Type                    string `json:"type"`
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt,omitempty"`
}

func (Setup) inbound()     {}
func (Prompt) inbound()    {}
func (DTMF) inbound()      {}
func (Interrupt) inbound() {}

// Decode parses one inbound JSON control frame.
func Decode(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "setup":
		var msg Setup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup frame", "")
		}
		return msg, nil
	case "prompt":
		var msg Prompt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid prompt frame", "")
		}
		return msg, nil
	case "dtmf":
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		if strings.TrimSpace(msg.Digit) == "" {
			return nil, badRequest("dtmf.digit is required", "digit")
		}
		return msg, nil
	case "interrupt":
		var msg Interrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupt frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Text is an outbound assistant reply chunk. Last marks the final chunk
// of the turn.
type Text struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// NewText builds an outbound text frame.
func NewText(token string, last bool) Text {
	return Text{Type: "text", Token: token, Last: last}
}

// SessionError is an outbound session-fatal error frame; the connection
// closes after it is sent.
type SessionError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewSessionError builds an outbound error frame.
func NewSessionError(message string) SessionError {
	return SessionError{Type: "error", Error: message}
}
