// Package protocol defines the JSON control frames exchanged with the interview client.
// Audio travels as binary websocket frames and never appears here.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound message types.
const (
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeAnswerComplete = "answer_complete"
	TypeInterrupt      = "interrupt"
	TypeSkipQuestion   = "skip_question"
	TypeEndInterview   = "end_interview"
	TypePing           = "ping"
	TypePlaybackEnded  = "ai_playback_ended"
)

// Outbound message types.
const (
	TypeConnected   = "connected"
	TypeStatus      = "status"
	TypeTranscript  = "transcript"
	TypeQuestion    = "question"
	TypeError       = "error"
	TypePhaseChange = "phase_change"
	TypeFeedback    = "feedback"
	TypePong        = "pong"
	TypeHeartbeat   = "heartbeat"
	TypeInterrupted = "interrupted"
)

// Status values carried by status frames.
const (
	StatusConnected          = "connected"
	StatusListening          = "listening"
	StatusThinking           = "thinking"
	StatusSpeaking           = "speaking"
	StatusProcessing         = "processing"
	StatusFinalizing         = "finalizing"
	StatusDone               = "done"
	StatusGeneratingFeedback = "generating_feedback"
)

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

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientMessage is a decoded inbound control frame. Only Type is required by every message.
type ClientMessage struct {
	Type string `json:"type"`
}

// Decode parses one inbound text frame. Failures are *DecodeError.
func Decode(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ClientMessage{}, badRequest("invalid json frame", "")
	}
	if envelope.Type == nil || strings.TrimSpace(*envelope.Type) == "" {
		return ClientMessage{}, badRequest("missing type", "type")
	}
	typ := strings.TrimSpace(*envelope.Type)
	switch typ {
	case TypeStartRecording, TypeStopRecording, TypeAnswerComplete, TypeInterrupt,
		TypeSkipQuestion, TypeEndInterview, TypePing, TypePlaybackEnded:
		return ClientMessage{Type: typ}, nil
	default:
		return ClientMessage{}, unsupported("unknown message type", typ)
	}
}

// Outbound frames. Every frame carries a UTC RFC3339 timestamp.

type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type Status struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type Transcript struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	Timestamp string `json:"timestamp"`
}

type Question struct {
	Type             string `json:"type"`
	Question         any    `json:"question"`
	Phase            string `json:"phase"`
	Audio            string `json:"audio"`
	AudioContentType string `json:"audio_content_type,omitempty"`
	Timestamp        string `json:"timestamp"`
}

type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type PhaseChange struct {
	Type      string `json:"type"`
	Phase     string `json:"phase"`
	Timestamp string `json:"timestamp"`
}

type Feedback struct {
	Type      string `json:"type"`
	Feedback  any    `json:"feedback"`
	Timestamp string `json:"timestamp"`
}

// Bare is used for pong, heartbeat and interrupted.
type Bare struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// Now is swapped in tests.
var Now = func() time.Time { return time.Now().UTC() }

func stamp() string { return Now().UTC().Format(time.RFC3339) }

func NewConnected(sessionID string) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID, Message: "WebSocket connected successfully", Timestamp: stamp()}
}

func NewStatus(status string) Status {
	return Status{Type: TypeStatus, Status: status, Timestamp: stamp()}
}

func NewTranscript(text string, final bool) Transcript {
	return Transcript{Type: TypeTranscript, Text: text, IsFinal: final, Timestamp: stamp()}
}

// NewQuestion carries the question payload with base64 audio (empty when synthesis was skipped).
func NewQuestion(question any, phase, audioB64, contentType string) Question {
	return Question{Type: TypeQuestion, Question: question, Phase: phase, Audio: audioB64, AudioContentType: contentType, Timestamp: stamp()}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message, Timestamp: stamp()}
}

func NewPhaseChange(phase string) PhaseChange {
	return PhaseChange{Type: TypePhaseChange, Phase: phase, Timestamp: stamp()}
}

func NewFeedback(feedback any) Feedback {
	return Feedback{Type: TypeFeedback, Feedback: feedback, Timestamp: stamp()}
}

func NewPong() Bare        { return Bare{Type: TypePong, Timestamp: stamp()} }
func NewHeartbeat() Bare   { return Bare{Type: TypeHeartbeat, Timestamp: stamp()} }
func NewInterrupted() Bare { return Bare{Type: TypeInterrupted, Timestamp: stamp()} }
