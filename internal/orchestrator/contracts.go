package orchestrator

import (
	"context"
	"errors"

	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/question"
	"github.com/chadiek/interview-voice/internal/store"
	"github.com/chadiek/interview-voice/internal/transcript"
)

var (
	ErrSessionNotFound        = errors.New("orchestrator: session not found")
	ErrTooManyErrors          = errors.New("orchestrator: too many errors")
	ErrInactive               = errors.New("orchestrator: connection inactive")
	ErrTranscriberUnavailable = errors.New("orchestrator: transcription service unavailable")
	ErrInterviewEnded         = errors.New("orchestrator: interview already ended")
	ErrProcessingTimeout      = errors.New("orchestrator: processing timed out")
	// ErrFrameTooLarge is returned by a Transport when an inbound frame exceeds its read limit.
	ErrFrameTooLarge = errors.New("orchestrator: inbound frame too large")
)

// Frame is one inbound client frame. Binary frames carry s16le PCM, text frames carry JSON.
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport is the client connection. Send must be safe for concurrent use; Close must be
// idempotent and unblock a pending Receive.
type Transport interface {
	Receive(ctx context.Context) (Frame, error)
	Send(ctx context.Context, v any) error
	Close(reason protocol.CloseReason) error
}

// Transcriber streams candidate audio to a speech-to-text provider.
type Transcriber interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	Finalize() error
	Close() error
}

// TranscriberFactory builds a transcriber that reports segments to onSegment.
type TranscriberFactory func(onSegment func(transcript.Segment)) Transcriber

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	ContentType() string
}

// AnswerProcessor produces interviewer turns.
type AnswerProcessor interface {
	GenerateGreeting(ctx context.Context, name, role string) (string, error)
	ProcessAnswer(ctx context.Context, sessionID, answer string) (question.Artifact, error)
	NextQuestion(ctx context.Context, sessionID string) (question.Artifact, error)
	GenerateFeedback(ctx context.Context, summary question.Summary) (question.Feedback, error)
}

// Archiver stores finished interviews. Failures are logged and never reach the client.
type Archiver interface {
	Archive(ctx context.Context, sess *store.Session, fb question.Feedback) (string, error)
}
