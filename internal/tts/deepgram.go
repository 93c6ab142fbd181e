package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/interview-voice/internal/logging"
)

const (
	defaultDeepgramVoice = "aura-2-thalia-en"
	deepgramSampleRate   = 24000
	deepgramIdleWindow   = 400 * time.Millisecond
	deepgramDeadline     = 12 * time.Second
)

// DeepgramClient synthesizes with Deepgram Aura over the speak websocket and returns WAV.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	logger     *slog.Logger
}

func NewDeepgramClient(apiKey, model string, logger *slog.Logger) *DeepgramClient {
	if model == "" {
		model = defaultDeepgramVoice
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DeepgramClient{apiKey: apiKey, model: model, sampleRate: deepgramSampleRate, logger: logger.With("provider", "deepgram_tts")}
}

func (d *DeepgramClient) ContentType() string { return "audio/wav" }

func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	pcm, err := d.collectPCM(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	return WrapPCM16(pcm, d.sampleRate, 1), nil
}

// collectPCM gathers linear16 audio until the stream has been idle for deepgramIdleWindow.
func (d *DeepgramClient) collectPCM(ctx context.Context, text string) ([]byte, error) {
	cb := newSpeakCallback(d.logger)
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: d.sampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.logger.Warn("flush failed", "error", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(deepgramDeadline)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if err := cb.failure(); err != nil {
				return nil, err
			}
			if cb.idleFor(time.Now()) > deepgramIdleWindow || time.Now().After(deadline) {
				return cb.audio(), nil
			}
		}
	}
}

type speakCallback struct {
	logger *slog.Logger

	mu       sync.Mutex
	buf      []byte
	lastRecv time.Time
	err      error
}

func newSpeakCallback(logger *slog.Logger) *speakCallback {
	return &speakCallback{logger: logger}
}

// idleFor is zero until audio has arrived.
func (s *speakCallback) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRecv.IsZero() {
		return 0
	}
	return now.Sub(s.lastRecv)
}

func (s *speakCallback) audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

func (s *speakCallback) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Warning(w *msginterfaces.WarningResponse) error {
	s.logger.Warn("speak warning", "warning", w)
	return nil
}
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("deepgram: speak error: %+v", e)
	}
	s.mu.Unlock()
	return nil
}
func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	s.lastRecv = time.Now()
	s.mu.Unlock()
	return nil
}
