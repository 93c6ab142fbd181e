package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/interview-voice/internal/logging"
)

const defaultAssemblyAIURL = "wss://streaming.assemblyai.com/v3/ws"

type AssemblyAIConfig struct {
	APIKey     string
	URL        string
	SampleRate int
}

// AssemblyAI streams to the AssemblyAI v3 universal streaming endpoint.
type AssemblyAI struct {
	cfg       AssemblyAIConfig
	onSegment func(Segment)
	logger    *slog.Logger

	mu     sync.Mutex
	stream *stream
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewAssemblyAI(cfg AssemblyAIConfig, onSegment func(Segment), logger *slog.Logger) *AssemblyAI {
	if cfg.URL == "" {
		cfg.URL = defaultAssemblyAIURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if onSegment == nil {
		onSegment = func(Segment) {}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &AssemblyAI{cfg: cfg, onSegment: onSegment, logger: logger.With("provider", "assemblyai")}
}

// Connect establishes the websocket connection to AssemblyAI.
func (a *AssemblyAI) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return nil
	}
	if a.cfg.APIKey == "" {
		return ErrMissingAPIKey
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(a.cfg.SampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := a.cfg.URL + "?" + params.Encode()

	header := http.Header{}
	header.Set("Authorization", a.cfg.APIKey)

	a.logger.Info("connecting to speech service", "url", a.cfg.URL, "key", logging.KeyPreview(a.cfg.APIKey))
	conn, err := dial(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}
	a.stream = startStream(conn, streamOptions{
		name:         "assemblyai",
		closeMessage: []byte(`{"type":"Terminate"}`),
		onMessage:    a.processMessage,
	}, a.logger)
	return nil
}

func (a *AssemblyAI) current() (*stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return nil, ErrNotConnected
	}
	return a.stream, nil
}

func (a *AssemblyAI) SendAudio(pcm []byte) error {
	s, err := a.current()
	if err != nil {
		return err
	}
	return s.sendAudio(pcm)
}

// Finalize forces the current turn to end so its transcript arrives as final.
func (a *AssemblyAI) Finalize() error {
	s, err := a.current()
	if err != nil {
		return err
	}
	return s.sendControl([]byte(`{"type":"ForceEndpoint"}`))
}

func (a *AssemblyAI) Close() error {
	a.mu.Lock()
	s := a.stream
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

// processMessage handles the different message types from AssemblyAI.
func (a *AssemblyAI) processMessage(message []byte) error {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		a.logger.Debug("ignoring undecodable message", "error", err)
		return nil
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil
		}
		a.logger.Info("session began", "id", msg.ID, "expires_at", time.Unix(msg.ExpiresAt, 0).UTC().Format(time.RFC3339))
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil
		}
		text := strings.TrimSpace(msg.Transcript)
		if text == "" {
			return nil
		}
		a.onSegment(Segment{Text: text, IsFinal: msg.EndOfTurn, SpeechFinal: msg.EndOfTurn})
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil
		}
		a.logger.Info("session terminated", "audio_seconds", msg.AudioDurationSeconds, "session_seconds", msg.SessionDurationSeconds)
	case "Error":
		var msg ErrorMessage
		_ = json.Unmarshal(message, &msg)
		return errors.New("assemblyai: " + msg.Error)
	default:
		a.logger.Debug("unknown message type", "type", base.Type)
	}
	return nil
}
