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

type DeepgramConfig struct {
	APIKey         string
	APIBaseURL     string
	Model          string
	Language       string
	SampleRate     int
	Endpointing    time.Duration
	UtteranceEndMs int
}

// Deepgram streams to the Deepgram live listen endpoint.
type Deepgram struct {
	cfg       DeepgramConfig
	onSegment func(Segment)
	logger    *slog.Logger

	mu     sync.Mutex
	stream *stream
}

func NewDeepgram(cfg DeepgramConfig, onSegment func(Segment), logger *slog.Logger) *Deepgram {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Endpointing <= 0 {
		cfg.Endpointing = 300 * time.Millisecond
	}
	if cfg.UtteranceEndMs <= 0 {
		cfg.UtteranceEndMs = 1000
	}
	if onSegment == nil {
		onSegment = func(Segment) {}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Deepgram{cfg: cfg, onSegment: onSegment, logger: logger.With("provider", "deepgram")}
}

func (d *Deepgram) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return nil
	}
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return ErrMissingAPIKey
	}
	wsURL, err := buildListenURL(d.cfg)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	d.logger.Info("connecting to speech service", "model", d.cfg.Model, "key", logging.KeyPreview(d.cfg.APIKey))
	conn, err := dial(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}
	d.stream = startStream(conn, streamOptions{
		name:           "deepgram",
		keepAlive:      []byte(`{"type":"KeepAlive"}`),
		keepAliveEvery: 5 * time.Second,
		closeMessage:   []byte(`{"type":"CloseStream"}`),
		onMessage:      d.handleMessage,
	}, d.logger)
	return nil
}

func (d *Deepgram) current() (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil, ErrNotConnected
	}
	return d.stream, nil
}

func (d *Deepgram) SendAudio(pcm []byte) error {
	s, err := d.current()
	if err != nil {
		return err
	}
	return s.sendAudio(pcm)
}

// Finalize asks Deepgram to flush everything it has buffered as final results.
func (d *Deepgram) Finalize() error {
	s, err := d.current()
	if err != nil {
		return err
	}
	return s.sendControl([]byte(`{"type":"Finalize"}`))
}

func (d *Deepgram) Close() error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (d *Deepgram) handleMessage(payload []byte) error {
	var resp deepgramResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		d.logger.Debug("ignoring undecodable message", "error", err)
		return nil
	}
	switch resp.Type {
	case "Results", "":
		text := ""
		if len(resp.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		if text == "" {
			return nil
		}
		d.onSegment(Segment{Text: text, IsFinal: resp.IsFinal || resp.SpeechFinal, SpeechFinal: resp.SpeechFinal})
	case "UtteranceEnd", "SpeechStarted", "Metadata":
		d.logger.Debug("provider event", "type", resp.Type)
	case "Error":
		msg := strings.TrimSpace(resp.Message + " " + resp.Description)
		if msg == "" {
			msg = "unknown error"
		}
		return errors.New("deepgram: " + msg)
	default:
		d.logger.Debug("unknown message type", "type", resp.Type)
	}
	return nil
}

func buildListenURL(cfg DeepgramConfig) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}
	q := listenURL.Query()
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.FormatInt(cfg.Endpointing.Milliseconds(), 10))
	q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	listenURL.RawQuery = q.Encode()
	return listenURL.String(), nil
}
