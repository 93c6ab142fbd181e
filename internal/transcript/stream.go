// Package transcript streams PCM audio to a speech-to-text provider over a websocket and reports
// transcript segments through a callback.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Segment is one transcript update. Interim segments replace each other; final segments are stable.
type Segment struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
}

var (
	ErrMissingAPIKey = errors.New("transcript: api key is empty")
	ErrNotConnected  = errors.New("transcript: not connected")
	ErrClosed        = errors.New("transcript: stream closed")
	ErrQueueFull     = errors.New("transcript: audio queue full")
)

const (
	audioQueueSize   = 1000
	controlQueueSize = 8
	handshakeTimeout = 10 * time.Second
	closeTimeout     = 2 * time.Second
)

type streamOptions struct {
	name           string
	keepAlive      []byte
	keepAliveEvery time.Duration
	closeMessage   []byte
	onMessage      func([]byte) error
}

// stream owns one provider websocket. Only the write loop writes to the conn.
type stream struct {
	opts   streamOptions
	conn   *websocket.Conn
	logger *slog.Logger

	audio   chan []byte
	control chan []byte

	quit       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once

	errMu sync.Mutex
	err   error
}

func dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

func startStream(conn *websocket.Conn, opts streamOptions, logger *slog.Logger) *stream {
	s := &stream{
		opts:       opts,
		conn:       conn,
		logger:     logger,
		audio:      make(chan []byte, audioQueueSize),
		control:    make(chan []byte, controlQueueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *stream) alive() error {
	select {
	case <-s.quit:
		return ErrClosed
	case <-s.readerDone:
		return s.errOr(ErrClosed)
	case <-s.writerDone:
		return s.errOr(ErrClosed)
	default:
		return nil
	}
}

// sendAudio queues a copy of chunk without blocking.
func (s *stream) sendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if err := s.alive(); err != nil {
		return err
	}
	select {
	case s.audio <- append([]byte(nil), chunk...):
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *stream) sendControl(msg []byte) error {
	if err := s.alive(); err != nil {
		return err
	}
	select {
	case s.control <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *stream) close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		select {
		case <-s.writerDone:
		case <-time.After(closeTimeout):
			s.logger.Warn("transcript writer did not stop in time", "provider", s.opts.name)
		}
		_ = s.conn.Close()
		<-s.readerDone
	})
	return s.errOr(nil)
}

func (s *stream) errOr(fallback error) error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return s.err
	}
	return fallback
}

func (s *stream) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return
	}
	select {
	case <-s.quit:
		return
	default:
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *stream) writeLoop() {
	defer close(s.writerDone)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transcript write loop panic", "provider", s.opts.name, "panic", r)
		}
	}()

	var tick <-chan time.Time
	if s.opts.keepAliveEvery > 0 && len(s.opts.keepAlive) > 0 {
		ticker := time.NewTicker(s.opts.keepAliveEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.quit:
			if len(s.opts.closeMessage) > 0 {
				_ = s.conn.WriteMessage(websocket.TextMessage, s.opts.closeMessage)
			}
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-s.readerDone:
			return
		case chunk := <-s.audio:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.setErr(fmt.Errorf("send audio: %w", err))
				return
			}
		case msg := <-s.control:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.setErr(fmt.Errorf("send control: %w", err))
				return
			}
		case <-tick:
			if err := s.conn.WriteMessage(websocket.TextMessage, s.opts.keepAlive); err != nil {
				s.setErr(fmt.Errorf("send keepalive: %w", err))
				return
			}
		}
	}
}

func (s *stream) readLoop() {
	defer close(s.readerDone)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transcript read loop panic", "provider", s.opts.name, "panic", r)
		}
	}()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("read: %w", err))
			return
		}
		if err := s.opts.onMessage(payload); err != nil {
			s.setErr(err)
			return
		}
	}
}
