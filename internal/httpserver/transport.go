package httpserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/interview-voice/internal/orchestrator"
	"github.com/chadiek/interview-voice/internal/protocol"
)

const (
	minFrameLimit     = 1 << 20
	defaultWriteWait  = 5 * time.Second
	closeHandshakeMax = time.Second
)

// wsTransport adapts a gorilla connection to orchestrator.Transport. Reads happen on a single
// goroutine; writes are serialized by writeMu.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// frameLimit is the per-frame read ceiling. It sits well above the audio buffer cap so the
// orchestrator's accumulator, not the socket, decides what happens to large audio.
func frameLimit(bufferCap int) int64 {
	limit := int64(bufferCap) * 2
	if limit < minFrameLimit {
		limit = minFrameLimit
	}
	return limit
}

func newWSTransport(conn *websocket.Conn, readLimit int64) *wsTransport {
	conn.SetReadLimit(readLimit)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Receive(ctx context.Context) (orchestrator.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return orchestrator.Frame{}, err
		}
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return orchestrator.Frame{}, fmt.Errorf("%w: %v", orchestrator.ErrFrameTooLarge, err)
			}
			return orchestrator.Frame{}, err
		}
		switch mt {
		case websocket.BinaryMessage:
			return orchestrator.Frame{Binary: true, Data: data}, nil
		case websocket.TextMessage:
			return orchestrator.Frame{Data: data}, nil
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, v any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(v)
}

// Close sends the close frame and closes the socket, which unblocks a pending Receive.
func (t *wsTransport) Close(reason protocol.CloseReason) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(reason.Code, reason.Text),
			time.Now().Add(closeHandshakeMax))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
