package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/codec"
)

// Transport is one client connection carrying binary frames. Close may be
// called concurrently with ReadMessage and WriteMessage and unblocks both.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	SetReadDeadline(t time.Time) error
	Close(code int, reason string) error
}

const (
	writeWait = 10 * time.Second
	closeWait = time.Second
)

// WebsocketTransport adapts a gorilla websocket connection.
type WebsocketTransport struct {
	conn *websocket.Conn
	once sync.Once
}

// NewWebsocketTransport wraps conn. Messages larger than maxFrame are
// rejected by the read side.
func NewWebsocketTransport(conn *websocket.Conn, maxFrame int) *WebsocketTransport {
	if maxFrame > 0 {
		conn.SetReadLimit(int64(maxFrame))
	}
	return &WebsocketTransport{conn: conn}
}

func (t *WebsocketTransport) ReadMessage() ([]byte, error) {
	kind, b, err := t.conn.ReadMessage()
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return nil, ErrFrameTooLarge
	case err != nil:
		return nil, err
	case kind != websocket.BinaryMessage:
		return nil, fmt.Errorf("%w: websocket message type %d", codec.ErrMalformedFrame, kind)
	}
	return b, nil
}

func (t *WebsocketTransport) WriteMessage(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *WebsocketTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *WebsocketTransport) Close(code int, reason string) error {
	var err error
	t.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = t.conn.Close()
	})
	return err
}
