package relaywire

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one duplex device channel. ReadFrame blocks until a frame
// arrives; a *MalformedFrameError return means the message was garbage but
// the channel is still usable, any other error means the channel is dead.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
	RemoteAddr() string
}

const (
	defaultReadLimit    = 64 * 1024
	defaultWriteTimeout = 10 * time.Second
)

// WSTransport adapts a gorilla/websocket connection to Transport. Reads
// must stay on a single goroutine (the session read pump); writes are
// serialized internally.
type WSTransport struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWSTransport wraps an upgraded connection. readTimeout bounds how long
// a silent connection survives; devices heartbeat well inside it. Zero
// disables the read deadline.
func NewWSTransport(conn *websocket.Conn, readTimeout time.Duration) *WSTransport {
	conn.SetReadLimit(defaultReadLimit)
	return &WSTransport{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: defaultWriteTimeout,
	}
}

func (t *WSTransport) ReadFrame() (Frame, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return nil, err
		}
	}
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

func (t *WSTransport) WriteFrame(f Frame) error {
	payload, err := Encode(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WSTransport) Close() error {
	return t.conn.Close()
}

func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
