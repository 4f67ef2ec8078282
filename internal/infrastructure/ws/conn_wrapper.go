package ws

import (
	"sync"
	"time"
)

// Conn is the part of *websocket.Conn the gateway uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// connWrapper serializes writes; gorilla allows one concurrent writer only.
type connWrapper struct {
	conn  Conn
	mutex sync.Mutex
}

func newConnWrapper(c Conn) *connWrapper {
	return &connWrapper{conn: c}
}

func (w *connWrapper) write(messageType int, data []byte, wait time.Duration) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(messageType, data)
}

func (w *connWrapper) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.conn.Close()
}
