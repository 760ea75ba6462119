package http

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scribed/src/core/jobtrack"
)

type readResult struct {
	data string
	err  error
}

// wsConn adapts a gorilla websocket connection to the session transport
// interface. Reads are pumped through a channel because a gorilla read
// error (including a deadline) is permanent, while the session expects
// to keep receiving after a timeout.
type wsConn struct {
	conn  *websocket.Conn
	reads chan readResult
	done  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:  conn,
		reads: make(chan readResult),
		done:  make(chan struct{}),
	}
	go w.pump()
	return w
}

// pump exits on done as well as on read error: once the session stops
// calling Receive, nothing drains reads, and a blocked send would leak
// the goroutine for the life of the process.
func (w *wsConn) pump() {
	defer close(w.reads)
	for {
		_, data, err := w.conn.ReadMessage()
		r := readResult{data: string(data), err: err}
		select {
		case w.reads <- r:
		case <-w.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (w *wsConn) SendJSON(v interface{}) error {
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Receive(timeout time.Duration) (string, error) {
	select {
	case r, ok := <-w.reads:
		if !ok {
			return "", websocket.ErrCloseSent
		}
		return r.data, r.err
	case <-time.After(timeout):
		return "", jobtrack.ErrReceiveTimeout
	}
}

func (w *wsConn) Close(code int, reason string) error {
	w.closeOnce.Do(func() {
		close(w.done)
		deadline := time.Now().Add(time.Second)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}
