package fanout

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// Upgrader wraps the gorilla upgrader with the fixed buffer sizes this
// service uses for UI connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a live gorilla/websocket connection to the Sender
// interface the manager drives.
type wsSender struct {
	conn *websocket.Conn
}

// NewWebsocketSender wraps an upgraded connection as a Sender.
func NewWebsocketSender(conn *websocket.Conn) Sender {
	return &wsSender{conn: conn}
}

func (s *wsSender) SendFrame(f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, body)
}

func (s *wsSender) SendPing() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSender) Close(code int, reason string) error {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return s.conn.Close()
}
