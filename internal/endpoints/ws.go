package endpoints

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/progress"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; access control for
	// this service is CORS-level, not per-socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsCommand is a control frame from the client. A subscribe frame narrows
// the event filter to one file; unsubscribe ends the session.
type wsCommand struct {
	Subscribe   *wsSubscribe `json:"subscribe"`
	Unsubscribe bool         `json:"unsubscribe"`
}

type wsSubscribe struct {
	FileID string `json:"file_id"`
}

// wsAck confirms a subscription change to the client.
type wsAck struct {
	Type   string `json:"type"`
	FileID string `json:"file_id,omitempty"`
}

// HandleProgressWS bridges the progress bus onto a WebSocket. A client
// starts subscribed to every file and may narrow the filter with a
// subscribe frame.
func HandleProgressWS(bus *progress.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := progressUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "error", err, "client_ip", c.ClientIP())
			return
		}
		client := &progressClient{
			conn: conn,
			bus:  bus,
			ctrl: make(chan wsCommand, 4),
			done: make(chan struct{}),
		}
		client.run(RequestIDFromContext(c))
	}
}

// progressClient owns one WebSocket session. The read loop runs in its
// own goroutine and only forwards control frames; the write loop owns
// every write to the connection.
type progressClient struct {
	conn *websocket.Conn
	bus  *progress.Bus
	ctrl chan wsCommand
	done chan struct{}
	once sync.Once
}

func (pc *progressClient) run(requestID string) {
	defer pc.conn.Close()

	go pc.readLoop()

	sub := pc.bus.Subscribe("")
	defer func() { pc.bus.Unsubscribe(sub) }()

	slog.Info("Progress subscriber connected",
		"request_id", requestID,
		"remote_addr", pc.conn.RemoteAddr().String())
	defer slog.Info("Progress subscriber disconnected", "request_id", requestID)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-pc.done:
			return
		case cmd := <-pc.ctrl:
			if cmd.Unsubscribe {
				pc.writeJSON(wsAck{Type: "unsubscribed"})
				return
			}
			if cmd.Subscribe != nil && cmd.Subscribe.FileID != sub.FileID() {
				pc.bus.Unsubscribe(sub)
				sub = pc.bus.Subscribe(cmd.Subscribe.FileID)
			}
			if err := pc.writeJSON(wsAck{Type: "subscribed", FileID: sub.FileID()}); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := pc.writeJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop pumps control frames into ctrl until the connection dies. The
// write loop's deferred Close unblocks the pending read.
func (pc *progressClient) readLoop() {
	defer pc.close()

	pc.conn.SetReadLimit(1024)
	pc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var cmd wsCommand
		if err := pc.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Progress subscriber read error", "error", err)
			}
			return
		}
		select {
		case pc.ctrl <- cmd:
		default:
			// Client is flooding control frames; drop the excess.
		}
	}
}

func (pc *progressClient) writeJSON(v any) error {
	pc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return pc.conn.WriteJSON(v)
}

func (pc *progressClient) close() {
	pc.once.Do(func() { close(pc.done) })
}
