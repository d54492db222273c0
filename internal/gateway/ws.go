package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to NodeConn. gorilla allows one
// concurrent writer, so writes are serialised here.
type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *wsConn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// ServeWS upgrades the request and serves the node connection until it
// closes. The caller resolves nodeID from the URL.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, nodeID string) {
	if _, ok := g.nodes.Node(nodeID); !ok {
		http.Error(w, "node not registered", http.StatusNotFound)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "nodeID", nodeID, "error", err)
		return
	}
	conn := &wsConn{conn: raw, writeTimeout: g.cfg.WriteTimeout}
	defer conn.Close()

	if err := g.Connect(nodeID, conn); err != nil {
		log.Warn("Rejecting node connection", "nodeID", nodeID, "error", err)
		return
	}
	defer g.Disconnect(nodeID, conn)

	for {
		if err := raw.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout)); err != nil {
			return
		}
		var env Envelope
		if err := raw.ReadJSON(&env); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				g.reply(conn, TypeError, "", ErrorPayload{Error: "malformed frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Node connection read failed", "nodeID", nodeID, "error", err)
			}
			return
		}
		g.Touch(nodeID)
		g.handleFrame(conn, nodeID, env)
	}
}

func (g *Gateway) handleFrame(conn NodeConn, nodeID string, env Envelope) {
	switch env.Type {
	case TypeReport:
		var p ReportPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			g.reply(conn, TypeReportAck, env.RequestID, ReportAck{Message: "malformed report payload"})
			return
		}
		inc, err := g.IngestReport(nodeID, p)
		if err != nil && inc == nil {
			g.reply(conn, TypeReportAck, env.RequestID, ReportAck{Message: err.Error()})
			return
		}
		g.reply(conn, TypeReportAck, env.RequestID, ReportAck{
			Success:    true,
			IncidentID: inc.ID,
			Status:     string(inc.Status),
		})

	case TypeAck:
		g.Acknowledge(nodeID, env.CommandID)

	case TypePing:
		g.reply(conn, TypePong, env.RequestID, nil)

	default:
		g.reply(conn, TypeError, env.RequestID, ErrorPayload{Error: "unknown message type: " + env.Type})
	}
}

func (g *Gateway) reply(conn NodeConn, typ, requestID string, data any) {
	env, err := NewEnvelope(typ, data)
	if err != nil {
		log.Error("Failed to encode reply", "type", typ, "error", err)
		return
	}
	env.RequestID = requestID
	if err := conn.Send(env); err != nil {
		log.Warn("Failed to send reply", "type", typ, "error", err)
	}
}
