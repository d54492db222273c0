package main

// ============================================================================
// 路側節點模擬器
// 職責：
// 1. 以 WebSocket 連線到中央服務（/v1/nodes/{id}/ws）
// 2. 可選擇送出一筆事故回報
// 3. 印出收到的指令並回覆 ack
// 4. 定期 ping 維持連線
//
// 範例：
//   go run ./cmd/roadguard-node --node node-1 --report --span 10,90
//   go run ./cmd/roadguard-node --node node-2 --no-ack     # 觀察重送與下發失敗
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/roadguard/internal/gateway"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

type options struct {
	server   string
	nodeID   string
	report   bool
	lat      float64
	long     float64
	lane     int
	span     []int
	width    int
	height   int
	media    string
	ack      bool
	once     bool
	interval time.Duration
}

func main() {
	if err := buildCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildCommand() *cobra.Command {
	opts := options{}
	var noAck bool

	cmd := &cobra.Command{
		Use:           "roadguard-node",
		Short:         "Simulate a roadside node connected to RoadGuard",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ack = !noAck
			if len(opts.span) != 2 || opts.span[0] >= opts.span[1] {
				return errors.New("--span needs two increasing x coordinates")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "RoadGuard base URL")
	f.StringVar(&opts.nodeID, "node", "node-1", "node id")
	f.BoolVar(&opts.report, "report", false, "send one accident report after connecting")
	f.Float64Var(&opts.lat, "lat", 25.0330, "accident latitude")
	f.Float64Var(&opts.long, "long", 121.5654, "accident longitude")
	f.IntVar(&opts.lane, "lane", 1, "lane number hint")
	f.IntSliceVar(&opts.span, "span", []int{10, 90}, "horizontal pixel span of the accident polygon")
	f.IntVar(&opts.width, "width", 300, "frame width in pixels")
	f.IntVar(&opts.height, "height", 100, "frame height in pixels")
	f.StringVar(&opts.media, "media", "", "media URI attached to the report")
	f.BoolVar(&noAck, "no-ack", false, "never acknowledge commands")
	f.BoolVar(&opts.once, "once", false, "exit after the first command")
	f.DurationVar(&opts.interval, "ping", 30*time.Second, "ping interval")

	return cmd
}

// wsURL maps http(s)://host to ws(s)://host/v1/nodes/{id}/ws.
func wsURL(server, nodeID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/nodes/" + url.PathEscape(nodeID) + "/ws"
	return u.String(), nil
}

func (o options) reportPayload() gateway.ReportPayload {
	x1, x2 := float64(o.span[0]), float64(o.span[1])
	h := float64(o.height)
	p := gateway.ReportPayload{
		Lat:        &o.lat,
		Long:       &o.long,
		LaneNumber: o.lane,
		AccidentPolygon: &types.AccidentPolygon{
			BaseWidth:  o.width,
			BaseHeight: o.height,
			Points:     []types.Point{{X: x1, Y: h * 0.1}, {X: x2, Y: h * 0.1}, {X: (x1 + x2) / 2, Y: h * 0.8}},
		},
	}
	if o.media != "" {
		p.Media = []types.Media{{URI: o.media}}
	}
	return p
}

// ============================================================================
// 連線主循環
// ============================================================================

type nodeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *nodeConn) send(env gateway.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func run(ctx context.Context, opts options, out io.Writer) error {
	target, err := wsURL(opts.server, opts.nodeID)
	if err != nil {
		return err
	}
	raw, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", target, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	c := &nodeConn{conn: raw}
	defer raw.Close()
	log.Info("Connected", "node", opts.nodeID, "url", target)

	frames := make(chan gateway.Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env gateway.Envelope
			if err := raw.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	if opts.report {
		env, err := gateway.NewEnvelope(gateway.TypeReport, opts.reportPayload())
		if err != nil {
			return err
		}
		env.RequestID = uuid.NewString()
		if err := c.send(env); err != nil {
			return fmt.Errorf("send report: %w", err)
		}
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = raw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil

		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)

		case <-ticker.C:
			if err := c.send(gateway.Envelope{Type: gateway.TypePing, RequestID: uuid.NewString()}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}

		case env := <-frames:
			done, err := handle(c, opts, env, out)
			if err != nil || done {
				return err
			}
		}
	}
}

// handle prints one frame and acknowledges commands. It reports whether the
// simulator should exit.
func handle(c *nodeConn, opts options, env gateway.Envelope, out io.Writer) (bool, error) {
	switch env.Type {
	case gateway.TypeReportAck:
		var ack gateway.ReportAck
		_ = json.Unmarshal(env.Data, &ack)
		if !ack.Success {
			fmt.Fprintf(out, "report rejected: %s\n", ack.Message)
			return opts.once, nil
		}
		fmt.Fprintf(out, "report accepted: incident %s (%s)\n", ack.IncidentID, ack.Status)

	case gateway.TypeCommand:
		var payload types.CommandPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			log.Warn("Malformed command", "commandID", env.CommandID, "error", err)
			return false, nil
		}
		fmt.Fprintf(out, "command %s: %s speed=%d lanes=%v actions=%v\n",
			env.CommandID, payload.Status, payload.SpeedLimit, payload.LaneStates, payload.Actions)
		if opts.ack {
			if err := c.send(gateway.Envelope{Type: gateway.TypeAck, CommandID: env.CommandID}); err != nil {
				return false, fmt.Errorf("ack %s: %w", env.CommandID, err)
			}
		}
		return opts.once, nil

	case gateway.TypePong:
		log.Debug("Pong", "requestID", env.RequestID)

	case gateway.TypeError:
		var p gateway.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		fmt.Fprintf(out, "server error: %s\n", p.Error)

	default:
		log.Warn("Unknown frame", "type", env.Type)
	}
	return false, nil
}
