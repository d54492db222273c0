// ============================================================================
// RoadGuard Dispatch Gateway - 節點連線與指令下發
// ============================================================================
//
// Package: internal/gateway
// 文件: gateway.go
// 功能: 接收路側節點的事故回報，並將審核後的決策指令可靠地下發給節點
//
// 連線狀態:
//
//   DISCONNECTED --(WebSocket 建立)--> CONNECTED --(讀取失敗 / 關閉)--> DISCONNECTED
//
// 下發流程 (at-least-once):
//
//   Dispatch -> 送出 -> 等待 ack (AckTimeout)
//                 |            |
//                 |        逾時 / 無連線
//                 |            v
//                 |     退避 base×2^(n-1) -> 再次送出
//                 |            |
//                 v        達 MaxAttempts
//             收到 ack         v
//           OnDelivered   OnDeliveryFailed（事故維持 CONFIRMED）
//
//   節點重新連線時，所有待確認的指令立即重送。
//
// 並發安全:
//   - 連線表與待確認指令由 g.mu 保護，只做簿記
//   - 網路寫入在 goroutine 中進行，由每條連線自己的寫鎖序列化
//   - 事故登錄表的回呼一律在釋放 g.mu 之後執行
//
// ============================================================================

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/roadguard/internal/incident"
	"github.com/ChuLiYu/roadguard/internal/metrics"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 介面與配置
// ============================================================================

// NodeConn is one live node connection. Send must be safe for concurrent use.
type NodeConn interface {
	Send(env Envelope) error
	Close() error
}

// IncidentSink receives reports and delivery outcomes. *incident.Registry
// implements it.
type IncidentSink interface {
	Create(rep incident.Report) (*types.Incident, error)
	OnDelivered(id types.IncidentID, cmdID types.CommandID)
	OnDeliveryFailed(id types.IncidentID, cmdID types.CommandID, cause error)
}

// NodeDirectory lists registered nodes.
type NodeDirectory interface {
	Node(id string) (types.Node, bool)
	List() []types.Node
}

// Config 下發參數
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	AckTimeout   time.Duration `yaml:"ack_timeout" mapstructure:"ack_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
}

// DefaultConfig 預設下發參數
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		BackoffMax:   30 * time.Second,
		AckTimeout:   5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	return c
}

// backoff returns the wait after the n-th failed attempt.
func (c Config) backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n && d < c.BackoffMax; i++ {
		d *= 2
	}
	return min(d, c.BackoffMax)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// ConnState 連線狀態
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnected    ConnState = "CONNECTED"
)

type connection struct {
	conn        NodeConn
	state       ConnState
	connectedAt time.Time
	lastSeen    time.Time
}

type pendingCommand struct {
	cmd         types.Command
	attempts    int
	awaitingAck bool
	gen         uint64 // 每次重新設定計時器遞增，過時的回呼據此忽略
	timer       *time.Timer
}

// NodeStatus 節點連線狀態
type NodeStatus struct {
	NodeID          string     `json:"nodeId"`
	Name            string     `json:"name,omitempty"`
	Lanes           int        `json:"lanes"`
	State           ConnState  `json:"state"`
	ConnectedAt     *time.Time `json:"connectedAt,omitempty"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
	PendingCommands int        `json:"pendingCommands"`
}

// Gateway 節點連線表與指令下發
type Gateway struct {
	cfg     Config
	sink    IncidentSink
	nodes   NodeDirectory
	metrics *metrics.Collector

	mu      sync.Mutex
	conns   map[string]*connection
	pending map[types.CommandID]*pendingCommand
	closed  bool
}

// New 建立 Gateway
func New(cfg Config, sink IncidentSink, nodes NodeDirectory, m *metrics.Collector) *Gateway {
	return &Gateway{
		cfg:     cfg.withDefaults(),
		sink:    sink,
		nodes:   nodes,
		metrics: m,
		conns:   make(map[string]*connection),
		pending: make(map[types.CommandID]*pendingCommand),
	}
}

// ============================================================================
// 事故回報
// ============================================================================

// IngestReport validates a report and creates the incident. The incident id
// is returned before analysis finishes. When nodeID never connected the
// incident is still created and the error wraps ErrUnknownNode.
func (g *Gateway) IngestReport(nodeID string, p ReportPayload) (*types.Incident, error) {
	switch {
	case nodeID == "":
		nodeID = p.NodeID
	case p.NodeID != "" && p.NodeID != nodeID:
		return nil, invalid("nodeId", fmt.Sprintf("%q does not match connection %q", p.NodeID, nodeID))
	}
	if nodeID == "" {
		return nil, invalid("nodeId", "is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if _, ok := g.nodes.Node(nodeID); !ok {
		return nil, invalid("nodeId", fmt.Sprintf("%q is not registered", nodeID))
	}

	inc, err := g.sink.Create(p.toReport(nodeID))
	if err != nil {
		if errors.Is(err, incident.ErrUnregisteredNode) {
			return nil, invalid("nodeId", fmt.Sprintf("%q is not registered", nodeID))
		}
		return nil, err
	}

	g.mu.Lock()
	_, seen := g.conns[nodeID]
	g.mu.Unlock()
	if !seen {
		log.Warn("Report from node without connection record", "nodeID", nodeID, "incidentID", inc.ID)
		return inc, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return inc, nil
}

// ============================================================================
// 連線管理
// ============================================================================

// Connect registers a live connection for nodeID and redelivers the node's
// pending commands. A previous connection for the same node is closed.
func (g *Gateway) Connect(nodeID string, conn NodeConn) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("gateway closed")
	}

	now := time.Now()
	c, ok := g.conns[nodeID]
	if !ok {
		c = &connection{}
		g.conns[nodeID] = c
	}
	previous := c.conn
	c.conn = conn
	c.state = StateConnected
	c.connectedAt = now
	c.lastSeen = now

	var redeliver int
	for _, p := range g.pending {
		if p.cmd.NodeID == nodeID {
			g.sendLocked(p, false)
			redeliver++
		}
	}
	g.metrics.SetConnectedNodes(g.connectedLocked())
	g.mu.Unlock()

	if previous != nil && previous != conn {
		previous.Close()
	}
	log.Info("Node connected", "nodeID", nodeID, "redelivered", redeliver)
	return nil
}

// Disconnect marks nodeID disconnected if conn is still its current
// connection.
func (g *Gateway) Disconnect(nodeID string, conn NodeConn) {
	g.mu.Lock()
	c, ok := g.conns[nodeID]
	if !ok || c.conn != conn {
		g.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	g.metrics.SetConnectedNodes(g.connectedLocked())
	g.mu.Unlock()

	log.Info("Node disconnected", "nodeID", nodeID)
}

// Touch refreshes the last time a frame arrived from nodeID.
func (g *Gateway) Touch(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[nodeID]; ok {
		c.lastSeen = time.Now()
	}
}

func (g *Gateway) connectedLocked() int {
	n := 0
	for _, c := range g.conns {
		if c.state == StateConnected {
			n++
		}
	}
	return n
}

// Nodes lists every registered node with its connection state.
func (g *Gateway) Nodes() []NodeStatus {
	nodes := g.nodes.List()

	g.mu.Lock()
	pendingByNode := make(map[string]int)
	for _, p := range g.pending {
		pendingByNode[p.cmd.NodeID]++
	}
	out := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		st := NodeStatus{
			NodeID:          n.ID,
			Name:            n.Name,
			Lanes:           len(n.Lanes),
			State:           StateDisconnected,
			PendingCommands: pendingByNode[n.ID],
		}
		if c, ok := g.conns[n.ID]; ok {
			connectedAt, lastSeen := c.connectedAt, c.lastSeen
			st.State = c.state
			st.ConnectedAt = &connectedAt
			st.LastSeen = &lastSeen
		}
		out = append(out, st)
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b NodeStatus) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out
}

// ============================================================================
// 指令下發
// ============================================================================

// Dispatch queues cmd for delivery and returns without waiting for the
// network.
func (g *Gateway) Dispatch(cmd types.Command) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		log.Warn("Gateway closed, command not sent", "commandID", cmd.ID, "incidentID", cmd.IncidentID)
		return
	}
	if _, dup := g.pending[cmd.ID]; dup {
		g.mu.Unlock()
		return
	}
	p := &pendingCommand{cmd: cmd}
	g.pending[cmd.ID] = p
	exhausted := g.sendLocked(p, true)
	g.mu.Unlock()

	log.Info("Command queued", "commandID", cmd.ID, "incidentID", cmd.IncidentID, "nodeID", cmd.NodeID)
	if exhausted {
		g.fail(p)
	}
}

// sendLocked starts one delivery attempt. When count is false the attempt is
// a reconnect redelivery and does not consume the retry budget. It reports
// whether the budget is exhausted. Caller holds g.mu.
func (g *Gateway) sendLocked(p *pendingCommand, count bool) bool {
	if count {
		p.attempts++
	}
	g.stopTimerLocked(p)

	c := g.conns[p.cmd.NodeID]
	if c == nil || c.conn == nil {
		return g.attemptFailedLocked(p)
	}

	p.awaitingAck = true
	g.armLocked(p, g.cfg.AckTimeout, g.onAckTimeout)
	go g.write(c.conn, p.cmd)
	return false
}

// attemptFailedLocked either schedules the next attempt or removes the
// command when the budget is spent. Caller holds g.mu.
func (g *Gateway) attemptFailedLocked(p *pendingCommand) bool {
	p.awaitingAck = false
	if p.attempts >= g.cfg.MaxAttempts {
		g.stopTimerLocked(p)
		delete(g.pending, p.cmd.ID)
		return true
	}
	g.armLocked(p, g.cfg.backoff(p.attempts), g.onRetry)
	return false
}

func (g *Gateway) armLocked(p *pendingCommand, after time.Duration, fn func(types.CommandID, uint64)) {
	p.gen++
	id, gen := p.cmd.ID, p.gen
	p.timer = time.AfterFunc(after, func() { fn(id, gen) })
}

func (g *Gateway) stopTimerLocked(p *pendingCommand) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// current returns the pending command if the timer generation still
// matches. Caller holds g.mu.
func (g *Gateway) current(id types.CommandID, gen uint64) *pendingCommand {
	if g.closed {
		return nil
	}
	p, ok := g.pending[id]
	if !ok || p.gen != gen {
		return nil
	}
	return p
}

func (g *Gateway) onAckTimeout(id types.CommandID, gen uint64) {
	g.mu.Lock()
	p := g.current(id, gen)
	if p == nil {
		g.mu.Unlock()
		return
	}
	log.Warn("Command ack timed out", "commandID", id, "nodeID", p.cmd.NodeID, "attempt", p.attempts)
	exhausted := g.attemptFailedLocked(p)
	g.mu.Unlock()

	if exhausted {
		g.fail(p)
	}
}

func (g *Gateway) onRetry(id types.CommandID, gen uint64) {
	g.mu.Lock()
	p := g.current(id, gen)
	if p == nil {
		g.mu.Unlock()
		return
	}
	exhausted := g.sendLocked(p, true)
	g.mu.Unlock()

	if exhausted {
		g.fail(p)
	}
}

func (g *Gateway) write(conn NodeConn, cmd types.Command) {
	env, err := CommandEnvelope(cmd)
	if err != nil {
		log.Error("Failed to encode command", "commandID", cmd.ID, "error", err)
		return
	}
	if err := conn.Send(env); err != nil {
		// 連線已壞：關閉後由讀取迴圈處理斷線，ack 計時器負責重試
		log.Warn("Failed to send command", "commandID", cmd.ID, "nodeID", cmd.NodeID, "error", err)
		conn.Close()
		return
	}
	g.metrics.RecordCommandSent()
}

func (g *Gateway) fail(p *pendingCommand) {
	g.metrics.RecordDeliveryFailed()
	err := fmt.Errorf("%w: node %s did not acknowledge after %d attempts", ErrDeliveryFailed, p.cmd.NodeID, p.attempts)
	log.Error("Giving up on command", "commandID", p.cmd.ID, "incidentID", p.cmd.IncidentID, "error", err)
	g.sink.OnDeliveryFailed(p.cmd.IncidentID, p.cmd.ID, err)
}

// Acknowledge completes delivery of commandID. Acks for unknown commands or
// from a node the command was not addressed to are ignored.
func (g *Gateway) Acknowledge(nodeID string, cmdID types.CommandID) {
	g.mu.Lock()
	p, ok := g.pending[cmdID]
	if !ok {
		g.mu.Unlock()
		log.Warn("Ack for unknown command", "nodeID", nodeID, "commandID", cmdID)
		return
	}
	if p.cmd.NodeID != nodeID {
		g.mu.Unlock()
		log.Warn("Ack from wrong node", "nodeID", nodeID, "commandID", cmdID, "addressedTo", p.cmd.NodeID)
		return
	}
	g.stopTimerLocked(p)
	delete(g.pending, cmdID)
	g.mu.Unlock()

	g.metrics.RecordCommandAcked()
	log.Info("Command acknowledged", "commandID", cmdID, "incidentID", p.cmd.IncidentID, "nodeID", nodeID)
	g.sink.OnDelivered(p.cmd.IncidentID, cmdID)
}

// Pending returns the number of commands awaiting acknowledgment.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close stops retries and closes every connection. Unacknowledged commands
// stay CONFIRMED in the registry and are redelivered after recovery.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for _, p := range g.pending {
		g.stopTimerLocked(p)
	}
	var conns []NodeConn
	for _, c := range g.conns {
		if c.conn != nil {
			conns = append(conns, c.conn)
			c.conn = nil
			c.state = StateDisconnected
		}
	}
	g.metrics.SetConnectedNodes(0)
	g.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	log.Info("Gateway closed", "connections", len(conns))
}
