// ============================================================================
// RoadGuard 事故登錄表 - 事故狀態機實現
// ============================================================================
//
// Package: internal/incident
// 文件: registry.go
// 功能: 擁有所有事故及其狀態轉換；審核逾時、決策計算與下發結果回報
//
// 事故狀態轉換 (State Machine):
//
//   REPORTED --(嚴重度 + 車道比對完成)--> PENDING_REVIEW
//   PENDING_REVIEW --(審核確認)--> CONFIRMED --(節點確認指令)--> DISPATCHED
//   PENDING_REVIEW --(審核駁回)--> REJECTED
//   REPORTED | PENDING_REVIEW --(審核逾時)--> EXPIRED
//
// 轉換規則:
//   - 只接受第一個離開 PENDING_REVIEW 的轉換，之後的審核回傳 ErrStaleDecision
//   - 逾時與審核互斥：輸家得到 ErrTransitionRejected（或僅記錄日誌）
//   - REJECTED 與 EXPIRED 不下發任何指令
//   - CONFIRMED 在下發失敗後維持 CONFIRMED，可由操作員重新下發
//
// 並發安全:
//   - entries map 由 sync.RWMutex 保護，只在新增/查找時持有
//   - 每個事故有獨立的 sync.Mutex，不同事故可並行處理
//   - 每個事故一個 time.AfterFunc 計時器，不輪詢
//   - 指令在釋放事故鎖之後才交給 Dispatcher
//
// ============================================================================

package incident

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/roadguard/internal/decision"
	"github.com/ChuLiYu/roadguard/internal/metrics"
	"github.com/ChuLiYu/roadguard/internal/worker"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrIncidentNotFound 事故不存在
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrUnregisteredNode 節點不在節點登錄表中
	ErrUnregisteredNode = errors.New("node not registered")
	// ErrStaleDecision 事故已有審核結果，之後的審核一律拒絕
	ErrStaleDecision = errors.New("stale decision: incident already resolved")
	// ErrTransitionRejected 目前狀態不允許此轉換
	ErrTransitionRejected = errors.New("transition rejected")
	// ErrInvalidDecision 審核內容不合法
	ErrInvalidDecision = errors.New("invalid decision")
)

// ============================================================================
// 協作者介面
// ============================================================================

// NodeLookup resolves node configuration by id.
type NodeLookup interface {
	Node(id string) (types.Node, bool)
}

// Dispatcher delivers decision commands. Dispatch must not block on network
// I/O; outcomes come back through OnDelivered / OnDeliveryFailed.
type Dispatcher interface {
	Dispatch(cmd types.Command)
}

// Analyzer accepts analysis tasks. *worker.Pool implements it.
type Analyzer interface {
	Submit(task worker.Task) error
}

// AuditSink receives one event per transition or delivery outcome.
type AuditSink interface {
	Append(ctx context.Context, ev types.AuditEvent) error
}

// Journal persists the full incident state after every change so that a
// crash between snapshots loses nothing. *wal.WAL implements it.
type Journal interface {
	Record(kind string, inc *types.Incident) error
}

// ============================================================================
// 輸入結構
// ============================================================================

// Report 已驗證的事故回報
type Report struct {
	NodeID       string
	Location     types.Location
	ReportedLane int
	Polygon      *types.AccidentPolygon
	Media        []types.Media
}

// Review 審核者的決定。SpeedLimit 與 LaneStates 為可選的覆寫；
// LaneStates 必須完整覆蓋節點所有車道，不做部分合併。
type Review struct {
	IncidentID types.IncidentID
	NodeID     string // 可選，若提供需與事故相符
	Status     types.IncidentStatus
	Actions    []string
	Message    string
	SpeedLimit *int
	LaneStates []types.LaneState
}

// Filter 事故列表篩選條件，零值表示不篩選
type Filter struct {
	Status types.IncidentStatus
	NodeID string
	Limit  int
}

// Config 登錄表配置
type Config struct {
	ReviewTimeout   time.Duration // 審核期限
	AnalysisTimeout time.Duration // 單次分析上限
}

// DefaultReviewTimeout 預設審核期限
const DefaultReviewTimeout = 60 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

type entry struct {
	mu    sync.Mutex
	inc   *types.Incident
	node  types.Node
	timer *time.Timer
}

// Registry 事故登錄表
type Registry struct {
	mu      sync.RWMutex
	entries map[types.IncidentID]*entry

	cfg      Config
	engine   *decision.Engine
	nodes    NodeLookup
	analyzer Analyzer
	audit    AuditSink
	journal  Journal
	metrics  *metrics.Collector
	now      func() time.Time
	newID    func() string

	dispatcher atomic.Pointer[dispatcherRef]
	awaiting   atomic.Int64
	closed     atomic.Bool
}

type dispatcherRef struct{ d Dispatcher }

// Option 設定 Registry 的可選依賴
type Option func(*Registry)

// WithAnalyzer 設定分析任務的接收者
func WithAnalyzer(a Analyzer) Option { return func(r *Registry) { r.analyzer = a } }

// WithAudit 設定稽核紀錄
func WithAudit(s AuditSink) Option { return func(r *Registry) { r.audit = s } }

// WithJournal 設定事故日誌
func WithJournal(j Journal) Option { return func(r *Registry) { r.journal = j } }

// WithMetrics 設定指標收集器
func WithMetrics(c *metrics.Collector) Option { return func(r *Registry) { r.metrics = c } }

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithIDGenerator 替換事故與指令 ID 產生器
func WithIDGenerator(gen func() string) Option { return func(r *Registry) { r.newID = gen } }

// NewRegistry 建立新的事故登錄表
func NewRegistry(cfg Config, engine *decision.Engine, nodes NodeLookup, opts ...Option) *Registry {
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = DefaultReviewTimeout
	}
	if engine == nil {
		engine = decision.New(decision.DefaultPolicy())
	}
	r := &Registry{
		entries: make(map[types.IncidentID]*entry),
		cfg:     cfg,
		engine:  engine,
		nodes:   nodes,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AttachDispatcher 設定指令下發者。Gateway 需要 Registry 作為結果接收者，
// 因此在兩者都建立後才接上。
func (r *Registry) AttachDispatcher(d Dispatcher) {
	r.dispatcher.Store(&dispatcherRef{d: d})
}

// ============================================================================
// 建立與分析
// ============================================================================

// Create registers a new REPORTED incident, arms its review deadline and
// queues the analysis. It returns before analysis finishes.
func (r *Registry) Create(rep Report) (*types.Incident, error) {
	node, ok := r.nodes.Node(rep.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredNode, rep.NodeID)
	}

	now := r.now()
	inc := &types.Incident{
		ID:             types.IncidentID(r.newID()),
		NodeID:         rep.NodeID,
		Location:       rep.Location,
		ReportedLane:   rep.ReportedLane,
		Polygon:        rep.Polygon,
		Media:          rep.Media,
		Status:         types.StatusReported,
		ReviewDeadline: now.Add(r.cfg.ReviewTimeout),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e := &entry{inc: inc, node: node}

	r.mu.Lock()
	r.entries[inc.ID] = e
	r.mu.Unlock()

	e.mu.Lock()
	r.awaiting.Add(1)
	r.armDeadline(e, r.cfg.ReviewTimeout)
	r.record(e, "reported", "", types.StatusReported, "", "")
	out := inc.Clone()
	e.mu.Unlock()

	r.metrics.RecordReported()
	r.metrics.SetAwaitingReview(int(r.awaiting.Load()))

	log.Info("Incident reported", "incidentID", inc.ID, "nodeID", inc.NodeID)
	r.submitAnalysis(out, node)
	return out, nil
}

func (r *Registry) submitAnalysis(inc *types.Incident, node types.Node) {
	task := worker.Task{
		IncidentID:   inc.ID,
		Node:         node,
		Polygon:      inc.Polygon,
		Media:        inc.Media,
		ReportedLane: inc.ReportedLane,
		Timeout:      r.cfg.AnalysisTimeout,
	}
	if r.analyzer == nil {
		// 無分析服務：直接以兩側皆失敗的結果進入審核
		go r.ApplyAnalysis(worker.Result{
			IncidentID:  inc.ID,
			SeverityErr: errors.New("no analyzer configured"),
			MatchErr:    errors.New("no analyzer configured"),
		})
		return
	}
	// Submit 可能在緩衝區滿時阻塞，不可卡住回報路徑
	go func() {
		if err := r.analyzer.Submit(task); err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Info("Analysis pool closed, incident stays REPORTED", "incidentID", inc.ID)
				return
			}
			log.Error("Failed to submit analysis", "incidentID", inc.ID, "error", err)
		}
	}()
}

// ApplyAnalysis stores the analysis outcome and moves a REPORTED incident to
// PENDING_REVIEW together with the engine's suggested decision. Results for
// incidents that already left REPORTED are discarded.
func (r *Registry) ApplyAnalysis(res worker.Result) {
	r.metrics.RecordAnalysis(res.Duration, res.SeverityErr != nil, res.MatchErr != nil)

	e := r.lookup(res.IncidentID)
	if e == nil {
		log.Warn("Analysis result for unknown incident", "incidentID", res.IncidentID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inc := e.inc
	if inc.Status != types.StatusReported {
		log.Info("Discarding analysis result",
			"incidentID", inc.ID, "status", inc.Status, "error", ErrTransitionRejected)
		return
	}

	if res.SeverityErr != nil {
		inc.SeverityError = res.SeverityErr.Error()
		log.Warn("Severity unavailable", "incidentID", inc.ID, "error", res.SeverityErr)
	} else {
		inc.Severity = res.Severity
	}
	if res.MatchErr != nil {
		inc.MatchError = res.MatchErr.Error()
		log.Warn("Lane match unavailable", "incidentID", inc.ID, "error", res.MatchErr)
	} else {
		inc.BlockedLanes = res.BlockedLanes
	}

	s := r.engine.Suggest(e.node, inc.BlockedLanes, inc.Severity)
	r.noteFallbacks(inc.ID, s.Fallbacks)
	inc.Suggested = &s.Decision
	inc.Recommendation = s.Recommendation

	r.transition(e, types.StatusPendingReview, "analysed", "", "")
	log.Info("Incident awaiting review",
		"incidentID", inc.ID,
		"recommendation", inc.Recommendation,
		"blocked", len(inc.BlockedLanes))
}

func (r *Registry) noteFallbacks(id types.IncidentID, fallbacks []decision.Fallback) {
	for _, f := range fallbacks {
		log.Warn("Decision engine fallback", "incidentID", id, "reason", f)
		r.metrics.RecordEngineFallback(string(f))
	}
}

// ============================================================================
// 審核
// ============================================================================

// Review applies a reviewer decision. Only the first decision on a
// PENDING_REVIEW incident succeeds.
func (r *Registry) Review(rv Review) (*types.Incident, error) {
	e := r.lookup(rv.IncidentID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, rv.IncidentID)
	}

	e.mu.Lock()
	inc := e.inc

	if rv.NodeID != "" && rv.NodeID != inc.NodeID {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: incident %s belongs to node %q", ErrInvalidDecision, inc.ID, inc.NodeID)
	}

	switch inc.Status {
	case types.StatusPendingReview:
	case types.StatusConfirmed, types.StatusRejected, types.StatusDispatched:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrStaleDecision, inc.ID, inc.Status)
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot review %s in %s", ErrTransitionRejected, inc.ID, inc.Status)
	}

	var cmd *types.Command
	switch rv.Status {
	case types.StatusConfirmed:
		final, overridden, err := r.finalDecision(e, rv)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		inc.Decision = final
		inc.Overridden = overridden
		inc.ReviewMessage = rv.Message
		inc.CommandID = types.CommandID(r.newID())
		r.stopDeadline(e)
		r.transition(e, types.StatusConfirmed, "confirmed", inc.CommandID, overrideDetail(overridden))

		c := types.NewDecisionCommand(inc.CommandID, inc, e.node.Lanes, r.now())
		cmd = &c

	case types.StatusRejected:
		inc.ReviewMessage = rv.Message
		r.stopDeadline(e)
		r.transition(e, types.StatusRejected, "rejected", "", rv.Message)

	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: status must be CONFIRMED or REJECTED, got %q", ErrInvalidDecision, rv.Status)
	}

	r.metrics.RecordReview(r.now().Sub(inc.CreatedAt), inc.Overridden)
	out := inc.Clone()
	e.mu.Unlock()

	log.Info("Incident reviewed", "incidentID", out.ID, "status", out.Status, "overridden", out.Overridden)
	if cmd != nil {
		r.dispatch(*cmd)
	}
	return out, nil
}

// finalDecision starts from the engine suggestion and replaces whatever the
// reviewer overrides. Caller holds e.mu.
func (r *Registry) finalDecision(e *entry, rv Review) (*types.Decision, bool, error) {
	suggested := e.inc.Suggested
	if suggested == nil {
		s := r.engine.Suggest(e.node, e.inc.BlockedLanes, e.inc.Severity)
		r.noteFallbacks(e.inc.ID, s.Fallbacks)
		suggested = &s.Decision
		e.inc.Suggested = suggested
	}
	final := suggested.Clone()
	overridden := false

	if rv.SpeedLimit != nil {
		if *rv.SpeedLimit <= 0 {
			return nil, false, fmt.Errorf("%w: speedLimit must be positive, got %d", ErrInvalidDecision, *rv.SpeedLimit)
		}
		p := r.engine.Policy()
		final.SpeedLimit = min(max(*rv.SpeedLimit, p.MinSpeed), p.MaxSpeed)
		overridden = true
	}

	if rv.LaneStates != nil {
		if len(rv.LaneStates) != len(e.node.Lanes) {
			return nil, false, fmt.Errorf("%w: laneStates has %d entries, node %s has %d lanes",
				ErrInvalidDecision, len(rv.LaneStates), e.node.ID, len(e.node.Lanes))
		}
		for i, st := range rv.LaneStates {
			if !st.Valid() {
				return nil, false, fmt.Errorf("%w: laneStates[%d] = %q", ErrInvalidDecision, i, st)
			}
		}
		final.LaneConfiguration = slices.Clone(rv.LaneStates)
		overridden = true
	}

	if len(rv.Actions) > 0 {
		final.Actions = slices.Clone(rv.Actions)
		overridden = true
	}

	if overridden {
		final.Source = types.SourceReviewer
	}
	return final, overridden, nil
}

func overrideDetail(overridden bool) string {
	if overridden {
		return "reviewer override"
	}
	return ""
}

// ============================================================================
// 審核期限
// ============================================================================

// armDeadline starts the review timer. Caller holds e.mu.
func (r *Registry) armDeadline(e *entry, after time.Duration) {
	id := e.inc.ID
	e.timer = time.AfterFunc(after, func() { r.expire(id) })
}

// stopDeadline cancels the review timer. A timer that already fired finds the
// incident resolved and does nothing. Caller holds e.mu.
func (r *Registry) stopDeadline(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (r *Registry) expire(id types.IncidentID) {
	if r.closed.Load() {
		return
	}
	e := r.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.inc.Status.AwaitingReview() {
		log.Debug("Review deadline fired after resolution",
			"incidentID", id, "status", e.inc.Status, "error", ErrTransitionRejected)
		return
	}
	e.timer = nil
	r.transition(e, types.StatusExpired, "expired", "", "review deadline passed")
	log.Warn("Incident expired without review", "incidentID", id)
}

// ============================================================================
// 下發結果
// ============================================================================

func (r *Registry) dispatch(cmd types.Command) {
	ref := r.dispatcher.Load()
	if ref == nil || ref.d == nil {
		r.OnDeliveryFailed(cmd.IncidentID, cmd.ID, errors.New("no dispatcher attached"))
		return
	}
	ref.d.Dispatch(cmd)
}

// OnDelivered records a node acknowledgment. Outcomes for superseded commands
// or incidents no longer CONFIRMED are discarded.
func (r *Registry) OnDelivered(id types.IncidentID, cmdID types.CommandID) {
	e := r.lookup(id)
	if e == nil {
		log.Warn("Delivery outcome for unknown incident", "incidentID", id, "commandID", cmdID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inc.Status != types.StatusConfirmed || e.inc.CommandID != cmdID {
		log.Info("Discarding delivery outcome",
			"incidentID", id, "commandID", cmdID, "status", e.inc.Status, "error", ErrTransitionRejected)
		return
	}
	e.inc.DeliveryError = ""
	r.transition(e, types.StatusDispatched, "dispatched", cmdID, "")
	log.Info("Incident dispatched", "incidentID", id, "commandID", cmdID)
}

// OnDeliveryFailed records that the gateway gave up on a command. The
// incident stays CONFIRMED.
func (r *Registry) OnDeliveryFailed(id types.IncidentID, cmdID types.CommandID, cause error) {
	e := r.lookup(id)
	if e == nil {
		log.Warn("Delivery outcome for unknown incident", "incidentID", id, "commandID", cmdID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inc.Status != types.StatusConfirmed || e.inc.CommandID != cmdID {
		log.Info("Discarding delivery failure",
			"incidentID", id, "commandID", cmdID, "status", e.inc.Status)
		return
	}
	e.inc.DeliveryError = cause.Error()
	e.inc.UpdatedAt = r.now()
	r.record(e, "delivery-failed", types.StatusConfirmed, types.StatusConfirmed, cmdID, cause.Error())
	log.Error("Command delivery failed", "incidentID", id, "commandID", cmdID, "error", cause)
}

// Redispatch issues a fresh command for a CONFIRMED incident whose previous
// delivery failed.
func (r *Registry) Redispatch(id types.IncidentID) (*types.Incident, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}

	e.mu.Lock()
	inc := e.inc
	if inc.Status != types.StatusConfirmed || inc.DeliveryError == "" {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: redispatch needs a CONFIRMED incident with a failed delivery, %s is %s",
			ErrTransitionRejected, id, inc.Status)
	}
	previous := inc.CommandID
	inc.CommandID = types.CommandID(r.newID())
	inc.DeliveryError = ""
	inc.UpdatedAt = r.now()
	r.record(e, "redispatched", types.StatusConfirmed, types.StatusConfirmed, inc.CommandID, "replaces "+string(previous))
	cmd := types.NewDecisionCommand(inc.CommandID, inc, e.node.Lanes, r.now())
	out := inc.Clone()
	e.mu.Unlock()

	log.Info("Incident redispatched", "incidentID", id, "commandID", cmd.ID)
	r.dispatch(cmd)
	return out, nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get returns a copy of the incident.
func (r *Registry) Get(id types.IncidentID) (*types.Incident, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inc.Clone(), nil
}

// List returns copies of matching incidents, newest first.
func (r *Registry) List(f Filter) []*types.Incident {
	var out []*types.Incident
	for _, e := range r.all() {
		e.mu.Lock()
		if (f.Status == "" || e.inc.Status == f.Status) && (f.NodeID == "" || e.inc.NodeID == f.NodeID) {
			out = append(out, e.inc.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *types.Incident) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats counts incidents per status.
func (r *Registry) Stats() map[types.IncidentStatus]int {
	stats := map[types.IncidentStatus]int{
		types.StatusReported:      0,
		types.StatusPendingReview: 0,
		types.StatusConfirmed:     0,
		types.StatusRejected:      0,
		types.StatusDispatched:    0,
		types.StatusExpired:       0,
	}
	for _, e := range r.all() {
		e.mu.Lock()
		stats[e.inc.Status]++
		e.mu.Unlock()
	}
	return stats
}

func (r *Registry) lookup(id types.IncidentID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ============================================================================
// 內部工具
// ============================================================================

// transition moves the incident to status `to`, records audit and metrics.
// Caller holds e.mu.
func (r *Registry) transition(e *entry, to types.IncidentStatus, kind string, cmdID types.CommandID, detail string) {
	from := e.inc.Status
	now := r.now()
	e.inc.Status = to
	e.inc.UpdatedAt = now
	if to.IsTerminal() {
		e.inc.ResolvedAt = &now
	}
	if from.AwaitingReview() && !to.AwaitingReview() {
		r.awaiting.Add(-1)
		r.metrics.SetAwaitingReview(int(r.awaiting.Load()))
	}
	r.metrics.RecordTransition(to)
	r.record(e, kind, from, to, cmdID, detail)
}

// record journals the incident and appends an audit event. Neither failure
// blocks a transition. Caller holds e.mu.
func (r *Registry) record(e *entry, kind string, from, to types.IncidentStatus, cmdID types.CommandID, detail string) {
	if r.journal != nil {
		if err := r.journal.Record(kind, e.inc.Clone()); err != nil {
			log.Error("Failed to journal incident", "incidentID", e.inc.ID, "kind", kind, "error", err)
		}
	}
	if r.audit == nil {
		return
	}
	ev := types.AuditEvent{
		IncidentID: e.inc.ID,
		NodeID:     e.inc.NodeID,
		Kind:       kind,
		From:       from,
		To:         to,
		CommandID:  cmdID,
		Detail:     detail,
		At:         r.now(),
	}
	if err := r.audit.Append(context.Background(), ev); err != nil {
		log.Error("Failed to append audit event", "incidentID", e.inc.ID, "kind", kind, "error", err)
	}
}

// Close stops every review timer. Pending incidents keep their status and
// deadline so a later Restore can re-arm them.
func (r *Registry) Close() {
	r.closed.Store(true)
	for _, e := range r.all() {
		e.mu.Lock()
		r.stopDeadline(e)
		e.mu.Unlock()
	}
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot returns a deep copy of every incident for persistence.
func (r *Registry) Snapshot() types.SnapshotData {
	data := types.SnapshotData{Incidents: make(map[types.IncidentID]*types.Incident)}
	for _, e := range r.all() {
		e.mu.Lock()
		data.Incidents[e.inc.ID] = e.inc.Clone()
		e.mu.Unlock()
	}
	return data
}

// RestoreStats 恢復結果統計
type RestoreStats struct {
	Restored    int
	Expired     int // 審核期限在停機期間已過
	Reanalysed  int // REPORTED，重新送分析
	Redelivered int // CONFIRMED 且尚未失敗，以原 commandId 重送
}

// Restore loads incidents from a snapshot. It must run before the registry
// accepts reports. Review deadlines keep their absolute time: a deadline that
// passed while the process was down expires the incident immediately.
func (r *Registry) Restore(data types.SnapshotData) RestoreStats {
	var (
		stats    RestoreStats
		analyse  []*entry
		commands []types.Command
	)
	now := r.now()

	r.mu.Lock()
	for id, inc := range data.Incidents {
		if inc == nil {
			continue
		}
		node, ok := r.nodes.Node(inc.NodeID)
		if !ok {
			log.Warn("Restored incident references unknown node", "incidentID", id, "nodeID", inc.NodeID)
		}
		r.entries[inc.ID] = &entry{inc: inc.Clone(), node: node}
	}
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		stats.Restored++
		inc := e.inc
		switch {
		case inc.Status.AwaitingReview() && !now.Before(inc.ReviewDeadline):
			r.awaiting.Add(1)
			r.transition(e, types.StatusExpired, "expired", "", "review deadline passed during downtime")
			stats.Expired++
		case inc.Status.AwaitingReview():
			r.awaiting.Add(1)
			r.armDeadline(e, inc.ReviewDeadline.Sub(now))
			if inc.Status == types.StatusReported {
				analyse = append(analyse, e)
			}
		case inc.Status == types.StatusConfirmed && inc.DeliveryError == "" && inc.CommandID != "":
			commands = append(commands, types.NewDecisionCommand(inc.CommandID, inc, e.node.Lanes, now))
		}
		e.mu.Unlock()
	}
	r.metrics.SetAwaitingReview(int(r.awaiting.Load()))

	for _, e := range analyse {
		e.mu.Lock()
		inc := e.inc.Clone()
		e.mu.Unlock()
		r.submitAnalysis(inc, e.node)
		stats.Reanalysed++
	}
	for _, cmd := range commands {
		r.dispatch(cmd)
		stats.Redelivered++
	}

	log.Info("Registry restored",
		"incidents", stats.Restored,
		"expired", stats.Expired,
		"reanalysed", stats.Reanalysed,
		"redelivered", stats.Redelivered)
	return stats
}
