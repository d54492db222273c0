// Package types 定義了 roadguard 系統中使用的核心領域模型
package types

import (
	"slices"
	"time"
)

// Lane 單一車道設定，屬於某個 Node 的道路配置
type Lane struct {
	ID         int    `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	LaneNumber int    `json:"laneNumber" yaml:"lane_number"` // 1-based, left-to-right
}

// Node 路側感測節點，車道列表與基準速限
type Node struct {
	ID             string `json:"nodeId" yaml:"id"`
	Name           string `json:"name,omitempty" yaml:"name"`
	Lanes          []Lane `json:"lanes" yaml:"lanes"`
	BaseSpeedLimit int    `json:"baseSpeedLimit" yaml:"base_speed_limit"` // km/h
}

// SortLanes returns a copy of lanes ordered by lane id. The index in the
// returned slice (plus one) is the lane position used for adjacency.
func SortLanes(lanes []Lane) []Lane {
	sorted := slices.Clone(lanes)
	slices.SortStableFunc(sorted, func(a, b Lane) int { return a.ID - b.ID })
	return sorted
}

// Point 像素座標
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AccidentPolygon 節點回報的事故多邊形（像素空間）
type AccidentPolygon struct {
	Points     []Point `json:"points"`
	BaseWidth  int     `json:"baseWidth"`
	BaseHeight int     `json:"baseHeight"`
}

// IsEmpty reports whether the polygon has too few points to describe an area.
func (p AccidentPolygon) IsEmpty() bool {
	return len(p.Points) < 3
}

// Location 經緯度
type Location struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Media 事故影像，對核心而言是不透明資料
type Media struct {
	URI         string `json:"uri,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// IncidentID 事故唯一識別碼
type IncidentID string

// IncidentStatus 事故狀態
type IncidentStatus string

// 定義事故狀態常數
const (
	StatusReported      IncidentStatus = "REPORTED"       // 已回報：等待嚴重度分析與車道比對
	StatusPendingReview IncidentStatus = "PENDING_REVIEW" // 待審核：分析完成（或失敗），等待人工審核
	StatusConfirmed     IncidentStatus = "CONFIRMED"      // 已確認：指令已送出，等待節點確認
	StatusRejected      IncidentStatus = "REJECTED"       // 已駁回：不送出任何指令
	StatusDispatched    IncidentStatus = "DISPATCHED"     // 已下發：節點已確認指令
	StatusExpired       IncidentStatus = "EXPIRED"        // 已過期：審核逾時
)

// IsTerminal reports whether no further transition can leave the status.
func (s IncidentStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusDispatched, StatusExpired:
		return true
	}
	return false
}

// AwaitingReview reports whether the review deadline still applies.
func (s IncidentStatus) AwaitingReview() bool {
	return s == StatusReported || s == StatusPendingReview
}

// LaneState 車道狀態
type LaneState string

const (
	LaneOpen    LaneState = "open"
	LaneBlocked LaneState = "blocked"
	LaneLeft    LaneState = "left"  // merge left
	LaneRight   LaneState = "right" // merge right
)

// Valid reports whether s is one of the known lane states.
func (s LaneState) Valid() bool {
	switch s {
	case LaneOpen, LaneBlocked, LaneLeft, LaneRight:
		return true
	}
	return false
}

// Action 決策引擎建議的處置
type Action string

const (
	ActionEmergencyStop   Action = "emergency-stop"
	ActionReduceSpeed     Action = "reduce-speed"
	ActionNormalOperation Action = "normal-operation"
)

// DecisionSource 區分引擎建議與審核者覆寫，供稽核使用
type DecisionSource string

const (
	SourceEngine   DecisionSource = "engine"
	SourceReviewer DecisionSource = "reviewer"
)

// Decision 車道配置與速限
type Decision struct {
	SpeedLimit        int            `json:"speedLimit"`
	LaneConfiguration []LaneState    `json:"laneConfiguration"`
	Actions           []string       `json:"actions"`
	Source            DecisionSource `json:"source"`
}

// Clone returns a deep copy of d.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	c := *d
	c.LaneConfiguration = slices.Clone(d.LaneConfiguration)
	c.Actions = slices.Clone(d.Actions)
	return &c
}

// Incident 事故結構，代表一次事故回報及其生命週期
type Incident struct {
	// 識別與回報資料
	ID           IncidentID       `json:"id"`
	NodeID       string           `json:"nodeId"`
	Location     Location         `json:"location"`
	ReportedLane int              `json:"reportedLane,omitempty"` // 節點提示，僅供參考
	Polygon      *AccidentPolygon `json:"accidentPolygon,omitempty"`
	Media        []Media          `json:"media,omitempty"`

	// 分析結果（缺席時欄位為空，錯誤記錄於 *Error）
	Severity       *int   `json:"severity,omitempty"`
	SeverityError  string `json:"severityError,omitempty"`
	BlockedLanes   []Lane `json:"blockedLanes,omitempty"`
	MatchError     string `json:"matchError,omitempty"`
	Recommendation Action `json:"recommendation,omitempty"`

	// 審核與下發
	Status        IncidentStatus `json:"status"`
	Suggested     *Decision      `json:"suggested,omitempty"` // 引擎建議
	Decision      *Decision      `json:"decision,omitempty"`  // 最終下發的決策
	Overridden    bool           `json:"overridden"`
	ReviewMessage string         `json:"reviewMessage,omitempty"`
	CommandID     CommandID      `json:"commandId,omitempty"`
	DeliveryError string         `json:"deliveryError,omitempty"`

	// 時間管理
	ReviewDeadline time.Time  `json:"reviewDeadline"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (inc *Incident) Clone() *Incident {
	c := *inc
	if inc.Polygon != nil {
		p := *inc.Polygon
		p.Points = slices.Clone(inc.Polygon.Points)
		c.Polygon = &p
	}
	c.Media = slices.Clone(inc.Media)
	if inc.Severity != nil {
		s := *inc.Severity
		c.Severity = &s
	}
	c.BlockedLanes = slices.Clone(inc.BlockedLanes)
	c.Suggested = inc.Suggested.Clone()
	c.Decision = inc.Decision.Clone()
	if inc.ResolvedAt != nil {
		r := *inc.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}

// CommandID 指令唯一識別碼
type CommandID string

// CommandType 指令類型
type CommandType string

const CommandAccidentDecision CommandType = "accident-decision"

// LaneCommand 單一車道的指令內容
type LaneCommand struct {
	Lane   int       `json:"lane"`
	Status LaneState `json:"status"`
}

// CommandPayload 下發給節點的決策內容
type CommandPayload struct {
	Status     IncidentStatus `json:"status"`
	SpeedLimit int            `json:"speedLimit,omitempty"`
	LaneStates []LaneState    `json:"laneStates,omitempty"`
	Lanes      []LaneCommand  `json:"lanes,omitempty"`
	Actions    []string       `json:"actions,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Command 一則定址給節點、需確認的指令
type Command struct {
	ID         CommandID      `json:"commandId"`
	NodeID     string         `json:"nodeId"`
	IncidentID IncidentID     `json:"incidentId"`
	Type       CommandType    `json:"type"`
	Payload    CommandPayload `json:"payload"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// NewDecisionCommand builds the command delivering inc's final decision.
// lanes are the node's lanes; each lane state is paired with the lane number
// of the lane at the same position in id order.
func NewDecisionCommand(id CommandID, inc *Incident, lanes []Lane, now time.Time) Command {
	payload := CommandPayload{
		Status:  inc.Status,
		Message: inc.ReviewMessage,
	}
	if d := inc.Decision; d != nil {
		payload.SpeedLimit = d.SpeedLimit
		payload.LaneStates = slices.Clone(d.LaneConfiguration)
		payload.Actions = slices.Clone(d.Actions)

		sorted := SortLanes(lanes)
		for i, state := range d.LaneConfiguration {
			number := i + 1
			if i < len(sorted) && sorted[i].LaneNumber > 0 {
				number = sorted[i].LaneNumber
			}
			payload.Lanes = append(payload.Lanes, LaneCommand{Lane: number, Status: state})
		}
	}
	return Command{
		ID:         id,
		NodeID:     inc.NodeID,
		IncidentID: inc.ID,
		Type:       CommandAccidentDecision,
		Payload:    payload,
		CreatedAt:  now,
	}
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Incidents map[IncidentID]*Incident `json:"incidents"`
	SchemaVer int                      `json:"schema_ver"`
	TakenAt   time.Time                `json:"taken_at"`
}

// AuditEvent 稽核事件：每一次狀態轉換或下發結果各記錄一筆
type AuditEvent struct {
	Seq        int64          `json:"seq"`
	IncidentID IncidentID     `json:"incidentId"`
	NodeID     string         `json:"nodeId,omitempty"`
	Kind       string         `json:"kind"`
	From       IncidentStatus `json:"from,omitempty"`
	To         IncidentStatus `json:"to,omitempty"`
	CommandID  CommandID      `json:"commandId,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}
