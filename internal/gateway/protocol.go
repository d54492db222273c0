package gateway

// ============================================================================
// 節點連線協議
// 職責：WebSocket 訊息封包、事故回報格式與結構驗證
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/roadguard/internal/incident"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

// 訊息類型
const (
	TypeReport    = "report"     // node -> central
	TypeReportAck = "report-ack" // central -> node
	TypeCommand   = "command"    // central -> node
	TypeAck       = "ack"        // node -> central
	TypePing      = "ping"       // node -> central
	TypePong      = "pong"       // central -> node
	TypeError     = "error"      // central -> node
)

// Envelope is the frame exchanged on a node connection.
type Envelope struct {
	Type      string          `json:"type"`
	CommandID types.CommandID `json:"commandId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a frame of the given type.
func NewEnvelope(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return env, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		env.Data = raw
	}
	return env, nil
}

// CommandEnvelope wraps a decision command for the wire.
func CommandEnvelope(cmd types.Command) (Envelope, error) {
	env, err := NewEnvelope(TypeCommand, cmd.Payload)
	env.CommandID = cmd.ID
	return env, err
}

// ReportPayload 節點回報的原始格式
type ReportPayload struct {
	Lat             *float64               `json:"lat"`
	Long            *float64               `json:"long"`
	LaneNumber      int                    `json:"lanNumber,omitempty"`
	NodeID          string                 `json:"nodeId,omitempty"`
	AccidentPolygon *types.AccidentPolygon `json:"accidentPolygon,omitempty"`
	Media           []types.Media          `json:"media,omitempty"`
}

// ReportAck 回報結果
type ReportAck struct {
	Success    bool             `json:"success"`
	IncidentID types.IncidentID `json:"incidentId,omitempty"`
	Status     string           `json:"status,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// ErrorPayload 協議錯誤
type ErrorPayload struct {
	Error string `json:"error"`
}

// ============================================================================
// 驗證
// ============================================================================

var (
	// ErrInvalidReport 回報格式不合法，不建立事故
	ErrInvalidReport = errors.New("invalid report")
	// ErrUnknownNode 節點從未建立連線
	ErrUnknownNode = errors.New("unknown node")
	// ErrDeliveryFailed 重試耗盡仍無法下發
	ErrDeliveryFailed = errors.New("command delivery failed")
)

// ValidationError names the offending report field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid report: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidReport.
func (e *ValidationError) Unwrap() error { return ErrInvalidReport }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks the structure of the payload. Node registration is checked
// by the gateway.
func (p ReportPayload) Validate() error {
	switch {
	case p.Lat == nil:
		return invalid("lat", "is required")
	case p.Long == nil:
		return invalid("long", "is required")
	case !finite(*p.Lat) || *p.Lat < -90 || *p.Lat > 90:
		return invalid("lat", "must be within [-90, 90]")
	case !finite(*p.Long) || *p.Long < -180 || *p.Long > 180:
		return invalid("long", "must be within [-180, 180]")
	case p.LaneNumber < 0:
		return invalid("lanNumber", "must not be negative")
	}

	hasPolygon := p.AccidentPolygon != nil && !p.AccidentPolygon.IsEmpty()
	if !hasPolygon && p.LaneNumber == 0 {
		return invalid("accidentPolygon", "or lanNumber is required")
	}
	if p.AccidentPolygon != nil {
		poly := p.AccidentPolygon
		if poly.BaseWidth < 0 || poly.BaseHeight < 0 {
			return invalid("accidentPolygon", "base dimensions must not be negative")
		}
		for i, pt := range poly.Points {
			if !finite(pt.X) || !finite(pt.Y) {
				return invalid(fmt.Sprintf("accidentPolygon.points[%d]", i), "must be finite")
			}
		}
	}
	for i, m := range p.Media {
		if m.URI == "" && len(m.Data) == 0 {
			return invalid(fmt.Sprintf("media[%d]", i), "needs uri or data")
		}
	}
	return nil
}

// toReport converts a validated payload. Polygons with fewer than three
// points are dropped so the lane hint applies.
func (p ReportPayload) toReport(nodeID string) incident.Report {
	rep := incident.Report{
		NodeID:       nodeID,
		Location:     types.Location{Lat: *p.Lat, Long: *p.Long},
		ReportedLane: p.LaneNumber,
		Media:        p.Media,
	}
	if p.AccidentPolygon != nil && !p.AccidentPolygon.IsEmpty() {
		poly := *p.AccidentPolygon
		rep.Polygon = &poly
	}
	return rep
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
