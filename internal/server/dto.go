package server

import (
	"github.com/ChuLiYu/roadguard/internal/gateway"
	"github.com/ChuLiYu/roadguard/internal/incident"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

// DecisionRequest is the reviewer's verdict on a PENDING_REVIEW incident.
type DecisionRequest struct {
	Status     types.IncidentStatus `json:"status" doc:"CONFIRMED or REJECTED" example:"CONFIRMED"`
	NodeID     string               `json:"nodeId,omitempty" doc:"Optional guard, must match the incident's node"`
	Actions    []string             `json:"actions,omitempty" doc:"Replaces the suggested actions"`
	Message    string               `json:"message,omitempty"`
	SpeedLimit *int                 `json:"speedLimit,omitempty" doc:"Override, clamped to the policy bounds" example:"60"`
	LaneStates []types.LaneState    `json:"laneStates,omitempty" doc:"Full override, one state per node lane in lane id order"`
}

func (d DecisionRequest) review(id types.IncidentID) incident.Review {
	return incident.Review{
		IncidentID: id,
		NodeID:     d.NodeID,
		Status:     d.Status,
		Actions:    d.Actions,
		Message:    d.Message,
		SpeedLimit: d.SpeedLimit,
		LaneStates: d.LaneStates,
	}
}

// IncidentList 事故列表
type IncidentList struct {
	Incidents []*types.Incident `json:"incidents"`
	Count     int               `json:"count"`
}

// AuditList 稽核事件列表
type AuditList struct {
	Events []types.AuditEvent `json:"events"`
}

// NodeList 節點連線狀態列表
type NodeList struct {
	Nodes []gateway.NodeStatus `json:"nodes"`
}

// HealthResponse 健康檢查
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}
