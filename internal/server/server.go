// ============================================================================
// RoadGuard HTTP API - 審核者與節點的 HTTP 介面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: chi 路由 + huma OpenAPI 操作，將請求轉給事故登錄表與 Gateway
//
// 路由:
//   GET  /healthz
//   GET  /metrics                           (啟用指標時)
//   GET  /v1/status
//   GET  /v1/incidents?status=&nodeId=&limit=
//   GET  /v1/incidents/{id}
//   POST /v1/incidents/{id}/decision        審核（CONFIRMED / REJECTED）
//   POST /v1/incidents/{id}/redispatch      下發失敗後重新下發
//   GET  /v1/incidents/{id}/audit
//   GET  /v1/audit?limit=
//   POST /v1/reports                        無 WebSocket 的節點回報
//   GET  /v1/nodes
//   GET  /v1/nodes/{nodeID}/ws              節點 WebSocket
//   GET  /openapi.json, /docs               (huma)
//
// 錯誤對應:
//   ErrIncidentNotFound                      -> 404
//   ErrStaleDecision / ErrTransitionRejected -> 409
//   ErrInvalidDecision / ErrInvalidReport    -> 400
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/roadguard/internal/controller"
	"github.com/ChuLiYu/roadguard/internal/gateway"
	"github.com/ChuLiYu/roadguard/internal/incident"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 依賴介面
// ============================================================================

// IncidentService is the incident registry as seen by the API.
type IncidentService interface {
	Get(id types.IncidentID) (*types.Incident, error)
	List(f incident.Filter) []*types.Incident
	Review(rv incident.Review) (*types.Incident, error)
	Redispatch(id types.IncidentID) (*types.Incident, error)
}

// NodeGateway is the node-facing side of the service.
type NodeGateway interface {
	IngestReport(nodeID string, p gateway.ReportPayload) (*types.Incident, error)
	Nodes() []gateway.NodeStatus
	ServeWS(w http.ResponseWriter, r *http.Request, nodeID string)
}

// AuditReader reads the audit trail.
type AuditReader interface {
	List(ctx context.Context, id types.IncidentID) ([]types.AuditEvent, error)
	Recent(ctx context.Context, limit int) ([]types.AuditEvent, error)
}

// Config for the HTTP API handler.
type Config struct {
	Incidents IncidentService
	Gateway   NodeGateway
	Audit     AuditReader              // nil: audit endpoints answer 501
	Metrics   http.Handler             // nil: /metrics is not mounted
	Status    func() controller.Status // nil: /v1/status is not registered
	BasePath  string
	Version   string
}

// ============================================================================
// 建立
// ============================================================================

// New returns an HTTP handler exposing the RoadGuard API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Incidents == nil || cfg.Gateway == nil {
		return nil, errors.New("server: incidents and gateway are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)

	// WebSocket 不經過 huma
	router.Get(basePath+"/nodes/{nodeID}/ws", func(w http.ResponseWriter, r *http.Request) {
		cfg.Gateway.ServeWS(w, r, chi.URLParam(r, "nodeID"))
	})
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}

	hcfg := huma.DefaultConfig("RoadGuard API", version)
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(api)
	registerStatus(group, cfg.Status)
	registerIncidents(group, cfg.Incidents)
	registerAudit(group, cfg.Incidents, cfg.Audit)
	registerReports(group, cfg.Gateway)
	registerNodes(group, cfg.Gateway)

	return router, nil
}

// requestLogger 記錄每個請求（WebSocket 只記錄升級）
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

// handleError 將領域錯誤轉為 HTTP 狀態
func handleError(err error) error {
	if err == nil {
		return nil
	}
	var ve *gateway.ValidationError
	switch {
	case errors.Is(err, incident.ErrIncidentNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, incident.ErrStaleDecision), errors.Is(err, incident.ErrTransitionRejected):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, incident.ErrInvalidDecision):
		return huma.Error400BadRequest(err.Error())
	case errors.As(err, &ve):
		return huma.Error400BadRequest(err.Error(), &huma.ErrorDetail{
			Location: "body." + ve.Field,
			Message:  ve.Reason,
		})
	case errors.Is(err, gateway.ErrInvalidReport):
		return huma.Error400BadRequest(err.Error())
	}
	log.Error("Unhandled API error", "error", err)
	return huma.Error500InternalServerError("internal error")
}

// ============================================================================
// 路由註冊
// ============================================================================

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body HealthResponse }, error) {
		return &struct{ Body HealthResponse }{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerStatus(api huma.API, status func() controller.Status) {
	if status == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Service status",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body controller.Status }, error) {
		return &struct{ Body controller.Status }{Body: status()}, nil
	})
}

type incidentPath struct {
	ID string `path:"id" doc:"Incident id"`
}

func registerIncidents(api huma.API, svc IncidentService) {
	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List incidents, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by status"`
		NodeID string `query:"nodeId" doc:"Filter by node"`
		Limit  int    `query:"limit" minimum:"0" doc:"Maximum number of incidents, 0 for all"`
	}) (*struct{ Body IncidentList }, error) {
		status, err := parseStatus(input.Status)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		items := svc.List(incident.Filter{Status: status, NodeID: input.NodeID, Limit: input.Limit})
		if items == nil {
			items = []*types.Incident{}
		}
		return &struct{ Body IncidentList }{Body: IncidentList{Incidents: items, Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}",
		Summary:     "Get incident",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *incidentPath) (*struct{ Body *types.Incident }, error) {
		inc, err := svc.Get(types.IncidentID(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body *types.Incident }{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/decision",
		Summary:     "Confirm or reject a pending incident",
		Description: "Only the first decision on a PENDING_REVIEW incident succeeds. Confirming sends the final decision to the node.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id" doc:"Incident id"`
		Body DecisionRequest
	}) (*struct{ Body *types.Incident }, error) {
		inc, err := svc.Review(input.Body.review(types.IncidentID(input.ID)))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body *types.Incident }{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redispatch-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/redispatch",
		Summary:     "Send a confirmed decision again after delivery failed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *incidentPath) (*struct{ Body *types.Incident }, error) {
		inc, err := svc.Redispatch(types.IncidentID(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body *types.Incident }{Body: inc}, nil
	})
}

func registerAudit(api huma.API, svc IncidentService, audit AuditReader) {
	disabled := huma.NewError(http.StatusNotImplemented, "audit log is disabled")

	huma.Register(api, huma.Operation{
		OperationID: "incident-audit",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/audit",
		Summary:     "Audit trail of one incident",
		Errors:      []int{http.StatusNotFound, http.StatusNotImplemented},
	}, func(ctx context.Context, input *incidentPath) (*struct{ Body AuditList }, error) {
		if audit == nil {
			return nil, disabled
		}
		id := types.IncidentID(input.ID)
		if _, err := svc.Get(id); err != nil {
			return nil, handleError(err)
		}
		events, err := audit.List(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body AuditList }{Body: AuditList{Events: nonNil(events)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recent-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Most recent audit events across incidents",
		Errors:      []int{http.StatusNotImplemented},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"1" maximum:"1000" default:"50"`
	}) (*struct{ Body AuditList }, error) {
		if audit == nil {
			return nil, disabled
		}
		events, err := audit.Recent(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body AuditList }{Body: AuditList{Events: nonNil(events)}}, nil
	})
}

func registerReports(api huma.API, gw NodeGateway) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Report an accident without a node connection",
		Description:   "The incident id is returned before analysis finishes. Reports from nodes that never connected are accepted with a warning message.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body gateway.ReportPayload
	}) (*struct{ Body gateway.ReportAck }, error) {
		inc, err := gw.IngestReport("", input.Body)
		if err != nil && (inc == nil || !errors.Is(err, gateway.ErrUnknownNode)) {
			return nil, handleError(err)
		}
		ack := gateway.ReportAck{Success: true, IncidentID: inc.ID, Status: string(inc.Status)}
		if err != nil {
			ack.Message = err.Error()
		}
		return &struct{ Body gateway.ReportAck }{Body: ack}, nil
	})
}

func registerNodes(api huma.API, gw NodeGateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-nodes",
		Method:      http.MethodGet,
		Path:        "/nodes",
		Summary:     "Registered nodes with connection state",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body NodeList }, error) {
		return &struct{ Body NodeList }{Body: NodeList{Nodes: gw.Nodes()}}, nil
	})
}

// ============================================================================
// 工具函數
// ============================================================================

var knownStatuses = []types.IncidentStatus{
	types.StatusReported,
	types.StatusPendingReview,
	types.StatusConfirmed,
	types.StatusRejected,
	types.StatusDispatched,
	types.StatusExpired,
}

// parseStatus accepts any case; empty means no filter.
func parseStatus(s string) (types.IncidentStatus, error) {
	if s == "" {
		return "", nil
	}
	want := types.IncidentStatus(strings.ToUpper(s))
	for _, st := range knownStatuses {
		if st == want {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func nonNil(events []types.AuditEvent) []types.AuditEvent {
	if events == nil {
		return []types.AuditEvent{}
	}
	return events
}
