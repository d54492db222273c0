package cli

// ============================================================================
// 客戶端命令：透過 HTTP API 查詢事故、送出審核決策
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/roadguard/internal/controller"
	"github.com/ChuLiYu/roadguard/internal/server"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

const apiBasePath = "/v1"

// APIError is a non-2xx answer from the RoadGuard API.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", e.Title, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s (%d)", e.Title, e.Status)
}

// apiClient 簡單的 JSON over HTTP 客戶端
type apiClient struct {
	base string
	http *http.Client
}

func (a *app) client() *apiClient {
	return &apiClient{
		base: strings.TrimRight(a.v.GetString("client.server"), "/") + apiBasePath,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var model huma.ErrorModel
		if err := json.NewDecoder(resp.Body).Decode(&model); err != nil || model.Title == "" {
			model.Title = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Title: model.Title, Detail: model.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func incidentPath(id string, suffix string) string {
	return "/incidents/" + url.PathEscape(id) + suffix
}

// ============================================================================
// incidents
// ============================================================================

func (a *app) buildIncidentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Query incidents",
	}
	cmd.AddCommand(a.buildIncidentsListCommand())
	cmd.AddCommand(a.buildIncidentsGetCommand())
	return cmd
}

func (a *app) buildIncidentsListCommand() *cobra.Command {
	var (
		status string
		nodeID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if nodeID != "" {
				q.Set("nodeId", nodeID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/incidents"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var list server.IncidentList
			if err := a.client().get(cmd.Context(), path, &list); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(w, list)
			}
			tw := newTable(w)
			tw.AppendHeader(table.Row{"ID", "Node", "Status", "Severity", "Blocked", "Speed", "Deadline"})
			for _, inc := range list.Incidents {
				tw.AppendRow(table.Row{
					inc.ID, inc.NodeID, inc.Status, severityText(inc),
					blockedText(inc.BlockedLanes), speedText(inc), inc.ReviewDeadline.Local().Format(time.DateTime),
				})
			}
			tw.AppendFooter(table.Row{"", "", "", "", "", "Total", list.Count})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (e.g. pending_review)")
	cmd.Flags().StringVar(&nodeID, "node", "", "node filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of incidents")
	return cmd
}

func (a *app) buildIncidentsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inc types.Incident
			if err := a.client().get(cmd.Context(), incidentPath(args[0], ""), &inc); err != nil {
				return err
			}
			return a.printIncident(cmd.OutOrStdout(), &inc)
		},
	}
}

// ============================================================================
// review / redispatch
// ============================================================================

func (a *app) buildReviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Confirm or reject a pending incident",
	}
	cmd.AddCommand(a.buildReviewConfirmCommand())
	cmd.AddCommand(a.buildReviewRejectCommand())
	return cmd
}

func (a *app) buildReviewConfirmCommand() *cobra.Command {
	var (
		speed   int
		lanes   []string
		actions []string
		message string
		nodeID  string
	)
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm an incident and send the decision to its node",
		Long: `Confirm an incident. Without overrides the suggested decision is sent.
--lanes replaces the whole lane configuration, one state per lane in lane id
order (open, blocked, left, right).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.DecisionRequest{
				Status:  types.StatusConfirmed,
				NodeID:  nodeID,
				Actions: actions,
				Message: message,
			}
			if cmd.Flags().Changed("speed") {
				req.SpeedLimit = &speed
			}
			for _, l := range lanes {
				state := types.LaneState(strings.ToLower(strings.TrimSpace(l)))
				if !state.Valid() {
					return fmt.Errorf("invalid lane state %q", l)
				}
				req.LaneStates = append(req.LaneStates, state)
			}
			return a.decide(cmd, args[0], req)
		},
	}
	cmd.Flags().IntVar(&speed, "speed", 0, "speed limit override (km/h)")
	cmd.Flags().StringSliceVar(&lanes, "lanes", nil, "lane configuration override, comma separated")
	cmd.Flags().StringSliceVar(&actions, "actions", nil, "actions override, comma separated")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message forwarded to the node")
	cmd.Flags().StringVar(&nodeID, "node", "", "expected node id")
	return cmd
}

func (a *app) buildReviewRejectCommand() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an incident; nothing is sent to the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.decide(cmd, args[0], server.DecisionRequest{
				Status:  types.StatusRejected,
				Message: message,
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "rejection reason")
	return cmd
}

func (a *app) decide(cmd *cobra.Command, id string, req server.DecisionRequest) error {
	var inc types.Incident
	if err := a.client().post(cmd.Context(), incidentPath(id, "/decision"), req, &inc); err != nil {
		return err
	}
	return a.printIncident(cmd.OutOrStdout(), &inc)
}

func (a *app) buildRedispatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "redispatch <id>",
		Short: "Send a confirmed decision again after delivery failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inc types.Incident
			if err := a.client().post(cmd.Context(), incidentPath(args[0], "/redispatch"), nil, &inc); err != nil {
				return err
			}
			return a.printIncident(cmd.OutOrStdout(), &inc)
		},
	}
}

// ============================================================================
// audit / nodes / status
// ============================================================================

func (a *app) buildAuditCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit [id]",
		Short: "Show the audit trail of an incident, or the most recent events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/audit?limit=" + strconv.Itoa(limit)
			if len(args) == 1 {
				path = incidentPath(args[0], "/audit")
			}
			var list server.AuditList
			if err := a.client().get(cmd.Context(), path, &list); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(w, list)
			}
			tw := newTable(w)
			tw.AppendHeader(table.Row{"Time", "Incident", "Node", "Kind", "Transition", "Detail"})
			for _, ev := range list.Events {
				tw.AppendRow(table.Row{
					ev.At.Local().Format(time.DateTime), ev.IncidentID, ev.NodeID, ev.Kind, transitionText(ev), ev.Detail,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of recent events (without id)")
	return cmd
}

func (a *app) buildNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Show registered nodes and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list server.NodeList
			if err := a.client().get(cmd.Context(), "/nodes", &list); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(w, list)
			}
			tw := newTable(w)
			tw.AppendHeader(table.Row{"Node", "Name", "Lanes", "State", "Last Seen", "Pending"})
			for _, n := range list.Nodes {
				lastSeen := "-"
				if n.LastSeen != nil {
					lastSeen = n.LastSeen.Local().Format(time.DateTime)
				}
				tw.AppendRow(table.Row{n.NodeID, n.Name, n.Lanes, n.State, lastSeen, n.PendingCommands})
			}
			tw.Render()
			return nil
		},
	}
}

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long:  "Display incident counts, node connections and pending commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st controller.Status
			if err := a.client().get(cmd.Context(), "/status", &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(w, st)
			}
			tw := newTable(w)
			tw.SetTitle("RoadGuard System Status")
			tw.AppendRow(table.Row{"Uptime", st.Uptime})
			tw.AppendRow(table.Row{"Workers", st.Workers})
			tw.AppendRow(table.Row{"Nodes", fmt.Sprintf("%d (%d connected)", st.Nodes, st.ConnectedNodes)})
			tw.AppendRow(table.Row{"Pending commands", st.PendingCommands})
			tw.AppendRow(table.Row{"Audit", enabledText(st.AuditEnabled)})
			tw.AppendSeparator()
			for _, s := range statusOrder {
				tw.AppendRow(table.Row{string(s), st.Incidents[s]})
			}
			tw.Render()
			return nil
		},
	}
}

// ============================================================================
// 輸出
// ============================================================================

var statusOrder = []types.IncidentStatus{
	types.StatusReported,
	types.StatusPendingReview,
	types.StatusConfirmed,
	types.StatusDispatched,
	types.StatusRejected,
	types.StatusExpired,
}

// newTable 終端機輸出使用彩色樣式，重導向時使用純文字框線
func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if isTerminal(w) {
		tw.SetStyle(table.StyleColoredBright)
	} else {
		tw.SetStyle(table.StyleLight)
	}
	return tw
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printIncident(w io.Writer, inc *types.Incident) error {
	if a.jsonOut {
		return printJSON(w, inc)
	}
	tw := newTable(w)
	tw.SetTitle(fmt.Sprintf("Incident %s", inc.ID))
	tw.AppendRow(table.Row{"Node", inc.NodeID})
	tw.AppendRow(table.Row{"Status", inc.Status})
	tw.AppendRow(table.Row{"Location", fmt.Sprintf("%.5f, %.5f", inc.Location.Lat, inc.Location.Long)})
	tw.AppendRow(table.Row{"Severity", severityText(inc)})
	tw.AppendRow(table.Row{"Blocked lanes", blockedText(inc.BlockedLanes)})
	if inc.Recommendation != "" {
		tw.AppendRow(table.Row{"Recommendation", inc.Recommendation})
	}
	if d := inc.Suggested; d != nil {
		tw.AppendRow(table.Row{"Suggested", decisionText(d)})
	}
	if d := inc.Decision; d != nil {
		tw.AppendRow(table.Row{"Decision", decisionText(d)})
		tw.AppendRow(table.Row{"Overridden", inc.Overridden})
	}
	if inc.ReviewMessage != "" {
		tw.AppendRow(table.Row{"Message", inc.ReviewMessage})
	}
	if inc.CommandID != "" {
		tw.AppendRow(table.Row{"Command", inc.CommandID})
	}
	if inc.DeliveryError != "" {
		tw.AppendRow(table.Row{"Delivery error", inc.DeliveryError})
	}
	tw.AppendRow(table.Row{"Review deadline", inc.ReviewDeadline.Local().Format(time.DateTime)})
	tw.Render()
	return nil
}

func severityText(inc *types.Incident) string {
	if inc.Severity != nil {
		return strconv.Itoa(*inc.Severity)
	}
	if inc.SeverityError != "" {
		return "error"
	}
	return "-"
}

func blockedText(lanes []types.Lane) string {
	if len(lanes) == 0 {
		return "-"
	}
	ids := make([]string, 0, len(lanes))
	for _, l := range lanes {
		ids = append(ids, strconv.Itoa(l.ID))
	}
	return strings.Join(ids, ",")
}

func speedText(inc *types.Incident) string {
	d := inc.Decision
	if d == nil {
		d = inc.Suggested
	}
	if d == nil {
		return "-"
	}
	return strconv.Itoa(d.SpeedLimit)
}

func decisionText(d *types.Decision) string {
	states := make([]string, 0, len(d.LaneConfiguration))
	for _, s := range d.LaneConfiguration {
		states = append(states, string(s))
	}
	return fmt.Sprintf("%d km/h [%s] %s", d.SpeedLimit, strings.Join(states, " "), strings.Join(d.Actions, ","))
}

func transitionText(ev types.AuditEvent) string {
	if ev.From == "" {
		return string(ev.To)
	}
	return fmt.Sprintf("%s -> %s", ev.From, ev.To)
}

func enabledText(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
