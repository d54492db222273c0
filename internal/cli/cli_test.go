package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/roadguard/internal/controller"
	"github.com/ChuLiYu/roadguard/internal/decision"
	"github.com/ChuLiYu/roadguard/internal/server"
	"github.com/ChuLiYu/roadguard/internal/storage/wal"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const nodesYAML = `
nodes:
  - id: node-1
    name: test northbound
    base_speed_limit: 100
    lanes:
      - {id: 11, name: inner, lane_number: 1}
      - {id: 12, name: middle, lane_number: 2}
      - {id: 13, name: outer, lane_number: 3}
`

// writeConfig creates a config file and its nodes file in a temp dir.
func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	nodesPath := filepath.Join(dir, "nodes.yaml")
	require.NoError(t, os.WriteFile(nodesPath, []byte(nodesYAML), 0o644))

	content := fmt.Sprintf(`
server:
  addr: 127.0.0.1:0
  shutdown_timeout: 2s
nodes:
  file: %s
  watch: false
snapshot:
  path: %s
  interval: 0s
journal:
  path: %s
audit:
  path: %s
log:
  level: error
`, nodesPath, filepath.Join(dir, "snapshot.json"), filepath.Join(dir, "journal.log"), filepath.Join(dir, "audit.db"))

	path = filepath.Join(dir, "roadguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type recordedRequest struct {
	method string
	path   string
	query  string
	body   []byte
}

// fakeAPI records the last request and answers with a canned response.
type fakeAPI struct {
	srv *httptest.Server

	mu  sync.Mutex
	req recordedRequest
}

func newFakeAPI(t *testing.T, status int, response any) *fakeAPI {
	f := &fakeAPI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.req = recordedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: body}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req
}

func sampleIncident() *types.Incident {
	sev := 2
	return &types.Incident{
		ID:           "inc-1",
		NodeID:       "node-1",
		Status:       types.StatusPendingReview,
		Severity:     &sev,
		BlockedLanes: []types.Lane{{ID: 11, LaneNumber: 1}},
		Suggested: &types.Decision{
			SpeedLimit:        83,
			LaneConfiguration: []types.LaneState{types.LaneBlocked, types.LaneRight, types.LaneOpen},
			Actions:           []string{string(types.ActionReduceSpeed)},
			Source:            types.SourceEngine,
		},
		ReviewDeadline: time.Now().Add(time.Minute),
	}
}

// ============================================================================
// Command Tree Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "roadguard", cmd.Use, "Root command should be 'roadguard'")
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"serve", "plan", "incidents", "review", "redispatch", "audit", "nodes", "status"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/roadguard.yaml", configFlag.DefValue)

	serverFlag := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, serverFlag)
	assert.Equal(t, "http://localhost:8080", serverFlag.DefValue)
}

func TestBuildReviewCommand(t *testing.T) {
	a := &app{}
	cmd := a.buildReviewCommand()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["confirm"])
	assert.True(t, names["reject"])

	confirm, _, err := cmd.Find([]string{"confirm"})
	require.NoError(t, err)
	for _, flag := range []string{"speed", "lanes", "actions", "message", "node"} {
		assert.NotNil(t, confirm.Flags().Lookup(flag), "confirm should have --%s", flag)
	}
}

// ============================================================================
// plan
// ============================================================================

func TestPlan(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "plan", "-c", cfgPath, "--node", "node-1", "--blocked", "11")
	require.NoError(t, err)

	lower := strings.ToLower(out)
	assert.Contains(t, lower, "blocked")
	assert.Contains(t, lower, "right")
	assert.Contains(t, lower, "83")
	assert.Contains(t, lower, "reduce-speed")
}

func TestPlanJSON(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "plan", "-c", cfgPath, "--node", "node-1", "--blocked", "11,12,13", "--severity", "1", "--json")
	require.NoError(t, err)

	var s decision.Suggestion
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t,
		[]types.LaneState{types.LaneBlocked, types.LaneBlocked, types.LaneBlocked},
		s.Decision.LaneConfiguration)
	assert.Equal(t, 50, s.Decision.SpeedLimit)
	assert.Equal(t, types.ActionEmergencyStop, s.Recommendation)
}

func TestPlanErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown node", []string{"plan", "-c", cfgPath, "--node", "node-9"}, "unknown node"},
		{"missing node flag", []string{"plan", "-c", cfgPath}, "node"},
		{"missing config file", []string{"plan", "-c", filepath.Join(t.TempDir(), "absent.yaml"), "--node", "node-1"}, "failed to load config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// ============================================================================
// Client Commands
// ============================================================================

func TestIncidentsList(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK, server.IncidentList{
		Incidents: []*types.Incident{sampleIncident()},
		Count:     1,
	})

	out, err := execute(t, "--server", api.srv.URL, "incidents", "list", "--status", "pending_review", "--limit", "5")
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, api.last().method)
	assert.Equal(t, "/v1/incidents", api.last().path)
	assert.Contains(t, api.last().query, "status=pending_review")
	assert.Contains(t, api.last().query, "limit=5")
	assert.Contains(t, out, "inc-1")
	assert.Contains(t, out, "PENDING_REVIEW")
}

func TestIncidentsGetJSON(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK, sampleIncident())

	out, err := execute(t, "--server", api.srv.URL, "--json", "incidents", "get", "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/incidents/inc-1", api.last().path)

	var inc types.Incident
	require.NoError(t, json.Unmarshal([]byte(out), &inc))
	assert.Equal(t, types.IncidentID("inc-1"), inc.ID)
	require.NotNil(t, inc.Suggested)
	assert.Equal(t, 83, inc.Suggested.SpeedLimit)
}

func TestReviewConfirm(t *testing.T) {
	confirmed := sampleIncident()
	confirmed.Status = types.StatusConfirmed
	confirmed.CommandID = "cmd-1"
	api := newFakeAPI(t, http.StatusOK, confirmed)

	out, err := execute(t, "--server", api.srv.URL, "review", "confirm", "inc-1",
		"--speed", "60", "--lanes", "blocked,RIGHT,open", "--message", "slow down")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, api.last().method)
	assert.Equal(t, "/v1/incidents/inc-1/decision", api.last().path)

	var req server.DecisionRequest
	require.NoError(t, json.Unmarshal(api.last().body, &req))
	assert.Equal(t, types.StatusConfirmed, req.Status)
	require.NotNil(t, req.SpeedLimit)
	assert.Equal(t, 60, *req.SpeedLimit)
	assert.Equal(t, []types.LaneState{types.LaneBlocked, types.LaneRight, types.LaneOpen}, req.LaneStates)
	assert.Equal(t, "slow down", req.Message)
	assert.Contains(t, out, "cmd-1")
}

func TestReviewConfirmWithoutOverrides(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK, sampleIncident())

	_, err := execute(t, "--server", api.srv.URL, "review", "confirm", "inc-1")
	require.NoError(t, err)

	var req server.DecisionRequest
	require.NoError(t, json.Unmarshal(api.last().body, &req))
	assert.Nil(t, req.SpeedLimit)
	assert.Empty(t, req.LaneStates)
}

func TestReviewConfirmInvalidLane(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK, sampleIncident())

	_, err := execute(t, "--server", api.srv.URL, "review", "confirm", "inc-1", "--lanes", "sideways")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid lane state")
	assert.Empty(t, api.last().method, "no request should be sent")
}

func TestReviewReject(t *testing.T) {
	rejected := sampleIncident()
	rejected.Status = types.StatusRejected
	api := newFakeAPI(t, http.StatusOK, rejected)

	_, err := execute(t, "--server", api.srv.URL, "review", "reject", "inc-1", "-m", "false alarm")
	require.NoError(t, err)

	var req server.DecisionRequest
	require.NoError(t, json.Unmarshal(api.last().body, &req))
	assert.Equal(t, types.StatusRejected, req.Status)
	assert.Equal(t, "false alarm", req.Message)
}

func TestAPIErrorIsReturned(t *testing.T) {
	api := newFakeAPI(t, http.StatusConflict, map[string]any{
		"title":  "Conflict",
		"status": http.StatusConflict,
		"detail": "incident is no longer awaiting review",
	})

	_, err := execute(t, "--server", api.srv.URL, "review", "reject", "inc-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "Conflict", apiErr.Title)
	assert.Contains(t, err.Error(), "no longer awaiting review")
}

func TestRedispatch(t *testing.T) {
	inc := sampleIncident()
	inc.Status = types.StatusConfirmed
	inc.CommandID = "cmd-2"
	api := newFakeAPI(t, http.StatusOK, inc)

	out, err := execute(t, "--server", api.srv.URL, "redispatch", "inc-1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, api.last().method)
	assert.Equal(t, "/v1/incidents/inc-1/redispatch", api.last().path)
	assert.Contains(t, out, "cmd-2")
}

func TestAudit(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK, server.AuditList{Events: []types.AuditEvent{
		{Seq: 1, IncidentID: "inc-1", NodeID: "node-1", Kind: "reported", To: types.StatusReported, At: time.Now()},
		{Seq: 2, IncidentID: "inc-1", NodeID: "node-1", Kind: "analysed", From: types.StatusReported, To: types.StatusPendingReview, At: time.Now()},
	}})

	out, err := execute(t, "--server", api.srv.URL, "audit", "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/incidents/inc-1/audit", api.last().path)
	assert.Contains(t, out, "REPORTED -> PENDING_REVIEW")

	_, err = execute(t, "--server", api.srv.URL, "audit", "--limit", "10")
	require.NoError(t, err)
	assert.Equal(t, "/v1/audit", api.last().path)
	assert.Equal(t, "limit=10", api.last().query)
}

func TestStatus(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK, controller.Status{
		Uptime:         "1m0s",
		Workers:        4,
		Incidents:      map[types.IncidentStatus]int{types.StatusPendingReview: 2},
		Nodes:          3,
		ConnectedNodes: 1,
		AuditEnabled:   true,
	})

	out, err := execute(t, "--server", api.srv.URL, "status")
	require.NoError(t, err)
	assert.Equal(t, "/v1/status", api.last().path)
	assert.Contains(t, out, "3 (1 connected)")
	assert.Contains(t, out, "PENDING_REVIEW")
	assert.Contains(t, out, "enabled")
}

func TestServerUnreachable(t *testing.T) {
	api := newFakeAPI(t, http.StatusOK, nil)
	url := api.srv.URL
	api.srv.Close()

	_, err := execute(t, "--server", url, "nodes")
	assert.Error(t, err)
}

// ============================================================================
// serve
// ============================================================================

func TestServeStopsOnCancel(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	cmd := BuildCLI()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "-c", cfgPath})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	// 關閉時寫入最後一次快照
	_, err := os.Stat(filepath.Join(dir, "snapshot.json"))
	assert.NoError(t, err)
}

// ============================================================================
// journal
// ============================================================================

func TestJournalCommand(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	j, err := wal.Open(filepath.Join(dir, "journal.log"), false)
	require.NoError(t, err)
	require.NoError(t, j.Record("reported", &types.Incident{ID: "inc-7", NodeID: "node-1", Status: types.StatusReported}))
	require.NoError(t, j.Record("analysed", &types.Incident{ID: "inc-7", NodeID: "node-1", Status: types.StatusPendingReview}))
	require.NoError(t, j.Close())

	out, err := execute(t, "journal", "-c", cfgPath, "--entries")
	require.NoError(t, err)
	assert.Contains(t, out, "inc-7")
	assert.Contains(t, out, "analysed")
	assert.Contains(t, out, "PENDING_REVIEW")
	assert.Contains(t, out, "1 - 2")

	out, err = execute(t, "--json", "journal", "-c", cfgPath)
	require.NoError(t, err)
	var stats wal.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.Incidents)
}

func TestJournalCommandMissingFile(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "journal", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(out), "entries")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	newLogger(&buf, "warn", "json").Info("hidden")
	assert.Empty(t, buf.String())

	newLogger(&buf, "debug", "json").Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&buf, "bogus", "text").Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")
}
