package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

// WebSocket tests

func setupWSTest(t *testing.T, cfg Config) (*Gateway, *fakeSink, *websocket.Conn) {
	t.Helper()
	g, sink := newTestGateway(t, cfg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/node-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return g.Nodes()[0].State == StateConnected
	}, time.Second, 5*time.Millisecond)
	return g, sink, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWSReport(t *testing.T) {
	_, sink, conn := setupWSTest(t, fastConfig())

	env, err := NewEnvelope(TypeReport, validReport())
	require.NoError(t, err)
	env.RequestID = "req-1"
	require.NoError(t, conn.WriteJSON(env))

	resp := readEnvelope(t, conn)
	assert.Equal(t, TypeReportAck, resp.Type)
	assert.Equal(t, "req-1", resp.RequestID)

	var ack ReportAck
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, types.IncidentID("inc-1"), ack.IncidentID)
	assert.Equal(t, "REPORTED", ack.Status)
	assert.Len(t, sink.Reports(), 1)
}

func TestWSInvalidReport(t *testing.T) {
	_, sink, conn := setupWSTest(t, fastConfig())

	p := validReport()
	p.Lat = nil
	env, err := NewEnvelope(TypeReport, p)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))

	resp := readEnvelope(t, conn)
	var ack ReportAck
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "lat")
	assert.Empty(t, sink.Reports())
}

func TestWSCommandRoundTrip(t *testing.T) {
	g, sink, conn := setupWSTest(t, Config{AckTimeout: time.Minute})

	g.Dispatch(testCommand("cmd-1"))

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeCommand, env.Type)
	assert.Equal(t, types.CommandID("cmd-1"), env.CommandID)

	var payload types.CommandPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, []types.LaneState{types.LaneBlocked, types.LaneRight, types.LaneOpen}, payload.LaneStates)

	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeAck, CommandID: "cmd-1"}))

	select {
	case got := <-sink.delivered:
		assert.Equal(t, types.CommandID("cmd-1"), got.commandID)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not processed")
	}
}

func TestWSPingAndUnknownType(t *testing.T) {
	_, _, conn := setupWSTest(t, fastConfig())

	require.NoError(t, conn.WriteJSON(Envelope{Type: TypePing, RequestID: "hb-1"}))
	resp := readEnvelope(t, conn)
	assert.Equal(t, TypePong, resp.Type)
	assert.Equal(t, "hb-1", resp.RequestID)

	require.NoError(t, conn.WriteJSON(Envelope{Type: "subscribe"}))
	resp = readEnvelope(t, conn)
	assert.Equal(t, TypeError, resp.Type)
	assert.Contains(t, string(resp.Data), "subscribe")
}

func TestWSMalformedFrameKeepsConnection(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"syntax error", `{not json}`},
		{"wrong field type", `{"type":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, conn := setupWSTest(t, fastConfig())

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			resp := readEnvelope(t, conn)
			assert.Equal(t, TypeError, resp.Type)
			assert.Contains(t, string(resp.Data), "malformed frame")

			// 連線仍可使用
			require.NoError(t, conn.WriteJSON(Envelope{Type: TypePing, RequestID: "hb-2"}))
			resp = readEnvelope(t, conn)
			assert.Equal(t, TypePong, resp.Type)
			assert.Equal(t, StateConnected, g.Nodes()[0].State)
		})
	}
}

func TestWSDisconnect(t *testing.T) {
	g, _, conn := setupWSTest(t, fastConfig())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return g.Nodes()[0].State == StateDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestWSUnregisteredNode(t *testing.T) {
	g, _ := newTestGateway(t, fastConfig())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.ServeWS(w, r, "node-9")
	}))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
