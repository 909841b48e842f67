// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/ExamQueue/services/queue/auth"
	"github.com/AleutianAI/ExamQueue/services/queue/config"
	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/AleutianAI/ExamQueue/services/queue/dispatch"
	"github.com/AleutianAI/ExamQueue/services/queue/hub"
	"github.com/AleutianAI/ExamQueue/services/queue/middleware"
	"github.com/AleutianAI/ExamQueue/services/queue/protocol"
	"github.com/AleutianAI/ExamQueue/services/queue/state"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const examinerCode = "1234"

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Helpers
// =============================================================================

type frame struct {
	Type    protocol.EventKind `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

func startHub(t *testing.T) (*hub.Hub, context.CancelFunc) {
	t.Helper()
	store := state.NewStore(state.DefaultLimits(), nil)
	secrets := config.NewSecrets(examinerCode, "adm")
	d := dispatch.New(store, auth.NewGate(secrets), secrets, nil, nil)
	h, err := hub.New(hub.Config{Dispatcher: d})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

func newRouter(h *hub.Hub, ws WebSocketConfig, cmds CommandsConfig) *gin.Engine {
	router := gin.New()
	router.GET("/health", HealthCheck(h))
	router.GET("/api/ips", IPs(3000))
	v1 := router.Group("/v1", middleware.Credential())
	v1.GET("/ws", HandleQueueWebSocket(h, ws))
	v1.GET("/state", State(h))
	v1.POST("/commands", HandleCommand(h, cmds))
	return router
}

func postCommand(router http.Handler, body string, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/commands", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeFrame(t *testing.T, data []byte) frame {
	t.Helper()
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return decodeFrame(t, data)
}

const issueBody = `{"type":"call.issue","credential":"1234","payload":{"category":"men","studentId":7,"committeeId":3}}`

// =============================================================================
// HTTP Command Tests
// =============================================================================

func TestHandleCommand_Accepted(t *testing.T) {
	h, _ := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})

	w := postCommand(router, issueBody, "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f := decodeFrame(t, w.Body.Bytes())
	assert.Equal(t, protocol.EventCallIssued, f.Type)

	v, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, v.Current)
	assert.Equal(t, 7, v.Current.StudentID)
}

func TestHandleCommand_BearerCredential(t *testing.T) {
	h, _ := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})

	body := `{"type":"calls.clear"}`
	assert.Equal(t, http.StatusUnauthorized, postCommand(router, body, "").Code)
	assert.Equal(t, http.StatusOK, postCommand(router, body, examinerCode).Code)
}

func TestHandleCommand_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
		kind protocol.EventKind
		code string
	}{
		{
			name: "wrong credential",
			body: `{"type":"calls.clear","credential":"nope"}`,
			want: http.StatusUnauthorized,
			kind: protocol.EventCommandRejected,
			code: datatypes.CodeUnauthorized,
		},
		{
			name: "bad payload",
			body: `{"type":"call.issue","credential":"1234","payload":{"category":"men","studentId":"7a","committeeId":3}}`,
			want: http.StatusBadRequest,
			kind: protocol.EventCommandRejected,
			code: datatypes.CodeInvalidArgument,
		},
		{
			name: "unknown command",
			body: `{"type":"call.undo","credential":"1234"}`,
			want: http.StatusBadRequest,
			kind: protocol.EventCommandRejected,
			code: datatypes.CodeInvalidArgument,
		},
		{
			name: "no-op removal",
			body: `{"type":"absentee.remove","credential":"1234","payload":{"category":"women","studentId":9}}`,
			want: http.StatusAccepted,
			kind: protocol.EventCommandIgnored,
			code: datatypes.CodeNotFound,
		},
	}

	h, _ := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postCommand(router, tt.body, "")
			require.Equal(t, tt.want, w.Code, w.Body.String())

			f := decodeFrame(t, w.Body.Bytes())
			assert.Equal(t, tt.kind, f.Type)
			var out protocol.CommandOutcome
			require.NoError(t, json.Unmarshal(f.Payload, &out))
			assert.Equal(t, tt.code, out.Code)
		})
	}
}

func TestHandleCommand_MalformedEnvelope(t *testing.T) {
	h, _ := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})

	w := postCommand(router, `{"type":`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), datatypes.CodeInvalidArgument)
}

func TestHandleCommand_RateLimited(t *testing.T) {
	h, _ := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{Rate: 0.001, Burst: 1})

	assert.Equal(t, http.StatusOK, postCommand(router, issueBody, "").Code)
	w := postCommand(router, issueBody, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	v, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, v.Calls[datatypes.CategoryMen], 1)
}

func TestHandleCommand_HubClosed(t *testing.T) {
	h, cancel := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})
	cancel()
	<-h.Done()

	assert.Equal(t, http.StatusServiceUnavailable, postCommand(router, issueBody, "").Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(nil))
	assert.Equal(t, http.StatusAccepted, statusFor(datatypes.ErrDuplicate))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(fmt.Errorf("x: %w", datatypes.ErrRateLimited)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

// =============================================================================
// Misc Handler Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	h, cancel := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, string(datatypes.PhaseIdle), body["phase"])

	cancel()
	<-h.Done()
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestState_ReturnsSnapshot(t *testing.T) {
	h, _ := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})
	require.Equal(t, http.StatusOK, postCommand(router, issueBody, "").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/state", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var v datatypes.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, datatypes.PhaseActive, v.Phase)
	assert.NotContains(t, w.Body.String(), examinerCode)
}

func TestIPs(t *testing.T) {
	router := newRouter(nil, WebSocketConfig{}, CommandsConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ips", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		IPs  []string `json:"ips"`
		Port int      `json:"port"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotNil(t, body.IPs)
	assert.Equal(t, 3000, body.Port)
}

// =============================================================================
// WebSocket Tests
// =============================================================================

func TestWebSocket_SnapshotThenBroadcast(t *testing.T) {
	h, _ := startHub(t)
	server := httptest.NewServer(newRouter(h, WebSocketConfig{}, CommandsConfig{}))
	defer server.Close()

	display := dial(t, server, "")
	examiner := dial(t, server, "?role=examiner")
	assert.Equal(t, protocol.EventStateFull, readFrame(t, display).Type)
	assert.Equal(t, protocol.EventStateFull, readFrame(t, examiner).Type)

	require.NoError(t, examiner.WriteMessage(websocket.TextMessage, []byte(issueBody)))

	assert.Equal(t, protocol.EventCallIssued, readFrame(t, examiner).Type)
	f := readFrame(t, display)
	assert.Equal(t, protocol.EventCallIssued, f.Type)

	var payload protocol.CallIssued
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, 7, payload.Call.StudentID)
	assert.Equal(t, 3, payload.Call.CommitteeID)
}

func TestWebSocket_RejectionIsPrivate(t *testing.T) {
	h, _ := startHub(t)
	server := httptest.NewServer(newRouter(h, WebSocketConfig{}, CommandsConfig{}))
	defer server.Close()

	display := dial(t, server, "")
	sender := dial(t, server, "?role=examiner")
	readFrame(t, display)
	readFrame(t, sender)

	require.NoError(t, sender.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"calls.clear","credential":"wrong"}`)))
	assert.Equal(t, protocol.EventCommandRejected, readFrame(t, sender).Type)

	require.NoError(t, display.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := display.ReadMessage()
	assert.Error(t, err, "display must not see the rejection")
}

func TestWebSocket_MalformedFrame(t *testing.T) {
	h, _ := startHub(t)
	server := httptest.NewServer(newRouter(h, WebSocketConfig{}, CommandsConfig{}))
	defer server.Close()

	conn := dial(t, server, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, conn)
	assert.Equal(t, protocol.EventCommandRejected, f.Type)
}

func TestWebSocket_RateLimited(t *testing.T) {
	h, _ := startHub(t)
	server := httptest.NewServer(newRouter(h, WebSocketConfig{CommandRate: 0.001, CommandBurst: 1}, CommandsConfig{}))
	defer server.Close()

	conn := dial(t, server, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(issueBody)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(issueBody)))
	assert.Equal(t, protocol.EventCallIssued, readFrame(t, conn).Type)

	f := readFrame(t, conn)
	require.Equal(t, protocol.EventCommandRejected, f.Type)
	var out protocol.CommandOutcome
	require.NoError(t, json.Unmarshal(f.Payload, &out))
	assert.Equal(t, datatypes.CodeRateLimited, out.Code)
}

func TestWebSocket_InvalidRole(t *testing.T) {
	h, _ := startHub(t)
	router := newRouter(h, WebSocketConfig{}, CommandsConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ws?role=root", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	h, _ := startHub(t)
	cfg := WebSocketConfig{AllowedOrigins: []string{"http://exam.local"}}
	server := httptest.NewServer(newRouter(h, cfg, CommandsConfig{}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://exam.local"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, protocol.EventStateFull, readFrame(t, conn).Type)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	h, _ := startHub(t)
	server := httptest.NewServer(newRouter(h, WebSocketConfig{}, CommandsConfig{}))
	defer server.Close()

	conn := dial(t, server, "")
	readFrame(t, conn)
	assert.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
