package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/shep95/maldek-sub002/internal/auth"
	"github.com/shep95/maldek-sub002/internal/config"
	"github.com/shep95/maldek-sub002/internal/registry"
	"github.com/shep95/maldek-sub002/internal/types"
	"github.com/shep95/maldek-sub002/pkg/protocol"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:             "debug",
		Secret:           testSecret,
		HeartbeatTimeout: 5 * time.Second,
		SendBuffer:       64,
		EventBuffer:      256,
		SpaceLogSize:     64,
		TokenTTL:         time.Hour,
	}
	s := NewServer(cfg, registry.NewMemStore(), zerolog.Nop())
	s.Start()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Mint([]byte(testSecret), userID, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func wsBase(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialSpace(t *testing.T, ts *httptest.Server, spaceID, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), wsBase(ts)+"/ws/"+spaceID, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + mintToken(t, userID)}},
	})
	if err != nil {
		t.Fatalf("dial %s as %s: %v", spaceID, userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readUntilType skips envelopes until one of msgType arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", msgType, err)
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("undecodable server message: %v", err)
		}
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("timeout waiting for %s", msgType)
	return protocol.Envelope{}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

// liveSpaceWith creates a hosted space and joins the extra users as
// listeners, returning the space id.
func liveSpaceWith(t *testing.T, s *Server, hostID string, listeners ...string) string {
	t.Helper()
	ctx := context.Background()
	space, err := s.registry.CreateSpace(ctx, hostID, "Integration Space", "")
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	for _, u := range listeners {
		if _, err := s.registry.JoinSpace(ctx, space.ID, u); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}
	return space.ID
}

func TestWebSocketHandshake_Rejections(t *testing.T) {
	s, ts := newTestServer(t)
	spaceID := liveSpaceWith(t, s, "host")
	ctx := context.Background()

	// No token at all.
	_, resp, err := websocket.Dial(ctx, wsBase(ts)+"/ws/"+spaceID, nil)
	if err == nil {
		t.Fatalf("expected handshake rejection without token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// Garbage token via query parameter.
	_, resp, err = websocket.Dial(ctx, wsBase(ts)+"/ws/"+spaceID+"?token=garbage", nil)
	if err == nil {
		t.Fatalf("expected handshake rejection for bad token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// Valid token, unknown space.
	_, resp, err = websocket.Dial(ctx, wsBase(ts)+"/ws/no-such-space?token="+mintToken(t, "host"), nil)
	if err == nil {
		t.Fatalf("expected handshake rejection for unknown space")
	}
	if resp != nil && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	// Valid token, not a participant.
	_, resp, err = websocket.Dial(ctx, wsBase(ts)+"/ws/"+spaceID+"?token="+mintToken(t, "stranger"), nil)
	if err == nil {
		t.Fatalf("expected handshake rejection for non-participant")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestWebSocket_RosterSnapshotFirst(t *testing.T) {
	s, ts := newTestServer(t)
	spaceID := liveSpaceWith(t, s, "host", "alice")

	hostConn := dialSpace(t, ts, spaceID, "host")
	env := readUntilType(t, hostConn, protocol.TypeRoster)

	var roster protocol.RosterPayload
	if err := json.Unmarshal(env.Payload, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if roster.SpaceID != spaceID {
		t.Fatalf("roster for wrong space: %s", roster.SpaceID)
	}
	foundHost := false
	for _, u := range roster.Users {
		if u.UserID == "host" && u.Role == "host" {
			foundHost = true
		}
	}
	if !foundHost {
		t.Fatalf("host missing from own roster snapshot: %+v", roster.Users)
	}

	// A second connection's snapshot includes both users.
	aliceConn := dialSpace(t, ts, spaceID, "alice")
	env = readUntilType(t, aliceConn, protocol.TypeRoster)
	if err := json.Unmarshal(env.Payload, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster.Users) != 2 {
		t.Fatalf("expected 2 roster users, got %+v", roster.Users)
	}
}

func TestWebSocket_HeartbeatAck(t *testing.T) {
	s, ts := newTestServer(t)
	spaceID := liveSpaceWith(t, s, "host")

	conn := dialSpace(t, ts, spaceID, "host")
	readUntilType(t, conn, protocol.TypeRoster)

	writeEnvelope(t, conn, protocol.Envelope{Type: protocol.TypeHeartbeat})
	readUntilType(t, conn, protocol.TypeHeartbeatAck)
}

func TestWebSocket_OpaqueRelayStampsSender(t *testing.T) {
	s, ts := newTestServer(t)
	spaceID := liveSpaceWith(t, s, "host", "alice")

	hostConn := dialSpace(t, ts, spaceID, "host")
	aliceConn := dialSpace(t, ts, spaceID, "alice")
	readUntilType(t, hostConn, protocol.TypeRoster)
	readUntilType(t, aliceConn, protocol.TypeRoster)

	// Alice relays an opaque signal with a forged sender.
	writeEnvelope(t, aliceConn, protocol.Envelope{
		Type:    "webrtc-offer",
		From:    "mallory",
		Payload: json.RawMessage(`{"sdp":"v=0"}`),
	})

	env := readUntilType(t, hostConn, "webrtc-offer")
	if env.From != "alice" {
		t.Fatalf("expected server-stamped sender alice, got %q", env.From)
	}
	if string(env.Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("opaque payload altered: %s", env.Payload)
	}

	// Reserved server types cannot be forged through the relay.
	writeEnvelope(t, aliceConn, protocol.Envelope{
		Type:    protocol.TypeRoleChanged,
		Payload: json.RawMessage(`{"user_id":"alice","role":"host"}`),
	})
	errEnv := readUntilType(t, aliceConn, protocol.TypeError)
	var perr protocol.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &perr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if perr.Code != protocol.CodeNotAuthorized {
		t.Fatalf("expected not_authorized, got %s", perr.Code)
	}
}

func TestWebSocket_SpeakerRequestFlow(t *testing.T) {
	s, ts := newTestServer(t)
	spaceID := liveSpaceWith(t, s, "host", "alice")

	hostConn := dialSpace(t, ts, spaceID, "host")
	aliceConn := dialSpace(t, ts, spaceID, "alice")
	readUntilType(t, hostConn, protocol.TypeRoster)
	readUntilType(t, aliceConn, protocol.TypeRoster)

	// Alice asks to speak; the host (a moderator) is notified.
	writeEnvelope(t, aliceConn, protocol.Envelope{Type: protocol.TypeSpeakerRequest})
	env := readUntilType(t, hostConn, protocol.TypeRequestPending)
	var pending protocol.RequestPendingPayload
	if err := json.Unmarshal(env.Payload, &pending); err != nil {
		t.Fatalf("decode pending payload: %v", err)
	}
	if pending.UserID != "alice" {
		t.Fatalf("expected pending request from alice, got %s", pending.UserID)
	}

	// The host accepts over the socket.
	writeEnvelope(t, hostConn, protocol.Envelope{
		Type:    protocol.TypeResolveRequest,
		Payload: json.RawMessage(fmt.Sprintf(`{"request_id":%q,"accept":true}`, pending.RequestID)),
	})

	// Alice learns her request was accepted and her new role.
	env = readUntilType(t, aliceConn, protocol.TypeRequestResolved)
	var resolved protocol.RequestResolvedPayload
	if err := json.Unmarshal(env.Payload, &resolved); err != nil {
		t.Fatalf("decode resolved payload: %v", err)
	}
	if resolved.Status != string(types.RequestAccepted) || resolved.ResolvedBy != "host" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}

	env = readUntilType(t, aliceConn, protocol.TypeRoleChanged)
	var change protocol.RoleChangedPayload
	if err := json.Unmarshal(env.Payload, &change); err != nil {
		t.Fatalf("decode role payload: %v", err)
	}
	if change.UserID != "alice" || change.Role != string(types.RoleSpeaker) {
		t.Fatalf("unexpected role change: %+v", change)
	}

	// Registry state agrees with what was broadcast.
	p, err := s.registry.GetParticipant(context.Background(), spaceID, "alice")
	if err != nil || p.Role != types.RoleSpeaker {
		t.Fatalf("expected alice promoted in registry, got %+v/%v", p, err)
	}
}

func TestWebSocket_EndSpaceTeardown(t *testing.T) {
	s, ts := newTestServer(t)
	spaceID := liveSpaceWith(t, s, "host", "alice")

	hostConn := dialSpace(t, ts, spaceID, "host")
	aliceConn := dialSpace(t, ts, spaceID, "alice")
	readUntilType(t, hostConn, protocol.TypeRoster)
	readUntilType(t, aliceConn, protocol.TypeRoster)

	// A listener may not end the space.
	writeEnvelope(t, aliceConn, protocol.Envelope{Type: protocol.TypeEndSpace})
	errEnv := readUntilType(t, aliceConn, protocol.TypeError)
	var perr protocol.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &perr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if perr.Code != protocol.CodeNotAuthorized {
		t.Fatalf("expected not_authorized, got %s", perr.Code)
	}

	writeEnvelope(t, hostConn, protocol.Envelope{Type: protocol.TypeEndSpace})

	// The ended signal reaches alice either as the broadcast envelope or,
	// when the teardown wins the race against her write loop, as the
	// space-ended close status on the socket itself.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sawEnd := false
	for !sawEnd {
		_, data, err := aliceConn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != closeStatusSpaceEnded {
				t.Fatalf("expected space-ended close status, got %v", err)
			}
			sawEnd = true
			continue
		}
		if env, err := protocol.DecodeEnvelope(data); err == nil && env.Type == protocol.TypeSpaceEnded {
			sawEnd = true
		}
	}

	space, err := s.registry.GetSpace(context.Background(), spaceID)
	if err != nil || space.Status != types.SpaceEnded {
		t.Fatalf("expected ended space in registry, got %+v/%v", space, err)
	}

	// Reconnecting to the dead space is refused at the handshake.
	_, resp, err := websocket.Dial(context.Background(), wsBase(ts)+"/ws/"+spaceID+"?token="+mintToken(t, "host"), nil)
	if err == nil {
		t.Fatalf("expected handshake rejection for ended space")
	}
	if resp != nil && resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

type apiClient struct {
	t     *testing.T
	base  string
	token string
}

func (a *apiClient) do(method, path string, body any) (*http.Response, []byte) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.base+path, &buf)
	if err != nil {
		a.t.Fatalf("build request: %v", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestREST_SpaceLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	// The debug token endpoint needs no credential.
	anon := &apiClient{t: t, base: ts.URL}
	resp, body := anon.do("POST", "/api/token", map[string]string{"user_id": "host"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint token: status %d", resp.StatusCode)
	}
	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil || tokenResp.Token == "" {
		t.Fatalf("bad token response: %s", body)
	}

	host := &apiClient{t: t, base: ts.URL, token: tokenResp.Token}
	alice := &apiClient{t: t, base: ts.URL, token: mintToken(t, "alice")}

	// Authenticated surface refuses anonymous callers.
	if resp, _ := anon.do("POST", "/api/spaces", map[string]string{"title": "x"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous create, got %d", resp.StatusCode)
	}

	resp, body = host.do("POST", "/api/spaces", map[string]string{"title": "REST Space"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create space: status %d body %s", resp.StatusCode, body)
	}
	var space types.Space
	if err := json.Unmarshal(body, &space); err != nil {
		t.Fatalf("decode space: %v", err)
	}

	resp, _ = alice.do("POST", "/api/spaces/"+space.ID+"/join", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: status %d", resp.StatusCode)
	}

	resp, body = alice.do("POST", "/api/spaces/"+space.ID+"/requests", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request speaker: status %d body %s", resp.StatusCode, body)
	}
	var req types.SpeakerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	// Only moderators may list pending requests.
	if resp, _ := alice.do("GET", "/api/spaces/"+space.ID+"/requests", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for listener listing, got %d", resp.StatusCode)
	}
	resp, body = host.do("GET", "/api/spaces/"+space.ID+"/requests", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list pending: status %d", resp.StatusCode)
	}
	var pendingResp struct {
		Requests []types.SpeakerRequest `json:"requests"`
	}
	if err := json.Unmarshal(body, &pendingResp); err != nil || len(pendingResp.Requests) != 1 {
		t.Fatalf("expected 1 pending request, got %s", body)
	}

	resp, body = host.do("POST", "/api/requests/"+req.ID+"/resolve", map[string]bool{"accept": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", resp.StatusCode, body)
	}

	// Resolving twice loses the race against the first resolution.
	if resp, _ = host.do("POST", "/api/requests/"+req.ID+"/resolve", map[string]bool{"accept": true}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for double resolve, got %d", resp.StatusCode)
	}

	// Demote alice back to listener.
	resp, _ = host.do("POST", "/api/spaces/"+space.ID+"/role", map[string]string{"user_id": "alice", "role": "listener"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change role: status %d", resp.StatusCode)
	}

	// A listener cannot end the space; the host can.
	if resp, _ = alice.do("POST", "/api/spaces/"+space.ID+"/end", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for listener end, got %d", resp.StatusCode)
	}
	resp, body = host.do("POST", "/api/spaces/"+space.ID+"/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end space: status %d", resp.StatusCode)
	}
	var ended types.Space
	if err := json.Unmarshal(body, &ended); err != nil || ended.Status != types.SpaceEnded {
		t.Fatalf("expected ended space, got %s", body)
	}

	// Ended spaces drop out of the live listing.
	resp, body = host.do("GET", "/api/spaces", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list spaces: status %d", resp.StatusCode)
	}
	var listResp struct {
		Spaces []types.Space `json:"spaces"`
	}
	if err := json.Unmarshal(body, &listResp); err != nil || len(listResp.Spaces) != 0 {
		t.Fatalf("expected no live spaces, got %s", body)
	}
}

func TestWebSocket_HeartbeatExpiryClosesConnection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:             "debug",
		Secret:           testSecret,
		HeartbeatTimeout: 100 * time.Millisecond,
		SendBuffer:       64,
		EventBuffer:      256,
		SpaceLogSize:     64,
		TokenTTL:         time.Hour,
	}
	s := NewServer(cfg, registry.NewMemStore(), zerolog.Nop())
	s.Start()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})

	spaceID := liveSpaceWith(t, s, "host")
	conn := dialSpace(t, ts, spaceID, "host")
	readUntilType(t, conn, protocol.TypeRoster)

	// Send no heartbeats; the sweeper must tear the connection down.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != closeStatusHeartbeatTimeout {
				t.Fatalf("expected heartbeat timeout close, got %v", err)
			}
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.presence.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("presence still tracks %d connections", s.presence.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestREST_StatsAndHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v/%d", err, resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/stats")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: %v/%d", err, resp.StatusCode)
	}
	var stats struct {
		Registry types.RegistryStats `json:"registry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	resp.Body.Close()
	if stats.Registry.EventBufferCapacity != 256 {
		t.Fatalf("unexpected stats payload: %+v", stats)
	}
}
