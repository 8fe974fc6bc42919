package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/termcode/termcode/internal/codec"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Config{UnpairedExpiry: time.Minute})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() { ts.Close() })
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAgentRegisterReceivesCode(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	reg, _ := codec.Encode(&codec.Register{Type: codec.TypeRegister, ClientID: "agent-1"})
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		t.Fatalf("write register: %v", err)
	}

	var registered codec.Registered
	readJSON(t, ctx, conn, &registered)
	if len(registered.Code) != 6 && len(registered.Code) != 7 {
		t.Errorf("code length = %d, want 6 or 7", len(registered.Code))
	}
}

func TestRegisteredExpiresAtIsUnixMillis(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	reg, _ := codec.Encode(&codec.Register{Type: codec.TypeRegister, ClientID: "agent-1"})
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		t.Fatalf("write register: %v", err)
	}

	var registered codec.Registered
	readJSON(t, ctx, conn, &registered)

	// Decoded the way the agent decodes it (relayclient.Client, time.UnixMilli):
	// a bare Unix() value here would land around 1970-01-20 instead of ~1
	// minute from now (testServer sets UnpairedExpiry to a minute).
	got := time.UnixMilli(registered.ExpiresAt)
	want := time.Now().Add(time.Minute)
	if diff := got.Sub(want); diff < -5*time.Second || diff > 5*time.Second {
		t.Errorf("expires_at decodes to %v, want close to %v (diff %v)", got, want, diff)
	}
}

func TestBrowserJoinInvalidCode(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	auth, _ := codec.Encode(&codec.Auth{Type: codec.TypeAuth, SessionCode: "ZZZZZZ"})
	conn.Write(ctx, websocket.MessageText, auth)

	var failed codec.AuthFailed
	readJSON(t, ctx, conn, &failed)
	if failed.Reason != codec.CodeInvalidCode {
		t.Errorf("reason = %q, want %q", failed.Reason, codec.CodeInvalidCode)
	}
}

func TestAgentBrowserPairingAndBinaryRelay(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts)
	defer agentConn.Close(websocket.StatusNormalClosure, "done")

	reg, _ := codec.Encode(&codec.Register{Type: codec.TypeRegister, ClientID: "agent-1"})
	agentConn.Write(ctx, websocket.MessageText, reg)

	var registered codec.Registered
	readJSON(t, ctx, agentConn, &registered)

	browserConn := dial(t, ctx, ts)
	defer browserConn.Close(websocket.StatusNormalClosure, "done")

	auth, _ := codec.Encode(&codec.Auth{Type: codec.TypeAuth, SessionCode: registered.Code})
	browserConn.Write(ctx, websocket.MessageText, auth)

	var success codec.AuthSuccess
	readJSON(t, ctx, browserConn, &success)
	if success.Type != codec.TypeAuthSuccess {
		t.Fatalf("expected auth_success, got %q", success.Type)
	}

	frame, _ := codec.EncodeBinary("sh1", []byte("hello"))
	if err := agentConn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	typ, data, err := browserConn.Read(ctx)
	if err != nil {
		t.Fatalf("browser read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("expected binary message, got %v", typ)
	}
	shellID, payload, err := codec.DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode binary: %v", err)
	}
	if shellID != "sh1" || string(payload) != "hello" {
		t.Errorf("got shell_id=%q payload=%q", shellID, payload)
	}

	resize, _ := codec.Encode(&codec.TerminalResize{Type: codec.TypeTerminalResize, SessionID: "sh1", Cols: 100, Rows: 40})
	if err := browserConn.Write(ctx, websocket.MessageText, resize); err != nil {
		t.Fatalf("write resize: %v", err)
	}

	typ2, data2, err := agentConn.Read(ctx)
	if err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if typ2 != websocket.MessageText {
		t.Fatalf("expected text message, got %v", typ2)
	}
	var gotResize codec.TerminalResize
	json.Unmarshal(data2, &gotResize)
	if gotResize.Cols != 100 || gotResize.Rows != 40 {
		t.Errorf("resize = %+v, want cols=100 rows=40", gotResize)
	}
}

func TestLateJoinerReplaysAttachedShells(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts)
	defer agentConn.Close(websocket.StatusNormalClosure, "done")
	reg, _ := codec.Encode(&codec.Register{Type: codec.TypeRegister, ClientID: "agent-1"})
	agentConn.Write(ctx, websocket.MessageText, reg)
	var registered codec.Registered
	readJSON(t, ctx, agentConn, &registered)

	connected, _ := codec.Encode(&codec.SessionConnected{Type: codec.TypeSessionConnected, SessionID: "sh1", Name: "work"})
	if err := agentConn.Write(ctx, websocket.MessageText, connected); err != nil {
		t.Fatalf("write session_connected: %v", err)
	}

	// Give the relay a moment to process the control frame before the
	// browser joins, so this exercises the replay path rather than
	// concurrent delivery via Broadcast.
	time.Sleep(50 * time.Millisecond)

	browserConn := dial(t, ctx, ts)
	defer browserConn.Close(websocket.StatusNormalClosure, "done")
	auth, _ := codec.Encode(&codec.Auth{Type: codec.TypeAuth, SessionCode: registered.Code})
	browserConn.Write(ctx, websocket.MessageText, auth)

	var success codec.AuthSuccess
	readJSON(t, ctx, browserConn, &success)

	var gotConnected codec.SessionConnected
	readJSON(t, ctx, browserConn, &gotConnected)
	if gotConnected.SessionID != "sh1" || gotConnected.Name != "work" {
		t.Errorf("got %+v, want session_id=sh1 name=work", gotConnected)
	}
}

func TestAgentDisconnectClosesBrowserWithUpstreamGone(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agentConn := dial(t, ctx, ts)
	reg, _ := codec.Encode(&codec.Register{Type: codec.TypeRegister, ClientID: "agent-1"})
	agentConn.Write(ctx, websocket.MessageText, reg)
	var registered codec.Registered
	readJSON(t, ctx, agentConn, &registered)

	browserConn := dial(t, ctx, ts)
	defer browserConn.Close(websocket.StatusNormalClosure, "done")
	auth, _ := codec.Encode(&codec.Auth{Type: codec.TypeAuth, SessionCode: registered.Code})
	browserConn.Write(ctx, websocket.MessageText, auth)
	var success codec.AuthSuccess
	readJSON(t, ctx, browserConn, &success)

	agentConn.Close(websocket.StatusNormalClosure, "agent leaving")

	var gotErr codec.ErrorMsg
	readJSON(t, ctx, browserConn, &gotErr)
	if gotErr.Code != codec.CodeUpstreamGone {
		t.Errorf("code = %q, want %q", gotErr.Code, codec.CodeUpstreamGone)
	}
}
