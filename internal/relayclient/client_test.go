package relayclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/termcode/termcode/internal/codec"
	"github.com/termcode/termcode/internal/ipc"
	"github.com/termcode/termcode/internal/relay"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	srv := relay.NewServer(relay.Config{UnpairedExpiry: time.Minute})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dialShell connects to the agent's IPC socket and completes the shell-
// wrapper registration handshake, returning the raw connection for the
// test to stream framed output over.
func dialShell(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial ipc socket: %v", err)
	}

	reg := struct {
		Shell string `json:"shell"`
		PID   int    `json:"pid"`
		TTY   string `json:"tty"`
		Name  string `json:"name"`
	}{Shell: "/bin/bash", PID: 1, TTY: "tty1", Name: "work"}
	data, _ := json.Marshal(reg)
	conn.Write(append(data, '\n'))

	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read registration reply: %v", err)
	}
	return conn
}

func writeIPCFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	conn.Write(lenBuf)
	conn.Write(payload)
}

// TestAnnounceResetsAcrossReconnect guards against the dedup set in
// announce() surviving a reconnect: every reconnect gets a brand-new
// Session on the relay with zero recorded shells (registry.Allocate is
// called fresh on every register), so a shell already announced on a
// previous connection must be announced again on the new one.
func TestAnnounceResetsAcrossReconnect(t *testing.T) {
	ipcSrv := ipc.NewServer(filepath.Join(t.TempDir(), "test.sock"))
	c := New("ws://unused", "agent-1", ipcSrv)
	sh := &ipc.Shell{ID: "sh1", Name: "work"}

	if !c.announce(sh) {
		t.Fatal("first announce on a connection should send")
	}
	if c.announce(sh) {
		t.Fatal("second announce on the same connection should no-op")
	}

	// Simulate what connectAndServe does when a new connection is
	// established after a reconnect.
	c.mu.Lock()
	c.sessions = make(map[string]struct{})
	c.mu.Unlock()

	if !c.announce(sh) {
		t.Fatal("announce after a reconnect must re-send, since the relay's new Session has no record of this shell")
	}
}

func TestClientRegistersAndReportsCode(t *testing.T) {
	ts := startRelay(t)
	ipcPath := filepath.Join(t.TempDir(), "test.sock")
	ipcSrv := ipc.NewServer(ipcPath)
	go ipcSrv.Serve()
	t.Cleanup(func() { ipcSrv.Close() })

	c := New(wsURL(ts), "agent-1", ipcSrv)

	codeCh := make(chan string, 1)
	c.OnRegistered = func(code string, expiresAt time.Time) {
		codeCh <- code
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case code := <-codeCh:
		if len(code) != 6 && len(code) != 7 {
			t.Errorf("code length = %d, want 6 or 7", len(code))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for registration")
	}
}

func TestClientForwardsShellOutputToBrowser(t *testing.T) {
	ts := startRelay(t)
	ipcPath := filepath.Join(t.TempDir(), "test.sock")
	ipcSrv := ipc.NewServer(ipcPath)
	go ipcSrv.Serve()
	t.Cleanup(func() { ipcSrv.Close() })

	c := New(wsURL(ts), "agent-1", ipcSrv)
	codeCh := make(chan string, 1)
	c.OnRegistered = func(code string, expiresAt time.Time) { codeCh <- code }

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	go c.Run(ctx)

	var code string
	select {
	case code = <-codeCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for registration")
	}

	browserConn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial browser: %v", err)
	}
	defer browserConn.Close(websocket.StatusNormalClosure, "done")

	auth, _ := codec.Encode(&codec.Auth{Type: codec.TypeAuth, SessionCode: code})
	browserConn.Write(ctx, websocket.MessageText, auth)
	_, _, err = browserConn.Read(ctx) // auth_success
	if err != nil {
		t.Fatalf("read auth_success: %v", err)
	}

	shellConn := dialShell(t, ipcPath)
	defer shellConn.Close()

	// Give the shell a moment to register before expecting announcement
	// or output forwarding.
	time.Sleep(100 * time.Millisecond)
	writeIPCFrame(t, shellConn, []byte("hello from shell"))

	for i := 0; i < 5; i++ {
		typ, data, err := browserConn.Read(ctx)
		if err != nil {
			t.Fatalf("browser read: %v", err)
		}
		if typ == websocket.MessageBinary {
			_, payload, err := codec.DecodeBinary(data)
			if err != nil {
				t.Fatalf("decode binary: %v", err)
			}
			if string(payload) == "hello from shell" {
				return
			}
		}
	}
	t.Fatal("never saw forwarded shell output")
}
