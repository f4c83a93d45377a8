package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// fakeSession stands in for an *ssh.Client. Dial goes straight over TCP to
// the "target" (no SSH hop), which exercises the full listener/splice path.
type fakeSession struct {
	mu     sync.Mutex
	closed bool
	waitCh chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{waitCh: make(chan struct{})}
}

func (f *fakeSession) Dial(network, addr string) (net.Conn, error) {
	return net.Dial(network, addr)
}

func (f *fakeSession) Wait() error {
	<-f.waitCh
	return errors.New("session closed")
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.waitCh)
	}
	return nil
}

// die simulates a remote-initiated SSH close without marking a deliberate
// local Close.
func (f *fakeSession) die() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.waitCh)
	}
}

func testManager() *Manager {
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.dial = func(_ string, _ *ssh.ClientConfig) (sshSession, error) {
		return newFakeSession(), nil
	}
	return m
}

func passwordSSH() *connection.SSHConfig {
	return &connection.SSHConfig{
		Enabled:    true,
		Host:       "bastion.example",
		Port:       22,
		User:       "deploy",
		AuthMethod: connection.SSHAuthPassword,
		Password:   "secret",
	}
}

// echoServer accepts connections and echoes bytes back until closed.
func echoServer(t *testing.T) (addr string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	tcpAddr := l.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func TestCreateTunnelIdempotentByID(t *testing.T) {
	m := testManager()
	defer m.DestroyAll()

	port1, err := m.CreateTunnel("c1", passwordSSH(), "db.internal", 5432)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	port2, err := m.CreateTunnel("c1", passwordSSH(), "db.internal", 5432)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port1 != port2 {
		t.Errorf("same id must reuse the live tunnel: got %d then %d", port1, port2)
	}
	if !m.HasTunnel("c1") {
		t.Error("expected a live tunnel for c1")
	}
}

func TestConcurrentTunnelsGetDistinctPorts(t *testing.T) {
	m := testManager()
	defer m.DestroyAll()

	const n = 8
	ports := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := m.CreateTunnel(fmt.Sprintf("c%d", i), passwordSSH(), "db.internal", 5432)
			if err != nil {
				t.Errorf("tunnel %d: %v", i, err)
				return
			}
			ports[i] = port
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range ports {
		if p == 0 {
			continue
		}
		if seen[p] {
			t.Fatalf("port %d handed out twice", p)
		}
		seen[p] = true
	}
}

func TestTunnelForwardsBytes(t *testing.T) {
	targetHost, targetPort := echoServer(t)

	m := testManager()
	defer m.DestroyAll()

	port, err := m.CreateTunnel("echo", passwordSSH(), targetHost, targetPort)
	if err != nil {
		t.Fatalf("create tunnel: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial forwarded port: %v", err)
	}
	defer conn.Close()

	msg := []byte("SELECT 1")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo mismatch: %q", buf)
	}
}

func TestDestroyTunnelReleasesPort(t *testing.T) {
	m := testManager()

	port, err := m.CreateTunnel("c1", passwordSSH(), "db.internal", 5432)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.DestroyTunnel("c1")
	if m.HasTunnel("c1") {
		t.Error("tunnel should be gone after destroy")
	}

	m.mu.Lock()
	_, stillHeld := m.ports[port]
	m.mu.Unlock()
	if stillHeld {
		t.Error("local port must be released after the listener is closed")
	}

	// The freed port must be bindable again.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("freed port not bindable: %v", err)
	}
	l.Close()
}

func TestDestroyTunnelUnknownIDIsNoop(t *testing.T) {
	m := testManager()
	m.DestroyTunnel("never-created") // must not panic
}

func TestDestroyAll(t *testing.T) {
	m := testManager()

	for i := 0; i < 3; i++ {
		if _, err := m.CreateTunnel(fmt.Sprintf("c%d", i), passwordSSH(), "db.internal", 5432); err != nil {
			t.Fatalf("tunnel %d: %v", i, err)
		}
	}

	m.DestroyAll()

	for i := 0; i < 3; i++ {
		if m.HasTunnel(fmt.Sprintf("c%d", i)) {
			t.Errorf("tunnel c%d survived DestroyAll", i)
		}
	}
	m.mu.Lock()
	held := len(m.ports)
	m.mu.Unlock()
	if held != 0 {
		t.Errorf("%d ports still tracked after DestroyAll", held)
	}
}

func TestRemoteCloseSelfUnregisters(t *testing.T) {
	session := newFakeSession()
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.dial = func(_ string, _ *ssh.ClientConfig) (sshSession, error) {
		return session, nil
	}

	port, err := m.CreateTunnel("c1", passwordSSH(), "db.internal", 5432)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session.die()

	// The watcher runs asynchronously; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		_, tracked := m.tunnels["c1"]
		_, portHeld := m.ports[port]
		m.mu.Unlock()
		if !tracked && !portHeld {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dead tunnel did not self-unregister and release its port")
}

func TestDeadTunnelRebuiltOnCreate(t *testing.T) {
	sessions := make(chan *fakeSession, 2)
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.dial = func(_ string, _ *ssh.ClientConfig) (sshSession, error) {
		s := newFakeSession()
		sessions <- s
		return s, nil
	}

	if _, err := m.CreateTunnel("c1", passwordSSH(), "db.internal", 5432); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := <-sessions
	first.die()

	// Wait for self-unregistration, then recreate.
	deadline := time.Now().Add(2 * time.Second)
	for m.HasTunnel("c1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	port, err := m.CreateTunnel("c1", passwordSSH(), "db.internal", 5432)
	if err != nil {
		t.Fatalf("rebuild after death: %v", err)
	}
	if port == 0 {
		t.Error("expected a fresh port for the rebuilt tunnel")
	}
	m.DestroyAll()
}

func TestDialFailureReleasesPort(t *testing.T) {
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.dial = func(_ string, _ *ssh.ClientConfig) (sshSession, error) {
		return nil, errors.New("auth failed")
	}

	if _, err := m.CreateTunnel("c1", passwordSSH(), "db.internal", 5432); err == nil {
		t.Fatal("expected dial error to surface")
	}

	m.mu.Lock()
	held := len(m.ports)
	m.mu.Unlock()
	if held != 0 {
		t.Error("allocated port must be released when the SSH dial fails")
	}
	if m.HasTunnel("c1") {
		t.Error("no tunnel should be tracked after a failed dial")
	}
}

func TestBuildClientConfig(t *testing.T) {
	cfg, err := buildClientConfig(passwordSSH())
	if err != nil {
		t.Fatalf("password config: %v", err)
	}
	if cfg.User != "deploy" || len(cfg.Auth) != 1 {
		t.Errorf("unexpected client config: %+v", cfg)
	}
	if cfg.Timeout != sshConnectTimeout {
		t.Errorf("expected %s connect timeout, got %s", sshConnectTimeout, cfg.Timeout)
	}

	bad := passwordSSH()
	bad.AuthMethod = connection.SSHAuthPrivateKey
	bad.PrivateKey = "not a pem key"
	if _, err := buildClientConfig(bad); err == nil {
		t.Error("expected error for malformed private key")
	}

	bad.AuthMethod = "kerberos"
	if _, err := buildClientConfig(bad); err == nil {
		t.Error("expected error for unsupported auth method")
	}
}
