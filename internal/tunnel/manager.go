// Package tunnel manages SSH local port forwards, one per connection id.
// Each tunnel owns an allocated local port from the dynamic range, a local
// TCP listener, and an SSH session; inbound local connections are spliced
// over forwarded channels to the remote database endpoint.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dbdeck/dbdeck/internal/connection"
)

const (
	// Local ports are drawn from the private/dynamic range.
	portRangeStart = 49152
	portRangeEnd   = 65535

	sshConnectTimeout = 15 * time.Second
)

// ErrNoPortsAvailable is returned when every port in the dynamic range is
// either tracked as allocated or not bindable. It is a capacity condition,
// distinct from SSH connect failures.
var ErrNoPortsAvailable = errors.New("no free local port available in dynamic range")

// sshSession is the slice of *ssh.Client the manager needs. Narrowed to an
// interface so tests can stand in a fake session.
type sshSession interface {
	Dial(network, addr string) (net.Conn, error)
	Wait() error
	Close() error
}

// dialFunc opens an SSH session. Swapped out in tests.
type dialFunc func(addr string, cfg *ssh.ClientConfig) (sshSession, error)

func sshDial(addr string, cfg *ssh.ClientConfig) (sshSession, error) {
	return ssh.Dial("tcp", addr, cfg)
}

// Manager tracks active tunnels and the set of local ports they hold. The
// port set and tunnel map are the only shared state; each tunnel owns its
// sockets exclusively.
type Manager struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
	ports   map[int]struct{}
	dial    dialFunc
	logger  *slog.Logger
}

// NewManager creates an empty tunnel manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		tunnels: make(map[string]*Tunnel),
		ports:   make(map[int]struct{}),
		dial:    sshDial,
		logger:  logger,
	}
}

// Tunnel is one active SSH port forward.
type Tunnel struct {
	id         string
	localPort  int
	targetAddr string
	session    sshSession
	listener   net.Listener

	closeOnce sync.Once
	closedCh  chan struct{}
}

// LocalPort returns the allocated local listening port.
func (t *Tunnel) LocalPort() int { return t.localPort }

func (t *Tunnel) alive() bool {
	select {
	case <-t.closedCh:
		return false
	default:
		return true
	}
}

// close tears down the listener first, then the SSH session. Idempotent.
func (t *Tunnel) close() {
	t.closeOnce.Do(func() {
		close(t.closedCh)
		if t.listener != nil {
			t.listener.Close()
		}
		if t.session != nil {
			t.session.Close()
		}
	})
}

// CreateTunnel establishes (or reuses) the tunnel for the given connection
// id and returns its local port. Idempotent by id: an existing live tunnel
// is returned as-is; a dead one is fully torn down before a replacement is
// built.
func (m *Manager) CreateTunnel(id string, cfg *connection.SSHConfig, targetHost string, targetPort int) (int, error) {
	m.mu.Lock()
	if existing, ok := m.tunnels[id]; ok {
		if existing.alive() {
			port := existing.localPort
			m.mu.Unlock()
			return port, nil
		}
		// Dead tunnel still tracked: clean it up before rebuilding.
		delete(m.tunnels, id)
		delete(m.ports, existing.localPort)
		existing.close()
	}

	port, err := m.allocatePortLocked()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.mu.Unlock()

	// The port is reserved in m.ports; the slow SSH dial happens outside
	// the lock so unrelated tunnels make progress.
	clientCfg, err := buildClientConfig(cfg)
	if err != nil {
		m.releasePort(port)
		return 0, err
	}

	sshAddr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	session, err := m.dial(sshAddr, clientCfg)
	if err != nil {
		m.releasePort(port)
		return 0, fmt.Errorf("ssh connect to %s failed: %w", sshAddr, err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		session.Close()
		m.releasePort(port)
		return 0, fmt.Errorf("bind forward listener on port %d: %w", port, err)
	}

	t := &Tunnel{
		id:         id,
		localPort:  port,
		targetAddr: net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort)),
		session:    session,
		listener:   listener,
		closedCh:   make(chan struct{}),
	}

	m.mu.Lock()
	m.tunnels[id] = t
	m.mu.Unlock()

	go m.acceptLoop(t)
	go m.watchSession(t)

	m.logger.Info("tunnel established",
		"connection", id, "local_port", port, "target", t.targetAddr)
	return port, nil
}

// DestroyTunnel tears down the tunnel for id: listener closed, SSH session
// ended, port released. No-op when no tunnel is tracked for id.
func (m *Manager) DestroyTunnel(id string) {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	if ok {
		delete(m.tunnels, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	t.close()
	m.releasePort(t.localPort)
	m.logger.Info("tunnel destroyed", "connection", id, "local_port", t.localPort)
}

// HasTunnel reports whether a live tunnel is tracked for id.
func (m *Manager) HasTunnel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	return ok && t.alive()
}

// DestroyAll tears down every tracked tunnel, for process shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for id, t := range m.tunnels {
		tunnels = append(tunnels, t)
		delete(m.tunnels, id)
	}
	m.mu.Unlock()

	for _, t := range tunnels {
		t.close()
		m.releasePort(t.localPort)
	}
}

// allocatePortLocked linearly scans the dynamic range for a port that is
// neither tracked by this process nor rejected by the OS. The bind probe
// guards against our own bookkeeping drifting from OS reality. Caller holds
// m.mu.
func (m *Manager) allocatePortLocked() (int, error) {
	for port := portRangeStart; port <= portRangeEnd; port++ {
		if _, taken := m.ports[port]; taken {
			continue
		}
		if !probeBind(port) {
			continue
		}
		m.ports[port] = struct{}{}
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

func (m *Manager) releasePort(port int) {
	m.mu.Lock()
	delete(m.ports, port)
	m.mu.Unlock()
}

// probeBind verifies a port is actually bindable by binding and immediately
// releasing it.
func probeBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// acceptLoop forwards every inbound local connection over the SSH session.
func (m *Manager) acceptLoop(t *Tunnel) {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			// Listener closed; the tunnel is going away.
			return
		}
		go m.forward(t, local)
	}
}

// forward opens a channel to the target through the SSH session and splices
// bytes both ways until either side closes.
func (m *Manager) forward(t *Tunnel, local net.Conn) {
	defer local.Close()

	remote, err := t.session.Dial("tcp", t.targetAddr)
	if err != nil {
		m.logger.Warn("tunnel forward failed",
			"connection", t.id, "target", t.targetAddr, "error", err)
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
		remote.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
		local.Close()
	}()
	wg.Wait()
}

// watchSession blocks until the SSH session dies (remote close, network
// drop) and then self-unregisters the tunnel so its port is not leaked.
func (m *Manager) watchSession(t *Tunnel) {
	t.session.Wait()
	if !t.alive() {
		return // closed deliberately; DestroyTunnel already cleaned up
	}

	m.mu.Lock()
	if current, ok := m.tunnels[t.id]; ok && current == t {
		delete(m.tunnels, t.id)
	}
	m.mu.Unlock()

	t.close()
	m.releasePort(t.localPort)
	m.logger.Warn("tunnel closed by remote", "connection", t.id, "local_port", t.localPort)
}

// buildClientConfig translates descriptor SSH settings into an
// ssh.ClientConfig with the configured auth method.
func buildClientConfig(cfg *connection.SSHConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch cfg.AuthMethod {
	case connection.SSHAuthPassword:
		auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	case connection.SSHAuthPrivateKey:
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cfg.PrivateKey), []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	default:
		return nil, fmt.Errorf("unsupported ssh auth method: %q", cfg.AuthMethod)
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshConnectTimeout,
	}, nil
}
