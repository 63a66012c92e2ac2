package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu    sync.Mutex
	conns []net.Conn
}

// newTestSSHServer starts a server on a loopback port and stops it when the test ends.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, netConn)
	s.mu.Unlock()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(channel, requests)
		case "direct-streamlocal@openssh.com":
			// Echo server standing in for a unix socket.
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(requests)
			go func() {
				defer channel.Close()
				_, _ = io.Copy(channel, channel)
			}()
		default:
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func exitStatus(code uint32) []byte {
	return ssh.Marshal(struct{ Status uint32 }{code})
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

			switch payload.Command {
			case "true":
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case "echo test":
				_, _ = channel.Write([]byte("test\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case "echo error >&2":
				_, _ = channel.Stderr().Write([]byte("error\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case "exit 3":
				_, _ = channel.Stderr().Write([]byte("boom\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(3))
			case "sleep":
				// Blocks until the client closes the channel.
				_, _ = io.Copy(io.Discard, channel)
			default:
				_, _ = channel.Write([]byte("command: " + payload.Command + "\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			}
			return

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// dropConnections closes every accepted connection from the server side.
func (s *testSSHServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.listener.Close()
	}
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func passwordConfig(server *testSSHServer) *Config {
	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0
	return config
}

// connectedClient returns a client connected to server and closed at test end.
func connectedClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()
	client, err := NewSSHClient(passwordConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be set")
	}

	// A second Connect on a live connection is a no-op.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestSSHClientAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)

	config := passwordConfig(server)
	config.Password = "wrong"
	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.IsAuthError {
		t.Errorf("expected auth error, got %+v", te)
	}
	if client.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestSSHClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	host, port := parseAddress(addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.Temporary() || te.IsAuthError {
		t.Errorf("expected temporary non-auth error, got %+v", te)
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
	if _, _, err := client.ExecuteCommand(context.Background(), "true"); err == nil {
		t.Error("expected command to fail after disconnect")
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKey = string(generatePEMKey(t))
	config.KeepAliveInterval = 0

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientDialContext(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	conn, err := client.DialContext(context.Background(), "unix", DefaultDockerSocket)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("expected echo 'ping', got %q", buf)
	}
}

func TestSSHClientWriteFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "stacks", "shop")
	target := filepath.Join(dir, "docker-compose.yml")
	content := []byte("services:\n  web:\n    image: nginx\n")

	if err := client.WriteFile(ctx, target, content, 0640); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("unexpected content %q", got)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("expected mode 0640, got %v", info.Mode().Perm())
	}

	// Overwrite truncates.
	if err := client.WriteFile(ctx, target, []byte("x"), 0640); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if got, _ := os.ReadFile(target); string(got) != "x" {
		t.Errorf("expected truncated content, got %q", got)
	}

	if err := client.RemoveAll(ctx, dir); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected directory to be removed, got %v", err)
	}
	if err := client.RemoveAll(ctx, dir); err != nil {
		t.Errorf("removing a missing path should succeed, got %v", err)
	}
}

func TestChecker(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	srv := &engine.Server{
		Name:       "edge",
		Type:       engine.ServerRemote,
		Host:       host,
		Port:       port,
		Username:   "testuser",
		AuthMethod: engine.AuthPassword,
		Password:   "testpass",
	}
	checker := NewChecker(Options{ConnectionTimeout: 5 * time.Second})

	if err := checker.Check(context.Background(), srv); err != nil {
		t.Fatalf("connection check failed: %v", err)
	}

	srv.Password = "wrong"
	err := checker.Check(context.Background(), srv)
	var te *TransportError
	if !errors.As(err, &te) || !te.IsAuthError {
		t.Errorf("expected auth TransportError, got %v", err)
	}
}

func waitDisconnected(t *testing.T, client *SSHClient) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client still reports a connection the server dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSHClientDetectsDroppedConnection(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	server.dropConnections()
	waitDisconnected(t, client)

	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after the drop")
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	stdout, _, err := client.ExecuteCommand(context.Background(), "echo test")
	if err != nil {
		t.Fatalf("command after reconnect failed: %v", err)
	}
	if strings.TrimSpace(stdout) != "test" {
		t.Errorf("unexpected output %q", stdout)
	}
}

func TestSSHClientKeepAliveDropsDeadConnection(t *testing.T) {
	server := newTestSSHServer(t)

	config := passwordConfig(server)
	config.KeepAliveInterval = 20 * time.Millisecond
	config.MaxKeepAliveRetries = 1
	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	server.dropConnections()
	waitDisconnected(t, client)

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect after drop should be a no-op, got %v", err)
	}
}
