package storage

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshServer is an in-process SSH daemon for exercising the real backend
// without a container. Exec requests run through the local shell, so the
// remote data directory is an ordinary temp dir the test can inspect.
type sshServer struct {
	listener net.Listener
	addr     string

	mu    sync.Mutex
	conns []net.Conn
}

func genKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey) (*sshServer, ssh.PublicKey) {
	t.Helper()

	hostKey := genKey(t)
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &sshServer{listener: ln, addr: ln.Addr().String()}
	go srv.serve(cfg)
	t.Cleanup(srv.Close)
	return srv, hostKey.PublicKey()
}

func (s *sshServer) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleConn(conn, cfg)
	}
}

func (s *sshServer) handleConn(nConn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		_ = nConn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, chReqs)
	}
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		_ = req.Reply(true, nil)

		status := runShell(ch, payload.Command)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func runShell(ch ssh.Channel, command string) uint32 {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = ch
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return uint32(exitErr.ExitCode())
		}
		return 127
	}
	return 0
}

// closeConns drops every accepted connection while keeping the listener
// alive, simulating a network blip the backend should redial through.
func (s *sshServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *sshServer) Close() {
	_ = s.listener.Close()
	s.closeConns()
}

func writeKnownHosts(t *testing.T, addr string, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{addr}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))
	return path
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newTestSSH(t *testing.T, dir string) (*SSH, *sshServer) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("exec harness needs a POSIX shell")
	}

	signer := genKey(t)
	srv, hostPub := startSSHServer(t, signer.PublicKey())
	host, port := splitAddr(t, srv.addr)

	b, err := NewSSH(context.Background(), SSHConfig{
		Host:           host,
		Port:           port,
		User:           "tester",
		Signer:         signer,
		KnownHostsFile: writeKnownHosts(t, srv.addr, hostPub),
		Dir:            dir,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func TestSSHRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	b, _ := newTestSSH(t, dir)

	payload := []byte(`{"user_id":"7","messages":[]}`)
	require.NoError(t, b.Write(ctx, "7", payload))

	got, err := b.Read(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	keys, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, keys)

	require.NoError(t, b.Delete(ctx, "7"))
	_, err = b.Read(ctx, "7")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSSHReadMissing(t *testing.T) {
	b, _ := newTestSSH(t, filepath.Join(t.TempDir(), "data"))
	_, err := b.Read(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSSHWriteLeavesNoTemp(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	b, _ := newTestSSH(t, dir)

	require.NoError(t, b.Write(ctx, "7", bytes.Repeat([]byte("x"), 64<<10)))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSSHQuotedDataDir(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data dir with 'quotes'")
	b, _ := newTestSSH(t, dir)

	require.NoError(t, b.Write(ctx, "7", []byte("hola")))
	got, err := b.Read(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "hola", string(got))
}

func TestSSHReconnectsAfterConnDrop(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	b, srv := newTestSSH(t, dir)

	require.NoError(t, b.Write(ctx, "7", []byte("before")))
	srv.closeConns()

	got, err := b.Read(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "before", string(got))
}

func TestSSHServerDown(t *testing.T) {
	ctx := context.Background()
	b, srv := newTestSSH(t, filepath.Join(t.TempDir(), "data"))
	srv.Close()

	_, err := b.Read(ctx, "7")
	assert.ErrorIs(t, err, ErrUnavailable)

	err = b.Write(ctx, "7", []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSSHAuthRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("exec harness needs a POSIX shell")
	}
	authorized := genKey(t)
	srv, hostPub := startSSHServer(t, authorized.PublicKey())
	host, port := splitAddr(t, srv.addr)

	// Connect with a key the server does not know.
	_, err := NewSSH(context.Background(), SSHConfig{
		Host:           host,
		Port:           port,
		User:           "tester",
		Signer:         genKey(t),
		KnownHostsFile: writeKnownHosts(t, srv.addr, hostPub),
		Dir:            t.TempDir(),
	}, testLogger())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSSHHostKeyMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("exec harness needs a POSIX shell")
	}
	signer := genKey(t)
	srv, _ := startSSHServer(t, signer.PublicKey())
	host, port := splitAddr(t, srv.addr)

	// known_hosts pins a different host key than the server presents.
	_, err := NewSSH(context.Background(), SSHConfig{
		Host:           host,
		Port:           port,
		User:           "tester",
		Signer:         signer,
		KnownHostsFile: writeKnownHosts(t, srv.addr, genKey(t).PublicKey()),
		Dir:            t.TempDir(),
	}, testLogger())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestLoadPrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("plain", func(t *testing.T) {
		block, err := ssh.MarshalPrivateKey(priv, "")
		require.NoError(t, err)
		file := filepath.Join(t.TempDir(), "id_ed25519")
		require.NoError(t, os.WriteFile(file, pem.EncodeToMemory(block), 0600))

		signer, err := LoadPrivateKey(file, "")
		require.NoError(t, err)
		assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
	})

	t.Run("encrypted", func(t *testing.T) {
		block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
		require.NoError(t, err)
		file := filepath.Join(t.TempDir(), "id_ed25519")
		require.NoError(t, os.WriteFile(file, pem.EncodeToMemory(block), 0600))

		_, err = LoadPrivateKey(file, "")
		var missing *ssh.PassphraseMissingError
		assert.ErrorAs(t, err, &missing)

		signer, err := LoadPrivateKey(file, "hunter2")
		require.NoError(t, err)
		assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPrivateKey(filepath.Join(t.TempDir(), "absent"), "")
		assert.Error(t, err)
	})
}
