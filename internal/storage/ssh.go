package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort    = 22
	defaultSSHTimeout = 10 * time.Second
)

// SSHConfig holds the connection settings for the remote backend.
type SSHConfig struct {
	Host           string
	Port           int        // 0 means 22
	User           string
	Signer         ssh.Signer // key auth, required
	KnownHostsFile string     // host key verification, required
	Dir            string     // remote data directory, created on connect
	DialTimeout    time.Duration
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(c.Host, fmt.Sprint(port))
}

// SSH stores records as files on a remote host, one short command per
// operation. Nothing outside this file builds remote command strings.
// The client connection is shared and multiplexed; when it breaks, the
// next operation redials once before giving up.
type SSH struct {
	cfg    SSHConfig
	ccfg   *ssh.ClientConfig
	logger *slog.Logger

	mu   sync.Mutex // guards conn; operations themselves run unlocked
	conn *ssh.Client
}

// NewSSH dials the remote host and ensures the data directory exists.
// Authentication problems surface here as ErrAuth so a misconfigured
// deployment fails fast instead of degrading silently.
func NewSSH(ctx context.Context, cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" || cfg.User == "" {
		return nil, errors.New("ssh storage: host and user are required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("ssh storage: private key signer is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("ssh storage: remote data dir is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultSSHTimeout
	}

	hostKeys, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	s := &SSH{
		cfg: cfg,
		ccfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
		logger: logger,
	}

	logger.Info("connecting to ssh storage", "host", cfg.Host, "user", cfg.User, "dir", cfg.Dir)
	conn, err := ssh.Dial("tcp", cfg.addr(), s.ccfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.addr(), classifySSHError(err))
	}
	s.conn = conn

	if _, err := s.run(ctx, "mkdir -p "+shellQuote(cfg.Dir), nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create remote data dir: %w", asUnavailable(err))
	}
	logger.Info("ssh storage ready", "host", cfg.Host, "dir", cfg.Dir)
	return s, nil
}

// Close shuts down the shared connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Read implements Backend. A nonzero remote exit means the file does
// not exist.
func (s *SSH) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, "cat "+shellQuote(s.remotePath(key)), nil)
	if err != nil {
		if isRemoteExit(err) {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return out, nil
}

// Write implements Backend. The payload lands in a temp file and is
// renamed into place, mirroring the local backend's atomicity.
func (s *SSH) Write(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	tmp := shellQuote(path.Join(s.cfg.Dir, tempFile(key)))
	final := shellQuote(s.remotePath(key))
	cmd := fmt.Sprintf("cat > %s && mv %s %s", tmp, tmp, final)
	if _, err := s.run(ctx, cmd, data); err != nil {
		return fmt.Errorf("write %s: %w", key, asUnavailable(err))
	}
	return nil
}

// List implements Backend.
func (s *SSH) List(ctx context.Context) ([]string, error) {
	dir := shellQuote(s.cfg.Dir)
	out, err := s.run(ctx, fmt.Sprintf("mkdir -p %s && ls -1 %s", dir, dir), nil)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", asUnavailable(err))
	}
	var keys []string
	for _, line := range strings.Split(string(out), "\n") {
		if key, ok := keyFromFile(strings.TrimSpace(line)); ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete implements Backend.
func (s *SSH) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.run(ctx, "rm "+shellQuote(s.remotePath(key)), nil); err != nil {
		if isRemoteExit(err) {
			return fmt.Errorf("delete %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SSH) remotePath(key string) string {
	return path.Join(s.cfg.Dir, recordFile(key))
}

// client returns the shared connection, redialing if the previous one
// broke. drop discards a connection the caller found dead.
func (s *SSH) client(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.Info("redialing ssh storage", "host", s.cfg.Host)
	conn, err := ssh.Dial("tcp", s.cfg.addr(), s.ccfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.addr(), classifySSHError(err))
	}
	s.conn = conn
	return conn, nil
}

func (s *SSH) drop(dead *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == dead && s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// run executes one remote command, feeding stdin when non-nil and
// returning stdout. Exit errors come back as-is (wrapped, matchable with
// errors.As); transport errors come back classified and the connection
// is dropped so the next call redials.
func (s *SSH) run(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	conn, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := conn.NewSession()
	if err != nil {
		// Connection is likely dead. Redial once and retry the open.
		s.drop(conn)
		if conn, err = s.client(ctx); err != nil {
			return nil, err
		}
		if sess, err = conn.NewSession(); err != nil {
			s.drop(conn)
			return nil, fmt.Errorf("%w: open session: %v", ErrUnavailable, err)
		}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}
	s.logger.Debug("ssh command finished", "cmd", commandVerb(cmd), "dur", time.Since(start), "err", err)

	if err == nil {
		return stdout.Bytes(), nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return nil, fmt.Errorf("remote command exited %d: %w: %s",
			exitErr.ExitStatus(), err, strings.TrimSpace(stderr.String()))
	}
	// No exit status: the transport failed mid-command.
	s.drop(conn)
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// commandVerb reduces a remote command line to its first word for logs,
// keeping payload paths out of debug output.
func commandVerb(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

// isRemoteExit reports whether the command ran remotely and exited
// nonzero, as opposed to never reaching the host.
func isRemoteExit(err error) bool {
	var exitErr *ssh.ExitError
	return errors.As(err, &exitErr)
}

// asUnavailable folds remote exit failures into ErrUnavailable while
// leaving already-classified errors alone. Used by operations where a
// nonzero exit has no semantic meaning (write, list).
func asUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrAuth) {
		return err
	}
	if isRemoteExit(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// classifySSHError maps dial/handshake failures onto the storage
// sentinels. Host key rejections and authentication failures are
// configuration problems, not outages.
func classifySSHError(err error) error {
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	msg := err.Error()
	switch {
	case errors.As(err, &keyErr), strings.Contains(msg, "knownhosts:"):
		return fmt.Errorf("%w: host key verification: %v", ErrAuth, err)
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// shellQuote wraps s in single quotes for the remote shell. Keys are
// already validated, but the data directory is operator-supplied and may
// contain anything.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// LoadPrivateKey parses an OpenSSH private key file. When the key is
// encrypted and pass is empty, the returned error matches
// *ssh.PassphraseMissingError so callers can prompt and retry.
func LoadPrivateKey(file, pass string) (ssh.Signer, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	if pass != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(pass))
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}
