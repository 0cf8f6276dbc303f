package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/installerkit/installerkit/pkg/agent"
)

// Agent capability keys read by SSHClient.
const (
	CapSSHHost = "ssh.host"
	CapSSHPort = "ssh.port"
	CapSSHUser = "ssh.user"
)

// SSHConfig configures remote execution over SSH.
type SSHConfig struct {
	User                  string        `mapstructure:"user"`
	KeyFile               string        `mapstructure:"keyFile"`
	KnownHostsFile        string        `mapstructure:"knownHostsFile"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecureIgnoreHostKey"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

// SSHClient runs commands on agents that advertise transport=ssh.
type SSHClient struct {
	cfg     SSHConfig
	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback
	logger  *slog.Logger
}

// NewSSHClient loads the private key and known hosts named by cfg.
func NewSSHClient(cfg SSHConfig, logger *slog.Logger) (*SSHClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &SSHClient{cfg: cfg, logger: logger}

	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		c.auth = append(c.auth, ssh.PublicKeys(signer))
	}

	switch {
	case cfg.InsecureIgnoreHostKey:
		logger.Warn("ssh host key verification disabled")
		c.hostKey = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		c.hostKey = cb
	default:
		return nil, errors.New("ssh: either knownHostsFile or insecureIgnoreHostKey must be set")
	}
	return c, nil
}

// Claims implements RemoteClient.
func (c *SSHClient) Claims(h *agent.Handle) bool {
	transport, _ := h.Capability(agent.CapTransport)
	host, _ := h.Capability(CapSSHHost)
	return strings.EqualFold(transport, "ssh") && host != ""
}

// Run implements RemoteClient.
func (c *SSHClient) Run(ctx context.Context, h *agent.Handle, cmd Command) (Result, error) {
	host, _ := h.Capability(CapSSHHost)
	port, ok := h.Capability(CapSSHPort)
	if !ok || port == "" {
		port = "22"
	}
	user, ok := h.Capability(CapSSHUser)
	if !ok || user == "" {
		user = c.cfg.User
	}
	addr := net.JoinHostPort(host, port)

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            c.auth,
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.Timeout,
	})
	if err != nil {
		conn.Close()
		return Result{}, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = client.Close()
		case <-done:
		}
	}()

	line := RemoteCommandLine(cmd)
	c.logger.Debug("running remote tool", "agent", h.Name(), "host", addr, "tool", cmd.Name)
	err = session.Run(line)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	default:
		return res, fmt.Errorf("run %s on %s: %w", cmd.Name, h.Name(), err)
	}
}

// RemoteCommandLine renders cmd as a POSIX shell command line.
func RemoteCommandLine(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(cmd.Dir))
		b.WriteString(" && ")
	}
	if len(cmd.Env) > 0 {
		b.WriteString("env")
		for _, kv := range cmd.Env {
			b.WriteByte(' ')
			b.WriteString(shellQuote(kv))
		}
		b.WriteByte(' ')
	}
	b.WriteString(shellQuote(cmd.Name))
	for _, a := range cmd.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
