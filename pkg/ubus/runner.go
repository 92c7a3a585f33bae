package ubus

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Runner executes a router command and returns its stdout
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// LocalRunner runs commands on this host
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// SSHConfig addresses a remote router. KnownHosts empty means the host key
// is not verified.
type SSHConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	User       string        `json:"user"`
	Password   string        `json:"password"`
	KeyFile    string        `json:"key_file"`
	KnownHosts string        `json:"known_hosts"`
	Timeout    time.Duration `json:"timeout"`
}

func DefaultSSHConfig() *SSHConfig {
	return &SSHConfig{Port: 22, User: "root", Timeout: 10 * time.Second}
}

// SSHRunner runs commands on a remote router over one shared connection,
// redialling after failures
type SSHRunner struct {
	config *SSHConfig
	logger *logx.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHRunner(config *SSHConfig, logger *logx.Logger) *SSHRunner {
	return &SSHRunner{config: config, logger: logger.With("host", config.Host)}
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if r.config.KeyFile != "" {
		key, err := os.ReadFile(r.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.config.Password != "" {
		auth = append(auth, ssh.Password(r.config.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh to %s: no password or key configured", r.config.Host)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if r.config.KnownHosts != "" {
		cb, err := knownhosts.New(r.config.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := r.config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            r.config.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	cfg, err := r.clientConfig()
	if err != nil {
		return nil, err
	}
	port := r.config.Port
	if port == 0 {
		port = 22
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(r.config.Host, strconv.Itoa(port)), cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", r.config.Host, err)
	}
	r.logger.Debug("ssh_connected")
	r.client = client
	return client, nil
}

func (r *SSHRunner) drop(client *ssh.Client) {
	r.mu.Lock()
	if r.client == client {
		r.client = nil
	}
	r.mu.Unlock()
	_ = client.Close()
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	client, err := r.connect()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(ShellCommand(name, args...))
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return res.out, fmt.Errorf("%s over ssh: %w", name, res.err)
		}
		return res.out, nil
	}
}

func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// ShellCommand renders name and args as a single POSIX shell command line
func ShellCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(name))
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
