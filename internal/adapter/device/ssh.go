package device

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

const defaultSSHPort = 22

// SSHSession runs CLI commands over SSH. The client connection is dialed
// lazily and redialed after a transport failure.
type SSHSession struct {
	addr    string
	cfg     *ssh.ClientConfig
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHSession builds a session from a device binding. Host keys are checked
// against known_hosts unless InsecureHostKey is set.
func NewSSHSession(dc config.DeviceConfig) (*SSHSession, error) {
	const op = "device.NewSSHSession"

	var auth []ssh.AuthMethod
	if dc.PrivateKeyPath != "" {
		pem, err := os.ReadFile(dc.PrivateKeyPath)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, domain.WrapOp(op, fmt.Errorf("parse private key: %w", err))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if dc.Password != "" {
		auth = append(auth, ssh.Password(dc.Password))
	}
	if len(auth) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("device %s has no password or private key", dc.Name))
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case dc.InsecureHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		path := dc.KnownHostsPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, domain.WrapOp(op, err)
			}
			path = home + "/.ssh/known_hosts"
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, domain.WrapOp(op, fmt.Errorf("known_hosts: %w", err))
		}
		hostKey = cb
	}

	timeout := dc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	port := dc.Port
	if port == 0 {
		port = defaultSSHPort
	}

	return &SSHSession{
		addr: net.JoinHostPort(dc.Address, strconv.Itoa(port)),
		cfg: &ssh.ClientConfig{
			User:            dc.Username,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
		timeout: timeout,
	}, nil
}

func (s *SSHSession) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, domain.NewDomainError("SSHSession.connect", domain.ErrUnreachable, err.Error())
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.cfg)
	if err != nil {
		conn.Close()
		return nil, domain.NewDomainError("SSHSession.connect", domain.ErrUnreachable, err.Error())
	}
	s.client = ssh.NewClient(c, chans, reqs)
	return s.client, nil
}

func (s *SSHSession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// run opens a channel, hands it to fn and aborts the channel when ctx ends.
func (s *SSHSession) run(ctx context.Context, fn func(*ssh.Session) (string, error)) (string, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	sess, err := client.NewSession()
	if err != nil {
		s.reset()
		return "", domain.NewDomainError("SSHSession.run", domain.ErrUnreachable, err.Error())
	}
	defer sess.Close()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(sess)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		sess.Close()
		s.reset()
		return "", domain.AsTimeout("SSHSession.run", ctx.Err(), domain.ErrUnreachable)
	}
}

// Exec runs one command on a fresh exec channel.
func (s *SSHSession) Exec(ctx context.Context, command string) (string, error) {
	return s.run(ctx, func(sess *ssh.Session) (string, error) {
		out, err := sess.CombinedOutput(command)
		if err != nil {
			// IOS exits non-zero on "% Invalid input"; the text is still the answer.
			if _, ok := err.(*ssh.ExitError); ok {
				return string(out), nil
			}
			return "", err
		}
		return string(out), nil
	})
}

// Configure sends lines through an interactive shell between
// "configure terminal" and "end".
func (s *SSHSession) Configure(ctx context.Context, lines []string) (string, error) {
	return s.run(ctx, func(sess *ssh.Session) (string, error) {
		var out bytes.Buffer
		sess.Stdout = &out
		sess.Stderr = &out

		script := "terminal length 0\nconfigure terminal\n" + strings.Join(lines, "\n") + "\nend\nexit\n"
		sess.Stdin = strings.NewReader(script)

		if err := sess.RequestPty("vt100", 0, 200, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
			return "", err
		}
		if err := sess.Shell(); err != nil {
			return "", err
		}
		if err := sess.Wait(); err != nil {
			if _, ok := err.(*ssh.ExitError); !ok {
				if _, missing := err.(*ssh.ExitMissingError); !missing {
					return "", err
				}
			}
		}
		return out.String(), nil
	})
}

// Close tears down the client connection.
func (s *SSHSession) Close() error {
	s.reset()
	return nil
}

var _ Session = (*SSHSession)(nil)
