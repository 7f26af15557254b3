// Package remote opens execution sessions on deploy hosts over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/caravelhq/caravel/interfaces"
	"github.com/caravelhq/caravel/models"
)

// SSHDialer connects with a private key identity. Host key verification uses
// a pinned key when configured; without one it is skipped.
type SSHDialer struct {
	user        string
	keyPath     string
	hostKey     ssh.PublicKey // optional pin
	dialTimeout time.Duration
}

func NewSSHDialer(user, keyPath string) *SSHDialer {
	return &SSHDialer{user: user, keyPath: keyPath, dialTimeout: 10 * time.Second}
}

// WithHostKey pins the expected host key.
func (d *SSHDialer) WithHostKey(key ssh.PublicKey) *SSHDialer {
	d.hostKey = key
	return d
}

func (d *SSHDialer) Connect(ctx context.Context, host string) (interfaces.Session, error) {
	keyBytes, err := os.ReadFile(d.keyPath)
	if err != nil {
		return nil, &models.RemoteConnectError{Host: host, Cause: fmt.Errorf("read key %q: %w", d.keyPath, err)}
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, &models.RemoteConnectError{Host: host, Cause: fmt.Errorf("parse key: %w", err)}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.hostKey != nil {
		hostKeyCallback = ssh.FixedHostKey(d.hostKey)
	}

	cfg := &ssh.ClientConfig{
		User:            d.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.dialTimeout,
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	conn, err := net.DialTimeout("tcp", addr, d.dialTimeout)
	if err != nil {
		return nil, &models.RemoteConnectError{Host: host, Cause: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &models.RemoteConnectError{Host: host, Cause: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// Run executes one command. A non-zero remote exit code is reported through
// the exit code, not err.
func (s *sshSession) Run(ctx context.Context, command string) (int, string, string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return 0, "", "", fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return 0, stdout.String(), stderr.String(), ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
		}
		return 0, stdout.String(), stderr.String(), err
	}
	return 0, stdout.String(), stderr.String(), nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
