package ssh

// session.go implements the 'Session' type: one authenticated connection to a
// remote host, over which commands can be executed and their output captured.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultUser is the login user assumed when none is configured. It matches
	// the stock user on Amazon Linux images.
	DefaultUser = "ec2-user"

	// DefaultPort is the standard SSH TCP port.
	DefaultPort uint16 = 22

	dialTimeout = 3 * time.Second

	// Fresh instances commonly accept TCP a beat after their addressing is
	// reported, so the initial dial gets a small fixed retry budget.
	dialAttempts  = 4
	dialRetryWait = 1 * time.Second
)

var (
	ErrConnection      = fmt.Errorf("failed to establish TCP connection to SSH port")
	ErrAuthentication  = fmt.Errorf("failed SSH handshake or authentication")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
	ErrSessionInit     = fmt.Errorf("failed to begin SSH session")
	ErrCmdExec         = fmt.Errorf("failed to execute SSH command")
	ErrCmdWait         = fmt.Errorf("SSH command did not exit cleanly")
	ErrStdinWrite      = fmt.Errorf("failed to write command to stdin")
	ErrStdStreamClose  = fmt.Errorf("encountered error closing standard stream")
)

// Session is an authenticated SSH connection to a single remote host.
//
// A Session is safe to hand to exactly one goroutine at a time and must be
// released with 'Close' when no longer needed.
type Session struct {
	client *ssh.Client
	addr   string
}

// Connect establishes an authenticated SSH connection to 'host' on TCP port
// 'port'.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'port' is
// 0, a default value of '22' is used.
//
// 'signer' is used for public key authentication when connecting to 'host'.
//
// Any values provided to 'hostKeys' will be used to compare against the host
// key offered by 'host' when a connection is attempted. If no 'hostKeys' value
// is provided, all host keys will be accepted - the hosts this package targets
// are freshly launched, so their keys cannot be known in advance.
//
// The initial TCP dial is retried 'dialAttempts' times before giving up with
// 'ErrConnection'. Handshake and authentication failures are not retried and
// return 'ErrAuthentication'.
func Connect(host string, port uint16, user string, signer ssh.Signer, hostKeys ...ssh.PublicKey) (*Session, error) {
	if port == 0 {
		port = DefaultPort
	}
	if user == "" {
		user = DefaultUser
	}
	target, err := joinHostPort(host, port)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	for attempt := 1; ; attempt++ {
		conn, err = net.DialTimeout("tcp", target, dialTimeout)
		if err == nil {
			break
		}
		if attempt >= dialAttempts {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, target, err)
		}
		time.Sleep(dialRetryWait)
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			// No 'hostKeys' means accept anything, same as
			// 'ssh.InsecureIgnoreHostKey'.
			if len(hostKeys) == 0 {
				return nil
			}
			for _, hostKey := range hostKeys {
				if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
					return nil
				}
			}
			return ErrHostKeyInvalid
		},
		Timeout: dialTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrAuthentication, target, err)
	}
	return &Session{
		client: ssh.NewClient(sshConn, chans, reqs),
		addr:   target,
	}, nil
}

// Addr returns the remote 'host:port' this session is connected to.
func (s *Session) Addr() string {
	return s.addr
}

// Close releases the underlying SSH connection. Closing a zero Session is a
// no-op.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Cmd executes a single command on the remote host, returning its combined
// standard out/err output.
func (s *Session) Cmd(cmd string) (string, error) {
	if s.client == nil {
		return "", ErrSessionInit
	}
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()
	// Capture both standard streams into one buffer.
	out := new(bytes.Buffer)
	session.Stdout = out
	session.Stderr = out
	if err := session.Run(cmd); err != nil {
		return out.String(), fmt.Errorf("%w: %q: %w", ErrCmdExec, cmd, err)
	}
	return out.String(), nil
}

// CmdIn executes all provided commands within the provided 'shell' on the
// remote host, returning the combined standard out/err output.
func (s *Session) CmdIn(shell Shell, cmds ...string) (string, error) {
	if s.client == nil {
		return "", ErrSessionInit
	}
	cmd := "/usr/bin/env " + shell
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()
	// We use 'io.Pipe' here to ensure the 'session' reads match 1:1 with our
	// stdin writes (sequenced commands).
	stdinr, stdinw := io.Pipe()
	defer stdinr.Close()
	defer stdinw.Close()
	session.Stdin = stdinr
	out := new(bytes.Buffer)
	session.Stdout = out
	session.Stderr = out
	// Begin the shell, then pass the input 'cmds' via stdin.
	if err = session.Start(cmd); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCmdExec, err)
	}
	for _, cmd := range cmds {
		if _, err := stdinw.Write([]byte(cmd + "\n")); err != nil {
			return out.String(), fmt.Errorf("%w: %w", ErrStdinWrite, err)
		}
	}
	// Signal an EOF to the remote shell. Safe to call multiple times.
	if err = stdinw.Close(); err != nil {
		return out.String(), fmt.Errorf("%w: %w", ErrStdStreamClose, err)
	}
	// Wait for the shell to send an 'exit-status' request.
	if err = session.Wait(); err != nil {
		return out.String(), fmt.Errorf("%w: %w", ErrCmdWait, err)
	}
	return out.String(), nil
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved, then joinHostPort
// will recurse using the first of the resolved addresses.
func joinHostPort(host string, port uint16) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if addr := net.ParseIP(host); addr == nil {
		// Is it a hostname?
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		return joinHostPort(addrs[0], port)
	} else if ipv4 := addr.To4(); ipv4 != nil {
		return fmt.Sprintf("%s:%d", ipv4.String(), port), nil
	} else if ipv6 := addr.To16(); ipv6 != nil {
		return fmt.Sprintf("[%s]:%d", ipv6.String(), port), nil
	} else {
		panic("impossible")
	}
}
