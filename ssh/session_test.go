package ssh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/burstcompute/burst/internal/sshtest"
)

const (
	// The target for our SSH client test functions.
	//
	// The mock server only takes a port and listens on all interfaces, so the
	// client side dials loopback.
	mockListenHost = "127.0.0.1"
)

// testIdentity generates a fresh keypair and returns both SSH-shaped halves.
func testIdentity(t *testing.T) (ssh.Signer, ssh.PublicKey) {
	t.Helper()
	keys, err := NewED25519KeyPair()
	require.NoError(t, err)
	signer, err := keys.Private.ToSSH()
	require.NoError(t, err)
	pubKey, err := keys.Public.ToSSH()
	require.NoError(t, err)
	return signer, pubKey
}

// startMockServer brings up an in-process SSH server on 'port' that accepts
// the returned user key, and registers its shutdown with the test.
func startMockServer(t *testing.T, port uint16) (ssh.Signer, ssh.PublicKey, sshtest.ReqChannel, sshtest.MsgChannel) {
	t.Helper()
	userSigner, userPubKey := testIdentity(t)
	serverSigner, serverPubKey := testIdentity(t)
	server, err := sshtest.NewServer(
		t,
		port,
		serverSigner,
		sshtest.PublicKeyCallback(t, userPubKey),
	)
	require.NoError(t, err)
	reqs, msgs, err := server.ListenAndServe(t, t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, server.Shutdown(ctx))
	})
	return userSigner, serverPubKey, reqs, msgs
}

func TestSessionLifecycle(t *testing.T) {
	const port uint16 = 2222
	userSigner, serverPubKey, reqs, msgs := startMockServer(t, port)

	sess, err := Connect(mockListenHost, port, "hellope", userSigner, serverPubKey)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", sess.Addr())

	// A single command. The mock produces no stdout, so only the relayed
	// request is inspected.
	const cmd = "echo 'Hello, world!'"
	_, err = sess.Cmd(cmd)
	require.NoError(t, err)
	req := <-reqs
	require.Equal(t, "exec", req.Type)
	require.Equal(t, cmd, string(req.Payload))

	// Sequenced commands within a shell arrive as one 'exec' of the shell
	// followed by the commands over stdin, in order.
	const cmd1 = "uname -r"
	const cmd2 = "cat /etc/os-release"
	_, err = sess.CmdIn(ShellBash, cmd1, cmd2)
	require.NoError(t, err)
	req = <-reqs
	require.Equal(t, "exec", req.Type)
	require.Equal(t, "/usr/bin/env bash", string(req.Payload))
	require.Equal(t, cmd1, <-msgs)
	require.Equal(t, cmd2, <-msgs)

	require.NoError(t, sess.Close())
}

func TestConnectUnauthorizedKey(t *testing.T) {
	const port uint16 = 2223
	_, serverPubKey, _, _ := startMockServer(t, port)

	// A signer the server was never told about.
	strangerSigner, _ := testIdentity(t)
	sess, err := Connect(mockListenHost, port, "hellope", strangerSigner, serverPubKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Nil(t, sess)
}

func TestConnectHostKeyMismatch(t *testing.T) {
	const port uint16 = 2224
	userSigner, _, _, _ := startMockServer(t, port)

	// Pin a host key the server does not hold. The handshake is aborted by
	// our host key callback.
	_, wrongHostKey := testIdentity(t)
	sess, err := Connect(mockListenHost, port, "hellope", userSigner, wrongHostKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Nil(t, sess)
}

func TestConnectRefused(t *testing.T) {
	// Grab a free port, then close the listener so nothing answers.
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, listener.Close())

	signer, _ := testIdentity(t)
	sess, err := Connect(mockListenHost, port, "hellope", signer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Nil(t, sess)
}

func TestZeroSession(t *testing.T) {
	var sess Session
	require.NoError(t, sess.Close())
	_, err := sess.Cmd("true")
	assert.ErrorIs(t, err, ErrSessionInit)
	_, err = sess.CmdIn(ShellSh, "true")
	assert.ErrorIs(t, err, ErrSessionInit)
}

func TestJoinHostPort(t *testing.T) {
	// invalid ip4 address
	s, err := joinHostPort("192.168.255.", 33)
	assert.Error(t, err)
	assert.Equal(t, "", s)
	// invalid ipv6 address
	s, err = joinHostPort("2001:db8:3333:4444:5555:6666:7777", 33)
	assert.Error(t, err)
	assert.Equal(t, "", s)
	// valid ipv4 address
	s, err = joinHostPort("192.168.255.50", 33)
	assert.NoError(t, err)
	assert.Equal(t, "192.168.255.50:33", s)
	// valid ipv6 address
	s, err = joinHostPort("2001:db8:3333:4444:5555:6666:7777:8888", 33)
	assert.NoError(t, err)
	assert.Equal(t, "[2001:db8:3333:4444:5555:6666:7777:8888]:33", s)
	// valid hostname
	s, err = joinHostPort("localhost", 33)
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:33", s)
}
