// sshtest provides a minimal in-process SSH server for exercising this
// module's SSH client code without a real remote host.
//
// The server accepts 'session' channels, ACKs 'exec' requests (always with
// exit status 0) and relays both the exec payloads and any raw stdin traffic
// back to the test over channels for inspection.
package sshtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type (
	// Server is an in-process SSH server.
	//
	// Server is constructed by 'NewServer', begins listening and serving
	// connections on a call to 'ListenAndServe' and is gracefully shut down by
	// 'Shutdown'.
	Server struct {
		// The SSH server configuration.
		//
		// These options may be modified _prior_ to calling 'ListenAndServe',
		// modifying after will have no effect.
		Config *ssh.ServerConfig

		// Holds the closure we'll use to shut down the Server.
		cancel context.CancelFunc

		// The TCP port to listen on.
		port uint16

		// 'Waiter' is a 'sync.WaitGroup'-like construct, save that it accepts a
		// 'context.Context' on its 'WaitContext' method, supporting deadlines.
		wait Waiter
	}

	// PubKeyCallback is the function called when the server receives an
	// authentication attempt via public key. Any non-nil error returned will
	// immediately abort the connection.
	PubKeyCallback func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)

	// ReqChannel produces all *ssh.Requests, which are out-of-band well-known
	// marshaled data structures which arrive from either a specific channel or
	// the ssh.SSHConn.
	ReqChannel <-chan *ssh.Request

	// MsgChannel produces all messages which arrive directly over the ssh
	// connection (think simple writes to stdin on the client's side).
	MsgChannel <-chan string
)

func NewServer(t *testing.T, port uint16, signer ssh.Signer, fn PubKeyCallback) (*Server, error) {
	if t == nil {
		return nil, fmt.Errorf("no *testing.T provided in call to NewServer")
	}
	require.NotNil(t, fn, "a non-nil public key callback is required")
	require.NotNil(t, signer, "a non-nil ssh.Signer is required")
	config := &ssh.ServerConfig{
		PublicKeyCallback: fn,
	}
	config.AddHostKey(signer)
	return &Server{
		Config: config,

		wait: NewWaiter(),
		port: port,
	}, nil
}

func (self *Server) ListenAndServe(t *testing.T, ctx context.Context) (ReqChannel, MsgChannel, error) {
	// Wrap the context with a cancellation.
	//
	// We'll use this 'context.CancelFunc' to shutdown the server in the
	// 'Shutdown' method.
	ctx, self.cancel = context.WithCancel(ctx)
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{
		Port: int(self.port),
	})
	require.NoError(t, err, "failed to listen on TCP/%d: %s", self.port, err)
	// Init the channels we'll send a copy of all SSH requests and messages into
	outReqChan := make(chan *ssh.Request, 64)
	outMsgChan := make(chan string, 64)
	self.wait.Add()
	go self.serve(t, ctx, listener, outReqChan, outMsgChan)
	return outReqChan, outMsgChan, nil
}

func (self *Server) serve(
	t *testing.T,
	ctx context.Context,
	listener *net.TCPListener,
	outReqChan chan<- *ssh.Request,
	outMsgChan chan<- string,
) {
	defer self.wait.Done()
	for {
		select {
		case <-ctx.Done():
			close(outReqChan)
			close(outMsgChan)
			require.NoError(t, listener.Close())
			return
		default:
			// Don't block forever.
			listener.SetDeadline(time.Now().Add(100 * time.Millisecond))
			conn, err := listener.AcceptTCP()
			if err != nil {
				var operr *net.OpError
				if errors.As(err, &operr) && operr.Timeout() {
					continue
				}
			}
			require.NoError(t, err)
			self.wait.Add()
			go self.handleTCPConn(t, ctx, conn, outReqChan, outMsgChan)
		}
	}
}

// handleTCPConn attempts an SSH handshake over the provided '*net.TCPConn'.
//
// If successful it will continuously drain the inbound channel requests
// channel, accepting 'session' channel requests and spawning a channel handler
// in a separate Goroutine.
//
// Handshake failures (including rejected public keys) are NOT test failures -
// clients deliberately presenting bad credentials are part of what this
// server is for.
func (self *Server) handleTCPConn(
	t *testing.T,
	ctx context.Context,
	conn *net.TCPConn,
	outReqChan chan<- *ssh.Request,
	outMsgChan chan<- string,
) {
	defer self.wait.Done()
	sshConn, inChanReqChan, inReqChan, err := ssh.NewServerConn(
		conn,
		self.Config,
	)
	if err != nil {
		log.Debug("SSH handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	defer sshConn.Close()
	// Discard everything from the connection-level request chan, ACKing
	// requests which ask for a reply.
	go func() {
		ssh.DiscardRequests(inReqChan)
	}()
	// Field all new channel requests.
	for {
		select {
		case <-ctx.Done():
			return
		case newChannelRequest := <-inChanReqChan:
			if newChannelRequest == nil {
				// The client hung up.
				return
			}
			// Reject non-session channels
			if newChannelRequest.ChannelType() != "session" {
				newChannelRequest.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			channel, inReqChan, err := newChannelRequest.Accept()
			require.NoError(t, err)
			// Continuously read from 'channel', relaying messages read back over
			// a channel.
			inMsgChan := asyncRead(t, channel)
			self.wait.Add()
			go self.handleChannel(t, ctx, channel, inMsgChan, inReqChan, outReqChan, outMsgChan)
		}
	}
}

// handleChannel processes all in-band and out-of-band messages delivered over
// its 'ssh.Channel'.
//
// INBOUND REQUESTS from 'inReqChan' of type 'exec' are ACKed, lightly processed
// and delivered back over 'outReqChan' for the caller of this package to
// inspect.
//
// INBOUND MESSAGES from 'inMsgChan' are lightly processed and delivered back
// over 'outMsgChan' for the caller of this package to inspect.
//
// This function exits when either the 'context.Context' is marked done, or
// the 'inMsgChan' is closed, whichever comes first. On exit, the SSH channel
// is closed. See 'asyncRead' for more details on 'inMsgChan' closure.
func (self *Server) handleChannel(
	t *testing.T,
	ctx context.Context,
	channel ssh.Channel,
	inMsgChan <-chan string,
	inReqChan <-chan *ssh.Request,
	outReqChan chan<- *ssh.Request,
	outMsgChan chan<- string,
) {
	defer func() {
		self.wait.Done()
		_ = channel.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case channelRequest := <-inReqChan:
			if channelRequest == nil {
				return
			}
			self.handleRequest(t, channel, channelRequest, outReqChan)
		case channelMessage, more := <-inMsgChan:
			// channelMessage is raw data from our client that isn't a well-known
			// 'Request', e.g. stdin destined for a running process.
			//
			// For convenience sake on the receiver's side, we send each line
			// individually.
			channelMessage = strings.TrimSpace(channelMessage)
			for line := range strings.SplitSeq(channelMessage, "\n") {
				// Each line may be prefixed with some control codes, trim those.
				line = strings.TrimFunc(line, func(r rune) bool {
					return r < 0x20
				})
				if line == "" {
					continue
				}
				outMsgChan <- line
			}
			// When the 'asyncRead' Goroutine closes this channel ('io.EOF'
			// received), the client has signalled a disconnect and we're all done.
			//
			// A client with no stdin signals EOF right behind its 'exec'
			// request, so drain any requests already queued before exiting.
			if !more {
				for {
					select {
					case channelRequest := <-inReqChan:
						if channelRequest == nil {
							return
						}
						self.handleRequest(t, channel, channelRequest, outReqChan)
					default:
						return
					}
				}
			}
		}
	}
}

// handleRequest ACKs a single channel request. 'exec' requests additionally
// receive an 'exit-status' response and are relayed (payload trimmed of
// leading control characters) for the test to inspect.
func (self *Server) handleRequest(
	t *testing.T,
	channel ssh.Channel,
	channelRequest *ssh.Request,
	outReqChan chan<- *ssh.Request,
) {
	// An '*ssh.Request' is a message of a well-known structure sent _in_ the
	// established channel. For example, 'exec' is the request message type
	// which executes a program.
	switch channelRequest.Type {
	case "exec":
		log.Debug("received an 'exec' channel request")
		// If the request wants a reply, it _must_ be replied to.
		if channelRequest.WantReply {
			err := channelRequest.Reply(true, nil)
			require.NoError(t, err)
		}
		// All SSH 'exec' commands expect an 'exit-status' response where the
		// last 8-bits carry the command's exit code.
		_, err := channel.SendRequest("exit-status", false, marshalExitStatus(0))
		require.NoError(t, err)
		// For convenience sake, remove all leading control characters in the
		// payload.
		channelRequest.Payload = bytes.TrimLeftFunc(channelRequest.Payload, func(r rune) bool {
			return r < 0x20
		})
		outReqChan <- channelRequest
	default:
		log.Error("received an unimplemented channel request", "type", channelRequest.Type)
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'ListenAndServe' first",
)

// Shutdown calls the 'context.CancelFunc' and waits for all Goroutines to exit.
func (self *Server) Shutdown(ctx context.Context) error {
	if self.cancel == nil {
		return ErrServerNotStarted
	}
	self.cancel()
	return self.wait.WaitContext(ctx)
}
