package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	cerrors "connecto/errors"
	"connecto/logger"
)

// ServerEventType identifies a handshake server lifecycle event.
type ServerEventType string

const (
	ServerStarted         ServerEventType = "started"
	ServerClientConnected ServerEventType = "client_connected"
	ServerPairingRequest  ServerEventType = "pairing_request"
	ServerKeyReceived     ServerEventType = "key_received"
	ServerPairingComplete ServerEventType = "pairing_complete"
	ServerError           ServerEventType = "error"
)

// ServerEvent is a side-channel notification for the UI. Only the fields
// relevant to Type are set.
type ServerEvent struct {
	Type             ServerEventType
	Addr             string
	DeviceName       string
	VerificationCode string
	Comment          string
	Message          string
}

// KeyAcceptedMessage is the text sent in KeyAccepted.
const KeyAcceptedMessage = "Key added to authorized_keys"

// ServerOptions configures a HandshakeServer.
type ServerOptions struct {
	DeviceName          string
	RequireVerification bool
	AuthorizedKeys      AuthorizedKeys
	SSHUser             string
	IOTimeout           time.Duration
	Logger              logger.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.SSHUser == "" {
		o.SSHUser = CurrentSSHUser()
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Noop()
	}
	return o
}

func (o ServerOptions) validate() error {
	if o.DeviceName == "" {
		return errors.New("device name is required")
	}
	if o.AuthorizedKeys == nil {
		return errors.New("authorized keys store is required")
	}
	return nil
}

// HandshakeServer accepts one-way pairing requests and installs client keys.
type HandshakeServer struct {
	listener net.Listener
	options  ServerOptions

	closed    chan struct{}
	closeOnce sync.Once
}

// Listen binds 0.0.0.0:port. Port 0 requests an OS-assigned port.
func Listen(port int, options ServerOptions) (*HandshakeServer, error) {
	return ListenAddr(net.JoinHostPort("0.0.0.0", strconv.Itoa(port)), options)
}

// ListenAddr binds the given TCP address.
func ListenAddr(address string, options ServerOptions) (*HandshakeServer, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfig, "Invalid handshake server options")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, cerrors.WrapWithCode(err, cerrors.ErrNetwork,
			fmt.Sprintf("Failed to listen on %s", address),
			"Another process may be using the port; try --port")
	}

	return &HandshakeServer{
		listener: listener,
		options:  opts,
		closed:   make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *HandshakeServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *HandshakeServer) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting connections. In-flight handlers run to completion.
func (s *HandshakeServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
	})
	return closeErr
}

// Run accepts connections until ctx is cancelled or the server is closed,
// handling each on its own goroutine. A failed pairing is reported on events
// and never stops the loop. Run returns nil on cancellation and an error only
// if the listener fails.
func (s *HandshakeServer) Run(ctx context.Context, events chan<- ServerEvent) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	emit(ctx, events, ServerEvent{Type: ServerStarted, Addr: s.Addr().String()})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return cerrors.Wrap(err, cerrors.ErrNetwork, "Listener failed")
		}

		s.options.Logger.Debug("client connected from %s", conn.RemoteAddr())
		emit(ctx, events, ServerEvent{Type: ServerClientConnected, Addr: conn.RemoteAddr().String()})

		go func() {
			if err := s.handleConn(ctx, conn, events); err != nil {
				s.reportError(ctx, events, conn.RemoteAddr(), err)
			}
		}()
	}
}

// HandleOne accepts exactly one connection and handles it to completion.
func (s *HandshakeServer) HandleOne(ctx context.Context, events chan<- ServerEvent) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	emit(ctx, events, ServerEvent{Type: ServerStarted, Addr: s.Addr().String()})

	conn, err := s.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cerrors.Wrap(err, cerrors.ErrNetwork, "Failed to accept connection")
	}

	emit(ctx, events, ServerEvent{Type: ServerClientConnected, Addr: conn.RemoteAddr().String()})

	if err := s.handleConn(ctx, conn, events); err != nil {
		s.reportError(ctx, events, conn.RemoteAddr(), err)
		return err
	}
	return nil
}

func (s *HandshakeServer) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *HandshakeServer) reportError(ctx context.Context, events chan<- ServerEvent, addr net.Addr, err error) {
	message := errorMessage(err)
	s.options.Logger.Warn("pairing with %s failed: %s", addr, message)
	emit(ctx, events, ServerEvent{Type: ServerError, Addr: addr.String(), Message: message})
}

func (s *HandshakeServer) handleConn(ctx context.Context, conn net.Conn, events chan<- ServerEvent) error {
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c := NewConn(conn, s.options.IOTimeout)
	addr := conn.RemoteAddr().String()

	msg, err := c.ReadMessage()
	if err != nil {
		return readError(err, "Hello")
	}
	hello, ok := msg.(Hello)
	if !ok {
		_ = c.WriteMessage(NewErrorMessage(CodeExpectedHello, "Expected Hello message"))
		return cerrors.Newf(cerrors.ErrProtocol, "Expected Hello, got %s", msg.MessageType())
	}
	if hello.Version != ProtocolVersion {
		mismatch := versionMismatchMessage(hello.Version)
		_ = c.WriteMessage(mismatch)
		return cerrors.New(cerrors.ErrProtocol, mismatch.Message, "")
	}

	var code string
	if s.options.RequireVerification {
		code, err = GenerateVerificationCode()
		if err != nil {
			return cerrors.Wrap(err, cerrors.ErrHandshake, "Failed to generate verification code")
		}
	}

	emit(ctx, events, ServerEvent{
		Type:             ServerPairingRequest,
		Addr:             addr,
		DeviceName:       hello.DeviceName,
		VerificationCode: code,
	})

	if err := c.WriteMessage(NewHelloAck(s.options.DeviceName, code)); err != nil {
		return writeError(err, TypeHelloAck)
	}

	msg, err = c.ReadMessage()
	if err != nil {
		return readError(err, "KeyExchange")
	}
	exchange, ok := msg.(KeyExchange)
	if !ok {
		_ = c.WriteMessage(NewErrorMessage(CodeExpectedKey, "Expected KeyExchange message"))
		return cerrors.Newf(cerrors.ErrProtocol, "Expected KeyExchange, got %s", msg.MessageType())
	}

	s.options.Logger.Debug("received public key with comment %q", exchange.Comment)
	emit(ctx, events, ServerEvent{Type: ServerKeyReceived, Addr: addr, Comment: exchange.Comment})

	if err := s.options.AuthorizedKeys.Add(exchange.PublicKey); err != nil {
		_ = c.WriteMessage(NewErrorMessage(CodeKeyRejected, "Failed to add key to authorized_keys"))
		return cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to add key to authorized_keys")
	}

	if err := c.WriteMessage(KeyAccepted{Type: TypeKeyAccepted, Message: KeyAcceptedMessage}); err != nil {
		return writeError(err, TypeKeyAccepted)
	}
	if err := c.WriteMessage(PairingComplete{Type: TypePairingComplete, SSHUser: s.options.SSHUser}); err != nil {
		return writeError(err, TypePairingComplete)
	}

	s.options.Logger.Info("paired with %s (%s)", hello.DeviceName, addr)
	emit(ctx, events, ServerEvent{Type: ServerPairingComplete, Addr: addr, DeviceName: hello.DeviceName})
	return nil
}

// emit delivers ev unless events is nil or ctx is done.
func emit[T any](ctx context.Context, events chan<- T, ev T) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// readError maps a ReadMessage failure to a structured error.
func readError(err error, expecting string) error {
	switch {
	case isTimeout(err):
		return cerrors.Wrap(err, cerrors.ErrTimeout, fmt.Sprintf("Timed out waiting for %s", expecting))
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrInvalidMessageType), errors.Is(err, ErrLineTooLong):
		return cerrors.Wrap(err, cerrors.ErrProtocol, fmt.Sprintf("Invalid message while waiting for %s", expecting))
	default:
		return cerrors.Wrap(err, cerrors.ErrNetwork, fmt.Sprintf("Connection failed while waiting for %s", expecting))
	}
}

func writeError(err error, msgType string) error {
	if isTimeout(err) {
		return cerrors.Wrap(err, cerrors.ErrTimeout, fmt.Sprintf("Timed out sending %s", msgType))
	}
	return cerrors.Wrap(err, cerrors.ErrNetwork, fmt.Sprintf("Failed to send %s", msgType))
}
