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
	"connecto/keys"
	"connecto/logger"
	"connecto/models"
)

const (
	// DefaultSyncTimeout bounds how long a sync session waits for a peer.
	DefaultSyncTimeout = 60 * time.Second

	syncSuccessMessage = "Key exchange successful"
)

// SyncEventType identifies a sync lifecycle event.
type SyncEventType string

const (
	SyncStarted     SyncEventType = "started"
	SyncSearching   SyncEventType = "searching"
	SyncPeerFound   SyncEventType = "peer_found"
	SyncConnected   SyncEventType = "connected"
	SyncKeyReceived SyncEventType = "key_received"
	SyncKeyAccepted SyncEventType = "key_accepted"
	SyncCompleted   SyncEventType = "completed"
	SyncFailed      SyncEventType = "failed"
)

// SyncEvent is a side-channel notification for the UI.
type SyncEvent struct {
	Type       SyncEventType
	Addr       string
	DeviceName string
	KeyComment string
	PeerUser   string
	Message    string
}

// SyncResult describes the peer after a successful sync.
type SyncResult struct {
	PeerName    string
	PeerUser    string
	PeerAddress net.IP
	PeerPort    uint16
}

// Advertiser publishes this device's sync service while a session runs.
type Advertiser interface {
	Advertise(port int) error
	Stop() error
}

// PeerBrowser reports sync peers until ctx is done. Implementations must
// leave out this device's own advertisement.
type PeerBrowser interface {
	BrowsePeers(ctx context.Context) (<-chan models.DiscoveredDevice, error)
}

// SyncOptions configures a SyncHandler.
type SyncOptions struct {
	DeviceName     string
	KeyPair        keys.KeyPair
	AuthorizedKeys AuthorizedKeys
	SSHUser        string
	// Priority identifies this session; zero draws a random value.
	Priority    uint64
	Advertiser  Advertiser
	Browser     PeerBrowser
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Logger      logger.Logger
}

func (o SyncOptions) withDefaults() SyncOptions {
	if o.SSHUser == "" {
		o.SSHUser = CurrentSSHUser()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Noop()
	}
	return o
}

// SyncHandler runs the bidirectional key exchange in either role.
type SyncHandler struct {
	options SyncOptions
}

// NewSyncHandler validates options and fixes the session priority.
func NewSyncHandler(options SyncOptions) (*SyncHandler, error) {
	opts := options.withDefaults()
	if opts.DeviceName == "" {
		return nil, cerrors.New(cerrors.ErrConfig, "Device name is required for sync", "")
	}
	if opts.AuthorizedKeys == nil {
		return nil, cerrors.New(cerrors.ErrConfig, "Authorized keys store is required for sync", "")
	}
	if _, ok := keys.KeyData(opts.KeyPair.PublicKey); !ok {
		return nil, cerrors.New(cerrors.ErrKeyParsing, "Sync requires a valid public key", "")
	}
	if opts.Priority == 0 {
		priority, err := generatePriority()
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrSync, "Failed to start sync session")
		}
		opts.Priority = priority
	}
	return &SyncHandler{options: opts}, nil
}

// Priority returns the session priority sent in SyncHello.
func (h *SyncHandler) Priority() uint64 {
	return h.options.Priority
}

// Initiate dials address and runs the initiator side of the exchange.
func (h *SyncHandler) Initiate(ctx context.Context, address string, events chan<- SyncEvent) (SyncResult, error) {
	dialer := net.Dialer{Timeout: h.options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return SyncResult{}, cerrors.Wrap(err, cerrors.ErrNetwork, fmt.Sprintf("Failed to connect to %s", address))
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c := NewConn(conn, h.options.IOTimeout)

	hello := SyncHello{
		Type:              TypeSyncHello,
		Version:           ProtocolVersion,
		DeviceName:        h.options.DeviceName,
		InitiatorPriority: h.options.Priority,
		PublicKey:         h.options.KeyPair.PublicKey,
		KeyComment:        h.options.KeyPair.Comment,
		SSHUser:           h.options.SSHUser,
	}
	if err := c.WriteMessage(hello); err != nil {
		return SyncResult{}, writeError(err, TypeSyncHello)
	}

	msg, err := c.ReadMessage()
	if err != nil {
		return SyncResult{}, readError(err, "SyncHelloAck")
	}
	var ack SyncHelloAck
	switch m := msg.(type) {
	case SyncHelloAck:
		if m.Version != ProtocolVersion {
			return SyncResult{}, cerrors.Newf(cerrors.ErrProtocol,
				"Protocol version mismatch: expected %d, got %d", ProtocolVersion, m.Version)
		}
		if !m.AcceptSync {
			// A responder only declines when the hello carried its own name and priority.
			if m.DeviceName == h.options.DeviceName {
				return SyncResult{}, cerrors.New(cerrors.ErrSyncWithSelf, "Connected to ourselves", "")
			}
			return SyncResult{}, cerrors.New(cerrors.ErrSyncRejected, "Peer declined sync", "")
		}
		ack = m
	case ErrorMessage:
		return SyncResult{}, cerrors.New(cerrors.ErrSync, m.Message, "")
	default:
		return SyncResult{}, unexpected(msg, TypeSyncHelloAck)
	}

	emit(ctx, events, SyncEvent{Type: SyncConnected, Addr: address, DeviceName: ack.DeviceName})

	if err := h.options.AuthorizedKeys.Add(ack.PublicKey); err != nil {
		_ = c.WriteMessage(NewSyncComplete(false, "Failed to add key to authorized_keys"))
		return SyncResult{}, cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to add peer key")
	}
	emit(ctx, events, SyncEvent{Type: SyncKeyReceived, DeviceName: ack.DeviceName, KeyComment: ack.KeyComment})

	if err := c.WriteMessage(NewSyncComplete(true, syncSuccessMessage)); err != nil {
		return SyncResult{}, writeError(err, TypeSyncComplete)
	}

	if err := h.awaitPeerComplete(c); err != nil {
		return SyncResult{}, err
	}
	emit(ctx, events, SyncEvent{Type: SyncKeyAccepted, DeviceName: ack.DeviceName})

	result := resultFor(conn.RemoteAddr(), ack.DeviceName, ack.SSHUser)
	h.options.Logger.Info("synced with %s (%s@%s)", result.PeerName, result.PeerUser, result.PeerAddress)
	emit(ctx, events, SyncEvent{Type: SyncCompleted, DeviceName: ack.DeviceName, PeerUser: ack.SSHUser})
	return result, nil
}

// Respond runs the responder side on an accepted connection and closes it.
func (h *SyncHandler) Respond(ctx context.Context, conn net.Conn, events chan<- SyncEvent) (SyncResult, error) {
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c := NewConn(conn, h.options.IOTimeout)
	addr := conn.RemoteAddr().String()

	msg, err := c.ReadMessage()
	if err != nil {
		return SyncResult{}, readError(err, "SyncHello")
	}
	hello, ok := msg.(SyncHello)
	if !ok {
		_ = c.WriteMessage(NewErrorMessage(CodeExpectedHello, "Expected SyncHello message"))
		return SyncResult{}, cerrors.Newf(cerrors.ErrProtocol, "Expected SyncHello, got %s", msg.MessageType())
	}
	if hello.Version != ProtocolVersion {
		mismatch := versionMismatchMessage(hello.Version)
		_ = c.WriteMessage(mismatch)
		return SyncResult{}, cerrors.New(cerrors.ErrProtocol, mismatch.Message, "")
	}

	if hello.DeviceName == h.options.DeviceName && hello.InitiatorPriority == h.options.Priority {
		_ = c.WriteMessage(SyncHelloAck{
			Type:       TypeSyncHelloAck,
			Version:    ProtocolVersion,
			DeviceName: h.options.DeviceName,
			AcceptSync: false,
		})
		return SyncResult{}, cerrors.New(cerrors.ErrSyncWithSelf, "Connected to ourselves", "")
	}

	emit(ctx, events, SyncEvent{Type: SyncConnected, Addr: addr, DeviceName: hello.DeviceName})

	if err := h.options.AuthorizedKeys.Add(hello.PublicKey); err != nil {
		_ = c.WriteMessage(NewErrorMessage(CodeKeyRejected, "Failed to add key to authorized_keys"))
		return SyncResult{}, cerrors.Wrap(err, cerrors.ErrAuthorizedKeys, "Failed to add peer key")
	}
	emit(ctx, events, SyncEvent{Type: SyncKeyReceived, DeviceName: hello.DeviceName, KeyComment: hello.KeyComment})

	ack := SyncHelloAck{
		Type:       TypeSyncHelloAck,
		Version:    ProtocolVersion,
		DeviceName: h.options.DeviceName,
		PublicKey:  h.options.KeyPair.PublicKey,
		KeyComment: h.options.KeyPair.Comment,
		SSHUser:    h.options.SSHUser,
		AcceptSync: true,
	}
	if err := c.WriteMessage(ack); err != nil {
		return SyncResult{}, writeError(err, TypeSyncHelloAck)
	}

	if err := h.awaitPeerComplete(c); err != nil {
		return SyncResult{}, err
	}
	emit(ctx, events, SyncEvent{Type: SyncKeyAccepted, DeviceName: hello.DeviceName})

	if err := c.WriteMessage(NewSyncComplete(true, syncSuccessMessage)); err != nil {
		return SyncResult{}, writeError(err, TypeSyncComplete)
	}

	result := resultFor(conn.RemoteAddr(), hello.DeviceName, hello.SSHUser)
	h.options.Logger.Info("synced with %s (%s@%s)", result.PeerName, result.PeerUser, result.PeerAddress)
	emit(ctx, events, SyncEvent{Type: SyncCompleted, DeviceName: hello.DeviceName, PeerUser: hello.SSHUser})
	return result, nil
}

func (h *SyncHandler) awaitPeerComplete(c *Conn) error {
	msg, err := c.ReadMessage()
	if err != nil {
		return readError(err, "SyncComplete")
	}
	switch m := msg.(type) {
	case SyncComplete:
		if !m.Success {
			return cerrors.Newf(cerrors.ErrSync, "Peer reported failure: %s", m.Message)
		}
		return nil
	case ErrorMessage:
		return cerrors.New(cerrors.ErrSync, m.Message, "")
	default:
		return unexpected(msg, TypeSyncComplete)
	}
}

// Run binds 0.0.0.0:port and runs a sync session on it. See Serve.
func (h *SyncHandler) Run(ctx context.Context, port int, timeout time.Duration, events chan<- SyncEvent) (SyncResult, error) {
	address := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return SyncResult{}, cerrors.WrapWithCode(err, cerrors.ErrNetwork,
			fmt.Sprintf("Failed to listen on %s", address),
			"Another process may be using the port; try --port")
	}
	return h.Serve(ctx, listener, timeout, events)
}

type syncOutcome struct {
	result SyncResult
	err    error
	role   string
	peer   string
}

// Serve runs a sync session on listener until the first successful exchange
// in either role, ctx cancellation, or timeout. Incoming connections are
// answered while discovered peers are dialed. A failed exchange is reported as
// a SyncFailed event and the session keeps waiting. If the only sessions seen
// before the timeout were our own, the timeout is reported as SYNC_WITH_SELF.
// The listener is closed on return.
func (h *SyncHandler) Serve(ctx context.Context, listener net.Listener, timeout time.Duration, events chan<- SyncEvent) (SyncResult, error) {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = listener.Close()
		wg.Wait()
	}()

	emit(ctx, events, SyncEvent{Type: SyncStarted, Addr: listener.Addr().String()})

	if h.options.Advertiser != nil {
		port := 0
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
		if err := h.options.Advertiser.Advertise(port); err != nil {
			h.options.Logger.Warn("sync advertisement failed: %v", err)
		} else {
			defer func() {
				if err := h.options.Advertiser.Stop(); err != nil {
					h.options.Logger.Debug("stop sync advertisement: %v", err)
				}
			}()
		}
	}

	emit(ctx, events, SyncEvent{Type: SyncSearching})

	var peers <-chan models.DiscoveredDevice
	if h.options.Browser != nil {
		found, err := h.options.Browser.BrowsePeers(sessionCtx)
		if err != nil {
			h.options.Logger.Warn("sync peer browsing failed: %v", err)
		} else {
			peers = found
		}
	}

	outcomes := make(chan syncOutcome)
	report := func(o syncOutcome) {
		select {
		case outcomes <- o:
		case <-sessionCtx.Done():
		}
	}

	accepted := make(chan net.Conn)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if sessionCtx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					h.options.Logger.Warn("sync accept failed: %v", err)
				}
				return
			}
			select {
			case accepted <- conn:
			case <-sessionCtx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	dialing := make(map[string]bool)
	sawSelf := false

	for {
		select {
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()

		case <-timer.C:
			emit(ctx, events, SyncEvent{Type: SyncFailed, Message: "Timeout waiting for sync peer"})
			if sawSelf {
				return SyncResult{}, cerrors.New(cerrors.ErrSyncWithSelf, "Only this device's own sync session was found",
					"Run 'connecto sync' on a second device at the same time")
			}
			return SyncResult{}, cerrors.New(cerrors.ErrTimeout, "No sync peer found",
				"Run 'connecto sync' on the other device at the same time")

		case conn := <-accepted:
			peer := conn.RemoteAddr().String()
			h.options.Logger.Debug("sync connection from %s", peer)
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := h.Respond(sessionCtx, conn, events)
				report(syncOutcome{result: result, err: err, role: "responder", peer: peer})
			}()

		case device, ok := <-peers:
			if !ok {
				peers = nil
				continue
			}
			address, ok := device.ConnectionString()
			if !ok || dialing[address] {
				continue
			}
			dialing[address] = true
			emit(ctx, events, SyncEvent{Type: SyncPeerFound, DeviceName: device.Name, Addr: address})
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := h.Initiate(sessionCtx, address, events)
				report(syncOutcome{result: result, err: err, role: "initiator", peer: address})
			}()

		case outcome := <-outcomes:
			if outcome.err == nil {
				return outcome.result, nil
			}
			if outcome.role == "initiator" {
				delete(dialing, outcome.peer)
			}
			if cerrors.IsCode(outcome.err, cerrors.ErrSyncWithSelf) {
				sawSelf = true
			}
			h.options.Logger.Warn("sync as %s with %s failed: %s", outcome.role, outcome.peer, errorMessage(outcome.err))
			emit(ctx, events, SyncEvent{Type: SyncFailed, Addr: outcome.peer, Message: errorMessage(outcome.err)})
		}
	}
}

func resultFor(addr net.Addr, name, user string) SyncResult {
	result := SyncResult{PeerName: name, PeerUser: user}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		result.PeerAddress = tcpAddr.IP
		result.PeerPort = uint16(tcpAddr.Port)
	}
	return result
}

// errorMessage returns the headline of a structured error.
func errorMessage(err error) string {
	var structured *cerrors.Error
	if errors.As(err, &structured) {
		return structured.Message
	}
	return err.Error()
}
