package network

import (
	"context"
	"fmt"
	"net"
	"time"

	cerrors "connecto/errors"
	"connecto/keys"
	"connecto/logger"
)

// PairingResult is returned by a successful Pair.
type PairingResult struct {
	ServerName       string
	SSHUser          string
	VerificationCode string
}

// ClientOptions configures a HandshakeClient.
type ClientOptions struct {
	DeviceName  string
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Logger      logger.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
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

// HandshakeClient sends this device's public key to a listening server.
type HandshakeClient struct {
	options ClientOptions
}

// NewHandshakeClient creates a client.
func NewHandshakeClient(options ClientOptions) *HandshakeClient {
	return &HandshakeClient{options: options.withDefaults()}
}

// Pair runs the full one-way handshake against address ("host:port"). It
// either completes every round or returns an error.
func (c *HandshakeClient) Pair(ctx context.Context, address string, pair keys.KeyPair) (PairingResult, error) {
	dialer := net.Dialer{Timeout: c.options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return PairingResult{}, cerrors.WrapWithCode(err, cerrors.ErrNetwork,
			fmt.Sprintf("Failed to connect to %s", address),
			"Check that 'connecto listen' is running on the target device")
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	pc := NewConn(conn, c.options.IOTimeout)

	if err := pc.WriteMessage(NewHello(c.options.DeviceName)); err != nil {
		return PairingResult{}, writeError(err, TypeHello)
	}

	msg, err := pc.ReadMessage()
	if err != nil {
		return PairingResult{}, readError(err, "HelloAck")
	}
	var ack HelloAck
	switch m := msg.(type) {
	case HelloAck:
		if m.Version != ProtocolVersion {
			return PairingResult{}, cerrors.New(cerrors.ErrHandshake,
				fmt.Sprintf("Protocol version mismatch: expected %d, got %d", ProtocolVersion, m.Version),
				"Update connecto on both devices")
		}
		ack = m
	case ErrorMessage:
		return PairingResult{}, cerrors.New(cerrors.ErrHandshake, m.Message, "")
	default:
		return PairingResult{}, unexpected(msg, TypeHelloAck)
	}

	var code string
	if ack.VerificationCode != nil {
		code = *ack.VerificationCode
	}
	c.options.Logger.Debug("connected to %s", ack.DeviceName)

	exchange := KeyExchange{Type: TypeKeyExchange, PublicKey: pair.PublicKey, Comment: pair.Comment}
	if err := pc.WriteMessage(exchange); err != nil {
		return PairingResult{}, writeError(err, TypeKeyExchange)
	}

	msg, err = pc.ReadMessage()
	if err != nil {
		return PairingResult{}, readError(err, "KeyAccepted")
	}
	switch m := msg.(type) {
	case KeyAccepted:
		c.options.Logger.Debug("key accepted: %s", m.Message)
	case ErrorMessage:
		return PairingResult{}, cerrors.New(cerrors.ErrHandshake, m.Message, "")
	default:
		return PairingResult{}, unexpected(msg, TypeKeyAccepted)
	}

	msg, err = pc.ReadMessage()
	if err != nil {
		return PairingResult{}, readError(err, "PairingComplete")
	}
	switch m := msg.(type) {
	case PairingComplete:
		return PairingResult{
			ServerName:       ack.DeviceName,
			SSHUser:          m.SSHUser,
			VerificationCode: code,
		}, nil
	case ErrorMessage:
		return PairingResult{}, cerrors.New(cerrors.ErrHandshake, m.Message, "")
	default:
		return PairingResult{}, unexpected(msg, TypePairingComplete)
	}
}

func unexpected(msg Message, want string) error {
	return cerrors.WrapWithCode(
		fmt.Errorf("expected %q, got %q", want, msg.MessageType()),
		cerrors.ErrProtocol, "Unexpected response", "")
}
