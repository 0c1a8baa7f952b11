package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// DefaultPort is the TCP port used for pairing and sync.
	DefaultPort = 8099
	// MaxLineSize bounds one JSON line on the wire.
	MaxLineSize = 64 * 1024
	// DefaultIOTimeout bounds each read and write of a pairing or sync exchange.
	DefaultIOTimeout = 30 * time.Second
	// DefaultDialTimeout bounds the TCP connect for pairing and sync.
	DefaultDialTimeout = 10 * time.Second
)

const (
	TypeHello           = "Hello"
	TypeHelloAck        = "HelloAck"
	TypeKeyExchange     = "KeyExchange"
	TypeKeyAccepted     = "KeyAccepted"
	TypePairingComplete = "PairingComplete"
	TypeSyncHello       = "SyncHello"
	TypeSyncHelloAck    = "SyncHelloAck"
	TypeSyncComplete    = "SyncComplete"
	TypeError           = "Error"
)

// Wire error codes carried in Error messages.
const (
	CodeVersionMismatch uint32 = 1
	CodeExpectedHello   uint32 = 2
	CodeExpectedKey     uint32 = 3
	CodeKeyRejected     uint32 = 4
)

var (
	// ErrLineTooLong indicates a line exceeded MaxLineSize.
	ErrLineTooLong = errors.New("network: line exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrMalformedMessage indicates a line that is not a valid JSON message.
	ErrMalformedMessage = errors.New("network: malformed message")
	// ErrEmbeddedNewline indicates an encoded message would break line framing.
	ErrEmbeddedNewline = errors.New("network: encoded message contains a newline")
)

// Message is one protocol message. Every concrete message carries its own
// "type" discriminator.
type Message interface {
	MessageType() string
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello opens a one-way pairing.
type Hello struct {
	Type       string `json:"type"`
	Version    uint32 `json:"version"`
	DeviceName string `json:"device_name"`
}

// HelloAck answers Hello. VerificationCode is null when verification is off.
type HelloAck struct {
	Type             string  `json:"type"`
	Version          uint32  `json:"version"`
	DeviceName       string  `json:"device_name"`
	VerificationCode *string `json:"verification_code"`
}

// KeyExchange carries the client's public key line.
type KeyExchange struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Comment   string `json:"comment"`
}

// KeyAccepted confirms the key was installed.
type KeyAccepted struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PairingComplete ends a one-way pairing with the server's OS user.
type PairingComplete struct {
	Type    string `json:"type"`
	SSHUser string `json:"ssh_user"`
}

// SyncHello opens a bidirectional sync and carries the initiator's key.
type SyncHello struct {
	Type              string `json:"type"`
	Version           uint32 `json:"version"`
	DeviceName        string `json:"device_name"`
	InitiatorPriority uint64 `json:"initiator_priority"`
	PublicKey         string `json:"public_key"`
	KeyComment        string `json:"key_comment"`
	SSHUser           string `json:"ssh_user"`
}

// SyncHelloAck answers SyncHello with the responder's key.
type SyncHelloAck struct {
	Type       string `json:"type"`
	Version    uint32 `json:"version"`
	DeviceName string `json:"device_name"`
	PublicKey  string `json:"public_key"`
	KeyComment string `json:"key_comment"`
	SSHUser    string `json:"ssh_user"`
	AcceptSync bool   `json:"accept_sync"`
}

// SyncComplete is exchanged by both sides at the end of a sync.
type SyncComplete struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorMessage aborts an exchange.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (Hello) MessageType() string           { return TypeHello }
func (HelloAck) MessageType() string        { return TypeHelloAck }
func (KeyExchange) MessageType() string     { return TypeKeyExchange }
func (KeyAccepted) MessageType() string     { return TypeKeyAccepted }
func (PairingComplete) MessageType() string { return TypePairingComplete }
func (SyncHello) MessageType() string       { return TypeSyncHello }
func (SyncHelloAck) MessageType() string    { return TypeSyncHelloAck }
func (SyncComplete) MessageType() string    { return TypeSyncComplete }
func (ErrorMessage) MessageType() string    { return TypeError }

// NewErrorMessage builds an Error message.
func NewErrorMessage(code uint32, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// NewHello builds a Hello for the current protocol version.
func NewHello(deviceName string) Hello {
	return Hello{Type: TypeHello, Version: ProtocolVersion, DeviceName: deviceName}
}

// NewHelloAck builds a HelloAck. An empty code is sent as null.
func NewHelloAck(deviceName, verificationCode string) HelloAck {
	ack := HelloAck{Type: TypeHelloAck, Version: ProtocolVersion, DeviceName: deviceName}
	if verificationCode != "" {
		code := verificationCode
		ack.VerificationCode = &code
	}
	return ack
}

// NewSyncComplete builds a SyncComplete.
func NewSyncComplete(success bool, message string) SyncComplete {
	return SyncComplete{Type: TypeSyncComplete, Success: success, Message: message}
}

func versionMismatchMessage(got uint32) ErrorMessage {
	return NewErrorMessage(CodeVersionMismatch,
		fmt.Sprintf("Protocol version mismatch: expected %d, got %d", ProtocolVersion, got))
}

// Encode marshals a message to compact JSON followed by a single newline.
func Encode(message Message) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType != message.MessageType() {
		return nil, fmt.Errorf("%w: %q set on %s", ErrInvalidMessageType, msgType, message.MessageType())
	}
	// encoding/json escapes control characters inside strings, so a raw
	// newline here would mean a broken Marshaler.
	if bytes.IndexByte(payload, '\n') >= 0 {
		return nil, ErrEmbeddedNewline
	}

	return append(payload, '\n'), nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// Decode parses one line (with or without its trailing newline).
func Decode(line []byte) (Message, error) {
	line = bytes.TrimRight(line, "\r\n")

	msgType, err := DecodeMessageType(line)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeHello:
		return decodeAs[Hello](line)
	case TypeHelloAck:
		return decodeAs[HelloAck](line)
	case TypeKeyExchange:
		return decodeAs[KeyExchange](line)
	case TypeKeyAccepted:
		return decodeAs[KeyAccepted](line)
	case TypePairingComplete:
		return decodeAs[PairingComplete](line)
	case TypeSyncHello:
		return decodeAs[SyncHello](line)
	case TypeSyncHelloAck:
		return decodeAs[SyncHelloAck](line)
	case TypeSyncComplete:
		return decodeAs[SyncComplete](line)
	case TypeError:
		return decodeAs[ErrorMessage](line)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}
}

func decodeAs[T Message](line []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedMessage, msg.MessageType(), err)
	}
	return msg, nil
}

// ReadLine reads one newline-terminated line of at most MaxLineSize bytes.
// The returned slice excludes the newline.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineSize+1 {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Conn is a line-oriented protocol connection.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// NewConn wraps conn. A zero timeout disables per-operation deadlines.
func NewConn(conn net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// WriteMessage encodes and writes one message.
func (c *Conn) WriteMessage(message Message) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("write %s: %w", message.MessageType(), err)
	}
	return nil
}

// ReadMessage reads and decodes one message.
func (c *Conn) ReadMessage() (Message, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = c.conn.SetReadDeadline(time.Time{})
		}()
	}

	line, err := ReadLine(c.reader)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return Decode(line)
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
