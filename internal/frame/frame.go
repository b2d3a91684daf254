// Package frame implements the tunnel control-frame codec: a 1-byte
// command tag, a 4-byte big-endian length, and a JSON-encoded metadata
// map. It is the smallest unit of meaning exchanged on any stream.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Command identifies the purpose of a frame.
type Command byte

const (
	Ping Command = iota
	Pong
	Auth
	AuthResult
	Forward
	SetSessionMeta
)

func (c Command) String() string {
	switch c {
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case Auth:
		return "Auth"
	case AuthResult:
		return "AuthResult"
	case Forward:
		return "Forward"
	case SetSessionMeta:
		return "SetSessionMeta"
	default:
		return fmt.Sprintf("Command(%d)", byte(c))
	}
}

func (c Command) valid() bool {
	return c <= SetSessionMeta
}

// HeaderLen is the fixed size of a frame header: 1 command byte + 4
// length bytes.
const HeaderLen = 5

// MaxMetaLen bounds the JSON metadata payload. Oversized frames are
// rejected before the body is even read.
const MaxMetaLen = 1024

// Well-known metadata keys.
const (
	TokenKey      = "X-Tunnel-Token"
	ForwardToKey  = "X-Tunnel-Forward-To"
	DeviceNameKey = "device_name"
	ResultKey     = "result"
)

var (
	// ErrUnknownCommand is returned when the header's command byte does
	// not match a known tag.
	ErrUnknownCommand = errors.New("frame: unknown command")
	// ErrOversizedMeta is returned when the header's length field exceeds
	// MaxMetaLen.
	ErrOversizedMeta = errors.New("frame: meta exceeds maximum length")
)

// Meta is the metadata map carried by a frame.
type Meta map[string]any

// Packet is a decoded command frame.
type Packet struct {
	Command Command
	Meta    Meta
}

// Write serialises and writes a single frame to w. Callers must not
// interleave two concurrent Write calls on the same stream direction.
func Write(w io.Writer, command Command, meta Meta) error {
	if meta == nil {
		meta = Meta{}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("frame: marshal meta: %w", err)
	}
	if len(body) > MaxMetaLen {
		return ErrOversizedMeta
	}
	hdr := make([]byte, HeaderLen)
	hdr[0] = byte(command)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("frame: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("frame: write meta: %w", err)
	}
	return nil
}

// Read blocks for exactly one frame: a fixed header followed by its
// declared number of metadata bytes. It never reads past the frame.
func Read(r io.Reader) (*Packet, error) {
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("frame: read header: %w", err)
	}
	command := Command(hdr[0])
	if !command.valid() {
		return nil, ErrUnknownCommand
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxMetaLen {
		return nil, ErrOversizedMeta
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("frame: read meta: %w", err)
		}
	}
	meta := Meta{}
	if length > 0 {
		if err := json.Unmarshal(body, &meta); err != nil {
			return nil, fmt.Errorf("frame: malformed meta json: %w", err)
		}
	}
	return &Packet{Command: command, Meta: meta}, nil
}

// String returns the string stored under key, or "" when the key is
// absent or does not hold a string.
func (m Meta) String(key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (m Meta) Bool(key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
