// Package wire implements the framed transport: length-prefixed
// command frames over a byte stream, with optional authenticated
// encryption and payload compression.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds a single frame's payload.
	MaxFrameSize = 64 << 20

	// maxCmdSize bounds the command token. Plaintext tokens are short;
	// sealed tokens grow by the Fernet overhead.
	maxCmdSize = 512
)

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")
	ErrCmdTooLarge   = errors.New("wire: command token too large")
)

// Conn frames messages over rw. When a Cipher is set, cmd and data are
// independently sealed on send and opened on receive.
type Conn struct {
	rw     io.ReadWriter
	cipher *Cipher
}

// NewConn wraps a byte stream. cipher may be nil for plaintext
// sessions.
func NewConn(rw io.ReadWriter, cipher *Cipher) *Conn {
	return &Conn{rw: rw, cipher: cipher}
}

// Encrypted reports whether frames are sealed.
func (c *Conn) Encrypted() bool {
	return c.cipher != nil
}

// Send writes one frame: cmd_len, data_len (both uint32 big-endian)
// followed by the command token and payload.
func (c *Conn) Send(cmd string, data []byte) error {
	cmdBytes := []byte(cmd)
	if c.cipher != nil {
		var err error
		cmdBytes, err = c.cipher.Seal(cmdBytes)
		if err != nil {
			return fmt.Errorf("seal cmd: %w", err)
		}
		data, err = c.cipher.Seal(data)
		if err != nil {
			return fmt.Errorf("seal data: %w", err)
		}
	}

	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(cmdBytes)))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := c.rw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.rw.Write(cmdBytes); err != nil {
		return fmt.Errorf("write cmd: %w", err)
	}
	if len(data) > 0 {
		if _, err := c.rw.Write(data); err != nil {
			return fmt.Errorf("write data: %w", err)
		}
	}
	return nil
}

// Recv reads one frame. A failed authentication tag surfaces as an
// error; callers must terminate the connection.
func (c *Conn) Recv() (string, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return "", nil, err
	}

	cmdLen := binary.BigEndian.Uint32(header[0:4])
	dataLen := binary.BigEndian.Uint32(header[4:8])
	if cmdLen > maxCmdSize {
		return "", nil, ErrCmdTooLarge
	}
	if dataLen > MaxFrameSize {
		return "", nil, ErrFrameTooLarge
	}

	cmdBytes := make([]byte, cmdLen)
	if _, err := io.ReadFull(c.rw, cmdBytes); err != nil {
		return "", nil, fmt.Errorf("read cmd: %w", err)
	}

	var data []byte
	if dataLen > 0 {
		data = make([]byte, dataLen)
		if _, err := io.ReadFull(c.rw, data); err != nil {
			return "", nil, fmt.Errorf("read data: %w", err)
		}
	}

	if c.cipher != nil {
		var err error
		cmdBytes, err = c.cipher.Open(cmdBytes)
		if err != nil {
			return "", nil, fmt.Errorf("open cmd: %w", err)
		}
		data, err = c.cipher.Open(data)
		if err != nil {
			return "", nil, fmt.Errorf("open data: %w", err)
		}
	}

	return string(cmdBytes), data, nil
}

// SendJSON marshals v and sends it as the payload of cmd.
func (c *Conn) SendJSON(cmd string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", cmd, err)
	}
	return c.Send(cmd, data)
}

// DecodeJSON unmarshals a frame payload into v.
func DecodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
