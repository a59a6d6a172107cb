package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressThreshold is the minimum payload size worth deflating.
const compressThreshold = 1024

type envelope struct {
	Compressed bool   `json:"compressed"`
	Data       string `json:"data"`
}

// Pack wraps a file body or state document for transport. Payloads over
// the threshold are zlib-deflated when enabled; either way the receiver
// gets a self-describing envelope. Pack runs before encryption.
func Pack(data []byte, compress bool) ([]byte, error) {
	env := envelope{}

	if compress && len(data) > compressThreshold {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("deflate payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("deflate payload: %w", err)
		}
		env.Compressed = true
		env.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
	} else {
		env.Data = base64.StdEncoding.EncodeToString(data)
	}

	return json.Marshal(env)
}

// Unpack reverses Pack, inflating as the envelope dictates.
func Unpack(payload []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode envelope data: %w", err)
	}

	if !env.Compressed {
		return raw, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	if len(out) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
