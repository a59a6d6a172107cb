// Package transfer moves file bodies over a framed connection. Both
// peers use the same send and receive paths: a FILE_DATA header frame,
// an OK from the receiver, then the announced number of body frames,
// then a final OK or ERROR after verification.
package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openmirror/syncbox/internal/syncmsg"
	"github.com/openmirror/syncbox/internal/utils"
	"github.com/openmirror/syncbox/internal/wire"
)

// wholeFileLimit is the largest body sent as a single frame; bigger
// files are chunked.
const wholeFileLimit = 1 << 20

var (
	ErrRejected     = errors.New("transfer: peer rejected file")
	ErrSizeMismatch = errors.New("transfer: size mismatch")
	ErrHashMismatch = errors.New("transfer: hash mismatch")
)

// VerdictError marks a per-file failure that was already reported to
// the sender. The file is discarded but the session may continue.
type VerdictError struct {
	Err error
}

func (e *VerdictError) Error() string { return e.Err.Error() }
func (e *VerdictError) Unwrap() error { return e.Err }

// Options carries the per-session transfer parameters.
type Options struct {
	ChunkSize   int
	Compression bool
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return 64 * 1024
	}
	return o.ChunkSize
}

// ChunkCount returns the number of body frames a file of the given size
// occupies on the wire.
func ChunkCount(size int64, chunkSize int) int {
	if size == 0 {
		return 0
	}
	if size <= wholeFileLimit {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// SendFile streams the file at srcPath as item over the connection.
// A rejection or verification failure on the receiving side surfaces
// as ErrRejected; the session may continue with the next item.
func SendFile(conn *wire.Conn, srcPath string, item syncmsg.TransferItem, opts Options) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", srcPath, err)
	}
	size := info.Size()

	header := syncmsg.FileHeader{
		Path:    item.Path,
		Size:    size,
		Hash:    item.Hash,
		Version: item.Version,
		Chunks:  ChunkCount(size, opts.chunkSize()),
	}
	if err := conn.SendJSON(syncmsg.CmdFileData, header); err != nil {
		return err
	}

	if err := expectOK(conn); err != nil {
		return err
	}

	chunkSize := opts.chunkSize()
	if size <= wholeFileLimit {
		chunkSize = wholeFileLimit
	}
	buf := make([]byte, chunkSize)
	for sent := int64(0); sent < size; {
		n := int64(chunkSize)
		if remaining := size - sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(file, buf[:n]); err != nil {
			return fmt.Errorf("read %s: %w", srcPath, err)
		}
		payload, err := wire.Pack(buf[:n], opts.Compression)
		if err != nil {
			return err
		}
		if err := conn.Send(syncmsg.CmdFileData, payload); err != nil {
			return err
		}
		sent += n
	}

	return expectOK(conn)
}

// RecvFile consumes the body frames announced by header, verifies size
// and fingerprint, and moves the verified content to targetPath with a
// temp-and-rename so no torn file is ever observed. It ACKs the header
// before the body and reports the final verdict to the sender.
func RecvFile(conn *wire.Conn, header *syncmsg.FileHeader, targetPath string) error {
	if err := utils.EnsureParent(targetPath); err != nil {
		return sendVerdict(conn, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(targetPath), filepath.Base(targetPath)+".tmp-*")
	if err != nil {
		return sendVerdict(conn, err)
	}
	tmpName := tmp.Name()
	discard := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	// ready for the body
	if err := conn.Send(syncmsg.CmdOK, nil); err != nil {
		discard()
		return err
	}

	hasher := md5.New()
	var received int64
	for i := 0; i < header.Chunks; i++ {
		cmd, payload, err := conn.Recv()
		if err != nil {
			discard()
			return err
		}
		if cmd != syncmsg.CmdFileData {
			discard()
			return fmt.Errorf("transfer: expected body frame, got %s", cmd)
		}
		chunk, err := wire.Unpack(payload)
		if err != nil {
			discard()
			return sendVerdict(conn, err)
		}
		if _, err := tmp.Write(chunk); err != nil {
			discard()
			return sendVerdict(conn, err)
		}
		hasher.Write(chunk)
		received += int64(len(chunk))
	}

	if received != header.Size {
		discard()
		return sendVerdict(conn, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, received, header.Size))
	}
	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != header.Hash {
		discard()
		return sendVerdict(conn, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, sum, header.Hash))
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return sendVerdict(conn, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return sendVerdict(conn, err)
	}
	if err := os.Rename(tmpName, targetPath); err != nil {
		os.Remove(tmpName)
		return sendVerdict(conn, err)
	}

	return sendVerdict(conn, nil)
}

// sendVerdict reports the transfer outcome to the sender and echoes the
// verdict back to the caller wrapped as a VerdictError.
func sendVerdict(conn *wire.Conn, verdict error) error {
	if verdict == nil {
		return conn.Send(syncmsg.CmdOK, nil)
	}
	if err := conn.SendJSON(syncmsg.CmdError, syncmsg.Error{Message: verdict.Error()}); err != nil {
		return err
	}
	return &VerdictError{Err: verdict}
}

// expectOK reads the receiver's next frame; an ERROR becomes
// ErrRejected with the peer's message attached.
func expectOK(conn *wire.Conn) error {
	cmd, payload, err := conn.Recv()
	if err != nil {
		return err
	}
	switch cmd {
	case syncmsg.CmdOK:
		return nil
	case syncmsg.CmdError:
		var e syncmsg.Error
		if err := wire.DecodeJSON(payload, &e); err == nil && e.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, e.Message)
		}
		return ErrRejected
	default:
		return fmt.Errorf("transfer: unexpected reply %s", cmd)
	}
}
