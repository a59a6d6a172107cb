package state

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmirror/syncbox/internal/utils"
)

// hashChunkSize is the read buffer used while fingerprinting files.
const hashChunkSize = 64 * 1024

// ScannedFile is one live file found under the sync root.
type ScannedFile struct {
	Path     string
	Hash     string
	Size     int64
	Modified time.Time
}

// Scanner walks a sync root and fingerprints its files. A metadata
// cache keyed on size+mtime skips rehashing unchanged files across
// scans.
type Scanner struct {
	root      string
	ignore    *IgnoreList
	lastState map[string]*ScannedFile
}

func NewScanner(root string, ignore *IgnoreList) *Scanner {
	if ignore == nil {
		ignore = NewIgnoreList(nil)
	}
	return &Scanner{
		root:      root,
		ignore:    ignore,
		lastState: make(map[string]*ScannedFile),
	}
}

// Scan returns the set of currently-present files keyed by normalized
// relative path. Symlinks are not followed; ignored paths are skipped.
func (s *Scanner) Scan() (map[string]*ScannedFile, error) {
	newState := make(map[string]*ScannedFile)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk error: %w", walkErr)
		}

		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("failed to stat file", "path", path, "error", err)
			return nil
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		relPath = utils.NormPath(relPath)

		if s.ignore.ShouldIgnore(relPath) {
			return nil
		}

		var hash string
		prev, exists := s.lastState[relPath]
		if exists && prev.Size == info.Size() && prev.Modified.Equal(info.ModTime()) {
			hash = prev.Hash
		} else {
			hash, err = HashFile(path)
			if err != nil {
				slog.Warn("failed to hash file", "path", path, "error", err)
				return nil
			}
		}

		newState[relPath] = &ScannedFile{
			Path:     relPath,
			Hash:     hash,
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}

	s.lastState = newState
	return newState, nil
}

// HashFile streams a file through MD5 and returns the hex fingerprint.
// The fingerprint detects change, it is not a security boundary.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	h := md5.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, file, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the fingerprint of an in-memory payload.
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
