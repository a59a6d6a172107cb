package state

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
)

// Digest fingerprints the files map for end-of-session verification.
// It covers path, hash and version of every entry, tombstones included,
// in a canonical order.
func (s *SyncState) Digest() string {
	paths := make([]string, 0, len(s.Files))
	for path := range s.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := md5.New()
	for _, path := range paths {
		entry := s.Files[path]
		fmt.Fprintf(h, "%s:%s:%d:%s\n", path, entry.Hash, entry.Version, entry.Status)
	}
	return hex.EncodeToString(h.Sum(nil))
}
