package state

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Paths skipped on every scan regardless of configuration. The state
// documents themselves must never sync.
var builtinIgnores = []string{
	"client_sync_state.json",
	"server_sync_state.json",
	"**/*.tmp-*",
	".git/**",
	".DS_Store",
}

// IgnoreList matches scan paths against configured ignore globs.
type IgnoreList struct {
	patterns []string
}

// NewIgnoreList compiles the configured patterns on top of the builtin
// set. Patterns use doublestar glob syntax against forward-slash
// relative paths.
func NewIgnoreList(patterns []string) *IgnoreList {
	all := make([]string, 0, len(builtinIgnores)+len(patterns))
	all = append(all, builtinIgnores...)
	all = append(all, patterns...)
	return &IgnoreList{patterns: all}
}

// ShouldIgnore reports whether relPath matches any ignore pattern.
// Invalid patterns never match.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	for _, pattern := range l.patterns {
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true
		}
	}
	return false
}
