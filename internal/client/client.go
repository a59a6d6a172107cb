// Package client drives a sync session end to end: load state, connect,
// negotiate a plan, execute it, persist the updated state. It also
// implements the local-only inspection modes.
package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/openmirror/syncbox/internal/config"
	"github.com/openmirror/syncbox/internal/plan"
	"github.com/openmirror/syncbox/internal/state"
	"github.com/openmirror/syncbox/internal/utils"
	"github.com/openmirror/syncbox/internal/wire"
)

// ErrUnresolvedConflicts aborts a session under the ask strategy. The
// CLI maps it to its own exit code.
var ErrUnresolvedConflicts = errors.New("unresolved conflicts")

// Client owns one local sync root and its state document.
type Client struct {
	cfg       *config.Config
	cipher    *wire.Cipher
	root      string
	statePath string
	scanner   *state.Scanner
	strategy  plan.Strategy
}

func New(cfg *config.Config) (*Client, error) {
	root, err := utils.ResolvePath(cfg.Client.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve local root: %w", err)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create local root: %w", err)
	}

	var cipher *wire.Cipher
	if cfg.Encryption.Enabled {
		key, err := cfg.ReadKey()
		if err != nil {
			return nil, err
		}
		cipher, err = wire.NewCipher(key)
		if err != nil {
			return nil, err
		}
	}

	ignore := state.NewIgnoreList(cfg.Sync.IgnorePatterns)

	return &Client{
		cfg:       cfg,
		cipher:    cipher,
		root:      root,
		statePath: filepath.Join(root, state.ClientStateFile),
		scanner:   state.NewScanner(root, ignore),
		strategy:  plan.Strategy(cfg.Sync.ConflictStrategy),
	}, nil
}

// refreshState loads the persisted document, folds in a fresh scan and
// persists the result, so every version bump survives even if the
// session that follows fails.
func (c *Client) refreshState() (*state.SyncState, error) {
	st, err := state.Load(c.statePath)
	if err != nil {
		return nil, err
	}

	scanned, err := c.scanner.Scan()
	if err != nil {
		return nil, err
	}

	st = state.Reconcile(st, scanned, time.Now())
	if err := state.Save(c.statePath, st); err != nil {
		return nil, err
	}
	return st, nil
}

// List prints the currently-present files.
func (c *Client) List() error {
	scanned, err := c.scanner.Scan()
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(scanned))
	for path := range scanned {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	fmt.Printf("local root: %s\n", c.root)
	if len(paths) == 0 {
		fmt.Println("no files")
		return nil
	}
	for _, path := range paths {
		fmt.Printf("  %s\n", path)
	}
	return nil
}

// Changes prints the scan-vs-state diff without mutating either.
func (c *Client) Changes() error {
	st, err := state.Load(c.statePath)
	if err != nil {
		return err
	}
	scanned, err := c.scanner.Scan()
	if err != nil {
		return err
	}

	changes := state.DiffScan(st, scanned)
	if changes.Empty() {
		fmt.Println("no local changes")
		return nil
	}

	printGroup := func(label string, paths []string) {
		if len(paths) == 0 {
			return
		}
		sort.Strings(paths)
		fmt.Printf("%s:\n", label)
		for _, path := range paths {
			fmt.Printf("  %s\n", path)
		}
	}
	printGroup("added", changes.Added)
	printGroup("modified", changes.Modified)
	printGroup("deleted", changes.Deleted)
	return nil
}

// Status prints the sync bookkeeping plus, when the server is
// reachable, its current version and file count.
func (c *Client) Status() error {
	st, err := state.Load(c.statePath)
	if err != nil {
		return err
	}

	fmt.Printf("client id:    %s\n", st.ClientID)
	fmt.Printf("base version: %d\n", st.BaseVersion)
	if st.LastSyncTime != nil {
		fmt.Printf("last sync:    %s\n", st.LastSyncTime.Format(time.RFC3339))
	} else {
		fmt.Printf("last sync:    never\n")
	}

	scanned, err := c.scanner.Scan()
	if err != nil {
		return err
	}
	changes := state.DiffScan(st, scanned)
	fmt.Printf("local changes: %d added, %d modified, %d deleted\n",
		len(changes.Added), len(changes.Modified), len(changes.Deleted))

	remote, err := c.fetchServerState()
	if err != nil {
		fmt.Printf("server:       unreachable (%v)\n", err)
		return nil
	}
	fmt.Printf("server:       version %d, %d files\n", remote.Version, len(remote.Files))
	return nil
}

// localPath maps a wire path onto the sync root.
func (c *Client) localPath(relPath string) string {
	return filepath.Join(c.root, filepath.FromSlash(relPath))
}

// removeLocal deletes a synced file and prunes now-empty parent
// directories up to the root.
func (c *Client) removeLocal(relPath string) error {
	target := c.localPath(relPath)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}

	for dir := filepath.Dir(target); dir != c.root; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break // not empty, or already gone
		}
	}
	return nil
}
