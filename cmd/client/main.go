package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/openmirror/syncbox/internal/client"
	"github.com/openmirror/syncbox/internal/config"
	"github.com/openmirror/syncbox/internal/version"
	"github.com/openmirror/syncbox/internal/wire"
)

// CLI exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitConflict = 2
)

var cyan = color.New(color.FgHiCyan, color.Bold).SprintFunc()

func main() {
	setupLogger()

	var (
		configPath string
		mode       string
		conflict   string
	)

	rootCmd := &cobra.Command{
		Use:     "syncbox",
		Short:   "syncbox client",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if conflict != "" {
				cfg.Sync.ConflictStrategy = config.ConflictStrategy(conflict)
			}
			if err := cfg.Validate(false); err != nil {
				return err
			}

			c, err := client.New(cfg)
			if err != nil {
				return err
			}

			switch mode {
			case "push":
				return c.Push()
			case "pull":
				return c.Pull()
			case "list":
				return c.List()
			case "changes":
				return c.Changes()
			case "status":
				return c.Status()
			default:
				cmd.SilenceUsage = false
				return fmt.Errorf("unknown mode %q", mode)
			}
		},
	}

	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.Flags().StringVarP(&mode, "mode", "m", "list", "operation mode (push|pull|list|changes|status)")
	rootCmd.Flags().StringVar(&conflict, "conflict", "", "conflict strategy (ask|local|remote|skip)")

	rootCmd.AddCommand(newKeygenCmd())

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, client.ErrUnresolvedConflicts) {
			os.Exit(exitConflict)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

func setupLogger() {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func newKeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new symmetric sync key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			key, err := wire.GenerateKey()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(key+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Printf("%s key written to %s\n", cyan("syncbox"), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "sync.key", "key file to write")
	return cmd
}
