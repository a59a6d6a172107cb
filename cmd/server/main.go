package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/openmirror/syncbox/internal/config"
	"github.com/openmirror/syncbox/internal/server"
	"github.com/openmirror/syncbox/internal/version"
	"github.com/openmirror/syncbox/internal/wire"
)

func main() {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		configPath string
		bind       string
	)

	rootCmd := &cobra.Command{
		Use:     "syncbox-server",
		Short:   "syncbox server",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.BindAddress = bind
			}
			if err := cfg.Validate(true); err != nil {
				return err
			}

			s, err := server.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return s.Start(cmd.Context())
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.Flags().StringVarP(&bind, "bind", "b", "", "address to bind (overrides config)")

	rootCmd.AddCommand(newKeygenCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
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
			fmt.Printf("key written to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "sync.key", "key file to write")
	return cmd
}
