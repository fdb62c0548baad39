package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	go_json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/config"
	"github.com/garrettladley/payhook/internal/version"
	"github.com/garrettladley/payhook/internal/xslog"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "payhookctl",
		Short:   "Operate a payhook deployment",
		Version: version.Get(),
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(sendCmd())

	if err := fang.Execute(context.Background(), rootCmd, fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM)); err != nil {
		os.Exit(1)
	}
}

// openApp connects to the deployment described by the environment. Logs go
// to stderr so stdout stays machine readable.
func openApp(ctx context.Context, role app.Role) (*app.App, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	logger := xslog.NewLoggerFromEnv(os.Stderr)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, role)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := go_json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
