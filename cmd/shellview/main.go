// Command shellview is a terminal control surface for a running shellsim.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/talgya/shellcloud/internal/client"
	"github.com/talgya/shellcloud/internal/config"
	"github.com/talgya/shellcloud/internal/logging"
	"github.com/talgya/shellcloud/internal/tui"
)

func main() {
	cfg, err := config.LoadViewer(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "shellview:", err)
		os.Exit(2)
	}

	logFile, err := logging.SetupFile(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shellview:", err)
		os.Exit(1)
	}
	defer logFile.Close()

	c := client.New(cfg.APIURL, cfg.AdminKey, cfg.Timeout)
	if cfg.AdminKey == "" {
		slog.Warn(config.AdminKeyEnv + " not set, edits will be refused by the server")
	}

	fmt.Printf("waiting for shellsim at %s...\n", cfg.APIURL)
	if err := c.WaitReady(context.Background(), cfg.Timeout); err != nil {
		slog.Error("shellsim unreachable", "error", err)
		fmt.Fprintln(os.Stderr, "shellview:", err)
		os.Exit(1)
	}

	p := tea.NewProgram(tui.New(c, cfg.Refresh, cfg.Timeout), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		slog.Error("viewer exited", "error", err)
		fmt.Fprintln(os.Stderr, "shellview:", err)
		os.Exit(1)
	}
}
