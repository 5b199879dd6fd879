package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := buildRoot().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Actor      string
	Insecure   bool
	CACert     string
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	api := &apiCommand{flags: flags}

	root.AddCommand(
		createServeCommand(flags),
		createServersCommand(api),
		createStartCommand(api),
		createStopCommand(api),
		createRestartCommand(api),
		createCommandCommand(api),
		createStatusCommand(api),
		createPlayersCommand(api),
		createFilesCommand(api),
		createBackupsCommand(api),
		createSchedulesCommand(api),
		createEventsCommand(api),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "gamevisor",
		Short: "Game server supervisor",
		Long: `Gamevisor runs and supervises game server processes, manages their
files, backups and schedules, and exposes everything over an HTTP API.

Examples:
  gamevisor serve --config=gamevisor.toml   # Start daemon
  gamevisor servers create --file=lobby.json
  gamevisor start lobby
  gamevisor command lobby say hello
  gamevisor backups create lobby --description="before update"
  gamevisor status --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config or http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.Actor, "actor", "", "name reported to the daemon for lock diagnostics (default cli:$USER)")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for the daemon's TLS certificate")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gamevisor version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "gamevisor", version)
		},
	}
}
