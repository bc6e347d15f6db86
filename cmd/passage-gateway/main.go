// ABOUTME: Entry point for the passage-gateway server and its client commands
// ABOUTME: Supervises planning agents and coordinates passage planning sessions

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __   __ _ ___ ___  __ _  __ _  ___
| '_ \ / _' / __/ __|/ _' |/ _' |/ _ \
| |_) | (_| \__ \__ \ (_| | (_| |  __/
| .__/ \__,_|___/___/\__,_|\__, |\___|
|_|                        |___/
`

var (
	configFlag string
	addrFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "passage-gateway",
	Short: "Agent supervisor and passage planning gateway",
	Long: `passage-gateway runs a fleet of planning agents, keeps them healthy and
coordinates multi-agent passage planning sessions.

Clients submit planning requests over HTTP and follow progress by polling,
Server-Sent Events or the WebSocket push channel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default: $PASSAGE_CONFIG or $XDG_CONFIG_HOME/passage/gateway.yaml)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "gateway HTTP address for client commands (default: server.http_addr from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	// A missing .env is normal; only parse errors matter.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		color.Yellow("warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}
