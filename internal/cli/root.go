// Package cli implements the hookflow command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hookflow/pkg/hookflow/config"
	"github.com/randalmurphal/hookflow/pkg/hookflow/server"
)

// Environment variables read by every command.
const (
	EnvConfig = "HOOKFLOW_CONFIG"
	EnvAddr   = "HOOKFLOW_ADDR"
)

var (
	flagConfig string
	flagAddr   string
)

var rootCmd = &cobra.Command{
	Use:   "hookflow",
	Short: "Priority event pipeline for coding agent hooks",
	Long: "Collects hook and file-change events, processes them through " +
		"prioritized, batched handlers with circuit breakers and a dead letter " +
		"queue, and triggers agents from the results.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Routing file (default: $HOOKFLOW_CONFIG, ./hookflow.yaml, ~/.config/hookflow/routing.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "Control server address (default: $HOOKFLOW_ADDR or "+config.DefaultListen+")")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// routingCandidates lists the places a routing file is looked for, in order.
func routingCandidates() []string {
	candidates := []string{flagConfig, os.Getenv(EnvConfig), "hookflow.yaml", "hookflow.yml", "hookflow.json"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "hookflow", "routing.yaml"))
	}
	return candidates
}

// loadRouting returns the routing table and the file it came from. Without
// any routing file the defaults apply and path is empty. An explicit
// --config that does not exist is an error.
func loadRouting() (*config.Routing, string, error) {
	path, err := config.Discover(routingCandidates()...)
	if err != nil {
		if flagConfig != "" {
			return nil, "", fmt.Errorf("routing file %s: %w", flagConfig, err)
		}
		return &config.Routing{}, "", nil
	}
	r, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load %s: %w", path, err)
	}
	return r, path, nil
}

// serverAddr resolves the control server address for client commands.
func serverAddr() string {
	if flagAddr != "" {
		return flagAddr
	}
	if v := os.Getenv(EnvAddr); v != "" {
		return v
	}
	if r, _, err := loadRouting(); err == nil {
		return r.ListenAddr()
	}
	return config.DefaultListen
}

func newClient() *server.Client {
	return server.NewClient(serverAddr())
}
