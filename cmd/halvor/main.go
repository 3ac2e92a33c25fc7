// Command halvor is the homelab fleet manager: one binary that is both the
// interactive CLI and the per-host agent daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"halvor/internal/config"
)

// Version is stamped by the release build.
var Version = "0.9.0"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var rootCmd = &cobra.Command{
	Use:           "halvor",
	Short:         "Homelab fleet management",
	Long:          "Halvor manages a mesh of homelab hosts: agents, service rollouts, and remote execution over SSH or the agent RPC.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads ./.env plus the process environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("HALVOR_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newJoinCmd())
	rootCmd.AddCommand(newDBCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			os.Exit(exitUsage)
		}
		os.Exit(exitFailure)
	}
	os.Exit(exitOK)
}

// usageError marks operator mistakes (bad flags, bad selections) so main can
// exit 2 instead of 1.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
