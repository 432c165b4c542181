package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NavarchProject/intervalcheck/pkg/config"
)

var configPath string

// exitError carries a child exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "intervalcheck",
		Short: "Periodic health checks for batch jobs",
		Long: `intervalcheck runs a batch command and periodically checks the node it
runs on. When a check fails or hangs, the whole job is terminated.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (env: "+config.EnvConfigFile+")")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checksCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// lookupEnv resolves configuration keys, letting --config override
// IC_CONFIG.
func lookupEnv(key string) (string, bool) {
	if key == config.EnvConfigFile && configPath != "" {
		return configPath, true
	}
	return os.LookupEnv(key)
}

func loadConfig() (*config.Config, error) {
	return config.FromEnv(lookupEnv)
}
