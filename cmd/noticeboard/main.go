package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// configEnv names the config file when --config is not given
const configEnv = "NOTICEBOARD_CONFIG_FILE"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "noticeboard",
		Short: "Real-time notification session registry",
		Long: `Noticeboard keeps a directory of each user's open WebSocket channels
and fans internal push requests out to them.

Running without a subcommand is the same as "noticeboard serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a JSON or YAML config file (default $"+configEnv+")")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		versionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(configEnv)
}
