package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/daiku/internal/config"
	"github.com/harunnryd/daiku/internal/logger"
	"github.com/harunnryd/daiku/internal/sandbox"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "daiku",
	Short: "Daiku sandbox provisioner",
	Long:  `Daiku provisions isolated agent workspaces: directory scaffolding, agent and dev-server processes, and a protocol bridge for prompt turns.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Log.Level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.daiku/config.yaml)")
	rootCmd.PersistentFlags().String("log.level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("sandbox.base_path", "", "directory sandboxes are created under")
	rootCmd.PersistentFlags().String("agent.command", config.DefaultAgentCommand, "command that starts the sandboxed agent")
	rootCmd.PersistentFlags().String("dev_server.command", config.DefaultDevServerCommand, "command that starts the dev server; {port} is substituted")
}

// newSandboxManager builds the facade from loaded configuration. Commands
// in this process do not reap idle sandboxes, so no heartbeat sink is
// attached.
func newSandboxManager() (*sandbox.Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return sandbox.NewManager(cfg, nil)
}
