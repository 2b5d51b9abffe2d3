package main

import (
	"fmt"

	"github.com/harunnryd/daiku/internal/format"
	"github.com/harunnryd/daiku/internal/sandbox"

	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a new sandbox",
	Long:  `Creates the sandbox directory tree, starts the agent and dev-server processes and waits until the dev server answers HTTP. On any failure the partial sandbox is rolled back completely.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newSandboxManager()
		if err != nil {
			return err
		}

		provider, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		apiKey, _ := cmd.Flags().GetString("api-key")
		apiBase, _ := cmd.Flags().GetString("api-base")
		knowledge, _ := cmd.Flags().GetString("knowledge")
		port, _ := cmd.Flags().GetInt("port")
		restore, _ := cmd.Flags().GetString("restore")
		disabled, _ := cmd.Flags().GetStringSlice("disable-tool")

		info, err := mgr.Provision(cmd.Context(), sandbox.ProvisionConfig{
			KnowledgePath: knowledge,
			LLM: sandbox.LLMConfig{
				Provider:  provider,
				ModelName: model,
				APIKey:    apiKey,
				APIBase:   apiBase,
			},
			DisabledTools:   disabled,
			Port:            port,
			RestoreSnapshot: restore,
		})
		if err != nil {
			return err
		}

		fmt.Println(format.NewTableFormatter().FormatSandbox(info))
		return nil
	},
}

func init() {
	provisionCmd.Flags().String("provider", "", "LLM provider (anthropic, openai, google, ...)")
	provisionCmd.Flags().String("model", "", "model name")
	provisionCmd.Flags().String("api-key", "", "provider API key")
	provisionCmd.Flags().String("api-base", "", "provider API base URL override")
	provisionCmd.Flags().String("knowledge", "", "directory linked into the sandbox as files/")
	provisionCmd.Flags().Int("port", 0, "dev server port (0 allocates from the pool)")
	provisionCmd.Flags().String("restore", "", "snapshot archive to seed outputs/ from")
	provisionCmd.Flags().StringSlice("disable-tool", nil, "agent tool to deny (repeatable)")
	provisionCmd.MarkFlagRequired("provider")
	provisionCmd.MarkFlagRequired("model")

	rootCmd.AddCommand(provisionCmd)
}
