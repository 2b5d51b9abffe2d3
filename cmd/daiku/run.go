package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harunnryd/daiku/internal/acp"
	"github.com/harunnryd/daiku/internal/format"
	"github.com/harunnryd/daiku/internal/sandbox"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision a sandbox and drive it interactively",
	Long:  `Provisions a sandbox, then reads prompts from stdin and streams the agent's turns back. The sandbox is torn down when the session ends.`,
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
		restore, _ := cmd.Flags().GetString("restore")
		keep, _ := cmd.Flags().GetBool("keep")

		info, err := mgr.Provision(cmd.Context(), sandbox.ProvisionConfig{
			KnowledgePath: knowledge,
			LLM: sandbox.LLMConfig{
				Provider:  provider,
				ModelName: model,
				APIKey:    apiKey,
				APIBase:   apiBase,
			},
			RestoreSnapshot: restore,
		})
		if err != nil {
			return err
		}
		if !keep {
			defer mgr.Terminate(info.ID)
		}

		fmt.Println(format.NewTableFormatter().FormatSandbox(info))
		return runSession(cmd.Context(), mgr, info.ID)
	},
}

func runSession(ctx context.Context, mgr *sandbox.Manager, sandboxID string) error {
	styles := format.NewEventStyles()
	formatter := format.NewTableFormatter()
	reader := bufio.NewReader(os.Stdin)

	fmt.Println(styles.Meta.Render("Type a prompt, or /ls, /read <path>, /snapshot, /status, /exit."))
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "/exit":
			return nil

		case line == "/ls" || strings.HasPrefix(line, "/ls "):
			rel := strings.TrimSpace(strings.TrimPrefix(line, "/ls"))
			entries, err := mgr.ListDirectory(sandboxID, rel)
			if err != nil {
				fmt.Println(styles.Err.Render(err.Error()))
				continue
			}
			fmt.Println(formatter.FormatEntries(entries))

		case strings.HasPrefix(line, "/read "):
			rel := strings.TrimSpace(strings.TrimPrefix(line, "/read "))
			content, err := mgr.ReadFile(sandboxID, rel)
			if err != nil {
				fmt.Println(styles.Err.Render(err.Error()))
				continue
			}
			os.Stdout.Write(content)
			fmt.Println()

		case line == "/snapshot":
			result, err := mgr.CreateSnapshot(ctx, sandboxID)
			if err != nil {
				fmt.Println(styles.Err.Render(err.Error()))
				continue
			}
			fmt.Println(styles.Meta.Render(fmt.Sprintf("snapshot stored at %s (%d bytes)", result.Location, result.SizeBytes)))

		case line == "/status":
			info, err := mgr.Info(sandboxID)
			if err != nil {
				fmt.Println(styles.Err.Render(err.Error()))
				continue
			}
			healthy := mgr.HealthCheck(ctx, sandboxID)
			fmt.Println(formatter.FormatSandbox(info))
			fmt.Println(styles.Meta.Render(fmt.Sprintf("healthy: %t", healthy)))

		default:
			if err := streamTurn(ctx, mgr, sandboxID, line, styles); err != nil {
				fmt.Println(styles.Err.Render(err.Error()))
			}
		}
	}
}

// streamTurn sends one prompt and prints the event stream as it arrives.
func streamTurn(ctx context.Context, mgr *sandbox.Manager, sandboxID, text string, styles format.EventStyles) error {
	stream, err := mgr.SendMessage(ctx, sandboxID, text)
	if err != nil {
		return err
	}

	for {
		ev, err := stream.Next()
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		switch e := ev.(type) {
		case acp.ThoughtChunk:
			fmt.Print(styles.Thought.Render(e.Content.Text))
		case acp.MessageChunk:
			fmt.Print(styles.Message.Render(e.Content.Text))
		case acp.ToolCallStart:
			fmt.Println()
			fmt.Println(styles.Tool.Render(fmt.Sprintf("⚒ %s", toolTitle(e))))
		case acp.ToolCallProgress:
			if e.Status != "" {
				fmt.Println(styles.Tool.Render(fmt.Sprintf("  %s: %s", e.ToolCallID, e.Status)))
			}
		case acp.PlanUpdate:
			fmt.Println()
			fmt.Println(styles.Plan.Render("plan:"))
			for _, entry := range e.Entries {
				fmt.Println(styles.Plan.Render(fmt.Sprintf("  [%s] %s", entry.Status, entry.Content)))
			}
		case acp.ModeUpdate:
			fmt.Println(styles.Meta.Render(fmt.Sprintf("mode: %s", e.CurrentModeID)))
		case acp.PromptResponse:
			fmt.Println()
			fmt.Println(styles.Meta.Render(fmt.Sprintf("turn finished: %s", e.StopReason)))
		case acp.Error:
			fmt.Println()
			fmt.Println(styles.Err.Render(fmt.Sprintf("agent error %d: %s", e.Code, e.Message)))
		}
	}
}

func toolTitle(e acp.ToolCallStart) string {
	if e.Title != "" {
		return e.Title
	}
	return e.ToolCallID
}

func init() {
	runCmd.Flags().String("provider", "", "LLM provider (anthropic, openai, google, ...)")
	runCmd.Flags().String("model", "", "model name")
	runCmd.Flags().String("api-key", "", "provider API key")
	runCmd.Flags().String("api-base", "", "provider API base URL override")
	runCmd.Flags().String("knowledge", "", "directory linked into the sandbox as files/")
	runCmd.Flags().String("restore", "", "snapshot archive to seed outputs/ from")
	runCmd.Flags().Bool("keep", false, "leave the sandbox running after the session ends")
	runCmd.MarkFlagRequired("provider")
	runCmd.MarkFlagRequired("model")

	rootCmd.AddCommand(runCmd)
}
