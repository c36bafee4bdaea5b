package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stepflow/internal/output"
)

// Flags shared by several commands.
var (
	configPath  string
	serverURL   string
	apiToken    string
	serveBind   string
	serveDriver string
	watchRun    string
	watchPlain  bool
)

// ServeCmd starts the orchestration service.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stepflow server",
	Long: `Start the HTTP API, websocket event gateway, metrics endpoint and MCP
tools on one port. When stdin is a pipe the MCP tools are also served over
stdio for agents that spawn stepflow directly.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := RunServe(cmd.Context(), ServeOptions{
			ConfigPath: configPath,
			Bind:       serveBind,
			Driver:     serveDriver,
		}); err != nil {
			output.Fatal(err)
		}
	},
}

// TemplatesCmd is the parent command for run templates.
var TemplatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"tpl"},
	Short:   "Manage run templates",
	Long:    "List, show and validate the templates runs are created from",
}

// TemplatesListCmd lists templates.
var TemplatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run templates",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := RunTemplatesList(configPath); err != nil {
			output.Fatal(err)
		}
	},
}

// TemplatesShowCmd prints one template.
var TemplatesShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a run template",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := RunTemplatesShow(configPath, args[0]); err != nil {
			output.Fatal(err)
		}
	},
}

// TemplatesValidateCmd checks template files without installing them.
var TemplatesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate template files",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := RunTemplatesValidate(args); err != nil {
			output.Fatal(err)
		}
	},
}

// StepsCmd prints a run's steps from a running server.
var StepsCmd = &cobra.Command{
	Use:   "steps <runId>",
	Short: "Show the steps of a run",
	Long:  "Fetch a run's steps from a running stepflow server and show which step is active",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := resolveClient(configPath, serverURL, apiToken)
		if err != nil {
			output.Fatal(err)
		}
		if err := RunSteps(cmd.Context(), client, args[0]); err != nil {
			output.Fatal(err)
		}
	},
}

// WatchCmd follows a project's live events.
var WatchCmd = &cobra.Command{
	Use:   "watch <projectId>",
	Short: "Watch a project's live events",
	Long: `Join a project's event room on a running stepflow server. On a terminal
this opens a live view of the run's steps; otherwise each event is printed
as one line.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := resolveClient(configPath, serverURL, apiToken)
		if err != nil {
			output.Fatal(err)
		}
		if err := RunWatch(cmd.Context(), client, WatchOptions{
			ProjectID: args[0],
			RunID:     watchRun,
			Plain:     watchPlain,
		}); err != nil {
			output.Fatal(err)
		}
	},
}

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show stepflow version",
	Run: func(cmd *cobra.Command, args []string) {
		RunVersion()
	},
}

// CompletionCmd generates shell completion scripts
var CompletionCmd = &cobra.Command{
	Use:    "completion [bash|zsh|fish|powershell]",
	Short:  "Generate shell completion script",
	Hidden: true,
	Long: `Generate shell completion script for the specified shell.

Usage examples:
  # Bash
  source <(stepflow completion bash)

  # Zsh
  source <(stepflow completion zsh)

  # Fish
  stepflow completion fish | source`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return fmt.Errorf("unsupported shell: %s", args[0])
	},
}

// AddPersistentFlags registers flags every subcommand understands.
func AddPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.stepflow/config.yaml)")
}

func init() {
	ServeCmd.Flags().StringVar(&serveBind, "bind", "", "Listen address (overrides http.bind)")
	ServeCmd.Flags().StringVar(&serveDriver, "db", "", "Database driver: memory, sqlite or postgres (overrides database.driver)")

	for _, c := range []*cobra.Command{StepsCmd, WatchCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "Server URL (default derived from http.bind)")
		c.Flags().StringVar(&apiToken, "token", "", "API token (default first of http.tokens)")
	}
	WatchCmd.Flags().StringVar(&watchRun, "run", "", "Pin the step panel to this run id")
	WatchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print events line by line even on a terminal")

	TemplatesCmd.AddCommand(TemplatesListCmd, TemplatesShowCmd, TemplatesValidateCmd)
}
