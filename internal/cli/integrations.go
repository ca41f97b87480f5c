package cli

import (
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sqlgate/internal/integrations"
	"github.com/Dicklesworthstone/sqlgate/internal/output"
)

var (
	flagToolsFormat  string
	flagRulesReplace bool
	flagRulesPrint   bool
)

func init() {
	toolsCmd.Flags().StringVar(&flagToolsFormat, "format", "anthropic", "tool definition dialect: anthropic or openai")
	rulesCmd.Flags().BoolVar(&flagRulesReplace, "replace", false, "replace an existing sqlgate section")
	rulesCmd.Flags().BoolVar(&flagRulesPrint, "print", false, "print the section instead of writing a file")

	integrationsCmd.AddCommand(toolsCmd, rulesCmd)
	rootCmd.AddCommand(integrationsCmd)
}

var integrationsCmd = &cobra.Command{
	Use:   "integrations",
	Short: "Generate agent framework integration files",
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print function-calling tool definitions for the three intents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := integrations.ParseFormat(flagToolsFormat)
		if err != nil {
			return err
		}
		data, err := integrations.MarshalDefinitions(f)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules [file]",
	Short: "Add the sqlgate usage section to an agent rules file",
	Long: `Upsert the sqlgate section into an agent rules file such as AGENTS.md,
CLAUDE.md or .cursorrules (default AGENTS.md). The section is delimited by
markers so it can be refreshed with --replace.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRulesPrint {
			_, err := cmd.OutOrStdout().Write([]byte(integrations.RulesSection()))
			return err
		}
		path := "AGENTS.md"
		if len(args) == 1 {
			path = args[0]
		}
		mode := integrations.RulesAppend
		if flagRulesReplace {
			mode = integrations.RulesReplace
		}
		changed, err := integrations.InstallRules(path, mode)
		if err != nil {
			return err
		}
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if out.Format() == output.FormatJSON {
			return out.JSON(map[string]any{"path": path, "changed": changed})
		}
		if changed {
			out.Printf("updated %s\n", path)
		} else {
			out.Printf("%s already has the sqlgate section (use --replace to refresh)\n", path)
		}
		return nil
	},
}
