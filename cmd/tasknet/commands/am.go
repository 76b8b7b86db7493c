package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show tasknet configuration",
	Long: sym.AM + ` am - Show tasknet configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (TASKNET_* prefix)
2. Project config (./am.toml, searched upwards)
3. User config (~/.tasknet/am.toml)
4. System config (/etc/tasknet/am.toml)
5. Default values

Examples:
  tasknet am show                 # Show current configuration as TOML
  tasknet am show --sources       # Show where each setting came from
  tasknet am validate             # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the merged configuration. The superuser token is masked.",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var showSources bool

func init() {
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "Show the source of every setting")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	out := cmd.OutOrStdout()
	if showSources {
		ci := am.GetConfigIntrospection()
		if ci.ConfigFile != "" {
			fmt.Fprintf(out, "# Config file: %s\n", ci.ConfigFile)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE\tFROM")
		for _, s := range ci.Settings {
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", s.Key, s.Value, s.Source, s.SourcePath)
		}
		return w.Flush()
	}

	redacted := cfg.Redacted()
	data, err := am.Marshal(&redacted)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# tasknet configuration\n%s", data)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}
