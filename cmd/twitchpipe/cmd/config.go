package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/twitchpipe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing twitchpipe configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

You can redirect this output to a file to create a configuration template:

  twitchpipe config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, ~/.twitchpipe/config.yaml, /etc/twitchpipe/config.yaml)
  - Environment variables (TWITCHPIPE_ACQUISITION_QUALITY, TWITCHPIPE_HTTP_TIMEOUT, ...)
  - Command-line flags

Environment variables use the TWITCHPIPE_ prefix and underscores for nesting.
Example: acquisition.quality -> TWITCHPIPE_ACQUISITION_QUALITY`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	config.SetDefaults(v)

	yamlData, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "# twitchpipe configuration defaults")
	fmt.Fprint(cmd.OutOrStdout(), string(yamlData))
	return nil
}
