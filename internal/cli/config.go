package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load configuration from defaults, the config file, the env file and
STEPSYNC_* environment variables, validate it, and print the result.
Credentials in redis.url are masked.

Examples:
  stepsync config
  STEPSYNC_ENGINE_DEBOUNCE_MS=500 stepsync config --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return f.Fail("invalid configuration", err)
			}
			redacted := cfg.Redacted()

			text, err := yaml.Marshal(redacted)
			if err != nil {
				return f.Fail("failed to render configuration", err)
			}
			return f.Success(redacted, string(text))
		},
	}
}
