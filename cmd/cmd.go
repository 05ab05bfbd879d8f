// Package cmd implements the quantkit command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantkit/quantkit/envconfig"
	"github.com/quantkit/quantkit/version"
)

// appendEnvDocs adds environment variable documentation to a command's
// usage output.
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-30s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func initLogging() {
	level := envconfig.LogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				attr.Value = slog.StringValue(attr.Value.Time().Format(time.Kitchen))
			}
			return attr
		},
	})))
}

// NewCLI builds the root command with all subcommands attached.
func NewCLI() *cobra.Command {
	initLogging()
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "quantkit",
		Short:         "Model quantization toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Println("quantkit version", version.Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	quantizeCmd := newQuantizeCmd()
	inspectCmd := newInspectCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(quantizeCmd, []envconfig.EnvVar{
		envVars["QUANTKIT_DEBUG"],
		envVars["QUANTKIT_WORKERS"],
		envVars["QUANTKIT_TIMEOUT"],
		envVars["QUANTKIT_CALIBRATION_SAMPLES"],
	})

	rootCmd.AddCommand(quantizeCmd, inspectCmd, envCmd)
	return rootCmd
}

// Execute runs the CLI with the given context.
func Execute(ctx context.Context) error {
	return NewCLI().ExecuteContext(ctx)
}
