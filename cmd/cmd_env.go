package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/quantkit/quantkit/envconfig"
)

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show effective environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vals := envconfig.Values()

			keys := make([]string, 0, len(vals))
			for k := range vals {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			for _, k := range keys {
				fmt.Printf("%s=%q\n", k, vals[k])
			}
			return nil
		},
	}
}
