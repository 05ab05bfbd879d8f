package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/quantkit/quantkit/format"
	"github.com/quantkit/quantkit/quantize"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show model information",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}

// InspectHandler prints analyzer output for a model file.
func InspectHandler(cmd *cobra.Command, args []string) error {
	info, err := quantize.Analyze(args[0])
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk([][]string{
		{"path", info.Path},
		{"format", info.Format},
		{"architecture", info.Architecture},
		{"parameters", format.HumanNumber(info.ParameterCount)},
		{"tensors", format.HumanNumber(uint64(info.TensorCount))},
		{"size", format.HumanBytes(info.SizeBytes)},
		{"modified", info.LastModified.Format("2006-01-02 15:04:05")},
	})
	table.Render()

	return nil
}
