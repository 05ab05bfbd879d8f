package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantkit/quantkit/envconfig"
	"github.com/quantkit/quantkit/format"
	"github.com/quantkit/quantkit/quantize"
)

func newQuantizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quantize SOURCE",
		Short: "Quantize a model",
		Args:  cobra.ExactArgs(1),
		RunE:  QuantizeHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Output path (default SOURCE-PRECISION.gguf)")
	cmd.Flags().String("method", "dynamic", "Quantization method (dynamic, static, gptq, awq)")
	cmd.Flags().String("precision", "int8", "Target precision (fp16, int8, int4, int2)")
	cmd.Flags().Int("workers", 0, "Worker pool size (default autodetect)")
	cmd.Flags().Duration("timeout", 0, "Per-shard job timeout")
	cmd.Flags().String("calibration", "", "Calibration dataset path, one sample per line")
	cmd.Flags().Int("calibration-samples", 0, "Synthetic calibration set size")
	cmd.Flags().Float64("accuracy-threshold", 0.95, "Accuracy threshold for quality warnings")
	cmd.Flags().Int("group-size", 128, "Scale group size for gptq")
	cmd.Flags().Float64("clip-ratio", 0.9, "Clipping ratio for awq")
	cmd.Flags().Bool("no-validate", false, "Skip output validation")
	cmd.Flags().Bool("dry-run", false, "Estimate sizes without writing output")

	return cmd
}

// QuantizeHandler runs one quantization from the command line.
func QuantizeHandler(cmd *cobra.Command, args []string) error {
	sourcePath := args[0]

	cfg := quantize.DefaultConfig()

	var err error
	if s, _ := cmd.Flags().GetString("method"); s != "" {
		if cfg.Method, err = quantize.ParseMethod(s); err != nil {
			return err
		}
	}
	if s, _ := cmd.Flags().GetString("precision"); s != "" {
		if cfg.Precision, err = quantize.ParsePrecision(s); err != nil {
			return err
		}
	}

	cfg.CalibrationDataset, _ = cmd.Flags().GetString("calibration")
	if n, _ := cmd.Flags().GetInt("calibration-samples"); n > 0 {
		cfg.CalibrationSamples = n
	}
	if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
		cfg.Timeout = d
	}
	cfg.AccuracyThreshold, _ = cmd.Flags().GetFloat64("accuracy-threshold")
	cfg.GroupSize, _ = cmd.Flags().GetInt("group-size")
	cfg.ClipRatio, _ = cmd.Flags().GetFloat64("clip-ratio")
	cfg.DryRun, _ = cmd.Flags().GetBool("dry-run")
	if noValidate, _ := cmd.Flags().GetBool("no-validate"); noValidate {
		cfg.PreserveAccuracy = false
	}

	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath == "" {
		outputPath = defaultOutputPath(sourcePath, cfg.Precision)
	}

	workers, _ := cmd.Flags().GetInt("workers")
	if workers == 0 {
		workers = int(envconfig.Workers())
	}

	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	engine := quantize.NewEngine(workers, quantize.WithEvents(func(ev quantize.Event) {
		if !interactive {
			return
		}
		switch ev.Name {
		case quantize.EventStart:
			fmt.Fprintf(os.Stderr, "quantizing %s (%s, %s)\n",
				sourcePath, ev.Config.Method, ev.Config.Precision)
		case quantize.EventComplete:
			fmt.Fprintf(os.Stderr, "done in %s\n", ev.Result.Duration.Round(time.Millisecond))
		}
	}))
	defer engine.Close()

	result, err := engine.Quantize(cmd.Context(), sourcePath, outputPath, cfg)
	if err != nil {
		if result != nil {
			for _, e := range result.Errors {
				fmt.Fprintln(os.Stderr, "error:", e)
			}
		}
		return err
	}

	displayResult(result, cfg)
	return nil
}

func defaultOutputPath(sourcePath string, p quantize.Precision) string {
	base := strings.TrimSuffix(sourcePath, ".gguf")
	return fmt.Sprintf("%s-%s.gguf", base, p)
}

func displayResult(r *quantize.Result, cfg quantize.Config) {
	rows := [][]string{
		{"output", r.OutputPath},
		{"original size", format.HumanBytes(r.OriginalSize)},
		{"quantized size", format.HumanBytes(r.QuantizedSize)},
		{"compression", fmt.Sprintf("%.1f%%", r.CompressionPercentage)},
	}
	if r.Accuracy != nil {
		rows = append(rows, []string{"accuracy", fmt.Sprintf("%.4f", *r.Accuracy)})
	}
	if r.Perplexity != nil {
		rows = append(rows, []string{"perplexity", fmt.Sprintf("%.2f", *r.Perplexity)})
	}
	rows = append(rows, []string{"duration", r.Duration.Round(time.Millisecond).String()})

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", strings.ToUpper(cfg.Method.String() + " " + cfg.Precision.String())})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()

	for _, w := range r.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
}
