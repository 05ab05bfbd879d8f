package quantize

import (
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"

	"github.com/quantkit/quantkit/fs/ggml"
)

// validationProbeLimit caps how many quantized tensors the validator
// decodes. Probing a handful of the largest eligible tensors tracks
// whole-model error closely at a fraction of the cost.
const validationProbeLimit = 8

// validateOutput measures reconstruction quality of the written model and
// records it on result. A missing or unreadable output is a hard error;
// quality shortfalls only append warnings.
func validateOutput(result *Result, sourcePath, outputPath string, cfg Config) error {
	fi, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("validation: output missing: %w", err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("validation: output %s is empty", outputPath)
	}

	accuracy, err := probeAccuracy(sourcePath, outputPath)
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}

	// proxy: reconstruction error maps onto a perplexity-like score where
	// perfect accuracy keeps the source perplexity unchanged
	perplexity := 8.0 * math.Exp(4*(1-accuracy))

	result.Accuracy = &accuracy
	result.Perplexity = &perplexity

	if accuracy < cfg.AccuracyThreshold {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Accuracy %.4f below threshold %.2f", accuracy, cfg.AccuracyThreshold))
	}

	theoretical := cfg.Precision.TheoreticalRatio()
	if result.CompressionRatio >= 1 || result.CompressionRatio < theoretical/2 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("unusual compression ratio %.3f for %s", result.CompressionRatio, cfg.Precision))
	}

	return nil
}

// probeAccuracy compares a sample of quantized tensors against their source
// values. Accuracy is 1 minus the mean normalized RMS error, clamped to [0,1].
func probeAccuracy(sourcePath, outputPath string) (float64, error) {
	src, srcFile, err := openModel(sourcePath)
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	out, outFile, err := openModel(outputPath)
	if err != nil {
		return 0, err
	}
	defer outFile.Close()

	srcTensors := make(map[string]*ggml.Tensor)
	for _, t := range src.Tensors().Items() {
		srcTensors[t.Name] = t
	}

	var scores []float64
	for _, qt := range out.Tensors().Items() {
		if len(scores) == validationProbeLimit {
			break
		}

		kind := ggml.TensorType(qt.Kind)
		if !kind.IsQuantized() {
			continue
		}
		st, ok := srcTensors[qt.Name]
		if !ok {
			return 0, fmt.Errorf("tensor %s not present in source", qt.Name)
		}

		want, err := readTensorValues(srcFile, src.Tensors().Offset, st)
		if err != nil {
			return 0, err
		}
		got, err := readTensorValues(outFile, out.Tensors().Offset, qt)
		if err != nil {
			return 0, err
		}
		if len(want) != len(got) {
			return 0, fmt.Errorf("tensor %s: element count changed from %d to %d", qt.Name, len(want), len(got))
		}

		scores = append(scores, normalizedError(want, got))
	}

	if len(scores) == 0 {
		// nothing was quantized, e.g. an fp16 conversion of an fp16 model
		return 1, nil
	}

	accuracy := 1 - stat.Mean(scores, nil)
	return math.Max(0, math.Min(1, accuracy)), nil
}

func openModel(path string) (*ggml.GGML, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	g, err := ggml.Decode(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	return g, f, nil
}

func readTensorValues(f *os.File, dataOffset uint64, t *ggml.Tensor) ([]float32, error) {
	data := make([]byte, t.Size())
	if _, err := f.ReadAt(data, int64(dataOffset+t.Offset)); err != nil {
		return nil, fmt.Errorf("reading tensor %s: %w", t.Name, err)
	}
	return dequantizeTensor(ggml.TensorType(t.Kind), data)
}

// normalizedError is the RMS reconstruction error scaled by the source
// values' spread, so tensors of different magnitudes compare fairly.
func normalizedError(want, got []float32) float64 {
	values := make([]float64, len(want))
	var sq float64
	for i := range want {
		values[i] = float64(want[i])
		d := float64(want[i]) - float64(got[i])
		sq += d * d
	}

	rmse := math.Sqrt(sq / float64(len(want)))
	std := stat.PopStdDev(values, nil)
	if std == 0 {
		if rmse == 0 {
			return 0
		}
		return 1
	}

	return math.Min(1, rmse/std)
}
