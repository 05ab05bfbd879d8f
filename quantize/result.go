package quantize

import "time"

// Result is the outcome of one Quantize call. It is populated incrementally
// while the call runs and must not be mutated after it is returned.
type Result struct {
	RunID      string `json:"run_id"`
	Success    bool   `json:"success"`
	OutputPath string `json:"output_path"`

	OriginalSize  int64 `json:"original_size"`
	QuantizedSize int64 `json:"quantized_size"`

	// CompressionRatio is quantized/original size.
	CompressionRatio float64 `json:"compression_ratio"`
	// CompressionPercentage is 100*(1-CompressionRatio).
	CompressionPercentage float64 `json:"compression_percentage"`

	Accuracy   *float64 `json:"accuracy,omitempty"`
	Perplexity *float64 `json:"perplexity,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	Duration time.Duration `json:"duration"`
}

// MeetsQualityThreshold reports whether the measured accuracy reaches
// threshold. It is advisory: a shortfall never flips Success. Unmeasured
// accuracy (validation skipped) counts as meeting the threshold.
func (r *Result) MeetsQualityThreshold(threshold float64) bool {
	if r.Accuracy == nil {
		return true
	}
	return *r.Accuracy >= threshold
}

// setSizes records the size pair and derives the compression figures.
func (r *Result) setSizes(original, quantized int64) {
	r.OriginalSize = original
	r.QuantizedSize = quantized
	if original > 0 {
		r.CompressionRatio = float64(quantized) / float64(original)
		r.CompressionPercentage = 100 * (1 - r.CompressionRatio)
	}
}
