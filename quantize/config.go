package quantize

import (
	"fmt"
	"math"
	"time"

	"github.com/quantkit/quantkit/envconfig"
	"github.com/quantkit/quantkit/fs/ggml"
)

// Method selects the quantization algorithm.
type Method int

const (
	// MethodDynamic quantizes weights post-training with per-block minmax
	// scales and needs no calibration data.
	MethodDynamic Method = iota

	// MethodStatic derives clipping from calibration statistics before
	// quantizing.
	MethodStatic

	// MethodGPTQ reconstructs scales group-wise over GroupSize weights.
	MethodGPTQ

	// MethodAWQ clips scales activation-aware using ClipRatio weighted by
	// calibration statistics.
	MethodAWQ
)

// ParseMethod parses a method name.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "dynamic":
		return MethodDynamic, nil
	case "static":
		return MethodStatic, nil
	case "gptq":
		return MethodGPTQ, nil
	case "awq":
		return MethodAWQ, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
}

func (m Method) String() string {
	switch m {
	case MethodDynamic:
		return "dynamic"
	case MethodStatic:
		return "static"
	case MethodGPTQ:
		return "gptq"
	case MethodAWQ:
		return "awq"
	default:
		return "unknown"
	}
}

// RequiresCalibration reports whether the method derives its quantization
// parameters from activation statistics.
func (m Method) RequiresCalibration() bool {
	switch m {
	case MethodStatic, MethodGPTQ, MethodAWQ:
		return true
	default:
		return false
	}
}

// Precision is the target storage precision.
type Precision int

const (
	PrecisionFP16 Precision = iota
	PrecisionINT8
	PrecisionINT4
	PrecisionINT2
)

// ParsePrecision parses a precision name.
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "fp16":
		return PrecisionFP16, nil
	case "int8":
		return PrecisionINT8, nil
	case "int4":
		return PrecisionINT4, nil
	case "int2":
		return PrecisionINT2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedPrecision, s)
	}
}

func (p Precision) String() string {
	switch p {
	case PrecisionFP16:
		return "fp16"
	case PrecisionINT8:
		return "int8"
	case PrecisionINT4:
		return "int4"
	case PrecisionINT2:
		return "int2"
	default:
		return "unknown"
	}
}

// TheoreticalRatio is the expected quantized/original size ratio for an
// FP32 source, used when the actual output size cannot be measured.
func (p Precision) TheoreticalRatio() float64 {
	switch p {
	case PrecisionFP16:
		return 0.5
	case PrecisionINT8:
		return 0.25
	case PrecisionINT4:
		return 0.125
	case PrecisionINT2:
		return 0.0625
	default:
		return 1
	}
}

// tensorType maps the precision to the storage type quantized tensors use.
func (p Precision) tensorType() ggml.TensorType {
	switch p {
	case PrecisionFP16:
		return ggml.TensorTypeF16
	case PrecisionINT8:
		return ggml.TensorTypeQ8_0
	case PrecisionINT4:
		return ggml.TensorTypeQ4_0
	case PrecisionINT2:
		return ggml.TensorTypeQ2_0
	default:
		return ggml.TensorTypeF32
	}
}

func (p Precision) fileType() ggml.FileType {
	switch p {
	case PrecisionFP16:
		return ggml.FileTypeF16
	case PrecisionINT8:
		return ggml.FileTypeQ8_0
	case PrecisionINT4:
		return ggml.FileTypeQ4_0
	case PrecisionINT2:
		return ggml.FileTypeQ2_0
	default:
		return ggml.FileTypeF32
	}
}

// Config holds the settings for one Quantize call. It is treated as
// immutable once the call starts.
type Config struct {
	Method    Method
	Precision Precision

	// PreserveAccuracy gates the post-quantization validation step.
	PreserveAccuracy bool

	// AccuracyThreshold in (0,1]; shortfalls produce a warning, not a failure.
	AccuracyThreshold float64

	// CalibrationDataset is an optional path to a text dataset, one sample
	// per line. When empty, CalibrationSamples synthetic samples are
	// generated deterministically.
	CalibrationDataset string
	CalibrationSamples int

	// Workers caps the number of simultaneously in-flight shard jobs. Zero
	// means the full pool.
	Workers int

	// Timeout applies per shard job, measured from dispatch.
	Timeout time.Duration

	// GroupSize is the scale reconstruction group for MethodGPTQ.
	GroupSize int

	// ClipRatio is the activation-aware clipping ratio for MethodAWQ.
	ClipRatio float64

	// DryRun plans and estimates without writing any output.
	DryRun bool
}

// DefaultConfig returns the defaults: dynamic int8, validation on, and
// operational knobs from the environment.
func DefaultConfig() Config {
	return Config{
		Method:             MethodDynamic,
		Precision:          PrecisionINT8,
		PreserveAccuracy:   true,
		AccuracyThreshold:  0.95,
		CalibrationSamples: int(envconfig.CalibrationSamples()),
		Timeout:            envconfig.Timeout(),
		GroupSize:          128,
		ClipRatio:          0.9,
	}
}

// normalize fills unset fields and validates ranges. poolSize is the worker
// pool's fixed size.
func (c *Config) normalize(poolSize int) error {
	if c.Method < MethodDynamic || c.Method > MethodAWQ {
		return fmt.Errorf("%w: %d", ErrUnsupportedMethod, c.Method)
	}
	if c.Precision < PrecisionFP16 || c.Precision > PrecisionINT2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedPrecision, c.Precision)
	}

	if c.AccuracyThreshold == 0 {
		c.AccuracyThreshold = 0.95
	}
	if c.AccuracyThreshold <= 0 || c.AccuracyThreshold > 1 || math.IsNaN(c.AccuracyThreshold) {
		return fmt.Errorf("accuracy threshold %v outside (0,1]", c.AccuracyThreshold)
	}

	if c.CalibrationSamples == 0 {
		c.CalibrationSamples = int(envconfig.CalibrationSamples())
	}
	if c.CalibrationSamples < 1 {
		return fmt.Errorf("calibration samples must be positive, got %d", c.CalibrationSamples)
	}

	if c.Workers == 0 {
		c.Workers = poolSize
	}
	if c.Workers < 1 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}
	if c.Workers > poolSize {
		c.Workers = poolSize
	}

	if c.Timeout == 0 {
		c.Timeout = envconfig.Timeout()
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	if c.GroupSize == 0 {
		c.GroupSize = 128
	}
	if c.GroupSize < 32 || c.GroupSize%32 != 0 {
		return fmt.Errorf("group size must be a positive multiple of 32, got %d", c.GroupSize)
	}

	if c.ClipRatio == 0 {
		c.ClipRatio = 0.9
	}
	if c.ClipRatio <= 0 || c.ClipRatio > 1 {
		return fmt.Errorf("clip ratio %v outside (0,1]", c.ClipRatio)
	}

	return nil
}
