package quantize

import "errors"

// Fatal errors abort the whole call with no output written. Quality
// shortfalls are not errors; they are accumulated into Result.Warnings.
var (
	// ErrInputNotFound is returned when the source model does not exist.
	ErrInputNotFound = errors.New("input model not found")

	// ErrUnsupportedFormat is returned when the source cannot be analyzed.
	ErrUnsupportedFormat = errors.New("unsupported model format")

	// ErrUnsupportedMethod is returned for an unrecognized quantization method.
	ErrUnsupportedMethod = errors.New("unsupported quantization method")

	// ErrUnsupportedPrecision is returned for an unrecognized target precision.
	ErrUnsupportedPrecision = errors.New("unsupported target precision")

	// ErrCalibrationData is returned when a method requires calibration data
	// and none can be prepared.
	ErrCalibrationData = errors.New("calibration data unavailable")

	// ErrJobTimeout is returned when a shard job does not resolve within the
	// configured timeout.
	ErrJobTimeout = errors.New("shard job timed out")

	// ErrWorkerCrashed is returned for jobs lost to a worker panic. The pool
	// restores its size before the next call.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrPoolShutdown rejects jobs submitted to or pending on a terminated pool.
	ErrPoolShutdown = errors.New("worker pool shut down")
)
