package quantize

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantkit/quantkit/discover"
	"github.com/quantkit/quantkit/format"
	"github.com/quantkit/quantkit/fs/ggml"
)

// Engine orchestrates quantization runs over a fixed-size worker pool. One
// engine serves any number of sequential or concurrent Quantize calls; the
// pool is shared across all of them.
type Engine struct {
	pool   *pool
	events EventFunc

	mu    sync.Mutex
	stats EngineStats
}

// EngineStats counts shard jobs across the engine's lifetime.
type EngineStats struct {
	TotalJobs      uint64
	SuccessfulJobs uint64
	FailedJobs     uint64
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	ActiveJobs         int     `json:"active_jobs"`
	WorkerCount        int     `json:"worker_count"`
	TotalJobsCompleted uint64  `json:"total_jobs_completed"`
	SuccessRate        float64 `json:"success_rate"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents registers a callback for run lifecycle events.
func WithEvents(fn EventFunc) Option {
	return func(e *Engine) {
		e.events = fn
	}
}

// NewEngine starts an engine with the given pool size. workers < 1 selects
// a size based on the machine's CPU count.
func NewEngine(workers int, opts ...Option) *Engine {
	if workers < 1 {
		workers = discover.DefaultWorkers()
	}

	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}

	e.pool = newPool(workers, runShardJob)
	slog.Debug("engine started", "workers", workers)
	return e
}

// Close shuts the worker pool down. Pending jobs fail with ErrPoolShutdown
// and in-flight Quantize calls return unsuccessfully. Safe to call twice.
func (e *Engine) Close() {
	e.pool.terminateAll()
}

// Stats reports the engine's current state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := e.stats
	e.mu.Unlock()

	completed := st.SuccessfulJobs + st.FailedJobs
	rate := 1.0
	if completed > 0 {
		rate = float64(st.SuccessfulJobs) / float64(completed)
	}

	return Stats{
		ActiveJobs:         e.pool.activeJobs(),
		WorkerCount:        e.pool.workerCount(),
		TotalJobsCompleted: completed,
		SuccessRate:        rate,
	}
}

func (e *Engine) emit(ev Event) {
	if e.events != nil {
		e.events(ev)
	}
}

func (e *Engine) recordJobs(successful, failed uint64) {
	e.mu.Lock()
	e.stats.TotalJobs += successful + failed
	e.stats.SuccessfulJobs += successful
	e.stats.FailedJobs += failed
	e.mu.Unlock()
}

// Quantize converts the model at sourcePath and writes the result to
// outputPath. The output appears only on success: work happens in a
// "-partial" sibling that is renamed into place at the end and removed on
// any failure. A non-nil Result is returned whenever the run progressed far
// enough to describe, even alongside an error.
func (e *Engine) Quantize(ctx context.Context, sourcePath, outputPath string, cfg Config) (*Result, error) {
	if err := cfg.normalize(e.pool.workerCount()); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{RunID: uuid.NewString(), OutputPath: outputPath}

	slog.Info("quantize", "id", result.RunID, "source", sourcePath,
		"method", cfg.Method, "precision", cfg.Precision)
	e.emit(Event{Name: EventStart, RunID: result.RunID, SourcePath: sourcePath, Config: &cfg})

	info, g, warnings, err := analyzeModel(sourcePath)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warnings...)

	if _, available := discover.SystemMemory(); available > 0 && available < uint64(info.SizeBytes)*3/2 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("low memory: %s available for a %s model",
				format.HumanBytes(int64(available)), format.HumanBytes(info.SizeBytes)))
	}

	policy := scalePolicy{clip: 1}
	if cfg.Method.RequiresCalibration() {
		cs, err := prepareCalibration(cfg, info)
		if err != nil {
			return nil, err
		}
		slog.Debug("calibration ready", "samples", len(cs.Samples),
			"energy", cs.Energy, "spread", cs.Spread)
		policy = methodPolicy(cfg, cs)
	}

	target := cfg.Precision.tensorType()
	shards := partitionShards(g.Tensors())

	if cfg.DryRun {
		result.Success = true
		result.setSizes(info.SizeBytes, estimateQuantizedSize(g, target))
		result.Duration = time.Since(start)
		e.emit(Event{Name: EventComplete, RunID: result.RunID, SourcePath: sourcePath, Result: result})
		return result, nil
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	outputs := make([][]tensorOutput, len(shards))
	group, gCtx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.Workers)

	for i, shard := range shards {
		group.Go(func() error {
			j, err := buildJob(f, g.Tensors().Offset, shard, target, policy)
			if err != nil {
				return fmt.Errorf("shard %s: %w", shard.shard.Name, err)
			}

			fut, err := e.pool.submit(j)
			if err != nil {
				return fmt.Errorf("shard %s: %w", shard.shard.Name, err)
			}

			out, err := fut.wait(gCtx, e.pool, cfg.Timeout)
			if err != nil {
				return fmt.Errorf("shard %s: %w", shard.shard.Name, err)
			}

			outputs[i] = out
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		var succeeded uint64
		for _, out := range outputs {
			if out != nil {
				succeeded++
			}
		}
		e.recordJobs(succeeded, uint64(len(shards))-succeeded)

		result.Errors = append(result.Errors, err.Error())
		result.Duration = time.Since(start)
		e.emit(Event{Name: EventComplete, RunID: result.RunID, SourcePath: sourcePath, Result: result})
		return result, err
	}
	e.recordJobs(uint64(len(shards)), 0)

	if err := writeOutput(g.KV(), outputs, cfg, outputPath); err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Duration = time.Since(start)
		e.emit(Event{Name: EventComplete, RunID: result.RunID, SourcePath: sourcePath, Result: result})
		return result, err
	}

	fi, err := os.Stat(outputPath)
	if err != nil {
		return nil, err
	}
	result.setSizes(info.SizeBytes, fi.Size())

	if cfg.PreserveAccuracy {
		if err := validateOutput(result, sourcePath, outputPath, cfg); err != nil {
			os.Remove(outputPath)
			result.Errors = append(result.Errors, err.Error())
			result.Duration = time.Since(start)
			e.emit(Event{Name: EventComplete, RunID: result.RunID, SourcePath: sourcePath, Result: result})
			return result, err
		}
	}

	result.Success = true
	result.Duration = time.Since(start)
	slog.Info("quantize complete", "id", result.RunID,
		"size", format.HumanBytes(result.QuantizedSize),
		"compression", fmt.Sprintf("%.1f%%", result.CompressionPercentage),
		"duration", result.Duration)
	e.emit(Event{Name: EventComplete, RunID: result.RunID, SourcePath: sourcePath, Result: result})
	return result, nil
}

// shardPlan pairs a shard with its tensors in a stable order.
type shardPlan struct {
	shard   shardDescriptor
	tensors []*ggml.Tensor
}

// partitionShards splits the tensor table into per-layer shards: "blk.N"
// groups in block order first, then the remaining groups alphabetically.
func partitionShards(ts ggml.Tensors) []shardPlan {
	layers := ts.GroupLayers()

	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		an, aok := blockNumber(a)
		bn, bok := blockNumber(b)
		switch {
		case aok && bok:
			return an - bn
		case aok:
			return -1
		case bok:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})

	shards := make([]shardPlan, len(names))
	for i, name := range names {
		layer := layers[name]
		tensors := make([]*ggml.Tensor, 0, len(layer))
		for _, t := range layer {
			tensors = append(tensors, t)
		}
		slices.SortFunc(tensors, func(a, b *ggml.Tensor) int {
			return strings.Compare(a.Name, b.Name)
		})
		shards[i] = shardPlan{shard: shardDescriptor{Name: name, Index: i}, tensors: tensors}
	}

	return shards
}

func blockNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "blk.")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

// buildJob reads a shard's tensor data from the source file and marks each
// tensor for quantization or passthrough.
func buildJob(f *os.File, dataOffset uint64, plan shardPlan, target ggml.TensorType, policy scalePolicy) (job, error) {
	inputs := make([]tensorInput, len(plan.tensors))
	for i, t := range plan.tensors {
		data := make([]byte, t.Size())
		if _, err := f.ReadAt(data, int64(dataOffset+t.Offset)); err != nil {
			return job{}, fmt.Errorf("reading tensor %s: %w", t.Name, err)
		}

		kind := ggml.TensorType(t.Kind)
		inputs[i] = tensorInput{
			name:     t.Name,
			kind:     kind,
			shape:    t.Shape,
			data:     data,
			quantize: kind != target && shouldQuantizeTensor(t),
		}
	}

	return job{shard: plan.shard, tensors: inputs, target: target, policy: policy}, nil
}

// shouldQuantizeTensor reports whether a tensor is eligible for block
// quantization. Embeddings, norms and biases stay in their source
// precision, as do tensors too small or misaligned to block.
func shouldQuantizeTensor(t *ggml.Tensor) bool {
	if !strings.HasSuffix(t.Name, ".weight") || len(t.Shape) != 2 {
		return false
	}
	if strings.Contains(t.Name, "embd") || strings.Contains(t.Name, "norm") ||
		strings.HasPrefix(t.Name, "ln_") {
		return false
	}
	if t.Elements() < 1024 || t.Shape[0]%32 != 0 {
		return false
	}

	switch ggml.TensorType(t.Kind) {
	case ggml.TensorTypeF32, ggml.TensorTypeF16, ggml.TensorTypeBF16:
		return true
	default:
		return false
	}
}

// runShardJob is the pool's worker function.
func runShardJob(j job) ([]tensorOutput, error) {
	outputs := make([]tensorOutput, len(j.tensors))
	for i, in := range j.tensors {
		if !in.quantize {
			outputs[i] = tensorOutput{name: in.name, kind: in.kind, shape: in.shape, data: in.data}
			continue
		}

		values, err := decodeTensorData(in.kind, in.data)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", in.name, err)
		}

		data, err := quantizeTensor(values, j.target, j.policy)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", in.name, err)
		}

		outputs[i] = tensorOutput{name: in.name, kind: j.target, shape: in.shape, data: data}
	}

	return outputs, nil
}

// writeOutput assembles the quantized model and moves it into place
// atomically. Nothing is left at outputPath on failure.
func writeOutput(kv ggml.KV, outputs [][]tensorOutput, cfg Config, outputPath string) error {
	var tensors []*ggml.Tensor
	for _, shard := range outputs {
		for _, out := range shard {
			tensors = append(tensors, &ggml.Tensor{
				Name:     out.name,
				Kind:     uint32(out.kind),
				Shape:    out.shape,
				WriterTo: bytes.NewReader(out.data),
			})
		}
	}

	outKV := kv.Clone()
	outKV.Set("general.file_type", cfg.Precision.fileType())
	if cfg.Precision != PrecisionFP16 {
		outKV.Set("general.quantization_version", uint32(2))
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	partial := outputPath + "-partial"
	f, err := os.Create(partial)
	if err != nil {
		return err
	}

	if err := ggml.WriteGGUF(f, outKV, tensors); err != nil {
		f.Close()
		os.Remove(partial)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return err
	}

	return os.Rename(partial, outputPath)
}

// estimateQuantizedSize predicts the output size of a dry run from tensor
// shapes alone. Header overhead is carried over unchanged.
func estimateQuantizedSize(g *ggml.GGML, target ggml.TensorType) int64 {
	size := g.Length
	for _, t := range g.Tensors().Items() {
		if shouldQuantizeTensor(t) && ggml.TensorType(t.Kind) != target {
			size += int64(t.Elements() * target.TypeSize() / target.BlockSize())
		} else {
			size += int64(t.Size())
		}
	}
	return size
}
