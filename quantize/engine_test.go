package quantize

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantkit/quantkit/fs/ggml"
)

// writeFixtureModel creates a small F32 model with two transformer blocks,
// an embedding and a norm, and returns its path.
func writeFixtureModel(t *testing.T, dir string) string {
	t.Helper()

	weights := make([]float32, 64*32)
	for i := range weights {
		weights[i] = float32(math.Sin(float64(i)*0.73)) * 2
	}
	norm := make([]float32, 64)
	for i := range norm {
		norm[i] = 1 + float32(i)*0.001
	}

	tensor := func(name string, shape []uint64, values []float32) *ggml.Tensor {
		return &ggml.Tensor{
			Name:     name,
			Kind:     uint32(ggml.TensorTypeF32),
			Shape:    shape,
			WriterTo: bytes.NewReader(f32leBytes(values)),
		}
	}

	kv := ggml.NewKV()
	kv.Set("general.architecture", "llama")
	kv.Set("llama.embedding_length", uint32(64))
	kv.Set("llama.block_count", uint32(2))

	tensors := []*ggml.Tensor{
		tensor("token_embd.weight", []uint64{64, 32}, weights),
		tensor("blk.0.attn_q.weight", []uint64{64, 32}, weights),
		tensor("blk.0.attn_norm.weight", []uint64{64}, norm),
		tensor("blk.1.ffn_up.weight", []uint64{64, 32}, weights),
		tensor("output_norm.weight", []uint64{64}, norm),
	}

	path := filepath.Join(dir, "model.gguf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := ggml.WriteGGUF(f, kv, tensors); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestQuantizeDynamicINT8(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)
	output := filepath.Join(dir, "model-int8.gguf")

	var events []Event
	engine := NewEngine(2, WithEvents(func(ev Event) {
		events = append(events, ev)
	}))
	defer engine.Close()

	result, err := engine.Quantize(context.Background(), source, output, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	if !result.Success {
		t.Errorf("Success = false, errors: %v", result.Errors)
	}
	if result.RunID == "" {
		t.Error("empty run id")
	}
	if result.CompressionRatio >= 1 {
		t.Errorf("compression ratio = %v, want < 1", result.CompressionRatio)
	}
	if result.QuantizedSize >= result.OriginalSize {
		t.Errorf("quantized %d >= original %d", result.QuantizedSize, result.OriginalSize)
	}
	if result.Accuracy == nil {
		t.Error("accuracy not measured with validation enabled")
	}

	if _, err := os.Stat(output); err != nil {
		t.Errorf("output missing: %v", err)
	}
	if _, err := os.Stat(output + "-partial"); !errors.Is(err, os.ErrNotExist) {
		t.Error("partial file left behind")
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Name != EventStart || events[1].Name != EventComplete {
		t.Errorf("event order: %s, %s", events[0].Name, events[1].Name)
	}
	if events[1].Result == nil || events[1].Result.RunID != result.RunID {
		t.Error("complete event does not carry the run's result")
	}

	g, err := decodeFile(t, output)
	if err != nil {
		t.Fatal(err)
	}
	for _, tensor := range g.Tensors().Items() {
		kind := ggml.TensorType(tensor.Kind)
		switch {
		case strings.Contains(tensor.Name, "norm"), strings.Contains(tensor.Name, "embd"):
			if kind != ggml.TensorTypeF32 {
				t.Errorf("%s quantized to %s, want F32 passthrough", tensor.Name, kind)
			}
		default:
			if kind != ggml.TensorTypeQ8_0 {
				t.Errorf("%s = %s, want Q8_0", tensor.Name, kind)
			}
		}
	}
	if got := g.KV().Uint("general.file_type"); got != uint32(ggml.FileTypeQ8_0) {
		t.Errorf("general.file_type = %d, want %d", got, ggml.FileTypeQ8_0)
	}
}

func decodeFile(t *testing.T, path string) (*ggml.GGML, error) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ggml.Decode(f)
}

func TestQuantizeIdempotent(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)

	engine := NewEngine(2)
	defer engine.Close()

	cfg := DefaultConfig()
	cfg.PreserveAccuracy = false

	first := filepath.Join(dir, "first.gguf")
	second := filepath.Join(dir, "second.gguf")

	if _, err := engine.Quantize(context.Background(), source, first, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Quantize(context.Background(), source, second, cfg); err != nil {
		t.Fatal(err)
	}

	b1, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("two runs over the same input produced different outputs")
	}
}

func TestQuantizeCalibratedMethods(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)

	engine := NewEngine(2)
	defer engine.Close()

	for _, method := range []Method{MethodStatic, MethodGPTQ, MethodAWQ} {
		t.Run(method.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Method = method
			cfg.Precision = PrecisionINT4
			cfg.GroupSize = 32

			output := filepath.Join(dir, method.String()+".gguf")
			result, err := engine.Quantize(context.Background(), source, output, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if !result.Success {
				t.Errorf("Success = false, errors: %v", result.Errors)
			}
		})
	}
}

func TestQuantizeMissingSource(t *testing.T) {
	engine := NewEngine(1)
	defer engine.Close()

	dir := t.TempDir()
	_, err := engine.Quantize(context.Background(), filepath.Join(dir, "missing.gguf"),
		filepath.Join(dir, "out.gguf"), DefaultConfig())
	if !errors.Is(err, ErrInputNotFound) {
		t.Errorf("got %v, want ErrInputNotFound", err)
	}
}

func TestQuantizeBadCalibrationLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)
	output := filepath.Join(dir, "out.gguf")

	engine := NewEngine(1)
	defer engine.Close()

	cfg := DefaultConfig()
	cfg.Method = MethodStatic
	cfg.CalibrationDataset = filepath.Join(dir, "missing-calib.txt")

	if _, err := engine.Quantize(context.Background(), source, output, cfg); !errors.Is(err, ErrCalibrationData) {
		t.Fatalf("got %v, want ErrCalibrationData", err)
	}

	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Error("output exists after failed run")
	}
}

func TestQuantizeFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)
	output := filepath.Join(dir, "out.gguf")

	engine := NewEngine(1)
	engine.Close()

	result, err := engine.Quantize(context.Background(), source, output, DefaultConfig())
	if !errors.Is(err, ErrPoolShutdown) {
		t.Fatalf("got %v, want ErrPoolShutdown", err)
	}
	if result == nil {
		t.Fatal("expected a result describing the failed run")
	}
	if result.Success {
		t.Error("Success = true on a failed run")
	}
	if len(result.Errors) == 0 {
		t.Error("failed run recorded no errors")
	}

	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Error("output exists after failed run")
	}
	if _, err := os.Stat(output + "-partial"); !errors.Is(err, os.ErrNotExist) {
		t.Error("partial file left behind after failed run")
	}
}

func TestQuantizeDryRun(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)
	output := filepath.Join(dir, "out.gguf")

	engine := NewEngine(1)
	defer engine.Close()

	cfg := DefaultConfig()
	cfg.DryRun = true
	cfg.Precision = PrecisionINT4

	result, err := engine.Quantize(context.Background(), source, output, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Success {
		t.Error("dry run not successful")
	}
	if result.QuantizedSize >= result.OriginalSize {
		t.Errorf("estimated %d >= original %d", result.QuantizedSize, result.OriginalSize)
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Error("dry run wrote output")
	}
}

func TestQuantizeQualityWarning(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)
	output := filepath.Join(dir, "out.gguf")

	engine := NewEngine(1)
	defer engine.Close()

	cfg := DefaultConfig()
	cfg.Precision = PrecisionINT2
	cfg.AccuracyThreshold = 1

	result, err := engine.Quantize(context.Background(), source, output, cfg)
	if err != nil {
		t.Fatal(err)
	}

	// a quality shortfall warns but never fails the run
	if !result.Success {
		t.Error("Success = false on quality shortfall")
	}

	var found bool
	for _, w := range result.Warnings {
		if strings.Contains(w, "Accuracy") {
			found = true
		}
	}
	if !found {
		t.Errorf("no accuracy warning in %v", result.Warnings)
	}
	if result.MeetsQualityThreshold(cfg.AccuracyThreshold) {
		t.Error("threshold reported as met")
	}
}

func TestEngineStats(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)

	engine := NewEngine(3)
	defer engine.Close()

	st := engine.Stats()
	if st.WorkerCount != 3 {
		t.Errorf("worker count = %d, want 3", st.WorkerCount)
	}
	if st.TotalJobsCompleted != 0 {
		t.Errorf("jobs completed = %d, want 0", st.TotalJobsCompleted)
	}

	cfg := DefaultConfig()
	cfg.PreserveAccuracy = false
	if _, err := engine.Quantize(context.Background(), source, filepath.Join(dir, "out.gguf"), cfg); err != nil {
		t.Fatal(err)
	}

	st = engine.Stats()
	if st.ActiveJobs != 0 {
		t.Errorf("active jobs = %d, want 0", st.ActiveJobs)
	}
	if st.TotalJobsCompleted == 0 {
		t.Error("no jobs recorded after a successful run")
	}
	if st.SuccessRate != 1 {
		t.Errorf("success rate = %v, want 1", st.SuccessRate)
	}

	engine.Close()
	if got := engine.Stats().ActiveJobs; got != 0 {
		t.Errorf("active jobs after close = %d, want 0", got)
	}
}

func TestPartitionShardOrder(t *testing.T) {
	dir := t.TempDir()
	source := writeFixtureModel(t, dir)

	g, err := decodeFile(t, source)
	if err != nil {
		t.Fatal(err)
	}

	shards := partitionShards(g.Tensors())
	want := []string{"blk.0", "blk.1", "output_norm", "token_embd"}
	if len(shards) != len(want) {
		t.Fatalf("got %d shards, want %d", len(shards), len(want))
	}
	for i, name := range want {
		if shards[i].shard.Name != name {
			t.Errorf("shard %d = %q, want %q", i, shards[i].shard.Name, name)
		}
		if shards[i].shard.Index != i {
			t.Errorf("shard %q index = %d, want %d", name, shards[i].shard.Index, i)
		}
	}
}
