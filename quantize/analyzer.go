package quantize

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/quantkit/quantkit/fs/ggml"
)

// ModelInfo describes a source model before quantization.
type ModelInfo struct {
	Path           string    `json:"path"`
	Format         string    `json:"format"`
	SizeBytes      int64     `json:"size_bytes"`
	Architecture   string    `json:"architecture"`
	ParameterCount uint64    `json:"parameter_count"`
	TensorCount    int       `json:"tensor_count"`
	LastModified   time.Time `json:"last_modified"`
}

// Analyze inspects a model file without quantizing it.
func Analyze(path string) (*ModelInfo, error) {
	info, _, _, err := analyzeModel(path)
	return info, err
}

// analyzeModel stats, sniffs and decodes the source model. Non-fatal
// oddities come back as warnings; anything that would make quantization
// meaningless is an error.
func analyzeModel(path string) (*ModelInfo, *ggml.GGML, []string, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrInputNotFound, path)
	} else if err != nil {
		return nil, nil, nil, err
	} else if fi.IsDir() {
		return nil, nil, nil, fmt.Errorf("%w: %s is a directory", ErrInputNotFound, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if ggml.DetectContentType(magic[:]) != "gguf" {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, nil, err
	}

	g, err := ggml.Decode(f)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	tensors := g.Tensors()
	for _, t := range tensors.Items() {
		if ggml.TensorType(t.Kind).TypeSize() == 0 {
			return nil, nil, nil, fmt.Errorf("%w: tensor %s has unsupported type %d", ErrUnsupportedFormat, t.Name, t.Kind)
		}
	}

	var warnings []string
	arch := g.KV().Architecture()
	if arch == "unknown" {
		warnings = append(warnings, "model does not declare an architecture")
	}

	info := &ModelInfo{
		Path:           path,
		Format:         "gguf",
		SizeBytes:      fi.Size(),
		Architecture:   arch,
		ParameterCount: g.ParameterCount(),
		TensorCount:    len(tensors.Items()),
		LastModified:   fi.ModTime(),
	}

	return info, g, warnings, nil
}
