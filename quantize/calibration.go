package quantize

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// calibrationSet is a prepared calibration dataset. It is immutable once
// prepared and shared by reference across all shard jobs of a run.
type calibrationSet struct {
	Samples []string

	// Energy and Spread summarize the samples' byte distribution; the
	// calibration-based methods use them to pick clipping factors.
	Energy float64
	Spread float64
}

// prepareCalibration loads the configured dataset or synthesizes one. The
// synthetic sequence is a pure function of the model's architecture and
// vocabulary size, so identical runs see identical calibration data.
func prepareCalibration(cfg Config, info *ModelInfo) (*calibrationSet, error) {
	var samples []string
	if cfg.CalibrationDataset != "" {
		var err error
		samples, err = loadCalibrationFile(cfg.CalibrationDataset)
		if err != nil {
			return nil, err
		}
	} else {
		samples = synthesizeCalibration(cfg.CalibrationSamples, info.Architecture, info.ParameterCount)
	}

	cs := &calibrationSet{Samples: samples}
	cs.Energy, cs.Spread = sampleMoments(samples)
	return cs, nil
}

func loadCalibrationFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationData, err)
	}
	defer f.Close()

	var samples []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			samples = append(samples, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationData, err)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s has no samples", ErrCalibrationData, path)
	}

	return samples, nil
}

// calibrationVocab is the word pool synthetic samples draw from.
var calibrationVocab = strings.Fields(
	"the quick model weights activations attention layer norm token " +
		"matrix vector scale block precision output input hidden state " +
		"query key value projection residual gate expert head context")

// synthesizeCalibration produces n representative samples from a
// deterministic generator seeded on the model identity. No randomness: two
// runs with the same model and sample count get bit-identical data.
func synthesizeCalibration(n int, architecture string, parameters uint64) []string {
	h := fnv.New64a()
	h.Write([]byte(architecture))
	fmt.Fprintf(h, "/%d", parameters)
	seed := h.Sum64()

	samples := make([]string, n)
	for i := range samples {
		// splitmix64 step per word keeps the stream well distributed
		state := seed + uint64(i+1)*0x9e3779b97f4a7c15
		words := make([]string, 8+int(state%9))
		for w := range words {
			state ^= state >> 30
			state *= 0xbf58476d1ce4e5b9
			state ^= state >> 27
			words[w] = calibrationVocab[state%uint64(len(calibrationVocab))]
		}
		samples[i] = strings.Join(words, " ")
	}

	return samples
}

// sampleMoments reduces samples to a normalized mean byte energy and its
// spread, both in [0,1].
func sampleMoments(samples []string) (energy, spread float64) {
	energies := make([]float64, len(samples))
	for i, s := range samples {
		var sum int
		for _, b := range []byte(s) {
			sum += int(b)
		}
		if len(s) > 0 {
			energies[i] = float64(sum) / float64(len(s)*255)
		}
	}

	mean, std := stat.MeanStdDev(energies, nil)
	if len(energies) < 2 {
		std = 0
	}
	return mean, std
}
