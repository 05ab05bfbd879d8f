package quantize

import (
	"errors"
	"testing"
	"time"
)

func TestParseMethod(t *testing.T) {
	cases := []struct {
		in   string
		want Method
	}{
		{"dynamic", MethodDynamic},
		{"static", MethodStatic},
		{"gptq", MethodGPTQ},
		{"awq", MethodAWQ},
	}

	for _, tc := range cases {
		got, err := ParseMethod(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseMethod(%q) = %v, %v", tc.in, got, err)
		}
		if got.String() != tc.in {
			t.Errorf("String() = %q, want %q", got.String(), tc.in)
		}
	}

	if _, err := ParseMethod("int8"); !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("got %v, want ErrUnsupportedMethod", err)
	}
}

func TestParsePrecision(t *testing.T) {
	for _, name := range []string{"fp16", "int8", "int4", "int2"} {
		p, err := ParsePrecision(name)
		if err != nil {
			t.Fatalf("ParsePrecision(%q): %v", name, err)
		}
		if p.String() != name {
			t.Errorf("String() = %q, want %q", p.String(), name)
		}
	}

	if _, err := ParsePrecision("int3"); !errors.Is(err, ErrUnsupportedPrecision) {
		t.Errorf("got %v, want ErrUnsupportedPrecision", err)
	}
}

func TestTheoreticalRatio(t *testing.T) {
	cases := []struct {
		p    Precision
		want float64
	}{
		{PrecisionFP16, 0.5},
		{PrecisionINT8, 0.25},
		{PrecisionINT4, 0.125},
		{PrecisionINT2, 0.0625},
	}

	for _, tc := range cases {
		if got := tc.p.TheoreticalRatio(); got != tc.want {
			t.Errorf("%s ratio = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestRequiresCalibration(t *testing.T) {
	cases := []struct {
		m    Method
		want bool
	}{
		{MethodDynamic, false},
		{MethodStatic, true},
		{MethodGPTQ, true},
		{MethodAWQ, true},
	}

	for _, tc := range cases {
		if got := tc.m.RequiresCalibration(); got != tc.want {
			t.Errorf("%s requires calibration = %v, want %v", tc.m, got, tc.want)
		}
	}
}

func TestConfigNormalize(t *testing.T) {
	t.Run("defaults fill in", func(t *testing.T) {
		var cfg Config
		if err := cfg.normalize(4); err != nil {
			t.Fatal(err)
		}
		if cfg.Workers != 4 {
			t.Errorf("workers = %d, want 4", cfg.Workers)
		}
		if cfg.AccuracyThreshold != 0.95 {
			t.Errorf("threshold = %v, want 0.95", cfg.AccuracyThreshold)
		}
		if cfg.Timeout <= 0 {
			t.Errorf("timeout = %v, want positive", cfg.Timeout)
		}
		if cfg.GroupSize != 128 {
			t.Errorf("group size = %d, want 128", cfg.GroupSize)
		}
	})

	t.Run("workers capped at pool size", func(t *testing.T) {
		cfg := Config{Workers: 64}
		if err := cfg.normalize(4); err != nil {
			t.Fatal(err)
		}
		if cfg.Workers != 4 {
			t.Errorf("workers = %d, want 4", cfg.Workers)
		}
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		bad := []Config{
			{Method: Method(99)},
			{Precision: Precision(99)},
			{AccuracyThreshold: 1.5},
			{AccuracyThreshold: -0.1},
			{CalibrationSamples: -1},
			{Workers: -2},
			{Timeout: -time.Second},
			{GroupSize: 100},
			{ClipRatio: 2},
		}

		for i, cfg := range bad {
			if err := cfg.normalize(4); err == nil {
				t.Errorf("case %d: expected error, got nil", i)
			}
		}
	})
}
