package quantize

// scalePolicy is the per-method contract the quantizer kernel honors: how
// aggressively block scales clip outliers and whether scales are
// reconstructed over groups larger than one block.
type scalePolicy struct {
	// clip in (0,1] shrinks the block range; 1 means pure minmax.
	clip float64

	// groupSize > 0 shares one scale across each group of that many
	// consecutive weights.
	groupSize int
}

// methodPolicy derives the scale policy for a call. cs is nil exactly when
// the method needs no calibration.
func methodPolicy(cfg Config, cs *calibrationSet) scalePolicy {
	switch cfg.Method {
	case MethodStatic:
		// tighter activations allow tighter clipping
		return scalePolicy{clip: clamp(0.90+0.10*(1-cs.Spread), 0.85, 1), groupSize: 0}
	case MethodGPTQ:
		return scalePolicy{clip: clamp(0.95+0.05*cs.Energy, 0.9, 1), groupSize: cfg.GroupSize}
	case MethodAWQ:
		return scalePolicy{clip: clamp(cfg.ClipRatio*(0.9+0.2*cs.Energy), 0.5, 1), groupSize: 0}
	default: // MethodDynamic
		return scalePolicy{clip: 1, groupSize: 0}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
