package audio

import "math"

const (
	dcBlockCutoffHz = 20.0
	dcBlockDefaultR = 0.995

	// MaxGainDB bounds the input gain applied before gating.
	MaxGainDB = 20.0
)

// DCBlock is a first-order high-pass filter removing the DC offset cheap
// microphones add: y[n] = x[n] - x[n-1] + R*y[n-1].
type DCBlock struct {
	r          float32
	prevInput  float32
	prevOutput float32
}

// NewDCBlock builds a filter for sampleRate with the default 20 Hz cutoff.
func NewDCBlock(sampleRate int) *DCBlock {
	return &DCBlock{r: dcBlockCoefficient(dcBlockCutoffHz, float64(sampleRate))}
}

func dcBlockCoefficient(cutoff, sampleRate float64) float32 {
	if sampleRate <= 0 {
		return dcBlockDefaultR
	}
	var r float64
	if cutoff > sampleRate/2 {
		r = math.Exp(-2 * math.Pi * cutoff / sampleRate)
	} else {
		r = 1 - (2 * math.Pi * cutoff / sampleRate)
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return dcBlockDefaultR
	}
	return float32(r)
}

// Process filters samples into a new slice, carrying filter state across calls.
func (d *DCBlock) Process(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, x := range samples {
		y := x - d.prevInput + d.r*d.prevOutput
		d.prevInput = x
		d.prevOutput = y
		out[i] = y
	}
	return out
}

// Reset clears the filter history.
func (d *DCBlock) Reset() {
	d.prevInput = 0
	d.prevOutput = 0
}

// Gain is a fixed amplification expressed in decibels.
type Gain struct {
	db         float64
	multiplier float32
}

// NewGain clamps db to [0, MaxGainDB].
func NewGain(db float64) Gain {
	if db < 0 || math.IsNaN(db) {
		db = 0
	}
	if db > MaxGainDB {
		db = MaxGainDB
	}
	return Gain{db: db, multiplier: float32(math.Pow(10, db/20))}
}

// DB returns the configured gain.
func (g Gain) DB() float64 { return g.db }

// Multiplier returns the linear amplitude factor.
func (g Gain) Multiplier() float32 { return g.multiplier }

// None reports whether the gain is a no-op.
func (g Gain) None() bool { return g.db <= 1e-9 }

// Apply amplifies samples into a new slice, hard-clipping at full scale.
func (g Gain) Apply(samples []float32) []float32 {
	if g.None() {
		return samples
	}
	out := make([]float32, len(samples))
	for i, s := range samples {
		v := s * g.multiplier
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return out
}
