package decoder

import (
	"fmt"
	"math"

	"latent-moe-go/tensor"
)

// RotaryTable holds precomputed cos/sin values for every position, laid out
// with duplicated halves: row[i] == row[i+dim/2] for i < dim/2. With rope
// scaling configured, inverse frequencies are YaRN-corrected and the mscale
// attention factor is folded into the tables.
type RotaryTable struct {
	Cos          *tensor.Tensor // [maxPositions, dim]
	Sin          *tensor.Tensor // [maxPositions, dim]
	Dim          int
	MaxPositions int
}

// NewRotaryTable precomputes rotary tables for cfg.MaxPositions positions of
// width cfg.QKRopeHeadDim.
func NewRotaryTable(cfg *Config) (*RotaryTable, error) {
	if cfg.QKRopeHeadDim < 2 || cfg.QKRopeHeadDim%2 != 0 {
		return nil, fmt.Errorf("rotary table: qk_rope_head_dim must be even and positive, got %d", cfg.QKRopeHeadDim)
	}
	if cfg.MaxPositions < 1 {
		return nil, fmt.Errorf("rotary table: max_positions must be positive, got %d", cfg.MaxPositions)
	}
	if cfg.RopeTheta <= 0 {
		return nil, fmt.Errorf("rotary table: rope_theta must be positive, got %g", cfg.RopeTheta)
	}
	if s := cfg.RopeScaling; s != nil && s.Factor > 1 && s.OriginalMaxPosition < 1 {
		return nil, fmt.Errorf("rotary table: rope_scaling.original_max_position must be positive, got %d", s.OriginalMaxPosition)
	}

	dim := cfg.QKRopeHeadDim
	half := dim / 2
	maxPos := cfg.MaxPositions

	invFreq := make([]float64, half)
	for i := range invFreq {
		freq := math.Pow(cfg.RopeTheta, float64(2*i)/float64(dim))
		invFreq[i] = 1.0 / freq
	}

	attn := 1.0
	if s := cfg.RopeScaling; s != nil && s.Factor > 1 {
		lo, hi := yarnCorrectionRange(s.BetaFast, s.BetaSlow, dim, cfg.RopeTheta, s.OriginalMaxPosition)
		if hi == lo {
			hi += 1e-3
		}
		for i := range invFreq {
			// Below the correction range frequencies stay extrapolated
			// (unchanged); above it they are fully interpolated (divided by
			// the factor); in between a linear ramp blends the two.
			ramp := (float64(i) - lo) / (hi - lo)
			if ramp < 0 {
				ramp = 0
			}
			if ramp > 1 {
				ramp = 1
			}
			extrapWeight := 1 - ramp
			invFreq[i] = invFreq[i]/s.Factor*(1-extrapWeight) + invFreq[i]*extrapWeight
		}

		if s.MScale > 0 && s.MScaleAllDim > 0 {
			attn = yarnMScale(s.Factor, s.MScale) / yarnMScale(s.Factor, s.MScaleAllDim)
		} else {
			attn = yarnMScale(s.Factor, 1)
		}
	}

	rt := &RotaryTable{
		Cos:          tensor.New(maxPos, dim),
		Sin:          tensor.New(maxPos, dim),
		Dim:          dim,
		MaxPositions: maxPos,
	}
	for pos := 0; pos < maxPos; pos++ {
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle) * attn)
			s := float32(math.Sin(angle) * attn)
			rt.Cos.Data[pos*dim+i] = c
			rt.Cos.Data[pos*dim+half+i] = c
			rt.Sin.Data[pos*dim+i] = s
			rt.Sin.Data[pos*dim+half+i] = s
		}
	}
	return rt, nil
}

// Slice gathers the cos/sin rows for the given positions.
func (rt *RotaryTable) Slice(positions []int) (cos, sin *tensor.Tensor) {
	for _, p := range positions {
		if p < 0 || p >= rt.MaxPositions {
			panic(fmt.Sprintf("position %d outside rotary table of length %d", p, rt.MaxPositions))
		}
	}
	return rt.Cos.Rows(positions), rt.Sin.Rows(positions)
}

// yarnCorrectionDim inverts the rotation-count formula: the channel index at
// which a position-encoding dimension completes numRotations rotations over
// maxPos positions.
func yarnCorrectionDim(numRotations float64, dim int, base float64, maxPos int) float64 {
	return float64(dim) * math.Log(float64(maxPos)/(numRotations*2*math.Pi)) / (2 * math.Log(base))
}

// yarnCorrectionRange returns the channel range [lo, hi] blended between
// extrapolated and interpolated frequencies, clamped to valid indices.
func yarnCorrectionRange(betaFast, betaSlow float64, dim int, base float64, maxPos int) (lo, hi float64) {
	lo = math.Floor(yarnCorrectionDim(betaFast, dim, base, maxPos))
	hi = math.Ceil(yarnCorrectionDim(betaSlow, dim, base, maxPos))
	if lo < 0 {
		lo = 0
	}
	if limit := float64(dim - 1); hi > limit {
		hi = limit
	}
	return lo, hi
}

// yarnMScale is the YaRN attention magnitude correction.
func yarnMScale(scale, mscale float64) float64 {
	if scale <= 1 {
		return 1.0
	}
	return 0.1*mscale*math.Log(scale) + 1.0
}

// interleavePairs regroups adjacent channel pairs so even channels occupy
// the front half and odd channels the back half: the [d/2, 2] view of the
// row is transposed and flattened.
func interleavePairs(dst, src []float32) {
	half := len(src) / 2
	for i := 0; i < half; i++ {
		dst[i] = src[2*i]
		dst[half+i] = src[2*i+1]
	}
}

// rotateHalf applies (x·cos) + (rotate_half(x)·sin) to one row, where
// rotate_half maps [a, b] halves to [-b, a]. cos and sin carry duplicated
// halves. dst may alias src.
func rotateHalf(dst, src, cos, sin []float32) {
	half := len(src) / 2
	for i := 0; i < half; i++ {
		a := src[i]
		b := src[half+i]
		dst[i] = a*cos[i] - b*sin[i]
		dst[half+i] = b*cos[half+i] + a*sin[half+i]
	}
}

// ApplyRotary rotates one positional row: adjacent channel pairs are
// interleaved into half-major order first, then the rotate-half formula is
// applied. dst and src must both be len(cos) wide; dst may alias src.
func ApplyRotary(dst, src, cos, sin []float32) {
	if len(src)%2 != 0 || len(src) != len(cos) || len(src) != len(sin) {
		panic(fmt.Sprintf("rotary row length %d does not match table width %d", len(src), len(cos)))
	}
	tmp := make([]float32, len(src))
	interleavePairs(tmp, src)
	rotateHalf(dst, tmp, cos, sin)
}
