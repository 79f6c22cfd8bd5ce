package decoder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotaryTableLayout(t *testing.T) {
	cfg := testConfig(t) // rope dim 4, 64 positions, theta 10000
	table, err := NewRotaryTable(cfg)
	require.NoError(t, err)

	assert.Equal(t, []int{64, 4}, table.Cos.Shape)
	assert.Equal(t, []int{64, 4}, table.Sin.Shape)
	assert.Equal(t, 4, table.Dim)
	assert.Equal(t, 64, table.MaxPositions)

	// Position zero rotates by nothing.
	for i := 0; i < 4; i++ {
		assert.Equal(t, float32(1), table.Cos.At(0, i), "cos channel %d", i)
		assert.Equal(t, float32(0), table.Sin.At(0, i), "sin channel %d", i)
	}

	// Both halves carry the same frequency.
	for _, pos := range []int{1, 5, 63} {
		assert.Equal(t, table.Cos.At(pos, 0), table.Cos.At(pos, 2), "pos %d", pos)
		assert.Equal(t, table.Cos.At(pos, 1), table.Cos.At(pos, 3), "pos %d", pos)
		assert.Equal(t, table.Sin.At(pos, 0), table.Sin.At(pos, 2), "pos %d", pos)
		assert.Equal(t, table.Sin.At(pos, 1), table.Sin.At(pos, 3), "pos %d", pos)
	}

	// Channel 0 spins at 1 rad per position, channel 1 at theta^(-1/2).
	assert.InDelta(t, math.Cos(1), float64(table.Cos.At(1, 0)), 1e-6)
	assert.InDelta(t, math.Sin(1), float64(table.Sin.At(1, 0)), 1e-6)
	assert.InDelta(t, math.Cos(0.01), float64(table.Cos.At(1, 1)), 1e-6)
	assert.InDelta(t, math.Cos(0.03), float64(table.Cos.At(3, 1)), 1e-6)
}

func TestRotaryTableSlice(t *testing.T) {
	cfg := testConfig(t)
	table, err := NewRotaryTable(cfg)
	require.NoError(t, err)

	cos, sin := table.Slice([]int{0, 5, 5})
	require.Equal(t, []int{3, 4}, cos.Shape)
	require.Equal(t, []int{3, 4}, sin.Shape)
	for i := 0; i < 4; i++ {
		assert.Equal(t, table.Cos.At(5, i), cos.At(1, i))
		assert.Equal(t, table.Cos.At(5, i), cos.At(2, i))
		assert.Equal(t, table.Sin.At(0, i), sin.At(0, i))
	}

	assert.Panics(t, func() { table.Slice([]int{64}) })
	assert.Panics(t, func() { table.Slice([]int{-1}) })
}

// With beta_fast=32 and beta_slow=1 over 512 original positions, dim 64 at
// theta 10000 yields a correction range of [3, 16]: channels at or below 3
// keep their base frequency, channels at or above 16 run at frequency/factor.
func TestRotaryTableYarnFrequencyBlend(t *testing.T) {
	scaling := &RopeScaling{
		Factor:              4,
		MScale:              1,
		MScaleAllDim:        1,
		OriginalMaxPosition: 512,
		BetaFast:            32,
		BetaSlow:            1,
	}
	yarnCfg := testConfig(t, WithHeadDims(8, 64, 8), WithMaxPositions(128), WithRopeScaling(scaling))
	plainCfg := testConfig(t, WithHeadDims(8, 64, 8), WithMaxPositions(128))

	lo, hi := yarnCorrectionRange(scaling.BetaFast, scaling.BetaSlow, 64, 10000.0, 512)
	assert.Equal(t, 3.0, lo)
	assert.Equal(t, 16.0, hi)

	yarn, err := NewRotaryTable(yarnCfg)
	require.NoError(t, err)
	plain, err := NewRotaryTable(plainCfg)
	require.NoError(t, err)

	pos := 7
	// mscale == mscale_all_dim, so the attention factor cancels to 1 and the
	// extrapolated channels match the unscaled table exactly.
	for ch := 0; ch <= 3; ch++ {
		assert.Equal(t, plain.Cos.At(pos, ch), yarn.Cos.At(pos, ch), "channel %d", ch)
		assert.Equal(t, plain.Sin.At(pos, ch), yarn.Sin.At(pos, ch), "channel %d", ch)
	}

	// Fully interpolated channels rotate factor times slower.
	for _, ch := range []int{16, 20, 31} {
		base := 1.0 / math.Pow(10000.0, 2.0*float64(ch)/64.0)
		angle := float64(pos) * (base / scaling.Factor)
		assert.InDelta(t, math.Cos(angle), float64(yarn.Cos.At(pos, ch)), 1e-7, "channel %d", ch)
		assert.InDelta(t, math.Sin(angle), float64(yarn.Sin.At(pos, ch)), 1e-7, "channel %d", ch)
	}

	// Channels inside the ramp sit strictly between the two extremes.
	for _, ch := range []int{5, 10, 15} {
		base := 1.0 / math.Pow(10000.0, 2.0*float64(ch)/64.0)
		interp := float64(pos) * (base / scaling.Factor)
		extrap := float64(pos) * base
		got := float64(yarn.Cos.At(pos, ch))
		low, high := math.Cos(extrap), math.Cos(interp)
		if low > high {
			low, high = high, low
		}
		assert.GreaterOrEqual(t, got, low-1e-6, "channel %d", ch)
		assert.LessOrEqual(t, got, high+1e-6, "channel %d", ch)
	}
}

// When only one mscale knob is set, the magnitude correction scales the whole
// table; the position-zero row exposes it directly.
func TestRotaryTableYarnMScaleFoldedIn(t *testing.T) {
	cfg := testConfig(t, WithRopeScaling(&RopeScaling{
		Factor:              4,
		OriginalMaxPosition: 512,
		BetaFast:            32,
		BetaSlow:            1,
	}))
	table, err := NewRotaryTable(cfg)
	require.NoError(t, err)

	want := yarnMScale(4, 1)
	for i := 0; i < cfg.QKRopeHeadDim; i++ {
		assert.InDelta(t, want, float64(table.Cos.At(0, i)), 1e-6, "channel %d", i)
		assert.InDelta(t, 0, float64(table.Sin.At(0, i)), 1e-6, "channel %d", i)
	}
}

func TestYarnMScale(t *testing.T) {
	assert.Equal(t, 1.0, yarnMScale(1, 5))
	assert.Equal(t, 1.0, yarnMScale(0.5, 2))
	assert.InDelta(t, 0.1*math.Log(4)+1, yarnMScale(4, 1), 1e-12)
	assert.InDelta(t, 0.2*math.Log(4)+1, yarnMScale(4, 2), 1e-12)
}

func TestInterleavePairs(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6}
	dst := make([]float32, 6)
	interleavePairs(dst, src)
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, dst)
}

// Rotating by an angle and then by its negation restores the input when the
// table is unscaled, since cos is even and sin is odd.
func TestRotateHalfRoundTrip(t *testing.T) {
	dim := 8
	half := dim / 2
	cos := make([]float32, dim)
	sin := make([]float32, dim)
	negSin := make([]float32, dim)
	for i := 0; i < half; i++ {
		angle := 0.3 * float64(i+1)
		cos[i] = float32(math.Cos(angle))
		cos[half+i] = cos[i]
		sin[i] = float32(math.Sin(angle))
		sin[half+i] = sin[i]
		negSin[i] = -sin[i]
		negSin[half+i] = -sin[i]
	}

	src := []float32{0.5, -1.25, 2, 0.75, -0.5, 1.5, -2.25, 1}
	fwd := make([]float32, dim)
	rotateHalf(fwd, src, cos, sin)
	back := make([]float32, dim)
	rotateHalf(back, fwd, cos, negSin)

	for i := range src {
		assert.InDelta(t, src[i], back[i], 1e-6, "channel %d", i)
	}
}

func TestApplyRotaryHandCase(t *testing.T) {
	c0, s0 := float32(math.Cos(0.5)), float32(math.Sin(0.5))
	c1, s1 := float32(math.Cos(0.01)), float32(math.Sin(0.01))
	cos := []float32{c0, c1, c0, c1}
	sin := []float32{s0, s1, s0, s1}

	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	ApplyRotary(dst, src, cos, sin)

	// Interleaved order is [1, 3, 2, 4]; the second half rotates against the
	// first.
	assert.InDelta(t, float64(1*c0-2*s0), float64(dst[0]), 1e-6)
	assert.InDelta(t, float64(3*c1-4*s1), float64(dst[1]), 1e-6)
	assert.InDelta(t, float64(2*c0+1*s0), float64(dst[2]), 1e-6)
	assert.InDelta(t, float64(4*c1+3*s1), float64(dst[3]), 1e-6)
}

func TestApplyRotaryIdentityAtPositionZero(t *testing.T) {
	cos := []float32{1, 1, 1, 1}
	sin := []float32{0, 0, 0, 0}
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	ApplyRotary(dst, src, cos, sin)
	assert.Equal(t, []float32{1, 3, 2, 4}, dst)
}

func TestApplyRotaryInPlace(t *testing.T) {
	cfg := testConfig(t)
	table, err := NewRotaryTable(cfg)
	require.NoError(t, err)
	cos, sin := table.Slice([]int{9})

	src := []float32{0.25, -1, 1.5, 0.5}
	out := make([]float32, 4)
	ApplyRotary(out, src, cos.Row(0), sin.Row(0))

	inPlace := append([]float32{}, src...)
	ApplyRotary(inPlace, inPlace, cos.Row(0), sin.Row(0))
	assert.Equal(t, out, inPlace)
}

func TestApplyRotaryRejectsMismatchedWidths(t *testing.T) {
	assert.Panics(t, func() {
		ApplyRotary(make([]float32, 3), make([]float32, 3), make([]float32, 3), make([]float32, 3))
	})
	assert.Panics(t, func() {
		ApplyRotary(make([]float32, 4), make([]float32, 4), make([]float32, 6), make([]float32, 6))
	})
}
