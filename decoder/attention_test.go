package decoder

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latent-moe-go/tensor"
)

// recordingKernel wraps another kernel and keeps the tensors of the most
// recent Run, exposing what the attention block actually hands down.
type recordingKernel struct {
	inner   Kernel
	q, k, v *tensor.Tensor
}

func (r *recordingKernel) Name() string           { return r.inner.Name() }
func (r *recordingKernel) NeedsEqualDims() bool   { return r.inner.NeedsEqualDims() }
func (r *recordingKernel) CanReturnWeights() bool { return r.inner.CanReturnWeights() }

func (r *recordingKernel) Run(q, k, v, mask *tensor.Tensor, dropout, scaling float64, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	r.q, r.k, r.v = q, k, v
	return r.inner.Run(q, k, v, mask, dropout, scaling, wantWeights)
}

func testAttention(t *testing.T, cfg *Config, layerIdx int, kernel Kernel) *LatentAttention {
	t.Helper()
	p := SyntheticLayerParams(cfg, layerIdx)
	attn, err := NewLatentAttention(cfg, layerIdx, p.Attention, kernel)
	require.NoError(t, err)
	return attn
}

func rotaryRows(t *testing.T, cfg *Config, positions []int) (cos, sin *tensor.Tensor) {
	t.Helper()
	table, err := NewRotaryTable(cfg)
	require.NoError(t, err)
	return table.Slice(positions)
}

func TestLatentAttentionScaling(t *testing.T) {
	cfg := testConfig(t)
	attn := testAttention(t, cfg, 0, NewReferenceKernel())
	base := 1.0 / math.Sqrt(float64(cfg.QHeadDim()))
	assert.InDelta(t, base, attn.Scaling(), 1e-15)

	yarn := testConfig(t, WithRopeScaling(&RopeScaling{
		Factor:              4,
		MScale:              1,
		MScaleAllDim:        1,
		OriginalMaxPosition: 512,
		BetaFast:            32,
		BetaSlow:            1,
	}))
	attn = testAttention(t, yarn, 0, NewReferenceKernel())
	m := yarnMScale(4, 1)
	assert.InDelta(t, base*m*m, attn.Scaling(), 1e-12)

	// Without mscale_all_dim the score scaling stays at qHeadDim^-0.5.
	plain := testConfig(t, WithRopeScaling(&RopeScaling{
		Factor:              4,
		OriginalMaxPosition: 512,
		BetaFast:            32,
		BetaSlow:            1,
	}))
	attn = testAttention(t, plain, 0, NewReferenceKernel())
	assert.InDelta(t, base, attn.Scaling(), 1e-15)
}

func TestLatentAttentionShapes(t *testing.T) {
	cfg := testConfig(t)
	attn := testAttention(t, cfg, 1, NewReferenceKernel())

	tokens := 3
	x := tensor.SeededUniform("attn.shapes.x", -1, 1, tokens, cfg.HiddenSize)
	positions := []int{0, 1, 2}
	cos, sin := rotaryRows(t, cfg, positions)
	mask := CausalMask(tokens, tokens)

	out, weights, err := attn.Forward(x, cos, sin, positions, mask, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{tokens, cfg.HiddenSize}, out.Shape)
	assert.Nil(t, weights)

	out, weights, err = attn.Forward(x, cos, sin, positions, mask, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []int{tokens, cfg.HiddenSize}, out.Shape)
	require.NotNil(t, weights)
	assert.Equal(t, []int{cfg.NumHeads, tokens, tokens}, weights.Shape)
}

// Moving the same tokens to different positions must change only the rotary
// channels: content channels and values are position independent.
func TestLatentAttentionRotaryTouchesOnlyPositionalChannels(t *testing.T) {
	cfg := testConfig(t)
	rec := &recordingKernel{inner: NewReferenceKernel()}
	p := SyntheticLayerParams(cfg, 1)
	attn, err := NewLatentAttention(cfg, 1, p.Attention, rec)
	require.NoError(t, err)

	tokens := 2
	x := tensor.SeededUniform("attn.rot.x", -1, 1, tokens, cfg.HiddenSize)

	cosA, sinA := rotaryRows(t, cfg, []int{0, 1})
	_, _, err = attn.Forward(x, cosA, sinA, []int{0, 1}, nil, nil, false)
	require.NoError(t, err)
	qA, kA, vA := rec.q.Clone(), rec.k.Clone(), rec.v.Clone()

	cosB, sinB := rotaryRows(t, cfg, []int{7, 8})
	_, _, err = attn.Forward(x, cosB, sinB, []int{7, 8}, nil, nil, false)
	require.NoError(t, err)
	qB, kB, vB := rec.q, rec.k, rec.v

	assert.Equal(t, vA.Data, vB.Data)

	nope, qHeadDim := cfg.QKNopeHeadDim, cfg.QHeadDim()
	for tok := 0; tok < tokens; tok++ {
		for h := 0; h < cfg.NumHeads; h++ {
			for c := 0; c < nope; c++ {
				assert.Equal(t, qA.At(tok, h, c), qB.At(tok, h, c), "q token %d head %d channel %d", tok, h, c)
				assert.Equal(t, kA.At(tok, h, c), kB.At(tok, h, c), "k token %d head %d channel %d", tok, h, c)
			}

			qDiffers, kDiffers := false, false
			for c := nope; c < qHeadDim; c++ {
				if qA.At(tok, h, c) != qB.At(tok, h, c) {
					qDiffers = true
				}
				if kA.At(tok, h, c) != kB.At(tok, h, c) {
					kDiffers = true
				}
			}
			assert.True(t, qDiffers, "q rotary channels unmoved for token %d head %d", tok, h)
			assert.True(t, kDiffers, "k rotary channels unmoved for token %d head %d", tok, h)
		}

		// The single positional key is broadcast to every head.
		for c := nope; c < qHeadDim; c++ {
			assert.Equal(t, kA.At(tok, 0, c), kA.At(tok, 1, c), "token %d channel %d", tok, c)
		}
	}
}

// Prefilling two tokens and decoding the third against the cache must agree
// with one uncached pass over all three.
func TestLatentAttentionCachedDecodeMatchesFullPass(t *testing.T) {
	cfg := testConfig(t)
	attn := testAttention(t, cfg, 0, NewReferenceKernel())

	x := tensor.SeededUniform("attn.cache.x", -1, 1, 3, cfg.HiddenSize)
	cos3, sin3 := rotaryRows(t, cfg, []int{0, 1, 2})
	full, _, err := attn.Forward(x, cos3, sin3, []int{0, 1, 2}, CausalMask(3, 3), nil, false)
	require.NoError(t, err)

	cache := NewMemoryCache(cfg.NumLayers)
	xPrefill := tensor.FromSlice(x.Data[:2*cfg.HiddenSize], 2, cfg.HiddenSize)
	cosP, sinP := rotaryRows(t, cfg, []int{0, 1})
	prefill, _, err := attn.Forward(xPrefill, cosP, sinP, []int{0, 1}, CausalMask(2, 2), cache, false)
	require.NoError(t, err)

	xStep := tensor.FromSlice(x.Data[2*cfg.HiddenSize:], 1, cfg.HiddenSize)
	cosS, sinS := rotaryRows(t, cfg, []int{2})
	step, _, err := attn.Forward(xStep, cosS, sinS, []int{2}, nil, cache, false)
	require.NoError(t, err)

	assert.Equal(t, 3, cache.Len(0))
	for j := 0; j < cfg.HiddenSize; j++ {
		assert.InDelta(t, float64(full.At(0, j)), float64(prefill.At(0, j)), 1e-6, "prefill row 0 col %d", j)
		assert.InDelta(t, float64(full.At(1, j)), float64(prefill.At(1, j)), 1e-6, "prefill row 1 col %d", j)
		assert.InDelta(t, float64(full.At(2, j)), float64(step.At(0, j)), 1e-6, "decode col %d", j)
	}
}

// A kernel that cannot produce weights is swapped for the reference kernel
// when weights are requested, with a single warning per attention block.
func TestLatentAttentionWeightsFallback(t *testing.T) {
	cfg := testConfig(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	fused := testAttention(t, cfg, 1, NewFusedKernel())
	ref := testAttention(t, cfg, 1, NewReferenceKernel())

	tokens := 3
	x := tensor.SeededUniform("attn.fallback.x", -1, 1, tokens, cfg.HiddenSize)
	positions := []int{0, 1, 2}
	cos, sin := rotaryRows(t, cfg, positions)
	mask := CausalMask(tokens, tokens)

	out, weights, err := fused.Forward(x, cos, sin, positions, mask, nil, true)
	require.NoError(t, err)
	require.NotNil(t, weights)
	assert.Equal(t, []int{cfg.NumHeads, tokens, tokens}, weights.Shape)

	out2, weights2, err := fused.Forward(x, cos, sin, positions, mask, nil, true)
	require.NoError(t, err)
	require.NotNil(t, weights2)
	assert.Equal(t, out.Data, out2.Data)

	assert.Equal(t, 1, strings.Count(buf.String(), "substituting reference kernel"))

	// The fallback computes exactly what a reference-kernel block computes.
	want, wantWeights, err := ref.Forward(x, cos, sin, positions, mask, nil, true)
	require.NoError(t, err)
	assert.Equal(t, want.Data, out.Data)
	assert.Equal(t, wantWeights.Data, weights.Data)
}

// The fused kernel needs square head widths, so values are zero-padded up to
// the query width on the way in and the output truncated on the way out.
func TestLatentAttentionEqualDimsPadding(t *testing.T) {
	cfg := testConfig(t)
	require.NotEqual(t, cfg.VHeadDim, cfg.QHeadDim())

	rec := &recordingKernel{inner: NewFusedKernel()}
	p := SyntheticLayerParams(cfg, 1)
	attn, err := NewLatentAttention(cfg, 1, p.Attention, rec)
	require.NoError(t, err)

	tokens := 3
	x := tensor.SeededUniform("attn.pad.x", -1, 1, tokens, cfg.HiddenSize)
	positions := []int{0, 1, 2}
	cos, sin := rotaryRows(t, cfg, positions)
	mask := CausalMask(tokens, tokens)

	out, weights, err := attn.Forward(x, cos, sin, positions, mask, nil, false)
	require.NoError(t, err)
	require.Nil(t, weights)
	assert.Equal(t, []int{tokens, cfg.HiddenSize}, out.Shape)

	require.Equal(t, cfg.QHeadDim(), rec.v.Dim(-1))
	for tok := 0; tok < tokens; tok++ {
		for h := 0; h < cfg.NumHeads; h++ {
			for c := cfg.VHeadDim; c < cfg.QHeadDim(); c++ {
				assert.Equal(t, float32(0), rec.v.At(tok, h, c), "token %d head %d channel %d", tok, h, c)
			}
		}
	}

	ref := testAttention(t, cfg, 1, NewReferenceKernel())
	want, _, err := ref.Forward(x, cos, sin, positions, mask, nil, false)
	require.NoError(t, err)
	for i := range want.Data {
		assert.InDelta(t, float64(want.Data[i]), float64(out.Data[i]), 1e-4, "index %d", i)
	}
}

func TestLatentAttentionDirectQueryPath(t *testing.T) {
	cfg := testConfig(t, WithLatentRanks(0, 8))
	attn := testAttention(t, cfg, 1, NewReferenceKernel())

	tokens := 2
	x := tensor.SeededUniform("attn.direct.x", -1, 1, tokens, cfg.HiddenSize)
	positions := []int{0, 1}
	cos, sin := rotaryRows(t, cfg, positions)

	out, _, err := attn.Forward(x, cos, sin, positions, CausalMask(tokens, tokens), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{tokens, cfg.HiddenSize}, out.Shape)

	again, _, err := attn.Forward(x, cos, sin, positions, CausalMask(tokens, tokens), nil, false)
	require.NoError(t, err)
	assert.Equal(t, out.Data, again.Data)
}

func TestNewLatentAttentionValidation(t *testing.T) {
	cfg := testConfig(t)
	p := SyntheticLayerParams(cfg, 1).Attention

	_, err := NewLatentAttention(cfg, 1, p, nil)
	assert.ErrorContains(t, err, "kernel is nil")

	mixed := p
	mixed.QWeight = tensor.New(cfg.NumHeads*cfg.QHeadDim(), cfg.HiddenSize)
	_, err = NewLatentAttention(cfg, 1, mixed, NewReferenceKernel())
	assert.ErrorContains(t, err, "direct QWeight set")

	direct := testConfig(t, WithLatentRanks(0, 8))
	pd := SyntheticLayerParams(direct, 1).Attention
	pd.QAWeight = tensor.New(4, cfg.HiddenSize)
	_, err = NewLatentAttention(direct, 1, pd, NewReferenceKernel())
	assert.ErrorContains(t, err, "low-rank query params set")

	badOut := p
	badOut.OWeight = tensor.New(cfg.HiddenSize, 3)
	_, err = NewLatentAttention(cfg, 1, badOut, NewReferenceKernel())
	assert.ErrorContains(t, err, "o_proj")
}
