package decoder

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"latent-moe-go/tensor"
)

// AttentionParams carries the parameter tensors of one attention block. The
// low-rank query path uses QAWeight/QANorm/QBWeight; when Config.QLoraRank
// is zero the direct QWeight replaces all three.
type AttentionParams struct {
	QAWeight *tensor.Tensor // [qLoraRank, hidden]
	QABias   *tensor.Tensor // [qLoraRank] or nil
	QANorm   *tensor.Tensor // [qLoraRank]
	QBWeight *tensor.Tensor // [numHeads*qHeadDim, qLoraRank]
	QWeight  *tensor.Tensor // [numHeads*qHeadDim, hidden], direct path only

	KVAWeight *tensor.Tensor // [kvLoraRank+ropeDim, hidden]
	KVABias   *tensor.Tensor // [kvLoraRank+ropeDim] or nil
	KVANorm   *tensor.Tensor // [kvLoraRank]
	KVBWeight *tensor.Tensor // [numHeads*(nopeDim+vDim), kvLoraRank]

	OWeight *tensor.Tensor // [hidden, numHeads*vDim]
	OBias   *tensor.Tensor // [hidden] or nil
}

// LatentAttention factors queries and keys/values through low-rank latents.
// Each head's channels split into a content slice recovered from the latent
// and a positional slice that carries the rotary rotation; the positional
// key is a single head shared by all query heads.
type LatentAttention struct {
	layerIdx int
	hidden   int
	numHeads int
	qRank    int
	kvRank   int
	nopeDim  int
	ropeDim  int
	qHeadDim int
	vDim     int
	scaling  float64
	dropout  float64

	qAProj *Linear
	qANorm *RMSNorm
	qBProj *Linear
	qProj  *Linear

	kvAProj *Linear
	kvANorm *RMSNorm
	kvBProj *Linear
	oProj   *Linear

	kernel   Kernel
	fallback *ReferenceKernel
	warnOnce sync.Once
}

// NewLatentAttention validates params against the config and fixes the
// score scaling: qHeadDim^-0.5, multiplied by mscale^2 when rope scaling
// configures mscale_all_dim.
func NewLatentAttention(cfg *Config, layerIdx int, p AttentionParams, kernel Kernel) (*LatentAttention, error) {
	if kernel == nil {
		return nil, fmt.Errorf("latent attention: kernel is nil")
	}

	qHeadDim := cfg.QHeadDim()
	a := &LatentAttention{
		layerIdx: layerIdx,
		hidden:   cfg.HiddenSize,
		numHeads: cfg.NumHeads,
		qRank:    cfg.QLoraRank,
		kvRank:   cfg.KVLoraRank,
		nopeDim:  cfg.QKNopeHeadDim,
		ropeDim:  cfg.QKRopeHeadDim,
		qHeadDim: qHeadDim,
		vDim:     cfg.VHeadDim,
		dropout:  cfg.AttentionDropout,
		kernel:   kernel,
		fallback: NewReferenceKernel(),
	}

	a.scaling = 1.0 / math.Sqrt(float64(qHeadDim))
	if s := cfg.RopeScaling; s != nil && s.MScaleAllDim > 0 {
		m := yarnMScale(s.Factor, s.MScaleAllDim)
		a.scaling *= m * m
	}

	var err error
	if cfg.QLoraRank > 0 {
		if p.QWeight != nil {
			return nil, fmt.Errorf("latent attention: direct QWeight set but q_lora_rank is %d", cfg.QLoraRank)
		}
		if a.qAProj, err = NewLinear(p.QAWeight, p.QABias, cfg.QLoraRank, cfg.HiddenSize); err != nil {
			return nil, fmt.Errorf("q_a_proj: %w", err)
		}
		if a.qANorm, err = NewRMSNorm(p.QANorm, cfg.QLoraRank, cfg.RMSNormEps); err != nil {
			return nil, fmt.Errorf("q_a_norm: %w", err)
		}
		if a.qBProj, err = NewLinear(p.QBWeight, nil, cfg.NumHeads*qHeadDim, cfg.QLoraRank); err != nil {
			return nil, fmt.Errorf("q_b_proj: %w", err)
		}
	} else {
		if p.QAWeight != nil || p.QANorm != nil || p.QBWeight != nil {
			return nil, fmt.Errorf("latent attention: low-rank query params set but q_lora_rank is 0")
		}
		if a.qProj, err = NewLinear(p.QWeight, nil, cfg.NumHeads*qHeadDim, cfg.HiddenSize); err != nil {
			return nil, fmt.Errorf("q_proj: %w", err)
		}
	}

	if a.kvAProj, err = NewLinear(p.KVAWeight, p.KVABias, cfg.KVLoraRank+cfg.QKRopeHeadDim, cfg.HiddenSize); err != nil {
		return nil, fmt.Errorf("kv_a_proj: %w", err)
	}
	if a.kvANorm, err = NewRMSNorm(p.KVANorm, cfg.KVLoraRank, cfg.RMSNormEps); err != nil {
		return nil, fmt.Errorf("kv_a_norm: %w", err)
	}
	if a.kvBProj, err = NewLinear(p.KVBWeight, nil, cfg.NumHeads*(cfg.QKNopeHeadDim+cfg.VHeadDim), cfg.KVLoraRank); err != nil {
		return nil, fmt.Errorf("kv_b_proj: %w", err)
	}
	if a.oProj, err = NewLinear(p.OWeight, p.OBias, cfg.HiddenSize, cfg.NumHeads*cfg.VHeadDim); err != nil {
		return nil, fmt.Errorf("o_proj: %w", err)
	}

	return a, nil
}

// Scaling returns the fixed score scaling factor.
func (a *LatentAttention) Scaling() float64 {
	return a.scaling
}

// Forward attends x over itself plus any cached context. x is
// [tokens, hidden]; cos/sin are the rotary rows for x's positions; mask is
// an additive [tokens, kvLen] tensor or nil; cache may be nil for a
// cacheless forward. The attention weight matrix is returned only when
// wantWeights is set, falling back to the reference kernel if the
// configured kernel cannot produce it.
func (a *LatentAttention) Forward(x, cos, sin *tensor.Tensor, positions []int, mask *tensor.Tensor, cache Cache, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != a.hidden {
		panic(fmt.Sprintf("latent attention: input shape %v, want [*, %d]", x.Shape, a.hidden))
	}
	tokens := x.Shape[0]
	if cos.Shape[0] != tokens || sin.Shape[0] != tokens || cos.Dim(-1) != a.ropeDim || sin.Dim(-1) != a.ropeDim {
		panic(fmt.Sprintf("latent attention: rotary rows cos=%v sin=%v, want [%d %d]", cos.Shape, sin.Shape, tokens, a.ropeDim))
	}

	// Query path: down-project, normalize, up-project; or one full-rank
	// projection when the low-rank path is disabled.
	var q *tensor.Tensor
	if a.qRank > 0 {
		q = a.qBProj.Forward(a.qANorm.Forward(a.qAProj.Forward(x)))
	} else {
		q = a.qProj.Forward(x)
	}

	// One shared down-projection yields the compressed latent and the
	// single-head positional key.
	kvA := a.kvAProj.Forward(x)
	compressed := kvA.SliceLastDim(0, a.kvRank)
	kPE := kvA.SliceLastDim(a.kvRank, a.kvRank+a.ropeDim)
	kvB := a.kvBProj.Forward(a.kvANorm.Forward(compressed))

	rotKPE := tensor.New(tokens, a.ropeDim)
	for t := 0; t < tokens; t++ {
		ApplyRotary(rotKPE.Row(t), kPE.Row(t), cos.Row(t), sin.Row(t))
	}

	// Assemble per-head queries: the content slice copies through, the
	// positional slice rotates. The two writes cover disjoint channel
	// ranges of a fresh buffer.
	qHeads := tensor.New(tokens, a.numHeads, a.qHeadDim)
	for t := 0; t < tokens; t++ {
		crow := cos.Row(t)
		srow := sin.Row(t)
		for h := 0; h < a.numHeads; h++ {
			src := q.Data[t*a.numHeads*a.qHeadDim+h*a.qHeadDim : t*a.numHeads*a.qHeadDim+(h+1)*a.qHeadDim]
			dst := qHeads.Data[(t*a.numHeads+h)*a.qHeadDim : (t*a.numHeads+h+1)*a.qHeadDim]
			copy(dst[:a.nopeDim], src[:a.nopeDim])
			ApplyRotary(dst[a.nopeDim:], src[a.nopeDim:], crow, srow)
		}
	}

	// Per-head keys and values from the up-projection; the rotated
	// positional key is broadcast across heads.
	kHeads := tensor.New(tokens, a.numHeads, a.qHeadDim)
	vHeads := tensor.New(tokens, a.numHeads, a.vDim)
	rowWidth := a.nopeDim + a.vDim
	for t := 0; t < tokens; t++ {
		rot := rotKPE.Row(t)
		for h := 0; h < a.numHeads; h++ {
			src := kvB.Data[t*a.numHeads*rowWidth+h*rowWidth : t*a.numHeads*rowWidth+(h+1)*rowWidth]
			kdst := kHeads.Data[(t*a.numHeads+h)*a.qHeadDim : (t*a.numHeads+h+1)*a.qHeadDim]
			copy(kdst[:a.nopeDim], src[:a.nopeDim])
			copy(kdst[a.nopeDim:], rot)
			copy(vHeads.Data[(t*a.numHeads+h)*a.vDim:(t*a.numHeads+h+1)*a.vDim], src[a.nopeDim:])
		}
	}

	// The cache receives rotary metadata alongside the states; any
	// cache-internal rotary handling happens there, not here.
	kAll, vAll := kHeads, vHeads
	if cache != nil {
		var err error
		kAll, vAll, err = cache.Update(kHeads, vHeads, a.layerIdx, CacheMeta{Cos: cos, Sin: sin, Positions: positions})
		if err != nil {
			return nil, nil, fmt.Errorf("cache update: %w", err)
		}
	}

	kernel := a.kernel
	if wantWeights && !kernel.CanReturnWeights() {
		a.warnOnce.Do(func() {
			slog.Warn("attention kernel cannot return weights, substituting reference kernel",
				"kernel", a.kernel.Name(), "layer", a.layerIdx)
		})
		kernel = a.fallback
	}

	vIn := vAll
	padded := false
	if kernel.NeedsEqualDims() && a.vDim != a.qHeadDim {
		vIn = tensor.PadLastDim(vAll, a.qHeadDim)
		padded = true
	}

	out, weights, err := kernel.Run(qHeads, kAll, vIn, mask, a.dropout, a.scaling, wantWeights)
	if err != nil {
		return nil, nil, fmt.Errorf("%s kernel: %w", kernel.Name(), err)
	}
	if padded {
		out = tensor.TruncateLastDim(out, a.vDim)
	}

	return a.oProj.Forward(out.Reshape(tokens, a.numHeads*a.vDim)), weights, nil
}
