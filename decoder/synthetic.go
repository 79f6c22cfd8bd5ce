package decoder

import (
	"fmt"
	"math"

	"latent-moe-go/tensor"
)

// synthProj fills a projection weight with uniform material scaled by the
// fan-in, the usual magnitude for stable activations.
func synthProj(name string, out, in int) *tensor.Tensor {
	lim := float32(1.0 / math.Sqrt(float64(in)))
	return tensor.SeededUniform(name, -lim, lim, out, in)
}

func synthVec(name string, lo, hi float32, n int) *tensor.Tensor {
	return tensor.SeededUniform(name, lo, hi, n)
}

func synthExpert(prefix string, hidden, intermediate int) ExpertParams {
	return ExpertParams{
		Gate: synthProj(prefix+".gate_proj.weight", intermediate, hidden),
		Up:   synthProj(prefix+".up_proj.weight", intermediate, hidden),
		Down: synthProj(prefix+".down_proj.weight", hidden, intermediate),
	}
}

// SyntheticLayerParams deterministically fills every parameter tensor of one
// layer, seeded from the layer index and parameter names. Two builds of the
// same geometry agree exactly, so benchmark runs and tests reproduce without
// a checkpoint.
func SyntheticLayerParams(cfg *Config, layerIdx int) LayerParams {
	pre := fmt.Sprintf("layer%d.", layerIdx)
	qHeadDim := cfg.QHeadDim()

	attn := AttentionParams{
		KVAWeight: synthProj(pre+"kv_a_proj.weight", cfg.KVLoraRank+cfg.QKRopeHeadDim, cfg.HiddenSize),
		KVANorm:   synthVec(pre+"kv_a_norm.weight", 0.9, 1.1, cfg.KVLoraRank),
		KVBWeight: synthProj(pre+"kv_b_proj.weight", cfg.NumHeads*(cfg.QKNopeHeadDim+cfg.VHeadDim), cfg.KVLoraRank),
		OWeight:   synthProj(pre+"o_proj.weight", cfg.HiddenSize, cfg.NumHeads*cfg.VHeadDim),
	}
	if cfg.QLoraRank > 0 {
		attn.QAWeight = synthProj(pre+"q_a_proj.weight", cfg.QLoraRank, cfg.HiddenSize)
		attn.QANorm = synthVec(pre+"q_a_norm.weight", 0.9, 1.1, cfg.QLoraRank)
		attn.QBWeight = synthProj(pre+"q_b_proj.weight", cfg.NumHeads*qHeadDim, cfg.QLoraRank)
	} else {
		attn.QWeight = synthProj(pre+"q_proj.weight", cfg.NumHeads*qHeadDim, cfg.HiddenSize)
	}
	if cfg.AttentionBias {
		if cfg.QLoraRank > 0 {
			attn.QABias = synthVec(pre+"q_a_proj.bias", -0.02, 0.02, cfg.QLoraRank)
		}
		attn.KVABias = synthVec(pre+"kv_a_proj.bias", -0.02, 0.02, cfg.KVLoraRank+cfg.QKRopeHeadDim)
		attn.OBias = synthVec(pre+"o_proj.bias", -0.02, 0.02, cfg.HiddenSize)
	}

	p := LayerParams{
		InputNorm:    synthVec(pre+"input_norm.weight", 0.9, 1.1, cfg.HiddenSize),
		PostAttnNorm: synthVec(pre+"post_attn_norm.weight", 0.9, 1.1, cfg.HiddenSize),
		Attention:    attn,
	}

	if layerIdx >= cfg.FirstKDenseReplace {
		p.GateWeight = synthProj(pre+"gate.weight", cfg.NRoutedExperts, cfg.HiddenSize)
		p.GateBias = synthVec(pre+"gate.e_score_correction_bias", -0.05, 0.05, cfg.NRoutedExperts)
		p.Experts = make([]ExpertParams, cfg.NRoutedExperts)
		for e := range p.Experts {
			p.Experts[e] = synthExpert(fmt.Sprintf("%sexperts.%d", pre, e), cfg.HiddenSize, cfg.MoEIntermediateSize)
		}
		p.Shared = synthExpert(pre+"shared_experts", cfg.HiddenSize, cfg.MoEIntermediateSize*cfg.NSharedExperts)
	} else {
		p.Dense = synthExpert(pre+"mlp", cfg.HiddenSize, cfg.IntermediateSize)
	}

	return p
}
