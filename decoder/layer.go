package decoder

import (
	"fmt"

	"latent-moe-go/tensor"
)

// ExpertParams carries one feed-forward unit's projection triple.
type ExpertParams struct {
	Gate *tensor.Tensor
	Up   *tensor.Tensor
	Down *tensor.Tensor
}

// LayerParams carries every parameter tensor of one decoder layer. Layers at
// or above FirstKDenseReplace consume the MoE fields (gate, experts, shared);
// earlier layers consume Dense instead.
type LayerParams struct {
	InputNorm    *tensor.Tensor
	PostAttnNorm *tensor.Tensor
	Attention    AttentionParams

	GateWeight *tensor.Tensor
	GateBias   *tensor.Tensor
	Experts    []ExpertParams
	Shared     ExpertParams

	Dense ExpertParams
}

// DecoderLayer composes latent attention and a feed-forward block behind
// pre-normalization with residual adds. The feed-forward block is the routed
// expert path for layer indices at or above FirstKDenseReplace and a dense
// MLP below it.
type DecoderLayer struct {
	layerIdx     int
	inputNorm    *RMSNorm
	postAttnNorm *RMSNorm
	attn         *LatentAttention

	router   *GateRouter
	dispatch *DispatchEngine
	dense    *DenseMLP
}

// NewDecoderLayer builds one layer from its parameter tensors, selecting the
// MoE or dense feed-forward path by layer index.
func NewDecoderLayer(cfg *Config, layerIdx int, p LayerParams, kernel Kernel, opts ...DispatchOption) (*DecoderLayer, error) {
	if layerIdx < 0 || layerIdx >= cfg.NumLayers {
		return nil, fmt.Errorf("decoder layer: index %d outside [0, %d)", layerIdx, cfg.NumLayers)
	}

	inputNorm, err := NewRMSNorm(p.InputNorm, cfg.HiddenSize, cfg.RMSNormEps)
	if err != nil {
		return nil, fmt.Errorf("input norm: %w", err)
	}
	postAttnNorm, err := NewRMSNorm(p.PostAttnNorm, cfg.HiddenSize, cfg.RMSNormEps)
	if err != nil {
		return nil, fmt.Errorf("post-attention norm: %w", err)
	}
	attn, err := NewLatentAttention(cfg, layerIdx, p.Attention, kernel)
	if err != nil {
		return nil, err
	}

	l := &DecoderLayer{
		layerIdx:     layerIdx,
		inputNorm:    inputNorm,
		postAttnNorm: postAttnNorm,
		attn:         attn,
	}

	if layerIdx >= cfg.FirstKDenseReplace {
		if l.router, err = NewGateRouter(cfg, p.GateWeight, p.GateBias); err != nil {
			return nil, err
		}
		routed := make([]*Expert, len(p.Experts))
		for i, ep := range p.Experts {
			if routed[i], err = NewExpert(ep.Gate, ep.Up, ep.Down, cfg.HiddenSize, cfg.MoEIntermediateSize); err != nil {
				return nil, fmt.Errorf("routed expert %d: %w", i, err)
			}
		}
		shared, err := NewExpert(p.Shared.Gate, p.Shared.Up, p.Shared.Down, cfg.HiddenSize, cfg.MoEIntermediateSize*cfg.NSharedExperts)
		if err != nil {
			return nil, fmt.Errorf("shared expert: %w", err)
		}
		bank, err := NewExpertBank(cfg, routed, shared)
		if err != nil {
			return nil, err
		}
		if l.dispatch, err = NewDispatchEngine(bank, opts...); err != nil {
			return nil, err
		}
	} else {
		if l.dense, err = NewDenseMLP(cfg, p.Dense.Gate, p.Dense.Up, p.Dense.Down); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// LayerIdx returns the layer's index in the stack.
func (l *DecoderLayer) LayerIdx() int {
	return l.layerIdx
}

// UsesMoE reports whether the feed-forward block routes through experts.
func (l *DecoderLayer) UsesMoE() bool {
	return l.dense == nil
}

// Forward runs one layer: h += attention(norm1(h)), then h += ffn(norm2(h)).
// Arguments follow LatentAttention.Forward; attention weights are returned
// only when wantWeights is set.
func (l *DecoderLayer) Forward(x, cos, sin *tensor.Tensor, positions []int, mask *tensor.Tensor, cache Cache, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	residual := x
	h := l.inputNorm.Forward(x)
	h, attnWeights, err := l.attn.Forward(h, cos, sin, positions, mask, cache, wantWeights)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %d attention: %w", l.layerIdx, err)
	}
	h = tensor.Add(h, residual)

	residual = h
	normed := l.postAttnNorm.Forward(h)
	var ffn *tensor.Tensor
	if l.dense != nil {
		ffn = l.dense.Forward(normed)
	} else {
		ffn, err = l.dispatch.Forward(normed, l.router.Route(normed))
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d moe: %w", l.layerIdx, err)
		}
	}
	return tensor.Add(ffn, residual), attnWeights, nil
}
