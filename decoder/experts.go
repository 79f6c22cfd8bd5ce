package decoder

import (
	"fmt"

	"latent-moe-go/tensor"
)

// Expert is one gated feed-forward unit: silu(x Wgate^T) * (x Wup^T)
// projected back down to the hidden width. The same shape serves routed
// experts, the shared expert, and the dense MLP of early layers; only the
// intermediate width differs.
type Expert struct {
	GateProj *Linear
	UpProj   *Linear
	DownProj *Linear
}

// NewExpert validates the projection triple for the given widths.
func NewExpert(gate, up, down *tensor.Tensor, hidden, intermediate int) (*Expert, error) {
	g, err := NewLinear(gate, nil, intermediate, hidden)
	if err != nil {
		return nil, fmt.Errorf("expert gate_proj: %w", err)
	}
	u, err := NewLinear(up, nil, intermediate, hidden)
	if err != nil {
		return nil, fmt.Errorf("expert up_proj: %w", err)
	}
	d, err := NewLinear(down, nil, hidden, intermediate)
	if err != nil {
		return nil, fmt.Errorf("expert down_proj: %w", err)
	}
	return &Expert{GateProj: g, UpProj: u, DownProj: d}, nil
}

// Forward evaluates the unit on a batch of rows [n, hidden]. Stateless.
func (e *Expert) Forward(x *tensor.Tensor) *tensor.Tensor {
	gate := tensor.SiLU(e.GateProj.Forward(x))
	up := e.UpProj.Forward(x)
	return e.DownProj.Forward(tensor.Mul(gate, up))
}

// DenseMLP is the full-width feed-forward of the early dense layers: an
// Expert sized IntermediateSize instead of MoEIntermediateSize.
type DenseMLP = Expert

// NewDenseMLP validates the projection triple at the dense width.
func NewDenseMLP(cfg *Config, gate, up, down *tensor.Tensor) (*DenseMLP, error) {
	e, err := NewExpert(gate, up, down, cfg.HiddenSize, cfg.IntermediateSize)
	if err != nil {
		return nil, fmt.Errorf("dense mlp: %w", err)
	}
	return e, nil
}

// ExpertBank owns the routed experts and the always-active shared expert.
// The shared expert is sized MoEIntermediateSize * NSharedExperts and sees
// every token regardless of routing.
type ExpertBank struct {
	Routed []*Expert
	Shared *Expert
}

// NewExpertBank checks the bank against the configured expert count and
// widths.
func NewExpertBank(cfg *Config, routed []*Expert, shared *Expert) (*ExpertBank, error) {
	if len(routed) != cfg.NRoutedExperts {
		return nil, fmt.Errorf("expert bank: %d routed experts, want %d", len(routed), cfg.NRoutedExperts)
	}
	for i, e := range routed {
		if e == nil {
			return nil, fmt.Errorf("expert bank: routed expert %d is nil", i)
		}
		if w := e.GateProj.Weight.Shape[0]; w != cfg.MoEIntermediateSize {
			return nil, fmt.Errorf("expert bank: routed expert %d width %d, want %d", i, w, cfg.MoEIntermediateSize)
		}
	}
	if shared == nil {
		return nil, fmt.Errorf("expert bank: shared expert is nil")
	}
	if w, want := shared.GateProj.Weight.Shape[0], cfg.MoEIntermediateSize*cfg.NSharedExperts; w != want {
		return nil, fmt.Errorf("expert bank: shared expert width %d, want %d", w, want)
	}
	return &ExpertBank{Routed: routed, Shared: shared}, nil
}
