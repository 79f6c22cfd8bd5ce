package decoder

import (
	"fmt"
	"math"

	"latent-moe-go/tensor"
)

// GateDecision is the per-token routing outcome: exactly TopK expert indices
// and their combine weights. Weights carry the gate's elevated precision
// until the dispatch combine casts back to float32.
type GateDecision struct {
	Indices [][]int
	Weights [][]float64
	TopK    int
}

// GateRouter selects a sparse expert subset per token. Selection runs on
// bias-adjusted scores restricted to the best-scoring groups; the returned
// weights are gathered from the raw sigmoid scores, never the adjusted ones.
type GateRouter struct {
	weight *tensor.Tensor // [nExperts, hidden]
	bias   []float64      // per-expert correction, selection only

	hidden    int
	nExperts  int
	topK      int
	nGroup    int
	topKGroup int
	norm      bool
	scale     float64
}

// NewGateRouter validates the scoring weight and correction bias against the
// configuration.
func NewGateRouter(cfg *Config, weight, bias *tensor.Tensor) (*GateRouter, error) {
	if weight == nil {
		return nil, fmt.Errorf("gate router: scoring weight is nil")
	}
	if len(weight.Shape) != 2 || weight.Shape[0] != cfg.NRoutedExperts || weight.Shape[1] != cfg.HiddenSize {
		return nil, fmt.Errorf("gate router: weight shape %v, want [%d %d]", weight.Shape, cfg.NRoutedExperts, cfg.HiddenSize)
	}
	if bias == nil {
		return nil, fmt.Errorf("gate router: correction bias is nil")
	}
	if bias.Size() != cfg.NRoutedExperts {
		return nil, fmt.Errorf("gate router: correction bias size %d, want %d", bias.Size(), cfg.NRoutedExperts)
	}

	b := make([]float64, bias.Size())
	for i, v := range bias.Data {
		b[i] = float64(v)
	}

	return &GateRouter{
		weight:    weight,
		bias:      b,
		hidden:    cfg.HiddenSize,
		nExperts:  cfg.NRoutedExperts,
		topK:      cfg.TopK,
		nGroup:    cfg.NGroup,
		topKGroup: cfg.TopKGroup,
		norm:      cfg.NormTopKProb,
		scale:     cfg.RoutedScalingFactor,
	}, nil
}

// Route scores every token against every expert and returns the TopK
// selection per token. x is [tokens, hidden].
func (r *GateRouter) Route(x *tensor.Tensor) *GateDecision {
	if len(x.Shape) != 2 || x.Shape[1] != r.hidden {
		panic(fmt.Sprintf("gate router: input shape %v, want [*, %d]", x.Shape, r.hidden))
	}

	tokens := x.Shape[0]
	groupSize := r.nExperts / r.nGroup

	decision := &GateDecision{
		Indices: make([][]int, tokens),
		Weights: make([][]float64, tokens),
		TopK:    r.topK,
	}

	scores := make([]float64, r.nExperts)
	choice := make([]float64, r.nExperts)
	groupAffinity := make([]float64, r.nGroup)

	for t := 0; t < tokens; t++ {
		row := x.Row(t)

		// Affinity logits in float64 to keep the sigmoid out of saturation.
		for e := 0; e < r.nExperts; e++ {
			wrow := r.weight.Row(e)
			var logit float64
			for j, v := range row {
				logit += float64(v) * float64(wrow[j])
			}
			s := 1.0 / (1.0 + math.Exp(-logit))
			scores[e] = s
			choice[e] = s + r.bias[e]
		}

		// Group affinity is the sum of the group's two best adjusted scores.
		for g := 0; g < r.nGroup; g++ {
			groupAffinity[g] = topTwoSum(choice[g*groupSize : (g+1)*groupSize])
		}
		kept := topKIndices(groupAffinity, r.topKGroup)
		keptGroup := make([]bool, r.nGroup)
		for _, g := range kept {
			keptGroup[g] = true
		}

		// Adjusted scores outside the kept groups are zeroed, then the
		// final TopK is taken over the full masked row.
		for g := 0; g < r.nGroup; g++ {
			if keptGroup[g] {
				continue
			}
			for e := g * groupSize; e < (g+1)*groupSize; e++ {
				choice[e] = 0
			}
		}
		idxs := topKIndices(choice, r.topK)

		// Weights come from the raw sigmoid scores at the chosen indices.
		weights := make([]float64, r.topK)
		for i, e := range idxs {
			weights[i] = scores[e]
		}
		if r.norm {
			var sum float64
			for _, w := range weights {
				sum += w
			}
			denom := sum + 1e-20
			for i := range weights {
				weights[i] /= denom
			}
		}
		for i := range weights {
			weights[i] *= r.scale
		}

		decision.Indices[t] = idxs
		decision.Weights[t] = weights
	}

	return decision
}

// topTwoSum returns the sum of the two largest values. A single-element
// slice contributes its lone value.
func topTwoSum(vals []float64) float64 {
	if len(vals) == 1 {
		return vals[0]
	}
	first, second := math.Inf(-1), math.Inf(-1)
	for _, v := range vals {
		if v > first {
			second = first
			first = v
		} else if v > second {
			second = v
		}
	}
	return first + second
}

// topKIndices returns the positions of the k largest values, unsorted by
// value; ties keep the lowest index.
func topKIndices(vals []float64, k int) []int {
	taken := make([]bool, len(vals))
	out := make([]int, k)
	for i := 0; i < k; i++ {
		best := -1
		for j, v := range vals {
			if taken[j] {
				continue
			}
			if best == -1 || v > vals[best] {
				best = j
			}
		}
		taken[best] = true
		out[i] = best
	}
	return out
}
