package decoder

import (
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"latent-moe-go/tensor"
)

// DispatchEngine groups tokens by selected expert, evaluates each expert
// once on its batch, and recombines the outputs in original token order.
// Experts with no assigned tokens perform no work.
type DispatchEngine struct {
	bank       *ExpertBank
	sequential bool
	limit      int
}

// DispatchOption configures a DispatchEngine.
type DispatchOption func(*DispatchEngine)

// Sequential forces the per-expert loop onto the calling goroutine.
func Sequential() DispatchOption {
	return func(d *DispatchEngine) {
		d.sequential = true
	}
}

// WithParallelism caps the number of concurrent expert evaluations.
func WithParallelism(n int) DispatchOption {
	return func(d *DispatchEngine) {
		d.limit = n
	}
}

// NewDispatchEngine builds an engine over the given bank.
func NewDispatchEngine(bank *ExpertBank, opts ...DispatchOption) (*DispatchEngine, error) {
	if bank == nil {
		return nil, fmt.Errorf("dispatch engine: expert bank is nil")
	}
	d := &DispatchEngine{bank: bank, limit: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(d)
	}
	if d.limit < 1 {
		return nil, fmt.Errorf("dispatch engine: parallelism must be positive, got %d", d.limit)
	}
	return d, nil
}

// Forward routes x through the decision's experts, combines the slot outputs
// with the gate weights, and adds the shared expert evaluated on every
// token's original input. x is [tokens, hidden].
func (d *DispatchEngine) Forward(x *tensor.Tensor, decision *GateDecision) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 {
		panic(fmt.Sprintf("dispatch engine: input shape %v, want 2D", x.Shape))
	}
	tokens, hidden := x.Shape[0], x.Shape[1]
	if len(decision.Indices) != tokens || len(decision.Weights) != tokens {
		return nil, fmt.Errorf("dispatch engine: decision covers %d tokens, input has %d", len(decision.Indices), tokens)
	}
	topK := decision.TopK

	// Flatten the (token, slot) pairs and stable-sort flat positions by
	// expert, making each expert's work one contiguous segment.
	experts := make([]int, tokens*topK)
	order := make([]int, tokens*topK)
	for t, idxs := range decision.Indices {
		if len(idxs) != topK || len(decision.Weights[t]) != topK {
			return nil, fmt.Errorf("dispatch engine: token %d carries %d slots, want %d", t, len(idxs), topK)
		}
		for s, e := range idxs {
			if e < 0 || e >= len(d.bank.Routed) {
				return nil, fmt.Errorf("dispatch engine: expert index %d outside bank of %d", e, len(d.bank.Routed))
			}
			experts[t*topK+s] = e
			order[t*topK+s] = t*topK + s
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return experts[order[i]] < experts[order[j]]
	})

	// combined row p is the expert output for flat position p; each segment
	// writes only its own rows, so segments never touch the same memory.
	combined := tensor.New(tokens*topK, hidden)

	var g errgroup.Group
	g.SetLimit(d.limit)
	for start := 0; start < len(order); {
		end := start + 1
		for end < len(order) && experts[order[end]] == experts[order[start]] {
			end++
		}
		seg := order[start:end]
		expert := d.bank.Routed[experts[order[start]]]
		task := func() error {
			rows := make([]int, len(seg))
			for i, p := range seg {
				rows[i] = p / topK
			}
			out := expert.Forward(x.Rows(rows))
			for i, p := range seg {
				copy(combined.Data[p*hidden:(p+1)*hidden], out.Data[i*hidden:(i+1)*hidden])
			}
			return nil
		}
		if d.sequential {
			if err := task(); err != nil {
				return nil, err
			}
		} else {
			g.Go(task)
		}
		start = end
	}
	if !d.sequential {
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Slot outputs combine in the weights' precision; the cast back to
	// float32 happens once at the output write.
	result := tensor.New(tokens, hidden)
	acc := make([]float64, hidden)
	for t := 0; t < tokens; t++ {
		wrow := decision.Weights[t]
		for j := range acc {
			acc[j] = 0
		}
		for s := 0; s < topK; s++ {
			w := wrow[s]
			slot := combined.Data[(t*topK+s)*hidden : (t*topK+s+1)*hidden]
			for j := range acc {
				acc[j] += w * float64(slot[j])
			}
		}
		out := result.Data[t*hidden : (t+1)*hidden]
		for j := range out {
			out[j] = float32(acc[j])
		}
	}

	return tensor.AddInPlace(result, d.bank.Shared.Forward(x)), nil
}
