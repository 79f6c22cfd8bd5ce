package decoder

import "fmt"

// RopeScaling holds YaRN extended-context parameters. A nil RopeScaling on
// the Config means plain unscaled rotary embeddings.
type RopeScaling struct {
	Factor              float64
	MScale              float64
	MScaleAllDim        float64
	OriginalMaxPosition int
	BetaFast            float64
	BetaSlow            float64
}

// Config is the read-only configuration surface for one decoder layer.
// Defaults follow the published DeepSeek-V3 geometry; tests and the bench
// tool override them with smaller values.
type Config struct {
	HiddenSize int
	NumHeads   int
	// NumKVHeads is carried for completeness; the latent key/value path
	// up-projects one compressed latent to per-head keys and values, so it
	// must equal NumHeads.
	NumKVHeads int

	// QLoraRank is the query low-rank width. Zero selects a single
	// full-rank query projection with no intermediate normalization.
	QLoraRank     int
	KVLoraRank    int
	QKNopeHeadDim int
	QKRopeHeadDim int
	VHeadDim      int

	NRoutedExperts      int
	NSharedExperts      int
	TopK                int
	NGroup              int
	TopKGroup           int
	NormTopKProb        bool
	RoutedScalingFactor float64
	MoEIntermediateSize int

	// IntermediateSize is the dense MLP width used for layer indices below
	// FirstKDenseReplace.
	IntermediateSize   int
	FirstKDenseReplace int
	NumLayers          int

	RopeTheta    float64
	RopeScaling  *RopeScaling
	MaxPositions int

	AttentionBias    bool
	AttentionDropout float64
	RMSNormEps       float32
}

// QHeadDim is the full per-head query/key width: content plus positional.
func (c *Config) QHeadDim() int {
	return c.QKNopeHeadDim + c.QKRopeHeadDim
}

// Option is a functional option for Config.
type Option func(*Config)

// NewConfig creates a Config with DeepSeek-V3 defaults, applies the options,
// and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		HiddenSize:          7168,
		NumHeads:            128,
		NumKVHeads:          128,
		QLoraRank:           1536,
		KVLoraRank:          512,
		QKNopeHeadDim:       128,
		QKRopeHeadDim:       64,
		VHeadDim:            128,
		NRoutedExperts:      256,
		NSharedExperts:      1,
		TopK:                8,
		NGroup:              8,
		TopKGroup:           4,
		NormTopKProb:        true,
		RoutedScalingFactor: 2.5,
		MoEIntermediateSize: 2048,
		IntermediateSize:    18432,
		FirstKDenseReplace:  3,
		NumLayers:           61,
		RopeTheta:           10000.0,
		MaxPositions:        4096,
		RMSNormEps:          1e-6,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks every configuration invariant and reports the first
// violation. Components assume a validated Config.
func (c *Config) Validate() error {
	if c.HiddenSize < 1 {
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NumHeads < 1 {
		return fmt.Errorf("num_heads must be positive, got %d", c.NumHeads)
	}
	if c.NumKVHeads != c.NumHeads {
		return fmt.Errorf("num_kv_heads must equal num_heads (%d), got %d: the latent path decompresses per attention head", c.NumHeads, c.NumKVHeads)
	}
	if c.QLoraRank < 0 {
		return fmt.Errorf("q_lora_rank must be non-negative, got %d", c.QLoraRank)
	}
	if c.KVLoraRank < 1 {
		return fmt.Errorf("kv_lora_rank must be positive, got %d", c.KVLoraRank)
	}
	if c.QKNopeHeadDim < 1 || c.QKRopeHeadDim < 1 {
		return fmt.Errorf("head dims must be positive, got nope=%d rope=%d", c.QKNopeHeadDim, c.QKRopeHeadDim)
	}
	if c.QKRopeHeadDim%2 != 0 {
		return fmt.Errorf("qk_rope_head_dim must be even for pairwise rotation, got %d", c.QKRopeHeadDim)
	}
	if c.VHeadDim < 1 {
		return fmt.Errorf("v_head_dim must be positive, got %d", c.VHeadDim)
	}
	if c.VHeadDim > c.QHeadDim() {
		return fmt.Errorf("v_head_dim %d exceeds q_head_dim %d: value padding only widens", c.VHeadDim, c.QHeadDim())
	}

	if c.NRoutedExperts < 1 {
		return fmt.Errorf("n_routed_experts must be positive, got %d", c.NRoutedExperts)
	}
	if c.NSharedExperts < 1 {
		return fmt.Errorf("n_shared_experts must be positive, got %d", c.NSharedExperts)
	}
	if c.TopK < 1 || c.TopK > c.NRoutedExperts {
		return fmt.Errorf("top_k must be in [1, %d], got %d", c.NRoutedExperts, c.TopK)
	}
	if c.NGroup < 1 {
		return fmt.Errorf("n_group must be positive, got %d", c.NGroup)
	}
	if c.NRoutedExperts%c.NGroup != 0 {
		return fmt.Errorf("n_routed_experts %d not divisible by n_group %d", c.NRoutedExperts, c.NGroup)
	}
	if c.NGroup > 1 && c.NRoutedExperts/c.NGroup < 2 {
		return fmt.Errorf("group size %d too small: group affinity sums the top-2 member scores", c.NRoutedExperts/c.NGroup)
	}
	if c.TopKGroup < 1 || c.TopKGroup > c.NGroup {
		return fmt.Errorf("topk_group must be in [1, %d], got %d", c.NGroup, c.TopKGroup)
	}
	if avail := (c.NRoutedExperts / c.NGroup) * c.TopKGroup; c.TopK > avail {
		return fmt.Errorf("top_k %d exceeds the %d experts available after group masking", c.TopK, avail)
	}
	if c.RoutedScalingFactor <= 0 {
		return fmt.Errorf("routed_scaling_factor must be positive, got %g", c.RoutedScalingFactor)
	}
	if c.MoEIntermediateSize < 1 {
		return fmt.Errorf("moe_intermediate_size must be positive, got %d", c.MoEIntermediateSize)
	}

	if c.IntermediateSize < 1 {
		return fmt.Errorf("intermediate_size must be positive, got %d", c.IntermediateSize)
	}
	if c.NumLayers < 1 {
		return fmt.Errorf("num_layers must be positive, got %d", c.NumLayers)
	}
	if c.FirstKDenseReplace < 0 || c.FirstKDenseReplace > c.NumLayers {
		return fmt.Errorf("first_k_dense_replace must be in [0, %d], got %d", c.NumLayers, c.FirstKDenseReplace)
	}

	if c.RopeTheta <= 0 {
		return fmt.Errorf("rope_theta must be positive, got %g", c.RopeTheta)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("max_positions must be positive, got %d", c.MaxPositions)
	}
	if s := c.RopeScaling; s != nil {
		if s.Factor < 1 {
			return fmt.Errorf("rope_scaling.factor must be >= 1, got %g", s.Factor)
		}
		if s.OriginalMaxPosition < 1 {
			return fmt.Errorf("rope_scaling.original_max_position must be positive, got %d", s.OriginalMaxPosition)
		}
		if s.BetaFast <= s.BetaSlow || s.BetaSlow <= 0 {
			return fmt.Errorf("rope_scaling betas must satisfy beta_fast > beta_slow > 0, got fast=%g slow=%g", s.BetaFast, s.BetaSlow)
		}
		if s.MScale < 0 || s.MScaleAllDim < 0 {
			return fmt.Errorf("rope_scaling mscale values must be non-negative, got mscale=%g mscale_all_dim=%g", s.MScale, s.MScaleAllDim)
		}
	}

	if c.AttentionDropout < 0 || c.AttentionDropout >= 1 {
		return fmt.Errorf("attention_dropout must be in [0, 1), got %g", c.AttentionDropout)
	}
	if c.RMSNormEps <= 0 {
		return fmt.Errorf("rms_norm_eps must be positive, got %g", c.RMSNormEps)
	}

	return nil
}

// WithHiddenSize sets the model width.
func WithHiddenSize(n int) Option {
	return func(c *Config) {
		c.HiddenSize = n
	}
}

// WithHeads sets the attention head count (query and key/value).
func WithHeads(n int) Option {
	return func(c *Config) {
		c.NumHeads = n
		c.NumKVHeads = n
	}
}

// WithLatentRanks sets the low-rank widths of the query and key/value paths.
func WithLatentRanks(qRank, kvRank int) Option {
	return func(c *Config) {
		c.QLoraRank = qRank
		c.KVLoraRank = kvRank
	}
}

// WithHeadDims sets the per-head content, positional, and value widths.
func WithHeadDims(nope, rope, v int) Option {
	return func(c *Config) {
		c.QKNopeHeadDim = nope
		c.QKRopeHeadDim = rope
		c.VHeadDim = v
	}
}

// WithExperts sets the routed and shared expert counts.
func WithExperts(routed, shared int) Option {
	return func(c *Config) {
		c.NRoutedExperts = routed
		c.NSharedExperts = shared
	}
}

// WithTopK sets the number of experts selected per token.
func WithTopK(k int) Option {
	return func(c *Config) {
		c.TopK = k
	}
}

// WithGroups sets the expert group count and the number of groups kept.
func WithGroups(nGroup, topKGroup int) Option {
	return func(c *Config) {
		c.NGroup = nGroup
		c.TopKGroup = topKGroup
	}
}

// WithNormTopKProb toggles normalization of the selected gate weights.
func WithNormTopKProb(b bool) Option {
	return func(c *Config) {
		c.NormTopKProb = b
	}
}

// WithRoutedScalingFactor sets the fixed multiplier on all gate weights.
func WithRoutedScalingFactor(f float64) Option {
	return func(c *Config) {
		c.RoutedScalingFactor = f
	}
}

// WithMoEIntermediateSize sets the per-expert feed-forward width.
func WithMoEIntermediateSize(n int) Option {
	return func(c *Config) {
		c.MoEIntermediateSize = n
	}
}

// WithIntermediateSize sets the dense MLP feed-forward width.
func WithIntermediateSize(n int) Option {
	return func(c *Config) {
		c.IntermediateSize = n
	}
}

// WithFirstKDenseReplace sets how many leading layers use a dense MLP
// instead of the MoE block.
func WithFirstKDenseReplace(n int) Option {
	return func(c *Config) {
		c.FirstKDenseReplace = n
	}
}

// WithNumLayers sets the layer count.
func WithNumLayers(n int) Option {
	return func(c *Config) {
		c.NumLayers = n
	}
}

// WithRopeTheta sets the rotary base frequency.
func WithRopeTheta(theta float64) Option {
	return func(c *Config) {
		c.RopeTheta = theta
	}
}

// WithRopeScaling sets the YaRN extended-context parameters.
func WithRopeScaling(s *RopeScaling) Option {
	return func(c *Config) {
		c.RopeScaling = s
	}
}

// WithMaxPositions sets the precomputed rotary table length.
func WithMaxPositions(n int) Option {
	return func(c *Config) {
		c.MaxPositions = n
	}
}

// WithAttentionBias toggles bias vectors on the attention down and output
// projections.
func WithAttentionBias(b bool) Option {
	return func(c *Config) {
		c.AttentionBias = b
	}
}
