package decoder

import (
	"fmt"

	"latent-moe-go/tensor"
)

// RMSNorm scales each row by its inverse root mean square, then by a learned
// per-channel weight. Used on hidden states and on both compressed latents.
type RMSNorm struct {
	Weight *tensor.Tensor
	Eps    float32
}

// NewRMSNorm validates the weight against the normalized width.
func NewRMSNorm(weight *tensor.Tensor, dim int, eps float32) (*RMSNorm, error) {
	if weight == nil {
		return nil, fmt.Errorf("rmsnorm weight is nil")
	}
	if weight.Size() != dim {
		return nil, fmt.Errorf("rmsnorm weight size %d, want %d", weight.Size(), dim)
	}
	if eps <= 0 {
		return nil, fmt.Errorf("rmsnorm eps must be positive, got %g", eps)
	}
	return &RMSNorm{Weight: weight, Eps: eps}, nil
}

// Forward normalizes the last dimension of x.
func (n *RMSNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.RMSNorm(x, n.Weight, n.Eps)
}
