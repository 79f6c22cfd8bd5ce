package decoder

import (
	"fmt"

	"latent-moe-go/tensor"
)

// Linear is a projection with weight stored [out, in] plus an optional bias.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLinear validates weight and bias shapes against the declared widths.
func NewLinear(weight, bias *tensor.Tensor, out, in int) (*Linear, error) {
	if weight == nil {
		return nil, fmt.Errorf("linear weight is nil")
	}
	if len(weight.Shape) != 2 || weight.Shape[0] != out || weight.Shape[1] != in {
		return nil, fmt.Errorf("linear weight shape %v, want [%d %d]", weight.Shape, out, in)
	}
	if bias != nil && bias.Size() != out {
		return nil, fmt.Errorf("linear bias size %d, want %d", bias.Size(), out)
	}
	return &Linear{Weight: weight, Bias: bias}, nil
}

// Forward computes x W^T (+ bias) for x shaped [rows, in].
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.MatMulTransposedB(x, l.Weight)
	if l.Bias != nil {
		rows, cols := y.Shape[0], y.Shape[1]
		for i := 0; i < rows; i++ {
			row := y.Data[i*cols : (i+1)*cols]
			for j := range row {
				row[j] += l.Bias.Data[j]
			}
		}
	}
	return y
}
