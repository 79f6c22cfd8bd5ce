package decoder

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"latent-moe-go/tensor"
)

// Kernel computes scaled dot-product attention. q is [qLen, heads, headDim],
// k is [kvLen, heads, headDim], v is [kvLen, heads, vDim], mask is an
// additive [qLen, kvLen] tensor or nil. The returned output is
// [qLen, heads, vDim]; weights are [heads, qLen, kvLen] when requested and
// supported. dropout is carried for contract parity; kernels apply none at
// inference.
type Kernel interface {
	Name() string
	// NeedsEqualDims reports whether the kernel requires the value width to
	// match the query/key width. Callers pad values up and truncate the
	// output back.
	NeedsEqualDims() bool
	// CanReturnWeights reports whether Run can materialize the attention
	// weight matrix.
	CanReturnWeights() bool
	Run(q, k, v, mask *tensor.Tensor, dropout, scaling float64, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error)
}

// CausalMask builds the additive mask for autoregressive attention over a
// query block whose last row sits at key position kvLen-1: query row i may
// attend keys 0..kvLen-qLen+i, later keys get -Inf.
func CausalMask(qLen, kvLen int) *tensor.Tensor {
	if qLen > kvLen {
		panic(fmt.Sprintf("causal mask: query length %d exceeds key length %d", qLen, kvLen))
	}
	mask := tensor.New(qLen, kvLen)
	negInf := float32(math.Inf(-1))
	for i := 0; i < qLen; i++ {
		row := mask.Row(i)
		for j := kvLen - qLen + i + 1; j < kvLen; j++ {
			row[j] = negInf
		}
	}
	return mask
}

func checkKernelShapes(q, k, v, mask *tensor.Tensor) (qLen, heads, headDim, kvLen, vDim int, err error) {
	if len(q.Shape) != 3 || len(k.Shape) != 3 || len(v.Shape) != 3 {
		return 0, 0, 0, 0, 0, fmt.Errorf("kernel inputs must be 3D, got q=%v k=%v v=%v", q.Shape, k.Shape, v.Shape)
	}
	qLen, heads, headDim = q.Shape[0], q.Shape[1], q.Shape[2]
	kvLen, vDim = k.Shape[0], v.Shape[2]
	if k.Shape[1] != heads || v.Shape[1] != heads {
		return 0, 0, 0, 0, 0, fmt.Errorf("head count mismatch: q=%d k=%d v=%d", heads, k.Shape[1], v.Shape[1])
	}
	if k.Shape[2] != headDim {
		return 0, 0, 0, 0, 0, fmt.Errorf("key width %d does not match query width %d", k.Shape[2], headDim)
	}
	if v.Shape[0] != kvLen {
		return 0, 0, 0, 0, 0, fmt.Errorf("value length %d does not match key length %d", v.Shape[0], kvLen)
	}
	if mask != nil && (len(mask.Shape) != 2 || mask.Shape[0] != qLen || mask.Shape[1] != kvLen) {
		return 0, 0, 0, 0, 0, fmt.Errorf("mask shape %v, want [%d %d]", mask.Shape, qLen, kvLen)
	}
	return qLen, heads, headDim, kvLen, vDim, nil
}

// ReferenceKernel materializes the full score matrix per head. It accepts
// any value width and can return attention weights.
type ReferenceKernel struct {
	limit int
}

// NewReferenceKernel builds the unfused kernel with per-head parallelism.
func NewReferenceKernel() *ReferenceKernel {
	return &ReferenceKernel{limit: runtime.GOMAXPROCS(0)}
}

func (r *ReferenceKernel) Name() string           { return "reference" }
func (r *ReferenceKernel) NeedsEqualDims() bool   { return false }
func (r *ReferenceKernel) CanReturnWeights() bool { return true }

// Run computes softmax(q k^T * scaling + mask) v head by head.
func (r *ReferenceKernel) Run(q, k, v, mask *tensor.Tensor, dropout, scaling float64, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	qLen, heads, headDim, kvLen, vDim, err := checkKernelShapes(q, k, v, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("reference kernel: %w", err)
	}

	out := tensor.New(qLen, heads, vDim)
	var weights *tensor.Tensor
	if wantWeights {
		weights = tensor.New(heads, qLen, kvLen)
	}

	scale := float32(scaling)
	var g errgroup.Group
	g.SetLimit(r.limit)
	for h := 0; h < heads; h++ {
		h := h
		g.Go(func() error {
			scores := tensor.New(qLen, kvLen)
			for i := 0; i < qLen; i++ {
				qrow := q.Data[(i*heads+h)*headDim : (i*heads+h+1)*headDim]
				for j := 0; j < kvLen; j++ {
					krow := k.Data[(j*heads+h)*headDim : (j*heads+h+1)*headDim]
					var sum float32
					for p := range qrow {
						sum += qrow[p] * krow[p]
					}
					s := sum * scale
					if mask != nil {
						s += mask.Data[i*kvLen+j]
					}
					scores.Data[i*kvLen+j] = s
				}
			}

			probs := tensor.Softmax(scores)
			if weights != nil {
				copy(weights.Data[h*qLen*kvLen:(h+1)*qLen*kvLen], probs.Data)
			}

			for i := 0; i < qLen; i++ {
				outRow := out.Data[(i*heads+h)*vDim : (i*heads+h+1)*vDim]
				for j := 0; j < kvLen; j++ {
					p := probs.Data[i*kvLen+j]
					if p == 0 {
						continue
					}
					vrow := v.Data[(j*heads+h)*vDim : (j*heads+h+1)*vDim]
					for x := range outRow {
						outRow[x] += p * vrow[x]
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return out, weights, nil
}

// FusedKernel streams keys in a single pass with a running max and sum, so
// the score matrix is never materialized. It requires equal query/key and
// value widths and cannot return attention weights.
type FusedKernel struct {
	limit int
}

// NewFusedKernel builds the single-pass kernel with per-head parallelism.
func NewFusedKernel() *FusedKernel {
	return &FusedKernel{limit: runtime.GOMAXPROCS(0)}
}

func (f *FusedKernel) Name() string           { return "fused" }
func (f *FusedKernel) NeedsEqualDims() bool   { return true }
func (f *FusedKernel) CanReturnWeights() bool { return false }

// Run computes the same attention as the reference kernel without storing
// scores: each new maximum rescales the running accumulator and weight sum.
func (f *FusedKernel) Run(q, k, v, mask *tensor.Tensor, dropout, scaling float64, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if wantWeights {
		return nil, nil, fmt.Errorf("fused kernel cannot return attention weights")
	}
	qLen, heads, headDim, kvLen, vDim, err := checkKernelShapes(q, k, v, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("fused kernel: %w", err)
	}
	if vDim != headDim {
		return nil, nil, fmt.Errorf("fused kernel: value width %d must match query/key width %d", vDim, headDim)
	}

	out := tensor.New(qLen, heads, vDim)

	scale := float32(scaling)
	var g errgroup.Group
	g.SetLimit(f.limit)
	for h := 0; h < heads; h++ {
		h := h
		g.Go(func() error {
			acc := make([]float32, vDim)
			for i := 0; i < qLen; i++ {
				qrow := q.Data[(i*heads+h)*headDim : (i*heads+h+1)*headDim]
				runMax := float32(math.Inf(-1))
				runSum := float32(0)
				for x := range acc {
					acc[x] = 0
				}

				for j := 0; j < kvLen; j++ {
					krow := k.Data[(j*heads+h)*headDim : (j*heads+h+1)*headDim]
					var sum float32
					for p := range qrow {
						sum += qrow[p] * krow[p]
					}
					s := sum * scale
					if mask != nil {
						s += mask.Data[i*kvLen+j]
					}
					// A fully masked key contributes nothing and would
					// poison the running max.
					if math.IsInf(float64(s), -1) {
						continue
					}

					if s > runMax {
						rescale := float32(math.Exp(float64(runMax - s)))
						for x := range acc {
							acc[x] *= rescale
						}
						runSum *= rescale
						runMax = s
					}
					w := float32(math.Exp(float64(s - runMax)))
					runSum += w
					vrow := v.Data[(j*heads+h)*vDim : (j*heads+h+1)*vDim]
					for x := range acc {
						acc[x] += w * vrow[x]
					}
				}

				outRow := out.Data[(i*heads+h)*vDim : (i*heads+h+1)*vDim]
				for x := range outRow {
					outRow[x] = acc[x] / runSum
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return out, nil, nil
}
