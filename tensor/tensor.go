package tensor

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Tensor is a dense row-major array of float32 values.
type Tensor struct {
	Data  []float32
	Shape []int
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// FromSlice creates a tensor backed by a copy of data.
func FromSlice(data []float32, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(data) {
		panic(fmt.Sprintf("shape %v does not match data length %d", shape, len(data)))
	}
	t := New(shape...)
	copy(t.Data, data)
	return t
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set writes the element at the given indices.
func (t *Tensor) Set(val float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return FromSlice(t.Data, t.Shape...)
}

// Reshape returns a view over the same data with a different shape.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape %v to %v: size mismatch", t.Shape, shape))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: append([]int(nil), shape...),
	}
}

// Row returns the backing slice of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float32 {
	if len(t.Shape) != 2 {
		panic("Row requires a 2D tensor")
	}
	cols := t.Shape[1]
	return t.Data[i*cols : (i+1)*cols]
}

// Rows gathers the listed rows of a 2D tensor into a new [len(indices), cols]
// tensor. The same row may appear more than once.
func (t *Tensor) Rows(indices []int) *Tensor {
	if len(t.Shape) != 2 {
		panic("Rows requires a 2D tensor")
	}
	cols := t.Shape[1]
	out := New(len(indices), cols)
	for i, r := range indices {
		copy(out.Data[i*cols:(i+1)*cols], t.Data[r*cols:(r+1)*cols])
	}
	return out
}

// MatMul computes [m,k] x [k,n] -> [m,n].
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := New(m, n)

	for i := 0; i < m; i++ {
		arow := a.Data[i*k : (i+1)*k]
		crow := result.Data[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := arow[p]
			if av == 0 {
				continue
			}
			brow := b.Data[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				crow[j] += av * brow[j]
			}
		}
	}

	return result
}

// matmulParallelOps is the multiply-add count above which MatMulTransposedB
// fans row blocks out across goroutines.
const matmulParallelOps = 1 << 16

// MatMulTransposedB computes A x B^T without materializing the transpose.
// A: [m,k], B: [n,k] -> [m,n]. Projection weights are stored [out,in], so
// this is the forward path for every linear layer. Large products run row
// blocks in parallel; each block writes a disjoint range of the result.
func MatMulTransposedB(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMulTransposedB requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[1] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]^T", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[0]
	result := New(m, n)

	rowRange := func(start, end int) {
		for i := start; i < end; i++ {
			arow := a.Data[i*k : (i+1)*k]
			crow := result.Data[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				brow := b.Data[j*k : (j+1)*k]
				sum := float32(0)
				for p := 0; p < k; p++ {
					sum += arow[p] * brow[p]
				}
				crow[j] = sum
			}
		}
	}

	workers := runtime.GOMAXPROCS(0)
	if m < 2 || workers < 2 || m*n*k < matmulParallelOps {
		rowRange(0, m)
		return result
	}

	var g errgroup.Group
	g.SetLimit(workers)
	chunk := (m + workers - 1) / workers
	for start := 0; start < m; start += chunk {
		start := start
		end := start + chunk
		if end > m {
			end = m
		}
		g.Go(func() error {
			rowRange(start, end)
			return nil
		})
	}
	_ = g.Wait() // row tasks never fail

	return result
}

// Add performs element-wise addition.
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := New(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// AddInPlace adds b into a and returns a.
func AddInPlace(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
	return a
}

// Mul performs element-wise multiplication.
func Mul(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := New(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] * b.Data[i]
	}
	return result
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, factor float32) *Tensor {
	result := New(t.Shape...)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * factor
	}
	return result
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(t *Tensor) *Tensor {
	result := New(t.Shape...)
	for i, x := range t.Data {
		result.Data[i] = float32(1.0 / (1.0 + math.Exp(-float64(x))))
	}
	return result
}

// SiLU applies x * sigmoid(x) element-wise.
func SiLU(t *Tensor) *Tensor {
	result := New(t.Shape...)
	for i, x := range t.Data {
		result.Data[i] = x * float32(1.0/(1.0+math.Exp(-float64(x))))
	}
	return result
}

// Softmax applies softmax along the last dimension.
func Softmax(t *Tensor) *Tensor {
	result := New(t.Shape...)

	cols := t.Shape[len(t.Shape)-1]
	rows := t.Size() / cols

	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		out := result.Data[i*cols : (i+1)*cols]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		sum := float32(0)
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			out[j] = e
			sum += e
		}

		for j := range out {
			out[j] /= sum
		}
	}

	return result
}

// RMSNorm normalizes each row of the last dimension by its root mean square
// and scales by weight. No mean subtraction.
func RMSNorm(t, weight *Tensor, eps float32) *Tensor {
	hiddenSize := t.Shape[len(t.Shape)-1]
	if weight.Size() != hiddenSize {
		panic(fmt.Sprintf("RMSNorm weight size %d does not match last dim %d", weight.Size(), hiddenSize))
	}

	result := New(t.Shape...)
	rows := t.Size() / hiddenSize

	for i := 0; i < rows; i++ {
		offset := i * hiddenSize

		ss := float32(0)
		for j := 0; j < hiddenSize; j++ {
			v := t.Data[offset+j]
			ss += v * v
		}
		inv := 1.0 / float32(math.Sqrt(float64(ss/float32(hiddenSize)+eps)))

		for j := 0; j < hiddenSize; j++ {
			result.Data[offset+j] = t.Data[offset+j] * inv * weight.Data[j]
		}
	}

	return result
}

// SliceLastDim copies columns [start, end) of the last dimension.
func (t *Tensor) SliceLastDim(start, end int) *Tensor {
	last := t.Shape[len(t.Shape)-1]
	if start < 0 || end > last || start >= end {
		panic(fmt.Sprintf("invalid last-dim slice [%d:%d] of width %d", start, end, last))
	}

	width := end - start
	newShape := append([]int(nil), t.Shape...)
	newShape[len(newShape)-1] = width
	result := New(newShape...)

	rows := t.Size() / last
	for i := 0; i < rows; i++ {
		copy(result.Data[i*width:(i+1)*width], t.Data[i*last+start:i*last+end])
	}
	return result
}

// PadLastDim zero-pads the last dimension up to width. Returns the input
// unchanged if it is already that wide.
func PadLastDim(t *Tensor, width int) *Tensor {
	last := t.Shape[len(t.Shape)-1]
	if last == width {
		return t
	}
	if last > width {
		panic(fmt.Sprintf("cannot pad last dim %d down to %d", last, width))
	}

	newShape := append([]int(nil), t.Shape...)
	newShape[len(newShape)-1] = width
	result := New(newShape...)

	rows := t.Size() / last
	for i := 0; i < rows; i++ {
		copy(result.Data[i*width:i*width+last], t.Data[i*last:(i+1)*last])
	}
	return result
}

// TruncateLastDim drops trailing channels of the last dimension down to width.
func TruncateLastDim(t *Tensor, width int) *Tensor {
	last := t.Shape[len(t.Shape)-1]
	if last == width {
		return t
	}
	if last < width {
		panic(fmt.Sprintf("cannot truncate last dim %d up to %d", last, width))
	}

	newShape := append([]int(nil), t.Shape...)
	newShape[len(newShape)-1] = width
	result := New(newShape...)

	rows := t.Size() / last
	for i := 0; i < rows; i++ {
		copy(result.Data[i*width:(i+1)*width], t.Data[i*last:i*last+width])
	}
	return result
}
