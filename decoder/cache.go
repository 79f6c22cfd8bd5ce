package decoder

import (
	"fmt"

	"github.com/x448/float16"

	"latent-moe-go/tensor"
)

// CacheMeta carries the rotary metadata of one update. Keys arrive already
// rotated; implementations with their own rotary handling consume the
// metadata instead of the caller applying rotation twice.
type CacheMeta struct {
	Cos       *tensor.Tensor
	Sin       *tensor.Tensor
	Positions []int
}

// Cache accumulates per-layer key/value states across decoding steps. Update
// appends the new states for layerIdx and returns the full accumulated
// key/value tensors. At most one writer per layer per step.
type Cache interface {
	Update(key, value *tensor.Tensor, layerIdx int, meta CacheMeta) (*tensor.Tensor, *tensor.Tensor, error)
}

type memoryCacheLayer struct {
	keys      []float32
	values    []float32
	keysHalf  []float16.Float16
	valueHalf []float16.Float16
	rows      int
	keyShape  []int
	valShape  []int
	positions []int
}

// MemoryCache is a growable in-memory Cache. With half precision enabled,
// entries are stored as IEEE 754 binary16 and decoded on read, halving the
// footprint at a small accuracy cost.
type MemoryCache struct {
	layers []memoryCacheLayer
	half   bool
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithHalfPrecision stores cache entries as binary16.
func WithHalfPrecision() MemoryCacheOption {
	return func(c *MemoryCache) {
		c.half = true
	}
}

// NewMemoryCache creates an empty cache with one slot per layer.
func NewMemoryCache(numLayers int, opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{layers: make([]memoryCacheLayer, numLayers)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len returns the number of cached positions for a layer.
func (c *MemoryCache) Len(layerIdx int) int {
	return c.layers[layerIdx].rows
}

// Reset drops all cached states, keeping the layer slots.
func (c *MemoryCache) Reset() {
	for i := range c.layers {
		c.layers[i] = memoryCacheLayer{}
	}
}

// Update appends key/value rows shaped [rows, heads, width] for layerIdx and
// returns the accumulated tensors.
func (c *MemoryCache) Update(key, value *tensor.Tensor, layerIdx int, meta CacheMeta) (*tensor.Tensor, *tensor.Tensor, error) {
	if layerIdx < 0 || layerIdx >= len(c.layers) {
		return nil, nil, fmt.Errorf("memory cache: layer %d outside [0, %d)", layerIdx, len(c.layers))
	}
	if len(key.Shape) != 3 || len(value.Shape) != 3 {
		return nil, nil, fmt.Errorf("memory cache: states must be [rows, heads, width], got key=%v value=%v", key.Shape, value.Shape)
	}
	if key.Shape[0] != value.Shape[0] {
		return nil, nil, fmt.Errorf("memory cache: key rows %d do not match value rows %d", key.Shape[0], value.Shape[0])
	}
	rows := key.Shape[0]
	if meta.Positions != nil && len(meta.Positions) != rows {
		return nil, nil, fmt.Errorf("memory cache: %d positions for %d rows", len(meta.Positions), rows)
	}

	layer := &c.layers[layerIdx]
	if layer.rows == 0 {
		layer.keyShape = append([]int(nil), key.Shape[1:]...)
		layer.valShape = append([]int(nil), value.Shape[1:]...)
	} else if !sameDims(layer.keyShape, key.Shape[1:]) || !sameDims(layer.valShape, value.Shape[1:]) {
		return nil, nil, fmt.Errorf("memory cache: state shape changed from key=%v value=%v to key=%v value=%v",
			layer.keyShape, layer.valShape, key.Shape[1:], value.Shape[1:])
	}

	if c.half {
		for _, v := range key.Data {
			layer.keysHalf = append(layer.keysHalf, float16.Fromfloat32(v))
		}
		for _, v := range value.Data {
			layer.valueHalf = append(layer.valueHalf, float16.Fromfloat32(v))
		}
	} else {
		layer.keys = append(layer.keys, key.Data...)
		layer.values = append(layer.values, value.Data...)
	}
	layer.rows += rows
	layer.positions = append(layer.positions, meta.Positions...)

	return c.materialize(layer)
}

func (c *MemoryCache) materialize(layer *memoryCacheLayer) (*tensor.Tensor, *tensor.Tensor, error) {
	kShape := append([]int{layer.rows}, layer.keyShape...)
	vShape := append([]int{layer.rows}, layer.valShape...)
	k := tensor.New(kShape...)
	v := tensor.New(vShape...)
	if c.half {
		for i, h := range layer.keysHalf {
			k.Data[i] = h.Float32()
		}
		for i, h := range layer.valueHalf {
			v.Data[i] = h.Float32()
		}
	} else {
		copy(k.Data, layer.keys)
		copy(v.Data, layer.values)
	}
	return k, v, nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
