package tensor

import (
	"encoding/binary"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// Seed derives a stable 64-bit seed from a parameter name and shape. The same
// name and shape always hash to the same seed, so synthetic parameters are
// reproducible across runs and platforms.
func Seed(name string, shape ...int) uint64 {
	h := xxhash.New()
	h.WriteString(name)
	buf := make([]byte, 8)
	for _, dim := range shape {
		binary.LittleEndian.PutUint64(buf, uint64(dim))
		h.Write(buf)
	}
	return h.Sum64()
}

// SeededUniform creates a tensor filled with uniform values in [lo, hi),
// seeded from the parameter name and shape.
func SeededUniform(name string, lo, hi float32, shape ...int) *Tensor {
	t := New(shape...)
	rng := rand.New(rand.NewSource(int64(Seed(name, shape...))))
	span := hi - lo
	for i := range t.Data {
		t.Data[i] = lo + span*rng.Float32()
	}
	return t
}
