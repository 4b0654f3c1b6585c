package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Dense is an n-dimensional tensor stored in one contiguous row-major
// float32 buffer alongside its shape. All pipeline stages exchange Dense
// values; conversion into gomlx tensors is a small, well-defined step at
// the model boundary (see ToGomlxTensor).
type Dense struct {
	Data  []float32
	Shape []int
}

// NewDense allocates a zero-filled tensor of the given shape.
// Dimensions must be non-negative.
func NewDense(shape ...int) (*Dense, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("negative dimension %d in shape %v", dim, shape)
		}
		size *= dim
	}
	return &Dense{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}, nil
}

// DenseOf wraps an existing buffer. The buffer length must match the
// shape's element count; the buffer is adopted, not copied.
func DenseOf(data []float32, shape ...int) (*Dense, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("negative dimension %d in shape %v", dim, shape)
		}
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("buffer length %d does not match shape %v (want %d)", len(data), shape, size)
	}
	return &Dense{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// Rank returns the number of dimensions.
func (d *Dense) Rank() int { return len(d.Shape) }

// Size returns the total element count.
func (d *Dense) Size() int {
	size := 1
	for _, dim := range d.Shape {
		size *= dim
	}
	return size
}

// stride returns the element count of one subtensor along axis 0.
func (d *Dense) stride() int {
	if len(d.Shape) == 0 {
		return 1
	}
	size := 1
	for _, dim := range d.Shape[1:] {
		size *= dim
	}
	return size
}

// View returns the i-th subtensor along axis 0. The returned tensor
// shares the backing buffer; callers must treat views as read-only
// unless they own the parent.
func (d *Dense) View(i int) (*Dense, error) {
	if d.Rank() == 0 {
		return nil, fmt.Errorf("cannot take a view of a rank-0 tensor")
	}
	if i < 0 || i >= d.Shape[0] {
		return nil, fmt.Errorf("view index %d out of range [0, %d)", i, d.Shape[0])
	}
	block := d.stride()
	return &Dense{
		Data:  d.Data[i*block : (i+1)*block],
		Shape: append([]int(nil), d.Shape[1:]...),
	}, nil
}

// ViewRange returns rows [lo, hi) along axis 0 as a shared-buffer view.
func (d *Dense) ViewRange(lo, hi int) (*Dense, error) {
	if d.Rank() == 0 {
		return nil, fmt.Errorf("cannot take a view of a rank-0 tensor")
	}
	if lo < 0 || hi < lo || hi > d.Shape[0] {
		return nil, fmt.Errorf("view range [%d, %d) out of bounds for axis length %d", lo, hi, d.Shape[0])
	}
	block := d.stride()
	shape := append([]int{hi - lo}, d.Shape[1:]...)
	return &Dense{Data: d.Data[lo*block : hi*block], Shape: shape}, nil
}

// Clone returns a deep copy.
func (d *Dense) Clone() *Dense {
	out := &Dense{
		Data:  make([]float32, len(d.Data)),
		Shape: append([]int(nil), d.Shape...),
	}
	copy(out.Data, d.Data)
	return out
}

// At reads the element at the given multi-index.
func (d *Dense) At(idx ...int) float32 {
	return d.Data[d.flatIndex(idx)]
}

// SetAt writes the element at the given multi-index.
func (d *Dense) SetAt(v float32, idx ...int) {
	d.Data[d.flatIndex(idx)] = v
}

func (d *Dense) flatIndex(idx []int) int {
	if len(idx) != len(d.Shape) {
		panic(fmt.Sprintf("index rank %d does not match tensor rank %d", len(idx), len(d.Shape)))
	}
	flat := 0
	for axis, i := range idx {
		if i < 0 || i >= d.Shape[axis] {
			panic(fmt.Sprintf("index %d out of range [0, %d) on axis %d", i, d.Shape[axis], axis))
		}
		flat = flat*d.Shape[axis] + i
	}
	return flat
}

// Stack joins tensors of identical shape along a new leading axis.
func Stack(parts []*Dense) (*Dense, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := parts[0]
	for i, p := range parts[1:] {
		if !sameShape(first.Shape, p.Shape) {
			return nil, fmt.Errorf("inconsistent shapes: tensor 0 has %v, tensor %d has %v", first.Shape, i+1, p.Shape)
		}
	}
	block := first.Size()
	out := &Dense{
		Data:  make([]float32, len(parts)*block),
		Shape: append([]int{len(parts)}, first.Shape...),
	}
	for i, p := range parts {
		copy(out.Data[i*block:], p.Data)
	}
	return out, nil
}

// Concat joins tensors along an existing axis. All other dimensions must
// agree; parts whose length along the axis is zero are skipped, so empty
// scales drop out of a concatenated sequence.
func Concat(axis int, parts ...*Dense) (*Dense, error) {
	kept := make([]*Dense, 0, len(parts))
	for _, p := range parts {
		if p == nil {
			continue
		}
		if axis < 0 || axis >= p.Rank() {
			return nil, fmt.Errorf("concat axis %d out of range for rank %d", axis, p.Rank())
		}
		if p.Shape[axis] == 0 {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("nothing to concatenate along axis %d", axis)
	}
	first := kept[0]
	axisTotal := 0
	for i, p := range kept {
		if p.Rank() != first.Rank() {
			return nil, fmt.Errorf("inconsistent ranks: tensor 0 has %d, tensor %d has %d", first.Rank(), i, p.Rank())
		}
		for a := range p.Shape {
			if a != axis && p.Shape[a] != first.Shape[a] {
				return nil, fmt.Errorf("inconsistent shapes along axis %d: tensor 0 has %v, tensor %d has %v", a, first.Shape, i, p.Shape)
			}
		}
		axisTotal += p.Shape[axis]
	}

	outer := 1
	for a := 0; a < axis; a++ {
		outer *= first.Shape[a]
	}
	inner := 1
	for a := axis + 1; a < first.Rank(); a++ {
		inner *= first.Shape[a]
	}

	shape := append([]int(nil), first.Shape...)
	shape[axis] = axisTotal
	out := &Dense{Data: make([]float32, outer*axisTotal*inner), Shape: shape}

	pos := 0
	for o := 0; o < outer; o++ {
		for _, p := range kept {
			block := p.Shape[axis] * inner
			copy(out.Data[pos:], p.Data[o*block:(o+1)*block])
			pos += block
		}
	}
	return out, nil
}

func sameShape(a, b []int) bool {
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

// ToGomlxTensor converts the tensor to a gomlx tensor by reshaping the
// flat buffer into nested slices and handing them to tensors.FromAnyValue.
// Ranks 1 through 5 are supported, which covers every shape the pipeline
// produces (batched flow windows are rank 5).
func (d *Dense) ToGomlxTensor() (*tensors.Tensor, error) {
	switch d.Rank() {
	case 1:
		v := make([]float32, len(d.Data))
		copy(v, d.Data)
		return tensors.FromAnyValue(v), nil
	case 2:
		return tensors.FromAnyValue(d.nested2()), nil
	case 3:
		v := make([][][]float32, d.Shape[0])
		for i := range v {
			sub, _ := d.View(i)
			v[i] = sub.nested2()
		}
		return tensors.FromAnyValue(v), nil
	case 4:
		v := make([][][][]float32, d.Shape[0])
		for i := range v {
			sub, _ := d.View(i)
			w := make([][][]float32, sub.Shape[0])
			for j := range w {
				ss, _ := sub.View(j)
				w[j] = ss.nested2()
			}
			v[i] = w
		}
		return tensors.FromAnyValue(v), nil
	case 5:
		v := make([][][][][]float32, d.Shape[0])
		for i := range v {
			sub, _ := d.View(i)
			w := make([][][][]float32, sub.Shape[0])
			for j := range w {
				ss, _ := sub.View(j)
				u := make([][][]float32, ss.Shape[0])
				for k := range u {
					sss, _ := ss.View(k)
					u[k] = sss.nested2()
				}
				w[j] = u
			}
			v[i] = w
		}
		return tensors.FromAnyValue(v), nil
	default:
		return nil, fmt.Errorf("unsupported rank %d for gomlx conversion", d.Rank())
	}
}

// nested2 reshapes a rank-2 tensor into row slices sharing the buffer.
func (d *Dense) nested2() [][]float32 {
	rows, cols := d.Shape[0], d.Shape[1]
	v := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		v[i] = d.Data[i*cols : (i+1)*cols]
	}
	return v
}
