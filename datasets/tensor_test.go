package datasets

import "testing"

func TestDenseShapeAndViews(t *testing.T) {
	d, err := NewDense(3, 2, 2)
	if err != nil {
		t.Fatalf("NewDense failed: %v", err)
	}
	if d.Size() != 12 || d.Rank() != 3 {
		t.Fatalf("unexpected size/rank: %d/%d", d.Size(), d.Rank())
	}
	for i := range d.Data {
		d.Data[i] = float32(i)
	}

	v, err := d.View(1)
	if err != nil {
		t.Fatalf("View(1) failed: %v", err)
	}
	if len(v.Shape) != 2 || v.Shape[0] != 2 || v.Shape[1] != 2 {
		t.Fatalf("unexpected view shape %v", v.Shape)
	}
	if v.Data[0] != 4 || v.Data[3] != 7 {
		t.Fatalf("view does not share parent buffer: %v", v.Data)
	}

	// views share backing memory
	v.Data[0] = 99
	if d.At(1, 0, 0) != 99 {
		t.Fatalf("expected write-through view, got %v", d.At(1, 0, 0))
	}

	if _, err := d.View(3); err == nil {
		t.Fatalf("expected out-of-range view error")
	}
	if _, err := d.ViewRange(2, 1); err == nil {
		t.Fatalf("expected bad range error")
	}

	r, err := d.ViewRange(1, 3)
	if err != nil {
		t.Fatalf("ViewRange failed: %v", err)
	}
	if r.Shape[0] != 2 || r.Data[0] != 99 {
		t.Fatalf("unexpected range view: shape=%v data0=%v", r.Shape, r.Data[0])
	}
}

func TestDenseOfChecksLength(t *testing.T) {
	if _, err := DenseOf([]float32{1, 2, 3}, 2, 2); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	d, err := DenseOf([]float32{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatalf("DenseOf failed: %v", err)
	}
	if d.At(1, 1) != 4 {
		t.Fatalf("unexpected element: %v", d.At(1, 1))
	}
}

func TestStack(t *testing.T) {
	a, _ := DenseOf([]float32{1, 2}, 2)
	b, _ := DenseOf([]float32{3, 4}, 2)
	s, err := Stack([]*Dense{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if s.Shape[0] != 2 || s.Shape[1] != 2 {
		t.Fatalf("unexpected stacked shape %v", s.Shape)
	}
	want := []float32{1, 2, 3, 4}
	for i, v := range want {
		if s.Data[i] != v {
			t.Fatalf("stacked data mismatch at %d: got %v want %v", i, s.Data[i], v)
		}
	}

	c, _ := DenseOf([]float32{1, 2, 3}, 3)
	if _, err := Stack([]*Dense{a, c}); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestConcatAlongAxisOne(t *testing.T) {
	// two samples, sequences of length 2 and 1, feature width 1
	a, _ := DenseOf([]float32{1, 2, 3, 4}, 2, 2, 1)
	b, _ := DenseOf([]float32{10, 20}, 2, 1, 1)
	empty, _ := NewDense(2, 0, 1)

	out, err := Concat(1, a, empty, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if out.Shape[1] != 3 {
		t.Fatalf("expected concatenated seq len 3, got %v", out.Shape)
	}
	want := []float32{1, 2, 10, 3, 4, 20}
	for i, v := range want {
		if out.Data[i] != v {
			t.Fatalf("concat data mismatch at %d: got %v want %v", i, out.Data[i], v)
		}
	}
}

func TestConcatRejectsMismatchedShapes(t *testing.T) {
	a, _ := NewDense(2, 2, 1)
	b, _ := NewDense(3, 1, 1)
	if _, err := Concat(1, a, b); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestToGomlxTensor(t *testing.T) {
	for _, shape := range [][]int{{4}, {2, 2}, {2, 2, 1}, {2, 1, 2, 1}, {1, 2, 1, 2, 1}} {
		d, err := NewDense(shape...)
		if err != nil {
			t.Fatalf("NewDense(%v) failed: %v", shape, err)
		}
		tensor, err := d.ToGomlxTensor()
		if err != nil {
			t.Fatalf("ToGomlxTensor(%v) failed: %v", shape, err)
		}
		if tensor == nil {
			t.Fatalf("ToGomlxTensor(%v) returned nil tensor", shape)
		}
	}

	d, _ := NewDense(1, 1, 1, 1, 1, 1)
	if _, err := d.ToGomlxTensor(); err == nil {
		t.Fatalf("expected unsupported-rank error")
	}
}
