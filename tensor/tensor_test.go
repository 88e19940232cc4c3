package tensor

import (
	"math"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		shape     []int
		dataLen   int
		expectErr bool
	}{
		{"vector", []int{4}, 4, false},
		{"matrix", []int{2, 3}, 6, false},
		{"image batch", []int{2, 3, 4, 4}, 96, false},
		{"length mismatch", []int{2, 3}, 5, true},
		{"empty shape", []int{}, 0, true},
		{"zero dimension", []int{2, 0}, 0, true},
		{"negative dimension", []int{-1, 3}, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]float64, tt.dataLen)
			_, err := New(tt.shape, data)
			if tt.expectErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestZeros(t *testing.T) {
	z, err := Zeros([]int{3, 2})
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	if z.NumElems() != 6 {
		t.Errorf("expected 6 elements, got %d", z.NumElems())
	}
	for i, v := range z.Data {
		if v != 0 {
			t.Errorf("element %d is %v, want 0", i, v)
		}
	}
}

func TestClone(t *testing.T) {
	orig, err := New([]int{2, 2}, []float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orig.SetRequiresGrad(true)

	clone := orig.Clone()
	clone.Data[0] = 99
	clone.Shape[0] = 99

	if orig.Data[0] != 1 {
		t.Errorf("clone shares data with original")
	}
	if orig.Shape[0] != 2 {
		t.Errorf("clone shares shape with original")
	}
	if !clone.RequiresGrad() {
		t.Errorf("clone lost requiresGrad flag")
	}
}

func TestGradAccumulation(t *testing.T) {
	p, err := New([]int{3}, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.AccumulateGrad([]float64{0.5, 0.5, 0.5}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if err := p.AccumulateGrad([]float64{1, 1, 1}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}

	grad := p.Grad()
	for i, want := range []float64{1.5, 1.5, 1.5} {
		if math.Abs(grad[i]-want) > 1e-12 {
			t.Errorf("grad[%d] = %v, want %v", i, grad[i], want)
		}
	}

	if err := p.AccumulateGrad([]float64{1, 1}); err == nil {
		t.Errorf("expected error for mismatched gradient length")
	}

	p.ZeroGrad()
	for i, v := range p.Grad() {
		if v != 0 {
			t.Errorf("grad[%d] = %v after ZeroGrad, want 0", i, v)
		}
	}
}

func TestSetData(t *testing.T) {
	p, err := New([]int{2}, []float64{1, 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.SetData([]float64{3, 4}); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}
	if p.Data[0] != 3 || p.Data[1] != 4 {
		t.Errorf("SetData did not overwrite values: %v", p.Data)
	}
	if err := p.SetData([]float64{1}); err == nil {
		t.Errorf("expected error for mismatched data length")
	}
}

func TestSameShape(t *testing.T) {
	a, _ := Zeros([]int{2, 3})
	b, _ := Zeros([]int{2, 3})
	c, _ := Zeros([]int{3, 2})
	d, _ := Zeros([]int{6})

	if !SameShape(a, b) {
		t.Errorf("identical shapes reported different")
	}
	if SameShape(a, c) {
		t.Errorf("transposed shapes reported same")
	}
	if SameShape(a, d) {
		t.Errorf("same element count but different rank reported same")
	}
}

func TestPackageZeroGrad(t *testing.T) {
	a, _ := New([]int{2}, []float64{1, 1})
	b, _ := New([]int{2}, []float64{2, 2})
	a.AccumulateGrad([]float64{1, 1})
	b.AccumulateGrad([]float64{2, 2})

	ZeroGrad([]*Tensor{a, b})
	for _, p := range []*Tensor{a, b} {
		for i, v := range p.Grad() {
			if v != 0 {
				t.Errorf("grad[%d] = %v after ZeroGrad, want 0", i, v)
			}
		}
	}
}
