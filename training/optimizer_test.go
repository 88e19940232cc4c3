package training

import (
	"math"
	"testing"

	"github.com/avallone/go-cifar/tensor"
)

func trainableParam(t *testing.T, values []float64) *tensor.Tensor {
	t.Helper()
	p, err := tensor.New([]int{len(values)}, values)
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	p.SetRequiresGrad(true)
	return p
}

func TestSGDStep(t *testing.T) {
	p := trainableParam(t, []float64{1.0, -2.0})
	sgd, err := NewSGD([]*tensor.Tensor{p}, 0.1, 0, false)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	p.AccumulateGrad([]float64{0.5, -1.0})
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	want := []float64{0.95, -1.9}
	for i, w := range want {
		if math.Abs(p.Data[i]-w) > 1e-12 {
			t.Errorf("param[%d] = %v, want %v", i, p.Data[i], w)
		}
	}
}

func TestSGDMomentum(t *testing.T) {
	p := trainableParam(t, []float64{1.0})
	sgd, err := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9, false)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	// step 1: v = 1, p = 1 - 0.1*1 = 0.9
	p.AccumulateGrad([]float64{1})
	sgd.Step()
	if math.Abs(p.Data[0]-0.9) > 1e-12 {
		t.Fatalf("after step 1 param = %v, want 0.9", p.Data[0])
	}

	// step 2: v = 0.9*1 + 1 = 1.9, p = 0.9 - 0.19 = 0.71
	sgd.ZeroGrad()
	p.AccumulateGrad([]float64{1})
	sgd.Step()
	if math.Abs(p.Data[0]-0.71) > 1e-12 {
		t.Errorf("after step 2 param = %v, want 0.71", p.Data[0])
	}
}

func TestSGDNesterov(t *testing.T) {
	p := trainableParam(t, []float64{1.0})
	sgd, err := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9, true)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	// v = 1, update = lr * (g + momentum*v) = 0.1 * 1.9
	p.AccumulateGrad([]float64{1})
	sgd.Step()
	if math.Abs(p.Data[0]-0.81) > 1e-12 {
		t.Errorf("param = %v, want 0.81", p.Data[0])
	}
}

func TestSGDValidation(t *testing.T) {
	p := trainableParam(t, []float64{1})
	if _, err := NewSGD([]*tensor.Tensor{p}, 0, 0, false); err == nil {
		t.Errorf("expected error for zero learning rate")
	}
	if _, err := NewSGD([]*tensor.Tensor{p}, 0.1, -0.5, false); err == nil {
		t.Errorf("expected error for negative momentum")
	}
	if _, err := NewSGD([]*tensor.Tensor{p}, 0.1, 0, true); err == nil {
		t.Errorf("expected error for nesterov without momentum")
	}
}

func TestAdamFirstStep(t *testing.T) {
	p := trainableParam(t, []float64{1.0, -1.0})
	adam, err := NewAdam([]*tensor.Tensor{p}, 0.001, 0.9, 0.999, 1e-8)
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	// After bias correction the first update is lr * g/|g| up to epsilon.
	p.AccumulateGrad([]float64{0.5, -0.5})
	adam.Step()
	if math.Abs(p.Data[0]-(1.0-0.001)) > 1e-6 {
		t.Errorf("param[0] = %v, want about 0.999", p.Data[0])
	}
	if math.Abs(p.Data[1]-(-1.0+0.001)) > 1e-6 {
		t.Errorf("param[1] = %v, want about -0.999", p.Data[1])
	}
}

func TestAdamConverges(t *testing.T) {
	// Minimize (x-3)^2 from x=0.
	p := trainableParam(t, []float64{0})
	adam, err := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8)
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	for i := 0; i < 500; i++ {
		adam.ZeroGrad()
		p.AccumulateGrad([]float64{2 * (p.Data[0] - 3)})
		adam.Step()
	}
	if math.Abs(p.Data[0]-3) > 0.01 {
		t.Errorf("after 500 steps x = %v, want 3", p.Data[0])
	}
}

func TestOptimizerLearningRate(t *testing.T) {
	p := trainableParam(t, []float64{1})
	for _, tc := range []struct {
		name string
		opt  Optimizer
	}{
		{"sgd", mustSGD(t, p)},
		{"adam", mustAdam(t, p)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.opt.GetLR() != 0.01 {
				t.Errorf("GetLR = %v, want 0.01", tc.opt.GetLR())
			}
			tc.opt.SetLR(0.005)
			if tc.opt.GetLR() != 0.005 {
				t.Errorf("GetLR after SetLR = %v, want 0.005", tc.opt.GetLR())
			}
		})
	}
}

func mustSGD(t *testing.T, p *tensor.Tensor) *SGD {
	t.Helper()
	sgd, err := NewSGD([]*tensor.Tensor{p}, 0.01, 0, false)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	return sgd
}

func mustAdam(t *testing.T, p *tensor.Tensor) *Adam {
	t.Helper()
	adam, err := NewAdam([]*tensor.Tensor{p}, 0.01, 0.9, 0.999, 1e-8)
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	return adam
}

func TestZeroGradClearsAccumulation(t *testing.T) {
	p := trainableParam(t, []float64{1, 2})
	sgd := mustSGD(t, p)

	p.AccumulateGrad([]float64{1, 1})
	sgd.ZeroGrad()
	for i, v := range p.Grad() {
		if v != 0 {
			t.Errorf("grad[%d] = %v after ZeroGrad, want 0", i, v)
		}
	}
}
