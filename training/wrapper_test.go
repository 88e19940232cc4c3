package training

import (
	"math"
	"testing"

	"github.com/avallone/go-cifar/layers"
	"github.com/avallone/go-cifar/tensor"
)

func tinySpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{2}).
		AddDense(8, true, 0, "hidden").
		AddReLU("hidden_relu").
		AddDense(2, true, 0, "logits").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return spec
}

// separableDataset builds two linearly separable clusters labeled 0 and 1.
func separableDataset(t *testing.T, n int) *TensorDataset {
	t.Helper()
	data := make([]float64, n*2)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		offset := float64(i%4) * 0.05
		if i%2 == 0 {
			data[i*2] = 1 + offset
			data[i*2+1] = -1 - offset
			labels[i] = 0
		} else {
			data[i*2] = -1 - offset
			data[i*2+1] = 1 + offset
			labels[i] = 1
		}
	}
	inputs, err := tensor.New([]int{n, 2}, data)
	if err != nil {
		t.Fatalf("failed to build inputs: %v", err)
	}
	ds, err := NewTensorDataset(inputs, labels)
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	return ds
}

func newTinyWrapper(t *testing.T, opts ...WrapperOption) *ModelWrapper {
	t.Helper()
	spec := tinySpec(t)
	model, err := BuildModel(spec)
	if err != nil {
		t.Fatalf("BuildModel failed: %v", err)
	}
	opt, err := NewSGD(model.Parameters(), 0.1, 0.9, false)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	mw, err := NewModelWrapper(spec, model, opt, opts...)
	if err != nil {
		t.Fatalf("NewModelWrapper failed: %v", err)
	}
	return mw
}

func TestFitHistoryShape(t *testing.T) {
	SetRandomSeed(41)
	mw := newTinyWrapper(t)
	train := separableDataset(t, 16)
	valid := separableDataset(t, 8)

	history, err := mw.Fit(train, valid, FitConfig{Epochs: 4, BatchSize: 4, Quiet: true})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if history.Epochs() != 4 {
		t.Errorf("history has %d epochs, want 4", history.Epochs())
	}
	for name, seq := range map[string][]float64{
		"loss":         history.Loss,
		"accuracy":     history.Accuracy,
		"val_loss":     history.ValLoss,
		"val_accuracy": history.ValAccuracy,
	} {
		if len(seq) != 4 {
			t.Errorf("%s has %d entries, want 4", name, len(seq))
		}
	}
}

func TestFitLearnsSeparableData(t *testing.T) {
	SetRandomSeed(42)
	mw := newTinyWrapper(t)
	train := separableDataset(t, 32)
	valid := separableDataset(t, 16)

	history, err := mw.Fit(train, valid, FitConfig{Epochs: 30, BatchSize: 8, Shuffle: true, Quiet: true})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	final := history.ValAccuracy[history.Epochs()-1]
	if final < 0.9 {
		t.Errorf("final validation accuracy %v, want >= 0.9 on separable data", final)
	}
	if history.Loss[history.Epochs()-1] >= history.Loss[0] {
		t.Errorf("training loss did not decrease: first %v, last %v", history.Loss[0], history.Loss[history.Epochs()-1])
	}
}

func TestFitValidation(t *testing.T) {
	mw := newTinyWrapper(t)
	ds := separableDataset(t, 8)

	if _, err := mw.Fit(ds, ds, FitConfig{Epochs: 0, BatchSize: 4, Quiet: true}); err == nil {
		t.Errorf("expected error for zero epochs")
	}
	if _, err := mw.Fit(ds, ds, FitConfig{Epochs: 1, BatchSize: 0, Quiet: true}); err == nil {
		t.Errorf("expected error for zero batch size")
	}
}

func TestNewModelWrapperValidation(t *testing.T) {
	spec := tinySpec(t)
	model, _ := BuildModel(spec)
	opt, _ := NewSGD(model.Parameters(), 0.1, 0, false)

	if _, err := NewModelWrapper(nil, model, opt); err == nil {
		t.Errorf("expected error for nil spec")
	}
	if _, err := NewModelWrapper(spec, nil, opt); err == nil {
		t.Errorf("expected error for nil model")
	}
	if _, err := NewModelWrapper(spec, model, nil); err == nil {
		t.Errorf("expected error for nil optimizer")
	}
	if _, err := NewModelWrapper(&layers.ModelSpec{}, model, opt); err == nil {
		t.Errorf("expected error for uncompiled spec")
	}
}

func TestBestModelBeforeTraining(t *testing.T) {
	mw := newTinyWrapper(t)
	if _, err := mw.BestModel(); err != ErrNoBestModel {
		t.Errorf("BestModel error = %v, want ErrNoBestModel", err)
	}
}

func TestBestTracking(t *testing.T) {
	SetRandomSeed(43)
	mw := newTinyWrapper(t)
	train := separableDataset(t, 16)
	valid := separableDataset(t, 8)

	history, err := mw.Fit(train, valid, FitConfig{Epochs: 10, BatchSize: 4, Quiet: true})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// The recorded best must be the maximum of the validation sequence.
	best := math.Inf(-1)
	for _, acc := range history.ValAccuracy {
		if acc > best {
			best = acc
		}
	}
	if mw.BestAccuracy() != best {
		t.Errorf("BestAccuracy = %v, want %v", mw.BestAccuracy(), best)
	}

	if _, err := mw.BestModel(); err != nil {
		t.Errorf("BestModel failed after training: %v", err)
	}
}

func TestBestModelIsIndependent(t *testing.T) {
	SetRandomSeed(44)
	mw := newTinyWrapper(t)
	train := separableDataset(t, 16)
	valid := separableDataset(t, 8)

	if _, err := mw.Fit(train, valid, FitConfig{Epochs: 3, BatchSize: 4, Quiet: true}); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	first, err := mw.BestModel()
	if err != nil {
		t.Fatalf("BestModel failed: %v", err)
	}

	// Corrupt the live model; a fresh best model must be unaffected.
	for _, p := range mw.Model().Parameters() {
		for i := range p.Data {
			p.Data[i] = 1234
		}
	}
	second, err := mw.BestModel()
	if err != nil {
		t.Fatalf("BestModel failed: %v", err)
	}

	firstParams := first.Parameters()
	secondParams := second.Parameters()
	if len(firstParams) != len(secondParams) {
		t.Fatalf("parameter counts differ: %d vs %d", len(firstParams), len(secondParams))
	}
	for pi := range firstParams {
		for i := range firstParams[pi].Data {
			if firstParams[pi].Data[i] != secondParams[pi].Data[i] {
				t.Fatalf("best weights drifted with the live model (param %d element %d)", pi, i)
			}
		}
	}
}

func TestEvaluateFallsBackWithoutBest(t *testing.T) {
	SetRandomSeed(45)
	mw := newTinyWrapper(t)
	ds := separableDataset(t, 8)

	// No training has happened; best=true silently uses the current model.
	acc, err := mw.Evaluate(ds, 4, true)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if acc < 0 || acc > 1 {
		t.Errorf("accuracy %v out of range", acc)
	}
}

func TestEvaluateUsesBestModel(t *testing.T) {
	SetRandomSeed(46)
	mw := newTinyWrapper(t)
	train := separableDataset(t, 32)
	valid := separableDataset(t, 16)

	if _, err := mw.Fit(train, valid, FitConfig{Epochs: 20, BatchSize: 8, Quiet: true}); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Ruin the live model; best evaluation must still reflect the snapshot.
	for _, p := range mw.Model().Parameters() {
		for i := range p.Data {
			p.Data[i] = 0
		}
	}
	bestAcc, err := mw.Evaluate(valid, 8, true)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if bestAcc < 0.9 {
		t.Errorf("best-model accuracy %v, want >= 0.9", bestAcc)
	}
}

type haltingCallback struct {
	haltEpoch   int
	beginCalls  int
	endCalls    int
	epochsSeen  []int
	lastResult  EpochResult
}

func (h *haltingCallback) OnTrainBegin() { h.beginCalls++ }
func (h *haltingCallback) OnEpochEnd(result EpochResult) bool {
	h.epochsSeen = append(h.epochsSeen, result.Epoch)
	h.lastResult = result
	return result.Epoch >= h.haltEpoch
}
func (h *haltingCallback) OnTrainEnd() { h.endCalls++ }

func TestFitHonorsCallbackHalt(t *testing.T) {
	SetRandomSeed(47)
	mw := newTinyWrapper(t)
	train := separableDataset(t, 16)
	valid := separableDataset(t, 8)

	cb := &haltingCallback{haltEpoch: 2}
	history, err := mw.Fit(train, valid, FitConfig{
		Epochs:    10,
		BatchSize: 4,
		Quiet:     true,
		Callbacks: []Callback{cb},
	})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Epochs 0, 1, 2 complete; the halt takes effect after epoch 2.
	if history.Epochs() != 3 {
		t.Errorf("history has %d epochs, want 3", history.Epochs())
	}
	if cb.beginCalls != 1 || cb.endCalls != 1 {
		t.Errorf("begin/end calls = %d/%d, want 1/1", cb.beginCalls, cb.endCalls)
	}
	if len(cb.epochsSeen) != 3 {
		t.Errorf("callback saw %d epochs, want 3", len(cb.epochsSeen))
	}
	if cb.lastResult.Epoch != 2 {
		t.Errorf("last result epoch = %d, want 2", cb.lastResult.Epoch)
	}
}

func TestFitAppliesScheduler(t *testing.T) {
	SetRandomSeed(48)
	mw := newTinyWrapper(t)
	train := separableDataset(t, 8)
	valid := separableDataset(t, 8)

	if _, err := mw.Fit(train, valid, FitConfig{
		Epochs:    3,
		BatchSize: 4,
		Quiet:     true,
		Scheduler: NewExponentialLRScheduler(0.5),
	}); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// base 0.1, final epoch index 2: 0.1 * 0.5^2
	if math.Abs(mw.Optimizer().GetLR()-0.025) > 1e-12 {
		t.Errorf("final LR = %v, want 0.025", mw.Optimizer().GetLR())
	}
}
