package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avallone/go-cifar/layers"
	"github.com/avallone/go-cifar/tensor"
	"github.com/avallone/go-cifar/training"
)

// smallSpec builds a compiled model with dense, batch norm, and residual
// layers so checkpoints carry weights, state buffers, and nested parameters.
func smallSpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	factory := layers.NewFactory()
	body := []layers.LayerSpec{
		factory.CreateDenseSpec(4, true, 0, "res_dense"),
		factory.CreateReLUSpec("res_relu"),
	}
	spec, err := layers.NewModelBuilder([]int{4}).
		AddDense(4, true, 0, "dense1").
		AddBatchNorm("bn1").
		AddResidual(body, nil, true, "res1").
		AddDense(2, true, 0, "output").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return spec
}

func buildModel(t *testing.T, spec *layers.ModelSpec) *training.Sequential {
	t.Helper()
	model, err := training.BuildModel(spec)
	if err != nil {
		t.Fatalf("BuildModel failed: %v", err)
	}
	return model
}

// forwardOnce runs one training-mode forward pass so batch norm accumulates
// running statistics worth checkpointing.
func forwardOnce(t *testing.T, model *training.Sequential) {
	t.Helper()
	input, err := tensor.New([]int{2, 4}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("tensor.New failed: %v", err)
	}
	if _, err := model.Forward(input, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
}

func modelsEqual(t *testing.T, a, b *training.Sequential) {
	t.Helper()
	pa, pb := a.Parameters(), b.Parameters()
	if len(pa) != len(pb) {
		t.Fatalf("parameter count mismatch: %d vs %d", len(pa), len(pb))
	}
	for i := range pa {
		for j := range pa[i].Data {
			if pa[i].Data[j] != pb[i].Data[j] {
				t.Fatalf("parameter %d element %d differs: %v vs %v", i, j, pa[i].Data[j], pb[i].Data[j])
			}
		}
	}
	var sa, sb [][]float64
	training.Walk(a, func(m training.Module) {
		if s, ok := m.(training.Stateful); ok {
			sa = append(sa, s.State())
		}
	})
	training.Walk(b, func(m training.Module) {
		if s, ok := m.(training.Stateful); ok {
			sb = append(sb, s.State())
		}
	})
	if len(sa) != len(sb) {
		t.Fatalf("state buffer count mismatch: %d vs %d", len(sa), len(sb))
	}
	for i := range sa {
		for j := range sa[i] {
			if sa[i][j] != sb[i][j] {
				t.Fatalf("state buffer %d element %d differs: %v vs %v", i, j, sa[i][j], sb[i][j])
			}
		}
	}
}

func TestFromModelNames(t *testing.T) {
	training.SetRandomSeed(61)
	spec := smallSpec(t)
	model := buildModel(t, spec)

	cp, err := FromModel(spec, model, TrainingState{Epoch: 7, LearningRate: 0.01, BestAccuracy: 0.83}, "unit test")
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}

	wantWeights := []string{
		"dense1.weight", "dense1.bias",
		"bn1.gamma", "bn1.beta",
		"res_dense.weight", "res_dense.bias",
		"output.weight", "output.bias",
	}
	if len(cp.Weights) != len(wantWeights) {
		t.Fatalf("expected %d weight tensors, got %d", len(wantWeights), len(cp.Weights))
	}
	for i, want := range wantWeights {
		if cp.Weights[i].Name != want {
			t.Errorf("weight %d name = %q, want %q", i, cp.Weights[i].Name, want)
		}
	}
	if len(cp.States) != 1 || cp.States[0].Name != "bn1.running_stats" {
		t.Errorf("expected one state buffer bn1.running_stats, got %v", cp.States)
	}
	if cp.TrainingState.Epoch != 7 || cp.TrainingState.BestAccuracy != 0.83 {
		t.Errorf("training state not preserved: %+v", cp.TrainingState)
	}
	if cp.Metadata.Framework != "go-cifar" || cp.Metadata.Description != "unit test" {
		t.Errorf("metadata not populated: %+v", cp.Metadata)
	}
	if !cp.ModelSpec.Compiled {
		t.Errorf("checkpoint spec should stay compiled")
	}
}

func TestFromModelErrors(t *testing.T) {
	training.SetRandomSeed(62)
	spec := smallSpec(t)
	model := buildModel(t, spec)

	if _, err := FromModel(nil, model, TrainingState{}, ""); err == nil {
		t.Errorf("expected error for nil spec")
	}
	uncompiled := spec.Clone()
	uncompiled.Compiled = false
	if _, err := FromModel(uncompiled, model, TrainingState{}, ""); err == nil {
		t.Errorf("expected error for uncompiled spec")
	}
	if _, err := FromModel(spec, nil, TrainingState{}, ""); err == nil {
		t.Errorf("expected error for nil model")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	formats := []struct {
		name   string
		format CheckpointFormat
		file   string
	}{
		{"json", FormatJSON, "model.json"},
		{"binary", FormatBinary, "model.bin"},
	}

	for _, tt := range formats {
		t.Run(tt.name, func(t *testing.T) {
			training.SetRandomSeed(63)
			spec := smallSpec(t)
			model := buildModel(t, spec)
			forwardOnce(t, model)

			cp, err := FromModel(spec, model, TrainingState{Epoch: 3, LearningRate: 0.005, BestAccuracy: 0.71}, "round trip")
			if err != nil {
				t.Fatalf("FromModel failed: %v", err)
			}

			path := filepath.Join(t.TempDir(), tt.file)
			saver := NewCheckpointSaver(tt.format)
			if err := saver.SaveCheckpoint(cp, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}

			if loaded.TrainingState != cp.TrainingState {
				t.Errorf("training state changed: %+v vs %+v", loaded.TrainingState, cp.TrainingState)
			}
			if loaded.Metadata.Version != "1.0" || loaded.Metadata.Framework != "go-cifar" {
				t.Errorf("metadata changed: %+v", loaded.Metadata)
			}

			restored, err := loaded.BuildModel()
			if err != nil {
				t.Fatalf("BuildModel from checkpoint failed: %v", err)
			}
			modelsEqual(t, model, restored)
		})
	}
}

func TestApplyToMatchingModel(t *testing.T) {
	training.SetRandomSeed(64)
	spec := smallSpec(t)
	model := buildModel(t, spec)
	forwardOnce(t, model)

	cp, err := FromModel(spec, model, TrainingState{}, "")
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}

	// A freshly built model starts from different random weights.
	training.SetRandomSeed(65)
	fresh := buildModel(t, spec)
	if err := cp.ApplyTo(fresh); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}
	modelsEqual(t, model, fresh)
}

func TestApplyToMismatchedModel(t *testing.T) {
	training.SetRandomSeed(66)
	spec := smallSpec(t)
	model := buildModel(t, spec)
	cp, err := FromModel(spec, model, TrainingState{}, "")
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}

	otherSpec, err := layers.NewModelBuilder([]int{4}).
		AddDense(8, true, 0, "wide").
		AddDense(2, true, 0, "out").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	other := buildModel(t, otherSpec)
	if err := cp.ApplyTo(other); err == nil {
		t.Errorf("expected error applying checkpoint to mismatched architecture")
	}
}

func TestLoadCorruptBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.bin")
	if err := os.WriteFile(path, []byte{0xff, 0x03, 0x99, 0x01}, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	saver := NewCheckpointSaver(FormatBinary)
	if _, err := saver.LoadCheckpoint(path); err == nil {
		t.Errorf("expected error for corrupt binary checkpoint")
	}
}

func TestLoadMissingFile(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	if _, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestFormatString(t *testing.T) {
	if FormatJSON.String() != "JSON" || FormatBinary.String() != "Binary" {
		t.Errorf("unexpected format names: %s, %s", FormatJSON.String(), FormatBinary.String())
	}
	if CheckpointFormat(9).String() != "Unknown" {
		t.Errorf("unexpected name for unknown format")
	}
}
