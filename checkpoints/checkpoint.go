package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/avallone/go-cifar/layers"
	"github.com/avallone/go-cifar/training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Checkpoint is a complete persisted model state: architecture descriptor,
// parameter values, auxiliary buffers, and training progress.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`
	States    []StateBuffer     `json:"states,omitempty"`

	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named parameter tensor
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// StateBuffer is a named non-parameter buffer, such as batch norm running
// statistics.
type StateBuffer struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// TrainingState captures training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromModel captures a checkpoint from a model built against the given
// compiled architecture descriptor. Parameter names are derived from the
// descriptor's layer names.
func FromModel(spec *layers.ModelSpec, model training.Module, state TrainingState, description string) (*Checkpoint, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("checkpoint requires a compiled model spec")
	}
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}

	names := parameterNames(spec.Layers)
	stateNames := stateNames(spec.Layers)

	var weights []WeightTensor
	var states []StateBuffer
	training.Walk(model, func(m training.Module) {
		if _, ok := m.(training.Container); ok {
			return
		}
		for _, p := range m.Parameters() {
			name := fmt.Sprintf("param_%d", len(weights))
			if len(weights) < len(names) {
				name = names[len(weights)]
			}
			shape := make([]int, len(p.Shape))
			copy(shape, p.Shape)
			data := make([]float64, len(p.Data))
			copy(data, p.Data)
			weights = append(weights, WeightTensor{Name: name, Shape: shape, Data: data})
		}
		if s, ok := m.(training.Stateful); ok {
			name := fmt.Sprintf("state_%d", len(states))
			if len(states) < len(stateNames) {
				name = stateNames[len(states)]
			}
			states = append(states, StateBuffer{Name: name, Data: s.State()})
		}
	})

	if len(weights) == 0 {
		return nil, fmt.Errorf("model has no parameters to checkpoint")
	}

	return &Checkpoint{
		ModelSpec:     spec.Clone(),
		Weights:       weights,
		States:        states,
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:     "1.0",
			Framework:   "go-cifar",
			CreatedAt:   time.Now().UTC(),
			Description: description,
		},
	}, nil
}

// BuildModel reconstructs a runtime model from the checkpoint: the
// architecture descriptor is instantiated and all saved values loaded in.
func (c *Checkpoint) BuildModel() (*training.Sequential, error) {
	model, err := training.BuildModel(c.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to build model from checkpoint: %v", err)
	}
	if err := c.ApplyTo(model); err != nil {
		return nil, err
	}
	return model, nil
}

// ApplyTo loads the checkpoint's weights and state buffers into an existing
// model of matching architecture.
func (c *Checkpoint) ApplyTo(model training.Module) error {
	var weightIdx, stateIdx int
	var firstErr error
	training.Walk(model, func(m training.Module) {
		if firstErr != nil {
			return
		}
		if _, ok := m.(training.Container); ok {
			return
		}
		for _, p := range m.Parameters() {
			if weightIdx >= len(c.Weights) {
				firstErr = fmt.Errorf("checkpoint has %d weight tensors, model has more parameters", len(c.Weights))
				return
			}
			w := c.Weights[weightIdx]
			weightIdx++
			if len(p.Data) != len(w.Data) {
				firstErr = fmt.Errorf("weight %q size mismatch: checkpoint %d, model %d", w.Name, len(w.Data), len(p.Data))
				return
			}
			copy(p.Data, w.Data)
		}
		if s, ok := m.(training.Stateful); ok {
			if stateIdx >= len(c.States) {
				firstErr = fmt.Errorf("checkpoint has %d state buffers, model has more", len(c.States))
				return
			}
			if err := s.SetState(c.States[stateIdx].Data); err != nil {
				firstErr = fmt.Errorf("state buffer %q: %v", c.States[stateIdx].Name, err)
				return
			}
			stateIdx++
		}
	})
	if firstErr != nil {
		return firstErr
	}
	if weightIdx != len(c.Weights) {
		return fmt.Errorf("checkpoint has %d weight tensors, model consumed %d", len(c.Weights), weightIdx)
	}
	if stateIdx != len(c.States) {
		return fmt.Errorf("checkpoint has %d state buffers, model consumed %d", len(c.States), stateIdx)
	}
	return nil
}

// parameterNames walks the layer specs in build order and assigns a name per
// parameter tensor, matching the order Parameters() yields them.
func parameterNames(specs []layers.LayerSpec) []string {
	var names []string
	for i := range specs {
		spec := &specs[i]
		label := spec.Name
		if label == "" {
			label = fmt.Sprintf("%s_%d", spec.Type.String(), i)
		}
		switch spec.Type {
		case layers.Dense, layers.Conv2D:
			names = append(names, label+".weight")
			if useBias, _ := layers.BoolParam(spec.Parameters, "use_bias"); useBias {
				names = append(names, label+".bias")
			}
		case layers.BatchNorm:
			names = append(names, label+".gamma", label+".beta")
		case layers.Residual:
			names = append(names, parameterNames(spec.Body)...)
			names = append(names, parameterNames(spec.Project)...)
		}
	}
	return names
}

// stateNames assigns one name per stateful buffer in build order.
func stateNames(specs []layers.LayerSpec) []string {
	var names []string
	for i := range specs {
		spec := &specs[i]
		switch spec.Type {
		case layers.BatchNorm:
			label := spec.Name
			if label == "" {
				label = fmt.Sprintf("%s_%d", spec.Type.String(), i)
			}
			names = append(names, label+".running_stats")
		case layers.Residual:
			names = append(names, stateNames(spec.Body)...)
			names = append(names, stateNames(spec.Project)...)
		}
	}
	return names
}

// CheckpointSaver handles saving and loading model checkpoints
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return cs.saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint from disk
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %v", err)
	}
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode JSON checkpoint: %v", err)
		}
		return &checkpoint, nil
	case FormatBinary:
		return unmarshalBinary(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}

func (cs *CheckpointSaver) saveBinary(checkpoint *Checkpoint, path string) error {
	data, err := marshalBinary(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}
