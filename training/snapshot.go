package training

import (
	"fmt"
)

// Container is implemented by modules that hold other modules
type Container interface {
	Children() []Module
}

// Stateful is implemented by modules carrying learned state outside their
// gradient-trained parameters, such as batch norm running statistics.
type Stateful interface {
	State() []float64
	SetState(state []float64) error
}

// Walk visits module and every module nested inside it, depth first.
func Walk(module Module, visit func(Module)) {
	visit(module)
	if c, ok := module.(Container); ok {
		for _, child := range c.Children() {
			Walk(child, visit)
		}
	}
}

// Snapshot is a deep copy of a model's parameters and auxiliary state. It is
// detached from the model: later training steps never mutate it, and
// restoring reproduces the captured values exactly.
type Snapshot struct {
	params []snapshotEntry
	states [][]float64
}

type snapshotEntry struct {
	shape []int
	data  []float64
}

// TakeSnapshot deep-copies all parameters and stateful buffers of the model.
func TakeSnapshot(model Module) *Snapshot {
	snap := &Snapshot{}
	Walk(model, func(m Module) {
		if _, ok := m.(Container); ok {
			return // parameters are collected from the leaves
		}
		for _, p := range m.Parameters() {
			shape := make([]int, len(p.Shape))
			copy(shape, p.Shape)
			data := make([]float64, len(p.Data))
			copy(data, p.Data)
			snap.params = append(snap.params, snapshotEntry{shape: shape, data: data})
		}
		if s, ok := m.(Stateful); ok {
			snap.states = append(snap.states, s.State())
		}
	})
	return snap
}

// Restore writes the snapshot back into a model of identical architecture.
func (snap *Snapshot) Restore(model Module) error {
	var paramIdx, stateIdx int
	var firstErr error
	Walk(model, func(m Module) {
		if firstErr != nil {
			return
		}
		if _, ok := m.(Container); ok {
			return
		}
		for _, p := range m.Parameters() {
			if paramIdx >= len(snap.params) {
				firstErr = fmt.Errorf("snapshot has %d parameters, model has more", len(snap.params))
				return
			}
			entry := snap.params[paramIdx]
			paramIdx++
			if len(p.Data) != len(entry.data) {
				firstErr = fmt.Errorf("parameter %d size mismatch: snapshot %d, model %d", paramIdx-1, len(entry.data), len(p.Data))
				return
			}
			copy(p.Data, entry.data)
		}
		if s, ok := m.(Stateful); ok {
			if stateIdx >= len(snap.states) {
				firstErr = fmt.Errorf("snapshot has %d state buffers, model has more", len(snap.states))
				return
			}
			if err := s.SetState(snap.states[stateIdx]); err != nil {
				firstErr = fmt.Errorf("state buffer %d: %v", stateIdx, err)
				return
			}
			stateIdx++
		}
	})
	if firstErr != nil {
		return firstErr
	}
	if paramIdx != len(snap.params) {
		return fmt.Errorf("snapshot has %d parameters, model consumed %d", len(snap.params), paramIdx)
	}
	if stateIdx != len(snap.states) {
		return fmt.Errorf("snapshot has %d state buffers, model consumed %d", len(snap.states), stateIdx)
	}
	return nil
}

// NumParams returns the number of parameter tensors captured
func (snap *Snapshot) NumParams() int {
	return len(snap.params)
}
