package training

import (
	"fmt"
	"time"
)

// EarlyStopLearningRateCallback watches validation accuracy at epoch
// boundaries and reacts to stagnation on two independent patience counters:
// after lrPatience epochs without improvement the learning rate is halved in
// place, and after stopPatience epochs without improvement training is halted
// and the best recorded weights are restored into the live model. The best
// weights are also restored when training ends for any reason.
type EarlyStopLearningRateCallback struct {
	model     *Sequential
	optimizer Optimizer

	lrPatience   int
	stopPatience int

	bestAccuracy float64
	bestWeights  *Snapshot
	lrWait       int
	stopWait     int
	start        time.Time
}

// NewEarlyStopLearningRateCallback creates the callback bound to the model
// whose weights it restores and the optimizer whose learning rate it decays.
// Non-positive patience values fall back to 3 (learning rate) and 5 (stop).
func NewEarlyStopLearningRateCallback(model *Sequential, optimizer Optimizer, lrPatience, stopPatience int) (*EarlyStopLearningRateCallback, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if lrPatience <= 0 {
		lrPatience = 3
	}
	if stopPatience <= 0 {
		stopPatience = 5
	}
	return &EarlyStopLearningRateCallback{
		model:        model,
		optimizer:    optimizer,
		lrPatience:   lrPatience,
		stopPatience: stopPatience,
	}, nil
}

// OnTrainBegin records the wall-clock start of the run
func (cb *EarlyStopLearningRateCallback) OnTrainBegin() {
	cb.start = time.Now()
}

// OnEpochEnd checks whether validation accuracy improved. An improvement
// snapshots the weights and clears both counters; stagnation advances both.
// The learning rate counter and the stop counter fire independently, each
// exactly when it reaches its patience.
func (cb *EarlyStopLearningRateCallback) OnEpochEnd(result EpochResult) bool {
	currentAcc := result.ValAccuracy
	if currentAcc > cb.bestAccuracy {
		cb.bestWeights = TakeSnapshot(cb.model)
		cb.bestAccuracy = currentAcc
		cb.lrWait = 0
		cb.stopWait = 0
		return false
	}

	cb.lrWait++
	cb.stopWait++
	if cb.lrWait == cb.lrPatience {
		currentLR := cb.optimizer.GetLR()
		newLR := currentLR * 0.5
		cb.optimizer.SetLR(newLR)
		fmt.Printf("\nThe learning rate has changed, old value was %v and the new value is %v\n", currentLR, newLR)
		cb.lrWait = 0
	}
	if cb.stopWait == cb.stopPatience {
		cb.restoreBest()
		return true
	}
	return false
}

// OnTrainEnd reports total elapsed time and restores the best weights
func (cb *EarlyStopLearningRateCallback) OnTrainEnd() {
	elapsed := time.Since(cb.start).Seconds()
	hours := int(elapsed) / 3600
	minutes := (int(elapsed) % 3600) / 60
	seconds := elapsed - float64(hours*3600) - float64(minutes*60)
	fmt.Printf("Total training time -> %d hours, %d minutes, %.2f seconds\n", hours, minutes, seconds)
	cb.restoreBest()
}

// BestAccuracy returns the best validation accuracy the callback has seen
func (cb *EarlyStopLearningRateCallback) BestAccuracy() float64 {
	return cb.bestAccuracy
}

func (cb *EarlyStopLearningRateCallback) restoreBest() {
	if cb.bestWeights == nil {
		return
	}
	// Restore can only fail on an architecture mismatch, which cannot happen
	// for a snapshot taken from the same model.
	_ = cb.bestWeights.Restore(cb.model)
}
