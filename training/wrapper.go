package training

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/avallone/go-cifar/layers"
)

// ErrNoBestModel is returned by BestModel when no validation epoch has
// recorded a best snapshot yet.
var ErrNoBestModel = errors.New("no best model recorded yet")

// History holds the per-epoch training metrics as four parallel sequences,
// one entry per completed epoch.
type History struct {
	Loss        []float64 // Training loss
	Accuracy    []float64 // Training accuracy
	ValLoss     []float64 // Validation loss
	ValAccuracy []float64 // Validation accuracy
}

// Epochs returns the number of completed epochs recorded
func (h *History) Epochs() int {
	return len(h.Loss)
}

// EpochResult is an immutable snapshot of one epoch's metrics, handed to
// callbacks at the epoch boundary.
type EpochResult struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

// Callback observes epoch boundaries of a training run. OnEpochEnd returning
// true halts training after the current epoch.
type Callback interface {
	OnTrainBegin()
	OnEpochEnd(result EpochResult) (stop bool)
	OnTrainEnd()
}

// FitConfig configures one training run
type FitConfig struct {
	Epochs    int
	BatchSize int
	Shuffle   bool        // Reshuffle training data each epoch
	Scheduler LRScheduler // Optional epoch-indexed LR schedule
	Callbacks []Callback
	Quiet     bool // Suppress per-epoch progress lines
}

// ModelWrapper drives a custom training loop over a model: batched train and
// validation passes per epoch, metric accumulation, and best-model tracking
// by validation accuracy.
type ModelWrapper struct {
	spec           *layers.ModelSpec
	model          *Sequential
	optimizer      Optimizer
	loss           Loss
	regularization bool

	trainMeter *EpochMeter
	validMeter *EpochMeter

	bestAccuracy float64
	bestSnapshot *Snapshot
}

// WrapperOption customizes a ModelWrapper
type WrapperOption func(*ModelWrapper)

// WithRegularization adds the model's declared weight penalties to the
// training objective. Validation loss never includes them.
func WithRegularization() WrapperOption {
	return func(mw *ModelWrapper) {
		mw.regularization = true
	}
}

// WithLoss replaces the default cross-entropy objective
func WithLoss(loss Loss) WrapperOption {
	return func(mw *ModelWrapper) {
		mw.loss = loss
	}
}

// NewModelWrapper wraps a model built from the given architecture
// descriptor. The descriptor is retained so the best model can be
// reconstructed as an independent clone.
func NewModelWrapper(spec *layers.ModelSpec, model *Sequential, optimizer Optimizer, opts ...WrapperOption) (*ModelWrapper, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec cannot be nil")
	}
	if !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}

	mw := &ModelWrapper{
		spec:         spec,
		model:        model,
		optimizer:    optimizer,
		loss:         NewCrossEntropyLoss(),
		trainMeter:   NewEpochMeter(),
		validMeter:   NewEpochMeter(),
		bestAccuracy: math.Inf(-1),
	}
	for _, opt := range opts {
		opt(mw)
	}
	return mw, nil
}

// Model returns the live model being trained
func (mw *ModelWrapper) Model() *Sequential {
	return mw.model
}

// Optimizer returns the wrapped optimizer
func (mw *ModelWrapper) Optimizer() Optimizer {
	return mw.optimizer
}

// BestAccuracy returns the best validation accuracy seen so far
func (mw *ModelWrapper) BestAccuracy() float64 {
	return mw.bestAccuracy
}

// BestModel reconstructs an independent model from the architecture
// descriptor and the best snapshot. Training the live model further never
// affects a model returned here.
func (mw *ModelWrapper) BestModel() (*Sequential, error) {
	if mw.bestSnapshot == nil {
		return nil, ErrNoBestModel
	}
	best, err := BuildModel(mw.spec.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model: %v", err)
	}
	if err := mw.bestSnapshot.Restore(best); err != nil {
		return nil, fmt.Errorf("failed to restore best weights: %v", err)
	}
	return best, nil
}

// Fit runs the training loop: per epoch, one pass over the training set with
// parameter updates, then one inference pass over the validation set. Returns
// the recorded metric history. Counters reset at each epoch boundary, the
// final partial batch is included, and a callback halt stops training after
// the epoch that requested it.
func (mw *ModelWrapper) Fit(train, validation Dataset, cfg FitConfig) (*History, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	trainLoader, err := NewDataLoader(train, cfg.BatchSize, cfg.Shuffle)
	if err != nil {
		return nil, fmt.Errorf("training data: %v", err)
	}
	validLoader, err := NewDataLoader(validation, cfg.BatchSize, false)
	if err != nil {
		return nil, fmt.Errorf("validation data: %v", err)
	}

	history := &History{}
	baseLR := mw.optimizer.GetLR()

	if !cfg.Quiet {
		fmt.Println("Starting training")
	}
	for _, cb := range cfg.Callbacks {
		cb.OnTrainBegin()
	}

	stopped := false
	for epoch := 0; epoch < cfg.Epochs && !stopped; epoch++ {
		if cfg.Scheduler != nil {
			mw.optimizer.SetLR(cfg.Scheduler.GetLR(epoch, baseLR))
		}

		mw.trainMeter.Reset()
		mw.validMeter.Reset()

		trainingBegin := time.Now()
		trainLoader.Reset()
		for trainLoader.HasNext() {
			batch, err := trainLoader.Next()
			if err != nil {
				return nil, fmt.Errorf("epoch %d: %v", epoch, err)
			}
			if batch == nil {
				break
			}
			if err := mw.trainStep(batch); err != nil {
				return nil, fmt.Errorf("epoch %d: %v", epoch, err)
			}
		}
		epochTime := FormatDuration(time.Since(trainingBegin))

		validLoader.Reset()
		for validLoader.HasNext() {
			batch, err := validLoader.Next()
			if err != nil {
				return nil, fmt.Errorf("epoch %d validation: %v", epoch, err)
			}
			if batch == nil {
				break
			}
			if err := mw.validStep(batch); err != nil {
				return nil, fmt.Errorf("epoch %d validation: %v", epoch, err)
			}
		}

		result := EpochResult{
			Epoch:       epoch,
			Loss:        mw.trainMeter.Loss(),
			Accuracy:    mw.trainMeter.Accuracy(),
			ValLoss:     mw.validMeter.Loss(),
			ValAccuracy: mw.validMeter.Accuracy(),
		}

		if !cfg.Quiet {
			fmt.Printf("Epoch number %d, training time: %s -->  loss: %.4f, accuracy: %.4f, val_loss: %.4f, val_accuracy: %.4f\n",
				epoch, epochTime, result.Loss, result.Accuracy, result.ValLoss, result.ValAccuracy)
		}

		history.Loss = append(history.Loss, result.Loss)
		history.Accuracy = append(history.Accuracy, result.Accuracy)
		history.ValLoss = append(history.ValLoss, result.ValLoss)
		history.ValAccuracy = append(history.ValAccuracy, result.ValAccuracy)

		if result.ValAccuracy > mw.bestAccuracy {
			mw.bestAccuracy = result.ValAccuracy
			mw.bestSnapshot = TakeSnapshot(mw.model)
		}

		for _, cb := range cfg.Callbacks {
			if cb.OnEpochEnd(result) {
				stopped = true
			}
		}
	}

	for _, cb := range cfg.Callbacks {
		cb.OnTrainEnd()
	}

	return history, nil
}

// trainStep runs forward, loss, backward, and one optimizer update for a
// single batch, then records its metrics.
func (mw *ModelWrapper) trainStep(batch *Batch) error {
	logits, err := mw.model.Forward(batch.Data, true)
	if err != nil {
		return fmt.Errorf("forward pass failed: %v", err)
	}
	lossValue, err := mw.loss.Forward(logits, batch.Labels)
	if err != nil {
		return fmt.Errorf("loss computation failed: %v", err)
	}
	if mw.regularization {
		lossValue += mw.model.RegularizationLoss()
	}

	mw.optimizer.ZeroGrad()
	grad, err := mw.loss.Backward()
	if err != nil {
		return fmt.Errorf("loss gradient failed: %v", err)
	}
	if _, err := mw.model.Backward(grad); err != nil {
		return fmt.Errorf("backward pass failed: %v", err)
	}
	if mw.regularization {
		mw.model.ApplyRegularizationGrad()
	}
	if err := mw.optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %v", err)
	}

	return mw.trainMeter.AddBatch(lossValue, logits, batch.Labels)
}

// validStep runs an inference pass over one batch and records its metrics.
// The regularization penalty never enters validation loss.
func (mw *ModelWrapper) validStep(batch *Batch) error {
	logits, err := mw.model.Forward(batch.Data, false)
	if err != nil {
		return fmt.Errorf("forward pass failed: %v", err)
	}
	lossValue, err := mw.loss.Forward(logits, batch.Labels)
	if err != nil {
		return fmt.Errorf("loss computation failed: %v", err)
	}
	return mw.validMeter.AddBatch(lossValue, logits, batch.Labels)
}

// Evaluate computes inference-only accuracy over a dataset. With best set,
// the best recorded model is used when one exists; otherwise evaluation
// silently falls back to the current model.
func (mw *ModelWrapper) Evaluate(dataset Dataset, batchSize int, best bool) (float64, error) {
	model := mw.model
	if best && mw.bestSnapshot != nil {
		bestModel, err := mw.BestModel()
		if err != nil {
			return 0, err
		}
		model = bestModel
	}

	loader, err := NewDataLoader(dataset, batchSize, false)
	if err != nil {
		return 0, fmt.Errorf("evaluation data: %v", err)
	}

	meter := NewEpochMeter()
	loader.Reset()
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}
		logits, err := model.Forward(batch.Data, false)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %v", err)
		}
		if err := meter.AddBatch(0, logits, batch.Labels); err != nil {
			return 0, err
		}
	}
	return meter.Accuracy(), nil
}
