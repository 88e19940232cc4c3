package training

import (
	"fmt"

	"github.com/avallone/go-cifar/tensor"
)

// ArgMaxRows returns the index of the largest value in each row of a 2D
// logits tensor.
func ArgMaxRows(logits *tensor.Tensor) ([]int, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D logits [batch_size, classes], got shape %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	preds := make([]int, batch)
	for i := 0; i < batch; i++ {
		row := logits.Data[i*classes : (i+1)*classes]
		best := 0
		for j := 1; j < classes; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		preds[i] = best
	}
	return preds, nil
}

// EpochMeter accumulates loss and accuracy over the batches of one epoch.
// Reset clears the accumulators so consecutive epochs never mix.
type EpochMeter struct {
	lossSum float64
	batches int
	correct int
	samples int
}

// NewEpochMeter creates an empty meter
func NewEpochMeter() *EpochMeter {
	return &EpochMeter{}
}

// Reset clears all accumulators
func (m *EpochMeter) Reset() {
	m.lossSum = 0
	m.batches = 0
	m.correct = 0
	m.samples = 0
}

// AddBatch records one batch's mean loss and its predictions against labels.
func (m *EpochMeter) AddBatch(loss float64, logits *tensor.Tensor, labels []int) error {
	preds, err := ArgMaxRows(logits)
	if err != nil {
		return err
	}
	if len(preds) != len(labels) {
		return fmt.Errorf("prediction count %d doesn't match label count %d", len(preds), len(labels))
	}
	m.lossSum += loss
	m.batches++
	for i, p := range preds {
		if p == labels[i] {
			m.correct++
		}
	}
	m.samples += len(labels)
	return nil
}

// Loss returns the mean of the recorded batch losses, 0 when empty.
func (m *EpochMeter) Loss() float64 {
	if m.batches == 0 {
		return 0
	}
	return m.lossSum / float64(m.batches)
}

// Accuracy returns the fraction of correct predictions, 0 when empty.
func (m *EpochMeter) Accuracy() float64 {
	if m.samples == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.samples)
}

// Samples returns the number of examples recorded so far
func (m *EpochMeter) Samples() int {
	return m.samples
}

// ConfusionMatrix counts predictions per (true class, predicted class) pair
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update records a batch of predictions against the true labels
func (cm *ConfusionMatrix) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("prediction count %d doesn't match label count %d", len(predictions), len(labels))
	}
	for i := range predictions {
		p, l := predictions[i], labels[i]
		if p < 0 || p >= cm.NumClasses || l < 0 || l >= cm.NumClasses {
			return fmt.Errorf("class index out of range: predicted=%d true=%d classes=%d", p, l, cm.NumClasses)
		}
		cm.Matrix[l][p]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns the overall accuracy from the diagonal
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// PerClassRecall returns the recall of each class (diagonal over row sum).
// Classes with no samples report 0.
func (cm *ConfusionMatrix) PerClassRecall() []float64 {
	recall := make([]float64, cm.NumClasses)
	for i := 0; i < cm.NumClasses; i++ {
		var rowSum int
		for j := 0; j < cm.NumClasses; j++ {
			rowSum += cm.Matrix[i][j]
		}
		if rowSum > 0 {
			recall[i] = float64(cm.Matrix[i][i]) / float64(rowSum)
		}
	}
	return recall
}

// PerClassPrecision returns the precision of each class (diagonal over column
// sum). Classes never predicted report 0.
func (cm *ConfusionMatrix) PerClassPrecision() []float64 {
	precision := make([]float64, cm.NumClasses)
	for j := 0; j < cm.NumClasses; j++ {
		var colSum int
		for i := 0; i < cm.NumClasses; i++ {
			colSum += cm.Matrix[i][j]
		}
		if colSum > 0 {
			precision[j] = float64(cm.Matrix[j][j]) / float64(colSum)
		}
	}
	return precision
}
