package training

import (
	"fmt"
	"math"

	"github.com/avallone/go-cifar/tensor"
)

// Loss computes a scalar objective from logits and integer class labels, and
// produces the gradient of that objective with respect to the logits.
type Loss interface {
	Forward(logits *tensor.Tensor, labels []int) (float64, error)
	Backward() (*tensor.Tensor, error)
}

// CrossEntropyLoss combines log-softmax and negative log-likelihood, averaged
// over the batch.
type CrossEntropyLoss struct {
	softmax []float64
	labels  []int
	shape   []int
}

// NewCrossEntropyLoss creates a new cross-entropy loss
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the mean cross-entropy over the batch. Softmax is computed
// with the max-logit subtracted for numerical stability.
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, error) {
	if len(logits.Shape) != 2 {
		return 0, fmt.Errorf("cross-entropy expects 2D logits [batch_size, classes], got shape %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, fmt.Errorf("label count %d doesn't match batch size %d", len(labels), batch)
	}

	softmax := make([]float64, batch*classes)
	var totalLoss float64
	for i := 0; i < batch; i++ {
		label := labels[i]
		if label < 0 || label >= classes {
			return 0, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}

		row := logits.Data[i*classes : (i+1)*classes]
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}

		var sumExp float64
		for j, v := range row {
			e := math.Exp(v - maxLogit)
			softmax[i*classes+j] = e
			sumExp += e
		}
		for j := 0; j < classes; j++ {
			softmax[i*classes+j] /= sumExp
		}

		// -log softmax[label] = log(sumExp) - (logit - max)
		totalLoss += math.Log(sumExp) - (row[label] - maxLogit)
	}

	ce.softmax = softmax
	ce.labels = labels
	ce.shape = []int{batch, classes}
	return totalLoss / float64(batch), nil
}

// Backward returns d(loss)/d(logits) = (softmax - onehot) / batch_size.
func (ce *CrossEntropyLoss) Backward() (*tensor.Tensor, error) {
	if ce.softmax == nil {
		return nil, fmt.Errorf("cross-entropy backward called before forward")
	}
	batch, classes := ce.shape[0], ce.shape[1]
	grad := make([]float64, batch*classes)
	scale := 1.0 / float64(batch)
	for i := 0; i < batch; i++ {
		for j := 0; j < classes; j++ {
			g := ce.softmax[i*classes+j]
			if j == ce.labels[i] {
				g -= 1.0
			}
			grad[i*classes+j] = g * scale
		}
	}
	return tensor.New([]int{batch, classes}, grad)
}
