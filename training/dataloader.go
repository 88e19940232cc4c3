package training

import (
	"fmt"
	"sync"

	"github.com/avallone/go-cifar/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                    // Total number of samples
	Get(idx int) (*tensor.Tensor, int, error)    // Returns a single sample and its class label
	SampleShape() []int                          // Shape of one sample, without the batch axis
}

// TensorDataset holds all samples in a single tensor whose leading axis is
// the sample index.
type TensorDataset struct {
	inputs *tensor.Tensor
	labels []int
}

// NewTensorDataset wraps an input tensor [N, ...] and N class labels.
func NewTensorDataset(inputs *tensor.Tensor, labels []int) (*TensorDataset, error) {
	if inputs == nil {
		return nil, fmt.Errorf("inputs cannot be nil")
	}
	if len(inputs.Shape) < 2 {
		return nil, fmt.Errorf("inputs need a sample axis and at least one feature axis, got shape %v", inputs.Shape)
	}
	if inputs.Shape[0] != len(labels) {
		return nil, fmt.Errorf("sample count %d doesn't match label count %d", inputs.Shape[0], len(labels))
	}
	return &TensorDataset{inputs: inputs, labels: labels}, nil
}

// Len returns the number of samples
func (td *TensorDataset) Len() int {
	return td.inputs.Shape[0]
}

// SampleShape returns the per-sample shape
func (td *TensorDataset) SampleShape() []int {
	shape := make([]int, len(td.inputs.Shape)-1)
	copy(shape, td.inputs.Shape[1:])
	return shape
}

// Get returns sample idx as its own tensor
func (td *TensorDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= td.Len() {
		return nil, 0, fmt.Errorf("sample index %d out of range [0, %d)", idx, td.Len())
	}
	sampleSize := tensor.NumElements(td.SampleShape())
	data := make([]float64, sampleSize)
	copy(data, td.inputs.Data[idx*sampleSize:(idx+1)*sampleSize])
	t, err := tensor.New(td.SampleShape(), data)
	if err != nil {
		return nil, 0, err
	}
	return t, td.labels[idx], nil
}

// Batch represents a batch of stacked samples and their labels
type Batch struct {
	Data   *tensor.Tensor
	Labels []int
}

// DataLoader provides batching and shuffling over a dataset. The final batch
// of an epoch may be smaller than the configured batch size; it is never
// dropped.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling when enabled
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := globalRng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Next returns the next batch, or nil when the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	return dl.loadBatch(batchIndices)
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	sampleShape := dl.dataset.SampleShape()
	sampleSize := tensor.NumElements(sampleShape)

	data := make([]float64, len(indices)*sampleSize)
	labels := make([]int, len(indices))
	for i, idx := range indices {
		sample, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if len(sample.Data) != sampleSize {
			return nil, fmt.Errorf("sample %d has %d elements, expected %d", idx, len(sample.Data), sampleSize)
		}
		copy(data[i*sampleSize:(i+1)*sampleSize], sample.Data)
		labels[i] = label
	}

	batchShape := append([]int{len(indices)}, sampleShape...)
	batchData, err := tensor.New(batchShape, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch tensor: %v", err)
	}
	return &Batch{Data: batchData, Labels: labels}, nil
}
