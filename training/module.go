package training

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/avallone/go-cifar/tensor"
)

// Global random source for deterministic initialization and dropout masks
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization and dropout sampling.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must
// implement. Forward takes a training-mode flag (dropout and batch norm
// behave differently during training). Backward consumes the gradient of the
// loss with respect to the module's output, accumulates parameter gradients,
// and returns the gradient with respect to the input. Backward must be called
// after Forward within the same step.
type Module interface {
	Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters
}

// Regularized is implemented by modules that declare weight penalty terms.
// RegularizationLoss returns the summed penalty; ApplyRegularizationGrad adds
// the penalty gradient into the parameter gradient buffers.
type Regularized interface {
	RegularizationLoss() float64
	ApplyRegularizationGrad()
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight *tensor.Tensor // [inputSize, outputSize]
	bias   *tensor.Tensor // [outputSize], nil when disabled
	l2     float64

	lastInput *tensor.Tensor
}

// NewLinear creates a new Linear layer. l2 > 0 attaches an L2 weight penalty
// with that coefficient.
func NewLinear(inputSize, outputSize int, bias bool, l2 float64) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear dimensions %dx%d", inputSize, outputSize)
	}

	// Xavier/Glorot uniform initialization
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float64, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = (globalRng.Float64()*2.0 - 1.0) * bound
	}
	weight, err := tensor.New([]int{inputSize, outputSize}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{weight: weight, l2: l2}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		l.bias = biasT
	}

	return l, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	batch, inputSize := input.Shape[0], input.Shape[1]
	if inputSize != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], inputSize)
	}
	outputSize := l.weight.Shape[1]

	x := mat.NewDense(batch, inputSize, input.Data)
	w := mat.NewDense(inputSize, outputSize, l.weight.Data)
	var y mat.Dense
	y.Mul(x, w)

	outData := make([]float64, batch*outputSize)
	copy(outData, y.RawMatrix().Data)
	if l.bias != nil {
		for i := 0; i < batch; i++ {
			for j := 0; j < outputSize; j++ {
				outData[i*outputSize+j] += l.bias.Data[j]
			}
		}
	}

	l.lastInput = input
	return tensor.New([]int{batch, outputSize}, outData)
}

// Backward accumulates dW = xᵀg and db = Σg, and returns dx = gWᵀ.
func (l *Linear) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("Linear backward called before forward")
	}
	batch, inputSize := l.lastInput.Shape[0], l.lastInput.Shape[1]
	outputSize := l.weight.Shape[1]
	if len(gradOutput.Shape) != 2 || gradOutput.Shape[0] != batch || gradOutput.Shape[1] != outputSize {
		return nil, fmt.Errorf("gradient shape %v doesn't match output [%d %d]", gradOutput.Shape, batch, outputSize)
	}

	x := mat.NewDense(batch, inputSize, l.lastInput.Data)
	g := mat.NewDense(batch, outputSize, gradOutput.Data)
	w := mat.NewDense(inputSize, outputSize, l.weight.Data)

	var dw mat.Dense
	dw.Mul(x.T(), g)
	if err := l.weight.AccumulateGrad(dw.RawMatrix().Data); err != nil {
		return nil, fmt.Errorf("weight gradient accumulation failed: %v", err)
	}

	if l.bias != nil {
		db := make([]float64, outputSize)
		for i := 0; i < batch; i++ {
			for j := 0; j < outputSize; j++ {
				db[j] += gradOutput.Data[i*outputSize+j]
			}
		}
		if err := l.bias.AccumulateGrad(db); err != nil {
			return nil, fmt.Errorf("bias gradient accumulation failed: %v", err)
		}
	}

	var dx mat.Dense
	dx.Mul(g, w.T())
	gradData := make([]float64, batch*inputSize)
	copy(gradData, dx.RawMatrix().Data)
	return tensor.New([]int{batch, inputSize}, gradData)
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// RegularizationLoss returns the L2 weight penalty: l2 * Σw².
func (l *Linear) RegularizationLoss() float64 {
	if l.l2 == 0 {
		return 0
	}
	var sum float64
	for _, w := range l.weight.Data {
		sum += w * w
	}
	return l.l2 * sum
}

// ApplyRegularizationGrad adds 2*l2*w into the weight gradient.
func (l *Linear) ApplyRegularizationGrad() {
	if l.l2 == 0 {
		return
	}
	grad := l.weight.Grad()
	for i, w := range l.weight.Data {
		grad[i] += 2 * l.l2 * w
	}
}

// ReLU implements the rectified linear activation
type ReLU struct {
	mask []bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{}
}

// Forward zeroes negative inputs and records the pass-through mask.
func (r *ReLU) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := make([]float64, len(input.Data))
	mask := make([]bool, len(input.Data))
	for i, v := range input.Data {
		if v > 0 {
			out[i] = v
			mask[i] = true
		}
	}
	r.mask = mask
	shape := make([]int, len(input.Shape))
	copy(shape, input.Shape)
	return tensor.New(shape, out)
}

// Backward passes gradients through where the input was positive.
func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("ReLU backward called before forward")
	}
	if len(gradOutput.Data) != len(r.mask) {
		return nil, fmt.Errorf("gradient size %d doesn't match forward size %d", len(gradOutput.Data), len(r.mask))
	}
	out := make([]float64, len(gradOutput.Data))
	for i, g := range gradOutput.Data {
		if r.mask[i] {
			out[i] = g
		}
	}
	shape := make([]int, len(gradOutput.Shape))
	copy(shape, gradOutput.Shape)
	return tensor.New(shape, out)
}

// Parameters returns empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Conv2D implements a 2D convolution layer over NCHW input
type Conv2D struct {
	weight  *tensor.Tensor // [outC, inC, k, k]
	bias    *tensor.Tensor // [outC], nil when disabled
	stride  int
	padding int
	l2      float64

	lastInput *tensor.Tensor
}

// NewConv2D creates a new Conv2D layer with symmetric padding.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, l2 float64) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv parameters: in=%d out=%d kernel=%d stride=%d padding=%d",
			inputChannels, outputChannels, kernelSize, stride, padding)
	}

	// Xavier/Glorot uniform over the receptive field
	fanIn := float64(inputChannels * kernelSize * kernelSize)
	fanOut := float64(outputChannels * kernelSize * kernelSize)
	bound := math.Sqrt(6.0 / (fanIn + fanOut))

	weightData := make([]float64, outputChannels*inputChannels*kernelSize*kernelSize)
	for i := range weightData {
		weightData[i] = (globalRng.Float64()*2.0 - 1.0) * bound
	}
	weight, err := tensor.New([]int{outputChannels, inputChannels, kernelSize, kernelSize}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{weight: weight, stride: stride, padding: padding, l2: l2}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

func (c *Conv2D) outDims(h, w int) (int, int) {
	k := c.weight.Shape[2]
	outH := (h+2*c.padding-k)/c.stride + 1
	outW := (w+2*c.padding-k)/c.stride + 1
	return outH, outW
}

// Forward performs direct convolution.
func (c *Conv2D) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	n, inC, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, k := c.weight.Shape[0], c.weight.Shape[2]
	if inC != c.weight.Shape[1] {
		return nil, fmt.Errorf("input channels mismatch: expected %d, got %d", c.weight.Shape[1], inC)
	}
	outH, outW := c.outDims(h, w)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("kernel %d does not fit input %dx%d with stride %d padding %d", k, h, w, c.stride, c.padding)
	}

	out := make([]float64, n*outC*outH*outW)
	for b := 0; b < n; b++ {
		for oc := 0; oc < outC; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float64
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < k; kh++ {
							ih := oh*c.stride - c.padding + kh
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*c.stride - c.padding + kw
								if iw < 0 || iw >= w {
									continue
								}
								sum += input.Data[((b*inC+ic)*h+ih)*w+iw] *
									c.weight.Data[((oc*inC+ic)*k+kh)*k+kw]
							}
						}
					}
					if c.bias != nil {
						sum += c.bias.Data[oc]
					}
					out[((b*outC+oc)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}

	c.lastInput = input
	return tensor.New([]int{n, outC, outH, outW}, out)
}

// Backward accumulates weight and bias gradients and returns the input
// gradient by mirroring the forward loops.
func (c *Conv2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastInput == nil {
		return nil, fmt.Errorf("Conv2D backward called before forward")
	}
	input := c.lastInput
	n, inC, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, k := c.weight.Shape[0], c.weight.Shape[2]
	outH, outW := c.outDims(h, w)
	if len(gradOutput.Shape) != 4 || gradOutput.Shape[0] != n || gradOutput.Shape[1] != outC ||
		gradOutput.Shape[2] != outH || gradOutput.Shape[3] != outW {
		return nil, fmt.Errorf("gradient shape %v doesn't match output [%d %d %d %d]", gradOutput.Shape, n, outC, outH, outW)
	}

	gradW := make([]float64, len(c.weight.Data))
	gradIn := make([]float64, len(input.Data))
	var gradB []float64
	if c.bias != nil {
		gradB = make([]float64, outC)
	}

	for b := 0; b < n; b++ {
		for oc := 0; oc < outC; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradOutput.Data[((b*outC+oc)*outH+oh)*outW+ow]
					if gradB != nil {
						gradB[oc] += g
					}
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < k; kh++ {
							ih := oh*c.stride - c.padding + kh
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := ow*c.stride - c.padding + kw
								if iw < 0 || iw >= w {
									continue
								}
								inIdx := ((b*inC+ic)*h+ih)*w + iw
								wIdx := ((oc*inC+ic)*k+kh)*k + kw
								gradW[wIdx] += g * input.Data[inIdx]
								gradIn[inIdx] += g * c.weight.Data[wIdx]
							}
						}
					}
				}
			}
		}
	}

	if err := c.weight.AccumulateGrad(gradW); err != nil {
		return nil, fmt.Errorf("weight gradient accumulation failed: %v", err)
	}
	if c.bias != nil {
		if err := c.bias.AccumulateGrad(gradB); err != nil {
			return nil, fmt.Errorf("bias gradient accumulation failed: %v", err)
		}
	}

	return tensor.New([]int{n, inC, h, w}, gradIn)
}

// Parameters returns the trainable parameters
func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

// RegularizationLoss returns the L2 weight penalty: l2 * Σw².
func (c *Conv2D) RegularizationLoss() float64 {
	if c.l2 == 0 {
		return 0
	}
	var sum float64
	for _, w := range c.weight.Data {
		sum += w * w
	}
	return c.l2 * sum
}

// ApplyRegularizationGrad adds 2*l2*w into the weight gradient.
func (c *Conv2D) ApplyRegularizationGrad() {
	if c.l2 == 0 {
		return
	}
	grad := c.weight.Grad()
	for i, w := range c.weight.Data {
		grad[i] += 2 * c.l2 * w
	}
}

// MaxPool2D implements a 2D max pooling layer
type MaxPool2D struct {
	kernelSize int
	stride     int

	inShape []int
	argmax  []int
}

// NewMaxPool2D creates a new MaxPool2D layer
func NewMaxPool2D(kernelSize, stride int) (*MaxPool2D, error) {
	if kernelSize <= 0 || stride <= 0 {
		return nil, fmt.Errorf("invalid pool parameters: kernel=%d stride=%d", kernelSize, stride)
	}
	return &MaxPool2D{kernelSize: kernelSize, stride: stride}, nil
}

// Forward performs max pooling, recording the winning input index for each
// output element.
func (m *MaxPool2D) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	n, ch, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := (h-m.kernelSize)/m.stride + 1
	outW := (w-m.kernelSize)/m.stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("pool %d/%d does not fit input %dx%d", m.kernelSize, m.stride, h, w)
	}

	out := make([]float64, n*ch*outH*outW)
	argmax := make([]int, len(out))
	for b := 0; b < n; b++ {
		for c := 0; c < ch; c++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					best := math.Inf(-1)
					bestIdx := -1
					for kh := 0; kh < m.kernelSize; kh++ {
						for kw := 0; kw < m.kernelSize; kw++ {
							ih := oh*m.stride + kh
							iw := ow*m.stride + kw
							idx := ((b*ch+c)*h+ih)*w + iw
							if input.Data[idx] > best {
								best = input.Data[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((b*ch+c)*outH+oh)*outW + ow
					out[outIdx] = best
					argmax[outIdx] = bestIdx
				}
			}
		}
	}

	m.inShape = []int{n, ch, h, w}
	m.argmax = argmax
	return tensor.New([]int{n, ch, outH, outW}, out)
}

// Backward scatters gradients back to the winning inputs.
func (m *MaxPool2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, fmt.Errorf("MaxPool2D backward called before forward")
	}
	if len(gradOutput.Data) != len(m.argmax) {
		return nil, fmt.Errorf("gradient size %d doesn't match forward size %d", len(gradOutput.Data), len(m.argmax))
	}
	gradIn := make([]float64, tensor.NumElements(m.inShape))
	for i, g := range gradOutput.Data {
		gradIn[m.argmax[i]] += g
	}
	shape := make([]int, len(m.inShape))
	copy(shape, m.inShape)
	return tensor.New(shape, gradIn)
}

// Parameters returns empty slice (MaxPool2D has no parameters)
func (m *MaxPool2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// BatchNorm implements batch normalization over 2D [batch, features] or 4D
// [batch, channels, height, width] input, normalizing per feature/channel.
type BatchNorm struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean []float64
	runningVar  []float64

	// forward cache
	inShape []int
	xhat    []float64
	invStd  []float64
	trained bool // whether the cached forward used batch statistics
}

// NewBatchNorm creates a new batch normalization layer.
func NewBatchNorm(numFeatures int, eps, momentum float64) (*BatchNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid feature count %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gammaData := make([]float64, numFeatures)
	for i := range gammaData {
		gammaData[i] = 1.0
	}
	gamma, err := tensor.New([]int{numFeatures}, gammaData)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures})
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	runningVar := make([]float64, numFeatures)
	for i := range runningVar {
		runningVar[i] = 1.0
	}

	return &BatchNorm{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: make([]float64, numFeatures),
		runningVar:  runningVar,
	}, nil
}

// dims maps the input shape onto (outer, features, inner): 2D input is
// [outer, features], 4D input is [outer, features, inner] with inner = H*W.
func (bn *BatchNorm) dims(shape []int) (int, int, error) {
	switch len(shape) {
	case 2:
		if shape[1] != bn.numFeatures {
			return 0, 0, fmt.Errorf("input features mismatch: expected %d, got %d", bn.numFeatures, shape[1])
		}
		return shape[0], 1, nil
	case 4:
		if shape[1] != bn.numFeatures {
			return 0, 0, fmt.Errorf("input channels mismatch: expected %d, got %d", bn.numFeatures, shape[1])
		}
		return shape[0], shape[2] * shape[3], nil
	default:
		return 0, 0, fmt.Errorf("BatchNorm expects 2D or 4D input, got shape %v", shape)
	}
}

// Forward normalizes with batch statistics during training (updating the
// running estimates) and with running statistics during inference.
func (bn *BatchNorm) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	outer, inner, err := bn.dims(input.Shape)
	if err != nil {
		return nil, err
	}
	f := bn.numFeatures
	count := float64(outer * inner)

	mean := make([]float64, f)
	variance := make([]float64, f)
	if training {
		for c := 0; c < f; c++ {
			var sum float64
			for o := 0; o < outer; o++ {
				base := (o*f + c) * inner
				for i := 0; i < inner; i++ {
					sum += input.Data[base+i]
				}
			}
			mean[c] = sum / count
		}
		for c := 0; c < f; c++ {
			var sumSq float64
			for o := 0; o < outer; o++ {
				base := (o*f + c) * inner
				for i := 0; i < inner; i++ {
					d := input.Data[base+i] - mean[c]
					sumSq += d * d
				}
			}
			variance[c] = sumSq / count
		}
		for c := 0; c < f; c++ {
			bn.runningMean[c] = (1.0-bn.momentum)*bn.runningMean[c] + bn.momentum*mean[c]
			bn.runningVar[c] = (1.0-bn.momentum)*bn.runningVar[c] + bn.momentum*variance[c]
		}
	} else {
		copy(mean, bn.runningMean)
		copy(variance, bn.runningVar)
	}

	invStd := make([]float64, f)
	for c := 0; c < f; c++ {
		invStd[c] = 1.0 / math.Sqrt(variance[c]+bn.eps)
	}

	xhat := make([]float64, len(input.Data))
	out := make([]float64, len(input.Data))
	for o := 0; o < outer; o++ {
		for c := 0; c < f; c++ {
			base := (o*f + c) * inner
			for i := 0; i < inner; i++ {
				h := (input.Data[base+i] - mean[c]) * invStd[c]
				xhat[base+i] = h
				out[base+i] = bn.gamma.Data[c]*h + bn.beta.Data[c]
			}
		}
	}

	bn.inShape = input.Shape
	bn.xhat = xhat
	bn.invStd = invStd
	bn.trained = training

	shape := make([]int, len(input.Shape))
	copy(shape, input.Shape)
	return tensor.New(shape, out)
}

// Backward computes gradients through the normalization. After a training
// forward the batch statistics participate in the gradient; after an
// inference forward the running statistics are constants.
func (bn *BatchNorm) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("BatchNorm backward called before forward")
	}
	outer, inner, err := bn.dims(gradOutput.Shape)
	if err != nil {
		return nil, err
	}
	if len(gradOutput.Data) != len(bn.xhat) {
		return nil, fmt.Errorf("gradient size %d doesn't match forward size %d", len(gradOutput.Data), len(bn.xhat))
	}
	f := bn.numFeatures
	count := float64(outer * inner)

	dgamma := make([]float64, f)
	dbeta := make([]float64, f)
	for o := 0; o < outer; o++ {
		for c := 0; c < f; c++ {
			base := (o*f + c) * inner
			for i := 0; i < inner; i++ {
				g := gradOutput.Data[base+i]
				dgamma[c] += g * bn.xhat[base+i]
				dbeta[c] += g
			}
		}
	}

	gradIn := make([]float64, len(gradOutput.Data))
	if bn.trained {
		// dx = gamma*invStd/m * (m*g - Σg - xhat*Σ(g*xhat))
		for o := 0; o < outer; o++ {
			for c := 0; c < f; c++ {
				base := (o*f + c) * inner
				scale := bn.gamma.Data[c] * bn.invStd[c] / count
				for i := 0; i < inner; i++ {
					g := gradOutput.Data[base+i]
					gradIn[base+i] = scale * (count*g - dbeta[c] - bn.xhat[base+i]*dgamma[c])
				}
			}
		}
	} else {
		for o := 0; o < outer; o++ {
			for c := 0; c < f; c++ {
				base := (o*f + c) * inner
				scale := bn.gamma.Data[c] * bn.invStd[c]
				for i := 0; i < inner; i++ {
					gradIn[base+i] = scale * gradOutput.Data[base+i]
				}
			}
		}
	}

	if err := bn.gamma.AccumulateGrad(dgamma); err != nil {
		return nil, fmt.Errorf("gamma gradient accumulation failed: %v", err)
	}
	if err := bn.beta.AccumulateGrad(dbeta); err != nil {
		return nil, fmt.Errorf("beta gradient accumulation failed: %v", err)
	}

	shape := make([]int, len(bn.inShape))
	copy(shape, bn.inShape)
	return tensor.New(shape, gradIn)
}

// Parameters returns the trainable parameters
func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// State returns the running mean and variance, concatenated. These are
// learned statistics but not gradient-trained parameters, so snapshots and
// checkpoints carry them separately.
func (bn *BatchNorm) State() []float64 {
	state := make([]float64, 2*bn.numFeatures)
	copy(state, bn.runningMean)
	copy(state[bn.numFeatures:], bn.runningVar)
	return state
}

// SetState restores running statistics captured by State.
func (bn *BatchNorm) SetState(state []float64) error {
	if len(state) != 2*bn.numFeatures {
		return fmt.Errorf("state size %d doesn't match %d features", len(state), bn.numFeatures)
	}
	copy(bn.runningMean, state[:bn.numFeatures])
	copy(bn.runningVar, state[bn.numFeatures:])
	return nil
}

// Dropout implements inverted dropout: active only during training, identity
// during inference.
type Dropout struct {
	rate float64
	mask []float64
}

// NewDropout creates a new Dropout layer with the given drop probability.
func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %v", rate)
	}
	return &Dropout{rate: rate}, nil
}

// Forward drops each element with probability rate, scaling survivors by
// 1/(1-rate) so the expected activation is unchanged.
func (d *Dropout) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	shape := make([]int, len(input.Shape))
	copy(shape, input.Shape)

	if !training || d.rate == 0 {
		d.mask = nil
		out := make([]float64, len(input.Data))
		copy(out, input.Data)
		return tensor.New(shape, out)
	}

	keep := 1.0 - d.rate
	mask := make([]float64, len(input.Data))
	out := make([]float64, len(input.Data))
	for i := range input.Data {
		if globalRng.Float64() < keep {
			mask[i] = 1.0 / keep
			out[i] = input.Data[i] * mask[i]
		}
	}
	d.mask = mask
	return tensor.New(shape, out)
}

// Backward applies the same mask to the gradient.
func (d *Dropout) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	shape := make([]int, len(gradOutput.Shape))
	copy(shape, gradOutput.Shape)
	out := make([]float64, len(gradOutput.Data))
	if d.mask == nil {
		copy(out, gradOutput.Data)
		return tensor.New(shape, out)
	}
	if len(gradOutput.Data) != len(d.mask) {
		return nil, fmt.Errorf("gradient size %d doesn't match forward size %d", len(gradOutput.Data), len(d.mask))
	}
	for i, g := range gradOutput.Data {
		out[i] = g * d.mask[i]
	}
	return tensor.New(shape, out)
}

// Parameters returns empty slice (Dropout has no parameters)
func (d *Dropout) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Flatten reshapes input to [batch_size, -1]
type Flatten struct {
	inShape []int
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{}
}

// Forward flattens all trailing dimensions into one.
func (f *Flatten) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}
	f.inShape = input.Shape
	batch := input.Shape[0]
	out := make([]float64, len(input.Data))
	copy(out, input.Data)
	return tensor.New([]int{batch, len(input.Data) / batch}, out)
}

// Backward restores the original shape.
func (f *Flatten) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inShape == nil {
		return nil, fmt.Errorf("Flatten backward called before forward")
	}
	if len(gradOutput.Data) != tensor.NumElements(f.inShape) {
		return nil, fmt.Errorf("gradient size %d doesn't match forward size %d", len(gradOutput.Data), tensor.NumElements(f.inShape))
	}
	shape := make([]int, len(f.inShape))
	copy(shape, f.inShape)
	out := make([]float64, len(gradOutput.Data))
	copy(out, gradOutput.Data)
	return tensor.New(shape, out)
}

// Parameters returns empty slice (Flatten has no parameters)
func (f *Flatten) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// GlobalAvgPool2D averages each channel's spatial plane: [N,C,H,W] -> [N,C].
type GlobalAvgPool2D struct {
	inShape []int
}

// NewGlobalAvgPool2D creates a new global average pooling layer
func NewGlobalAvgPool2D() *GlobalAvgPool2D {
	return &GlobalAvgPool2D{}
}

// Forward averages over the spatial dimensions.
func (g *GlobalAvgPool2D) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	plane := h * w
	out := make([]float64, n*c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * plane
			var sum float64
			for i := 0; i < plane; i++ {
				sum += input.Data[base+i]
			}
			out[b*c+ch] = sum / float64(plane)
		}
	}
	g.inShape = input.Shape
	return tensor.New([]int{n, c}, out)
}

// Backward spreads each gradient evenly over the pooled plane.
func (g *GlobalAvgPool2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if g.inShape == nil {
		return nil, fmt.Errorf("GlobalAvgPool2D backward called before forward")
	}
	n, c, h, w := g.inShape[0], g.inShape[1], g.inShape[2], g.inShape[3]
	if len(gradOutput.Data) != n*c {
		return nil, fmt.Errorf("gradient size %d doesn't match pooled size %d", len(gradOutput.Data), n*c)
	}
	plane := h * w
	gradIn := make([]float64, n*c*plane)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			gv := gradOutput.Data[b*c+ch] / float64(plane)
			base := (b*c + ch) * plane
			for i := 0; i < plane; i++ {
				gradIn[base+i] = gv
			}
		}
	}
	return tensor.New([]int{n, c, h, w}, gradIn)
}

// Parameters returns empty slice (GlobalAvgPool2D has no parameters)
func (g *GlobalAvgPool2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Sequential chains multiple modules together
type Sequential struct {
	modules []Module
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output, training)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	return output, nil
}

// Backward propagates gradients through all modules in reverse order
func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	var err error
	for i := len(s.modules) - 1; i >= 0; i-- {
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("module %d backward failed: %v", i, err)
		}
	}
	return grad, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Children returns the contained modules in order
func (s *Sequential) Children() []Module {
	return s.modules
}

// RegularizationLoss sums the penalties of all regularized children.
func (s *Sequential) RegularizationLoss() float64 {
	var sum float64
	for _, module := range s.modules {
		if r, ok := module.(Regularized); ok {
			sum += r.RegularizationLoss()
		}
	}
	return sum
}

// ApplyRegularizationGrad applies penalty gradients in all regularized
// children.
func (s *Sequential) ApplyRegularizationGrad() {
	for _, module := range s.modules {
		if r, ok := module.(Regularized); ok {
			r.ApplyRegularizationGrad()
		}
	}
}

// ResidualBlock adds the output of a body path to a shortcut path. A nil
// shortcut means identity. postActivation applies a ReLU after the add.
type ResidualBlock struct {
	body           Module
	shortcut       Module // nil = identity
	postActivation bool

	reluMask []bool
}

// NewResidualBlock creates a residual block.
func NewResidualBlock(body, shortcut Module, postActivation bool) (*ResidualBlock, error) {
	if body == nil {
		return nil, fmt.Errorf("residual block requires a body")
	}
	return &ResidualBlock{body: body, shortcut: shortcut, postActivation: postActivation}, nil
}

// Forward computes activation(body(x) + shortcut(x)).
func (rb *ResidualBlock) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	bodyOut, err := rb.body.Forward(input, training)
	if err != nil {
		return nil, fmt.Errorf("residual body forward failed: %v", err)
	}

	shortcutOut := input
	if rb.shortcut != nil {
		shortcutOut, err = rb.shortcut.Forward(input, training)
		if err != nil {
			return nil, fmt.Errorf("residual shortcut forward failed: %v", err)
		}
	}

	if !tensor.SameShape(bodyOut, shortcutOut) {
		return nil, fmt.Errorf("residual paths disagree: body %v vs shortcut %v", bodyOut.Shape, shortcutOut.Shape)
	}

	out := make([]float64, len(bodyOut.Data))
	for i := range out {
		out[i] = bodyOut.Data[i] + shortcutOut.Data[i]
	}

	if rb.postActivation {
		mask := make([]bool, len(out))
		for i, v := range out {
			if v > 0 {
				mask[i] = true
			} else {
				out[i] = 0
			}
		}
		rb.reluMask = mask
	} else {
		rb.reluMask = nil
	}

	shape := make([]int, len(bodyOut.Shape))
	copy(shape, bodyOut.Shape)
	return tensor.New(shape, out)
}

// Backward routes gradients through both paths and sums the input gradients.
func (rb *ResidualBlock) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	if rb.postActivation {
		if rb.reluMask == nil {
			return nil, fmt.Errorf("residual backward called before forward")
		}
		masked := make([]float64, len(gradOutput.Data))
		for i, g := range gradOutput.Data {
			if rb.reluMask[i] {
				masked[i] = g
			}
		}
		shape := make([]int, len(gradOutput.Shape))
		copy(shape, gradOutput.Shape)
		var err error
		grad, err = tensor.New(shape, masked)
		if err != nil {
			return nil, err
		}
	}

	bodyGrad, err := rb.body.Backward(grad)
	if err != nil {
		return nil, fmt.Errorf("residual body backward failed: %v", err)
	}

	shortcutGrad := grad
	if rb.shortcut != nil {
		shortcutGrad, err = rb.shortcut.Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("residual shortcut backward failed: %v", err)
		}
	}

	if !tensor.SameShape(bodyGrad, shortcutGrad) {
		return nil, fmt.Errorf("residual gradient paths disagree: body %v vs shortcut %v", bodyGrad.Shape, shortcutGrad.Shape)
	}
	sum := make([]float64, len(bodyGrad.Data))
	for i := range sum {
		sum[i] = bodyGrad.Data[i] + shortcutGrad.Data[i]
	}
	shape := make([]int, len(bodyGrad.Shape))
	copy(shape, bodyGrad.Shape)
	return tensor.New(shape, sum)
}

// Parameters returns the trainable parameters of both paths.
func (rb *ResidualBlock) Parameters() []*tensor.Tensor {
	params := rb.body.Parameters()
	if rb.shortcut != nil {
		params = append(params, rb.shortcut.Parameters()...)
	}
	return params
}

// Children returns the body and, when present, the shortcut module
func (rb *ResidualBlock) Children() []Module {
	if rb.shortcut == nil {
		return []Module{rb.body}
	}
	return []Module{rb.body, rb.shortcut}
}

// RegularizationLoss sums the penalties of both paths.
func (rb *ResidualBlock) RegularizationLoss() float64 {
	var sum float64
	if r, ok := rb.body.(Regularized); ok {
		sum += r.RegularizationLoss()
	}
	if rb.shortcut != nil {
		if r, ok := rb.shortcut.(Regularized); ok {
			sum += r.RegularizationLoss()
		}
	}
	return sum
}

// ApplyRegularizationGrad applies penalty gradients in both paths.
func (rb *ResidualBlock) ApplyRegularizationGrad() {
	if r, ok := rb.body.(Regularized); ok {
		r.ApplyRegularizationGrad()
	}
	if rb.shortcut != nil {
		if r, ok := rb.shortcut.(Regularized); ok {
			r.ApplyRegularizationGrad()
		}
	}
}
