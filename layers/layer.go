package layers

import (
	"encoding/json"
	"fmt"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Dropout
	BatchNorm
	Flatten
	GlobalAvgPool2D
	Residual
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Flatten:
		return "Flatten"
	case GlobalAvgPool2D:
		return "GlobalAvgPool2D"
	case Residual:
		return "Residual"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the training runtime.
// This is pure configuration - no execution logic.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Residual blocks carry their two paths as nested layer stacks. An empty
	// Project means an identity shortcut.
	Body    []LayerSpec `json:"body,omitempty"`
	Project []LayerSpec `json:"project,omitempty"`

	// Shape information (computed during model compilation). Shapes exclude
	// the batch dimension.
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration.
// It is the cloneable architecture descriptor: the training runtime
// instantiates models from it, and a compiled spec plus a weight snapshot is
// enough to reproduce a trained model.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// Clone returns a deep copy of the spec.
func (ms *ModelSpec) Clone() *ModelSpec {
	// JSON round-trip is the simplest faithful deep copy for the nested
	// parameter maps; specs are small.
	data, err := json.Marshal(ms)
	if err != nil {
		return nil
	}
	var out ModelSpec
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification. l2 > 0 attaches an L2
// weight penalty with the given coefficient.
func (lf *LayerFactory) CreateDenseSpec(outputSize int, useBias bool, l2 float64, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
			"l2":          l2,
		},
	}
}

// CreateConv2DSpec creates a Conv2D layer specification. Padding is symmetric
// in rows and columns.
func (lf *LayerFactory) CreateConv2DSpec(outputChannels, kernelSize, stride, padding int, useBias bool, l2 float64, name string) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
			"l2":              l2,
		},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateMaxPool2DSpec creates a MaxPool2D layer specification
func (lf *LayerFactory) CreateMaxPool2DSpec(kernelSize, stride int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	}
}

// CreateDropoutSpec creates a Dropout layer specification
func (lf *LayerFactory) CreateDropoutSpec(rate float64, name string) LayerSpec {
	return LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
}

// CreateBatchNormSpec creates a Batch Normalization layer specification. The
// feature count is inferred during compilation from the input shape.
func (lf *LayerFactory) CreateBatchNormSpec(eps, momentum float64, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
		},
	}
}

// CreateFlattenSpec creates a Flatten layer specification
func (lf *LayerFactory) CreateFlattenSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateGlobalAvgPool2DSpec creates a global average pooling specification
func (lf *LayerFactory) CreateGlobalAvgPool2DSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       GlobalAvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateResidualSpec creates a residual block specification. body is the main
// path, project the shortcut (nil for identity). postActivation applies a ReLU
// after the add; inverted-residual blocks keep the merge linear.
func (lf *LayerFactory) CreateResidualSpec(body, project []LayerSpec, postActivation bool, name string) LayerSpec {
	return LayerSpec{
		Type: Residual,
		Name: name,
		Parameters: map[string]interface{}{
			"post_activation": postActivation,
		},
		Body:    body,
		Project: project,
	}
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	factory    *LayerFactory
}

// NewModelBuilder creates a new model builder. inputShape excludes the batch
// dimension, e.g. []int{3, 32, 32} for CIFAR-10 images in CHW order.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		factory:    NewFactory(),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, l2 float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateDenseSpec(outputSize, useBias, l2, name))
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, l2 float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateConv2DSpec(outputChannels, kernelSize, stride, padding, useBias, l2, name))
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateReLUSpec(name))
}

// AddMaxPool2D adds a MaxPool2D layer to the model
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateMaxPool2DSpec(kernelSize, stride, name))
}

// AddDropout adds a Dropout layer to the model
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateDropoutSpec(rate, name))
}

// AddBatchNorm adds a Batch Normalization layer to the model
func (mb *ModelBuilder) AddBatchNorm(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateBatchNormSpec(1e-5, 0.1, name))
}

// AddFlatten adds a Flatten layer to the model
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateFlattenSpec(name))
}

// AddGlobalAvgPool2D adds a global average pooling layer to the model
func (mb *ModelBuilder) AddGlobalAvgPool2D(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateGlobalAvgPool2DSpec(name))
}

// AddResidual adds a residual block to the model
func (mb *ModelBuilder) AddResidual(body, project []LayerSpec, postActivation bool, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateResidualSpec(body, project, postActivation, name))
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if err := validShape(mb.inputShape); err != nil {
		return nil, fmt.Errorf("invalid input shape: %v", err)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	copy(model.Layers, mb.layers)

	outShape, paramShapes, totalParams, err := compileLayers(model.Layers, mb.inputShape)
	if err != nil {
		return nil, err
	}

	model.OutputShape = outShape
	model.ParameterShapes = paramShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	return model, nil
}

func validShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	for _, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension %d", dim)
		}
	}
	return nil
}

// compileLayers infers shapes and parameter metadata for a stack of layers,
// mutating the specs in place. It recurses into residual blocks.
func compileLayers(specs []LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	currentShape := inputShape
	var allParamShapes [][]int
	totalParams := int64(0)

	for i := range specs {
		layer := &specs[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParamShapes = append(allParamShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	return currentShape, allParamShapes, totalParams, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPool2DInfo(layer, inputShape)
	case Flatten:
		flat := 1
		for _, dim := range inputShape {
			flat *= dim
		}
		return []int{flat}, nil, 0, nil
	case GlobalAvgPool2D:
		if len(inputShape) != 3 {
			return nil, nil, 0, fmt.Errorf("GlobalAvgPool2D expects [channels, height, width] input, got %v", inputShape)
		}
		return []int{inputShape[0]}, nil, 0, nil
	case ReLU, Dropout:
		out := make([]int, len(inputShape))
		copy(out, inputShape)
		return out, nil, 0, nil
	case Residual:
		return computeResidualInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 1 {
		return nil, nil, 0, fmt.Errorf("Dense expects flat [features] input, got %v (add a Flatten layer)", inputShape)
	}
	inputSize := inputShape[0]
	outputSize, err := IntParam(layer.Parameters, "output_size")
	if err != nil {
		return nil, nil, 0, err
	}
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid output_size %d", outputSize)
	}
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	count := int64(inputSize * outputSize)
	if useBias, _ := BoolParam(layer.Parameters, "use_bias"); useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		count += int64(outputSize)
	}
	return []int{outputSize}, paramShapes, count, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("Conv2D expects [channels, height, width] input, got %v", inputShape)
	}
	inC, h, w := inputShape[0], inputShape[1], inputShape[2]

	outC, err := IntParam(layer.Parameters, "output_channels")
	if err != nil {
		return nil, nil, 0, err
	}
	kernel, err := IntParam(layer.Parameters, "kernel_size")
	if err != nil {
		return nil, nil, 0, err
	}
	stride, err := IntParam(layer.Parameters, "stride")
	if err != nil {
		return nil, nil, 0, err
	}
	padding, err := IntParam(layer.Parameters, "padding")
	if err != nil {
		return nil, nil, 0, err
	}
	if outC <= 0 || kernel <= 0 || stride <= 0 || padding < 0 {
		return nil, nil, 0, fmt.Errorf("invalid conv parameters: channels=%d kernel=%d stride=%d padding=%d", outC, kernel, stride, padding)
	}

	outH := (h+2*padding-kernel)/stride + 1
	outW := (w+2*padding-kernel)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d with stride %d and padding %d does not fit input %dx%d", kernel, stride, padding, h, w)
	}
	layer.Parameters["input_channels"] = inC

	paramShapes := [][]int{{outC, inC, kernel, kernel}}
	count := int64(outC * inC * kernel * kernel)
	if useBias, _ := BoolParam(layer.Parameters, "use_bias"); useBias {
		paramShapes = append(paramShapes, []int{outC})
		count += int64(outC)
	}
	return []int{outC, outH, outW}, paramShapes, count, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Features are the leading axis: channels for CHW inputs, units for flat
	// inputs.
	features := inputShape[0]
	layer.Parameters["num_features"] = features

	out := make([]int, len(inputShape))
	copy(out, inputShape)
	paramShapes := [][]int{{features}, {features}}
	return out, paramShapes, int64(2 * features), nil
}

func computeMaxPool2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D expects [channels, height, width] input, got %v", inputShape)
	}
	kernel, err := IntParam(layer.Parameters, "kernel_size")
	if err != nil {
		return nil, nil, 0, err
	}
	stride, err := IntParam(layer.Parameters, "stride")
	if err != nil {
		return nil, nil, 0, err
	}
	if kernel <= 0 || stride <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid pool parameters: kernel=%d stride=%d", kernel, stride)
	}
	outH := (inputShape[1]-kernel)/stride + 1
	outW := (inputShape[2]-kernel)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("pool %d/%d does not fit input %dx%d", kernel, stride, inputShape[1], inputShape[2])
	}
	return []int{inputShape[0], outH, outW}, nil, 0, nil
}

func computeResidualInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(layer.Body) == 0 {
		return nil, nil, 0, fmt.Errorf("residual block requires a non-empty body")
	}

	bodyShape, bodyParams, bodyCount, err := compileLayers(layer.Body, inputShape)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("residual body: %v", err)
	}

	shortcutShape := inputShape
	var projParams [][]int
	var projCount int64
	if len(layer.Project) > 0 {
		shortcutShape, projParams, projCount, err = compileLayers(layer.Project, inputShape)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("residual projection: %v", err)
		}
	}

	if !equalShape(bodyShape, shortcutShape) {
		return nil, nil, 0, fmt.Errorf("residual paths disagree: body %v vs shortcut %v", bodyShape, shortcutShape)
	}

	out := make([]int, len(bodyShape))
	copy(out, bodyShape)
	return out, append(bodyParams, projParams...), bodyCount + projCount, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IntParam reads an integer layer parameter. Values decoded from JSON arrive
// as float64, so both representations are accepted.
func IntParam(params map[string]interface{}, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q has unexpected type %T", key, v)
	}
}

// FloatParam reads a float layer parameter.
func FloatParam(params map[string]interface{}, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("parameter %q has unexpected type %T", key, v)
	}
}

// BoolParam reads a boolean layer parameter, defaulting to false when absent.
func BoolParam(params map[string]interface{}, key string) (bool, error) {
	v, ok := params[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q has unexpected type %T", key, v)
	}
	return b, nil
}
