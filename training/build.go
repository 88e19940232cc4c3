package training

import (
	"fmt"

	"github.com/avallone/go-cifar/layers"
)

// BuildModel instantiates a runtime module chain from a compiled model
// specification. New parameters are freshly initialized; use a snapshot or a
// checkpoint to restore trained weights afterwards.
func BuildModel(spec *layers.ModelSpec) (*Sequential, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec cannot be nil")
	}
	if !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}
	return buildLayers(spec.Layers)
}

func buildLayers(specs []layers.LayerSpec) (*Sequential, error) {
	model := NewSequential()
	for i := range specs {
		module, err := buildLayer(&specs[i])
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %v", i, specs[i].Name, err)
		}
		model.Add(module)
	}
	return model, nil
}

func buildLayer(spec *layers.LayerSpec) (Module, error) {
	switch spec.Type {
	case layers.Dense:
		inputSize, err := layers.IntParam(spec.Parameters, "input_size")
		if err != nil {
			return nil, err
		}
		outputSize, err := layers.IntParam(spec.Parameters, "output_size")
		if err != nil {
			return nil, err
		}
		useBias, err := layers.BoolParam(spec.Parameters, "use_bias")
		if err != nil {
			return nil, err
		}
		l2, err := layers.FloatParam(spec.Parameters, "l2")
		if err != nil {
			return nil, err
		}
		return NewLinear(inputSize, outputSize, useBias, l2)

	case layers.Conv2D:
		inC, err := layers.IntParam(spec.Parameters, "input_channels")
		if err != nil {
			return nil, err
		}
		outC, err := layers.IntParam(spec.Parameters, "output_channels")
		if err != nil {
			return nil, err
		}
		kernel, err := layers.IntParam(spec.Parameters, "kernel_size")
		if err != nil {
			return nil, err
		}
		stride, err := layers.IntParam(spec.Parameters, "stride")
		if err != nil {
			return nil, err
		}
		padding, err := layers.IntParam(spec.Parameters, "padding")
		if err != nil {
			return nil, err
		}
		useBias, err := layers.BoolParam(spec.Parameters, "use_bias")
		if err != nil {
			return nil, err
		}
		l2, err := layers.FloatParam(spec.Parameters, "l2")
		if err != nil {
			return nil, err
		}
		return NewConv2D(inC, outC, kernel, stride, padding, useBias, l2)

	case layers.ReLU:
		return NewReLU(), nil

	case layers.MaxPool2D:
		kernel, err := layers.IntParam(spec.Parameters, "kernel_size")
		if err != nil {
			return nil, err
		}
		stride, err := layers.IntParam(spec.Parameters, "stride")
		if err != nil {
			return nil, err
		}
		return NewMaxPool2D(kernel, stride)

	case layers.Dropout:
		rate, err := layers.FloatParam(spec.Parameters, "rate")
		if err != nil {
			return nil, err
		}
		return NewDropout(rate)

	case layers.BatchNorm:
		numFeatures, err := layers.IntParam(spec.Parameters, "num_features")
		if err != nil {
			return nil, err
		}
		eps, err := layers.FloatParam(spec.Parameters, "eps")
		if err != nil {
			return nil, err
		}
		momentum, err := layers.FloatParam(spec.Parameters, "momentum")
		if err != nil {
			return nil, err
		}
		return NewBatchNorm(numFeatures, eps, momentum)

	case layers.Flatten:
		return NewFlatten(), nil

	case layers.GlobalAvgPool2D:
		return NewGlobalAvgPool2D(), nil

	case layers.Residual:
		body, err := buildLayers(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("residual body: %v", err)
		}
		var shortcut Module
		if len(spec.Project) > 0 {
			proj, err := buildLayers(spec.Project)
			if err != nil {
				return nil, fmt.Errorf("residual projection: %v", err)
			}
			shortcut = proj
		}
		postActivation, err := layers.BoolParam(spec.Parameters, "post_activation")
		if err != nil {
			return nil, err
		}
		return NewResidualBlock(body, shortcut, postActivation)

	default:
		return nil, fmt.Errorf("unsupported layer type %s", spec.Type.String())
	}
}
