package layers

import "fmt"

// NumClasses is the number of CIFAR-10 object categories.
const NumClasses = 10

// defaultL2 matches the usual weight-penalty coefficient applied to the dense
// stacks in the plain experiment.
const defaultL2 = 0.01

// SimpleDenseModel builds a plain fully-connected baseline: five 500-unit
// hidden layers with L2 weight penalties, then a 10-way logit head.
func SimpleDenseModel(inputShape []int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	mb.AddFlatten("flatten")
	for i := 1; i <= 5; i++ {
		mb.AddDense(500, true, defaultL2, fmt.Sprintf("dense_%d", i))
		mb.AddReLU(fmt.Sprintf("dense_%d_relu", i))
	}
	mb.AddDense(NumClasses, true, 0, "logits")
	return mb.Compile()
}

// SimpleConvModel builds a small unnormalized convolutional network ending in
// global average pooling.
func SimpleConvModel(inputShape []int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	mb.AddConv2D(32, 5, 1, 0, true, 0, "conv1")
	mb.AddReLU("conv1_relu")
	mb.AddConv2D(64, 3, 1, 0, true, 0, "conv2")
	mb.AddReLU("conv2_relu")
	mb.AddConv2D(128, 3, 1, 0, true, 0, "conv3")
	mb.AddReLU("conv3_relu")
	mb.AddConv2D(256, 3, 1, 0, true, 0, "conv4")
	mb.AddReLU("conv4_relu")
	mb.AddGlobalAvgPool2D("gap")
	mb.AddDense(100, true, 0, "head")
	mb.AddReLU("head_relu")
	mb.AddDense(NumClasses, true, 0, "logits")
	return mb.Compile()
}

// ConvModel builds the batch-normalized convolutional network with dropout
// and L2 penalties on the deepest convolution and the dense head.
func ConvModel(inputShape []int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)

	mb.AddConv2D(32, 5, 1, 0, true, 0, "conv1")
	mb.AddBatchNorm("conv1_bn")
	mb.AddReLU("conv1_relu")
	mb.AddMaxPool2D(2, 2, "pool1")

	mb.AddConv2D(64, 3, 1, 1, true, 0, "conv2")
	mb.AddBatchNorm("conv2_bn")
	mb.AddReLU("conv2_relu")
	mb.AddMaxPool2D(2, 2, "pool2")

	mb.AddConv2D(128, 3, 1, 1, true, 0, "conv3")
	mb.AddDropout(0.45, "conv3_drop")
	mb.AddBatchNorm("conv3_bn")
	mb.AddReLU("conv3_relu")
	mb.AddMaxPool2D(2, 2, "pool3")

	mb.AddConv2D(256, 3, 1, 0, true, 0.012, "conv4")
	mb.AddDropout(0.45, "conv4_drop")
	mb.AddBatchNorm("conv4_bn")
	mb.AddReLU("conv4_relu")

	mb.AddGlobalAvgPool2D("gap")
	mb.AddBatchNorm("gap_bn")
	mb.AddDropout(0.45, "gap_drop")
	mb.AddDense(100, true, 0.012, "head")
	mb.AddReLU("head_relu")
	mb.AddDropout(0.45, "head_drop")
	mb.AddDense(NumClasses, true, 0, "logits")
	return mb.Compile()
}

// IdentityBlock returns a residual block whose shortcut is the identity. The
// body keeps the channel count so the add is well-defined.
func IdentityBlock(filters int, name string) LayerSpec {
	lf := NewFactory()
	body := []LayerSpec{
		lf.CreateConv2DSpec(filters, 3, 1, 1, false, 0, name+"_conv1"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_bn1"),
		lf.CreateReLUSpec(name + "_relu1"),
		lf.CreateConv2DSpec(filters, 3, 1, 1, false, 0, name+"_conv2"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_bn2"),
	}
	return lf.CreateResidualSpec(body, nil, true, name)
}

// ConvBlock returns a residual block with a strided body and a 1x1 projection
// shortcut so channel count and spatial size change together.
func ConvBlock(filters, stride int, name string) LayerSpec {
	lf := NewFactory()
	body := []LayerSpec{
		lf.CreateConv2DSpec(filters, 3, stride, 1, false, 0, name+"_conv1"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_bn1"),
		lf.CreateReLUSpec(name + "_relu1"),
		lf.CreateConv2DSpec(filters, 3, 1, 1, false, 0, name+"_conv2"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_bn2"),
	}
	project := []LayerSpec{
		lf.CreateConv2DSpec(filters, 1, stride, 0, false, 0, name+"_proj"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_proj_bn"),
	}
	return lf.CreateResidualSpec(body, project, true, name)
}

// InvertedResidualBlock returns a bottleneck block in the MobileNetV2 style:
// a 1x1 expansion by the given factor, a 3x3 convolution, and a linear 1x1
// projection back down, merged without a trailing activation.
func InvertedResidualBlock(expansion, stride, filters int, name string) LayerSpec {
	lf := NewFactory()
	expanded := expansion * filters
	body := []LayerSpec{
		lf.CreateConv2DSpec(expanded, 1, 1, 0, false, 0, name+"_expand"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_expand_bn"),
		lf.CreateReLUSpec(name + "_expand_relu"),
		lf.CreateConv2DSpec(expanded, 3, stride, 1, false, 0, name+"_conv"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_conv_bn"),
		lf.CreateReLUSpec(name + "_conv_relu"),
		lf.CreateConv2DSpec(filters, 1, 1, 0, false, 0, name+"_project"),
		lf.CreateBatchNormSpec(1e-5, 0.1, name+"_project_bn"),
	}
	var project []LayerSpec
	if stride != 1 {
		project = []LayerSpec{
			lf.CreateConv2DSpec(filters, 1, stride, 0, false, 0, name+"_shortcut"),
			lf.CreateBatchNormSpec(1e-5, 0.1, name+"_shortcut_bn"),
		}
	}
	return lf.CreateResidualSpec(body, project, false, name)
}

// ResidualModel builds the residual convolutional network: a stem convolution
// followed by identity and projection blocks of increasing width.
func ResidualModel(inputShape []int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	mb.AddConv2D(64, 5, 1, 2, true, 0, "stem")
	mb.AddBatchNorm("stem_bn")
	mb.AddReLU("stem_relu")

	mb.AddLayer(IdentityBlock(64, "res1"))
	mb.AddLayer(ConvBlock(128, 2, "res2"))
	mb.AddLayer(ConvBlock(256, 2, "res3"))
	mb.AddLayer(IdentityBlock(256, "res4"))
	mb.AddLayer(ConvBlock(512, 2, "res5"))

	mb.AddGlobalAvgPool2D("gap")
	mb.AddDense(100, true, 0, "head")
	mb.AddReLU("head_relu")
	mb.AddDropout(0.25, "head_drop")
	mb.AddDense(NumClasses, true, 0, "logits")
	return mb.Compile()
}

// BottleneckModel builds the inverted-residual network: stem convolution,
// bottleneck blocks, and a widening convolution between them.
func BottleneckModel(inputShape []int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	mb.AddConv2D(64, 5, 1, 2, true, 0, "stem")
	mb.AddBatchNorm("stem_bn")
	mb.AddReLU("stem_relu")

	mb.AddLayer(InvertedResidualBlock(2, 1, 64, "bneck1"))

	mb.AddConv2D(128, 3, 1, 1, true, 0, "widen")
	mb.AddBatchNorm("widen_bn")
	mb.AddReLU("widen_relu")

	mb.AddLayer(InvertedResidualBlock(2, 1, 128, "bneck2"))

	mb.AddGlobalAvgPool2D("gap")
	mb.AddDense(100, true, 0, "head")
	mb.AddReLU("head_relu")
	mb.AddDense(NumClasses, true, 0, "logits")
	return mb.Compile()
}
