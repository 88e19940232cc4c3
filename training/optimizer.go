package training

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/avallone/go-cifar/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements stochastic gradient descent with optional momentum and
// Nesterov acceleration.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	nesterov     bool
	velocities   map[*tensor.Tensor][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum float64, nesterov bool) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	if momentum < 0 {
		return nil, fmt.Errorf("momentum must be non-negative, got %v", momentum)
	}
	if nesterov && momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor][]float64),
	}
	if momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				sgd.velocities[param] = make([]float64, len(param.Data))
			}
		}
	}
	return sgd, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() {
			continue
		}
		grad := param.Grad()

		if sgd.momentum > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil {
				velocity = make([]float64, len(param.Data))
				sgd.velocities[param] = velocity
			}
			// v = momentum*v + grad
			floats.Scale(sgd.momentum, velocity)
			floats.Add(velocity, grad)

			if sgd.nesterov {
				// step = grad + momentum*v
				for i := range param.Data {
					param.Data[i] -= sgd.learningRate * (grad[i] + sgd.momentum*velocity[i])
				}
			} else {
				floats.AddScaled(param.Data, -sgd.learningRate, velocity)
			}
		} else {
			floats.AddScaled(param.Data, -sgd.learningRate, grad)
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters
func (sgd *SGD) ZeroGrad() {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer with bias correction
type Adam struct {
	parameters   []*tensor.Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	stepCount    int
	m            map[*tensor.Tensor][]float64 // First moment estimates
	v            map[*tensor.Tensor][]float64 // Second moment estimates
	mutex        sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, epsilon float64) (*Adam, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	if beta1 <= 0 || beta1 >= 1 {
		beta1 = 0.9
	}
	if beta2 <= 0 || beta2 >= 1 {
		beta2 = 0.999
	}
	if epsilon <= 0 {
		epsilon = 1e-8
	}

	return &Adam{
		parameters:   parameters,
		learningRate: lr,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		m:            make(map[*tensor.Tensor][]float64),
		v:            make(map[*tensor.Tensor][]float64),
	}, nil
}

// Step performs a single optimization step with bias-corrected moments
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.stepCount++
	bc1 := 1.0 - math.Pow(adam.beta1, float64(adam.stepCount))
	bc2 := 1.0 - math.Pow(adam.beta2, float64(adam.stepCount))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() {
			continue
		}
		grad := param.Grad()

		m := adam.m[param]
		if m == nil {
			m = make([]float64, len(param.Data))
			adam.m[param] = m
		}
		v := adam.v[param]
		if v == nil {
			v = make([]float64, len(param.Data))
			adam.v[param] = v
		}

		for i, g := range grad {
			m[i] = adam.beta1*m[i] + (1.0-adam.beta1)*g
			v[i] = adam.beta2*v[i] + (1.0-adam.beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			param.Data[i] -= adam.learningRate * mHat / (math.Sqrt(vHat) + adam.epsilon)
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters
func (adam *Adam) ZeroGrad() {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.learningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.learningRate = lr
}
