package graph

import "math"

// Optimizer updates a fixed set of parameters from their accumulated
// gradients.
type Optimizer interface {
	// Step applies one update with the given learning rate.
	Step(lr float64)

	// ZeroGrad clears the gradients of all managed parameters.
	ZeroGrad()
}

// SGD is plain stochastic gradient descent with L2 weight decay.
type SGD struct {
	params      []*Tensor
	weightDecay float64
}

// NewSGD creates an SGD optimizer over params.
func NewSGD(params []*Tensor, weightDecay float64) *SGD {
	return &SGD{params: params, weightDecay: weightDecay}
}

// Step applies param -= lr * (grad + weightDecay*param).
func (o *SGD) Step(lr float64) {
	for _, p := range o.params {
		for i := range p.Data {
			p.Data[i] -= lr * (p.Grad[i] + o.weightDecay*p.Data[i])
		}
	}
}

// ZeroGrad clears all gradients.
func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Adam implements the Adam update with decoupled (AdamW-style) weight decay
// and bias correction.
//
//	m_t = beta1*m + (1-beta1)*grad
//	v_t = beta2*v + (1-beta2)*grad^2
//	param -= lr * (mHat / (sqrt(vHat) + eps) + weightDecay*param)
type Adam struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	// ClipNorm bounds the global gradient norm before each step; zero
	// disables clipping.
	ClipNorm float64

	params []*Tensor
	m      [][]float64
	v      [][]float64
	t      int
}

// NewAdam creates an Adam optimizer with the usual transformer-era defaults.
func NewAdam(params []*Tensor, weightDecay float64) *Adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Size())
		v[i] = make([]float64, p.Size())
	}
	return &Adam{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: weightDecay,
		ClipNorm:    1.0,
		params:      params,
		m:           m,
		v:           v,
	}
}

// Step applies one Adam update.
func (o *Adam) Step(lr float64) {
	o.t++

	if o.ClipNorm > 0 {
		norm := 0.0
		for _, p := range o.params {
			for _, gv := range p.Grad {
				norm += gv * gv
			}
		}
		norm = math.Sqrt(norm)
		if norm > o.ClipNorm {
			scale := o.ClipNorm / norm
			for _, p := range o.params {
				for i := range p.Grad {
					p.Grad[i] *= scale
				}
			}
		}
	}

	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for pi, p := range o.params {
		m, v := o.m[pi], o.v[pi]
		for i := range p.Data {
			grad := p.Grad[i]
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*grad
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*grad*grad
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Data[i] -= lr * (mHat/(math.Sqrt(vHat)+o.Epsilon) + o.WeightDecay*p.Data[i])
		}
	}
}

// ZeroGrad clears all gradients.
func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}
