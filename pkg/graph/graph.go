package graph

import "math"

// Graph records the backward closures of every differentiable operation
// executed through it. Calling Backward replays them in reverse order,
// accumulating gradients into the Grad buffers of the participating tensors.
//
// A Graph is built fresh for every forward pass; parameters persist across
// graphs while intermediate tensors do not.
type Graph struct {
	// NeedsBackprop disables tape recording when false, turning every
	// operation into a plain forward computation (inference mode).
	NeedsBackprop bool

	tape []func()
}

// New creates a graph. Pass true for training (gradient recording).
func New(needsBackprop bool) *Graph {
	return &Graph{NeedsBackprop: needsBackprop}
}

// Backward replays the tape in reverse. The caller seeds the gradient of the
// loss tensor (typically loss.Grad[0] = 1) before calling.
func (g *Graph) Backward() {
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
}

// BackwardFrom seeds the gradient of the scalar loss and runs Backward.
func (g *Graph) BackwardFrom(loss *Tensor) {
	if loss.Size() != 1 {
		panic("graph: BackwardFrom requires a scalar loss tensor")
	}
	loss.Grad[0] = 1
	g.Backward()
}

func (g *Graph) addBackward(f func()) {
	if g.NeedsBackprop {
		g.tape = append(g.tape, f)
	}
}

// AppendBackward records a custom backward closure on the tape. It exists
// for operations implemented outside this package with analytic Jacobians,
// such as the biophysical signal model.
func (g *Graph) AppendBackward(f func()) { g.addBackward(f) }

// Activation identifies the nonlinearity applied by a layer.
type Activation int

const (
	// Linear applies no nonlinearity.
	Linear Activation = iota
	// ReLU is max(0, x).
	ReLU
	// GELU is the Gaussian error linear unit, x*Phi(x).
	GELU
	// SigmoidAct is the logistic function.
	SigmoidAct
)

const invSqrt2 = 0.7071067811865476
const invSqrt2Pi = 0.3989422804014327

// Activate applies the named activation.
func (g *Graph) Activate(x *Tensor, act Activation) *Tensor {
	switch act {
	case Linear:
		return x
	case ReLU:
		return g.ReLU(x)
	case GELU:
		return g.GELU(x)
	case SigmoidAct:
		return g.Sigmoid(x)
	default:
		panic("graph: unknown activation")
	}
}

// applyUnary applies fn element-wise. deriv receives the input and output
// values and returns d out / d in.
func (g *Graph) applyUnary(x *Tensor, fn func(float64) float64, deriv func(in, out float64) float64) *Tensor {
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = fn(v)
	}
	g.addBackward(func() {
		for i := range x.Data {
			x.Grad[i] += deriv(x.Data[i], out.Data[i]) * out.Grad[i]
		}
	})
	return out
}

// ReLU applies max(0, x).
func (g *Graph) ReLU(x *Tensor) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return math.Max(0, v) },
		func(in, _ float64) float64 {
			if in > 0 {
				return 1
			}
			return 0
		})
}

// GELU applies the exact Gaussian error linear unit via erf.
func (g *Graph) GELU(x *Tensor) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return 0.5 * v * (1 + math.Erf(v*invSqrt2)) },
		func(in, out float64) float64 {
			pdf := invSqrt2Pi * math.Exp(-0.5*in*in)
			var cdf float64
			if math.Abs(in) < 1e-9 {
				cdf = 0.5
			} else {
				cdf = out / in
			}
			return cdf + in*pdf
		})
}

// Sigmoid applies the logistic function.
func (g *Graph) Sigmoid(x *Tensor) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return 1 / (1 + math.Exp(-v)) },
		func(_, out float64) float64 { return out * (1 - out) })
}

// Tanh applies the hyperbolic tangent.
func (g *Graph) Tanh(x *Tensor) *Tensor {
	return g.applyUnary(x, math.Tanh,
		func(_, out float64) float64 { return 1 - out*out })
}

// Exp applies e^x.
func (g *Graph) Exp(x *Tensor) *Tensor {
	return g.applyUnary(x, math.Exp,
		func(_, out float64) float64 { return out })
}

// Log applies the natural logarithm. Callers clip the domain first; the
// derivative is unbounded near zero by design of the upstream clipping.
func (g *Graph) Log(x *Tensor) *Tensor {
	return g.applyUnary(x, math.Log,
		func(in, _ float64) float64 { return 1 / in })
}

// Abs applies |x| with the subgradient 0 at the origin.
func (g *Graph) Abs(x *Tensor) *Tensor {
	return g.applyUnary(x, math.Abs,
		func(in, _ float64) float64 {
			switch {
			case in > 0:
				return 1
			case in < 0:
				return -1
			default:
				return 0
			}
		})
}

// Sqrt applies the square root. Callers keep the domain positive.
func (g *Graph) Sqrt(x *Tensor) *Tensor {
	return g.applyUnary(x, math.Sqrt,
		func(_, out float64) float64 { return 0.5 / out })
}

// Square applies x^2.
func (g *Graph) Square(x *Tensor) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return v * v },
		func(in, _ float64) float64 { return 2 * in })
}

// Clip limits values to [lo, hi]. Gradients are zero outside the interval,
// matching the saturating behaviour expected by the sampling layer.
func (g *Graph) Clip(x *Tensor, lo, hi float64) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return math.Min(hi, math.Max(lo, v)) },
		func(in, _ float64) float64 {
			if in < lo || in > hi {
				return 0
			}
			return 1
		})
}

// AddScalar adds s to every element.
func (g *Graph) AddScalar(x *Tensor, s float64) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return v + s },
		func(_, _ float64) float64 { return 1 })
}

// MulScalar multiplies every element by s.
func (g *Graph) MulScalar(x *Tensor, s float64) *Tensor {
	return g.applyUnary(x,
		func(v float64) float64 { return v * s },
		func(_, _ float64) float64 { return s })
}

// Neg negates every element.
func (g *Graph) Neg(x *Tensor) *Tensor { return g.MulScalar(x, -1) }

func assertSameShape(op string, a, b *Tensor) {
	if !shapeEqual(a.Shape, b.Shape) {
		panic("graph: " + op + ": shape mismatch")
	}
}

// Add computes a + b element-wise.
func (g *Graph) Add(a, b *Tensor) *Tensor {
	assertSameShape("Add", a, b)
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	g.addBackward(func() {
		for i := range a.Data {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] += out.Grad[i]
		}
	})
	return out
}

// Sub computes a - b element-wise.
func (g *Graph) Sub(a, b *Tensor) *Tensor {
	assertSameShape("Sub", a, b)
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	g.addBackward(func() {
		for i := range a.Data {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] -= out.Grad[i]
		}
	})
	return out
}

// Mul computes a * b element-wise.
func (g *Graph) Mul(a, b *Tensor) *Tensor {
	assertSameShape("Mul", a, b)
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	g.addBackward(func() {
		for i := range a.Data {
			a.Grad[i] += b.Data[i] * out.Grad[i]
			b.Grad[i] += a.Data[i] * out.Grad[i]
		}
	})
	return out
}

// Div computes a / b element-wise. Callers keep b away from zero.
func (g *Graph) Div(a, b *Tensor) *Tensor {
	assertSameShape("Div", a, b)
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] / b.Data[i]
	}
	g.addBackward(func() {
		for i := range a.Data {
			a.Grad[i] += out.Grad[i] / b.Data[i]
			b.Grad[i] -= out.Grad[i] * a.Data[i] / (b.Data[i] * b.Data[i])
		}
	})
	return out
}
