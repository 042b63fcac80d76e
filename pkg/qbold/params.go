// Package qbold implements the biophysical qBOLD signal model used both to
// synthesize pretraining data and as the differentiable physics layer during
// fine-tuning. The model maps per-voxel (OEF, DBV) pairs and fixed
// acquisition constants to a multi-echo asymmetric spin echo signal curve.
package qbold

import (
	"fmt"
	"math"
)

// SystemParams holds the acquisition and physical constants of a study.
// The record is immutable for the lifetime of a training run; the derived
// spin-echo index determines the normalization window used everywhere.
type SystemParams struct {
	// TE is the echo time in seconds.
	TE float64 `yaml:"te"`

	// TR is the repetition time in seconds.
	TR float64 `yaml:"tr"`

	// TI is the inversion time in seconds.
	TI float64 `yaml:"ti"`

	// TauStart, TauStep and TauEnd define the spin-echo displacement times
	// in seconds; echoes are generated on [TauStart, TauEnd) at TauStep.
	TauStart float64 `yaml:"tauStart"`
	TauStep  float64 `yaml:"tauStep"`
	TauEnd   float64 `yaml:"tauEnd"`

	// B0 is the main field strength in tesla.
	B0 float64 `yaml:"b0"`

	// Gamma is the proton gyromagnetic ratio in rad/s/T.
	Gamma float64 `yaml:"gamma"`

	// DChi is the susceptibility difference between fully deoxygenated
	// and oxygenated blood (dimensionless, SI).
	DChi float64 `yaml:"dchi"`

	// Hct is the fractional hematocrit.
	Hct float64 `yaml:"hct"`

	// R2t is the irreversible tissue relaxation rate in 1/s.
	R2t float64 `yaml:"r2t"`

	// T1b is the longitudinal relaxation time of blood in seconds.
	T1b float64 `yaml:"t1b"`

	// IncludeBlood adds the intravascular signal compartment.
	IncludeBlood bool `yaml:"includeBlood"`
}

// DefaultSystemParams returns the constants of the reference ASE protocol:
// 11 echoes from -15 ms to +15 ms in 3 ms steps at 3 T, with the spin echo
// (tau = 0) at index 5.
func DefaultSystemParams() SystemParams {
	return SystemParams{
		TE:           0.074,
		TR:           3.0,
		TI:           1.21,
		TauStart:     -0.015,
		TauStep:      0.003,
		TauEnd:       0.016,
		B0:           3.0,
		Gamma:        2.675e8,
		DChi:         0.264e-6,
		Hct:          0.34,
		R2t:          11.5,
		T1b:          1.584,
		IncludeBlood: true,
	}
}

// Validate checks the acquisition constants for internal consistency.
func (p SystemParams) Validate() error {
	if p.TauStep == 0 {
		return fmt.Errorf("qbold: tauStep must be non-zero")
	}
	if p.TauEnd <= p.TauStart {
		return fmt.Errorf("qbold: tauEnd (%g) must exceed tauStart (%g)", p.TauEnd, p.TauStart)
	}
	if p.NumEchoes() < 2 {
		return fmt.Errorf("qbold: tau schedule yields %d echoes, need at least 2", p.NumEchoes())
	}
	if p.B0 <= 0 || p.Gamma <= 0 || p.DChi <= 0 {
		return fmt.Errorf("qbold: field constants must be positive")
	}
	if p.Hct <= 0 || p.Hct >= 1 {
		return fmt.Errorf("qbold: hematocrit %g outside (0, 1)", p.Hct)
	}
	return nil
}

// ValidateWindow rejects normalization windows that fall outside the echo
// schedule. This is a construction-time configuration error: the reference
// window must never be range-checked per call.
func (p SystemParams) ValidateWindow(multiImage bool) error {
	se := p.SpinEchoIndex()
	n := p.NumEchoes()
	if multiImage {
		if se-1 < 0 || se+2 > n {
			return fmt.Errorf("qbold: multi-image normalization window [%d,%d) outside echoes [0,%d)", se-1, se+2, n)
		}
		return nil
	}
	if se < 0 || se >= n {
		return fmt.Errorf("qbold: spin-echo index %d outside echoes [0,%d)", se, n)
	}
	return nil
}

// NumEchoes returns the number of acquired echoes.
func (p SystemParams) NumEchoes() int {
	n := 0
	for tau := p.TauStart; tau < p.TauEnd-1e-12; tau += p.TauStep {
		n++
	}
	return n
}

// Taus returns the spin-echo displacement times in seconds.
func (p SystemParams) Taus() []float64 {
	taus := make([]float64, 0, p.NumEchoes())
	for tau := p.TauStart; tau < p.TauEnd-1e-12; tau += p.TauStep {
		taus = append(taus, tau)
	}
	return taus
}

// SpinEchoIndex returns the echo index closest to tau = 0, derived from the
// schedule as floor(|tauStart/tauStep|). The epsilon keeps the index stable
// when the ratio is not exactly representable.
func (p SystemParams) SpinEchoIndex() int {
	return int(math.Abs(p.TauStart/p.TauStep) + 1e-9)
}

// CalculateDw returns the characteristic frequency shift (rad/s) around
// vessels for the given oxygen extraction fraction:
//
//	dw = (4/3) * pi * gamma * B0 * dchi * hct * oef
func CalculateDw(oef, hct, gamma, b0, dchi float64) float64 {
	return (4.0 / 3.0) * math.Pi * gamma * b0 * dchi * hct * oef
}

// DwCoeff returns dw per unit OEF for these constants, so that
// dw = DwCoeff() * oef. R2' is dw * DBV.
func (p SystemParams) DwCoeff() float64 {
	return CalculateDw(1, p.Hct, p.Gamma, p.B0, p.DChi)
}
