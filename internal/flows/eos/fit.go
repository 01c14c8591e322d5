// Package eos builds equation-of-state workflows: relax a structure, sample
// energies over a volume range, and fit an energy-volume model to extract the
// equilibrium volume and bulk modulus.
package eos

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ferrante/matflow/internal/models"
)

// ErrFitFailed marks an equation-of-state fit that could not produce a
// physical minimum from the sampled data.
var ErrFitFailed = errors.New("equation of state fit failed")

// Supported fit models. Both reduce to a cubic polynomial in a transformed
// volume coordinate, so the fit is linear least squares and needs no
// iteration: BirchMurnaghan uses x = V^(-2/3), Polynomial uses x = V.
const (
	BirchMurnaghan = "birch_murnaghan"
	Polynomial     = "polynomial"
)

// Models returns the supported model names.
func Models() []string {
	return []string{BirchMurnaghan, Polynomial}
}

// FitResult summarizes one equation-of-state fit.
type FitResult struct {
	Model string `json:"model"`
	// E0 is the energy at the equilibrium volume in eV.
	E0 float64 `json:"e0"`
	// V0 is the equilibrium volume in cubic Angstrom.
	V0 float64 `json:"v0"`
	// B0 is the bulk modulus in GPa.
	B0 float64 `json:"b0"`
	// BPrime is the pressure derivative of the bulk modulus.
	BPrime float64 `json:"b_prime"`
	// RSquared measures fit quality against the sampled energies.
	RSquared float64 `json:"r_squared"`
}

// Fit fits the named model to volume-energy samples. At least four distinct
// volumes are required. A fit whose stationary point is not a minimum, or
// whose minimum falls at a non-physical volume, returns ErrFitFailed.
func Fit(model string, volumes, energies []float64) (*FitResult, error) {
	if len(volumes) != len(energies) {
		return nil, fmt.Errorf("got %d volumes for %d energies", len(volumes), len(energies))
	}
	if len(volumes) < 4 {
		return nil, fmt.Errorf("%w: need at least 4 samples, got %d", ErrFitFailed, len(volumes))
	}
	for _, v := range volumes {
		if v <= 0 {
			return nil, fmt.Errorf("%w: non-positive volume %g", ErrFitFailed, v)
		}
	}

	var transform func(float64) float64
	switch model {
	case BirchMurnaghan:
		transform = func(v float64) float64 { return math.Pow(v, -2.0/3.0) }
	case Polynomial:
		transform = func(v float64) float64 { return v }
	default:
		return nil, fmt.Errorf("unknown equation of state model %q", model)
	}

	xs := make([]float64, len(volumes))
	for i, v := range volumes {
		xs[i] = transform(v)
	}
	coef, err := cubicFit(xs, energies)
	if err != nil {
		return nil, err
	}

	v0, err := minimumVolume(model, coef, volumes)
	if err != nil {
		return nil, err
	}

	x0 := transform(v0)
	e0 := coef[0] + x0*(coef[1]+x0*(coef[2]+x0*coef[3]))
	exx := 2*coef[2] + 6*coef[3]*x0
	exxx := 6 * coef[3]

	// Chain rule prefactors for the V derivatives of the transform.
	var xp, xpp float64
	switch model {
	case BirchMurnaghan:
		xp = -2.0 / 3.0 * math.Pow(v0, -5.0/3.0)
		xpp = 10.0 / 9.0 * math.Pow(v0, -8.0/3.0)
	case Polynomial:
		xp, xpp = 1, 0
	}
	// At the minimum E_x = 0, so only the curvature terms survive.
	evv := exx * xp * xp
	evvv := exxx*xp*xp*xp + 3*exx*xp*xpp
	if evv <= 0 {
		return nil, fmt.Errorf("%w: negative curvature at minimum", ErrFitFailed)
	}

	res := &FitResult{
		Model:  model,
		E0:     e0,
		V0:     v0,
		B0:     v0 * evv * models.EVPerA3ToGPa,
		BPrime: -(evv + v0*evvv) / evv,
	}
	res.RSquared = rSquared(xs, energies, coef)
	return res, nil
}

// cubicFit solves the least-squares cubic a0 + a1 x + a2 x^2 + a3 x^3 through
// the samples via the normal equations.
func cubicFit(xs, ys []float64) ([4]float64, error) {
	var a [4][5]float64 // augmented normal matrix
	for i := range xs {
		pow := [7]float64{1}
		for p := 1; p < 7; p++ {
			pow[p] = pow[p-1] * xs[i]
		}
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				a[r][c] += pow[r+c]
			}
			a[r][4] += pow[r] * ys[i]
		}
	}

	// Gaussian elimination with partial pivoting.
	for col := 0; col < 4; col++ {
		pivot := col
		for r := col + 1; r < 4; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-30 {
			return [4]float64{}, fmt.Errorf("%w: degenerate volume samples", ErrFitFailed)
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < 4; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c < 5; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	var coef [4]float64
	for i := 0; i < 4; i++ {
		coef[i] = a[i][4] / a[i][i]
	}
	return coef, nil
}

// minimumVolume finds the volume at which the fitted cubic has an energy
// minimum. The stationary points of the cubic in x are the roots of its
// derivative; the one with positive curvature (in V) and positive volume
// wins. Sampled volumes bound a plausibility window: a minimum more than an
// order of magnitude outside the data is rejected.
func minimumVolume(model string, coef [4]float64, volumes []float64) (float64, error) {
	b, c, d := coef[1], coef[2], coef[3]

	var roots []float64
	if math.Abs(d) < 1e-30 {
		if math.Abs(c) < 1e-30 {
			return 0, fmt.Errorf("%w: fitted curve has no stationary point", ErrFitFailed)
		}
		roots = []float64{-b / (2 * c)}
	} else {
		disc := c*c - 3*b*d
		if disc < 0 {
			return 0, fmt.Errorf("%w: fitted curve has no stationary point", ErrFitFailed)
		}
		s := math.Sqrt(disc)
		roots = []float64{(-c + s) / (3 * d), (-c - s) / (3 * d)}
	}

	sorted := append([]float64(nil), volumes...)
	sort.Float64s(sorted)
	vLo, vHi := sorted[0]/10, sorted[len(sorted)-1]*10

	for _, x0 := range roots {
		if x0 <= 0 {
			continue
		}
		// Positive curvature in x means a minimum in V as well: the
		// transform is monotone and E_x vanishes at the root.
		if 2*c+6*d*x0 <= 0 {
			continue
		}
		var v0 float64
		switch model {
		case BirchMurnaghan:
			v0 = math.Pow(x0, -1.5)
		case Polynomial:
			v0 = x0
		}
		if v0 < vLo || v0 > vHi {
			continue
		}
		return v0, nil
	}
	return 0, fmt.Errorf("%w: no physical energy minimum", ErrFitFailed)
}

func rSquared(xs, ys []float64, coef [4]float64) float64 {
	var mean float64
	for _, y := range ys {
		mean += y
	}
	mean /= float64(len(ys))

	var ssRes, ssTot float64
	for i, x := range xs {
		fit := coef[0] + x*(coef[1]+x*(coef[2]+x*coef[3]))
		ssRes += (ys[i] - fit) * (ys[i] - fit)
		ssTot += (ys[i] - mean) * (ys[i] - mean)
	}
	if ssTot == 0 {
		return 1
	}
	return 1 - ssRes/ssTot
}
