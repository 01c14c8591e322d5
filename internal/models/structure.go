package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Lattice represents a periodic cell as three row vectors in Angstrom.
type Lattice struct {
	Matrix [3][3]float64 `json:"matrix" yaml:"matrix"`
}

// NewCubicLattice returns a cubic lattice with edge length a (Angstrom).
func NewCubicLattice(a float64) Lattice {
	return Lattice{Matrix: [3][3]float64{{a, 0, 0}, {0, a, 0}, {0, 0, a}}}
}

// Volume returns the cell volume in cubic Angstrom (absolute value of the
// scalar triple product of the cell vectors).
func (l Lattice) Volume() float64 {
	m := l.Matrix
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	return math.Abs(det)
}

// Scaled returns the lattice with every cell vector multiplied by factor.
func (l Lattice) Scaled(factor float64) Lattice {
	var out Lattice
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Matrix[i][j] = l.Matrix[i][j] * factor
		}
	}
	return out
}

// Deformed applies a deformation matrix d to the lattice: row vectors are
// transformed as v' = v * d^T, matching the convention of applying a linear
// strain to the cell.
func (l Lattice) Deformed(d [3][3]float64) Lattice {
	var out Lattice
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += l.Matrix[i][k] * d[j][k]
			}
			out.Matrix[i][j] = sum
		}
	}
	return out
}

// Lengths returns the lengths of the three cell vectors.
func (l Lattice) Lengths() [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = math.Sqrt(l.Matrix[i][0]*l.Matrix[i][0] +
			l.Matrix[i][1]*l.Matrix[i][1] +
			l.Matrix[i][2]*l.Matrix[i][2])
	}
	return out
}

// Site is one atom in a structure. Coordinates are fractional with respect to
// the lattice. Velocity is optional and given in Angstrom/fs.
type Site struct {
	Element  string      `json:"element" yaml:"element"`
	Coords   [3]float64  `json:"coords" yaml:"coords"`
	Velocity *[3]float64 `json:"velocity,omitempty" yaml:"velocity,omitempty"`
}

// Structure is a periodic arrangement of sites in a lattice.
type Structure struct {
	Lattice Lattice `json:"lattice" yaml:"lattice"`
	Sites   []Site  `json:"sites" yaml:"sites"`
}

// Validate checks that the structure has a non-degenerate lattice and at
// least one site with a known element symbol.
func (s *Structure) Validate() error {
	if len(s.Sites) == 0 {
		return errors.New("structure has no sites")
	}
	if s.Lattice.Volume() <= 0 {
		return errors.New("structure lattice is degenerate")
	}
	for i, site := range s.Sites {
		if site.Element == "" {
			return fmt.Errorf("site %d has empty element symbol", i)
		}
		if _, ok := atomicMasses[site.Element]; !ok {
			return fmt.Errorf("site %d: unknown element %q", i, site.Element)
		}
	}
	return nil
}

// NumAtoms returns the number of sites.
func (s *Structure) NumAtoms() int { return len(s.Sites) }

// Volume returns the cell volume in cubic Angstrom.
func (s *Structure) Volume() float64 { return s.Lattice.Volume() }

// Copy returns a deep copy of the structure.
func (s *Structure) Copy() Structure {
	out := Structure{Lattice: s.Lattice, Sites: make([]Site, len(s.Sites))}
	copy(out.Sites, s.Sites)
	for i, site := range s.Sites {
		if site.Velocity != nil {
			v := *site.Velocity
			out.Sites[i].Velocity = &v
		}
	}
	return out
}

// ScaledToVolume returns a copy of the structure with the lattice isotropically
// scaled so that the cell volume equals target. Fractional coordinates are
// unchanged, so atoms scale with the cell.
func (s *Structure) ScaledToVolume(target float64) (Structure, error) {
	if target <= 0 {
		return Structure{}, fmt.Errorf("target volume must be positive, got %g", target)
	}
	factor := math.Cbrt(target / s.Volume())
	out := s.Copy()
	out.Lattice = s.Lattice.Scaled(factor)
	return out, nil
}

// Deformed returns a copy of the structure with the deformation matrix applied
// to the lattice. Fractional coordinates are unchanged.
func (s *Structure) Deformed(d [3][3]float64) Structure {
	out := s.Copy()
	out.Lattice = s.Lattice.Deformed(d)
	return out
}

// Supercell returns a diagonal (na x nb x nc) replication of the structure.
func (s *Structure) Supercell(na, nb, nc int) (Structure, error) {
	if na < 1 || nb < 1 || nc < 1 {
		return Structure{}, fmt.Errorf("supercell factors must be >= 1, got (%d,%d,%d)", na, nb, nc)
	}
	dims := [3]int{na, nb, nc}
	out := Structure{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Lattice.Matrix[i][j] = s.Lattice.Matrix[i][j] * float64(dims[i])
		}
	}
	for ia := 0; ia < na; ia++ {
		for ib := 0; ib < nb; ib++ {
			for ic := 0; ic < nc; ic++ {
				for _, site := range s.Sites {
					ns := site
					ns.Coords = [3]float64{
						(site.Coords[0] + float64(ia)) / float64(na),
						(site.Coords[1] + float64(ib)) / float64(nb),
						(site.Coords[2] + float64(ic)) / float64(nc),
					}
					if site.Velocity != nil {
						v := *site.Velocity
						ns.Velocity = &v
					}
					out.Sites = append(out.Sites, ns)
				}
			}
		}
	}
	return out, nil
}

// CartesianCoords returns the cartesian coordinates of every site in Angstrom.
func (s *Structure) CartesianCoords() [][3]float64 {
	out := make([][3]float64, len(s.Sites))
	for i, site := range s.Sites {
		out[i] = s.FracToCart(site.Coords)
	}
	return out
}

// FracToCart converts fractional coordinates to cartesian Angstrom.
func (s *Structure) FracToCart(frac [3]float64) [3]float64 {
	m := s.Lattice.Matrix
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = frac[0]*m[0][j] + frac[1]*m[1][j] + frac[2]*m[2][j]
	}
	return out
}

// SetCartesianCoords updates all site positions from cartesian coordinates,
// converting back to fractional. The number of positions must match the
// number of sites.
func (s *Structure) SetCartesianCoords(cart [][3]float64) error {
	if len(cart) != len(s.Sites) {
		return fmt.Errorf("got %d positions for %d sites", len(cart), len(s.Sites))
	}
	inv, err := invert3(s.Lattice.Matrix)
	if err != nil {
		return err
	}
	for i, c := range cart {
		var frac [3]float64
		for j := 0; j < 3; j++ {
			frac[j] = c[0]*inv[0][j] + c[1]*inv[1][j] + c[2]*inv[2][j]
		}
		s.Sites[i].Coords = frac
	}
	return nil
}

// Composition returns a map of element symbol to site count.
func (s *Structure) Composition() map[string]int {
	out := make(map[string]int)
	for _, site := range s.Sites {
		out[site.Element]++
	}
	return out
}

// ReducedFormula returns the composition as an alphabetically ordered formula
// with counts divided by their greatest common divisor, e.g. "O2Si" for
// quartz.
func (s *Structure) ReducedFormula() string {
	comp := s.Composition()
	if len(comp) == 0 {
		return ""
	}
	elements := make([]string, 0, len(comp))
	divisor := 0
	for el, n := range comp {
		elements = append(elements, el)
		divisor = gcd(divisor, n)
	}
	sort.Strings(elements)
	var b strings.Builder
	for _, el := range elements {
		n := comp[el] / divisor
		b.WriteString(el)
		if n > 1 {
			fmt.Fprintf(&b, "%d", n)
		}
	}
	return b.String()
}

// ContainsHydrogen reports whether any site is a hydrogen isotope.
func (s *Structure) ContainsHydrogen() bool {
	for _, site := range s.Sites {
		switch site.Element {
		case "H", "D", "T":
			return true
		}
	}
	return false
}

// Masses returns the atomic mass of each site in amu.
func (s *Structure) Masses() ([]float64, error) {
	out := make([]float64, len(s.Sites))
	for i, site := range s.Sites {
		m, ok := atomicMasses[site.Element]
		if !ok {
			return nil, fmt.Errorf("unknown element %q", site.Element)
		}
		out[i] = m
	}
	return out, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func invert3(m [3][3]float64) ([3][3]float64, error) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-14 {
		return [3][3]float64{}, errors.New("singular lattice matrix")
	}
	inv := [3][3]float64{
		{m[1][1]*m[2][2] - m[1][2]*m[2][1], m[0][2]*m[2][1] - m[0][1]*m[2][2], m[0][1]*m[1][2] - m[0][2]*m[1][1]},
		{m[1][2]*m[2][0] - m[1][0]*m[2][2], m[0][0]*m[2][2] - m[0][2]*m[2][0], m[0][2]*m[1][0] - m[0][0]*m[1][2]},
		{m[1][0]*m[2][1] - m[1][1]*m[2][0], m[0][1]*m[2][0] - m[0][0]*m[2][1], m[0][0]*m[1][1] - m[0][1]*m[1][0]},
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv[i][j] /= det
		}
	}
	return inv, nil
}
