package structio

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ferrante/matflow/internal/filelock"
	"github.com/ferrante/matflow/internal/models"
)

// Extended XYZ: the comment line carries the cell as a quoted Lattice
// key-value pair, positions are cartesian Angstrom, and a frame may carry
// per-atom velocities as three extra columns.

// WriteStructureXYZ writes one structure as extended XYZ.
func WriteStructureXYZ(path string, s models.Structure) error {
	var b strings.Builder
	appendFrameXYZ(&b, s, nil)
	return filelock.AtomicWrite(path, []byte(b.String()))
}

// WriteTrajectoryXYZ writes a trajectory as concatenated extended XYZ
// frames, each annotated with its energy and step.
func WriteTrajectoryXYZ(path string, traj *models.Trajectory) error {
	if traj.Len() == 0 {
		return fmt.Errorf("trajectory has no frames")
	}
	var b strings.Builder
	for i := range traj.Frames {
		appendFrameXYZ(&b, traj.Frames[i].Structure, &traj.Frames[i])
	}
	return filelock.AtomicWrite(path, []byte(b.String()))
}

func appendFrameXYZ(b *strings.Builder, s models.Structure, frame *models.Frame) {
	hasVel := true
	for _, site := range s.Sites {
		if site.Velocity == nil {
			hasVel = false
			break
		}
	}

	fmt.Fprintf(b, "%d\n", s.NumAtoms())

	m := s.Lattice.Matrix
	fmt.Fprintf(b, `Lattice="%g %g %g %g %g %g %g %g %g"`,
		m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2], m[2][0], m[2][1], m[2][2])
	props := "species:S:1:pos:R:3"
	if hasVel {
		props += ":vel:R:3"
	}
	fmt.Fprintf(b, " Properties=%s", props)
	if frame != nil {
		fmt.Fprintf(b, " Energy=%.10g Step=%d", frame.Energy, frame.Step)
		if frame.Temperature > 0 {
			fmt.Fprintf(b, " Temperature=%.6g", frame.Temperature)
		}
	}
	b.WriteByte('\n')

	cart := s.CartesianCoords()
	for i, site := range s.Sites {
		fmt.Fprintf(b, "%-2s %16.10f %16.10f %16.10f", site.Element, cart[i][0], cart[i][1], cart[i][2])
		if hasVel {
			v := *site.Velocity
			fmt.Fprintf(b, " %14.10f %14.10f %14.10f", v[0], v[1], v[2])
		}
		b.WriteByte('\n')
	}
}

// ReadStructureXYZ reads the first frame of an extended XYZ file.
func ReadStructureXYZ(path string) (models.Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Structure{}, fmt.Errorf("read structure: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	s, err := readFrameXYZ(sc)
	if err != nil {
		return models.Structure{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// ReadTrajectoryXYZ reads every frame of a multi-frame extended XYZ file.
// Only the structures are recovered; energies and temperatures on the
// comment lines are not parsed back.
func ReadTrajectoryXYZ(path string) ([]models.Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read trajectory: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var frames []models.Structure
	for {
		s, err := readFrameXYZ(sc)
		if err != nil {
			if len(frames) > 0 && err.Error() == "empty file" {
				return frames, nil
			}
			return nil, fmt.Errorf("parse %s frame %d: %w", path, len(frames)+1, err)
		}
		frames = append(frames, s)
	}
}

func readFrameXYZ(sc *bufio.Scanner) (models.Structure, error) {
	if !sc.Scan() {
		return models.Structure{}, fmt.Errorf("empty file")
	}
	n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || n <= 0 {
		return models.Structure{}, fmt.Errorf("bad atom count %q", strings.TrimSpace(sc.Text()))
	}

	if !sc.Scan() {
		return models.Structure{}, fmt.Errorf("missing comment line")
	}
	lattice, err := parseLattice(sc.Text())
	if err != nil {
		return models.Structure{}, err
	}

	s := models.Structure{Lattice: lattice}
	cart := make([][3]float64, 0, n)
	for i := 0; i < n; i++ {
		if !sc.Scan() {
			return models.Structure{}, fmt.Errorf("truncated frame: %d of %d atoms", i, n)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			return models.Structure{}, fmt.Errorf("atom line %d: want at least 4 fields, got %d", i+1, len(fields))
		}
		var pos [3]float64
		for k := 0; k < 3; k++ {
			pos[k], err = strconv.ParseFloat(fields[1+k], 64)
			if err != nil {
				return models.Structure{}, fmt.Errorf("atom line %d: bad coordinate %q", i+1, fields[1+k])
			}
		}
		site := models.Site{Element: fields[0]}
		if len(fields) >= 7 {
			var vel [3]float64
			for k := 0; k < 3; k++ {
				vel[k], err = strconv.ParseFloat(fields[4+k], 64)
				if err != nil {
					return models.Structure{}, fmt.Errorf("atom line %d: bad velocity %q", i+1, fields[4+k])
				}
			}
			site.Velocity = &vel
		}
		s.Sites = append(s.Sites, site)
		cart = append(cart, pos)
	}
	if err := s.SetCartesianCoords(cart); err != nil {
		return models.Structure{}, err
	}
	if err := s.Validate(); err != nil {
		return models.Structure{}, err
	}
	return s, nil
}

// parseLattice extracts the nine cell components from the quoted Lattice
// key-value pair on an extended XYZ comment line.
func parseLattice(comment string) (models.Lattice, error) {
	idx := strings.Index(comment, `Lattice="`)
	if idx < 0 {
		return models.Lattice{}, fmt.Errorf("comment line has no Lattice entry")
	}
	rest := comment[idx+len(`Lattice="`):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return models.Lattice{}, fmt.Errorf("unterminated Lattice entry")
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 9 {
		return models.Lattice{}, fmt.Errorf("Lattice entry has %d components, want 9", len(fields))
	}
	var l models.Lattice
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return models.Lattice{}, fmt.Errorf("bad Lattice component %q", f)
		}
		l.Matrix[i/3][i%3] = v
	}
	return l, nil
}
