package models

// Frame is one snapshot along a trajectory.
type Frame struct {
	Structure   Structure     `json:"structure"`
	Energy      float64       `json:"energy"`
	Forces      [][3]float64  `json:"forces,omitempty"`
	Stress      [3][3]float64 `json:"stress,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Step        int           `json:"step"`
}

// Trajectory is an ordered sequence of frames produced by a relaxation or an
// MD run.
type Trajectory struct {
	Frames []Frame `json:"frames"`
}

// Append adds a frame to the trajectory.
func (t *Trajectory) Append(f Frame) {
	t.Frames = append(t.Frames, f)
}

// Len returns the number of frames.
func (t *Trajectory) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Frames)
}

// Last returns the final frame, or nil for an empty trajectory.
func (t *Trajectory) Last() *Frame {
	if t.Len() == 0 {
		return nil
	}
	return &t.Frames[len(t.Frames)-1]
}

// Downsampled returns a trajectory keeping every interval-th frame plus the
// final frame. An interval <= 1 returns the trajectory unchanged.
func (t *Trajectory) Downsampled(interval int) *Trajectory {
	if t == nil || interval <= 1 {
		return t
	}
	out := &Trajectory{}
	for i, f := range t.Frames {
		if i%interval == 0 || i == len(t.Frames)-1 {
			out.Append(f)
		}
	}
	return out
}

// Energies returns the energy of every frame.
func (t *Trajectory) Energies() []float64 {
	out := make([]float64, t.Len())
	for i, f := range t.Frames {
		out[i] = f.Energy
	}
	return out
}
