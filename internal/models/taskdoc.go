package models

import (
	"fmt"
	"time"
)

// TaskDocument is the persisted output of one calculation job. It is the data
// contract between jobs in a workflow: downstream jobs consume the output
// structure, energy, and trajectory of upstream ones.
type TaskDocument struct {
	UUID           string        `json:"uuid"`
	Name           string        `json:"name"`
	Calculator     string        `json:"calculator"`
	InputStructure Structure     `json:"input_structure"`
	Structure      Structure     `json:"structure"`        // final structure
	Energy         float64       `json:"energy"`           // eV
	Forces         [][3]float64  `json:"forces,omitempty"`
	Stress         [3][3]float64 `json:"stress,omitempty"` // kB
	NSteps         int           `json:"n_steps"`
	Converged      bool          `json:"converged"`
	Duration       time.Duration `json:"duration"`
	Trajectory     *Trajectory   `json:"trajectory,omitempty"`
	DirName        string        `json:"dir_name,omitempty"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// Volume returns the cell volume of the final structure.
func (d *TaskDocument) Volume() float64 {
	return d.Structure.Volume()
}

// AsStructure extracts a Structure from a job output value. Jobs may be fed
// either a plain structure or the whole task document of an upstream job; this
// accepts both.
func AsStructure(v any) (Structure, error) {
	switch t := v.(type) {
	case Structure:
		return t, nil
	case *Structure:
		return *t, nil
	case *TaskDocument:
		return t.Structure, nil
	case TaskDocument:
		return t.Structure, nil
	default:
		return Structure{}, fmt.Errorf("cannot interpret %T as a structure", v)
	}
}

// AsTaskDocument extracts a TaskDocument from a job output value.
func AsTaskDocument(v any) (*TaskDocument, error) {
	switch t := v.(type) {
	case *TaskDocument:
		return t, nil
	case TaskDocument:
		return &t, nil
	default:
		return nil, fmt.Errorf("cannot interpret %T as a task document", v)
	}
}
