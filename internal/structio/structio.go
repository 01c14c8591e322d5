// Package structio reads and writes structures and trajectories on disk.
// Structures travel as JSON or extended XYZ; trajectories as multi-frame
// extended XYZ. All writes go through atomic renames so partially written
// files are never observed.
package structio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ferrante/matflow/internal/filelock"
	"github.com/ferrante/matflow/internal/models"
)

// ReadStructure loads a structure, dispatching on the file extension:
// .json for the native format, .xyz for extended XYZ.
func ReadStructure(path string) (models.Structure, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ReadStructureJSON(path)
	case ".xyz":
		return ReadStructureXYZ(path)
	default:
		return models.Structure{}, fmt.Errorf("unsupported structure format %q (want .json or .xyz)", filepath.Ext(path))
	}
}

// ReadStructureJSON loads a structure from its JSON representation.
func ReadStructureJSON(path string) (models.Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Structure{}, fmt.Errorf("read structure: %w", err)
	}
	var s models.Structure
	if err := json.Unmarshal(data, &s); err != nil {
		return models.Structure{}, fmt.Errorf("parse structure %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return models.Structure{}, fmt.Errorf("structure %s: %w", path, err)
	}
	return s, nil
}

// WriteStructureJSON writes a structure as indented JSON.
func WriteStructureJSON(path string, s models.Structure) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal structure: %w", err)
	}
	return filelock.AtomicWrite(path, append(data, '\n'))
}

// WriteTaskDocument writes a task document as indented JSON.
func WriteTaskDocument(path string, doc *models.TaskDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task document: %w", err)
	}
	return filelock.AtomicWrite(path, append(data, '\n'))
}

// ReadTaskDocument loads a task document.
func ReadTaskDocument(path string) (*models.TaskDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task document: %w", err)
	}
	var doc models.TaskDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task document %s: %w", path, err)
	}
	return &doc, nil
}
