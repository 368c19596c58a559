package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cascaderun/cascade/cascade"
)

// loadCascadeFile is a minimal convenience loader for this CLI: .yaml/.yml
// files go through cascade.LoadYAML, everything else decodes as JSON
// directly into a cascade.Cascade using Go's default field matching
// (schema validation is the general cascade file loader spec.md §1/§6
// treats as an out-of-scope external collaborator — a real deployment
// would front Run with one). This loader exists only so `cascaded run`
// has something to point at a file.
func loadCascadeFile(path string) (*cascade.Cascade, error) {
	if ext := strings.ToLower(path); strings.HasSuffix(ext, ".yaml") || strings.HasSuffix(ext, ".yml") {
		return cascade.LoadYAML(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade file: %w", err)
	}
	var c cascade.Cascade
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cascade file: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("cascade file %s: missing ID", path)
	}
	return &c, nil
}
