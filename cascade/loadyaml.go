package cascade

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML decodes a YAML cascade file into a Cascade using yaml.v3's
// default field matching: each exported struct field is keyed by its name
// in lower case (ID as "id", Phases as "phases"), and keys are matched
// case-sensitively.
// It is a thin convenience wrapper outside the execution engine boundary:
// cascade-file loading, schema validation, and registry wiring are the
// caller's concern (spec.md §1 "external collaborators"); this only saves
// every caller that wants YAML input from repeating the decode-and-check
// boilerplate.
func LoadYAML(path string) (*Cascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cascade: read yaml file %s: %w", path, err)
	}
	var c Cascade
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cascade: decode yaml file %s: %w", path, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("cascade: yaml file %s: missing id", path)
	}
	return &c, nil
}
