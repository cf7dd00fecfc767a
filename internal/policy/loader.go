package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a YAML policy file and returns a validated File.
func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	return &f, nil
}

func validate(f *File) error {
	if f.Guard.MaxSelectDepth < 0 {
		return fmt.Errorf("guard.max_select_depth: must not be negative, got %d", f.Guard.MaxSelectDepth)
	}
	for i, name := range f.Guard.Functions.Allow {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("guard.functions.allow[%d] is empty", i)
		}
	}
	for i, name := range f.Guard.Functions.Deny {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("guard.functions.deny[%d] is empty", i)
		}
	}
	return nil
}
