package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/causewaylabs/causeway/internal/core/domain"
)

// File holds operator-controlled guard configuration loaded from a YAML
// file. Settings overlay the stock policy rather than replace it: allowed
// functions extend the built-in list, denied ones are removed afterwards,
// so a deny entry wins over an allow entry for the same name.
type File struct {
	Guard GuardConfig `yaml:"guard"`
}

// GuardConfig tunes the vetting thresholds.
type GuardConfig struct {
	Functions               FunctionRules `yaml:"functions"`
	MaxSelectDepth          int           `yaml:"max_select_depth"`
	AllowUnicodeIdentifiers bool          `yaml:"allow_unicode_identifiers"`
}

// FunctionRules adjusts the callable-function allow-list.
type FunctionRules struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// UnmarshalYAML supports both the full struct format and a plain-list shorthand.
//
//	functions: [percentile_cont, corr]   # shorthand: extends the allow-list
//	functions:                           # full form
//	  allow: [percentile_cont]
//	  deny: [now]
func (fr *FunctionRules) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		return value.Decode(&fr.Allow)
	}
	// Decode as struct (avoid infinite recursion by using an alias type).
	type alias FunctionRules
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding function rules: %w", err)
	}
	*fr = FunctionRules(a)
	return nil
}

// GuardPolicy materializes the file into a policy the guard can enforce,
// starting from the defaults. A nil receiver yields the stock policy.
func (f *File) GuardPolicy() domain.GuardPolicy {
	pol := domain.DefaultGuardPolicy()
	if f == nil {
		return pol
	}
	for _, name := range f.Guard.Functions.Allow {
		if n := normalize(name); n != "" {
			pol.AllowedFunctions[n] = true
		}
	}
	for _, name := range f.Guard.Functions.Deny {
		delete(pol.AllowedFunctions, normalize(name))
	}
	if f.Guard.MaxSelectDepth > 0 {
		pol.MaxSelectDepth = f.Guard.MaxSelectDepth
	}
	if f.Guard.AllowUnicodeIdentifiers {
		pol.AllowUnicodeIdentifiers = true
	}
	return pol
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
