// Package prompts centralises every LLM prompt in named YAML templates.
// Templates render with simple {placeholder} substitution. User-provided
// overrides in <data_root>/prompts/*.yaml supersede the built-in set.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var builtinYAML []byte

// Registry resolves prompt templates by name. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewRegistry loads the built-in templates and overlays any *.yaml files
// found in overrideDir (empty string skips the overlay).
func NewRegistry(overrideDir string) (*Registry, error) {
	templates := make(map[string]string)
	if err := yaml.Unmarshal(builtinYAML, &templates); err != nil {
		return nil, fmt.Errorf("prompts: built-in templates: %w", err)
	}

	if overrideDir != "" {
		entries, err := os.ReadDir(overrideDir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("prompts: reading overrides: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(overrideDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("prompts: reading %s: %w", e.Name(), err)
			}
			overrides := make(map[string]string)
			if err := yaml.Unmarshal(raw, &overrides); err != nil {
				return nil, fmt.Errorf("prompts: parsing %s: %w", e.Name(), err)
			}
			for name, tmpl := range overrides {
				templates[name] = tmpl
			}
		}
	}

	return &Registry{templates: templates}, nil
}

// Render substitutes {key} placeholders in the named template.
// Unknown template names return an error; unmatched placeholders are left
// verbatim so a malformed override is visible rather than silent.
func (r *Registry) Render(name string, vars map[string]string) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompts: unknown template %q", name)
	}
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out, nil
}

// Names returns the registered template names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	return names
}
