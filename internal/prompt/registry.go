// Package prompt loads versioned prompt templates and runs them against a
// language model.
package prompt

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Definition is one prompt version as it appears in the prompts file.
type Definition struct {
	ID          string   `yaml:"id"`
	Version     string   `yaml:"version"`
	Model       string   `yaml:"model,omitempty"`
	MaxTokens   int64    `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	System      string   `yaml:"system"`
	User        string   `yaml:"user"`
}

type file struct {
	Prompts []Definition `yaml:"prompts"`
}

// Template is a parsed prompt definition.
type Template struct {
	Definition
	system *template.Template
	user   *template.Template
}

// Rendered is a template with its variables applied.
type Rendered struct {
	System string
	User   string
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join": strings.Join,
}

// Render executes the system and user templates. Missing keys are errors.
func (t *Template) Render(vars map[string]any) (Rendered, error) {
	var sys, usr bytes.Buffer
	if err := t.system.Execute(&sys, vars); err != nil {
		return Rendered{}, eris.Wrapf(err, "prompt: render %s@%s system", t.ID, t.Version)
	}
	if err := t.user.Execute(&usr, vars); err != nil {
		return Rendered{}, eris.Wrapf(err, "prompt: render %s@%s user", t.ID, t.Version)
	}
	return Rendered{System: strings.TrimSpace(sys.String()), User: strings.TrimSpace(usr.String())}, nil
}

// Registry holds prompt templates keyed by id and version.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	versions  map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]*Template),
		versions:  make(map[string][]string),
	}
}

// LoadFile reads a YAML prompts file into a new registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: read %s", path)
	}
	return Parse(data)
}

// Parse builds a registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "prompt: parse yaml")
	}
	r := NewRegistry()
	for _, d := range f.Prompts {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add parses and registers one definition. Re-adding an id and version
// replaces it.
func (r *Registry) Add(d Definition) error {
	if d.ID == "" || d.Version == "" {
		return eris.New("prompt: id and version are required")
	}
	sys, err := template.New(d.ID + ".system").Funcs(funcs).Option("missingkey=error").Parse(d.System)
	if err != nil {
		return eris.Wrapf(err, "prompt: parse %s@%s system", d.ID, d.Version)
	}
	usr, err := template.New(d.ID + ".user").Funcs(funcs).Option("missingkey=error").Parse(d.User)
	if err != nil {
		return eris.Wrapf(err, "prompt: parse %s@%s user", d.ID, d.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := d.ID + "@" + d.Version
	if _, ok := r.templates[key]; !ok {
		r.versions[d.ID] = append(r.versions[d.ID], d.Version)
		sort.Slice(r.versions[d.ID], func(i, j int) bool {
			return versionLess(r.versions[d.ID][i], r.versions[d.ID][j])
		})
	}
	r.templates[key] = &Template{Definition: d, system: sys, user: usr}
	return nil
}

// Lookup returns the template for id at version. An empty version selects
// the latest.
func (r *Registry) Lookup(id, version string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version == "" {
		vs := r.versions[id]
		if len(vs) == 0 {
			return nil, eris.Errorf("prompt: %s not found", id)
		}
		version = vs[len(vs)-1]
	}
	t, ok := r.templates[id+"@"+version]
	if !ok {
		return nil, eris.Errorf("prompt: %s@%s not found", id, version)
	}
	return t, nil
}

// IDs lists registered prompt ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.versions))
	for id := range r.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// versionLess orders "v2" before "v10"; non-numeric versions compare as
// strings.
func versionLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, "v"))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, "v"))
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
