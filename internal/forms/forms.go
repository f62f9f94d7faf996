// Package forms provides the form definitions a dialogue can collect: a built-in
// contact form and forms loaded from YAML.
package forms

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/models"
)

// DefaultFormName is the name of the built-in form.
const DefaultFormName = "contact"

// ErrUnknownForm is returned when a form name is not registered.
var ErrUnknownForm = errors.New("unknown form")

// Default returns the built-in name/email/message form.
func Default() models.FormDefinition {
	return models.FormDefinition{
		Name: DefaultFormName,
		Fields: []models.FieldDefinition{
			{Name: "name", Kind: models.FieldKindText},
			{Name: "email", Kind: models.FieldKindEmail},
			{Name: "message", Kind: models.FieldKindText},
		},
	}
}

// File is the on-disk layout of a forms file.
type File struct {
	Default string                  `yaml:"default"`
	Forms   []models.FormDefinition `yaml:"forms"`
}

// Load reads a YAML forms file. ${VAR} references are expanded from the environment.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading forms file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a forms document.
func Parse(data []byte) (*File, error) {
	expanded := os.ExpandEnv(string(data))

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parsing forms: %w", err)
	}
	f.setDefaults()

	if len(f.Forms) == 0 {
		return nil, errors.New("forms file declares no forms")
	}
	seen := make(map[string]bool, len(f.Forms))
	for i := range f.Forms {
		def := &f.Forms[i]
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("form %q: %w", def.Name, err)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("form %q declared twice", def.Name)
		}
		seen[def.Name] = true
	}
	if f.Default != "" && !seen[f.Default] && f.Default != DefaultFormName {
		return nil, fmt.Errorf("default form %q: %w", f.Default, ErrUnknownForm)
	}
	return &f, nil
}

func (f *File) setDefaults() {
	for i := range f.Forms {
		for j := range f.Forms[i].Fields {
			if f.Forms[i].Fields[j].Kind == "" {
				f.Forms[i].Fields[j].Kind = models.FieldKindText
			}
		}
	}
}

// ToFieldSpecs converts a definition into dialogue fields with validators chosen by kind.
func ToFieldSpecs(def models.FormDefinition) []dialogue.FieldSpec {
	specs := make([]dialogue.FieldSpec, len(def.Fields))
	for i, f := range def.Fields {
		specs[i] = dialogue.FieldSpec{
			Name:      f.Name,
			Label:     f.Label,
			Kind:      f.Kind,
			Validator: dialogue.ValidatorFor(f.Kind),
			Optional:  f.Optional,
		}
	}
	return specs
}

// Registry maps form names to definitions. The built-in form is always present.
type Registry struct {
	mu          sync.RWMutex
	forms       map[string]models.FormDefinition
	defaultName string
}

// NewRegistry creates a registry holding the built-in form.
func NewRegistry() *Registry {
	def := Default()
	return &Registry{
		forms:       map[string]models.FormDefinition{def.Name: def},
		defaultName: def.Name,
	}
}

// NewRegistryFromFile creates a registry with the built-in form plus every form in f.
func NewRegistryFromFile(f *File) *Registry {
	r := NewRegistry()
	for _, def := range f.Forms {
		r.Register(def)
	}
	if f.Default != "" {
		r.defaultName = f.Default
	}
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(def models.FormDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forms[def.Name] = def
}

// Get returns the named form, or the default form when name is empty.
func (r *Registry) Get(name string) (models.FormDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	def, ok := r.forms[name]
	if !ok {
		return models.FormDefinition{}, fmt.Errorf("%w: %s", ErrUnknownForm, name)
	}
	return def, nil
}

// DefaultName returns the name used when a request does not select a form.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names lists the registered forms in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.forms))
	for n := range r.forms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
