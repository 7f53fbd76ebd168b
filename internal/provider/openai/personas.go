package openai

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manash/archrefine/pkg/models"
)

// PersonaCatalog maps persona names to the stance the judge adopts.
type PersonaCatalog map[models.Persona]string

type personaFile struct {
	Personas map[string]string `yaml:"personas"`
}

func DefaultPersonas() PersonaCatalog {
	return PersonaCatalog{
		"executive": "You are a CTO reviewing a slide for a board meeting. Favour a clear story, " +
			"few boxes, obvious value flow and legible vendor logos over exhaustive detail.",
		"developer": "You are a senior engineer who will build this system. Favour correct " +
			"protocols, explicit data stores, accurate arrows and readable component names.",
		"architect": "You are a solutions architect preparing design review material. Favour " +
			"correct layering, trust boundaries, consistent notation and complete data flows.",
	}
}

// ParsePersonas decodes a catalogue of the form
//
//	personas:
//	  executive: "..."
func ParsePersonas(data []byte) (PersonaCatalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("personas: payload is empty")
	}
	var f personaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("personas: decode: %w", err)
	}
	catalog := make(PersonaCatalog, len(f.Personas))
	for name, stance := range f.Personas {
		name = strings.ToLower(strings.TrimSpace(name))
		stance = strings.TrimSpace(stance)
		if name == "" || stance == "" {
			return nil, fmt.Errorf("personas: entry %q has no stance", name)
		}
		catalog[models.Persona(name)] = stance
	}
	return catalog, nil
}

// LoadPersonas reads a yaml catalogue and layers it over the defaults.
// An empty path yields the defaults.
func LoadPersonas(path string) (PersonaCatalog, error) {
	catalog := DefaultPersonas()
	if strings.TrimSpace(path) == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("personas: read %s: %w", path, err)
	}
	loaded, err := ParsePersonas(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for name, stance := range loaded {
		catalog[name] = stance
	}
	return catalog, nil
}

// Instructions returns the stance for p. Unknown personas are passed
// through by name so the judge can still adopt them.
func (c PersonaCatalog) Instructions(p models.Persona) string {
	if p == "" {
		return ""
	}
	if stance, ok := c[models.Persona(strings.ToLower(string(p)))]; ok {
		return stance
	}
	return fmt.Sprintf("Evaluate from the perspective of a %s.", p)
}
