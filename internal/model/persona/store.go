package persona

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store exposes mode retrieval for handlers and the orchestrator.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied modes.
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List returns the configured modes.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a mode by slug.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}

type modesFile struct {
	CustomModes []Persona `yaml:"customModes"`
}

// LoadFile reads modes from a YAML file shaped as {customModes: [...]}.
// Entries without a slug are rejected.
func LoadFile(path string) ([]Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read modes file %s", path)
	}
	return Parse(raw)
}

// Parse decodes a modes document.
func Parse(raw []byte) ([]Persona, error) {
	var doc modesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "decode modes")
	}
	seen := make(map[string]struct{}, len(doc.CustomModes))
	for i, m := range doc.CustomModes {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, errors.Errorf("mode %d has no slug", i)
		}
		if _, dup := seen[m.ID]; dup {
			return nil, errors.Errorf("duplicate mode slug %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.Name == "" {
			m.Name = m.ID
		}
		doc.CustomModes[i] = m
	}
	return doc.CustomModes, nil
}
