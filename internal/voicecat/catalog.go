package voicecat

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile identifies a voice and the backend that renders it.
type Profile struct {
	ID       string  `yaml:"id"`
	Backend  string  `yaml:"backend"`
	Language string  `yaml:"language"`
	Speaker  string  `yaml:"speaker"`
	Rate     float64 `yaml:"rate"`
}

// Catalog is the read-only set of voices loaded at startup.
type Catalog struct {
	profiles  map[string]Profile
	defaultID string
}

type catalogFile struct {
	Default string    `yaml:"default"`
	Voices  []Profile `yaml:"voices"`
}

// Load reads a voice catalog from a YAML file and validates every entry.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse voice catalog: %w", err)
	}
	return build(file)
}

// New assembles a catalog programmatically, used by tests.
func New(defaultID string, profiles ...Profile) (*Catalog, error) {
	return build(catalogFile{Default: defaultID, Voices: profiles})
}

func build(file catalogFile) (*Catalog, error) {
	if len(file.Voices) == 0 {
		return nil, fmt.Errorf("voice catalog has no voices")
	}
	c := &Catalog{profiles: make(map[string]Profile, len(file.Voices))}
	for i, p := range file.Voices {
		if p.ID == "" {
			return nil, fmt.Errorf("voice %d: missing id", i)
		}
		if p.Backend == "" {
			return nil, fmt.Errorf("voice %q: missing backend", p.ID)
		}
		if _, dup := c.profiles[p.ID]; dup {
			return nil, fmt.Errorf("voice %q: duplicate id", p.ID)
		}
		if p.Rate == 0 {
			p.Rate = 1.0
		}
		if p.Rate < 0.25 || p.Rate > 4.0 {
			return nil, fmt.Errorf("voice %q: rate %.2f out of range", p.ID, p.Rate)
		}
		if p.Language == "" {
			p.Language = "vi-VN"
		}
		c.profiles[p.ID] = p
	}
	c.defaultID = file.Default
	if c.defaultID == "" {
		c.defaultID = file.Voices[0].ID
	}
	if _, ok := c.profiles[c.defaultID]; !ok {
		return nil, fmt.Errorf("default voice %q not in catalog", c.defaultID)
	}
	return c, nil
}

// Lookup resolves a voice id, falling back to the default when id is empty.
func (c *Catalog) Lookup(id string) (Profile, bool) {
	if id == "" {
		id = c.defaultID
	}
	p, ok := c.profiles[id]
	return p, ok
}

// Default returns the catalog's default voice.
func (c *Catalog) Default() Profile {
	return c.profiles[c.defaultID]
}

// IDs lists voice ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.profiles))
	for id := range c.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
