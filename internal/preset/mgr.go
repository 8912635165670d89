package preset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/MaxtuneLee/webcodecs-container/internal/keying"
)

// Common error messages
const (
	ErrPresetNotFound      = "preset '%s' not found"
	ErrCannotDeleteCurrent = "cannot delete the preset in use, please switch to another preset first"
	ErrEmptyName           = "preset name is empty"
)

// PresetConfig is the content of the preset file
type PresetConfig struct {
	Current string            `toml:"current"`
	Presets map[string]Preset `toml:"presets"`
}

// Preset is a named set of keying parameters
type Preset struct {
	KeyColor   string  `toml:"key_color,omitempty"`
	Similarity float64 `toml:"similarity"`
	Smoothness float64 `toml:"smoothness"`
	Spill      float64 `toml:"spill"`
}

// FromConfig converts keying parameters into a preset
func FromConfig(cfg keying.Config) Preset {
	return Preset{
		KeyColor:   keying.FormatKeyColor(cfg.KeyColor),
		Similarity: cfg.Similarity,
		Smoothness: cfg.Smoothness,
		Spill:      cfg.Spill,
	}
}

// Config converts the preset into validated keying parameters
func (p Preset) Config() (keying.Config, error) {
	key, err := keying.ParseKeyColor(p.KeyColor)
	if err != nil {
		return keying.Config{}, err
	}
	cfg := keying.Config{
		KeyColor:   key,
		Similarity: p.Similarity,
		Smoothness: p.Smoothness,
		Spill:      p.Spill,
	}
	return cfg, cfg.Validate()
}

// Entry is a preset with its name, as listed by Manager.List
type Entry struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Preset
}

// Manager manages the preset file
type Manager struct {
	config PresetConfig
	path   string
}

// NewManager creates a Manager for the file at path
func NewManager(path string) *Manager {
	return &Manager{
		config: PresetConfig{Presets: make(map[string]Preset)},
		path:   path,
	}
}

// Path returns the preset file path
func (m *Manager) Path() string {
	return m.path
}

// Load loads presets from file; a missing file is not an error
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read preset file: %v", err)
	}

	var cfg PresetConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse preset file: %v", err)
	}
	if cfg.Presets == nil {
		cfg.Presets = make(map[string]Preset)
	}
	m.config = cfg
	return nil
}

// Save saves presets to file
func (m *Manager) Save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}

	data, err := toml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to serialize presets: %v", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write preset file: %v", err)
	}
	return nil
}

// List returns all presets sorted by name
func (m *Manager) List() []Entry {
	entries := make([]Entry, 0, len(m.config.Presets))
	for name, p := range m.config.Presets {
		entries = append(entries, Entry{Name: name, Current: name == m.config.Current, Preset: p})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Get returns the named preset
func (m *Manager) Get(name string) (Preset, error) {
	p, ok := m.config.Presets[name]
	if !ok {
		return Preset{}, fmt.Errorf(ErrPresetNotFound, name)
	}
	return p, nil
}

// Add stores a preset, replacing one with the same name. The first preset
// added becomes the current one.
func (m *Manager) Add(name string, p Preset) error {
	if name == "" {
		return errors.New(ErrEmptyName)
	}
	if _, err := p.Config(); err != nil {
		return fmt.Errorf("invalid preset '%s': %v", name, err)
	}
	m.config.Presets[name] = p
	if m.config.Current == "" {
		m.config.Current = name
	}
	return m.Save()
}

// Use makes the named preset current
func (m *Manager) Use(name string) error {
	if _, ok := m.config.Presets[name]; !ok {
		return fmt.Errorf(ErrPresetNotFound, name)
	}
	m.config.Current = name
	return m.Save()
}

// Delete removes a preset that is not in use
func (m *Manager) Delete(name string) error {
	if _, ok := m.config.Presets[name]; !ok {
		return fmt.Errorf(ErrPresetNotFound, name)
	}
	if name == m.config.Current {
		return errors.New(ErrCannotDeleteCurrent)
	}
	delete(m.config.Presets, name)
	return m.Save()
}

// Current returns the preset in use, if any
func (m *Manager) Current() (string, Preset, bool) {
	if m.config.Current == "" {
		return "", Preset{}, false
	}
	p, ok := m.config.Presets[m.config.Current]
	return m.config.Current, p, ok
}
