// Package preset loads named experiment defaults from YAML files.
package preset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tabarochristian/loop-to-result/internal/gateway"
	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/sandbox"
	"gopkg.in/yaml.v3"
)

func Parse(path string) (*models.Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	var p models.Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse preset YAML: %w", err)
	}

	return &p, nil
}

// LoadAll reads every preset in dirs. Later directories override earlier
// ones by name; missing directories are skipped.
func LoadAll(dirs []string) (map[string]*models.Preset, error) {
	presets := make(map[string]*models.Preset)

	for _, dir := range dirs {
		if err := loadFromDir(dir, presets); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return presets, nil
}

func loadFromDir(dir string, presets map[string]*models.Preset) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		p, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		// Name from file, or filename without extension
		if p.Name == "" {
			p.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		if err := Validate(p); err != nil {
			return fmt.Errorf("invalid preset %s: %w", path, err)
		}

		presets[p.Name] = p
	}

	return nil
}

func Validate(p *models.Preset) error {
	if p.Name == "" {
		return fmt.Errorf("preset must have a name")
	}
	if p.Backend == "" {
		return fmt.Errorf("preset must name a backend")
	}
	if gateway.LookupBackend(p.Backend) == nil {
		return fmt.Errorf("%w: %q", models.ErrInvalidBackend, p.Backend)
	}
	if p.Language != "" && !sandbox.Supported(p.Language) {
		return fmt.Errorf("%w: %q", models.ErrInvalidLanguage, p.Language)
	}
	if p.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative")
	}
	if p.ExecTimeout < 0 {
		return fmt.Errorf("execution_timeout must not be negative")
	}
	return nil
}

// Names returns preset names in sorted order.
func Names(presets map[string]*models.Preset) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
