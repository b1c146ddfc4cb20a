package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"primebud.com/primebud-chat/internal/modes"
)

// modesFile is the layout of a MODES_FILE, in TOML or YAML:
//
//	[[presets]]
//	key = "flash"
//	temperature = 0.2
//	...
type modesFile struct {
	Presets  []modes.Preset  `toml:"presets" yaml:"presets"`
	Profiles []modes.Profile `toml:"profiles" yaml:"profiles"`
}

// LoadRegistry merges the presets and profiles from path, if any, over the
// built-ins. Entries with a built-in key replace it whole.
func LoadRegistry(path, defaultMode string) (*modes.Registry, error) {
	presets := modes.BuiltinPresets()
	profiles := modes.BuiltinProfiles()

	if path != "" {
		file, err := readModesFile(path)
		if err != nil {
			return nil, err
		}
		presets = modes.Merge(presets, file.Presets, func(p modes.Preset) string { return p.Key })
		profiles = modes.Merge(profiles, file.Profiles, func(p modes.Profile) string { return strings.ToLower(p.Key) })
	}
	if defaultMode == "" {
		defaultMode = modes.DefaultKey
	}
	return modes.New(presets, profiles, defaultMode)
}

func readModesFile(path string) (*modesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read modes file: %w", err)
	}

	var file modesFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported modes file extension %q (want .toml, .yaml or .yml)", ext)
	}
	for i := range file.Profiles {
		file.Profiles[i].Key = strings.ToLower(file.Profiles[i].Key)
	}
	return &file, nil
}
