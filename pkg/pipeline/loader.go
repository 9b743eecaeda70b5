package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a pipeline manifest from the given file path.
//
// Returns an error if:
//   - The file cannot be read (not found, permission denied, etc.)
//   - The content is not valid YAML
//   - The manifest fails validation
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pipeline manifest not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading pipeline manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read pipeline manifest: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a manifest from raw bytes.
func LoadFromBytes(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("pipeline manifest is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse pipeline manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline manifest: %w", err)
	}

	return &m, nil
}

// Default returns a manifest carrying only the compile-time defaults.
func Default() *Manifest {
	return &Manifest{}
}
