package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dbdeck/dbdeck/internal/connection"
)

// ConnectionsFile is the top-level shape of the connections YAML file.
type ConnectionsFile struct {
	Connections []connection.Descriptor `yaml:"connections"`
}

// LoadConnections reads and parses the connections YAML file into a map
// keyed by connection id. Environment variables referenced as ${VAR_NAME}
// in the file are expanded before parsing, so credentials can stay out of
// the file itself.
func LoadConnections(path string) (map[string]*connection.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	var file ConnectionsFile
	if err := yaml.Unmarshal([]byte(content), &file); err != nil {
		return nil, fmt.Errorf("parse connections file: %w", err)
	}

	out := make(map[string]*connection.Descriptor, len(file.Connections))
	for i := range file.Connections {
		desc := &file.Connections[i]
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("connections file: %w", err)
		}
		if _, dup := out[desc.ID]; dup {
			return nil, fmt.Errorf("connections file: duplicate connection id %q", desc.ID)
		}
		out[desc.ID] = desc
	}
	return out, nil
}
