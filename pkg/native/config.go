package native

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	zerr "github.com/regprune/regprune/errors"
)

const configPerms = 0o600

//go:embed registry.yaml
var configTemplate []byte

// RenderConfig returns the registry daemon configuration serving data on address with deletes enabled.
func RenderConfig(data, address string) ([]byte, error) {
	var document map[string]any

	if err := yaml.Unmarshal(configTemplate, &document); err != nil {
		return nil, err
	}

	storage, err := section(document, "storage")
	if err != nil {
		return nil, err
	}

	filesystem, err := section(storage, "filesystem")
	if err != nil {
		return nil, err
	}

	filesystem["rootdirectory"] = data

	deletion, err := section(storage, "delete")
	if err != nil {
		return nil, err
	}

	deletion["enabled"] = true

	server, err := section(document, "http")
	if err != nil {
		return nil, err
	}

	server["addr"] = address

	return yaml.Marshal(document)
}

// section returns the mapping stored under key, creating it when missing.
func section(parent map[string]any, key string) (map[string]any, error) {
	value, found := parent[key]
	if !found || value == nil {
		child := make(map[string]any)
		parent[key] = child

		return child, nil
	}

	child, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: registry configuration: %q is not a mapping", zerr.ErrBadConfig, key)
	}

	return child, nil
}

// WriteConfig renders the runtime configuration to path.
func WriteConfig(path, data, address string) error {
	content, err := RenderConfig(data, address)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}

	return os.WriteFile(path, content, configPerms)
}
