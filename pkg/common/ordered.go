package common

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// OrderedEntry is a single key/value pair of an OrderedMap.
type OrderedEntry[V any] struct {
	Key   string
	Value V
}

// OrderedMap is a YAML mapping decoded with its document order preserved.
// Policies and selectors are evaluated in the order they were written, which a Go map cannot keep.
type OrderedMap[V any] []OrderedEntry[V]

func (m *OrderedMap[V]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*m = nil

		return nil
	}

	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping, got %s", node.Line, kindName(node.Kind))
	}

	entries := make(OrderedMap[V], 0, len(node.Content)/2)
	seen := make(map[string]struct{}, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		var key string
		if err := keyNode.Decode(&key); err != nil {
			return err
		}

		if _, ok := seen[key]; ok {
			return fmt.Errorf("line %d: duplicate key %q", keyNode.Line, key)
		}

		seen[key] = struct{}{}

		var value V
		if err := valueNode.Decode(&value); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}

		entries = append(entries, OrderedEntry[V]{Key: key, Value: value})
	}

	*m = entries

	return nil
}

// Keys returns the keys in document order.
func (m OrderedMap[V]) Keys() []string {
	keys := make([]string, 0, len(m))
	for _, entry := range m {
		keys = append(keys, entry.Key)
	}

	return keys
}

// Get returns the value stored under key.
func (m OrderedMap[V]) Get(key string) (V, bool) {
	for _, entry := range m {
		if entry.Key == key {
			return entry.Value, true
		}
	}

	var zero V

	return zero, false
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
