package config

import (
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/regprune/regprune/pkg/api/constants"
	"github.com/regprune/regprune/pkg/common"
)

var (
	Commit    string // nolint: gochecknoglobals
	GoVersion string // nolint: gochecknoglobals
)

type RegistryConfig struct {
	URL      string
	User     string
	Password string
}

type NativeConfig struct {
	Enabled      bool
	Binary       string
	Data         string
	Address      string
	Config       string
	StartTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Output string
}

type MetricsConfig struct {
	Textfile string
}

// PatternRule is one regex of a pattern group. A nil or empty Template excludes matching tags.
type PatternRule struct {
	Regex    string
	Template *string
}

func (r PatternRule) Excludes() bool {
	return r.Template == nil || *r.Template == ""
}

// PatternGroup accepts a single regex, a list of regexes or an ordered mapping of regex to template.
type PatternGroup []PatternRule

func (g *PatternGroup) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var regex string
		if err := node.Decode(&regex); err != nil {
			return err
		}

		*g = PatternGroup{{Regex: regex}}
	case yaml.SequenceNode:
		rules := make(PatternGroup, 0, len(node.Content))
		if err := flattenRegexes(node, &rules); err != nil {
			return err
		}

		*g = rules
	case yaml.MappingNode:
		var templates common.OrderedMap[*string]
		if err := node.Decode(&templates); err != nil {
			return err
		}

		rules := make(PatternGroup, 0, len(templates))
		for _, entry := range templates {
			rules = append(rules, PatternRule{Regex: entry.Key, Template: entry.Value})
		}

		*g = rules
	default:
		return fmt.Errorf("line %d: pattern group must be a string, a list or a mapping", node.Line)
	}

	return nil
}

// flattenRegexes collects the scalars of arbitrarily nested lists.
func flattenRegexes(node *yaml.Node, rules *PatternGroup) error {
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.SequenceNode:
			if err := flattenRegexes(item, rules); err != nil {
				return err
			}
		case yaml.ScalarNode:
			*rules = append(*rules, PatternRule{Regex: item.Value})
		default:
			return fmt.Errorf("line %d: pattern list items must be strings", item.Line)
		}
	}

	return nil
}

// PatternGroups is the top-level `patterns` section in document order.
type PatternGroups = common.OrderedMap[PatternGroup]

// SelectorConfig keeps the raw settings of a cleaner, they are decoded by the selector kind.
type SelectorConfig struct {
	Type     string
	Settings yaml.Node
}

func (s *SelectorConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: cleaner must be a mapping", node.Line)
	}

	var head struct {
		Type string `yaml:"type"`
	}

	if err := node.Decode(&head); err != nil {
		return err
	}

	s.Type = head.Type
	s.Settings = *node

	return nil
}

// Decode decodes the settings into the selector specific structure.
func (s SelectorConfig) Decode(v any) error {
	return s.Settings.Decode(v)
}

// UnknownKeys lists the setting keys which are neither `type` nor one of known.
func (s SelectorConfig) UnknownKeys(known ...string) []string {
	unknown := make([]string, 0)

	for i := 0; i+1 < len(s.Settings.Content); i += 2 {
		key := s.Settings.Content[i].Value
		if key != "type" && !slices.Contains(known, key) {
			unknown = append(unknown, key)
		}
	}

	return unknown
}

type RepositoryPolicyConfig struct {
	Paths    []string                          `yaml:"paths"`
	Cleaners common.OrderedMap[SelectorConfig] `yaml:"cleaners"`
}

type Config struct {
	Registry RegistryConfig
	Native   NativeConfig
	Log      *LogConfig
	Metrics  MetricsConfig

	// decoded again from the document, viper loses key case and order
	RawPatterns     map[string]any `mapstructure:"patterns,omitempty"`
	RawRepositories map[string]any `mapstructure:"repositories,omitempty"`

	Patterns     PatternGroups                             `mapstructure:"-"`
	Repositories common.OrderedMap[RepositoryPolicyConfig] `mapstructure:"-"`
}

func New() *Config {
	return &Config{
		Native: NativeConfig{
			Enabled:      true,
			Binary:       constants.DefaultRegistryBinary,
			Data:         constants.DefaultRegistryData,
			Address:      constants.DefaultNativeAddress,
			Config:       constants.DefaultRuntimeConfig,
			StartTimeout: constants.DefaultStartTimeout,
		},
		Log: &LogConfig{Level: constants.DefaultLogLevel},
	}
}

// PatternGroup returns the named group of the top-level `patterns` section.
func (c *Config) PatternGroup(name string) (PatternGroup, bool) {
	return c.Patterns.Get(name)
}

// RegistryURL is the configured registry url, or the native daemon address when none is set.
func (c *Config) RegistryURL() string {
	if c.Registry.URL != "" {
		return c.Registry.URL
	}

	return "http://" + c.Native.Address
}
