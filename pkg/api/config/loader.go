package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/regprune/regprune/errors"
)

// orderedSections are the parts of the document where key order and case matter.
type orderedSections struct {
	Patterns     yaml.Node `yaml:"patterns"`
	Repositories yaml.Node `yaml:"repositories"`
}

func LoadFromFile(configPath string, config *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to read configuration")

		return err
	}

	return LoadFromBuffer(content, config)
}

// LoadFromBuffer loads a YAML (or JSON) document into config and validates it.
func LoadFromBuffer(content []byte, config *Config) error {
	// Default is dot (.) but regexes in `patterns` are keys too.
	viperInstance := viper.NewWithOptions(viper.KeyDelimiter("::"))
	viperInstance.SetConfigType("yaml")

	if err := viperInstance.ReadConfig(bytes.NewReader(content)); err != nil {
		log.Error().Err(err).Msg("failed to read configuration")

		return fmt.Errorf("%w: %w", errors.ErrBadConfig, err)
	}

	if err := unmarshal(viperInstance, config); err != nil {
		return err
	}

	if err := unmarshalOrdered(content, config); err != nil {
		log.Error().Err(err).Msg("failed to decode policies")

		return fmt.Errorf("%w: %w", errors.ErrBadConfig, err)
	}

	if err := Validate(config); err != nil {
		log.Error().Err(err).Msg("config is not valid")

		return err
	}

	return nil
}

func unmarshal(viperInstance *viper.Viper, config *Config) error {
	metaData := &mapstructure.Metadata{}

	decoderOpts := []viper.DecoderConfigOption{
		metadataConfig(metaData),
		viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()),
	}

	if err := viperInstance.UnmarshalExact(&config, decoderOpts...); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal new config")

		return fmt.Errorf("%w: %w", errors.ErrBadConfig, err)
	}

	if len(metaData.Keys) == 0 {
		log.Error().Err(errors.ErrBadConfig).Msg("config doesn't contain any key:value pair")

		return fmt.Errorf("%w: config doesn't contain any key:value pair", errors.ErrBadConfig)
	}

	if len(metaData.Unused) > 0 {
		log.Error().Err(errors.ErrBadConfig).Strs("keys", metaData.Unused).Msg("unknown keys")

		return fmt.Errorf("%w: unknown keys %v", errors.ErrBadConfig, metaData.Unused)
	}

	return nil
}

func unmarshalOrdered(content []byte, config *Config) error {
	var sections orderedSections

	if err := yaml.Unmarshal(content, &sections); err != nil {
		return err
	}

	if !sections.Patterns.IsZero() {
		if err := sections.Patterns.Decode(&config.Patterns); err != nil {
			return fmt.Errorf("patterns: %w", err)
		}
	}

	if !sections.Repositories.IsZero() {
		if err := sections.Repositories.Decode(&config.Repositories); err != nil {
			return fmt.Errorf("repositories: %w", err)
		}
	}

	return nil
}

func metadataConfig(md *mapstructure.Metadata) viper.DecoderConfigOption {
	return func(c *mapstructure.DecoderConfig) {
		c.Metadata = md
	}
}
