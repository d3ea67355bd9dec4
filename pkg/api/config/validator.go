package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/regprune/regprune/errors"
)

func Validate(config *Config) error {
	if err := validateRegistry(config); err != nil {
		return err
	}

	if err := validateNative(config); err != nil {
		return err
	}

	if err := validateLog(config); err != nil {
		return err
	}

	if err := validatePatterns(config); err != nil {
		return err
	}

	return validateRepositories(config)
}

func validateRegistry(config *Config) error {
	registryURL, err := url.Parse(config.RegistryURL())
	if err != nil {
		log.Error().Err(err).Str("url", config.RegistryURL()).Msg("invalid registry url")

		return fmt.Errorf("%w: invalid registry url %q: %w", errors.ErrBadConfig, config.RegistryURL(), err)
	}

	if registryURL.Scheme != "http" && registryURL.Scheme != "https" {
		log.Error().Err(errors.ErrBadConfig).Str("url", config.RegistryURL()).
			Msg("registry url scheme must be http or https")

		return fmt.Errorf("%w: registry url scheme must be http or https, got %q", errors.ErrBadConfig,
			registryURL.Scheme)
	}

	if registryURL.Host == "" {
		return fmt.Errorf("%w: registry url %q has no host", errors.ErrBadConfig, config.RegistryURL())
	}

	if config.Registry.Password != "" && config.Registry.User == "" {
		log.Error().Err(errors.ErrBadConfig).Msg("registry password is set without a user")

		return fmt.Errorf("%w: registry password is set without a user", errors.ErrBadConfig)
	}

	return nil
}

func validateNative(config *Config) error {
	if !config.Native.Enabled {
		return nil
	}

	native := config.Native

	if native.Binary == "" || native.Data == "" || native.Config == "" {
		log.Error().Err(errors.ErrBadConfig).Msg("native registry needs binary, data and config paths")

		return fmt.Errorf("%w: native registry needs binary, data and config paths", errors.ErrBadConfig)
	}

	if _, _, err := net.SplitHostPort(native.Address); err != nil {
		log.Error().Err(err).Str("address", native.Address).Msg("invalid native registry address")

		return fmt.Errorf("%w: invalid native registry address %q: %w", errors.ErrBadConfig, native.Address, err)
	}

	if native.StartTimeout < 0 {
		return fmt.Errorf("%w: native startTimeout must not be negative", errors.ErrBadConfig)
	}

	return nil
}

func validateLog(config *Config) error {
	if config.Log == nil {
		return nil
	}

	if _, err := zerolog.ParseLevel(config.Log.Level); err != nil {
		log.Error().Err(err).Str("level", config.Log.Level).Msg("invalid log level")

		return fmt.Errorf("%w: invalid log level %q", errors.ErrBadConfig, config.Log.Level)
	}

	return nil
}

func validatePatterns(config *Config) error {
	for _, group := range config.Patterns {
		if len(group.Value) == 0 {
			return fmt.Errorf("%w: pattern group %q is empty", errors.ErrBadConfig, group.Key)
		}

		for _, rule := range group.Value {
			if _, err := regexp.Compile(rule.Regex); err != nil {
				log.Error().Err(err).Str("group", group.Key).Str("regex", rule.Regex).Msg("invalid regex")

				return fmt.Errorf("%w: pattern group %q: %w", errors.ErrBadConfig, group.Key, err)
			}
		}
	}

	return nil
}

func validateRepositories(config *Config) error {
	for _, policy := range config.Repositories {
		if len(policy.Value.Paths) == 0 {
			log.Error().Err(errors.ErrBadConfig).Str("policy", policy.Key).Msg("policy has no paths")

			return fmt.Errorf("%w: policy %q has no paths", errors.ErrBadConfig, policy.Key)
		}

		for _, path := range policy.Value.Paths {
			if _, err := glob.Compile(path); err != nil {
				log.Error().Err(err).Str("policy", policy.Key).Str("path", path).Msg("invalid repository glob")

				return fmt.Errorf("%w: policy %q: invalid repository glob %q: %w", errors.ErrBadConfig, policy.Key, path, err)
			}
		}

		for _, cleaner := range policy.Value.Cleaners {
			if cleaner.Value.Type == "" {
				return fmt.Errorf("%w: policy %q: cleaner %q has no type", errors.ErrBadConfig, policy.Key, cleaner.Key)
			}
		}
	}

	return nil
}
