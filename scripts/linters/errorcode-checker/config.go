package main

import (
	"os"

	"github.com/gear6io/polycall/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigReadFailed  = errors.MustNewCode("codecheck.config_read_failed")
	ErrConfigParseFailed = errors.MustNewCode("codecheck.config_parse_failed")
	ErrWalkFailed        = errors.MustNewCode("codecheck.walk_failed")
	ErrParseFailed       = errors.MustNewCode("codecheck.parse_failed")
)

// Config represents the checker configuration
type Config struct {
	ExcludePaths      []string `yaml:"exclude_paths"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
	// ForbiddenAllowed lists paths where the forbidden patterns are fine,
	// typically the errors package itself
	ForbiddenAllowed []string `yaml:"forbidden_allowed"`
	CheckForbidden   bool     `yaml:"check_forbidden"`
	ExitOnUnused     bool     `yaml:"exit_on_unused"`
	ExitOnForbidden  bool     `yaml:"exit_on_forbidden"`
	Verbose          bool     `yaml:"verbose"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		ExcludePaths:      []string{"_examples/", "testdata/", "vendor/", "node_modules/", ".git/", "data/", "logs/"},
		ForbiddenPatterns: []string{`fmt\.Errorf`, `stderrors\.New\(`},
		ForbiddenAllowed:  []string{"pkg/errors/", "pkg/sdk/", "scripts/"},
		CheckForbidden:    true,
		ExitOnUnused:      false,
		ExitOnForbidden:   true,
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(ErrConfigReadFailed, "failed to read config file", err).AddContext("file", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.New(ErrConfigParseFailed, "failed to parse config file", err).AddContext("file", path)
	}
	return config, nil
}
