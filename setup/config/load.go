package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads and parses a StateServer config document from path, filling
// defaults and verifying the result.
func Load(path string) (*StateServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg StateServer
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Defaults(DefaultOpts{})
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
