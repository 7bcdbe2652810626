// Package config defines the YAML-driven configuration for the state
// server core, following the Defaults/Verify pattern used throughout this
// codebase: every sub-config fills its own defaults and validates itself,
// and errors accumulate rather than aborting on the first problem found.
package config

import (
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ConfigErrors accumulates every problem found while verifying a config so
// they can all be reported together instead of one at a time.
type ConfigErrors []string

// Add appends a formatted error message.
func (e *ConfigErrors) Add(message string) {
	*e = append(*e, message)
}

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msg := fmt.Sprintf("%d configuration error(s):", len(e))
	for _, m := range e {
		msg += "\n  " + m
	}
	return msg
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// DefaultOpts carries values Defaults methods need but that don't belong in
// the persisted config themselves (e.g. whether this is a single-process
// test deployment).
type DefaultOpts struct {
	Generate bool
}

// Global holds settings that apply across the whole state server core.
type Global struct {
	ServerName spec.ServerName `yaml:"server_name"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if c.ServerName == "" && opts.Generate {
		c.ServerName = "localhost"
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
}

// StateCache configures the bounded derived-view cache.
type StateCache struct {
	MaxRooms         int64         `yaml:"max_rooms"`
	MaxEventsPerRoom int64         `yaml:"max_events_per_room"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
}

func (c *StateCache) Defaults(opts DefaultOpts) {
	if c.MaxRooms == 0 {
		c.MaxRooms = 10000
	}
	if c.MaxEventsPerRoom == 0 {
		c.MaxEventsPerRoom = 10000
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = time.Hour
	}
}

func (c *StateCache) Verify(configErrs *ConfigErrors) {
	if c.MaxRooms <= 0 {
		configErrs.Add("state_cache.max_rooms must be positive")
	}
	if c.MaxEventsPerRoom <= 0 {
		configErrs.Add("state_cache.max_events_per_room must be positive")
	}
}

// FederationIngest configures the backfill-retry collaborator.
type FederationIngest struct {
	MaxBackfillChain int `yaml:"max_backfill_chain"`
	MaxRetries       int `yaml:"max_retries"`
}

func (c *FederationIngest) Defaults(opts DefaultOpts) {
	if c.MaxBackfillChain == 0 {
		c.MaxBackfillChain = 64
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 12
	}
}

func (c *FederationIngest) Verify(configErrs *ConfigErrors) {
	if c.MaxBackfillChain <= 0 {
		configErrs.Add("federation_ingest.max_backfill_chain must be positive")
	}
}

// StateServer is the top-level configuration document.
type StateServer struct {
	Global           Global           `yaml:"global"`
	StateCache       StateCache       `yaml:"state_cache"`
	FederationIngest FederationIngest `yaml:"federation_ingest"`
}

// Defaults fills every sub-config's defaults.
func (c *StateServer) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.StateCache.Defaults(opts)
	c.FederationIngest.Defaults(opts)
}

// Verify runs every sub-config's verification, returning the accumulated
// errors (nil if there were none).
func (c *StateServer) Verify() error {
	var configErrs ConfigErrors
	c.Global.Verify(&configErrs)
	c.StateCache.Verify(&configErrs)
	c.FederationIngest.Verify(&configErrs)
	if len(configErrs) == 0 {
		return nil
	}
	return configErrs
}
