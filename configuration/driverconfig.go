package configuration

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// DriverConfig holds the knobs a test scenario may want to override
// from their harness-derived defaults: a TOML sibling to the plain-text
// ports file, for the things that aren't part of the wire-visible
// external interface (§6) and so are free to take a friendlier format.
// Optional: cmd/driver runs fine with the zero value.
type DriverConfig struct {
	// HeartbeatMillis overrides paxos's replica/barrier re-check cadence
	// for tests that want to shrink it below the production default.
	HeartbeatMillis int `toml:"heartbeat_millis"`
	// ChatLogPath overrides the default chat-log file location.
	ChatLogPath string `toml:"chat_log_path"`
}

// LoadDriverConfig reads an optional TOML scenario config. A missing
// path is not an error: callers pass "" to mean "use defaults."
func LoadDriverConfig(path string) (*DriverConfig, error) {
	if path == "" {
		return &DriverConfig{}, nil
	}
	var c DriverConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("configuration: decode driver config %s: %w", path, err)
	}
	return &c, nil
}
