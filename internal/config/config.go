// Package config loads optional broker tuning from a YAML file. Every
// field has a default matching the spec exactly, so a missing or absent
// file changes nothing (§9).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anp-project/anp/internal/threadchan"
	"github.com/anp-project/anp/pkg/wire"
)

// Config is the broker's tunable knobs.
type Config struct {
	// HandshakeTimeout bounds how long a server ThreadChannel waits for
	// the client's secret bytes (§4.6). Default: 5s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// RendezvousDir overrides the rendezvous file's directory. Empty
	// means the default per-user cache directory (§4.7).
	RendezvousDir string `yaml:"rendezvous_dir"`

	// MaxPayloadSize is informational: it echoes the wire codec's fixed
	// payload size cap (§3, §8 invariant 3 — not itself configurable)
	// so operators can see the limit a deployed build enforces.
	MaxPayloadSize uint32 `yaml:"max_payload_size"`
}

// Default returns a Config with every field at the spec's default value.
func Default() Config {
	return Config{
		HandshakeTimeout: threadchan.DefaultHandshakeTimeout,
		MaxPayloadSize:   wire.MaxPayloadSize,
	}
}

// rawConfig mirrors Config but with a string duration, matching how
// operators actually write YAML durations ("5s", "250ms").
type rawConfig struct {
	HandshakeTimeout string `yaml:"handshake_timeout"`
	RendezvousDir    string `yaml:"rendezvous_dir"`
	MaxPayloadSize   uint32 `yaml:"max_payload_size"`
}

// Load reads and parses a YAML config file at path, starting from
// Default() and overriding only the fields present in the file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if raw.HandshakeTimeout != "" {
		d, err := time.ParseDuration(raw.HandshakeTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: handshake_timeout %q: %w", raw.HandshakeTimeout, err)
		}
		cfg.HandshakeTimeout = d
	}
	if raw.RendezvousDir != "" {
		cfg.RendezvousDir = raw.RendezvousDir
	}
	// max_payload_size in the file is accepted but not applied: the wire
	// cap is a protocol invariant, not a per-deployment tuning knob.

	return cfg, nil
}

// LoadOptional behaves like Load, but returns Default() with no error if
// path does not exist, matching "no config file is present" (§9).
func LoadOptional(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
	}
	return Load(path)
}
