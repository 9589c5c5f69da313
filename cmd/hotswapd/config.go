package main

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config configures the hotswapd daemon.
type Config struct {
	// ListenAddr is the address proxy traffic is served on. It doubles as
	// the bind identifier during descriptor handoff and therefore must not
	// contain whitespace.
	ListenAddr string `yaml:"listen_addr"`
	// UpgradeSock is the well-known unix socket path used as the handoff
	// rendezvous point between the outgoing and incoming process.
	UpgradeSock     string   `yaml:"upgrade_sock"`
	UpstreamTimeout Duration `yaml:"upstream_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	LogLevel        string   `yaml:"log_level"`
}

// Duration wraps time.Duration with yaml decoding of the "30s" form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      "0.0.0.0:3000",
		UpgradeSock:     "/tmp/hotswapd_upgrade.sock",
		UpstreamTimeout: Duration(30 * time.Second),
		ShutdownTimeout: Duration(10 * time.Second),
		LogLevel:        "info",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "can't read config %v", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "can't parse config %v", path)
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	// The handoff wire format separates bind identifiers with spaces.
	if strings.ContainsAny(c.ListenAddr, " \t\r\n") {
		return errors.Errorf("listen_addr %q must not contain whitespace", c.ListenAddr)
	}
	if c.UpgradeSock == "" {
		return errors.New("upgrade_sock must not be empty")
	}
	return nil
}
