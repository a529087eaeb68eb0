package relay

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const PeersEnvVar = "PEERS"

// relayd configuration
// values come from the yaml file, then the environment, then flags
type Config struct {
	Port        int      `yaml:"port"`
	Path        string   `yaml:"path"`
	Peers       []string `yaml:"peers"`
	Store       string   `yaml:"store"`
	MetricsPort int      `yaml:"metrics_port"`

	PingTimeout  time.Duration `yaml:"ping_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func DefaultConfig() *Config {
	relaySettings := DefaultRelaySettings()
	return &Config{
		Port:         8765,
		Path:         relaySettings.Path,
		Peers:        []string{},
		Store:        "",
		MetricsPort:  0,
		PingTimeout:  relaySettings.PingTimeout,
		WriteTimeout: relaySettings.WriteTimeout,
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return nil, fmt.Errorf("Could not parse config %s: %w", path, err)
		}
	}
	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// `PEERS` is a comma separated list of relay urls. When set, it replaces the file peers.
func (self *Config) ApplyEnv(lookupEnv func(string) (string, bool)) {
	if peers, ok := lookupEnv(PeersEnvVar); ok {
		self.Peers = ParsePeers(peers)
	}
}

func ParsePeers(peers string) []string {
	out := []string{}
	for _, peer := range strings.Split(peers, ",") {
		peer = strings.TrimSpace(peer)
		if peer != "" {
			out = append(out, peer)
		}
	}
	return out
}

func (self *Config) RelaySettings() *RelaySettings {
	settings := DefaultRelaySettings()
	if self.Path != "" {
		settings.Path = self.Path
	}
	if 0 < self.PingTimeout {
		settings.PingTimeout = self.PingTimeout
	}
	if 0 < self.WriteTimeout {
		settings.WriteTimeout = self.WriteTimeout
	}
	return settings
}
