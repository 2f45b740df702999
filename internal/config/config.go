// Package config loads node and client settings from a YAML/JSON/TOML file
// overlaid with QMESH_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"qmesh/internal/engine"
)

const EnvPrefix = "QMESH"

type Config struct {
	Policy      engine.Policy `mapstructure:"policy"`
	Client      ClientConfig  `mapstructure:"client"`
	Server      ServerConfig  `mapstructure:"server"`
	Debug       bool          `mapstructure:"debug"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	// MetricsSnapshot, when set, is where a JSON metrics snapshot is written after each batch.
	MetricsSnapshot string `mapstructure:"metrics_snapshot"`
	// Journal is the JSONL file that records every finished batch. Empty disables it.
	Journal string `mapstructure:"journal"`
}

type PeerConfig struct {
	ID   string `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
	// PubKey is the hex ed25519 identity key to pin, optional.
	PubKey string `mapstructure:"pubkey"`
}

type ClientConfig struct {
	MinFidelity        float64      `mapstructure:"min_fidelity"`
	Peers              []PeerConfig `mapstructure:"peers"`
	InsecureSkipVerify bool         `mapstructure:"insecure_skip_verify"`
	DevTLSCAPath       string       `mapstructure:"devtls_ca_path"`
	// IdentitySeed is a hex 32-byte ed25519 seed. Empty means a fresh identity per run.
	IdentitySeed string `mapstructure:"identity_seed"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	PeerID          string `mapstructure:"peer_id"`
	IdentitySeed    string `mapstructure:"identity_seed"`
	MaxConnsPerIP   int    `mapstructure:"max_conns_per_ip"`
	MaxStreamsPerIP int    `mapstructure:"max_streams_per_ip"`
}

func setDefaults(v *viper.Viper) {
	p := engine.DefaultPolicy()
	v.SetDefault("policy.max_concurrent", p.MaxConcurrent)
	v.SetDefault("policy.channel_timeout", p.ChannelTimeout)
	v.SetDefault("policy.max_retries", p.MaxRetries)
	v.SetDefault("policy.retry_delay", p.RetryDelay)
	v.SetDefault("policy.exponential_backoff", p.ExponentialBackoff)
	v.SetDefault("policy.batch_size", p.BatchSize)
	v.SetDefault("client.min_fidelity", 0.0)
	v.SetDefault("client.insecure_skip_verify", false)
	v.SetDefault("client.devtls_ca_path", "")
	v.SetDefault("client.identity_seed", "")
	v.SetDefault("server.listen_addr", "127.0.0.1:4242")
	v.SetDefault("server.peer_id", "")
	v.SetDefault("server.identity_seed", "")
	v.SetDefault("server.max_conns_per_ip", 64)
	v.SetDefault("server.max_streams_per_ip", 256)
	v.SetDefault("debug", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("metrics_snapshot", "")
	v.SetDefault("journal", "")
}

// New returns a viper instance with defaults and the environment overlay installed.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	err := c.Policy.Validate()
	if c.Client.MinFidelity < 0 || c.Client.MinFidelity > 1 {
		err = multierr.Append(err, fmt.Errorf("client.min_fidelity must be in [0,1], got %v", c.Client.MinFidelity))
	}
	seen := make(map[string]bool, len(c.Client.Peers))
	for i, p := range c.Client.Peers {
		switch {
		case p.ID == "":
			err = multierr.Append(err, fmt.Errorf("client.peers[%d]: missing id", i))
		case seen[p.ID]:
			err = multierr.Append(err, fmt.Errorf("client.peers[%d]: duplicate id %s", i, p.ID))
		}
		seen[p.ID] = true
		if p.Addr == "" {
			err = multierr.Append(err, fmt.Errorf("client.peers[%d]: missing addr", i))
		}
		if p.PubKey != "" {
			if _, e := decodeHex32(p.PubKey); e != nil {
				err = multierr.Append(err, fmt.Errorf("client.peers[%d]: pubkey: %w", i, e))
			}
		}
	}
	for name, seed := range map[string]string{"client.identity_seed": c.Client.IdentitySeed, "server.identity_seed": c.Server.IdentitySeed} {
		if seed == "" {
			continue
		}
		if _, e := decodeHex32(seed); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, e))
		}
	}
	return err
}

// PeerAddrs maps peer id to address.
func (c ClientConfig) PeerAddrs() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		out[p.ID] = p.Addr
	}
	return out
}

// PeerIDs lists configured peers in file order.
func (c ClientConfig) PeerIDs() []string {
	out := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, p.ID)
	}
	return out
}

// PinnedKeys returns the identity keys of peers that declare one.
func (c ClientConfig) PinnedKeys() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, p := range c.Peers {
		if p.PubKey == "" {
			continue
		}
		b, err := decodeHex32(p.PubKey)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.ID, err)
		}
		out[p.ID] = b
	}
	return out, nil
}

// Seed decodes a hex identity seed; empty yields nil.
func Seed(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return decodeHex32(s)
}

func decodeHex32(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("expected 32 bytes")
	}
	return b, nil
}
