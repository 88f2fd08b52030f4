// Package config resolves cxdb's runtime configuration: built-in
// defaults, layered under an optional TOML file, layered under
// environment variables, mirroring the teacher's
// common/local_config.go / common/config_discovery.go koanf-based
// layering style. Loading from the environment is glue, not a
// specified algorithm: no store invariant depends on its exact
// precedence rules beyond "environment wins".
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every tunable this deployment exposes. Every field has
// a built-in default (see Default) so a zero-configuration run is
// always valid.
type Config struct {
	// DataDir holds the blob pack, turn log, registry bundles, and CQL
	// cache. Created on startup if absent.
	DataDir string `koanf:"data_dir"`
	// RegistryDir holds versioned type-descriptor bundles. Defaults to
	// <data_dir>/registry when left empty.
	RegistryDir string `koanf:"registry_dir"`
	// BindAddr is the binary protocol listen address.
	BindAddr string `koanf:"bind_addr"`
	// HTTPBindAddr is the HTTP/SSE listen address.
	HTTPBindAddr string `koanf:"http_bind_addr"`
	// MaxSeenPerContext is a size for the follow reconciler's
	// per-context dedup window. It is loaded here only: nothing passes
	// it on to follow.Options, which carries its own default.
	MaxSeenPerContext int `koanf:"max_seen_per_context"`
	// SSEHeartbeatInterval is an idle interval for comment-only
	// heartbeats on the event stream. It is loaded here only: the
	// httpapi handler uses its own fixed 20s interval and does not
	// read this field.
	SSEHeartbeatInterval time.Duration `koanf:"sse_heartbeat_interval"`
	// SSERecvTimeout is a bound on each wait on the event bus. It is
	// loaded here only: the httpapi handler uses its own fixed 5s
	// receive timeout and does not read this field.
	SSERecvTimeout time.Duration `koanf:"sse_recv_timeout"`
	// EventBusBufferSize is the per-subscriber channel buffer depth.
	EventBusBufferSize int `koanf:"event_bus_buffer_size"`
	// NatsURL, when set, enables a durable JetStream mirror of every
	// published event onto NatsSubject. Left empty, the event bus stays
	// in-process only.
	NatsURL string `koanf:"nats_url"`
	// NatsSubject is the JetStream subject events are mirrored onto when
	// NatsURL is set.
	NatsSubject string `koanf:"nats_subject"`
}

// Default returns the built-in defaults, used when neither a config
// file nor an environment variable overrides a field.
func Default() Config {
	return Config{
		DataDir:              "./cxdb-data",
		BindAddr:             ":7417",
		HTTPBindAddr:         ":7418",
		MaxSeenPerContext:    2048,
		SSEHeartbeatInterval: 20 * time.Second,
		SSERecvTimeout:       5 * time.Second,
		EventBusBufferSize:   64,
		NatsSubject:          "cxdb.events",
	}
}

// ResolvedRegistryDir returns RegistryDir if set, else <data_dir>/registry.
func (c Config) ResolvedRegistryDir() string {
	if c.RegistryDir != "" {
		return c.RegistryDir
	}
	return filepath.Join(c.DataDir, "registry")
}

var configFileCandidates = []string{"cxdb.toml", ".cxdb.toml"}

// DiscoverConfigFile searches dir for the first existing candidate in
// configFileCandidates, in precedence order, reporting every candidate
// found so a caller can warn about shadowed files.
func DiscoverConfigFile(dir string) (chosen string, allFound []string) {
	for _, candidate := range configFileCandidates {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			allFound = append(allFound, path)
			if chosen == "" {
				chosen = path
			}
		}
	}
	return chosen, allFound
}

const envPrefix = "CXDB_"

// envKey maps an environment variable name to its flat koanf key, e.g.
// CXDB_HTTP_BIND_ADDR -> http_bind_addr.
func envKey(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, envPrefix))
}

func unmarshalInto(k *koanf.Koanf, cfg *Config) error {
	conf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	return k.UnmarshalWithConf("", cfg, conf)
}

// FromEnv builds a Config by layering, in increasing precedence:
// built-in defaults, a TOML file at configPath (if non-empty and it
// exists), and CXDB_-prefixed environment variables.
func FromEnv(configPath string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return Config{}, fmt.Errorf("cxdb config: loading %s: %w", configPath, err)
			}
			if err := unmarshalInto(k, &cfg); err != nil {
				return Config{}, fmt.Errorf("cxdb config: unmarshaling %s: %w", configPath, err)
			}
		}
	}

	k = koanf.New(".")
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("cxdb config: loading environment: %w", err)
	}
	if err := unmarshalInto(k, &cfg); err != nil {
		return Config{}, fmt.Errorf("cxdb config: applying environment overrides: %w", err)
	}

	return cfg, nil
}
