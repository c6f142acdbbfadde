// Package config loads ring-rpc settings from a YAML file, then lets RINGRPC_* environment
// variables override individual keys.
//
//	listen: ":8080"
//	codec: binary
//	callTimeout: 2s
//	endpoints:
//	  Arith: ["127.0.0.1:8080"]
package config

import (
	"os"
	"strings"
	"time"

	"ring-rpc/client"
	"ring-rpc/codec"
	"ring-rpc/loadbalance"
	"ring-rpc/pending"
	"ring-rpc/server"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var log = logging.MustGetLogger("config")

// EnvPrefix prefixes every environment override, e.g. RINGRPC_CALL_TIMEOUT=500ms.
const EnvPrefix = "RINGRPC"

type Config struct {
	Listen    string `yaml:"listen"`
	Advertise string `yaml:"advertise"` // address published in the registry; defaults to Listen
	Codec     string `yaml:"codec"`
	LogLevel  string `yaml:"logLevel"`

	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	CallTimeout       time.Duration `yaml:"callTimeout"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	SweepGrace        time.Duration `yaml:"sweepGrace"`
	Workers           int           `yaml:"workers"`

	Balancer string `yaml:"balancer"`
	Replicas int    `yaml:"replicas"`

	// Etcd enables the etcd registry; otherwise Endpoints is served by a static registry.
	Etcd      []string            `yaml:"etcd"`
	Prefix    string              `yaml:"prefix"`
	TTL       int64               `yaml:"ttl"`
	Weight    int                 `yaml:"weight"`  // published by serve for weighted balancers
	Version   string              `yaml:"version"` // published by serve, matched by WithVersion
	Endpoints map[string][]string `yaml:"endpoints"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:            ":8080",
		Codec:             "json",
		LogLevel:          "info",
		IdleTimeout:       server.DefaultIdleTimeout,
		HeartbeatInterval: client.DefaultHeartbeatInterval,
		CallTimeout:       client.DefaultCallTimeout,
		DialTimeout:       client.DefaultDialTimeout,
		SweepInterval:     pending.DefaultSweepInterval,
		SweepGrace:        pending.DefaultSweepGrace,
		Workers:           server.DefaultWorkers,
		Balancer:          loadbalance.ConsistentHash,
		Replicas:          loadbalance.DefaultReplicas,
		TTL:               server.DefaultTTL,
	}
}

// Load reads the YAML file at path over the defaults (an empty path skips the file), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("listen", &c.Listen)
	str("advertise", &c.Advertise)
	str("codec", &c.Codec)
	str("log_level", &c.LogLevel)
	str("balancer", &c.Balancer)
	str("prefix", &c.Prefix)
	str("version", &c.Version)
	dur("idle_timeout", &c.IdleTimeout)
	dur("heartbeat_interval", &c.HeartbeatInterval)
	dur("call_timeout", &c.CallTimeout)
	dur("dial_timeout", &c.DialTimeout)
	dur("sweep_interval", &c.SweepInterval)
	dur("sweep_grace", &c.SweepGrace)
	num("workers", &c.Workers)
	num("replicas", &c.Replicas)
	num("weight", &c.Weight)
	if v.IsSet("ttl") {
		c.TTL = v.GetInt64("ttl")
	}
	if v.IsSet("etcd") {
		c.Etcd = splitList(v.GetString("etcd"))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the runtime cannot work with. A sweep interval that is not shorter
// than the call timeout is allowed but logged: abandoned entries then linger past their deadline
// for up to one interval plus grace.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is empty")
	}
	if _, err := codec.Parse(c.Codec); err != nil {
		return errors.Wrap(err, "config")
	}
	if _, err := loadbalance.New(c.Balancer, c.Replicas); err != nil {
		return errors.Wrap(err, "config")
	}
	for name, d := range map[string]time.Duration{
		"callTimeout":   c.CallTimeout,
		"dialTimeout":   c.DialTimeout,
		"sweepInterval": c.SweepInterval,
	} {
		if d <= 0 {
			return errors.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.SweepGrace < 0 || c.IdleTimeout < 0 || c.HeartbeatInterval < 0 {
		return errors.New("config: sweepGrace, idleTimeout and heartbeatInterval must not be negative")
	}
	if c.Weight < 0 {
		return errors.Errorf("config: weight must not be negative, got %d", c.Weight)
	}
	if c.Workers <= 0 {
		return errors.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.SweepInterval >= c.CallTimeout {
		log.Infof("sweep interval %s is not shorter than call timeout %s; abandoned calls are evicted up to %s late",
			c.SweepInterval, c.CallTimeout, c.SweepInterval+c.SweepGrace)
	}
	return nil
}

// AdvertiseAddr is the address published in the registry.
func (c *Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}

// ServerOptions maps the config onto server.Options. A zero IdleTimeout disables idle detection.
func (c *Config) ServerOptions(r metrics.Registry) server.Options {
	typ, _ := codec.Parse(c.Codec)
	idle := c.IdleTimeout
	if idle == 0 {
		idle = -1
	}
	return server.Options{
		Codec:         typ,
		IdleTimeout:   idle,
		Workers:       c.Workers,
		CallTimeout:   c.CallTimeout,
		SweepInterval: c.SweepInterval,
		SweepGrace:    c.SweepGrace,
		TTL:           c.TTL,
		Weight:        c.Weight,
		Version:       c.Version,
		Metrics:       r,
	}
}

// ClientOptions maps the config onto client.Options. A zero HeartbeatInterval disables heartbeats.
func (c *Config) ClientOptions(r metrics.Registry) (client.Options, error) {
	typ, err := codec.Parse(c.Codec)
	if err != nil {
		return client.Options{}, err
	}
	bal, err := loadbalance.New(c.Balancer, c.Replicas)
	if err != nil {
		return client.Options{}, err
	}
	heartbeat := c.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = -1
	}
	return client.Options{
		Codec:             typ,
		Balancer:          bal,
		CallTimeout:       c.CallTimeout,
		DialTimeout:       c.DialTimeout,
		HeartbeatInterval: heartbeat,
		SweepInterval:     c.SweepInterval,
		SweepGrace:        c.SweepGrace,
		Metrics:           r,
	}, nil
}
