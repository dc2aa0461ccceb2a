// Package config loads the YAML configuration of the postrpc command.
//
//	server:
//	  address: ":8080"
//	  basePath: /rpc
//	  advertiseURL: http://10.0.0.5:8080/rpc
//	  timeout: 5s
//	  rateLimit:
//	    rate: 100
//	    burst: 200
//	client:
//	  argsField: a
//	  responseFormat: json
//	  timeout: 10s
//	  balancer: RoundRobin
//	registry:
//	  etcdEndpoints: ["127.0.0.1:2379"]
//	  ttl: 10
//	logging:
//	  level: info
//	  encoding: console
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"sigs.k8s.io/yaml"

	"post-rpc/codec"
	"post-rpc/loadbalance"
	"post-rpc/protocol"
)

const (
	DefaultAddress  = ":8080"
	DefaultBasePath = "/rpc"
	DefaultTTL      = 10
	DefaultBalancer = "ConsistentHash"
)

type Config struct {
	Server   ServerConfig   `json:"server,omitempty"`
	Client   ClientConfig   `json:"client,omitempty"`
	Registry RegistryConfig `json:"registry,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

type ServerConfig struct {
	// Address is the listen address.
	Address string `json:"address,omitempty"`
	// BasePath is where the RPC root is mounted.
	BasePath string `json:"basePath,omitempty"`
	// AdvertiseURL is the base URL announced in the registry. Derived from
	// Address and BasePath when empty.
	AdvertiseURL string `json:"advertiseURL,omitempty"`
	// Timeout bounds each call. Zero disables it.
	Timeout Duration `json:"timeout,omitempty"`
	// RateLimit is off when Rate is zero.
	RateLimit RateLimitConfig `json:"rateLimit,omitempty"`
	// Filter lists hidden methods per service.
	Filter map[string][]string `json:"filter,omitempty"`
}

type RateLimitConfig struct {
	Rate  float64 `json:"rate,omitempty"`
	Burst int     `json:"burst,omitempty"`
}

type ClientConfig struct {
	ArgsField      string       `json:"argsField,omitempty"`
	ResponseFormat codec.Format `json:"responseFormat,omitempty"`
	Timeout        Duration     `json:"timeout,omitempty"`
	// Balancer picks among registry instances: RoundRobin, WeightedRandom
	// or ConsistentHash.
	Balancer string `json:"balancer,omitempty"`
}

type RegistryConfig struct {
	// EtcdEndpoints enables the etcd registry when not empty.
	EtcdEndpoints []string `json:"etcdEndpoints,omitempty"`
	// TTL is the lease TTL in seconds.
	TTL int64 `json:"ttl,omitempty"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads the YAML file at path, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path to config file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load on the file contents.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	c.Server.BasePath = strings.TrimSuffix(c.Server.BasePath, "/")
	if c.Server.AdvertiseURL == "" {
		host := c.Server.Address
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		c.Server.AdvertiseURL = "http://" + host + c.Server.BasePath
	}
	if c.Server.RateLimit.Rate > 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.Rate)
		if c.Server.RateLimit.Burst < 1 {
			c.Server.RateLimit.Burst = 1
		}
	}
	if c.Client.ArgsField == "" {
		c.Client.ArgsField = protocol.DefaultArgsField
	}
	if c.Client.ResponseFormat == "" {
		c.Client.ResponseFormat = codec.FormatJSON
	}
	if c.Client.Balancer == "" {
		c.Client.Balancer = DefaultBalancer
	}
	if c.Registry.TTL == 0 {
		c.Registry.TTL = DefaultTTL
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Client.Timeout < 0 {
		errs = append(errs, errors.New("client.timeout must not be negative"))
	}
	if c.Server.RateLimit.Rate < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rateLimit must not be negative"))
	}
	if _, err := codec.GetCodec(c.Client.ResponseFormat); err != nil {
		errs = append(errs, fmt.Errorf("client.responseFormat: %w", err))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	if c.Registry.TTL < 0 {
		errs = append(errs, errors.New("registry.ttl must not be negative"))
	}
	if err := c.Logging.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
