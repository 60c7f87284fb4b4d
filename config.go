package plansync

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for one sync process: a device
// identity, the engine cadence, the relay endpoint, and the provider
// fallback chain.
type Config struct {
	// UserID is the opaque identity all devices of one user share.
	UserID string `json:"user_id" yaml:"user_id"`

	// DeviceID identifies this device. Generated when empty.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// DeviceInfo is advertised to peers in device listings.
	DeviceInfo DeviceInfo `json:"device_info" yaml:"device_info"`

	// SyncPrefixes limits which keys are synced; empty syncs everything.
	SyncPrefixes []string `json:"sync_prefixes" yaml:"sync_prefixes"`

	// DisableCompression turns off snappy compression of provider blobs.
	DisableCompression bool `json:"disable_compression" yaml:"disable_compression"`

	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Selector    SelectorConfig    `json:"selector" yaml:"selector"`
	RelayClient RelayClientConfig `json:"relay_client" yaml:"relay_client"`
	RelayServer RelayServerConfig `json:"relay_server" yaml:"relay_server"`
	Providers   ProvidersConfig   `json:"providers" yaml:"providers"`
	Encryption  EncryptionConfig  `json:"encryption" yaml:"encryption"`
}

// ProvidersConfig declares the provider fallback chain. A nil entry leaves
// that back-end out of the chain entirely.
type ProvidersConfig struct {
	S3     *S3ProviderConfig     `json:"s3,omitempty" yaml:"s3,omitempty"`
	SQLite *SQLiteProviderConfig `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	File   *FileProviderConfig   `json:"file,omitempty" yaml:"file,omitempty"`
}

// DefaultConfig returns a configuration with every cadence defaulted and no
// providers declared.
func DefaultConfig() Config {
	return Config{
		Engine:      DefaultEngineConfig(),
		Selector:    DefaultSelectorConfig(),
		RelayClient: DefaultRelayClientConfig(),
		RelayServer: DefaultRelayServerConfig(),
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required fields and fills the device identity.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("config: user_id is required")
	}
	if c.DeviceID == "" {
		c.DeviceID = generateDeviceID()
	}
	return nil
}

// generateDeviceID produces a random 16-hex-char device identity.
func generateDeviceID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("device-%d", time.Now().UnixNano())
	}
	return "device-" + hex.EncodeToString(buf)
}

// descriptors builds the fallback chain from the declared providers, sorted
// later by the selector.
func (c *Config) descriptors(codec *SnapshotCodec) []ProviderDescriptor {
	var out []ProviderDescriptor
	if s3cfg := c.Providers.S3; s3cfg != nil {
		priority := s3cfg.Priority
		if priority == 0 {
			priority = 10
		}
		cfg := *s3cfg
		out = append(out, ProviderDescriptor{
			Name:     "s3",
			Priority: priority,
			New:      func() (Provider, error) { return NewS3Provider(cfg, codec) },
		})
	}
	if sqliteCfg := c.Providers.SQLite; sqliteCfg != nil {
		priority := sqliteCfg.Priority
		if priority == 0 {
			priority = 20
		}
		cfg := *sqliteCfg
		out = append(out, ProviderDescriptor{
			Name:     "sqlite",
			Priority: priority,
			New:      func() (Provider, error) { return NewSQLiteProvider(cfg, codec) },
		})
	}
	if fileCfg := c.Providers.File; fileCfg != nil {
		priority := fileCfg.Priority
		if priority == 0 {
			priority = 30
		}
		cfg := *fileCfg
		out = append(out, ProviderDescriptor{
			Name:     "file",
			Priority: priority,
			New:      func() (Provider, error) { return NewFileProvider(cfg, codec) },
		})
	}
	return out
}

// New assembles a ready-to-start engine from a configuration: store, codec,
// provider selector, and relay client (when a relay URL is set).
func New(config Config) (*SyncEngine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	encryptor, err := NewEncryptor(config.Encryption)
	if err != nil {
		return nil, err
	}
	codec := NewSnapshotCodec(!config.DisableCompression, encryptor)

	store := NewSnapshotStore(SnapshotStoreConfig{
		DeviceID:     config.DeviceID,
		SyncPrefixes: config.SyncPrefixes,
	})

	selector := NewSelector(config.Selector, config.descriptors(codec))

	var relay *RelayClient
	if config.RelayClient.URL != "" {
		rc := config.RelayClient
		rc.UserID = config.UserID
		rc.DeviceID = config.DeviceID
		rc.DeviceInfo = config.DeviceInfo
		relay = NewRelayClient(rc)
	}

	engineCfg := config.Engine
	engineCfg.UserID = config.UserID
	return NewSyncEngine(engineCfg, store, selector, relay), nil
}
