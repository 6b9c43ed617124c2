package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for the stasis client.
type Config struct {
	DeviceID    string            `toml:"device_id"`
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	Crates      CratesConfig      `toml:"crates"`
	Database    DatabaseConfig    `toml:"database"`
	Staging     StagingConfig     `toml:"staging"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Compression CompressionConfig `toml:"compression"`
	Backup      BackupConfig      `toml:"backup"`
	Monitoring  PollingConfig     `toml:"monitoring"`
	Commands    PollingConfig     `toml:"commands"`
	State       StateConfig       `toml:"state"`
}

// CratesConfig represents configuration for the crate storage backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CratesConfig struct {
	Type string `toml:"type"` // "filesystem", "memory" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// Static credentials; the default AWS credential chain is used when empty.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// DatabaseConfig represents configuration for the local dataset database.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig holds the directory temporary part files are written to.
type StagingConfig struct {
	Dir string `toml:"dir"`
}

// EncryptionConfig describes where the passphrase-protected device secret lives.
type EncryptionConfig struct {
	Type       string `toml:"type"` // "age" (default) or "memory"
	SecretPath string `toml:"secret_path"`
	KeySize    int    `toml:"key_size"` // 16 or 32 bytes
}

// CompressionConfig selects the compressor applied to file content.
type CompressionConfig struct {
	Default            string   `toml:"default"` // "deflate", "gzip", "zstd" or "none"
	DisabledExtensions []string `toml:"disabled_extensions"`
}

// BackupConfig holds pipeline settings.
type BackupConfig struct {
	MaxPartSize      int64  `toml:"max_part_size"`
	MaxPlaintextSize int64  `toml:"max_plaintext_size"`
	Parallelism      int    `toml:"parallelism"`
	Checksum         string `toml:"checksum"` // "sha256", "crc32" or "xxhash"
	RulesPath        string `toml:"rules_path"`
}

// PollingConfig configures a periodic background task.
type PollingConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Interval     time.Duration `toml:"interval"`
}

// StateConfig configures the retained state versions store.
type StateConfig struct {
	Dir              string `toml:"dir"`
	RetainedVersions int    `toml:"retained_versions"`
}

const (
	DefaultMaxPartSize      int64 = 16 << 20
	DefaultMaxPlaintextSize int64 = 64 << 20
)

// NewConfig creates a new Config with the provided values and defaults for everything else.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Crates: CratesConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "crates"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Staging: StagingConfig{
			Dir: filepath.Join(baseDir, "staging"),
		},
		Encryption: EncryptionConfig{
			Type:       "age",
			SecretPath: filepath.Join(baseDir, "keys", "device.secret"),
			KeySize:    32,
		},
		Compression: CompressionConfig{
			Default:            "gzip",
			DisabledExtensions: []string{"gz", "zip", "zst", "7z", "jpg", "jpeg", "png", "mp3", "mp4", "mkv"},
		},
		Backup: BackupConfig{
			MaxPartSize:      DefaultMaxPartSize,
			MaxPlaintextSize: DefaultMaxPlaintextSize,
			Parallelism:      4,
			Checksum:         "sha256",
			RulesPath:        filepath.Join(baseDir, "rules"),
		},
		Monitoring: PollingConfig{
			InitialDelay: 5 * time.Second,
			Interval:     time.Minute,
		},
		Commands: PollingConfig{
			InitialDelay: 10 * time.Second,
			Interval:     5 * time.Minute,
		},
		State: StateConfig{
			Dir:              filepath.Join(baseDir, "state"),
			RetainedVersions: 3,
		},
	}
}

// Validate checks settings that would otherwise fail deep inside an operation.
func (c *Config) Validate() error {
	var errs []error

	if c.Backup.MaxPartSize <= 0 {
		errs = append(errs, fmt.Errorf("backup.max_part_size must be positive, got %d", c.Backup.MaxPartSize))
	}
	if c.Backup.MaxPlaintextSize > 0 && c.Backup.MaxPartSize > c.Backup.MaxPlaintextSize {
		errs = append(errs, fmt.Errorf("backup.max_part_size (%d) exceeds backup.max_plaintext_size (%d)",
			c.Backup.MaxPartSize, c.Backup.MaxPlaintextSize))
	}
	if c.Backup.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("backup.parallelism must be at least 1, got %d", c.Backup.Parallelism))
	}
	if c.Encryption.KeySize != 16 && c.Encryption.KeySize != 32 {
		errs = append(errs, fmt.Errorf("encryption.key_size must be 16 or 32, got %d", c.Encryption.KeySize))
	}
	if c.State.RetainedVersions < 2 {
		errs = append(errs, fmt.Errorf("state.retained_versions must be at least 2, got %d", c.State.RetainedVersions))
	}

	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes a new config file, refusing to overwrite an existing one.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
