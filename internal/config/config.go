package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Backend names a remote store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRTDB   Backend = "rtdb"
)

// Config represents the courier config file (~/.courier/config.toml).
type Config struct {
	// Backend selects the remote store: "memory" for local development,
	// "rtdb" for Firebase Realtime Database.
	Backend Backend `toml:"backend"`

	// CredentialsFile is the Firebase service-account JSON path. Required
	// for the rtdb backend.
	CredentialsFile string `toml:"credentials_file"`
	// DatabaseURL is the Realtime Database instance URL. Required for the
	// rtdb backend.
	DatabaseURL string `toml:"database_url"`
	// PollInterval is the subscription poll cadence in milliseconds for
	// the rtdb backend. Zero means the built-in default.
	PollInterval int `toml:"poll_interval_ms"`

	// DataDir holds the daemon lock and any local scratch state. One
	// courierd instance runs per data dir.
	DataDir string `toml:"data_dir"`
	LogPath string `toml:"log_path"`

	// Session identity, until a real sign-in flow exists.
	SessionUID   string `toml:"session_uid"`
	SessionEmail string `toml:"session_email"`
	SessionName  string `toml:"session_name"`
}

// Default returns the config used when no file exists.
func Default() *Config {
	dataDir := filepath.Join(os.TempDir(), "courier")
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".courier")
	}
	return &Config{
		Backend: BackendMemory,
		DataDir: dataDir,
		LogPath: filepath.Join(dataDir, "courierd.log"),
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks backend-specific required fields.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendRTDB:
		if c.CredentialsFile == "" {
			return fmt.Errorf("rtdb backend requires credentials_file")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("rtdb backend requires database_url")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// Save writes config to the given path, creating parent dirs as needed.
// The file holds credentials paths, so it stays owner-only.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
