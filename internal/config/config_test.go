package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Backend = BackendRTDB
	cfg.CredentialsFile = "/etc/courier/sa.json"
	cfg.DatabaseURL = "https://courier-test.firebaseio.example"
	cfg.SessionUID = "u1"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Backend != BackendRTDB || loaded.DatabaseURL != cfg.DatabaseURL {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.SessionUID != "u1" {
		t.Errorf("SessionUID = %q, want u1", loaded.SessionUID)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestValidateRTDBRequiredFields(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendRTDB
	if err := cfg.Validate(); err == nil {
		t.Error("rtdb backend without credentials must fail validation")
	}
	cfg.CredentialsFile = "/etc/courier/sa.json"
	if err := cfg.Validate(); err == nil {
		t.Error("rtdb backend without database_url must fail validation")
	}
	cfg.DatabaseURL = "https://courier-test.firebaseio.example"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidateUnknownBackend(t *testing.T) {
	cfg := &Config{Backend: "carrier-pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend must fail validation")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
