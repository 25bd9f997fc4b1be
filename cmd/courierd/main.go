package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/ckoliveira/courier/internal/app"
	"github.com/ckoliveira/courier/internal/config"
)

func main() {
	_ = godotenv.Load()

	configFlag := flag.String("config", defaultConfigPath(), "config file path")
	sessionFlag := flag.String("session", "", "session uid (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *sessionFlag != "" {
		cfg.SessionUID = *sessionFlag
	}
	if v := os.Getenv("COURIER_CREDENTIALS_FILE"); v != "" {
		cfg.CredentialsFile = v
	}
	if v := os.Getenv("COURIER_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	fx.New(app.Module(app.Params{Config: cfg})).Run()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".courier", "config.toml")
}
