package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LoadEnvFile loads SWAPCALL_ENV_FILE, or dir/.env when that exists, into the
// process environment. Variables already set win.
func LoadEnvFile(dir string) error {
	path := os.Getenv("SWAPCALL_ENV_FILE")
	if path == "" {
		path = filepath.Join(dir, ".env")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays SWAPCALL_* variables onto cfg. Unset variables leave the
// file value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}
