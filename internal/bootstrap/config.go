package bootstrap

import (
	"fmt"
	"os"

	"optionsbot/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and then runs
// environment checks that schema validation cannot cover.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	// A replay feed without a tape is only acceptable when the path comes
	// from the CLI later; a configured path must exist now.
	if cfg.Feed.Kind == "replay" && cfg.Feed.ReplayFile != "" {
		if _, err := os.Stat(cfg.Feed.ReplayFile); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("replay_file not found: %s", cfg.Feed.ReplayFile)
			}
			return err
		}
	}

	// Refuse to send live orders to the production endpoint unless sandbox
	// was disabled on purpose in the config file.
	if cfg.Broker.Name == "tradier" && !cfg.Broker.Sandbox && os.Getenv("OPTIONSBOT_ALLOW_PRODUCTION") == "" {
		return fmt.Errorf("production tradier endpoint requires OPTIONSBOT_ALLOW_PRODUCTION=1")
	}

	return nil
}
