package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.fixfinder/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	User    ConfigUser    `toml:"user"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	Token   string `toml:"token"`
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// ConfigUser holds the local participant's identity.
type ConfigUser struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	AvatarURL   string `toml:"avatar_url"`
	Role        string `toml:"role"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.fixfinder, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".fixfinder")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies FIXFINDER_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	if v := os.Getenv("FIXFINDER_TOKEN"); v != "" {
		cfg.Default.Token = v
	}
	if v := os.Getenv("FIXFINDER_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("FIXFINDER_WS_URL"); v != "" {
		cfg.Default.WSURL = v
	}
	if v := os.Getenv("FIXFINDER_USER_ID"); v != "" {
		cfg.User.ID = v
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "user":
		switch field {
		case "id":
			cfg.User.ID = value
		case "display_name":
			cfg.User.DisplayName = value
		case "avatar_url":
			cfg.User.AvatarURL = value
		case "role":
			cfg.User.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [user]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, user)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "fixfinder",
	Short: "FixFinder messaging CLI",
	Long:  "Command-line interface for FixFinder conversations.\nSend messages, follow a conversation live, and drive the job lifecycle.",
}

func main() {
	// Local .env is optional; real config lives in ~/.fixfinder.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
