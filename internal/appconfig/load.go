package appconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/spacestage/internal/navstage"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. SPACESTAGE_REMOTE_BASE_URL
// for remote.base_url.
const EnvPrefix = "SPACESTAGE"

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.token", cfg.Remote.Token)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.max_retries", cfg.Remote.MaxRetries)
	v.SetDefault("signing.key_file", cfg.Signing.KeyFile)
	v.SetDefault("draft.dsn", cfg.Draft.DSN)
	v.SetDefault("draft.watch", cfg.Draft.Watch)
	v.SetDefault("draft.autosave_delay", cfg.Draft.AutosaveDelay)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.jwt_secret", cfg.HTTP.JWTSecret)
	v.SetDefault("http.audience", cfg.HTTP.Audience)
	v.SetDefault("navigation.community_id", cfg.Navigation.CommunityID)
	v.SetDefault("navigation.provision_policy", cfg.Navigation.ProvisionPolicy)
	v.SetDefault("navigation.space_id_mode", cfg.Navigation.SpaceIDMode)
	v.SetDefault("navigation.cascade_reset", cfg.Navigation.CascadeReset)
	v.SetDefault("navigation.default_tab_name", cfg.Navigation.DefaultTabName)
	v.SetDefault("dev_remote.addr", cfg.DevRemote.Addr)
	v.SetDefault("dev_remote.token", cfg.DevRemote.Token)
	v.SetDefault("dev_remote.assign_space_ids", cfg.DevRemote.AssignSpaceIDs)
	v.SetDefault("dev_remote.html_not_found", cfg.DevRemote.HTMLNotFound)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else if v.GetInt("config_version") != CurrentConfigVersion {
		return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values viper cannot type-check on its own.
func Validate(cfg Config) error {
	if _, err := cfg.RemoteTimeout(); err != nil {
		return fmt.Errorf("remote.timeout: %w", err)
	}
	if _, err := cfg.AutosaveDelay(); err != nil {
		return fmt.Errorf("draft.autosave_delay: %w", err)
	}
	baseURL := strings.TrimSpace(cfg.Remote.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("remote.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	if _, err := navstage.ParseProvisionPolicy(cfg.Navigation.ProvisionPolicy); err != nil {
		return fmt.Errorf("navigation.provision_policy: %w", err)
	}
	if _, err := navstage.ParseSpaceIDMode(cfg.Navigation.SpaceIDMode); err != nil {
		return fmt.Errorf("navigation.space_id_mode: %w", err)
	}
	return nil
}

// RemoteTimeout parses remote.timeout. Empty means no timeout.
func (c Config) RemoteTimeout() (time.Duration, error) {
	return parseDuration(c.Remote.Timeout)
}

func (c Config) AutosaveDelay() (time.Duration, error) {
	return parseDuration(c.Draft.AutosaveDelay)
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", value)
	}
	return d, nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Remote.Token = expandEnv(cfg.Remote.Token)
	cfg.Signing.KeyFile = expandEnv(cfg.Signing.KeyFile)
	cfg.Draft.DSN = expandEnv(cfg.Draft.DSN)
	cfg.HTTP.JWTSecret = expandEnv(cfg.HTTP.JWTSecret)
	cfg.DevRemote.Token = expandEnv(cfg.DevRemote.Token)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
