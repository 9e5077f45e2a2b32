package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	Remote        RemoteConfig     `mapstructure:"remote" yaml:"remote"`
	Signing       SigningConfig    `mapstructure:"signing" yaml:"signing"`
	Draft         DraftConfig      `mapstructure:"draft" yaml:"draft"`
	HTTP          HTTPConfig       `mapstructure:"http" yaml:"http"`
	Navigation    NavigationConfig `mapstructure:"navigation" yaml:"navigation"`
	DevRemote     DevRemoteConfig  `mapstructure:"dev_remote" yaml:"dev_remote"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// RemoteConfig points at the remote persistence API.
type RemoteConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	Token      string `mapstructure:"token" yaml:"token"`
	Timeout    string `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// SigningConfig locates the Ed25519 key used to sign every write.
type SigningConfig struct {
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`
}

// DraftConfig controls persistence of uncommitted edits.
type DraftConfig struct {
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	Watch         bool   `mapstructure:"watch" yaml:"watch"`
	AutosaveDelay string `mapstructure:"autosave_delay" yaml:"autosave_delay"`
}

// HTTPConfig configures the local API served to the UI.
type HTTPConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Audience  string `mapstructure:"audience" yaml:"audience"`
}

// NavigationConfig controls navigation commits.
type NavigationConfig struct {
	CommunityID     string `mapstructure:"community_id" yaml:"community_id"`
	ProvisionPolicy string `mapstructure:"provision_policy" yaml:"provision_policy"`
	SpaceIDMode     string `mapstructure:"space_id_mode" yaml:"space_id_mode"`
	CascadeReset    bool   `mapstructure:"cascade_reset" yaml:"cascade_reset"`
	DefaultTabName  string `mapstructure:"default_tab_name" yaml:"default_tab_name"`
}

// DevRemoteConfig configures the in-memory development remote.
type DevRemoteConfig struct {
	Addr           string `mapstructure:"addr" yaml:"addr"`
	Token          string `mapstructure:"token" yaml:"token"`
	AssignSpaceIDs bool   `mapstructure:"assign_space_ids" yaml:"assign_space_ids"`
	HTMLNotFound   bool   `mapstructure:"html_not_found" yaml:"html_not_found"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	dir, err := defaultConfigDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Remote: RemoteConfig{
			BaseURL:    "http://127.0.0.1:8787",
			Token:      "",
			Timeout:    "15s",
			MaxRetries: 3,
		},
		Signing: SigningConfig{
			KeyFile: filepath.Join(dir, "signing.key"),
		},
		Draft: DraftConfig{
			DSN:           "file://" + filepath.Join(dir, "draft.json"),
			Watch:         true,
			AutosaveDelay: "300ms",
		},
		HTTP: HTTPConfig{
			Addr:      "127.0.0.1:8790",
			JWTSecret: "dev-secret",
			Audience:  "spacestage",
		},
		Navigation: NavigationConfig{
			CommunityID:     "",
			ProvisionPolicy: "abort",
			SpaceIDMode:     "client",
			CascadeReset:    false,
			DefaultTabName:  "Home",
		},
		DevRemote: DevRemoteConfig{
			Addr:           "127.0.0.1:8787",
			Token:          "",
			AssignSpaceIDs: false,
			HTMLNotFound:   false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	dir, err := defaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func defaultConfigDir() (string, error) {
	if dir := os.Getenv("SPACESTAGE_HOME"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "spacestage"), nil
}
