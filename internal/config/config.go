package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort      = 3000
	DefaultBaseURL   = "https://api.2hz.ai/v2"
	DefaultTunnelAPI = "http://127.0.0.1:4040"
	DefaultLogLevel  = "info"
)

var (
	ErrMissingAccountID   = errors.New("account id is required")
	ErrMissingAccountKey  = errors.New("account key is required")
	ErrMissingDownloadDir = errors.New("download directory is required when download is enabled")
	ErrInvalidPort        = errors.New("port must be between 0 and 65535")
	ErrEphemeralPort      = errors.New("port 0 requires public_url, the tunnel must know the listening port")
)

// Error reports one or more configuration problems. Err joins every
// individual problem so callers can match them with errors.Is.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.ReplaceAll(e.Err.Error(), "\n", "; ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Credentials struct {
	AccountID  string
	AccountKey string
}

type Config struct {
	AccountID   string `toml:"account_id"`
	AccountKey  string `toml:"account_key"`
	Port        int    `toml:"port"`
	Download    bool   `toml:"download"`
	DownloadDir string `toml:"download_dir"`
	LogLevel    string `toml:"log_level"`
	BaseURL     string `toml:"base_url"`
	TunnelAPI   string `toml:"tunnel_api"`
	PublicURL   string `toml:"public_url"`
}

func Default() Config {
	return Config{
		Port:      DefaultPort,
		LogLevel:  DefaultLogLevel,
		BaseURL:   DefaultBaseURL,
		TunnelAPI: DefaultTunnelAPI,
	}
}

func (c Config) Credentials() Credentials {
	return Credentials{AccountID: c.AccountID, AccountKey: c.AccountKey}
}

// Validate returns a *Error describing every problem found, or nil.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AccountID) == "" {
		errs = append(errs, ErrMissingAccountID)
	}
	if strings.TrimSpace(c.AccountKey) == "" {
		errs = append(errs, ErrMissingAccountKey)
	}
	if c.Download && strings.TrimSpace(c.DownloadDir) == "" {
		errs = append(errs, ErrMissingDownloadDir)
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port))
	}
	if c.Port == 0 && strings.TrimSpace(c.PublicURL) == "" {
		errs = append(errs, ErrEphemeralPort)
	}

	if len(errs) == 0 {
		return nil
	}
	return &Error{Err: errors.Join(errs...)}
}

// Load reads a TOML config file on top of the defaults. A missing file is
// only an error when required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("parse config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// ApplyEnv overlays KRISP_* environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup("KRISP_ACCOUNT_ID"); ok && v != "" {
		c.AccountID = v
	}
	if v, ok := lookup("KRISP_ACCOUNT_KEY"); ok && v != "" {
		c.AccountKey = v
	}
	if v, ok := lookup("KRISP_DOWNLOAD_DIR"); ok && v != "" {
		c.DownloadDir = v
	}
	if v, ok := lookup("KRISP_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("KRISP_BASE_URL"); ok && v != "" {
		c.BaseURL = v
	}
	if v, ok := lookup("KRISP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse KRISP_PORT %q: %w", v, err)
		}
		c.Port = port
	}

	return nil
}
