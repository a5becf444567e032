package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix marks the environment variables Load reads.
const EnvPrefix = "BITTORRENT_"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	PeerID         string        `mapstructure:"peer_id"`
	Port           uint16        `mapstructure:"port"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	TrackerTimeout time.Duration `mapstructure:"tracker_timeout"`
	LogLevel       string        `mapstructure:"log_level"`
	Progress       bool          `mapstructure:"progress"`
}

func Default() Config {
	return Config{
		Port:           6881,
		DialTimeout:    3 * time.Second,
		IdleTimeout:    2 * time.Minute,
		TrackerTimeout: 15 * time.Second,
		LogLevel:       "info",
		Progress:       true,
	}
}

// Load overlays BITTORRENT_* entries of environ, in KEY=value form, on the
// defaults. Unknown BITTORRENT_ keys are rejected.
func Load(environ []string) (Config, error) {
	values := make(map[string]any)
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		values[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))] = value
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(values); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if n := len(c.PeerID); n != 0 && n != 20 {
		return fmt.Errorf("%w: peer id must be 20 bytes, got %d", ErrInvalidConfig, n)
	}
	if c.DialTimeout < 0 || c.IdleTimeout < 0 || c.TrackerTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Level is the parsed LogLevel. Validate has already rejected bad values.
func (c Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
