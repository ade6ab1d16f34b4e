// Package config loads the motionclip configuration from defaults, an
// optional YAML file, MOTIONCLIP_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMalformedConfig is wrapped by every configuration error.
var ErrMalformedConfig = errors.New("malformed configuration")

// EnvPrefix is the prefix of environment overrides, e.g.
// MOTIONCLIP_RECORDING_CONTAINER=mkv.
const EnvPrefix = "MOTIONCLIP"

// Config represents the complete configuration
type Config struct {
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Motion    MotionConfig    `mapstructure:"motion" yaml:"motion"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Display   DisplayConfig   `mapstructure:"display" yaml:"display"`
	Catalog   CatalogConfig   `mapstructure:"catalog" yaml:"catalog"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// SourceConfig describes the frame source
type SourceConfig struct {
	FallbackFPS float64 `mapstructure:"fallback_fps" yaml:"fallback_fps"` // used when the container reports no rate
}

// MotionConfig tunes detection and filtering
type MotionConfig struct {
	MinArea   float64 `mapstructure:"min_area" yaml:"min_area"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	BlurSize  int     `mapstructure:"blur_size" yaml:"blur_size"`
	BlurSigma float64 `mapstructure:"blur_sigma" yaml:"blur_sigma"`
	ROI       string  `mapstructure:"roi" yaml:"roi"` // x,y,w,h; empty means the full frame
	SelectROI bool    `mapstructure:"select_roi" yaml:"select_roi"`
}

// RecordingConfig contains recording-specific settings
type RecordingConfig struct {
	BackBufferSeconds  float64 `mapstructure:"back_buffer_seconds" yaml:"back_buffer_seconds"`
	FrontBufferSeconds float64 `mapstructure:"front_buffer_seconds" yaml:"front_buffer_seconds"`
	OutputDir          string  `mapstructure:"output_dir" yaml:"output_dir"`
	Container          string  `mapstructure:"container" yaml:"container"` // avi, mkv
	Codec              string  `mapstructure:"codec" yaml:"codec"`         // FOURCC for avi
	PerRunDir          bool    `mapstructure:"per_run_dir" yaml:"per_run_dir"`
	Annotate           bool    `mapstructure:"annotate" yaml:"annotate"`
	MinFreeMB          uint64  `mapstructure:"min_free_mb" yaml:"min_free_mb"`
	JPEGQuality        int     `mapstructure:"jpeg_quality" yaml:"jpeg_quality"` // mkv only
}

// DisplayConfig controls the preview window
type DisplayConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ScreenFraction float64       `mapstructure:"screen_fraction" yaml:"screen_fraction"`
}

// CatalogConfig selects the optional clip catalog database
type CatalogConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "", sqlite3, postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// ArchiveConfig contains MinIO upload settings
type ArchiveConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl" yaml:"use_ssl"`
	Bucket          string        `mapstructure:"bucket" yaml:"bucket"`
	Region          string        `mapstructure:"region" yaml:"region"`
	Prefix          string        `mapstructure:"prefix" yaml:"prefix"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	RemoveLocal     bool          `mapstructure:"remove_local" yaml:"remove_local"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json, console
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.fallback_fps", 30.0)

	v.SetDefault("motion.min_area", 0.0)
	v.SetDefault("motion.threshold", 22.0)
	v.SetDefault("motion.blur_size", 5)
	v.SetDefault("motion.blur_sigma", 3.0)
	v.SetDefault("motion.roi", "")
	v.SetDefault("motion.select_roi", false)

	v.SetDefault("recording.back_buffer_seconds", 2.0)
	v.SetDefault("recording.front_buffer_seconds", 2.0)
	v.SetDefault("recording.output_dir", "recordings")
	v.SetDefault("recording.container", "avi")
	v.SetDefault("recording.codec", "MJPG")
	v.SetDefault("recording.per_run_dir", true)
	v.SetDefault("recording.annotate", true)
	v.SetDefault("recording.min_free_mb", 64)
	v.SetDefault("recording.jpeg_quality", 90)

	v.SetDefault("display.enabled", true)
	v.SetDefault("display.poll_interval", 33*time.Millisecond)
	v.SetDefault("display.screen_fraction", 0.6)

	v.SetDefault("catalog.driver", "")
	v.SetDefault("catalog.dsn", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.prefix", "clips")
	v.SetDefault("archive.max_retries", 5)
	v.SetDefault("archive.retry_backoff", time.Second)
	v.SetDefault("archive.remove_local", false)
	v.SetDefault("archive.queue_size", 16)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the configuration into a validated Config. path may be empty.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformedConfig, path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError names the offending key.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrMalformedConfig
}

// Validate rejects out-of-range values; nothing is clamped.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Source.FallbackFPS <= 0 {
		invalid("source.fallback_fps", "must be positive, got %v", c.Source.FallbackFPS)
	}

	if c.Motion.MinArea < 0 {
		invalid("motion.min_area", "must not be negative, got %v", c.Motion.MinArea)
	}
	if c.Motion.Threshold < 0 || c.Motion.Threshold > 255 {
		invalid("motion.threshold", "must be within 0-255, got %v", c.Motion.Threshold)
	}
	if c.Motion.BlurSize <= 0 || c.Motion.BlurSize%2 == 0 {
		invalid("motion.blur_size", "must be a positive odd number, got %d", c.Motion.BlurSize)
	}
	if c.Motion.BlurSigma < 0 {
		invalid("motion.blur_sigma", "must not be negative, got %v", c.Motion.BlurSigma)
	}
	if _, err := ParseROI(c.Motion.ROI); err != nil {
		invalid("motion.roi", "%v", err)
	}

	if c.Recording.BackBufferSeconds < 0 {
		invalid("recording.back_buffer_seconds", "must not be negative, got %v", c.Recording.BackBufferSeconds)
	}
	if c.Recording.FrontBufferSeconds < 0 {
		invalid("recording.front_buffer_seconds", "must not be negative, got %v", c.Recording.FrontBufferSeconds)
	}
	if c.Recording.OutputDir == "" {
		invalid("recording.output_dir", "is required")
	}
	switch c.Recording.Container {
	case "avi":
		if len(c.Recording.Codec) != 4 {
			invalid("recording.codec", "must be a four character code, got %q", c.Recording.Codec)
		}
	case "mkv":
		if c.Recording.JPEGQuality < 1 || c.Recording.JPEGQuality > 100 {
			invalid("recording.jpeg_quality", "must be within 1-100, got %d", c.Recording.JPEGQuality)
		}
	default:
		invalid("recording.container", "must be avi or mkv, got %q", c.Recording.Container)
	}

	if c.Display.PollInterval <= 0 {
		invalid("display.poll_interval", "must be positive, got %v", c.Display.PollInterval)
	}
	if c.Display.ScreenFraction <= 0 || c.Display.ScreenFraction > 1 {
		invalid("display.screen_fraction", "must be within (0, 1], got %v", c.Display.ScreenFraction)
	}

	switch c.Catalog.Driver {
	case "", "sqlite3":
	case "postgres":
		if c.Catalog.DSN == "" {
			invalid("catalog.dsn", "is required for the postgres driver")
		}
	default:
		invalid("catalog.driver", "must be sqlite3 or postgres, got %q", c.Catalog.Driver)
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			invalid("archive.endpoint", "is required when archiving is enabled")
		}
		if c.Archive.Bucket == "" {
			invalid("archive.bucket", "is required when archiving is enabled")
		}
		if c.Archive.MaxRetries < 0 {
			invalid("archive.max_retries", "must not be negative, got %d", c.Archive.MaxRetries)
		}
		if c.Archive.QueueSize <= 0 {
			invalid("archive.queue_size", "must be positive, got %d", c.Archive.QueueSize)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level", "must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		invalid("log.format", "must be json or console, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// ROIRect returns the configured region of interest; the zero rectangle
// means the full frame.
func (c *Config) ROIRect() image.Rectangle {
	r, _ := ParseROI(c.Motion.ROI)
	return r
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Archive.SecretAccessKey != "" {
		c.Archive.SecretAccessKey = "********"
	}
	return c
}

// ParseROI parses "x,y,w,h". An empty string yields the zero rectangle.
func ParseROI(s string) (image.Rectangle, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return image.Rectangle{}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("want x,y,w,h, got %q", s)
	}
	var n [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("invalid number %q in %q", p, s)
		}
		n[i] = v
	}

	x, y, w, h := n[0], n[1], n[2], n[3]
	if x < 0 || y < 0 {
		return image.Rectangle{}, fmt.Errorf("origin must not be negative, got %d,%d", x, y)
	}
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, fmt.Errorf("width and height must be positive, got %dx%d", w, h)
	}
	return image.Rect(x, y, x+w, y+h), nil
}
