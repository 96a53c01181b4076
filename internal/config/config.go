// Package config loads the smartpantry configuration: a JSON file whose
// fields are all optional, overridden by SMARTPANTRY_* environment variables
// and validated before anything starts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/region"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SMARTPANTRY_"

// Duration is a time.Duration written as a string like "250ms" in JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StoreConfig selects the ledger database.
type StoreConfig struct {
	Driver string `json:"driver" validate:"oneof=sqlite postgres"`
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `json:"dsn"`
}

// RetryConfig bounds how the driver retries a frame whose append failed.
type RetryConfig struct {
	Attempts      int      `json:"attempts" validate:"gte=1,lte=100"`
	Backoff       Duration `json:"backoff"`
	AppendTimeout Duration `json:"append_timeout"`
}

// RedisConfig enables the redis mirror when Addr is set.
type RedisConfig struct {
	Addr         string `json:"addr" validate:"omitempty,hostname_port"`
	Password     string `json:"password"`
	DB           int    `json:"db" validate:"gte=0"`
	Stream       string `json:"stream" validate:"required"`
	InventoryKey string `json:"inventory_key" validate:"required"`
	StreamMaxLen int64  `json:"stream_max_len" validate:"gte=0"`
}

// CaptureConfig configures the live camera source.
type CaptureConfig struct {
	// Device is a camera index ("0") or a video file path.
	Device          string   `json:"device"`
	MotionThreshold float64  `json:"motion_threshold" validate:"gte=0,lte=1"`
	IdleInterval    Duration `json:"idle_interval"`
	ActiveInterval  Duration `json:"active_interval"`
	// OpticalFlow feeds a Lucas-Kanade hint to the correlator.
	OpticalFlow bool `json:"optical_flow"`
}

// DetectorConfig configures the external detector process.
type DetectorConfig struct {
	Command     string   `json:"command" validate:"required"`
	IdleTimeout Duration `json:"idle_timeout"`
}

// Config is the complete runtime configuration.
type Config struct {
	RegionScheme        string         `json:"region_scheme" validate:"oneof=binary quadrant"`
	ConfidenceThreshold float64        `json:"confidence_threshold" validate:"gte=0,lte=1"`
	TransitionSignTable map[string]int `json:"transition_sign_table"`
	GraceFrames         int            `json:"grace_frames" validate:"gte=0,lte=1000"`
	Predictor           string         `json:"predictor" validate:"oneof=none kalman"`
	Workers             int            `json:"workers" validate:"gte=1,lte=64"`
	HTTPAddr            string         `json:"http_addr"`

	Store    StoreConfig    `json:"store"`
	Retry    RetryConfig    `json:"retry"`
	Log      logging.Config `json:"log"`
	Redis    RedisConfig    `json:"redis"`
	Capture  CaptureConfig  `json:"capture"`
	Detector DetectorConfig `json:"detector"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RegionScheme:        string(region.Binary),
		ConfidenceThreshold: 0.6,
		GraceFrames:         0,
		Predictor:           "none",
		Workers:             2,
		HTTPAddr:            ":8080",
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(DefaultDataDir(), "smartpantry.db"),
		},
		Retry: RetryConfig{
			Attempts:      5,
			Backoff:       Duration(200 * time.Millisecond),
			AppendTimeout: Duration(5 * time.Second),
		},
		Log: logging.DefaultConfig(),
		Redis: RedisConfig{
			Stream:       "smartpantry:transactions",
			InventoryKey: "smartpantry:inventory",
			StreamMaxLen: 10000,
		},
		Capture: CaptureConfig{
			Device:          "0",
			MotionThreshold: 0.02,
			IdleInterval:    Duration(200 * time.Millisecond),
			ActiveInterval:  Duration(33 * time.Millisecond),
			OpticalFlow:     true,
		},
		Detector: DetectorConfig{
			Command:     "python3 scripts/detector_service.py",
			IdleTimeout: Duration(30 * time.Second),
		},
	}
}

// DefaultDataDir returns ~/.smartpantry, or the working directory when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".smartpantry")
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the JSON file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 << 20
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from SMARTPANTRY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("REGION_SCHEME", &c.RegionScheme)
	str("PREDICTOR", &c.Predictor)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("CAPTURE_DEVICE", &c.Capture.Device)
	str("DETECTOR_COMMAND", &c.Detector.Command)

	if v, ok := lookup(EnvPrefix + "CONFIDENCE_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sCONFIDENCE_THRESHOLD: %w", EnvPrefix, err)
		}
		c.ConfidenceThreshold = f
	}
	if v, ok := lookup(EnvPrefix + "GRACE_FRAMES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sGRACE_FRAMES: %w", EnvPrefix, err)
		}
		c.GraceFrames = n
	}
	if v, ok := lookup(EnvPrefix + "WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", EnvPrefix, err)
		}
		c.Workers = n
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field ranges and builds the transition sign table.
// Every error here is fatal at startup.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Retry.Backoff < 0 {
		return errors.New("retry.backoff must not be negative")
	}
	if c.Retry.AppendTimeout <= 0 {
		return errors.New("retry.append_timeout must be positive")
	}
	if _, err := c.SignTable(); err != nil {
		return err
	}
	return nil
}

// Scheme returns the configured region scheme.
func (c *Config) Scheme() (region.Scheme, error) {
	return region.ParseScheme(c.RegionScheme)
}

// SignTable builds the validated transition sign table for the scheme.
func (c *Config) SignTable() (region.Table, error) {
	scheme, err := c.Scheme()
	if err != nil {
		return region.Table{}, err
	}
	return region.NewTable(scheme, c.TransitionSignTable)
}

// DetectorArgs splits the detector command line into program and arguments.
func (c *Config) DetectorArgs() []string {
	return strings.Fields(c.Detector.Command)
}
