// Package config holds every fileferry tunable, loads overrides from YAML
// and configures logging.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/fileferry/client"
	"github.com/opd-ai/fileferry/file"
	"github.com/opd-ai/fileferry/handshake"
	"github.com/opd-ai/fileferry/session"
	"gopkg.in/yaml.v3"
)

// Retry is a fixed-cadence retry budget.
type Retry struct {
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

// Transfer tunes the chunk engines.
type Transfer struct {
	ChunkTimeout    time.Duration `yaml:"chunk_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	MaxIdleRounds   int           `yaml:"max_idle_rounds"`
	ReceiveAttempts int           `yaml:"receive_attempts"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	Fin             Retry         `yaml:"fin"`
}

// Listen holds server listen addresses. An empty address disables that
// transport; UDP is always on.
type Listen struct {
	UDP  string `yaml:"udp"`
	TCP  string `yaml:"tcp"`
	QUIC string `yaml:"quic"`
}

// TLS names PEM files for the QUIC listener. When empty a self-signed
// certificate is generated at start.
type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Log configures logrus.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Config is the complete configuration of the CLI.
type Config struct {
	Storage       string        `yaml:"storage"`
	Listen        Listen        `yaml:"listen"`
	Server        string        `yaml:"server"`
	Handshake     Retry         `yaml:"handshake"`
	Transfer      Transfer      `yaml:"transfer"`
	Poll          time.Duration `yaml:"poll"`
	MaxUploadSize int64         `yaml:"max_upload_size"`
	StreamIdle    time.Duration `yaml:"stream_idle"`
	DropRate      float64       `yaml:"drop_rate"`
	DropSeed      uint64        `yaml:"drop_seed"`
	Advertise     bool          `yaml:"advertise"`
	Instance      string        `yaml:"instance"`
	TLS           TLS           `yaml:"tls"`
	Log           Log           `yaml:"log"`
}

// Default returns the production configuration.
func Default() *Config {
	timing := file.DefaultTiming()
	retry := handshake.DefaultRetry()

	return &Config{
		Storage: "storage",
		Listen: Listen{
			UDP: ":9000",
		},
		Server:    "127.0.0.1:9000",
		Handshake: Retry{Timeout: retry.Timeout, Attempts: retry.Attempts},
		Transfer: Transfer{
			ChunkTimeout:    timing.ChunkTimeout,
			SettleDelay:     timing.SettleDelay,
			MaxIdleRounds:   timing.MaxIdleRounds,
			ReceiveAttempts: timing.ReceiveAttempts,
			DrainTimeout:    timing.DrainTimeout,
			Fin:             Retry{Timeout: timing.Fin.Timeout, Attempts: timing.Fin.Attempts},
		},
		Poll:          time.Second,
		MaxUploadSize: session.DefaultMaxUploadSize,
		StreamIdle:    30 * time.Second,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every unusable setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage == "" {
		errs = append(errs, errors.New("storage root is empty"))
	}
	if c.Listen.UDP == "" {
		errs = append(errs, errors.New("listen.udp is empty"))
	}
	errs = append(errs, c.Handshake.validate("handshake"))
	errs = append(errs, c.Transfer.Fin.validate("transfer.fin"))

	durations := map[string]time.Duration{
		"transfer.chunk_timeout": c.Transfer.ChunkTimeout,
		"transfer.drain_timeout": c.Transfer.DrainTimeout,
		"poll":                   c.Poll,
		"stream_idle":            c.StreamIdle,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Transfer.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("transfer.settle_delay must not be negative, got %s", c.Transfer.SettleDelay))
	}
	if c.Transfer.MaxIdleRounds < 1 {
		errs = append(errs, fmt.Errorf("transfer.max_idle_rounds must be at least 1, got %d", c.Transfer.MaxIdleRounds))
	}
	if c.Transfer.ReceiveAttempts < 1 {
		errs = append(errs, fmt.Errorf("transfer.receive_attempts must be at least 1, got %d", c.Transfer.ReceiveAttempts))
	}
	if c.MaxUploadSize < 0 {
		errs = append(errs, fmt.Errorf("max_upload_size must not be negative, got %d", c.MaxUploadSize))
	}
	if c.DropRate < 0 || c.DropRate >= 1 {
		errs = append(errs, fmt.Errorf("drop_rate must be in [0,1), got %g", c.DropRate))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls.cert and tls.key must be set together"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := formatter(c.Log.Format); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (r Retry) validate(name string) error {
	if r.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be positive, got %s", name, r.Timeout)
	}
	if r.Attempts < 1 {
		return fmt.Errorf("%s.attempts must be at least 1, got %d", name, r.Attempts)
	}
	return nil
}

// Retry returns the handshake retry budget.
func (c *Config) Retry() handshake.Retry {
	return handshake.Retry{Timeout: c.Handshake.Timeout, Attempts: c.Handshake.Attempts}
}

// Timing returns the chunk engine timing.
func (c *Config) Timing() file.Timing {
	return file.Timing{
		ChunkTimeout:    c.Transfer.ChunkTimeout,
		SettleDelay:     c.Transfer.SettleDelay,
		MaxIdleRounds:   c.Transfer.MaxIdleRounds,
		ReceiveAttempts: c.Transfer.ReceiveAttempts,
		DrainTimeout:    c.Transfer.DrainTimeout,
		Fin:             handshake.Retry{Timeout: c.Transfer.Fin.Timeout, Attempts: c.Transfer.Fin.Attempts},
	}
}

// ServerOptions returns the datagram server options.
func (c *Config) ServerOptions() session.Options {
	return session.Options{
		Timing:        c.Timing(),
		Handshake:     c.Retry(),
		Poll:          c.Poll,
		MaxUploadSize: c.MaxUploadSize,
	}
}

// ClientOptions returns the datagram client options.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		Timing:    c.Timing(),
		Handshake: c.Retry(),
	}
}
