package config

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/sip_engine/pkg/sip/stack"
	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// Config конфигурация sipengine. Длительности задаются в миллисекундах.
type Config struct {
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	UserAgent string `yaml:"user_agent"`

	// Contact локальный контакт; пустой строится по адресу сокета
	Contact string `yaml:"contact"`

	SweepIntervalMs       int `yaml:"sweep_interval_ms"`
	RetentionMs           int `yaml:"retention_ms"`
	DialogPruneIntervalMs int `yaml:"dialog_prune_interval_ms"`

	Timers  Timers  `yaml:"timers"`
	Metrics Metrics `yaml:"metrics"`
}

// Timers базовые таймеры RFC 3261
type Timers struct {
	T1Ms int `yaml:"t1_ms"`
	T2Ms int `yaml:"t2_ms"`
	T4Ms int `yaml:"t4_ms"`
}

// Metrics HTTP endpoint для Prometheus. Пустой Listen отключает его.
type Metrics struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Listen:                "127.0.0.1:5060",
		LogLevel:              "info",
		LogFormat:             "text",
		UserAgent:             "sip-engine",
		SweepIntervalMs:       100,
		RetentionMs:           60000,
		DialogPruneIntervalMs: 1000,
		Timers: Timers{
			T1Ms: 500,
			T2Ms: 4000,
			T4Ms: 5000,
		},
		Metrics: Metrics{
			Listen: ":9090",
			Path:   "/metrics",
		},
	}
}

// Load читает YAML файл поверх значений по умолчанию и проверяет результат
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Validate проверяет значения
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errors.Wrapf(err, "listen %q", c.Listen)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return errors.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	if c.Timers.T1Ms <= 0 || c.Timers.T2Ms <= 0 || c.Timers.T4Ms <= 0 {
		return errors.Errorf("timers must be positive: t1=%d t2=%d t4=%d",
			c.Timers.T1Ms, c.Timers.T2Ms, c.Timers.T4Ms)
	}
	if c.Timers.T2Ms < c.Timers.T1Ms {
		return errors.Errorf("t2_ms (%d) must not be less than t1_ms (%d)", c.Timers.T2Ms, c.Timers.T1Ms)
	}
	if c.SweepIntervalMs <= 0 {
		return errors.Errorf("sweep_interval_ms must be positive, got %d", c.SweepIntervalMs)
	}
	if c.RetentionMs < 0 {
		return errors.Errorf("retention_ms must not be negative, got %d", c.RetentionMs)
	}
	if c.DialogPruneIntervalMs <= 0 {
		return errors.Errorf("dialog_prune_interval_ms must be positive, got %d", c.DialogPruneIntervalMs)
	}

	if c.Contact != "" {
		if _, err := c.ContactURI(); err != nil {
			return err
		}
	}
	if c.Metrics.Listen != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return nil
}

// ContactURI разбирает Contact; nil если он не задан
func (c *Config) ContactURI() (*sip.Uri, error) {
	if c.Contact == "" {
		return nil, nil
	}
	var uri sip.Uri
	if err := sip.ParseUri(c.Contact, &uri); err != nil {
		return nil, errors.Wrapf(err, "contact %q", c.Contact)
	}
	return &uri, nil
}

// TransactionConfig параметры слоя транзакций
func (c *Config) TransactionConfig() transaction.Config {
	return transaction.Config{
		Timers: transaction.NewTimers(
			ms(c.Timers.T1Ms),
			ms(c.Timers.T2Ms),
			ms(c.Timers.T4Ms),
		),
		SweepInterval: ms(c.SweepIntervalMs),
		Retention:     ms(c.RetentionMs),
	}
}

// StackConfig параметры стека
func (c *Config) StackConfig() (stack.Config, error) {
	contact, err := c.ContactURI()
	if err != nil {
		return stack.Config{}, err
	}
	return stack.Config{
		Transaction:   c.TransactionConfig(),
		PruneInterval: ms(c.DialogPruneIntervalMs),
		Contact:       contact,
		UserAgent:     c.UserAgent,
	}, nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
