package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Format формат вывода логов
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config конфигурация логирования
type Config struct {
	Level  string `mapstructure:"level"`
	Format Format `mapstructure:"format"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole}
}

// New создает логгер и делает его глобальным для пакета zerolog/log.
// Неизвестный уровень заменяется на info.
func New(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// Component возвращает логгер компонента с полем module
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("module", name).Logger()
}
