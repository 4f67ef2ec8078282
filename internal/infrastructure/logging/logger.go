package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hilthontt/relay/internal/infrastructure/env"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Init()

	Debug(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any)
	Debugf(template string, args ...any)

	Info(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any)
	Infof(template string, args ...any)

	Warn(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any)
	Warnf(template string, args ...any)

	Error(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any)
	Errorf(template string, args ...any)

	Fatal(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any)
	Fatalf(template string, args ...any)
}

type LoggerConfig struct {
	FilePath   string
	Encoding   string
	Level      string
	Logger     string
	AppName    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func NewDefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		FilePath:   env.GetString("LOGGER_FILE_PATH", ""),
		Encoding:   env.GetString("LOGGER_ENCODING", "json"),
		Level:      env.GetString("LOGGER_LEVEL", "debug"),
		Logger:     env.GetString("LOGGER_LOGGER", "zap"),
		AppName:    env.GetString("LOGGER_APP_NAME", "relay"),
		MaxSizeMB:  env.GetInt("LOGGER_MAX_SIZE_MB", 10),
		MaxBackups: env.GetInt("LOGGER_MAX_BACKUPS", 5),
		MaxAgeDays: env.GetInt("LOGGER_MAX_AGE_DAYS", 20),
	}
}

func NewLogger(cfg *LoggerConfig) Logger {
	switch cfg.Logger {
	case "zap":
		return newZapLogger(cfg)
	case "zerolog":
		return newZeroLogger(cfg)
	case "nop":
		return NewNopLogger()
	}

	panic("logger not supported: supported loggers: [zap, zerolog, nop]")
}

// output writes to stdout and, when a file path is configured, to a rotated
// file under it as well.
func output(cfg *LoggerConfig) io.Writer {
	if cfg.FilePath == "" {
		return os.Stdout
	}

	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.FilePath, cfg.AppName+".log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
		Compress:   true,
	}

	return io.MultiWriter(os.Stdout, rotated)
}
