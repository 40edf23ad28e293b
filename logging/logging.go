package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes how the logger writes
type Config struct {
	Level  string
	Format string
	// File switches output from stdout to a rolling log file
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// ParseLevel parses a case-insensitive level name, falling back to info
func ParseLevel(level string) (logrus.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return logrus.TraceLevel, true
	case "DEBUG":
		return logrus.DebugLevel, true
	case "INFO":
		return logrus.InfoLevel, true
	case "WARN", "WARNING":
		return logrus.WarnLevel, true
	case "ERROR":
		return logrus.ErrorLevel, true
	case "FATAL":
		return logrus.FatalLevel, true
	case "PANIC":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

// New builds a logger from cfg
func New(cfg Config) (*logrus.Logger, error) {
	level, ok := ParseLevel(cfg.Level)
	if !ok && cfg.Level != "" {
		return nil, fmt.Errorf("logging: unknown level '%s'", cfg.Level)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unknown format '%s'", cfg.Format)
	}

	logger.SetOutput(Writer(cfg))
	return logger, nil
}

// Writer returns stdout, or a rolling file writer when cfg.File is set
func Writer(cfg Config) io.Writer {
	if cfg.File == "" {
		return os.Stdout
	}
	return BuildRollingLogFileWriter(cfg)
}

// BuildRollingLogFileWriter creates a size and age bounded log file writer
func BuildRollingLogFileWriter(cfg Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,  // megabytes
		MaxAge:     cfg.MaxAgeDays, // days
		MaxBackups: cfg.MaxBackups, // num of files
		LocalTime:  true,
		Compress:   false,
	}
}
