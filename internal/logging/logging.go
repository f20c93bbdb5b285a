// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/autotraficgen/proxypool/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup applies cfg to the standard logger. The returned closer flushes the
// rotating file, if one was opened.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	return Configure(log.StandardLogger(), cfg, os.Stdout)
}

// Configure applies cfg to logger, writing to stdout and, when cfg.File is set, a rotating file.
func Configure(logger *log.Logger, cfg config.LogConfig, stdout io.Writer) (io.Closer, error) {
	level := log.InfoLevel
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, errLevel := log.ParseLevel(raw)
		if errLevel != nil {
			return nil, fmt.Errorf("logging: %w", errLevel)
		}
		level = parsed
	}
	logger.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	}

	file := strings.TrimSpace(cfg.File)
	if file == "" {
		logger.SetOutput(stdout)
		return io.NopCloser(nil), nil
	}
	if errMkdir := os.MkdirAll(filepath.Dir(file), 0o755); errMkdir != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", errMkdir)
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(stdout, rotator))
	return rotator, nil
}
