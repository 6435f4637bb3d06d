package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	charmlog "github.com/charmbracelet/log"

	"patientcore/internal/config"
)

// newLogger renders slog records through charmbracelet/log.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := charmlog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	formatter := charmlog.TextFormatter
	switch strings.ToLower(cfg.Format) {
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	}
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		Prefix:          "patientcore",
	})
	return slog.New(handler), nil
}
