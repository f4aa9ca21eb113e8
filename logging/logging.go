// Package logging implements C11: structured, levelled, rotating logs,
// built on github.com/op/go-logging for console output and
// gopkg.in/natefinch/lumberjack.v2 for rotating file output, matching
// the field names of the teacher's LogConfig.
package logging

import (
	"os"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xaya/xayax/config"
)

// Logger is the package-wide logger, matching the teacher's convention
// of a single exported *logging.Logger every package logs through.
var Logger = logging.MustGetLogger("xayax")

// InitLogger configures Logger's backends from cfg. It may be called
// more than once (e.g. on config reload); each call replaces the
// previous backend set.
func InitLogger(cfg *config.LogConfig) {
	var backends []logging.Backend

	if cfg.UseConsoleLogger {
		consoleBackend := logging.NewLogBackend(os.Stderr, "", 0)
		formatted := logging.NewBackendFormatter(consoleBackend, logging.MustStringFormatter(
			`%{color}%{time:2006-01-02 15:04:05.000} %{level:.4s} %{shortfunc} ▶%{color:reset} %{message}`,
		))
		backends = append(backends, formatted)
	}

	if cfg.UseFileLogger {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxFileSizeInMB,
			MaxBackups: cfg.MaxBackupsOfLogFiles,
			MaxAge:     cfg.MaxAgeToRetainLogFilesInDays,
			Compress:   cfg.Compress,
		}
		fileBackend := logging.NewLogBackend(rotator, "", 0)
		formatted := logging.NewBackendFormatter(fileBackend, logging.MustStringFormatter(
			`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{shortfunc} ▶ %{message}`,
		))
		backends = append(backends, formatted)
	}

	if len(backends) == 0 {
		backends = append(backends, logging.NewLogBackend(os.Stderr, "", 0))
	}

	level, err := logging.LogLevel(cfg.Level)
	if err != nil {
		level = logging.INFO
	}
	leveled := logging.AddModuleLevel(logging.MultiLogger(backends...))
	leveled.SetLevel(level, "")

	logging.SetBackend(leveled)
}
