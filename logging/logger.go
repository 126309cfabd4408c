// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/warp/banking-ledger/config"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns a logger configured from cfg. Unknown levels fall back to
// info, unknown formats to json and unknown outputs to stdout.
func New(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	log.SetOutput(output(cfg))
	return log
}

func output(cfg config.LogConfig) io.Writer {
	switch cfg.Output {
	case "file":
		if cfg.Filename != "" {
			return fileWriter(cfg)
		}
	case "both":
		if cfg.Filename != "" {
			return io.MultiWriter(os.Stdout, fileWriter(cfg))
		}
	}
	return os.Stdout
}

// fileWriter returns a file writer with rotation
func fileWriter(cfg config.LogConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
}
