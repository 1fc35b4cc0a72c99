package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the process logger. When opts.File is set, entries are written
// to stdout and to a rotating file.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	if strings.EqualFold(opts.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	var out io.Writer = os.Stdout
	if opts.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    positive(opts.MaxSizeMB, 50),
			MaxBackups: positive(opts.MaxBackups, 5),
			MaxAge:     positive(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, fileWriter)
	}
	logger.SetOutput(out)

	return logger
}

// Discard returns a logger that drops everything; handy for tests and
// callers that were not given a logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func Module(logger *logrus.Logger, module string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("module", module)
}

func LogError(entry *logrus.Entry, funcName string, err error, fields logrus.Fields) {
	if entry == nil || err == nil {
		return
	}
	e := entry.WithField("func", funcName).WithError(err)
	if len(fields) > 0 {
		e = e.WithFields(fields)
	}
	e.Error(err.Error())
}

func positive(v int, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
