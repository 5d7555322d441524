package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used by pmem packages. Every component
// has its own, see ChannelLogger, WalkLogger, EngineLogger and
// ConsoleLogger.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory builds the Logger of a component. out is nil unless logs
// were redirected by Setup.
type LoggerFactory func(component string, level logrus.Level, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus backed default for every component
// logger created afterwards. A nil factory restores the default.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

type entryLogger struct {
	*logrus.Entry
}

func newEntryLogger(component string, level logrus.Level, out io.Writer) Logger {
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	logger.Level = level
	if out != nil {
		logger.Out = out
	}
	return entryLogger{logger.WithField("layer", component)}
}

func (l entryLogger) WithField(key string, value interface{}) Logger {
	return entryLogger{l.Entry.WithField(key, value)}
}

func (l entryLogger) WithError(err error) Logger {
	return entryLogger{l.Entry.WithError(err)}
}
