package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var channel = false
var walk = false
var engine = false
var console = false

var logOut io.WriteCloser

var textFormatterInstance = &logrus.TextFormatter{
	DisableTimestamp: false,
	FullTimestamp:    true,
	TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
}

func componentLogger(component string, enabled bool) Logger {
	level := logrus.ErrorLevel
	if enabled {
		level = logrus.DebugLevel
	}
	var out io.Writer
	if logOut != nil {
		out = logOut
	}
	if lf := loggerFactory; lf != nil {
		return lf(component, level, out)
	}
	return newEntryLogger(component, level, out)
}

// Channel returns true if every exchange with the physical memory helper
// should be logged.
func Channel() bool {
	return channel
}

// ChannelLogger returns a logger for the physical channel wire traffic.
func ChannelLogger() Logger {
	return componentLogger("channel", channel)
}

// Walk returns true if page-table walks should be logged.
func Walk() bool {
	return walk
}

// WalkLogger returns a logger for the address translator.
func WalkLogger() Logger {
	return componentLogger("pagewalk", walk)
}

// Engine returns true if the memory engine should log.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the memory engine.
func EngineLogger() Logger {
	return componentLogger("kmem", engine)
}

// Console returns true if the interactive console should log.
func Console() bool {
	return console
}

// ConsoleLogger returns a logger for the interactive console.
func ConsoleLogger() Logger {
	return componentLogger("console", console)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "pmem-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return err
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "engine"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "channel":
			channel = true
		case "walk":
			walk = true
		case "engine":
			engine = true
		case "console":
			console = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
