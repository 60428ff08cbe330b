package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var memproc = false
var pmaLayer = false
var terminal = false

var logOut io.WriteCloser

var textFormatterInstance = &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		var out io.Writer
		if logOut != nil {
			out = logOut
		}
		return lf(level, fields, out)
	}
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	logger.Level = level
	if logOut != nil {
		logger.Out = logOut
	}
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

// makeFlaggableLogger returns a logger that logs at debug level when flag
// is set and only reports errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Processor returns true if the memproc package should log.
func Processor() bool {
	return memproc
}

// ProcessorLogger returns a logger for the capture loop.
func ProcessorLogger() Logger {
	return makeFlaggableLogger(memproc, Fields{"layer": "memproc"})
}

// Native returns true if the process memory backend should log.
func Native() bool {
	return pmaLayer
}

// NativeLogger returns a logger for the process memory backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(pmaLayer, Fields{"layer": "pma"})
}

// Terminal returns true if the interactive inspector should log.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the interactive inspector.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets memsnap flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "memsnap-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
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
		logstr = "memproc"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "memproc":
			memproc = true
		case "pma":
			pmaLayer = true
		case "terminal":
			terminal = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
