package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var snapshot = false
var scanner = false
var pointers = false
var debugger = false
var task = false
var engine = false

var (
	logOut   io.WriteCloser
	logOutMu sync.Mutex
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	logOutMu.Lock()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logOutMu.Unlock()
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Snapshot returns true if value collection should be logged.
func Snapshot() bool {
	return snapshot
}

// SnapshotLogger returns a logger for the snapshot package.
func SnapshotLogger() *logrus.Entry {
	return makeLogger(snapshot, logrus.Fields{"layer": "snapshot"})
}

// Scanner returns true if the scan package should log.
func Scanner() bool {
	return scanner
}

// ScannerLogger returns a logger for the scan package.
func ScannerLogger() *logrus.Entry {
	return makeLogger(scanner, logrus.Fields{"layer": "scanner"})
}

// Pointers returns true if the pointer search kernels should log.
func Pointers() bool {
	return pointers
}

// PointersLogger returns a logger for the pointers package.
func PointersLogger() *logrus.Entry {
	return makeLogger(pointers, logrus.Fields{"layer": "pointers"})
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

// Task returns true if trackable task transitions should be logged.
func Task() bool {
	return task
}

func TaskLogger() *logrus.Entry {
	return makeLogger(task, logrus.Fields{"layer": "task"})
}

// Engine returns true if the engine session should log.
func Engine() bool {
	return engine
}

func EngineLogger() *logrus.Entry {
	return makeLogger(engine, logrus.Fields{"layer": "engine"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags from the contents of logstr and redirects
// the output of every logger to logDest, if it is not empty.
func Setup(logFlag bool, logstr, logDest string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if logDest != "" {
		f, err := os.OpenFile(logDest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("could not open log destination: %w", err)
		}
		logOutMu.Lock()
		logOut = f
		logOutMu.Unlock()
		log.SetOutput(f)
	}
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "engine"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "snapshot":
			snapshot = true
		case "scanner":
			scanner = true
		case "pointers":
			pointers = true
		case "debugger":
			debugger = true
		case "task":
			task = true
		case "engine":
			engine = true
		case "all":
			snapshot, scanner, pointers, debugger, task, engine = true, true, true, true, true, true
		}
	}
	return nil
}

// Close closes the log destination opened by Setup, if any.
func Close() {
	logOutMu.Lock()
	defer logOutMu.Unlock()
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
