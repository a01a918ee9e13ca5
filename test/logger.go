package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that stays quiet unless TEST_LOGS is set. 1
// logs at info, 2 at debug and 3 at trace level, which also turns on the
// per-packet logging of the transmit path.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewCapturingLogger returns a debug level logger whose entries are kept in
// the returned hook, so tests can check which drops and warnings were
// logged. Output follows TEST_LOGS like NewLogger.
func NewCapturingLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.Level < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}
