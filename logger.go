package txpath

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/config"
)

var logFormats = []string{"text", "json"}

// loggerSettings reads the logging.* keys. Nothing is applied, so a bad
// reload leaves the running logger alone.
func loggerSettings(c *config.C) (logrus.Level, logrus.Formatter, error) {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return 0, nil, fmt.Errorf("logging.level: %w; possible levels: %s", err, logrus.AllLevels)
	}

	noTimestamp := c.GetBool("logging.disable_timestamp", false)
	tsFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := tsFormat != ""
	if tsFormat == "" {
		tsFormat = time.RFC3339
	}

	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		return level, &logrus.TextFormatter{
			TimestampFormat:  tsFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: noTimestamp,
		}, nil
	case "json":
		return level, &logrus.JSONFormatter{
			TimestampFormat:  tsFormat,
			DisableTimestamp: noTimestamp,
		}, nil
	default:
		return 0, nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
	}
}

// configLogger applies the logging.* keys to l. At debug level and above
// the transmit path logs every dropped packet and completion.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, formatter, err := loggerSettings(c)
	if err != nil {
		return err
	}

	wasVerbose := l.IsLevelEnabled(logrus.DebugLevel)
	l.SetFormatter(formatter)
	l.SetLevel(level)
	if verbose := l.IsLevelEnabled(logrus.DebugLevel); verbose != wasVerbose {
		l.WithField("level", level).Info("Per-packet logging changed")
	}
	return nil
}
