// file: logger/logger.go

package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the application-wide logger. It is usable before Init is called so
// packages that log during tests never dereference a nil logger.
var Log = logrus.New()

// Init sets up the logger with the defaults used by the server: JSON output
// on stdout at info level.
func Init() {
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	Log.SetLevel(logrus.InfoLevel)
}

// Configure applies the level and format from the loaded configuration.
// Unknown levels fall back to info; any format other than "text" is JSON.
func Configure(level, format string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		Log.WithField("level", level).Warn("Unknown log level, falling back to info")
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
