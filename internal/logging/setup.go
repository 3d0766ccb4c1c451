package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the global logrus logger. Debug level is enabled when
// DEBUG or DEV_MODE is set to a truthy value.
func Setup() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stdout)
	if DebugEnabled() {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// DebugEnabled reports whether verbose diagnostics were requested via the
// DEBUG or DEV_MODE environment variables.
func DebugEnabled() bool {
	for _, name := range []string{"DEBUG", "DEV_MODE"} {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}
