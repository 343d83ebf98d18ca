package griddisco

import (
	"os"

	"github.com/sirupsen/logrus"
)

// newLogger builds the per-instance logger used across the core. Every line
// carries the owning node's instance name, mirroring helix/trace.go's
// log.WithField("CALLBACK", ...) idiom.
func newLogger(instanceName, level string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log.WithField("node", instanceName)
}

// component scopes a logger to a single core component, e.g.
// logger.WithField("component", "coordinator").
func component(logger *logrus.Entry, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
