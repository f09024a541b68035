// Package logger builds the process logger from configuration.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/internal/config"
)

// New returns a logger writing to out, or stderr when out is nil.
func New(c config.Log, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(level)

	switch c.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)
	return l, nil
}
