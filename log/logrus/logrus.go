// Package logrus adapts a logrus.Entry to the fpcache Logger interface.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/fpcache"
)

type Logger struct{ E *logrus.Entry }

var _ fpcache.Logger = Logger{}

func (l Logger) Debug(msg string, f fpcache.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f fpcache.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f fpcache.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f fpcache.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }
