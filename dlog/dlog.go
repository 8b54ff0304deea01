package dlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging handle passed to every component. A nil *Logger is
// valid and logs through the logrus standard logger.
type Logger struct {
	entry   *logrus.Entry
	verbose bool
}

func New(logPath string, verbose bool) *Logger {
	var out io.Writer = os.Stdout
	if logPath != "" {
		logF, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logrus.Fatal("Can't open log file: ", logPath)
		}
		out = logF
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &Logger{
		entry:   logrus.NewEntry(l),
		verbose: verbose,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

func (l *Logger) e() *logrus.Entry {
	if l == nil || l.entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return l.entry
}

func (l *Logger) WithField(key string, value any) *Logger {
	v := false
	if l != nil {
		v = l.verbose
	}
	return &Logger{entry: l.e().WithField(key, value), verbose: v}
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	v := false
	if l != nil {
		v = l.verbose
	}
	return &Logger{entry: l.e().WithFields(logrus.Fields(fields)), verbose: v}
}

func (l *Logger) Println(v ...any) {
	l.e().Infoln(v...)
}

func (l *Logger) Printf(format string, v ...any) {
	l.e().Infof(format, v...)
}

func (l *Logger) Debugf(format string, v ...any) {
	l.e().Debugf(format, v...)
}

func (l *Logger) Warnf(format string, v ...any) {
	l.e().Warnf(format, v...)
}

func (l *Logger) Errorf(format string, v ...any) {
	l.e().Errorf(format, v...)
}

func (l *Logger) Fatal(v ...any) {
	l.e().Fatal(v...)
}
