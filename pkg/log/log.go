// Copyright (C) 2025  Xpra-org authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package log provides the logging facility shared by all the protocol
// packages. It is a thin wrapper around logrus with formatters suitable
// for both command line and daemon output.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// init modifies the global logger instance with the desired output
// (stderr) and customized formatter.
func init() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&DaemonFormatter{})
}

// SetLevel sets the log level with a string.
// Supported levels are: FATAL, ERROR, WARNING, INFO, DEBUG, TRACE.
func SetLevel(level string) {
	switch level {
	case "FATAL", "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "ERROR", "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "WARNING", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "INFO", "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "DEBUG", "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "TRACE", "trace":
		logrus.SetLevel(logrus.TraceLevel)
	}
}

// SetOutput sets the output destination of logs.
func SetOutput(out io.Writer) {
	logrus.SetOutput(out)
}

// SetFormatter sets the log formatter.
func SetFormatter(formatter logrus.Formatter) {
	logrus.SetFormatter(formatter)
}

// IsLevelEnabled checks if the debug level is enabled.
func IsLevelEnabled(level logrus.Level) bool {
	return logrus.IsLevelEnabled(level)
}

func Tracef(format string, args ...any) {
	logrus.Tracef(format, args...)
}

func Debugf(format string, args ...any) {
	logrus.Debugf(format, args...)
}

func Infof(format string, args ...any) {
	logrus.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	logrus.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	logrus.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	logrus.Fatalf(format, args...)
}
