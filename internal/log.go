package internal

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. Quiet mode suppresses everything
// below error so the progress bar owns the terminal.
func NewLogger(level string, quiet bool, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if out != nil {
		logger.SetOutput(out)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if quiet {
		lvl = logrus.ErrorLevel
	}
	logger.SetLevel(lvl)
	return logger
}
