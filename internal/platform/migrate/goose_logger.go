package migrate

import (
	"fmt"
	"log/slog"
	"strings"
)

// gooseLogger forwards goose progress lines to slog under the migrate component.
type gooseLogger struct {
	logger *slog.Logger
}

func newGooseLogger(logger *slog.Logger) gooseLogger {
	if logger != nil {
		logger = logger.With("component", "migrate")
	}
	return gooseLogger{logger: logger}
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Info(gooseMessage(format, v...))
}

// Fatalf logs at error level and leaves shutdown to the caller, which sees the
// error returned from goose.
func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Error(gooseMessage(format, v...))
}

func gooseMessage(format string, v ...interface{}) string {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	return strings.TrimPrefix(msg, "goose: ")
}
