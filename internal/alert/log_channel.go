package alert

import (
	"context"

	"optionsbot/internal/core"
)

// LogChannel writes alerts to the structured log. Always configured so that
// every alert survives somewhere even with no external channels set up.
type LogChannel struct {
	logger core.Logger
}

func NewLogChannel(logger core.Logger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alerts")}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, event core.AlertEvent) error {
	fields := []interface{}{"code", event.Code, "message", event.Message}
	for k, v := range event.Context {
		fields = append(fields, k, v)
	}

	switch event.Severity {
	case core.SeverityCritical, core.SeverityError:
		l.logger.Error("alert", fields...)
	case core.SeverityWarning:
		l.logger.Warn("alert", fields...)
	default:
		l.logger.Info("alert", fields...)
	}
	return nil
}
