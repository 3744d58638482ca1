package bootstrap

import (
	"optionsbot/internal/config"
	"optionsbot/internal/core"
	"optionsbot/pkg/logging"
	"optionsbot/pkg/telemetry"
)

// InitLogger builds the zap logger and, when metrics are enabled, the OTel
// pipeline behind it. Telemetry setup failure downgrades to console-only
// logging rather than aborting startup.
func InitLogger(cfg *config.Config, serviceName string) (core.Logger, *logging.ZapLogger, *telemetry.Telemetry, error) {
	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics {
		t, err := telemetry.Setup(serviceName)
		if err == nil {
			tel = t
		}
	}

	zapLogger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := zapLogger.WithField("service", serviceName)

	if tel != nil {
		if err := telemetry.GetGlobalMetrics().InitMetrics(telemetry.GetMeter(serviceName)); err != nil {
			logger.Warn("metrics init failed", "error", err)
		}
	}

	return logger, zapLogger, tel, nil
}
