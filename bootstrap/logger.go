package bootstrap

import (
	"fmt"
	"os"

	"intelvault/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. Format "json" writes structured
// lines; anything else writes colored console output.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// LoadConfig loads the configuration before a logger exists. path may be empty.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfig reports the effective configuration at startup.
func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}
	sugar.Infow("Startup mode",
		"mode", string(cfg.StartupMode),
		"description", func() string {
			if cfg.IsGracefulMode() {
				return "will continue with degraded functionality on non-critical errors"
			}
			return "will fail fast on any initialization error"
		}())
	sugar.Infow("Config loaded",
		"backend", cfg.Storage.Backend,
		"codec", cfg.Storage.Codec,
		"data_dir", cfg.DataPaths.DataDir,
		"api_addr", cfg.Addr(),
		"tenants", len(cfg.Tenants),
		"webhooks", len(cfg.Notifications.Webhooks),
		"nats", cfg.Notifications.NATS.Enabled)
}
