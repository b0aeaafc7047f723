package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MustLoad loads the configuration from environment variables and .env file.
func MustLoad[T any](cfg T) {
	_ = godotenv.Load()

	env.Must(cfg, env.Parse(cfg))
}

// Load loads the configuration from environment variables and .env file.
// A missing .env file is not an error.
func Load[T any](cfg T, files ...string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return err
		}
	} else {
		_ = godotenv.Load()
	}

	return env.Parse(cfg)
}

// Config holds the configuration of the market service.
type Config struct {
	ServiceName  string `env:"SERVICE_NAME" envDefault:"limit-market"`
	Port         int    `env:"PORT" envDefault:"8080"`
	MetricsPort  int    `env:"METRICS_PORT" envDefault:"9090"`
	GinMode      string `env:"GIN_MODE" envDefault:"release"`
	HistoryLimit int    `env:"HISTORY_LIMIT" envDefault:"100"` // trades loaded per unit of work
	QueueSize    int    `env:"QUEUE_SIZE" envDefault:"4096"`

	NATSConfig `envPrefix:"NATS_"`
	OTelConfig `envPrefix:"OTEL_"`
}

// NATSConfig configures the event sink. An empty URL disables it.
type NATSConfig struct {
	URL     string `env:"URL"`
	Subject string `env:"SUBJECT" envDefault:"market.events"`
}

// OTelConfig configures trace export.
type OTelConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	Endpoint string `env:"EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}
