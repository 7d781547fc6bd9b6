package config

// TracingConfig holds OTLP tracing configuration.
//
// Spans are exported to a local OpenTelemetry collector over OTLP
// HTTP. See internal/observability for the exporter setup.
type TracingConfig struct {
	// Enabled turns trace export on. Default: false.
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Endpoint is the collector OTLP HTTP endpoint (default: localhost:4318)
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name on exported spans (default: clack)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}
