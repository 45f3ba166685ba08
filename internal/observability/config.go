package observability

// Config holds OpenTelemetry configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string `koanf:"exporter"`

	// OTLP collector endpoint (for otlp exporter)
	Endpoint string `koanf:"endpoint"`

	ServiceName string `koanf:"service_name"`

	// Trace sampling rate (0.0 to 1.0)
	SampleRate float64 `koanf:"sample_rate"`

	MetricsEnabled bool `koanf:"metrics_enabled"`
	TracesEnabled  bool `koanf:"traces_enabled"`
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:    "none",
		Endpoint:    "localhost:4317",
		ServiceName: "tableside",
		SampleRate:  1.0,
	}
}

// ShouldEnable returns true if OTel should be initialized.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "" && c.Exporter != "none"
}
