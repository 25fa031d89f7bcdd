package telemetry

// Config controls metric export
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled bool
}

// ResourceAttributes returns the attributes attached to every metric
func (c Config) ResourceAttributes() map[string]string {
	attrs := map[string]string{
		"service.name": c.ServiceName,
	}
	if c.ServiceVersion != "" {
		attrs["service.version"] = c.ServiceVersion
	}
	if c.Environment != "" {
		attrs["deployment.environment"] = c.Environment
	}
	return attrs
}
