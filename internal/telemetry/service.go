package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ericfitz/sessioncore/internal/slogging"
)

const instrumentationName = "github.com/ericfitz/sessioncore"

// Service owns the meter provider and the prometheus registry it exports to
type Service struct {
	config        Config
	resource      *resource.Resource
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
	provider      metric.MeterProvider
}

// NewService creates a telemetry service. With metrics disabled every
// instrument is a no-op and Handler serves 404.
func NewService(config Config) (*Service, error) {
	s := &Service{config: config, provider: noop.NewMeterProvider()}

	if err := s.initResource(); err != nil {
		return nil, fmt.Errorf("failed to initialize resource: %w", err)
	}

	if config.MetricsEnabled {
		if err := s.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return s, nil
}

func (s *Service) initResource() error {
	attrs := make([]attribute.KeyValue, 0)
	for key, value := range s.config.ResourceAttributes() {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(resource.Default().SchemaURL(), attrs...))
	if err != nil {
		return fmt.Errorf("failed to merge with default resource: %w", err)
	}
	s.resource = res
	return nil
}

func (s *Service) initMetrics() error {
	s.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(s.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	s.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(s.resource),
		sdkmetric.WithReader(exporter),
	)
	s.provider = s.meterProvider
	otel.SetMeterProvider(s.meterProvider)

	slogging.Get().Info("Metrics enabled for %s", s.config.ServiceName)
	return nil
}

// MeterProvider returns the provider instruments should be created from
func (s *Service) MeterProvider() metric.MeterProvider {
	return s.provider
}

// Meter returns the service meter
func (s *Service) Meter() metric.Meter {
	return s.provider.Meter(instrumentationName)
}

// Handler serves the prometheus exposition format
func (s *Service) Handler() http.Handler {
	if s.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// InstrumentRedis attaches connection pool and command metrics to client
func (s *Service) InstrumentRedis(client redis.UniversalClient) error {
	if s.meterProvider == nil {
		return nil
	}
	if err := redisotel.InstrumentMetrics(client, redisotel.WithMeterProvider(s.meterProvider)); err != nil {
		return fmt.Errorf("failed to instrument Redis metrics: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the meter provider
func (s *Service) Shutdown(ctx context.Context) error {
	if s.meterProvider == nil {
		return nil
	}
	if err := s.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
