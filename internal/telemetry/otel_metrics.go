package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/ntbqp/internal/transport"
)

const meterName = "github.com/yuuki/ntbqp"

// StatsSource supplies queue pair counters at collection time.
type StatsSource interface {
	QueueStats() []transport.QueueStats
}

// Metrics contains all the metrics instruments for a node
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Ping-pong round trip time as Histogram
	rttHistogram metric.Float64Histogram

	// Ping-pong timeout counter
	timeoutCounter metric.Int64Counter

	// Injected link flaps
	flapCounter metric.Int64Counter

	registration metric.Registration
}

// NewMetrics creates a metrics instance exporting to an OTLP collector and
// installs it as the global meter provider
func NewMetrics(ctx context.Context, nodeName, collectorAddr string, source StatsSource) (*Metrics, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	// Create OTLP exporter based on configuration
	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
		}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	m, err := NewMetricsWithReader(nodeName, sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(10*time.Second),
	), source)
	if err != nil {
		return nil, err
	}

	// Set the global meter provider
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewMetricsWithReader creates a metrics instance collected by reader. It
// is what NewMetrics uses underneath and lets callers supply a manual reader.
func NewMetricsWithReader(nodeName string, reader sdkmetric.Reader, source StatsSource) (*Metrics, error) {
	// Create a resource that identifies this node
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("ntbqp"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(nodeName),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, meter: meter}

	m.rttHistogram, err = meter.Float64Histogram(
		"ntbqp.pingpong.rtt",
		metric.WithDescription("Ping-pong round trip time in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	m.timeoutCounter, err = meter.Int64Counter(
		"ntbqp.pingpong.timeout",
		metric.WithDescription("Number of ping-pong probes that got no reply in time"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	m.flapCounter, err = meter.Int64Counter(
		"ntbqp.link.flaps",
		metric.WithDescription("Number of injected link flaps"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	if source != nil {
		if err := m.observeQueues(source); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// queueCounter pairs an observable counter with the stat it reports.
type queueCounter struct {
	name  string
	desc  string
	unit  string
	value func(transport.QueueStats) uint64
	inst  metric.Int64ObservableCounter
}

func queueCounters() []*queueCounter {
	return []*queueCounter{
		{name: "ntbqp.qp.rx.bytes", desc: "Bytes received", unit: "By", value: func(s transport.QueueStats) uint64 { return s.RxBytes }},
		{name: "ntbqp.qp.rx.packets", desc: "Frames received", unit: "{frame}", value: func(s transport.QueueStats) uint64 { return s.RxPkts }},
		{name: "ntbqp.qp.rx.no_buffer", desc: "Drain passes stalled without a posted buffer", unit: "{count}", value: func(s transport.QueueStats) uint64 { return s.RxErrNoBuf }},
		{name: "ntbqp.qp.rx.overflow", desc: "Frames larger than the posted buffer", unit: "{frame}", value: func(s transport.QueueStats) uint64 { return s.RxErrOflow }},
		{name: "ntbqp.qp.rx.stale", desc: "Frames discarded as belonging to an earlier round", unit: "{frame}", value: func(s transport.QueueStats) uint64 { return s.RxStale }},
		{name: "ntbqp.qp.rx.fast_forward", desc: "Rounds adopted from a peer that was ahead", unit: "{count}", value: func(s transport.QueueStats) uint64 { return s.RxFastForward }},
		{name: "ntbqp.qp.rx.link_down", desc: "Peer link down events", unit: "{count}", value: func(s transport.QueueStats) uint64 { return s.RxLinkDown }},
		{name: "ntbqp.qp.tx.bytes", desc: "Bytes sent", unit: "By", value: func(s transport.QueueStats) uint64 { return s.TxBytes }},
		{name: "ntbqp.qp.tx.packets", desc: "Frames sent", unit: "{frame}", value: func(s transport.QueueStats) uint64 { return s.TxPkts }},
		{name: "ntbqp.qp.tx.ring_full", desc: "Sends rejected on a full ring", unit: "{count}", value: func(s transport.QueueStats) uint64 { return s.TxRingFull }},
		{name: "ntbqp.qp.tx.link_down", desc: "Link down frames sent", unit: "{frame}", value: func(s transport.QueueStats) uint64 { return s.TxLinkDown }},
		{name: "ntbqp.qp.dma.fallbacks", desc: "DMA transfers redone with memcpy", unit: "{count}", value: func(s transport.QueueStats) uint64 { return s.DMAFallbacks }},
	}
}

// observeQueues registers one callback reporting every queue's counters,
// plus its link state, round and free tx entries as gauges.
func (m *Metrics) observeQueues(source StatsSource) error {
	counters := queueCounters()
	instruments := make([]metric.Observable, 0, len(counters)+3)
	for _, c := range counters {
		inst, err := m.meter.Int64ObservableCounter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return err
		}
		c.inst = inst
		instruments = append(instruments, inst)
	}

	linkUp, err := m.meter.Int64ObservableGauge("ntbqp.qp.link_up",
		metric.WithDescription("1 while the queue pair is up"))
	if err != nil {
		return err
	}
	round, err := m.meter.Int64ObservableGauge("ntbqp.qp.round",
		metric.WithDescription("Current link round of the queue pair"))
	if err != nil {
		return err
	}
	free, err := m.meter.Int64ObservableGauge("ntbqp.qp.tx.free_entries",
		metric.WithDescription("Frames that can be sent before the ring fills"),
		metric.WithUnit("{frame}"))
	if err != nil {
		return err
	}
	instruments = append(instruments, linkUp, round, free)

	m.registration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range source.QueueStats() {
			attrs := metric.WithAttributes(
				attribute.String("transport", s.Transport),
				attribute.Int("qp", s.QP),
			)
			for _, c := range counters {
				o.ObserveInt64(c.inst, int64(c.value(s)), attrs)
			}
			up := int64(0)
			if s.LinkUp {
				up = 1
			}
			o.ObserveInt64(linkUp, up, attrs)
			o.ObserveInt64(round, int64(s.Round), attrs)
			o.ObserveInt64(free, int64(s.TxFreeEntries), attrs)
		}
		return nil
	}, instruments...)
	return err
}

// RecordRTT records a ping-pong round trip
func (m *Metrics) RecordRTT(ctx context.Context, rtt time.Duration, qp int) {
	m.rttHistogram.Record(ctx, float64(rtt.Nanoseconds())/1_000.0, metric.WithAttributes(attribute.Int("qp", qp)))
}

// RecordTimeout records a ping-pong probe timeout
func (m *Metrics) RecordTimeout(ctx context.Context, qp int) {
	m.timeoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("qp", qp)))
}

// RecordLinkFlap records an injected link flap
func (m *Metrics) RecordLinkFlap(ctx context.Context) {
	m.flapCounter.Add(ctx, 1)
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.registration != nil {
		if err := m.registration.Unregister(); err != nil {
			return err
		}
	}
	return m.provider.Shutdown(ctx)
}

// parseCollectorAddr splits a collector address into exporter scheme and
// host:port endpoint. Schemeless addresses default to grpc.
func parseCollectorAddr(collectorAddr string) (string, string, error) {
	if !strings.Contains(collectorAddr, "://") {
		if collectorAddr == "" || strings.Contains(collectorAddr, "/") || !strings.Contains(collectorAddr, ":") {
			return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
		return "grpc", collectorAddr, nil
	}

	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}
	if parsedURL.Host == "" {
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	switch scheme {
	case "grpc", "grpcs", "http", "https":
		return scheme, parsedURL.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
}
