// Package telemetry configures OpenTelemetry tracing for scans.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
	"github.com/khanhnv2901/seca-scan/internal/shared/security"
)

// TracerName is the instrumentation scope used by the scan orchestrator.
const TracerName = "github.com/khanhnv2901/seca-scan/internal/application/scan"

// Options configures the tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Writer receives one JSON line per finished span. Nil disables export.
	Writer io.Writer
}

// Provider owns the SDK tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	closer io.Closer
}

// NewProvider builds a tracer provider. Spans are always sampled.
func NewProvider(opts Options) *Provider {
	if opts.ServiceName == "" {
		opts.ServiceName = "seca-scan"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.ServiceVersion),
		attribute.String("service.component", "scanner"),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if opts.Writer != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(NewJSONExporter(opts.Writer)))
	}
	return &Provider{tp: sdktrace.NewTracerProvider(tpOpts...)}
}

// NewFileProvider appends spans to results_dir/<name>.
func NewFileProvider(resultsDir, name string, opts Options) (*Provider, error) {
	path, err := security.ResolveWithin(resultsDir, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(resultsDir, constants.DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, constants.DefaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open span file: %w", err)
	}
	opts.Writer = f
	p := NewProvider(opts)
	p.closer = f
	return p, nil
}

// Tracer returns the tracer used by the scan orchestrator.
func (p *Provider) Tracer() oteltrace.Tracer {
	return p.tp.Tracer(TracerName)
}

// TracerProvider exposes the SDK provider.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans and releases the output file.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	if p.closer != nil {
		if cerr := p.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// SpanRecord is the JSON form of an exported span.
type SpanRecord struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	DurationMS float64           `json:"duration_ms"`
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// JSONExporter writes spans as newline-delimited JSON.
type JSONExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ sdktrace.SpanExporter = (*JSONExporter)(nil)

func NewJSONExporter(w io.Writer) *JSONExporter {
	return &JSONExporter{enc: json.NewEncoder(w)}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *JSONExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range spans {
		rec := SpanRecord{
			TraceID:    s.SpanContext().TraceID().String(),
			SpanID:     s.SpanContext().SpanID().String(),
			Name:       s.Name(),
			Start:      s.StartTime().UTC(),
			End:        s.EndTime().UTC(),
			DurationMS: float64(s.EndTime().Sub(s.StartTime())) / float64(time.Millisecond),
			Status:     s.Status().Code.String(),
			Message:    s.Status().Description,
		}
		if s.Parent().IsValid() {
			rec.ParentID = s.Parent().SpanID().String()
		}
		if attrs := s.Attributes(); len(attrs) > 0 {
			rec.Attributes = make(map[string]string, len(attrs))
			for _, kv := range attrs {
				rec.Attributes[string(kv.Key)] = kv.Value.Emit()
			}
		}
		if err := e.enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *JSONExporter) Shutdown(ctx context.Context) error {
	return nil
}
