package export

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/foresturquhart/searchexport/export"

type exportMetrics struct {
	pages     metric.Int64Counter
	documents metric.Int64Counter
	retries   metric.Int64Counter
}

// newExportMetrics binds counters to the global meter provider, which is a no-op until
// the process installs one.
func newExportMetrics() *exportMetrics {
	meter := otel.Meter(meterName)

	return &exportMetrics{
		pages:     counter(meter, "searchexport.pages", "Pages fetched and written"),
		documents: counter(meter, "searchexport.documents", "Documents written to staging files"),
		retries:   counter(meter, "searchexport.fetch_retries", "Page fetches retried after a transient failure"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *exportMetrics) recordPage(ctx context.Context, index string, documents int) {
	attrs := metric.WithAttributes(attribute.String("index", index))
	m.pages.Add(ctx, 1, attrs)
	m.documents.Add(ctx, int64(documents), attrs)
}

func (m *exportMetrics) recordRetry(ctx context.Context, index string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("index", index)))
}
