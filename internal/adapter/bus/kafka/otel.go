package kafka

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// tracingHooks instruments every client with OTEL spans for produced and
// fetched records, continuing whatever trace context the record carries.
func tracingHooks() []kgo.Hook {
	tracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	return kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()
}
