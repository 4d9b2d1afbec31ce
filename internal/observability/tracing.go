package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationPrefix = "github.com/xkilldash9x/emulate-cli/"

// Tracer returns a named tracer from the globally registered provider. Until
// an exporter registers a provider with otel.SetTracerProvider, spans are
// non-recording.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}
