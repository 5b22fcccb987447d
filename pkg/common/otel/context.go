package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// emptyTraceID is logged when no span is active so the field is always
// present and fixed width.
const emptyTraceID = "00000000000000000000000000000000"

// GetTraceID returns the hex trace id of the span in ctx.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return emptyTraceID
	}
	return sc.TraceID().String()
}
