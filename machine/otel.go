package machine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flowstate/machine"

// startTransitionSpan opens a span covering one full transition, exit
// dispatch through entry completion.
func startTransitionSpan(ctx context.Context, machineName, from, to string, version uint64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "flowstate.transition",
		trace.WithAttributes(
			attribute.String("machine", machineName),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
			attribute.Int64("snapshot.version", int64(version)), //nolint:gosec
		))
}

// endSpan closes span with a status derived from err.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}
